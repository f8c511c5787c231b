package core

import "sync"

// Bus is a typed publish/subscribe stream with ordered, at-most-once
// delivery per subscriber. A subscriber that cannot keep up loses
// events rather than blocking the publisher, same policy as a
// backpressured transport send.
type Bus[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

// Subscription is one subscriber's view of a Bus. Close is idempotent
// and must be called when the subscriber's lifetime ends.
type Subscription[T any] struct {
	C      <-chan T
	cancel func()
	once   sync.Once
}

func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan T, buffer)
	b.subs[id] = ch
	return &Subscription[T]{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		},
	}
}

// Publish delivers v to every current subscriber, dropping it for
// subscribers whose buffer is full.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
