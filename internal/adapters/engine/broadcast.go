package engine

import (
	"context"
	"sync"
	"time"

	"github.com/voxhall/groupcall/internal/core"
)

// broadcastSegmentMs is the segment duration requested from the feed.
const broadcastSegmentMs = 1000

// notReadyRetryAfter spaces retries when the feed tells us the
// segment is not produced yet.
const notReadyRetryAfter = 1000 * time.Millisecond

// broadcastFeed drives the segment pipeline while the engine listens
// to the server-mixed stream instead of a full negotiation. It asks
// the controller for consecutive segments and keeps its own timeline,
// resetting it when the controller reports a resync.
type broadcastFeed struct {
	e *Engine

	mu       sync.Mutex
	running  bool
	everRan  bool
	nextMs   int64
	inflight core.PartRequest
	cancel   context.CancelFunc
}

func newBroadcastFeed(e *Engine) *broadcastFeed {
	return &broadcastFeed{e: e}
}

func (f *broadcastFeed) wasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.everRan
}

func (f *broadcastFeed) start(parent context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	f.running = true
	f.everRan = true
	f.nextMs = 0
	f.cancel = cancel
	f.mu.Unlock()
	f.e.log.Info().Msg("broadcast feed started")
	f.request(ctx)
}

func (f *broadcastFeed) stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	inflight := f.inflight
	f.inflight = nil
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if inflight != nil {
		inflight.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	f.e.log.Info().Msg("broadcast feed stopped")
}

func (f *broadcastFeed) request(ctx context.Context) {
	fn := f.e.events.RequestBroadcastPart
	if fn == nil {
		return
	}
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	timeMs := f.nextMs
	f.mu.Unlock()

	req := fn(timeMs, broadcastSegmentMs, func(part core.BroadcastPart) {
		f.finished(ctx, part)
	})
	f.mu.Lock()
	if f.running {
		f.inflight = req
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	req.Cancel()
}

func (f *broadcastFeed) finished(ctx context.Context, part core.BroadcastPart) {
	f.mu.Lock()
	f.inflight = nil
	running := f.running
	f.mu.Unlock()
	if !running || ctx.Err() != nil {
		return
	}
	switch part.Status {
	case core.PartSuccess:
		f.e.log.Debug().Int64("time_ms", part.TimestampMs).Int("bytes", len(part.Payload)).Msg("broadcast segment")
		f.mu.Lock()
		f.nextMs = part.TimestampMs + broadcastSegmentMs
		f.mu.Unlock()
		f.request(ctx)
	case core.PartNotReady:
		f.retryLater(ctx)
	case core.PartResyncNeeded:
		f.mu.Lock()
		f.nextMs = 0
		f.mu.Unlock()
		f.retryLater(ctx)
	}
}

func (f *broadcastFeed) retryLater(ctx context.Context) {
	timer := time.AfterFunc(notReadyRetryAfter, func() {
		if ctx.Err() != nil {
			return
		}
		f.request(ctx)
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}
