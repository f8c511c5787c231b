package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxhall/groupcall/internal/core"
)

// partLimitBytes caps one broadcast segment download.
const partLimitBytes = 128 * 1024

// loadPartTask is the engine's handle on one broadcast segment fetch.
// Cancel may race completion from an engine thread, so the done
// callback is guarded by a mutex and fires at most once.
type loadPartTask struct {
	c      *Controller
	timeMs int64
	scale  int32

	mu   sync.Mutex
	done func(core.BroadcastPart)
}

// newLoadPartTask derives the request timestamp and scale. A segment
// duration outside the known ladder is a programming error in the
// engine contract and panics.
func newLoadPartTask(c *Controller, timeMs, periodMs int64, done func(core.BroadcastPart)) *loadPartTask {
	var scale int32
	switch periodMs {
	case 1000:
		scale = 0
	case 500:
		scale = 1
	case 250:
		scale = 2
	case 125:
		scale = 3
	default:
		panic(fmt.Sprintf("unsupported broadcast segment duration %dms", periodMs))
	}
	if timeMs == 0 {
		timeMs = time.Now().UnixMilli()
	}
	return &loadPartTask{c: c, timeMs: timeMs, scale: scale, done: done}
}

// Cancel detaches the engine callback and aborts the fetch.
func (t *loadPartTask) Cancel() {
	t.mu.Lock()
	t.done = nil
	t.mu.Unlock()
	t.c.post(func() { t.c.parts.cancel(t) })
}

func (t *loadPartTask) finish(part core.BroadcastPart) {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()
	if done != nil {
		done(part)
	}
}

// partLoader tracks in-flight broadcast segment fetches. All methods
// except task completion goroutines run on the controller loop.
type partLoader struct {
	c       *Controller
	pending map[*loadPartTask]context.CancelFunc
}

func newPartLoader(c *Controller) *partLoader {
	return &partLoader{c: c, pending: make(map[*loadPartTask]context.CancelFunc)}
}

func (l *partLoader) start(task *loadPartTask) {
	task.mu.Lock()
	canceled := task.done == nil
	task.mu.Unlock()
	if canceled {
		return
	}
	if !l.c.call.Valid() {
		// The engine still waits for an answer; without a call to fetch
		// from, tell it to resync rather than leaving it hanging.
		metricBroadcastParts.WithLabelValues(partStatusLabel(core.PartResyncNeeded)).Inc()
		task.finish(core.BroadcastPart{TimestampMs: task.timeMs, Status: core.PartResyncNeeded})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.pending[task] = cancel
	call := l.c.call
	go func() {
		chunk, err := l.c.sig.FetchBroadcastPart(ctx, call, task.timeMs, task.scale, partLimitBytes)
		l.c.post(func() { l.finish(task, chunk, err) })
	}()
}

func (l *partLoader) cancel(task *loadPartTask) {
	if cancel, ok := l.pending[task]; ok {
		cancel()
		delete(l.pending, task)
	}
}

// cancelAll aborts every fetch without completing the engine
// callbacks; the engine discards its tasks when its mode changes.
func (l *partLoader) cancelAll() {
	for task, cancel := range l.pending {
		cancel()
		delete(l.pending, task)
	}
}

// finish classifies one fetch result for the engine. Membership
// errors abort everything and rejoin; rate limiting and clock skew
// mean "retry the same timestamp later"; anything else asks the
// engine to resync its timeline.
func (l *partLoader) finish(task *loadPartTask, chunk core.BroadcastChunk, err error) {
	if _, ok := l.pending[task]; !ok {
		return
	}
	delete(l.pending, task)

	part := core.BroadcastPart{
		TimestampMs:       task.timeMs,
		ResponseTimestamp: chunk.ResponseTimestamp,
	}
	switch {
	case err == nil && !chunk.Redirect:
		part.Status = core.PartSuccess
		part.Payload = chunk.Bytes
	case err == nil:
		// Redirects are never followed; the engine re-derives the
		// timestamp instead.
		part.Status = core.PartResyncNeeded
	case core.IsCode(err, core.CodeJoinMissing), core.IsCode(err, core.CodeForbidden):
		l.c.log.Warn().Err(err).Msg("broadcast feed rejected, rejoining")
		metricBroadcastParts.WithLabelValues("rejected").Inc()
		l.cancelAll()
		l.c.setState(StateJoining)
		metricRejoins.WithLabelValues("broadcast-rejected").Inc()
		l.c.rejoin(l.c.joinAs)
		return
	case core.IsFlood(err), core.IsCode(err, core.CodeTimeTooBig):
		part.Status = core.PartNotReady
	default:
		part.Status = core.PartResyncNeeded
	}
	metricBroadcastParts.WithLabelValues(partStatusLabel(part.Status)).Inc()
	task.finish(part)
}

func partStatusLabel(s core.PartStatus) string {
	switch s {
	case core.PartSuccess:
		return "success"
	case core.PartNotReady:
		return "not-ready"
	}
	return "resync"
}
