package call

import (
	"context"
	"time"

	"github.com/voxhall/groupcall/internal/core"
)

// spokeTimes remembers, per source id, when any audio and when actual
// voice was last heard (unix milliseconds).
type spokeTimes struct {
	anything int64
	voice    int64
}

// speakingTracker debounces raw engine audio levels into the
// sounding/speaking flags of the shared directory. It runs entirely on
// the controller loop.
type speakingTracker struct {
	c         *Controller
	lastSpoke map[uint32]spokeTimes
	recheck   *loopTimer
}

func newSpeakingTracker(c *Controller) *speakingTracker {
	t := &speakingTracker{
		c:         c,
		lastSpoke: make(map[uint32]spokeTimes),
	}
	t.recheck = newLoopTimer(c, t.checkLastSpoke)
	return t
}

func (t *speakingTracker) stop() {
	t.recheck.cancel()
}

// audioLevelsUpdated fans one engine level batch out to subscribers,
// refreshes activity timestamps above the speech threshold and
// throttles the outgoing "speaking" progress signal.
func (c *Controller) audioLevelsUpdated(levels []core.AudioLevel) {
	c.speaking.levelsUpdated(levels)
}

func (t *speakingTracker) levelsUpdated(levels []core.AudioLevel) {
	c := t.c
	now := time.Now()
	nowMs := now.UnixMilli()
	checkNow := false
	for _, l := range levels {
		me := l.Ssrc == 0 || l.Ssrc == c.mySsrc
		ssrc := l.Ssrc
		if me {
			ssrc = c.mySsrc
		}
		c.levelBus.Publish(LevelUpdate{Ssrc: ssrc, Level: l.Level, Voice: l.Voice, Me: me})
		if l.Level <= speakLevelThreshold {
			continue
		}
		if me && l.Voice && now.Sub(c.lastProgressUpdate) >= updateSendActionEach {
			c.lastProgressUpdate = now
			c.notifySpeakingProgress()
		}
		if ssrc == 0 {
			continue
		}
		when := t.lastSpoke[ssrc]
		if when.anything == 0 {
			// First activity for this source; recompute flags right
			// away instead of waiting for the next tick.
			checkNow = true
		}
		when.anything = nowMs
		if l.Voice {
			when.voice = nowMs
		}
		t.lastSpoke[ssrc] = when
	}
	if checkNow {
		t.checkLastSpoke()
	} else if len(t.lastSpoke) > 0 && !t.recheck.active() {
		t.recheck.callEach(checkLastSpokeInterval / 2)
	}
}

// checkLastSpoke expires stale activity and pushes the resulting
// sounding/speaking flags into the directory.
func (t *speakingTracker) checkLastSpoke() {
	c := t.c
	nowMs := time.Now().UnixMilli()
	hasRecent := false
	for ssrc, when := range t.lastSpoke {
		if when.anything+checkLastSpokeInterval.Milliseconds() >= nowMs {
			hasRecent = true
		} else {
			delete(t.lastSpoke, ssrc)
		}
		c.dir.ApplyLastSpoke(ssrc, when.anything, when.voice, nowMs)
	}
	if !hasRecent {
		t.recheck.cancel()
	} else if !t.recheck.active() {
		t.recheck.callEach(checkLastSpokeInterval / 3)
	}
}

// notifySpeakingProgress fires the throttled service-side "speaking"
// signal.
func (c *Controller) notifySpeakingProgress() {
	if !c.call.Valid() {
		return
	}
	call := c.call
	go func() {
		if err := c.sig.NotifySpeaking(context.Background(), call); err != nil {
			c.log.Debug().Err(err).Msg("speaking signal failed")
		}
	}()
}
