package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/voxhall/groupcall/internal/core"
)

// audioLevelURI is the RFC 6464 client-to-mixer audio level RTP
// header extension.
const audioLevelURI = "urn:ietf:params:rtp-parameters:ssrc-audio-level"

// levelFlushEach is how often accumulated levels are reported upward.
const levelFlushEach = 100 * time.Millisecond

// levelCollector accumulates per-source peak audio levels read from
// the RTP header extension and flushes them as one batch on a fixed
// cadence.
type levelCollector struct {
	e *Engine

	mu     sync.Mutex
	peaks  map[uint32]core.AudioLevel
	extIDs map[uint32]uint8
}

func newLevelCollector(e *Engine) *levelCollector {
	return &levelCollector{
		e:      e,
		peaks:  make(map[uint32]core.AudioLevel),
		extIDs: make(map[uint32]uint8),
	}
}

func (c *levelCollector) loop(ctx context.Context) {
	defer c.e.wg.Done()
	ticker := time.NewTicker(levelFlushEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *levelCollector) flush() {
	c.mu.Lock()
	if len(c.peaks) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]core.AudioLevel, 0, len(c.peaks))
	for _, l := range c.peaks {
		batch = append(batch, l)
	}
	c.peaks = make(map[uint32]core.AudioLevel)
	c.mu.Unlock()

	if c.e.isClosed() {
		return
	}
	if fn := c.e.events.AudioLevels; fn != nil {
		fn(batch)
	}
}

// note keeps the loudest observation per source within one flush
// window; voice sticks once seen.
func (c *levelCollector) note(ssrc uint32, level float32, voice bool) {
	c.mu.Lock()
	cur, ok := c.peaks[ssrc]
	if !ok || level > cur.Level {
		cur.Level = level
	}
	cur.Ssrc = ssrc
	cur.Voice = cur.Voice || voice
	c.peaks[ssrc] = cur
	c.mu.Unlock()
}

func (c *levelCollector) setExtensionID(ssrc uint32, id uint8) {
	c.mu.Lock()
	c.extIDs[ssrc] = id
	c.mu.Unlock()
}

func (c *levelCollector) extensionID(ssrc uint32) (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.extIDs[ssrc]
	return id, ok
}

// readAudioLoop drains one remote audio track, feeding the level
// collector from the header extension of each packet.
func (e *Engine) readAudioLoop(track *webrtc.TrackRemote) {
	defer e.wg.Done()
	ssrc := uint32(track.SSRC())
	extID := e.resolveLevelExtension(ssrc)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			e.log.Debug().Err(err).Uint32("ssrc", ssrc).Msg("audio track ended")
			return
		}
		if extID == 0 {
			continue
		}
		level, voice, ok := parseAudioLevel(pkt, extID)
		if !ok {
			continue
		}
		// A locally silenced source must not light up activity UI.
		if e.playbackVolume(ssrc) == 0 {
			continue
		}
		e.levels.note(ssrc, level, voice)
	}
}

// resolveLevelExtension returns the negotiated header extension id
// for the track's source. Key 0 holds the session-wide id taken from
// the join payload; the conventional id 1 is the last resort.
func (e *Engine) resolveLevelExtension(ssrc uint32) uint8 {
	if id, ok := e.levels.extensionID(ssrc); ok {
		return id
	}
	if id, ok := e.levels.extensionID(0); ok {
		return id
	}
	return 1
}

// parseAudioLevel decodes the one-byte RFC 6464 payload: the V bit
// plus the level in -dBov, converted to a linear 0..1 scale.
func parseAudioLevel(pkt *rtp.Packet, extID uint8) (float32, bool, bool) {
	ext := pkt.GetExtension(extID)
	if len(ext) == 0 {
		return 0, false, false
	}
	voice := ext[0]&0x80 != 0
	dBov := float64(ext[0] & 0x7f)
	level := float32(math.Pow(10, -dBov/20))
	if dBov >= 127 {
		level = 0
	}
	return level, voice, true
}
