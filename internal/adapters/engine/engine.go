// Package engine adapts a pion/webrtc peer connection to the media
// engine contract of the session controller: join payload emission,
// negotiated-answer application, participant attachment and the
// audio-level / incoming-video event streams.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/wire"
)

// Config tunes the underlying peer connection.
type Config struct {
	ICEServers []string
}

func DefaultConfig() Config {
	return Config{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// Factory returns an engine factory bound to cfg.
func Factory(cfg Config) core.EngineFactory {
	return func(events core.EngineEvents) (core.MediaEngine, error) {
		return New(cfg, events)
	}
}

// Engine is one live media session. The controller owns it: exactly
// one per join generation, stopped before the next one is created.
type Engine struct {
	pc     *webrtc.PeerConnection
	events core.EngineEvents
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	levels *levelCollector
	bcast  *broadcastFeed

	mu          sync.Mutex
	mode        core.ConnectionMode
	muted       bool
	volumes     map[uint32]float64
	known       map[uint32]struct{}
	videoSsrcs  map[uint32]struct{}
	videoOwners map[uint32]uint32
	largeSsrc   uint32
	closed      bool
}

var _ core.MediaEngine = (*Engine)(nil)

func New(cfg Config, events core.EngineEvents) (*Engine, error) {
	var iceServers []webrtc.ICEServer
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		pc:         pc,
		events:     events,
		log:        log.With().Str("module", "engine").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		volumes:     make(map[uint32]float64),
		known:       make(map[uint32]struct{}),
		videoSsrcs:  make(map[uint32]struct{}),
		videoOwners: make(map[uint32]uint32),
	}
	e.levels = newLevelCollector(e)
	e.bcast = newBroadcastFeed(e)

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		cancel()
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			e.emitNetworkState(true)
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
			e.emitNetworkState(false)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.log.Info().
			Str("kind", track.Kind().String()).
			Uint32("ssrc", uint32(track.SSRC())).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		e.handleTrack(track)
	})

	e.wg.Add(1)
	go e.levels.loop(ctx)
	return e, nil
}

func (e *Engine) emitNetworkState(connected bool) {
	e.mu.Lock()
	transit := e.mode == core.ModeRtc && e.bcast.wasActive()
	e.mu.Unlock()
	if e.events.NetworkStateChanged != nil {
		e.events.NetworkStateChanged(core.NetworkState{
			Connected:                  connected,
			TransitioningFromBroadcast: transit && !connected,
		})
	}
}

func (e *Engine) handleTrack(track *webrtc.TrackRemote) {
	ssrc := uint32(track.SSRC())
	e.mu.Lock()
	_, known := e.known[ssrc]
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	if !known && e.events.DescriptionsRequired != nil {
		e.events.DescriptionsRequired([]uint32{ssrc})
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		e.addVideoSsrc(ssrc)
		e.wg.Add(1)
		go e.readVideoLoop(track)
		return
	}
	e.wg.Add(1)
	go e.readAudioLoop(track)
}

func (e *Engine) addVideoSsrc(ssrc uint32) {
	e.mu.Lock()
	e.videoSsrcs[ssrc] = struct{}{}
	snapshot := e.videoSsrcSnapshot()
	e.mu.Unlock()
	if e.events.IncomingVideoSources != nil {
		e.events.IncomingVideoSources(snapshot)
	}
}

func (e *Engine) dropVideoSsrc(ssrc uint32) {
	e.mu.Lock()
	delete(e.videoSsrcs, ssrc)
	snapshot := e.videoSsrcSnapshot()
	closed := e.closed
	e.mu.Unlock()
	if !closed && e.events.IncomingVideoSources != nil {
		e.events.IncomingVideoSources(snapshot)
	}
}

// videoSsrcSnapshot is called with e.mu held. Video track ids fold
// into the owner's audio source id, the key the session controller
// routes by; simulcast layers of one owner collapse into one entry.
func (e *Engine) videoSsrcSnapshot() []uint32 {
	seen := make(map[uint32]struct{}, len(e.videoSsrcs))
	out := make([]uint32, 0, len(e.videoSsrcs))
	for ssrc := range e.videoSsrcs {
		owner := ssrc
		if o, ok := e.videoOwners[ssrc]; ok {
			owner = o
		}
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	return out
}

// readVideoLoop drains a video track; the payload goes to the
// renderer elsewhere, only liveness matters here.
func (e *Engine) readVideoLoop(track *webrtc.TrackRemote) {
	defer e.wg.Done()
	ssrc := uint32(track.SSRC())
	defer e.dropVideoSsrc(ssrc)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		if _, _, err := track.ReadRTP(); err != nil {
			e.log.Debug().Err(err).Uint32("ssrc", ssrc).Msg("video track ended")
			return
		}
	}
}

func (e *Engine) EmitJoinPayload(fn func(wire.JoinPayload)) {
	go func() {
		offer, err := e.pc.CreateOffer(nil)
		if err != nil {
			e.log.Error().Err(err).Msg("create offer")
			return
		}
		gatherComplete := webrtc.GatheringCompletePromise(e.pc)
		if err := e.pc.SetLocalDescription(offer); err != nil {
			e.log.Error().Err(err).Msg("set local description")
			return
		}
		select {
		case <-gatherComplete:
		case <-e.ctx.Done():
			return
		}
		local := e.pc.LocalDescription()
		if local == nil {
			return
		}
		payload, err := payloadFromSDP(local.SDP)
		if err != nil {
			e.log.Error().Err(err).Msg("extract join payload")
			return
		}
		for _, ext := range payload.HdrExts {
			if ext.URI == audioLevelURI {
				e.levels.setExtensionID(0, uint8(ext.ID))
			}
		}
		fn(payload)
	}()
}

func (e *Engine) SetJoinResponsePayload(resp *wire.JoinResponse) error {
	sdpText, err := answerFromResponse(e.pc.LocalDescription(), resp)
	if err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdpText,
	})
}

func (e *Engine) SetConnectionMode(mode core.ConnectionMode) {
	e.mu.Lock()
	prev := e.mode
	e.mode = mode
	e.mu.Unlock()
	if prev == mode {
		return
	}
	e.log.Debug().Str("mode", mode.String()).Msg("connection mode")
	if mode == core.ModeBroadcast {
		e.bcast.start(e.ctx)
	} else {
		e.bcast.stop()
	}
}

func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	e.muted = muted
	e.mu.Unlock()
}

func (e *Engine) SetVolume(ssrc uint32, volume float64) {
	e.mu.Lock()
	e.volumes[ssrc] = volume
	e.mu.Unlock()
}

func (e *Engine) AddParticipants(parts []core.ParticipantDescription) {
	e.mu.Lock()
	for _, p := range parts {
		if p.AudioSsrc != 0 {
			e.known[p.AudioSsrc] = struct{}{}
		}
		for _, g := range p.SsrcGroups {
			for _, ssrc := range g.Sources {
				e.known[ssrc] = struct{}{}
				if p.AudioSsrc != 0 {
					e.videoOwners[ssrc] = p.AudioSsrc
				}
			}
		}
	}
	e.mu.Unlock()
}

func (e *Engine) RemoveSsrcs(ssrcs []uint32) {
	e.mu.Lock()
	for _, ssrc := range ssrcs {
		delete(e.known, ssrc)
		delete(e.volumes, ssrc)
		delete(e.videoOwners, ssrc)
	}
	e.mu.Unlock()
}

func (e *Engine) SetFullSizeVideoSsrc(ssrc uint32) {
	e.mu.Lock()
	e.largeSsrc = ssrc
	e.mu.Unlock()
}

// Stop tears the engine down synchronously; no event fires after it
// returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.bcast.stop()
	if err := e.pc.Close(); err != nil {
		e.log.Error().Err(err).Msg("close error")
	}
	e.wg.Wait()
	e.log.Info().Msg("stopped")
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// playbackVolume returns the configured playback ratio for ssrc, 1 by
// default.
func (e *Engine) playbackVolume(ssrc uint32) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.volumes[ssrc]; ok {
		return v
	}
	return 1
}

var errNoLocalDescription = errors.New("no local description")
