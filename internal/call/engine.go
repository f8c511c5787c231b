package call

import (
	"context"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
)

// ensureEngine creates the media engine on first use. Every callback
// is stamped with the current engine generation, so callbacks of a
// destroyed engine are dropped at the loop boundary instead of racing
// its successor.
func (c *Controller) ensureEngine() error {
	if c.engine != nil {
		return nil
	}
	c.engineSeq++
	gen := c.engineSeq
	events := core.EngineEvents{
		NetworkStateChanged: func(ns core.NetworkState) {
			c.postEngine(gen, func() { c.setEngineConnected(ns) })
		},
		AudioLevels: func(levels []core.AudioLevel) {
			c.postEngine(gen, func() { c.audioLevelsUpdated(levels) })
		},
		IncomingVideoSources: func(ssrcs []uint32) {
			c.postEngine(gen, func() { c.setVideoStreams(ssrcs) })
		},
		DescriptionsRequired: func(ssrcs []uint32) {
			c.postEngine(gen, func() { c.requestParticipantsInformation(ssrcs) })
		},
		RequestBroadcastPart: func(timeMs, periodMs int64, done func(core.BroadcastPart)) core.PartRequest {
			task := newLoadPartTask(c, timeMs, periodMs, done)
			c.postEngine(gen, func() { c.parts.start(task) })
			return task
		},
	}
	c.log.Info().Msg("creating media engine instance")
	engine, err := c.factory(events)
	if err != nil {
		return err
	}
	c.engine = engine
	c.engineNet = engineDisconnected
	c.engineInTransit = false
	c.updateEngineMuteState()
	c.updateEngineVolumes()
	return nil
}

// destroyEngine stops the engine synchronously and bumps the
// generation so in-flight callbacks die at the loop boundary.
func (c *Controller) destroyEngine() {
	if c.engine == nil {
		return
	}
	c.log.Debug().Msg("destroying media engine instance")
	c.parts.cancelAll()
	c.engine.Stop()
	c.engine = nil
	c.engineSeq++
	c.engineMode = core.ModeNone
	c.log.Debug().Msg("media engine instance destroyed")
}

func (c *Controller) setEngineMode(mode core.ConnectionMode) {
	if c.engine == nil || c.engineMode == mode {
		return
	}
	c.engineMode = mode
	c.engine.SetConnectionMode(mode)
	c.log.Debug().Str("mode", mode.String()).Msg("engine connection mode")
}

// setEngineConnected folds the engine's raw connectivity report into
// the session state and the side effects hanging off it.
func (c *Controller) setEngineConnected(ns core.NetworkState) {
	inTransit := ns.TransitioningFromBroadcast
	state := engineDisconnected
	if ns.Connected {
		state = engineConnected
	} else if inTransit {
		state = engineTransitionToRtc
	}
	if c.engineNet == state && c.engineInTransit == inTransit {
		return
	}
	wasTransit := c.engineInTransit
	c.engineNet = state
	c.engineInTransit = inTransit
	c.log.Debug().Bool("connected", ns.Connected).Bool("transitioning", inTransit).Msg("engine network state")

	if c.mySsrc != 0 {
		if state == engineConnected {
			c.setState(StateJoined)
			c.checkFirstTimeJoined()
			if wasTransit && !inTransit && !c.muted.Forced() {
				// The switch to a full negotiation completed and the
				// microphone may finally be used.
				c.notifyAboutAllowedToSpeak()
			}
		} else {
			c.setState(StateConnecting)
		}
	}

	if c.hadJoined {
		if state == engineDisconnected {
			c.playConnectingSound()
		} else {
			c.stopConnectingSound()
		}
	}
}

func (c *Controller) updateEngineMuteState() {
	if c.engine == nil {
		return
	}
	c.engine.SetMuted(!c.muted.Unmuted())
}

// updateEngineVolumes replays every custom volume and local mute into
// a freshly created engine.
func (c *Controller) updateEngineVolumes() {
	if c.engine == nil {
		return
	}
	for _, p := range c.dir.Participants() {
		if p.Ssrc == 0 || p.Self {
			continue
		}
		if p.MutedByMe {
			c.engine.SetVolume(p.Ssrc, 0)
		} else if p.Volume != domain.DefaultVolume {
			c.engine.SetVolume(p.Ssrc, float64(p.Volume)/float64(domain.DefaultVolume))
		}
	}
}

// requestParticipantsInformation serves the engine's request for media
// descriptions of unknown source ids. Known ones are prepared for
// attachment; unknown ones are parked until the directory resolves
// them.
func (c *Controller) requestParticipantsInformation(ssrcs []uint32) {
	if c.engineMode == core.ModeNone {
		for _, ssrc := range ssrcs {
			c.unresolved[ssrc] = struct{}{}
		}
		return
	}
	for _, ssrc := range ssrcs {
		p, ok := c.dir.ByAudioSsrc(ssrc)
		if !ok {
			p, ok = c.dir.ByVideoSsrc(ssrc)
		}
		if !ok {
			c.unresolved[ssrc] = struct{}{}
			continue
		}
		c.prepareParticipantForAdding(p)
	}
	c.addPreparedParticipants()
}

// prepareParticipantForAdding stages one participant's description.
// Video attachment needs the negotiated common capability; without it
// only the audio source is attached.
func (c *Controller) prepareParticipantForAdding(p domain.Participant) {
	desc := core.ParticipantDescription{AudioSsrc: p.Ssrc}
	if c.commonVideo != nil && p.Video != nil {
		desc.Endpoint = p.Video.Endpoint
		desc.SsrcGroups = p.Video.SsrcGroups
		desc.PayloadTypes = c.commonVideo.PayloadTypes
		desc.HdrExts = c.commonVideo.HdrExts
	}
	c.prepared = append(c.prepared, desc)
	delete(c.unresolved, p.Ssrc)
	for _, ssrc := range p.Video.Ssrcs() {
		delete(c.unresolved, ssrc)
	}
}

// addPreparedParticipants flushes the staged descriptions into the
// engine and asks the service to resolve whatever is still unknown.
func (c *Controller) addPreparedParticipants() {
	c.preparedScheduled = false
	if len(c.prepared) > 0 && c.engine != nil {
		batch := c.prepared
		c.prepared = nil
		c.engine.AddParticipants(batch)
	}
	if len(c.unresolved) > 0 && c.call.Valid() {
		ssrcs := make([]uint32, 0, len(c.unresolved))
		for ssrc := range c.unresolved {
			ssrcs = append(ssrcs, ssrc)
		}
		call := c.call
		go func() {
			if err := c.sig.ResolveParticipants(context.Background(), call, ssrcs); err != nil {
				c.log.Warn().Err(err).Int("count", len(ssrcs)).Msg("ssrc resolution failed")
			}
		}()
	}
}

// addPreparedParticipantsDelayed coalesces a burst of stage calls into
// one engine flush.
func (c *Controller) addPreparedParticipantsDelayed() {
	if c.preparedScheduled {
		return
	}
	c.preparedScheduled = true
	c.post(c.addPreparedParticipants)
}

// addParticipantsToEngine attaches everyone currently known, once the
// negotiated mode allows it.
func (c *Controller) addParticipantsToEngine() {
	if c.engineMode == core.ModeNone {
		return
	}
	if c.engineMode == core.ModeRtc && c.commonVideo == nil {
		return
	}
	for _, p := range c.dir.Participants() {
		if p.Self || p.Ssrc == 0 {
			continue
		}
		c.prepareParticipantForAdding(p)
	}
	c.addPreparedParticipants()
}

// onDirectoryUpdate reacts to one shared-directory change: engine
// attachment/detachment, volume propagation, video routing and parked
// resolution retries.
func (c *Controller) onDirectoryUpdate(u core.ParticipantUpdate) {
	if c.engine != nil {
		c.applyUpdateToEngine(u)
	}
	c.handleParticipantVideoUpdate(u)
	if u.Now != nil && u.Now.Ssrc != 0 {
		if _, parked := c.unresolved[u.Now.Ssrc]; parked {
			c.prepareParticipantForAdding(*u.Now)
			c.addPreparedParticipantsDelayed()
		}
	}
}

func (c *Controller) applyUpdateToEngine(u core.ParticipantUpdate) {
	if u.Now == nil {
		if u.Was == nil || u.Was.Ssrc == 0 {
			return
		}
		ssrcs := append([]uint32{u.Was.Ssrc}, u.Was.Video.Ssrcs()...)
		c.engine.RemoveSsrcs(ssrcs)
		return
	}
	now := u.Now
	if now.Self {
		return
	}
	volumeChanged := u.Was == nil ||
		u.Was.Volume != now.Volume ||
		u.Was.MutedByMe != now.MutedByMe
	if volumeChanged && now.Ssrc != 0 {
		if now.MutedByMe {
			c.engine.SetVolume(now.Ssrc, 0)
		} else {
			c.engine.SetVolume(now.Ssrc, float64(now.Volume)/float64(domain.DefaultVolume))
		}
	}
	videoChanged := (u.Was == nil && now.Video != nil) ||
		(u.Was != nil && u.Was.Video != now.Video)
	if videoChanged && now.Ssrc != 0 && c.engineMode != core.ModeNone {
		c.prepareParticipantForAdding(*now)
		c.addPreparedParticipantsDelayed()
	}
}
