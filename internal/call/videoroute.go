package call

import "github.com/voxhall/groupcall/internal/core"

// All video routing state is keyed by the owning participant's audio
// source id; the engine reports incoming video streams under the same
// key.

// streamsVideo reports whether the participant owning ssrc currently
// delivers watchable video: actively streaming and not camera-muted.
func (c *Controller) streamsVideo(ssrc uint32) bool {
	if ssrc == 0 {
		return false
	}
	if _, muted := c.videoMutedSet[ssrc]; muted {
		return false
	}
	_, streaming := c.videoStreams[ssrc]
	return streaming
}

// setVideoStreams replaces the set of actively streaming video source
// ids with the engine's report and re-picks the focused stream.
func (c *Controller) setVideoStreams(ssrcs []uint32) {
	next := make(map[uint32]struct{}, len(ssrcs))
	for _, ssrc := range ssrcs {
		next[ssrc] = struct{}{}
	}
	for ssrc := range c.videoStreams {
		if _, kept := next[ssrc]; !kept {
			delete(c.videoStreams, ssrc)
			if _, muted := c.videoMutedSet[ssrc]; !muted {
				c.streamsBus.Publish(StreamUpdate{Ssrc: ssrc})
			}
		}
	}
	for ssrc := range next {
		if _, had := c.videoStreams[ssrc]; had {
			continue
		}
		c.videoStreams[ssrc] = struct{}{}
		if _, muted := c.videoMutedSet[ssrc]; !muted {
			c.streamsBus.Publish(StreamUpdate{Ssrc: ssrc, Streaming: true})
		}
	}
	if !c.streamsVideo(c.videoLarge) {
		c.setVideoLarge(c.chooseLargeVideoSsrc())
	}
}

// chooseLargeVideoSsrc picks the focus stream: the pinned one if it
// still streams, else the speaking-owner stream, else the sounding
// one, else any stream with a known owner.
func (c *Controller) chooseLargeVideoSsrc() uint32 {
	if c.streamsVideo(c.videoPinned) {
		return c.videoPinned
	}
	var soundingSsrc, anySsrc uint32
	for ssrc := range c.videoStreams {
		if !c.streamsVideo(ssrc) {
			continue
		}
		p, ok := c.dir.ByAudioSsrc(ssrc)
		if !ok {
			continue
		}
		if p.Speaking {
			return ssrc
		}
		if soundingSsrc == 0 && p.Sounding {
			soundingSsrc = ssrc
		}
		if anySsrc == 0 {
			anySsrc = ssrc
		}
	}
	if soundingSsrc != 0 {
		return soundingSsrc
	}
	return anySsrc
}

func (c *Controller) setVideoLarge(ssrc uint32) {
	if c.videoLarge == ssrc {
		return
	}
	c.videoLarge = ssrc
	c.largeMirror.Store(ssrc)
	if c.engine != nil {
		c.engine.SetFullSizeVideoSsrc(ssrc)
	}
	c.log.Debug().Uint32("ssrc", ssrc).Msg("large video stream")
}

// PinVideoStream pins (or with 0 unpins) the focus stream. Pinning a
// source that does not stream video is ignored.
func (c *Controller) PinVideoStream(ssrc uint32) {
	c.post(func() {
		if ssrc != 0 && !c.streamsVideo(ssrc) {
			return
		}
		c.videoPinned = ssrc
		if ssrc != 0 {
			c.setVideoLarge(ssrc)
		} else if !c.streamsVideo(c.videoLarge) {
			c.setVideoLarge(c.chooseLargeVideoSsrc())
		}
	})
}

// handleParticipantVideoUpdate folds one directory change into the
// video routing state: owner-side mute flags and the speaking-driven
// focus switch.
func (c *Controller) handleParticipantVideoUpdate(u core.ParticipantUpdate) {
	newLarge := c.videoLarge
	var notStreamsAnymore uint32

	if u.Now == nil {
		// Participant left; its source stops being a candidate.
		if u.Was != nil && u.Was.Ssrc != 0 {
			delete(c.videoMutedSet, u.Was.Ssrc)
			if u.Was.Ssrc == newLarge {
				newLarge = 0
			}
		}
	} else {
		now := u.Now
		if ssrc := now.Ssrc; ssrc != 0 {
			_, wasMuted := c.videoMutedSet[ssrc]
			if now.VideoMuted != wasMuted {
				if now.VideoMuted {
					c.videoMutedSet[ssrc] = struct{}{}
					if _, streaming := c.videoStreams[ssrc]; streaming {
						notStreamsAnymore = ssrc
					}
					if ssrc == newLarge {
						newLarge = 0
					}
				} else {
					delete(c.videoMutedSet, ssrc)
					if _, streaming := c.videoStreams[ssrc]; streaming {
						c.streamsBus.Publish(StreamUpdate{Ssrc: ssrc, Streaming: true})
					}
				}
			}
		}
		// A participant that started speaking steals focus from an
		// unpinned non-speaking stream.
		startedSpeaking := now.Speaking && (u.Was == nil || !u.Was.Speaking)
		if startedSpeaking && c.videoPinned == 0 && now.Ssrc != 0 && c.streamsVideo(now.Ssrc) {
			large, ok := c.dir.ByAudioSsrc(newLarge)
			if newLarge == 0 || !ok || !large.Speaking {
				newLarge = now.Ssrc
			}
		}
	}

	if newLarge == 0 {
		newLarge = c.chooseLargeVideoSsrc()
	}
	if newLarge != c.videoLarge {
		c.setVideoLarge(newLarge)
	}
	if notStreamsAnymore != 0 {
		c.streamsBus.Publish(StreamUpdate{Ssrc: notStreamsAnymore})
	}
}
