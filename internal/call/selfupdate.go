package call

import (
	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
)

// HandleParticipantsUpdate ingests a service push. Records for other
// participants go straight into the directory; the record for this
// device additionally drives session-level reactions, queued until the
// join handshake has produced a source id.
func (c *Controller) HandleParticipantsUpdate(u core.ParticipantsUpdate) {
	c.post(func() { c.handleParticipantsUpdate(u) })
}

func (c *Controller) handleParticipantsUpdate(u core.ParticipantsUpdate) {
	if u.CallID != c.call.ID {
		return
	}
	state := c.state()
	joined := state == StateJoined || state == StateConnecting
	for _, p := range u.Participants {
		isSelf := p.Self || p.Peer == c.joinAs
		if !isSelf {
			c.applyOtherParticipantUpdate(p)
			continue
		}
		if joined {
			c.applySelfUpdate(p)
		} else {
			c.queuedSelfUpdates = append(c.queuedSelfUpdates, p)
		}
	}
}

// applyQueuedSelfUpdates replays self records that arrived before the
// join handshake finished, in arrival order.
func (c *Controller) applyQueuedSelfUpdates() {
	for len(c.queuedSelfUpdates) > 0 {
		update := c.queuedSelfUpdates[0]
		c.queuedSelfUpdates = c.queuedSelfUpdates[1:]
		c.applySelfUpdate(update)
	}
}

// applySelfUpdate reconciles the service's view of this device with
// local state: kicks, stale devices, forced mutes and granted unmutes.
func (c *Controller) applySelfUpdate(data domain.Participant) {
	if data.Left {
		c.dir.ApplyAuthoritative(data)
		if data.Ssrc == c.mySsrc {
			// The service removed this very device; reattach.
			c.log.Info().Msg("kicked from call, rejoining")
			metricRejoins.WithLabelValues("kicked").Inc()
			c.setState(StateJoining)
			c.rejoin(c.joinAs)
		}
		return
	}
	if data.Ssrc != c.mySsrc {
		if _, old := c.mySsrcs[data.Ssrc]; old {
			// A record for a previous join generation of this very
			// device; nothing to do.
			c.log.Debug().Uint32("ssrc", data.Ssrc).Msg("stale own participant record")
			return
		}
		// The account joined from another device; this session is the
		// stale one and must go without a leave request.
		c.log.Info().Uint32("ssrc", data.Ssrc).Msg("joined from another device, hanging up")
		c.mySsrc = 0
		c.ssrcMirror.Store(0)
		c.finish(finishEnded)
		return
	}
	c.dir.ApplyAuthoritative(data)
	if data.Muted && !data.CanSelfUnmute {
		// Forced mute. A rated record means the raised hand is still
		// pending; otherwise drop to the forced state.
		if data.RaisedHandRating != 0 {
			c.setMuted(domain.RaisedHand)
		} else {
			c.setMuted(domain.ForceMuted)
		}
	} else if c.engineMode == core.ModeBroadcast {
		// Listening to the broadcast feed while allowed to speak: a
		// full negotiation is needed to actually send audio.
		c.log.Info().Msg("unmute allowed on broadcast feed, renegotiating")
		metricRejoins.WithLabelValues("broadcast-unmute").Inc()
		c.setState(StateJoining)
		c.rejoin(c.joinAs)
	} else if c.muted.Forced() {
		// The force was lifted. Land on plain muted and, unless the
		// engine is mid-transition, tell the user they may speak now.
		c.setMuted(domain.Muted)
		if !c.engineInTransit {
			c.notifyAboutAllowedToSpeak()
		}
	} else if data.Muted && c.muted != domain.Muted {
		c.setMuted(domain.Muted)
	}
}

// applyOtherParticipantUpdate records a non-self push and publishes
// the volume/mute projection for full records. Partial records carry
// no mutedByMe/volume information, so no projection is emitted.
func (c *Controller) applyOtherParticipantUpdate(data domain.Participant) {
	c.dir.ApplyAuthoritative(data)
	if data.Partial || data.Left {
		return
	}
	p, ok := c.dir.Get(data.Peer)
	if !ok {
		return
	}
	c.othersBus.Publish(OtherParticipantState{
		Peer:      p.Peer,
		Volume:    p.Volume,
		MutedByMe: p.MutedByMe,
	})
}
