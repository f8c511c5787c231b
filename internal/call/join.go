package call

import (
	"context"
	"time"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
	"github.com/voxhall/groupcall/internal/wire"
)

type finishType int

const (
	finishEnded finishType = iota
	finishFailed
)

// selfUpdateKind selects which of this device's flags an outgoing
// self-edit carries.
type selfUpdateKind int

const (
	sendUpdateMute selfUpdateKind = iota
	sendUpdateRaiseHand
	sendUpdateVideoMuted
)

// Start creates a new call (optionally scheduled) and joins it once
// the service confirms creation.
func (c *Controller) Start(scheduleDate int64) {
	c.post(func() { c.startCreate(scheduleDate) })
}

func (c *Controller) startCreate(scheduleDate int64) {
	if c.state() != StateCreating || c.call.Valid() {
		return
	}
	c.scheduleDate = scheduleDate
	ctx, cancel := context.WithCancel(context.Background())
	c.createCancel = cancel
	c.log.Info().Int64("schedule_date", scheduleDate).Msg("creating call")
	go func() {
		ref, err := c.sig.CreateCall(ctx, scheduleDate)
		c.post(func() { c.createFinished(ref, err) })
	}()
}

func (c *Controller) createFinished(ref domain.CallRef, err error) {
	c.createCancel = nil
	if err != nil {
		c.log.Error().Err(err).Msg("create failed")
		if core.IsCode(err, core.CodeAnonymousForbidden) {
			c.fail(core.FailAnonymousForbidden)
		} else {
			c.fail(core.FailServerError)
		}
		return
	}
	c.joinRef(ref)
}

// Join attaches the controller to an existing call and starts the
// join protocol, or parks in Waiting if the call is scheduled.
func (c *Controller) Join(ref domain.CallRef) {
	c.post(func() { c.joinRef(ref) })
}

func (c *Controller) joinRef(ref domain.CallRef) {
	c.call = ref
	if c.scheduleDate != 0 {
		c.setState(StateWaiting)
		return
	}
	c.setState(StateJoining)
	c.rejoin(c.joinAs)
}

// Rejoin restarts the join protocol keeping the current identity.
func (c *Controller) Rejoin() {
	c.post(func() { c.rejoin(c.joinAs) })
}

// RejoinAs restarts the join protocol under a different identity.
func (c *Controller) RejoinAs(as domain.PeerID) {
	c.post(func() { c.rejoin(as) })
}

// RejoinWithHash restarts the join protocol carrying a fresh invite
// hash.
func (c *Controller) RejoinWithHash(hash string) {
	c.post(func() {
		if hash != "" {
			c.joinHash = hash
		}
		c.rejoin(c.joinAs)
	})
}

// rejoin is the single entry point of the join protocol. The state
// guard makes it a no-op when a hangup already started, so a stale
// liveness failure or kick can never resurrect a dying session.
func (c *Controller) rejoin(as domain.PeerID) {
	switch c.state() {
	case StateJoining, StateJoined, StateConnecting:
	default:
		return
	}
	c.mySsrc = 0
	c.ssrcMirror.Store(0)
	c.initialMuteSent = false
	c.joinSeq++
	c.setState(StateJoining)
	if err := c.ensureEngine(); err != nil {
		c.log.Error().Err(err).Msg("engine create failed")
		c.fail(core.FailServerError)
		return
	}
	c.setEngineMode(core.ModeNone)
	c.joinAs = as
	c.applyMeInCallLocally()
	c.log.Info().Msg("requesting join payload")
	gen := c.engineSeq
	c.engine.EmitJoinPayload(func(p wire.JoinPayload) {
		c.postEngine(gen, func() { c.joinWithPayload(p) })
	})
}

func (c *Controller) joinWithPayload(p wire.JoinPayload) {
	if c.state() != StateJoining {
		return
	}
	data, err := wire.EncodeJoinPayload(p)
	if err != nil {
		c.log.Error().Err(err).Msg("join payload encode failed")
		c.fail(core.FailServerError)
		return
	}
	wasMuteState := c.muted
	req := core.JoinRequest{
		Call:       c.call,
		JoinAs:     c.joinAs,
		InviteHash: c.joinHash,
		Muted:      wasMuteState != domain.MuteActive,
		Payload:    data,
	}
	seq := c.joinSeq
	ssrc := p.Ssrc
	c.log.Info().Uint32("ssrc", ssrc).Msg("sending join request")
	go func() {
		resp, err := c.sig.JoinCall(context.Background(), req)
		c.post(func() { c.joinFinished(seq, ssrc, wasMuteState, resp, err) })
	}()
}

func (c *Controller) joinFinished(seq int, ssrc uint32, wasMuteState domain.MuteState, resp []byte, err error) {
	if seq != c.joinSeq {
		// A newer rejoin or a hangup superseded this attempt.
		return
	}
	if err != nil {
		c.joinFailed(err)
		return
	}
	c.rejoinsOnDuplicate = 0
	c.mySsrc = ssrc
	c.ssrcMirror.Store(ssrc)
	c.mySsrcs[ssrc] = struct{}{}
	if c.engineNet == engineConnected {
		c.setState(StateJoined)
	} else {
		c.setState(StateConnecting)
	}
	c.applyMeInCallLocally()
	c.maybeSendMutedUpdate(wasMuteState)
	c.handleConnectionParams(resp)
	c.applyQueuedSelfUpdates()
	c.checkFirstTimeJoined()
	c.sendSelfUpdate(sendUpdateVideoMuted)
}

func (c *Controller) joinFailed(err error) {
	code := core.Code(err)
	c.log.Warn().Err(err).Str("code", string(code)).Msg("join failed")
	switch code {
	case core.CodeSsrcDuplicate:
		c.rejoinsOnDuplicate++
		if c.rejoinsOnDuplicate <= maxDuplicateRejoins {
			metricRejoins.WithLabelValues("duplicate-ssrc").Inc()
			c.rejoin(c.joinAs)
			return
		}
		c.log.Error().Int("attempts", c.rejoinsOnDuplicate).Msg("duplicate ssrc retry budget exhausted")
		c.fail(core.FailServerError)
	case core.CodeAnonymousForbidden:
		c.fail(core.FailAnonymousForbidden)
	case core.CodeTooManyParticipants:
		c.fail(core.FailTooManyParticipants)
	case core.CodeForbidden:
		c.fail(core.FailNotAccessible)
	default:
		c.fail(core.FailServerError)
	}
}

// handleConnectionParams applies the negotiation response: either the
// broadcast feed marker or the full transport description.
func (c *Controller) handleConnectionParams(raw []byte) {
	defer c.addParticipantsToEngine()
	resp, err := wire.ParseJoinResponse(raw)
	if err != nil {
		c.log.Error().Err(err).Msg("bad join response")
		return
	}
	if resp.Stream {
		c.setEngineMode(core.ModeBroadcast)
		return
	}
	video := resp.Video
	c.commonVideo = &video
	c.setEngineMode(core.ModeRtc)
	if c.engine != nil {
		if err := c.engine.SetJoinResponsePayload(resp); err != nil {
			c.log.Error().Err(err).Msg("engine rejected join response")
		}
	}
}

// Hangup leaves the call for this device only.
func (c *Controller) Hangup() {
	c.post(func() { c.finish(finishEnded) })
}

// Discard ends the call for everyone, then hangs up locally.
func (c *Controller) Discard() {
	c.post(c.discard)
}

func (c *Controller) discard() {
	if !c.call.Valid() {
		if c.createCancel != nil {
			c.createCancel()
			c.createCancel = nil
		}
		c.finish(finishEnded)
		return
	}
	call := c.call
	c.log.Info().Int64("call_id", call.ID).Msg("discarding call")
	go func() {
		err := c.sig.DiscardCall(context.Background(), call)
		c.post(func() {
			if err != nil {
				c.log.Warn().Err(err).Msg("discard failed")
			}
			c.finish(finishEnded)
		})
	}()
}

// fail records the reason and tears the session down through the
// failed branch of the state machine.
func (c *Controller) fail(reason core.FailReason) {
	c.failReason = reason
	c.finish(finishFailed)
}

// finish runs the leave protocol. The leave request uses a detached
// context: it must reach the service even if the controller is closed
// right after.
func (c *Controller) finish(t finishType) {
	final := StateEnded
	hanging := StateHangingUp
	if t == finishFailed {
		final = StateFailed
		hanging = StateFailedHangingUp
	}
	switch c.state() {
	case StateHangingUp, StateFailedHangingUp, StateEnded, StateFailed:
		return
	}
	c.joinSeq++
	if c.mySsrc == 0 {
		c.setState(final)
		return
	}
	ssrc := c.mySsrc
	c.mySsrc = 0
	c.ssrcMirror.Store(0)
	c.setState(hanging)
	call := c.call
	go func() {
		if err := c.sig.LeaveCall(context.Background(), call, ssrc); err != nil {
			c.log.Warn().Err(err).Msg("leave failed")
		}
		c.post(func() { c.setState(final) })
	}()
}

// HandleCallDiscarded ends the session when the service reports the
// whole call gone.
func (c *Controller) HandleCallDiscarded(callID int64) {
	c.post(func() {
		if callID != c.call.ID {
			return
		}
		c.mySsrc = 0
		c.ssrcMirror.Store(0)
		c.finish(finishEnded)
	})
}

// HandleScheduleDate tracks schedule changes; clearing the date while
// parked in Waiting starts the join protocol.
func (c *Controller) HandleScheduleDate(callID int64, date int64) {
	c.post(func() {
		if callID != c.call.ID {
			return
		}
		was := c.scheduleDate
		c.scheduleDate = date
		if was != 0 && date == 0 && c.state() == StateWaiting {
			c.setState(StateJoining)
			c.rejoin(c.joinAs)
		}
	})
}

// StartScheduledNow launches a scheduled call ahead of time. Only the
// call manager may do this.
func (c *Controller) StartScheduledNow() {
	c.post(func() {
		if !c.canManage || !c.call.Valid() {
			return
		}
		call := c.call
		go func() {
			if err := c.sig.StartScheduled(context.Background(), call); err != nil {
				c.log.Warn().Err(err).Msg("start scheduled failed")
			}
		}()
	})
}

// ToggleScheduleStartSubscribed flips the start notification
// subscription for a scheduled call.
func (c *Controller) ToggleScheduleStartSubscribed(subscribed bool) {
	c.post(func() {
		if !c.call.Valid() || c.scheduleDate == 0 {
			return
		}
		call := c.call
		go func() {
			if err := c.sig.ToggleStartSubscription(context.Background(), call, subscribed); err != nil {
				c.log.Warn().Err(err).Msg("toggle start subscription failed")
			}
		}()
	})
}

// ChangeTitle renames the call.
func (c *Controller) ChangeTitle(title string) {
	c.post(func() {
		if !c.call.Valid() {
			return
		}
		call := c.call
		go func() {
			if err := c.sig.EditTitle(context.Background(), call, title); err != nil {
				c.post(func() { c.log.Warn().Err(err).Msg("edit title failed") })
			}
		}()
	})
}

// ToggleRecording starts or stops server-side recording. Stopping
// remembers that this device did it, so the stop confirmation push is
// not mistaken for an admin stopping it remotely.
func (c *Controller) ToggleRecording(start bool, title string) {
	c.post(func() {
		if !c.call.Valid() {
			return
		}
		if !start {
			c.recordingStoppedByMe = true
		}
		call := c.call
		go func() {
			err := c.sig.ToggleRecording(context.Background(), call, start, title)
			c.post(func() {
				if err != nil {
					c.log.Warn().Err(err).Msg("toggle recording failed")
					c.recordingStoppedByMe = false
				}
			})
		}()
	})
}

// RecordingStoppedByMe reports and clears the local stop latch.
func (c *Controller) RecordingStoppedByMe() bool {
	done := make(chan bool, 1)
	c.post(func() {
		done <- c.recordingStoppedByMe
		c.recordingStoppedByMe = false
	})
	select {
	case v := <-done:
		return v
	case <-c.closed:
		return false
	}
}

// InviteUsers invites the given peers, skipping ones already in the
// call or already invited, in slices of at most ten per request.
func (c *Controller) InviteUsers(users []domain.PeerID) {
	c.post(func() { c.inviteUsers(users) })
}

func (c *Controller) inviteUsers(users []domain.PeerID) {
	if !c.call.Valid() {
		return
	}
	slice := make([]domain.PeerID, 0, maxInvitePerSlice)
	sendSlice := func() {
		if len(slice) == 0 {
			return
		}
		batch := slice
		slice = make([]domain.PeerID, 0, maxInvitePerSlice)
		call := c.call
		go func() {
			if err := c.sig.InviteUsers(context.Background(), call, batch); err != nil {
				c.post(func() { c.log.Warn().Err(err).Int("count", len(batch)).Msg("invite failed") })
			}
		}()
	}
	for _, user := range users {
		if _, ok := c.dir.Get(user); ok {
			continue
		}
		if _, ok := c.invited[user]; ok {
			continue
		}
		c.invited[user] = struct{}{}
		slice = append(slice, user)
		if len(slice) == maxInvitePerSlice {
			sendSlice()
		}
	}
	sendSlice()
}

// SetMuted requests a mute-state change. Unmuting first asks the
// platform for microphone access.
func (c *Controller) SetMuted(mute domain.MuteState) {
	c.post(func() { c.setMuted(mute) })
}

func (c *Controller) setMuted(mute domain.MuteState) {
	apply := func() {
		was := c.muted
		if was == mute {
			return
		}
		wasMuted := !was.Unmuted()
		wasRaiseHand := was == domain.RaisedHand
		c.muted = mute
		c.mutedMirror.Store(int32(mute))
		nowMuted := !mute.Unmuted()
		nowRaiseHand := mute == domain.RaisedHand
		if wasMuted != nowMuted || wasRaiseHand != nowRaiseHand {
			c.applyMeInCallLocally()
		}
		c.onMutedChanged(was)
	}
	if mute == domain.MuteActive || mute == domain.MutePushToTalk {
		c.delegate.RequestAudioPermission(func() { c.post(apply) })
		return
	}
	apply()
}

// SetMutedAndUpdate changes the mute state and pushes it to the
// service even outside a group transition.
func (c *Controller) SetMutedAndUpdate(mute domain.MuteState) {
	c.post(func() {
		was := c.muted
		send := c.initialMuteSent && mute != domain.MuteActive
		c.setMuted(mute)
		if send {
			c.maybeSendMutedUpdate(was)
		}
	})
}

func (c *Controller) onMutedChanged(previous domain.MuteState) {
	if c.engine != nil {
		c.updateEngineMuteState()
	}
	if c.mySsrc != 0 && (!c.initialMuteSent || c.muted == domain.MuteActive) {
		c.initialMuteSent = true
		c.maybeSendMutedUpdate(previous)
	}
}

// maybeSendMutedUpdate pushes the mute state to the service only when
// the change crosses a group boundary: active<->muted toggles on an
// unforced device, or raised-hand flips on a forced one.
func (c *Controller) maybeSendMutedUpdate(was domain.MuteState) {
	now := c.muted
	if (was == domain.MuteActive && now == domain.Muted) ||
		(now == domain.MuteActive && (was == domain.Muted || was == domain.MutePushToTalk)) {
		c.sendSelfUpdate(sendUpdateMute)
	} else if (now == domain.ForceMuted && was == domain.RaisedHand) ||
		(now == domain.RaisedHand && was == domain.ForceMuted) {
		c.sendSelfUpdate(sendUpdateRaiseHand)
	}
}

// sendSelfUpdate sends one flag of this device's participant record,
// canceling any previous in-flight self-edit so the last change wins.
func (c *Controller) sendSelfUpdate(kind selfUpdateKind) {
	if !c.call.Valid() || c.mySsrc == 0 {
		return
	}
	if c.editCancel != nil {
		c.editCancel()
		c.editCancel = nil
	}
	muted := c.muted != domain.MuteActive
	raise := c.muted == domain.RaisedHand
	videoMuted := !c.videoActive
	var edit core.ParticipantEdit
	switch kind {
	case sendUpdateMute:
		edit.Muted = &muted
	case sendUpdateRaiseHand:
		edit.RaiseHand = &raise
	case sendUpdateVideoMuted:
		edit.VideoMuted = &videoMuted
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.editCancel = cancel
	call := c.call
	joinAs := c.joinAs
	go func() {
		err := c.sig.EditParticipant(ctx, call, joinAs, edit)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.post(func() {
			c.log.Warn().Err(err).Msg("self edit failed")
			if core.IsCode(err, core.CodeForbidden) {
				metricRejoins.WithLabelValues("forbidden").Inc()
				c.rejoin(c.joinAs)
			}
		})
	}()
}

// ToggleMuteRequest mutes or unmutes another participant (or self via
// the service path).
type ToggleMuteRequest struct {
	Peer        domain.PeerID
	Mute        bool
	LocallyOnly bool
}

// ChangeVolumeRequest adjusts another participant's playback volume.
type ChangeVolumeRequest struct {
	Peer        domain.PeerID
	Volume      int
	LocallyOnly bool
}

func (c *Controller) ToggleMute(req ToggleMuteRequest) {
	c.post(func() {
		if req.LocallyOnly {
			c.applyParticipantLocally(req.Peer, req.Mute, nil)
			return
		}
		c.editParticipant(req.Peer, req.Mute, nil)
	})
}

func (c *Controller) ChangeVolume(req ChangeVolumeRequest) {
	c.post(func() {
		volume := req.Volume
		if req.LocallyOnly {
			c.applyParticipantLocally(req.Peer, false, &volume)
			return
		}
		c.editParticipant(req.Peer, false, &volume)
	})
}

func (c *Controller) editParticipant(peer domain.PeerID, mute bool, volume *int) {
	if _, ok := c.dir.Get(peer); !ok {
		return
	}
	c.applyParticipantLocally(peer, mute, volume)
	edit := core.ParticipantEdit{Muted: &mute}
	if volume != nil {
		v := *volume
		if v < 1 {
			v = 1
		} else if v > domain.MaxVolume {
			v = domain.MaxVolume
		}
		edit.Volume = &v
	}
	call := c.call
	go func() {
		err := c.sig.EditParticipant(context.Background(), call, peer, edit)
		if err == nil {
			return
		}
		c.post(func() {
			c.log.Warn().Err(err).Str("peer", string(peer)).Msg("participant edit failed")
			if core.IsCode(err, core.CodeForbidden) {
				metricRejoins.WithLabelValues("forbidden").Inc()
				c.rejoin(c.joinAs)
			}
		})
	}()
}

// applyParticipantLocally records an optimistic mute/volume change so
// the UI reacts before the service confirms it.
func (c *Controller) applyParticipantLocally(peer domain.PeerID, mute bool, volume *int) {
	p, ok := c.dir.Get(peer)
	if !ok {
		return
	}
	canManage := c.canManage
	p.Muted = p.Muted || (mute && canManage)
	if canManage {
		p.CanSelfUnmute = !mute
	}
	p.MutedByMe = mute && !canManage
	if volume != nil {
		p.Volume = *volume
	}
	p.Partial = false
	c.dir.ApplyLocal(p)
}

// PushToTalk engages the push-to-talk mute override. Releasing keeps
// the microphone open for delay, so a short gap between presses does
// not clip speech.
func (c *Controller) PushToTalk(pressed bool, delay time.Duration) {
	c.post(func() {
		if c.muted == domain.ForceMuted || c.muted == domain.RaisedHand {
			return
		}
		if pressed {
			c.pushToTalkTimer.cancel()
			if c.muted == domain.Muted {
				c.setMuted(domain.MutePushToTalk)
			}
		} else if c.muted == domain.MutePushToTalk {
			if delay > 0 {
				c.pushToTalkTimer.callOnce(delay)
			} else {
				c.pushToTalkCancel()
			}
		}
	})
}

func (c *Controller) pushToTalkCancel() {
	if c.muted == domain.MutePushToTalk {
		c.setMuted(domain.Muted)
	}
}

// ToggleVideo switches local camera capture on or off and publishes
// the flag to the service.
func (c *Controller) ToggleVideo(active bool) {
	c.post(func() {
		if c.videoActive == active {
			return
		}
		c.videoActive = active
		c.applyMeInCallLocally()
		c.sendSelfUpdate(sendUpdateVideoMuted)
	})
}

// applyMeInCallLocally writes this device's optimistic participant
// record into the shared directory: present while a source id is held,
// gone once it drops to zero.
func (c *Controller) applyMeInCallLocally() {
	if !c.call.Valid() {
		return
	}
	now := time.Now().Unix()
	date := now
	lastActive := int64(0)
	volume := domain.DefaultVolume
	var raisedHandRating uint64
	if me, ok := c.dir.Get(c.joinAs); ok {
		date = me.Date
		lastActive = me.LastActive
		if me.Volume != 0 {
			volume = me.Volume
		}
		raisedHandRating = me.RaisedHandRating
	}
	if c.muted == domain.RaisedHand {
		if raisedHandRating == 0 {
			raisedHandRating = c.findLocalRaisedHandRating()
		}
	} else {
		raisedHandRating = 0
	}
	canSelfUnmute := !c.muted.Forced()
	c.dir.ApplyLocal(domain.Participant{
		Peer:             c.joinAs,
		Ssrc:             c.mySsrc,
		Date:             date,
		LastActive:       lastActive,
		Muted:            c.muted != domain.MuteActive,
		CanSelfUnmute:    canSelfUnmute,
		VideoMuted:       !c.videoActive,
		Volume:           volume,
		RaisedHandRating: raisedHandRating,
		Left:             c.mySsrc == 0,
		Self:             true,
	})
}

// findLocalRaisedHandRating picks a rating above every known raised
// hand, so the local hand sorts first until the service assigns the
// real one.
func (c *Controller) findLocalRaisedHandRating() uint64 {
	best := uint64(1)
	for _, p := range c.dir.Participants() {
		if p.RaisedHandRating >= best {
			best = p.RaisedHandRating + 1
		}
	}
	return best
}
