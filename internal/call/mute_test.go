package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
)

// rtcJoinResponse makes the join land in full negotiation mode
// instead of the broadcast feed.
var rtcJoinResponse = []byte(`{
	"transport": {"ufrag": "u", "pwd": "p", "fingerprints": [], "candidates": []},
	"video": {"server_sources": [99], "payload-types": [], "rtp-hdrexts": []}
}`)

// muteEdits filters the recorded self edits down to mute changes.
func muteEdits(sig *fakeSignaling) []bool {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	var out []bool
	for _, e := range sig.editCalls {
		if e.peer == "me" && e.edit.Muted != nil {
			out = append(out, *e.edit.Muted)
		}
	}
	return out
}

func raiseHandEdits(sig *fakeSignaling) []bool {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	var out []bool
	for _, e := range sig.editCalls {
		if e.peer == "me" && e.edit.RaiseHand != nil {
			out = append(out, *e.edit.RaiseHand)
		}
	}
	return out
}

func TestMuteUpdatesSentOnlyOnGroupTransitions(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)
	require.Empty(t, muteEdits(h.sig))

	// Muted -> Active crosses the boundary.
	h.ctl.SetMuted(domain.MuteActive)
	h.flush()
	require.Eventually(t, func() bool { return len(muteEdits(h.sig)) == 1 }, testWait, time.Millisecond)
	assert.Equal(t, []bool{false}, muteEdits(h.sig))

	// Active -> Muted through the explicit update path.
	h.ctl.SetMutedAndUpdate(domain.Muted)
	h.flush()
	require.Eventually(t, func() bool { return len(muteEdits(h.sig)) == 2 }, testWait, time.Millisecond)
	assert.Equal(t, []bool{false, true}, muteEdits(h.sig))

	// Muted -> PushToTalk stays inside the unforced group: no send.
	h.ctl.PushToTalk(true, 0)
	h.flush()
	assert.Len(t, muteEdits(h.sig), 2)
	assert.Equal(t, domain.MutePushToTalk, h.ctl.Muted())

	// PushToTalk -> Active crosses it again.
	h.ctl.SetMuted(domain.MuteActive)
	h.flush()
	require.Eventually(t, func() bool { return len(muteEdits(h.sig)) == 3 }, testWait, time.Millisecond)
	assert.Equal(t, false, muteEdits(h.sig)[2])
}

func TestRaiseHandSentOnForcedGroupTransitions(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.JoinMuted = true })
	fe := h.joinUp(t, 123)
	h.connect(t, fe)
	require.Equal(t, domain.ForceMuted, h.ctl.Muted())

	h.ctl.SetMutedAndUpdate(domain.RaisedHand)
	h.flush()
	require.Eventually(t, func() bool { return len(raiseHandEdits(h.sig)) == 1 }, testWait, time.Millisecond)
	assert.Equal(t, []bool{true}, raiseHandEdits(h.sig))

	h.ctl.SetMutedAndUpdate(domain.ForceMuted)
	h.flush()
	require.Eventually(t, func() bool { return len(raiseHandEdits(h.sig)) == 2 }, testWait, time.Millisecond)
	assert.Equal(t, false, raiseHandEdits(h.sig)[1])
	assert.Empty(t, muteEdits(h.sig))
}

func TestPushToTalkReleaseDelay(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.PushToTalk(true, 0)
	h.flush()
	require.Equal(t, domain.MutePushToTalk, h.ctl.Muted())

	h.ctl.PushToTalk(false, 50*time.Millisecond)
	h.flush()
	// Still open during the grace period.
	assert.Equal(t, domain.MutePushToTalk, h.ctl.Muted())
	require.Eventually(t, func() bool { return h.ctl.Muted() == domain.Muted },
		testWait, time.Millisecond)
}

func TestPushToTalkRepressCancelsRelease(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)
	_ = fe

	h.ctl.PushToTalk(true, 0)
	h.ctl.PushToTalk(false, 30*time.Millisecond)
	h.ctl.PushToTalk(true, 0)
	h.flush()
	time.Sleep(60 * time.Millisecond)
	h.flush()
	assert.Equal(t, domain.MutePushToTalk, h.ctl.Muted())
}

func TestPushToTalkIgnoredWhileForceMuted(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.JoinMuted = true })
	fe := h.joinUp(t, 123)
	h.connect(t, fe)
	_ = fe

	h.ctl.PushToTalk(true, 0)
	h.flush()
	assert.Equal(t, domain.ForceMuted, h.ctl.Muted())
}

func TestForceMuteSelfUpdateRespectsRaisedHandRating(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)
	_ = fe

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Self: true, Muted: true, RaisedHandRating: 7},
		},
	})
	h.flush()
	assert.Equal(t, domain.RaisedHand, h.ctl.Muted())

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Self: true, Muted: true},
		},
	})
	h.flush()
	assert.Equal(t, domain.ForceMuted, h.ctl.Muted())
}

func TestUnforceMuteNotifiesAllowedToSpeak(t *testing.T) {
	h := newHarness(t, nil)
	h.sig.mu.Lock()
	h.sig.joinResp = rtcJoinResponse
	h.sig.mu.Unlock()
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Self: true, Muted: true},
		},
	})
	h.flush()
	require.Equal(t, domain.ForceMuted, h.ctl.Muted())

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Self: true, Muted: true, CanSelfUnmute: true},
		},
	})
	h.flush()
	assert.Equal(t, domain.Muted, h.ctl.Muted())
	h.del.mu.Lock()
	assert.Equal(t, 1, h.del.allowed)
	assert.Contains(t, h.del.sounds, core.SoundAllowedToSpeak)
	h.del.mu.Unlock()
}

func TestUnforceMuteOnBroadcastFeedRenegotiates(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)
	require.Equal(t, 1, h.sig.joinCount())

	// Default join response selects the broadcast feed; an unmute
	// grant there needs a fresh negotiation.
	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Self: true, Muted: true, CanSelfUnmute: true},
		},
	})
	require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)
	fe.emit(456)
	require.Eventually(t, func() bool { return h.sig.joinCount() == 2 }, testWait, time.Millisecond)
}

func TestEngineMuteFollowsState(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.SetMuted(domain.MuteActive)
	h.flush()
	fe.mu.Lock()
	muted := append([]bool{}, fe.muted...)
	fe.mu.Unlock()
	require.NotEmpty(t, muted)
	assert.True(t, muted[0], "engine starts muted")
	assert.False(t, muted[len(muted)-1], "engine unmuted after SetMuted(Active)")
}
