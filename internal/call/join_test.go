package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
)

func TestJoinReachesConnectingThenJoined(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)

	require.Equal(t, uint32(123), h.ctl.MySsrc())
	me, ok := h.dir.Get("me")
	require.True(t, ok)
	assert.Equal(t, uint32(123), me.Ssrc)
	assert.True(t, me.Self)
	assert.True(t, me.Muted)

	h.sig.mu.Lock()
	require.Len(t, h.sig.joinCalls, 1)
	req := h.sig.joinCalls[0]
	h.sig.mu.Unlock()
	assert.Equal(t, testCall, req.Call)
	assert.Equal(t, domain.PeerID("me"), req.JoinAs)
	assert.True(t, req.Muted)
	assert.NotEmpty(t, req.Payload)

	h.connect(t, fe)
	h.del.mu.Lock()
	assert.Contains(t, h.del.sounds, core.SoundStarted)
	h.del.mu.Unlock()
}

func TestJoinFailureMapsToReason(t *testing.T) {
	cases := []struct {
		code core.ErrorCode
		want core.FailReason
	}{
		{core.CodeAnonymousForbidden, core.FailAnonymousForbidden},
		{core.CodeTooManyParticipants, core.FailTooManyParticipants},
		{core.CodeForbidden, core.FailNotAccessible},
		{core.ErrorCode("INTERNAL"), core.FailServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			h := newHarness(t, nil)
			h.sig.mu.Lock()
			h.sig.joinErrs = []error{core.NewSignalError(tc.code, "")}
			h.sig.mu.Unlock()

			h.ctl.Join(testCall)
			fe := h.engine(t)
			require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)
			fe.emit(123)

			h.waitState(t, StateFailed)
			require.Equal(t, []core.FailReason{tc.want}, h.del.failReasons())
			// No source id was held, so no leave request goes out.
			h.sig.mu.Lock()
			assert.Empty(t, h.sig.leaveCalls)
			h.sig.mu.Unlock()
			assert.True(t, fe.stopped)
		})
	}
}

func TestDuplicateSsrcRetriesAreCapped(t *testing.T) {
	h := newHarness(t, nil)
	dup := core.NewSignalError(core.CodeSsrcDuplicate, "")
	h.sig.mu.Lock()
	h.sig.joinErrs = []error{dup, dup, dup, dup, dup, dup, dup}
	h.sig.mu.Unlock()

	h.ctl.Join(testCall)
	fe := h.engine(t)
	for i := 0; i <= maxDuplicateRejoins; i++ {
		require.Eventually(t, func() bool { return fe.pendingEmits() > 0 },
			testWait, time.Millisecond, "attempt %d never asked for a payload", i)
		fe.emit(uint32(100 + i))
	}

	h.waitState(t, StateFailed)
	assert.Equal(t, maxDuplicateRejoins+1, h.sig.joinCount())
	require.Equal(t, []core.FailReason{core.FailServerError}, h.del.failReasons())
}

func TestKickedSelfUpdateRejoins(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Left: true, Self: true},
		},
	})

	require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)
	fe.emit(456)
	require.Eventually(t, func() bool { return h.ctl.MySsrc() == 456 }, testWait, time.Millisecond)
	assert.Equal(t, 2, h.sig.joinCount())
}

func TestJoinFromAnotherDeviceHangsUpWithoutLeave(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 999, Self: true},
		},
	})

	h.waitState(t, StateEnded)
	// The other device owns the slot now; leaving would evict it.
	h.sig.mu.Lock()
	assert.Empty(t, h.sig.leaveCalls)
	h.sig.mu.Unlock()
	h.del.mu.Lock()
	assert.Equal(t, 1, h.del.finished)
	h.del.mu.Unlock()
}

func TestStaleOwnSsrcRecordIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	// Simulate a rejoin so 123 becomes a known old source.
	h.ctl.Rejoin()
	require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)
	fe.emit(456)
	require.Eventually(t, func() bool { return h.ctl.MySsrc() == 456 }, testWait, time.Millisecond)

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Self: true},
		},
	})
	h.flush()
	assert.NotEqual(t, StateEnded, h.ctl.State())
	assert.Equal(t, uint32(456), h.ctl.MySsrc())
}

func TestSelfUpdatesQueuedUntilJoinedReplayInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.Join(testCall)
	fe := h.engine(t)
	require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)

	// Arrives while still Joining: must not act yet.
	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Self: true, Muted: true, RaisedHandRating: 5},
			{Peer: "me", Ssrc: 123, Self: true, Muted: true},
		},
	})
	h.flush()
	assert.Equal(t, domain.Muted, h.ctl.Muted())

	fe.emit(123)
	h.waitState(t, StateConnecting)
	// Both replayed in order: rating first, plain force second.
	require.Eventually(t, func() bool { return h.ctl.Muted() == domain.ForceMuted },
		testWait, time.Millisecond)
}

func TestUpdatesForOtherCallsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.HandleParticipantsUpdate(core.ParticipantsUpdate{
		CallID: testCall.ID + 1,
		Participants: []domain.Participant{
			{Peer: "me", Ssrc: 123, Left: true, Self: true},
		},
	})
	h.flush()
	assert.Equal(t, StateJoined, h.ctl.State())
}

func TestHangupSendsLeaveAndFinishes(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.Hangup()
	h.waitState(t, StateEnded)

	h.sig.mu.Lock()
	assert.Equal(t, []uint32{123}, h.sig.leaveCalls)
	h.sig.mu.Unlock()
	assert.Equal(t, uint32(0), h.ctl.MySsrc())
	assert.True(t, fe.stopped)
	h.del.mu.Lock()
	assert.Equal(t, 1, h.del.finished)
	assert.Contains(t, h.del.sounds, core.SoundEnded)
	h.del.mu.Unlock()
}

func TestFailedIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.sig.mu.Lock()
	h.sig.joinErrs = []error{core.NewSignalError(core.CodeForbidden, "")}
	h.sig.mu.Unlock()

	h.ctl.Join(testCall)
	fe := h.engine(t)
	require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)
	fe.emit(123)
	h.waitState(t, StateFailed)

	h.ctl.Join(testCall)
	h.ctl.Rejoin()
	h.ctl.Hangup()
	h.flush()
	assert.Equal(t, StateFailed, h.ctl.State())
}

func TestCallDiscardedPushEndsWithoutLeave(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.ctl.HandleCallDiscarded(testCall.ID)
	h.waitState(t, StateEnded)
	h.sig.mu.Lock()
	assert.Empty(t, h.sig.leaveCalls)
	h.sig.mu.Unlock()
	_ = fe
}

func TestScheduledCallWaitsThenJoins(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ScheduleDate = time.Now().Unix() + 3600 })
	h.ctl.Join(testCall)
	h.waitState(t, StateWaiting)
	assert.Equal(t, 0, h.sig.joinCount())

	h.ctl.HandleScheduleDate(testCall.ID, 0)
	fe := h.engine(t)
	require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)
	fe.emit(123)
	h.waitState(t, StateConnecting)
}

func TestInviteUsersBatchesOfTen(t *testing.T) {
	h := newHarness(t, nil)
	fe := h.joinUp(t, 123)
	h.connect(t, fe)

	h.dir.ApplyAuthoritative(domain.Participant{Peer: "present", Ssrc: 55})

	users := []domain.PeerID{"present", "dup"}
	for i := 0; i < 23; i++ {
		users = append(users, domain.PeerID(rune('a'+i)))
	}
	users = append(users, "dup")
	h.ctl.InviteUsers(users)
	h.flush()

	require.Eventually(t, func() bool {
		h.sig.mu.Lock()
		defer h.sig.mu.Unlock()
		total := 0
		for _, s := range h.sig.inviteSlices {
			total += len(s)
		}
		return total == 24
	}, testWait, time.Millisecond)

	h.sig.mu.Lock()
	defer h.sig.mu.Unlock()
	require.Len(t, h.sig.inviteSlices, 3)
	assert.Len(t, h.sig.inviteSlices[0], 10)
	assert.Len(t, h.sig.inviteSlices[1], 10)
	assert.Len(t, h.sig.inviteSlices[2], 4)
	for _, s := range h.sig.inviteSlices {
		assert.NotContains(t, s, domain.PeerID("present"))
	}
}
