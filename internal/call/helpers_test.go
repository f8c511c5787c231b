package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/directory"
	"github.com/voxhall/groupcall/internal/domain"
	"github.com/voxhall/groupcall/internal/wire"
)

const testWait = 2 * time.Second

var testCall = domain.CallRef{ID: 42, AccessHash: 777}

// fakeSignaling records every request and answers from scripted
// queues. Zero value answers everything with success.
type fakeSignaling struct {
	mu sync.Mutex

	joinCalls  []core.JoinRequest
	joinErrs   []error
	joinResp   []byte
	leaveCalls []uint32
	discards   int

	editCalls    []editCall
	editErrs     []error
	titleCalls   []string
	inviteSlices [][]domain.PeerID
	recordCalls  []bool

	livenessResp [][]uint32
	livenessErrs []error
	liveCalls    int
	liveSsrcs    [][]uint32

	partChunks []core.BroadcastChunk
	partErrs   []error
	partCalls  []partCall

	resolveCalls [][]uint32
	speakCalls   int
}

type editCall struct {
	peer domain.PeerID
	edit core.ParticipantEdit
}

type partCall struct {
	timeMs int64
	scale  int32
}

func (f *fakeSignaling) CreateCall(ctx context.Context, scheduleDate int64) (domain.CallRef, error) {
	return testCall, nil
}

func (f *fakeSignaling) JoinCall(ctx context.Context, req core.JoinRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCalls = append(f.joinCalls, req)
	if len(f.joinErrs) > 0 {
		err := f.joinErrs[0]
		f.joinErrs = f.joinErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	resp := f.joinResp
	if resp == nil {
		resp = []byte(`{"stream":true}`)
	}
	return resp, nil
}

func (f *fakeSignaling) LeaveCall(ctx context.Context, call domain.CallRef, ssrc uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveCalls = append(f.leaveCalls, ssrc)
	return nil
}

func (f *fakeSignaling) DiscardCall(ctx context.Context, call domain.CallRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++
	return nil
}

func (f *fakeSignaling) EditParticipant(ctx context.Context, call domain.CallRef, peer domain.PeerID, edit core.ParticipantEdit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editCalls = append(f.editCalls, editCall{peer: peer, edit: edit})
	if len(f.editErrs) > 0 {
		err := f.editErrs[0]
		f.editErrs = f.editErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSignaling) EditTitle(ctx context.Context, call domain.CallRef, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleCalls = append(f.titleCalls, title)
	return nil
}

func (f *fakeSignaling) InviteUsers(ctx context.Context, call domain.CallRef, users []domain.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inviteSlices = append(f.inviteSlices, users)
	return nil
}

func (f *fakeSignaling) ToggleRecording(ctx context.Context, call domain.CallRef, start bool, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCalls = append(f.recordCalls, start)
	return nil
}

func (f *fakeSignaling) StartScheduled(ctx context.Context, call domain.CallRef) error {
	return nil
}

func (f *fakeSignaling) ToggleStartSubscription(ctx context.Context, call domain.CallRef, subscribed bool) error {
	return nil
}

func (f *fakeSignaling) CheckLiveness(ctx context.Context, call domain.CallRef, ssrcs []uint32) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveCalls++
	f.liveSsrcs = append(f.liveSsrcs, ssrcs)
	if len(f.livenessErrs) > 0 {
		err := f.livenessErrs[0]
		f.livenessErrs = f.livenessErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.livenessResp) > 0 {
		resp := f.livenessResp[0]
		f.livenessResp = f.livenessResp[1:]
		return resp, nil
	}
	return ssrcs, nil
}

func (f *fakeSignaling) FetchBroadcastPart(ctx context.Context, call domain.CallRef, timeMs int64, scale int32, limit int32) (core.BroadcastChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partCalls = append(f.partCalls, partCall{timeMs: timeMs, scale: scale})
	if len(f.partErrs) > 0 {
		err := f.partErrs[0]
		f.partErrs = f.partErrs[1:]
		if err != nil {
			return core.BroadcastChunk{}, err
		}
	}
	if len(f.partChunks) > 0 {
		chunk := f.partChunks[0]
		f.partChunks = f.partChunks[1:]
		return chunk, nil
	}
	return core.BroadcastChunk{Bytes: []byte{1}, ResponseTimestamp: 1}, nil
}

func (f *fakeSignaling) ResolveParticipants(ctx context.Context, call domain.CallRef, ssrcs []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls = append(f.resolveCalls, ssrcs)
	return nil
}

func (f *fakeSignaling) NotifySpeaking(ctx context.Context, call domain.CallRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speakCalls++
	return nil
}

func (f *fakeSignaling) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joinCalls)
}

func (f *fakeSignaling) speakCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speakCalls
}

// fakeEngine records the controller's engine calls and lets tests
// drive the callback surface.
type fakeEngine struct {
	mu      sync.Mutex
	events  core.EngineEvents
	payload wire.JoinPayload

	emitFns  []func(wire.JoinPayload)
	modes    []core.ConnectionMode
	muted    []bool
	volumes  map[uint32]float64
	added    []core.ParticipantDescription
	removed  []uint32
	fullSize []uint32
	resp     *wire.JoinResponse
	stopped  bool
}

func (f *fakeEngine) EmitJoinPayload(fn func(wire.JoinPayload)) {
	f.mu.Lock()
	f.emitFns = append(f.emitFns, fn)
	f.mu.Unlock()
}

// emit answers the pending payload request with ssrc.
func (f *fakeEngine) emit(ssrc uint32) {
	f.mu.Lock()
	if len(f.emitFns) == 0 {
		f.mu.Unlock()
		panic("no pending payload request")
	}
	fn := f.emitFns[len(f.emitFns)-1]
	f.emitFns = f.emitFns[:len(f.emitFns)-1]
	f.mu.Unlock()
	fn(wire.JoinPayload{
		Ufrag:        "uf",
		Pwd:          "pw",
		Fingerprints: []wire.Fingerprint{{Hash: "sha-256", Setup: "active", Fingerprint: "AA:BB"}},
		Ssrc:         ssrc,
	})
}

func (f *fakeEngine) pendingEmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitFns)
}

func (f *fakeEngine) SetJoinResponsePayload(resp *wire.JoinResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = resp
	return nil
}

func (f *fakeEngine) SetConnectionMode(mode core.ConnectionMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
}

func (f *fakeEngine) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = append(f.muted, muted)
}

func (f *fakeEngine) SetVolume(ssrc uint32, volume float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[ssrc] = volume
}

func (f *fakeEngine) AddParticipants(parts []core.ParticipantDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, parts...)
}

func (f *fakeEngine) RemoveSsrcs(ssrcs []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ssrcs...)
}

func (f *fakeEngine) SetFullSizeVideoSsrc(ssrc uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullSize = append(f.fullSize, ssrc)
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

// fakeDelegate counts notifications.
type fakeDelegate struct {
	mu       sync.Mutex
	sounds   []core.Sound
	finished int
	failed   []core.FailReason
	allowed  int
	denyMic  bool
}

func (d *fakeDelegate) PlaySound(s core.Sound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sounds = append(d.sounds, s)
}

func (d *fakeDelegate) CallFinished() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished++
}

func (d *fakeDelegate) CallFailed(reason core.FailReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, reason)
}

func (d *fakeDelegate) AllowedToSpeak() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowed++
}

func (d *fakeDelegate) RequestAudioPermission(grant func()) {
	d.mu.Lock()
	deny := d.denyMic
	d.mu.Unlock()
	if !deny {
		grant()
	}
}

func (d *fakeDelegate) failReasons() []core.FailReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.FailReason{}, d.failed...)
}

// harness bundles a controller with its fakes.
type harness struct {
	ctl *Controller
	sig *fakeSignaling
	del *fakeDelegate
	dir *directory.Store

	mu      sync.Mutex
	engines []*fakeEngine
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sig: &fakeSignaling{},
		del: &fakeDelegate{},
		dir: directory.NewStore(),
	}
	opts := Options{
		Signaling: h.sig,
		Directory: h.dir,
		Delegate:  h.del,
		JoinAs:    "me",
		Engine: func(events core.EngineEvents) (core.MediaEngine, error) {
			fe := &fakeEngine{events: events, volumes: make(map[uint32]float64)}
			h.mu.Lock()
			h.engines = append(h.engines, fe)
			h.mu.Unlock()
			return fe, nil
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	ctl, err := New(opts)
	require.NoError(t, err)
	h.ctl = ctl
	t.Cleanup(ctl.Close)
	return h
}

// engine returns the most recently created fake engine.
func (h *harness) engine(t *testing.T) *fakeEngine {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.engines) > 0
	}, testWait, time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[len(h.engines)-1]
}

// flush waits for everything queued on the loop to run, including a
// couple of rounds of tasks posted by tasks.
func (h *harness) flush() {
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		h.ctl.post(func() { close(done) })
		<-done
	}
}

// waitState blocks until the controller reaches the given state.
func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctl.State() == want },
		testWait, time.Millisecond, "state is %s, want %s", h.ctl.State(), want)
}

// joinUp drives a complete successful join with the given ssrc.
func (h *harness) joinUp(t *testing.T, ssrc uint32) *fakeEngine {
	t.Helper()
	h.ctl.Join(testCall)
	fe := h.engine(t)
	require.Eventually(t, func() bool { return fe.pendingEmits() > 0 }, testWait, time.Millisecond)
	fe.emit(ssrc)
	h.waitState(t, StateConnecting)
	return fe
}

// connect reports the engine as connected, landing in Joined.
func (h *harness) connect(t *testing.T, fe *fakeEngine) {
	t.Helper()
	fe.events.NetworkStateChanged(core.NetworkState{Connected: true})
	h.waitState(t, StateJoined)
}
