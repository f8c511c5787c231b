// Package call implements the group-call session controller: the
// state machine that reconciles the signaling service, the native
// media engine and the shared participant directory into one
// consistent session state for a single participant.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
	"github.com/voxhall/groupcall/internal/wire"
)

// State is the session lifecycle state.
type State string

const (
	StateCreating        State = "creating"
	StateWaiting         State = "waiting"
	StateJoining         State = "joining"
	StateConnecting      State = "connecting"
	StateJoined          State = "joined"
	StateHangingUp       State = "hanging-up"
	StateEnded           State = "ended"
	StateFailedHangingUp State = "failed-hanging-up"
	StateFailed          State = "failed"
)

const (
	maxInvitePerSlice      = 10
	checkLastSpokeInterval = 1000 * time.Millisecond
	checkJoinedTimeout     = 4000 * time.Millisecond
	updateSendActionEach   = 500 * time.Millisecond
	playConnectingEach     = 3056 * time.Millisecond
	speakLevelThreshold    = 0.2

	// maxDuplicateRejoins caps the automatic retry on a duplicate
	// source-id join failure so a persistent server-side conflict
	// cannot loop forever.
	maxDuplicateRejoins = 5
)

// engineState classifies the engine's connectivity for the session
// state machine.
type engineState int

const (
	engineDisconnected engineState = iota
	engineConnected
	engineTransitionToRtc
)

// LevelUpdate is one fan-out audio-level event.
type LevelUpdate struct {
	Ssrc  uint32
	Level float32
	Voice bool
	Me    bool
}

// StreamUpdate reports a source id entering or leaving the set of
// actively streaming video sources.
type StreamUpdate struct {
	Ssrc      uint32
	Streaming bool
}

// OtherParticipantState is the per-participant volume/mute projection
// published for UI consumption.
type OtherParticipantState struct {
	Peer      domain.PeerID
	Volume    int
	MutedByMe bool
}

// Options wires a Controller to its collaborators.
type Options struct {
	Signaling core.Signaling
	Directory core.Directory
	Engine    core.EngineFactory
	Delegate  core.Delegate

	JoinAs       domain.PeerID
	JoinHash     string
	ScheduleDate int64
	// JoinMuted mirrors the call's join-muted setting; combined with
	// CanManage it selects the initial forced-mute state.
	JoinMuted bool
	CanManage bool

	Logger *zerolog.Logger
}

// Controller owns one call attempt. All state transitions execute on
// a single loop goroutine; engine callbacks and request completions
// are handed onto it before touching any state.
type Controller struct {
	log      zerolog.Logger
	sig      core.Signaling
	dir      core.Directory
	factory  core.EngineFactory
	delegate core.Delegate

	tasks     chan func()
	quit      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	machine *fsm.FSM

	// Cross-thread read mirrors; written on the loop only.
	stateMirror      atomic.String
	ssrcMirror       atomic.Uint32
	mutedMirror      atomic.Int32
	largeMirror      atomic.Uint32
	screencastMirror atomic.Uint32

	stateBus   *core.Bus[State]
	levelBus   *core.Bus[LevelUpdate]
	streamsBus *core.Bus[StreamUpdate]
	othersBus  *core.Bus[OtherParticipantState]

	call         domain.CallRef
	joinAs       domain.PeerID
	joinHash     string
	scheduleDate int64
	canManage    bool

	mySsrc         uint32
	screencastSsrc uint32
	mySsrcs        map[uint32]struct{}

	muted           domain.MuteState
	initialMuteSent bool
	hadJoined       bool
	failReason      core.FailReason

	engine          core.MediaEngine
	engineSeq       int
	engineMode      core.ConnectionMode
	engineNet       engineState
	engineInTransit bool

	joinSeq            int
	rejoinsOnDuplicate int

	queuedSelfUpdates []domain.Participant

	commonVideo       *wire.ResponseVideo
	prepared          []core.ParticipantDescription
	preparedScheduled bool
	unresolved        map[uint32]struct{}

	videoActive   bool
	videoStreams  map[uint32]struct{}
	videoMutedSet map[uint32]struct{}
	videoLarge    uint32
	videoPinned   uint32

	invited map[domain.PeerID]struct{}

	recordingStoppedByMe bool

	speaking *speakingTracker
	parts    *partLoader

	checkJoinedTimer     *loopTimer
	connectingSoundTimer *loopTimer
	pushToTalkTimer      *loopTimer

	lastProgressUpdate time.Time

	createCancel func()
	editCancel   func()

	dirSub *core.Subscription[core.ParticipantUpdate]
}

// New builds a controller and starts its loop. The caller owns the
// returned controller and must Close it.
func New(opts Options) (*Controller, error) {
	if opts.Signaling == nil || opts.Directory == nil || opts.Engine == nil || opts.Delegate == nil {
		return nil, errors.New("call: missing collaborator")
	}
	logger := log.With().Str("module", "call").Logger()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("module", "call").Logger()
	}
	c := &Controller{
		log:      logger,
		sig:      opts.Signaling,
		dir:      opts.Directory,
		factory:  opts.Engine,
		delegate: opts.Delegate,

		tasks:  make(chan func(), 128),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),

		stateBus:   core.NewBus[State](),
		levelBus:   core.NewBus[LevelUpdate](),
		streamsBus: core.NewBus[StreamUpdate](),
		othersBus:  core.NewBus[OtherParticipantState](),

		joinAs:       opts.JoinAs,
		joinHash:     opts.JoinHash,
		scheduleDate: opts.ScheduleDate,
		canManage:    opts.CanManage,

		mySsrcs:       make(map[uint32]struct{}),
		unresolved:    make(map[uint32]struct{}),
		videoStreams:  make(map[uint32]struct{}),
		videoMutedSet: make(map[uint32]struct{}),
		invited:       make(map[domain.PeerID]struct{}),

		muted: domain.Muted,
	}
	if opts.JoinMuted && !opts.CanManage {
		c.muted = domain.ForceMuted
	}
	c.machine = newSessionFSM()
	c.stateMirror.Store(string(StateCreating))
	c.mutedMirror.Store(int32(c.muted))

	c.speaking = newSpeakingTracker(c)
	c.parts = newPartLoader(c)
	c.checkJoinedTimer = newLoopTimer(c, c.checkJoined)
	c.connectingSoundTimer = newLoopTimer(c, c.playConnectingSoundOnce)
	c.pushToTalkTimer = newLoopTimer(c, c.pushToTalkCancel)

	c.dirSub = c.dir.Updates().Subscribe(256)
	go func() {
		for u := range c.dirSub.C {
			u := u
			c.post(func() { c.onDirectoryUpdate(u) })
		}
	}()

	go c.run()
	return c, nil
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.quit:
			close(c.closed)
			return
		}
	}
}

// post hands fn onto the controller loop. Posts after Close are
// dropped.
func (c *Controller) post(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.quit:
	}
}

// postEngine drops callbacks that belong to an already-destroyed
// engine generation; this is the cancellation-token check at the
// thread hand-off point.
func (c *Controller) postEngine(gen int, fn func()) {
	c.post(func() {
		if gen != c.engineSeq {
			return
		}
		fn()
	})
}

// Close destroys the engine on the loop and stops the loop. Pending
// signaling requests with detached contexts (leave) still complete.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.post(func() {
			c.checkJoinedTimer.cancel()
			c.connectingSoundTimer.cancel()
			c.pushToTalkTimer.cancel()
			c.speaking.stop()
			c.destroyEngine()
			close(c.quit)
		})
		c.dirSub.Close()
	})
	<-c.closed
}

// State is safe to call from any goroutine.
func (c *Controller) State() State { return State(c.stateMirror.Load()) }

// MySsrc returns the device's current source id, 0 while not joined.
func (c *Controller) MySsrc() uint32 { return c.ssrcMirror.Load() }

// Muted returns the current mute state.
func (c *Controller) Muted() domain.MuteState { return domain.MuteState(c.mutedMirror.Load()) }

// VideoStreamLarge returns the currently focused video source id.
func (c *Controller) VideoStreamLarge() uint32 { return c.largeMirror.Load() }

// ScreencastSsrc returns the active presentation source id, 0 while
// not sharing.
func (c *Controller) ScreencastSsrc() uint32 { return c.screencastMirror.Load() }

func (c *Controller) StateChanges() *core.Bus[State]               { return c.stateBus }
func (c *Controller) LevelUpdates() *core.Bus[LevelUpdate]         { return c.levelBus }
func (c *Controller) StreamsVideoUpdated() *core.Bus[StreamUpdate] { return c.streamsBus }
func (c *Controller) OtherParticipantState() *core.Bus[OtherParticipantState] {
	return c.othersBus
}

// state reads the FSM on the loop.
func (c *Controller) state() State { return State(c.machine.Current()) }

// setState drives the session FSM. Invalid transitions (anything out
// of Failed, anything but Failed out of FailedHangingUp) are ignored.
func (c *Controller) setState(target State) {
	cur := c.state()
	if cur == target {
		return
	}
	if err := c.machine.Event(context.Background(), "to-"+string(target)); err != nil {
		return
	}
	c.stateMirror.Store(string(target))
	metricStateTransitions.WithLabelValues(string(target)).Inc()
	c.log.Info().Str("from", string(cur)).Str("to", string(target)).Msg("state change")

	if target == StateJoined {
		c.stopConnectingSound()
	}
	if target == StateEnded || target == StateFailed {
		// Destroy the engine before notifying anyone, so teardown is
		// never observed half-finished.
		c.destroyEngine()
	}
	c.stateBus.Publish(target)
	switch target {
	case StateHangingUp, StateFailedHangingUp:
		c.delegate.PlaySound(core.SoundEnded)
	case StateEnded:
		c.delegate.CallFinished()
	case StateFailed:
		c.delegate.CallFailed(c.failReason)
	case StateConnecting:
		if !c.checkJoinedTimer.active() {
			c.checkJoinedTimer.callOnce(checkJoinedTimeout)
		}
	}
}

func (c *Controller) playConnectingSound() {
	if c.connectingSoundTimer.active() {
		return
	}
	c.playConnectingSoundOnce()
	c.connectingSoundTimer.callEach(playConnectingEach)
}

func (c *Controller) stopConnectingSound() {
	c.connectingSoundTimer.cancel()
}

func (c *Controller) playConnectingSoundOnce() {
	c.delegate.PlaySound(core.SoundConnecting)
}

func (c *Controller) checkFirstTimeJoined() {
	if c.hadJoined || c.state() != StateJoined {
		return
	}
	c.hadJoined = true
	c.delegate.PlaySound(core.SoundStarted)
}

func (c *Controller) notifyAboutAllowedToSpeak() {
	if !c.hadJoined {
		return
	}
	c.delegate.PlaySound(core.SoundAllowedToSpeak)
	c.delegate.AllowedToSpeak()
}

// loopTimer is a manually armed/disarmed timer whose callback runs on
// the controller loop. All methods must be called on the loop.
type loopTimer struct {
	c     *Controller
	fn    func()
	seq   int
	armed bool
	every time.Duration
}

func newLoopTimer(c *Controller, fn func()) *loopTimer {
	return &loopTimer{c: c, fn: fn}
}

func (t *loopTimer) active() bool { return t.armed }

func (t *loopTimer) callOnce(d time.Duration) {
	t.arm(d, 0)
}

func (t *loopTimer) callEach(d time.Duration) {
	t.arm(d, d)
}

func (t *loopTimer) arm(d, every time.Duration) {
	t.seq++
	t.armed = true
	t.every = every
	seq := t.seq
	time.AfterFunc(d, func() { t.c.post(func() { t.fire(seq) }) })
}

func (t *loopTimer) fire(seq int) {
	if !t.armed || seq != t.seq {
		return
	}
	if t.every > 0 {
		t.arm(t.every, t.every)
	} else {
		t.armed = false
	}
	t.fn()
}

func (t *loopTimer) cancel() {
	t.seq++
	t.armed = false
}
