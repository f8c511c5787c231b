// Package core defines the narrow interfaces between the session
// controller and its collaborators: the signaling service, the native
// media engine and the shared participant directory.
package core

import (
	"context"

	"github.com/voxhall/groupcall/internal/domain"
	"github.com/voxhall/groupcall/internal/wire"
)

// JoinRequest carries everything the service needs to admit this
// device into a call.
type JoinRequest struct {
	Call       domain.CallRef
	JoinAs     domain.PeerID
	InviteHash string
	Muted      bool
	// Payload is the encoded wire.JoinPayload.
	Payload []byte
}

// ParticipantEdit is a partial edit of one participant; each field is
// independently present-or-absent on the wire.
type ParticipantEdit struct {
	Muted      *bool
	Volume     *int
	RaiseHand  *bool
	VideoMuted *bool
}

// BroadcastChunk is the raw result of one broadcast segment fetch.
type BroadcastChunk struct {
	Bytes []byte
	// ResponseTimestamp is derived from the response envelope and lets
	// the engine estimate stream latency.
	ResponseTimestamp float64
	// Redirect marks a redirect-type response; the caller must resync
	// rather than follow it.
	Redirect bool
}

// Signaling is the typed request surface of the remote service. Every
// call blocks until completion or ctx cancellation; the controller
// runs them on their own goroutines and hands completions back onto
// its loop. Failures carry a *SignalError where the service returned a
// symbolic code.
type Signaling interface {
	CreateCall(ctx context.Context, scheduleDate int64) (domain.CallRef, error)
	// JoinCall returns the raw negotiation response (wire.JoinResponse).
	JoinCall(ctx context.Context, req JoinRequest) ([]byte, error)
	LeaveCall(ctx context.Context, call domain.CallRef, ssrc uint32) error
	DiscardCall(ctx context.Context, call domain.CallRef) error
	EditParticipant(ctx context.Context, call domain.CallRef, peer domain.PeerID, edit ParticipantEdit) error
	EditTitle(ctx context.Context, call domain.CallRef, title string) error
	InviteUsers(ctx context.Context, call domain.CallRef, users []domain.PeerID) error
	ToggleRecording(ctx context.Context, call domain.CallRef, start bool, title string) error
	StartScheduled(ctx context.Context, call domain.CallRef) error
	ToggleStartSubscription(ctx context.Context, call domain.CallRef, subscribed bool) error
	// CheckLiveness returns the subset of ssrcs the service still
	// considers present in the call.
	CheckLiveness(ctx context.Context, call domain.CallRef, ssrcs []uint32) ([]uint32, error)
	FetchBroadcastPart(ctx context.Context, call domain.CallRef, timeMs int64, scale int32, limit int32) (BroadcastChunk, error)
	ResolveParticipants(ctx context.Context, call domain.CallRef, ssrcs []uint32) error
	// NotifySpeaking is the throttled "I am speaking" progress signal.
	NotifySpeaking(ctx context.Context, call domain.CallRef) error
}

// ParticipantsUpdate is a service push describing participant changes.
type ParticipantsUpdate struct {
	CallID       int64                `json:"call_id"`
	Participants []domain.Participant `json:"participants"`
	Version      int32                `json:"version"`
}

// UpdateHandler receives service pushes; the signaling adapter calls
// it from its read loop.
type UpdateHandler interface {
	HandleParticipantsUpdate(u ParticipantsUpdate)
	HandleCallDiscarded(callID int64)
	// HandleScheduleDate delivers schedule changes for the call (0
	// clears the schedule and lets a waiting device join).
	HandleScheduleDate(callID int64, date int64)
}

// ConnectionMode is the engine's negotiated transport mode.
type ConnectionMode int

const (
	ModeNone ConnectionMode = iota
	ModeRtc
	ModeBroadcast
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRtc:
		return "rtc"
	case ModeBroadcast:
		return "broadcast"
	}
	return "unknown"
}

// NetworkState is the engine's raw connectivity report.
type NetworkState struct {
	Connected bool
	// TransitioningFromBroadcast is set while the engine switches from
	// the broadcast feed to a full peer-to-peer negotiation.
	TransitioningFromBroadcast bool
}

// AudioLevel is one entry of an engine audio-level batch. Ssrc 0 means
// the local capture.
type AudioLevel struct {
	Ssrc  uint32
	Level float32
	Voice bool
}

// PartStatus classifies a finished broadcast segment fetch.
type PartStatus int

const (
	PartSuccess PartStatus = iota
	// PartNotReady: retry later at the same timestamp.
	PartNotReady
	// PartResyncNeeded: re-derive the timestamp before retrying.
	PartResyncNeeded
)

// BroadcastPart is the engine-facing result of a segment fetch.
type BroadcastPart struct {
	TimestampMs       int64
	ResponseTimestamp float64
	Status            PartStatus
	Payload           []byte
}

// PartRequest is the engine's handle on an in-flight segment fetch.
// Cancel after completion is a no-op.
type PartRequest interface {
	Cancel()
}

// ParticipantDescription is what the engine needs to attach one remote
// participant's media.
type ParticipantDescription struct {
	AudioSsrc    uint32
	Endpoint     string
	SsrcGroups   []domain.SsrcGroup
	PayloadTypes []wire.PayloadType
	HdrExts      []wire.HdrExt
}

// EngineEvents are the media engine's callbacks. They may fire on any
// engine thread; the controller hands each off onto its own loop
// before touching state.
type EngineEvents struct {
	NetworkStateChanged  func(NetworkState)
	AudioLevels          func([]AudioLevel)
	// IncomingVideoSources carries the streaming remote video sources,
	// keyed by the owning participant's audio source id.
	IncomingVideoSources func([]uint32)
	DescriptionsRequired func([]uint32)
	RequestBroadcastPart func(timeMs, periodMs int64, done func(BroadcastPart)) PartRequest
}

// MediaEngine abstracts the native call engine instance. Exactly one
// exists per controller at a time and the controller owns its
// lifecycle.
type MediaEngine interface {
	// EmitJoinPayload asks the engine for a fresh negotiation payload;
	// fn may be called on an engine thread.
	EmitJoinPayload(fn func(wire.JoinPayload))
	SetJoinResponsePayload(resp *wire.JoinResponse) error
	SetConnectionMode(mode ConnectionMode)
	SetMuted(muted bool)
	SetVolume(ssrc uint32, volume float64)
	AddParticipants(parts []ParticipantDescription)
	RemoveSsrcs(ssrcs []uint32)
	SetFullSizeVideoSsrc(ssrc uint32)
	// Stop releases the engine synchronously; no callback fires after
	// it returns.
	Stop()
}

// EngineFactory creates an engine wired to the given callbacks.
type EngineFactory func(events EngineEvents) (MediaEngine, error)

// ParticipantUpdate is one directory change, with the previous record
// when there was one.
type ParticipantUpdate struct {
	Was *domain.Participant
	Now *domain.Participant
}

// Directory is the shared, externally-owned participant store. The
// controller applies additive optimistic updates and never assumes
// exclusive write access; authoritative updates supersede local ones
// per field.
type Directory interface {
	Get(peer domain.PeerID) (domain.Participant, bool)
	Participants() []domain.Participant
	ByAudioSsrc(ssrc uint32) (domain.Participant, bool)
	ByVideoSsrc(ssrc uint32) (domain.Participant, bool)
	ApplyLocal(p domain.Participant)
	ApplyAuthoritative(p domain.Participant)
	// ApplyLastSpoke refreshes the speaking/sounding flags for the
	// participant owning ssrc given its last-activity timestamps.
	ApplyLastSpoke(ssrc uint32, anything, voice, now int64)
	Updates() *Bus[ParticipantUpdate]
}

// Sound identifies a UI sound effect the controller asks for; playback
// itself is out of scope.
type Sound int

const (
	SoundConnecting Sound = iota
	SoundStarted
	SoundEnded
	SoundAllowedToSpeak
)

// FailReason is the user-facing classification of a terminal failure.
type FailReason int

const (
	FailNone FailReason = iota
	FailAnonymousForbidden
	FailTooManyParticipants
	FailNotAccessible
	FailServerError
)

// Delegate receives the controller's outward-facing notifications.
// Calls arrive on the controller loop; implementations must not call
// back into the controller synchronously.
type Delegate interface {
	PlaySound(s Sound)
	// CallFinished / CallFailed fire after the media engine is fully
	// destroyed, never before.
	CallFinished()
	CallFailed(reason FailReason)
	AllowedToSpeak()
	// RequestAudioPermission asks the platform layer for microphone
	// access and invokes grant once it is available.
	RequestAudioPermission(grant func())
}
