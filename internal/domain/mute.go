package domain

// MuteState is the device's microphone state within a call.
// Muted, PushToTalk and Active are chosen locally; ForceMuted and
// RaisedHand are imposed by the server.
type MuteState int

const (
	MuteActive MuteState = iota
	Muted
	MutePushToTalk
	ForceMuted
	RaisedHand
)

var muteStateNames = map[MuteState]string{
	MuteActive:     "active",
	Muted:          "muted",
	MutePushToTalk: "push-to-talk",
	ForceMuted:     "force-muted",
	RaisedHand:     "raised-hand",
}

func (s MuteState) String() string {
	if name, ok := muteStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Unmuted reports whether the device is actually sending audio.
func (s MuteState) Unmuted() bool {
	return s == MuteActive || s == MutePushToTalk
}

// Forced reports whether the state is server-imposed and cannot be
// left by a plain local toggle.
func (s MuteState) Forced() bool {
	return s == ForceMuted || s == RaisedHand
}
