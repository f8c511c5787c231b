// Package domain contains entities without logic, just meta-data.
package domain

// PeerID identifies a call participant: the local user, another user,
// or a delegate identity (such as a channel) the device joins as.
type PeerID string

const (
	// DefaultVolume is the neutral participant volume on the wire.
	DefaultVolume = 10000
	MaxVolume     = 20000
)

// CallRef addresses one group call on the signaling service.
type CallRef struct {
	ID         int64
	AccessHash int64
}

func (r CallRef) Valid() bool { return r.ID != 0 }
