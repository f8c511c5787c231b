package domain

import "encoding/json"

// SsrcGroup ties several media source ids together under one
// semantics tag (SIM, FID, ...).
type SsrcGroup struct {
	Semantics string   `json:"semantics"`
	Sources   []uint32 `json:"sources"`
}

// VideoParams is a content-addressed snapshot of one participant's
// video negotiation descriptor. Instances are replaced wholesale when
// the raw descriptor bytes change, so pointer equality means "nothing
// changed".
type VideoParams struct {
	Endpoint   string      `json:"endpoint"`
	SsrcGroups []SsrcGroup `json:"ssrc-groups"`

	// Hash of the raw descriptor bytes this snapshot was parsed from.
	Hash uint64 `json:"-"`
}

// Ssrcs returns every video source id mentioned by the descriptor.
func (p *VideoParams) Ssrcs() []uint32 {
	if p == nil {
		return nil
	}
	var out []uint32
	for _, g := range p.SsrcGroups {
		out = append(out, g.Sources...)
	}
	return out
}

// Contains reports whether ssrc belongs to this descriptor.
func (p *VideoParams) Contains(ssrc uint32) bool {
	if p == nil {
		return false
	}
	for _, g := range p.SsrcGroups {
		for _, s := range g.Sources {
			if s == ssrc {
				return true
			}
		}
	}
	return false
}

// Participant is one call member as seen by the directory: the local
// device has an entry too. Records are owned by the directory; the
// controller only reads them and pushes updates.
type Participant struct {
	Peer PeerID `json:"peer"`
	Ssrc uint32 `json:"source"`

	// VideoRaw is the participant's video descriptor exactly as the
	// service sent it; the directory parses it into Video, reusing the
	// previous instance when the bytes did not change.
	VideoRaw json.RawMessage `json:"video,omitempty"`
	Video    *VideoParams    `json:"-"`

	Date       int64 `json:"date"`
	LastActive int64 `json:"active_date,omitempty"`

	Speaking bool
	Sounding bool

	Muted            bool   `json:"muted"`
	CanSelfUnmute    bool   `json:"can_self_unmute"`
	MutedByMe        bool   `json:"muted_by_you"`
	VideoMuted       bool   `json:"video_muted"`
	Volume           int    `json:"volume"`
	RaisedHandRating uint64 `json:"raise_hand_rating,omitempty"`

	Left bool `json:"left"`
	Self bool `json:"self"`

	// Partial marks a record without authoritative mute/volume info
	// (the service sent a reduced view).
	Partial bool `json:"min"`
}
