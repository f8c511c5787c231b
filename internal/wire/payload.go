// Package wire implements the negotiation payload formats exchanged
// with the signaling service on join, plus the content-addressed video
// descriptor codec.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/voxhall/groupcall/internal/domain"
)

// Fingerprint is one DTLS fingerprint entry of the transport
// negotiation.
type Fingerprint struct {
	Hash        string `json:"hash"`
	Setup       string `json:"setup"`
	Fingerprint string `json:"fingerprint"`
}

// HdrExt maps an RTP header-extension id to its URI.
type HdrExt struct {
	ID  uint32 `json:"id"`
	URI string `json:"uri"`
}

// FeedbackType is one rtcp feedback capability of a payload type.
type FeedbackType struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

// PayloadType describes one negotiated codec. Channels and
// FeedbackTypes are omitted for the retransmission codec.
type PayloadType struct {
	ID            uint32            `json:"id"`
	Name          string            `json:"name"`
	ClockRate     uint32            `json:"clockrate"`
	Channels      uint32            `json:"channels,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	FeedbackTypes []FeedbackType    `json:"rtcp-fbs,omitempty"`
}

// JoinPayload is the outbound session-description-style structure sent
// with a join request. Absent optional arrays are omitted entirely,
// never emitted empty.
type JoinPayload struct {
	Ufrag        string             `json:"ufrag"`
	Pwd          string             `json:"pwd"`
	Fingerprints []Fingerprint      `json:"fingerprints"`
	Ssrc         uint32             `json:"ssrc"`
	HdrExts      []HdrExt           `json:"rtp-hdrexts,omitempty"`
	PayloadTypes []PayloadType      `json:"payload-types,omitempty"`
	SsrcGroups   []domain.SsrcGroup `json:"ssrc-groups,omitempty"`
}

func EncodeJoinPayload(p JoinPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode join payload: %w", err)
	}
	return data, nil
}

func DecodeJoinPayload(data []byte) (JoinPayload, error) {
	var p JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return JoinPayload{}, fmt.Errorf("decode join payload: %w", err)
	}
	return p, nil
}

// Candidate is one ICE candidate of the negotiation response. The
// service sends every field as a string and they are kept opaque here;
// the media engine converts what it needs.
type Candidate struct {
	Port       string `json:"port"`
	Protocol   string `json:"protocol"`
	Network    string `json:"network"`
	Generation string `json:"generation"`
	ID         string `json:"id"`
	Component  string `json:"component"`
	Foundation string `json:"foundation"`
	Priority   string `json:"priority"`
	IP         string `json:"ip"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType"`
	RelAddr    string `json:"relAddr"`
	RelPort    string `json:"relPort"`
}

// ResponseTransport carries the relay's ICE/DTLS parameters.
type ResponseTransport struct {
	Ufrag        string        `json:"ufrag"`
	Pwd          string        `json:"pwd"`
	Fingerprints []Fingerprint `json:"fingerprints"`
	Candidates   []Candidate   `json:"candidates"`
}

// ResponseVideo carries the negotiated common video capability. The
// first server source is the bandwidth probing ssrc.
type ResponseVideo struct {
	ServerSources []uint32      `json:"server_sources"`
	PayloadTypes  []PayloadType `json:"payload-types"`
	HdrExts       []HdrExt      `json:"rtp-hdrexts"`
}

// JoinResponse is the inbound negotiation response. Stream selects
// broadcast-only mode; Transport and Video are absent in that case.
type JoinResponse struct {
	Stream    bool              `json:"stream"`
	Transport ResponseTransport `json:"transport"`
	Video     ResponseVideo     `json:"video"`
}

// ProbingSsrc returns the server's bandwidth probing source id, 0 if
// none was sent.
func (r *JoinResponse) ProbingSsrc() uint32 {
	if len(r.Video.ServerSources) == 0 {
		return 0
	}
	return r.Video.ServerSources[0]
}

func ParseJoinResponse(data []byte) (*JoinResponse, error) {
	var r JoinResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse join response: %w", err)
	}
	return &r, nil
}
