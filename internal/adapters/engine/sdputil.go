package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/voxhall/groupcall/internal/wire"
)

// payloadFromSDP extracts the join payload from a locally generated
// offer: ICE credentials, the DTLS fingerprint, the audio source id
// and the negotiable codec/extension tables.
func payloadFromSDP(sdpText string) (wire.JoinPayload, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sdpText)); err != nil {
		return wire.JoinPayload{}, fmt.Errorf("parse offer: %w", err)
	}
	audio := firstMedia(&parsed, "audio")
	if audio == nil {
		return wire.JoinPayload{}, errors.New("no audio media in offer")
	}
	p := wire.JoinPayload{
		Ufrag: attrValue(&parsed, audio, "ice-ufrag"),
		Pwd:   attrValue(&parsed, audio, "ice-pwd"),
	}
	if fp := attrValue(&parsed, audio, "fingerprint"); fp != "" {
		parts := strings.SplitN(fp, " ", 2)
		if len(parts) == 2 {
			p.Fingerprints = append(p.Fingerprints, wire.Fingerprint{
				Hash:        parts[0],
				Setup:       "active",
				Fingerprint: parts[1],
			})
		}
	}

	payloadTypes := make(map[uint32]*wire.PayloadType)
	var order []uint32
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "ssrc":
			if p.Ssrc == 0 {
				fields := strings.Fields(attr.Value)
				if len(fields) > 0 {
					if n, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
						p.Ssrc = uint32(n)
					}
				}
			}
		case "extmap":
			fields := strings.Fields(attr.Value)
			if len(fields) < 2 {
				continue
			}
			id, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				continue
			}
			p.HdrExts = append(p.HdrExts, wire.HdrExt{ID: uint32(id), URI: fields[1]})
		case "rtpmap":
			pt, rest, ok := splitPayloadAttr(attr.Value)
			if !ok {
				continue
			}
			codec := strings.Split(rest, "/")
			entry := &wire.PayloadType{ID: pt, Name: codec[0]}
			if len(codec) > 1 {
				if n, err := strconv.ParseUint(codec[1], 10, 32); err == nil {
					entry.ClockRate = uint32(n)
				}
			}
			if len(codec) > 2 {
				if n, err := strconv.ParseUint(codec[2], 10, 32); err == nil {
					entry.Channels = uint32(n)
				}
			}
			payloadTypes[pt] = entry
			order = append(order, pt)
		case "fmtp":
			pt, rest, ok := splitPayloadAttr(attr.Value)
			if !ok {
				continue
			}
			entry, known := payloadTypes[pt]
			if !known {
				continue
			}
			entry.Parameters = make(map[string]string)
			for _, kv := range strings.Split(rest, ";") {
				kv = strings.TrimSpace(kv)
				if key, value, found := strings.Cut(kv, "="); found {
					entry.Parameters[key] = value
				}
			}
		case "rtcp-fb":
			pt, rest, ok := splitPayloadAttr(attr.Value)
			if !ok {
				continue
			}
			entry, known := payloadTypes[pt]
			if !known {
				continue
			}
			fbType, fbSubtype, _ := strings.Cut(rest, " ")
			entry.FeedbackTypes = append(entry.FeedbackTypes, wire.FeedbackType{
				Type:    fbType,
				Subtype: fbSubtype,
			})
		}
	}
	for _, pt := range order {
		p.PayloadTypes = append(p.PayloadTypes, *payloadTypes[pt])
	}
	if p.Ufrag == "" || p.Pwd == "" || len(p.Fingerprints) == 0 {
		return wire.JoinPayload{}, errors.New("offer misses ICE or DTLS parameters")
	}
	return p, nil
}

// splitPayloadAttr splits "111 opus/48000/2" style attribute values.
func splitPayloadAttr(value string) (uint32, string, bool) {
	ptText, rest, found := strings.Cut(value, " ")
	if !found {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(ptText, 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(pt), rest, true
}

// answerFromResponse renders the service's transport description as an
// SDP answer against the local offer: same codec tables, the relay's
// ICE credentials and candidates.
func answerFromResponse(local *webrtc.SessionDescription, resp *wire.JoinResponse) (string, error) {
	if local == nil {
		return "", errNoLocalDescription
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(local.SDP)); err != nil {
		return "", fmt.Errorf("parse local offer: %w", err)
	}
	audio := firstMedia(&parsed, "audio")
	if audio == nil {
		return "", errors.New("no audio media in offer")
	}
	t := resp.Transport

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 2 IN IP4 127.0.0.1\r\n")
	b.WriteString("s=-\r\n")
	b.WriteString("t=0 0\r\n")
	mid := attrValue(&parsed, audio, "mid")
	if mid == "" {
		mid = "0"
	}
	fmt.Fprintf(&b, "a=group:BUNDLE %s\r\n", mid)
	fmt.Fprintf(&b, "m=audio 1 %s %s\r\n", strings.Join(audio.MediaName.Protos, "/"), strings.Join(audio.MediaName.Formats, " "))
	b.WriteString("c=IN IP4 0.0.0.0\r\n")
	fmt.Fprintf(&b, "a=mid:%s\r\n", mid)
	fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", t.Ufrag)
	fmt.Fprintf(&b, "a=ice-pwd:%s\r\n", t.Pwd)
	for _, fp := range t.Fingerprints {
		fmt.Fprintf(&b, "a=fingerprint:%s %s\r\n", fp.Hash, fp.Fingerprint)
		setup := fp.Setup
		if setup == "" {
			setup = "passive"
		}
		fmt.Fprintf(&b, "a=setup:%s\r\n", setup)
	}
	b.WriteString("a=rtcp-mux\r\n")
	b.WriteString("a=sendrecv\r\n")
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb", "extmap":
			fmt.Fprintf(&b, "a=%s:%s\r\n", attr.Key, attr.Value)
		}
	}
	for _, cand := range t.Candidates {
		writeCandidate(&b, cand)
	}
	b.WriteString("a=end-of-candidates\r\n")
	return b.String(), nil
}

func writeCandidate(b *strings.Builder, c wire.Candidate) {
	fmt.Fprintf(b, "a=candidate:%s %s %s %s %s %s typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.RelAddr != "" {
		fmt.Fprintf(b, " raddr %s rport %s", c.RelAddr, c.RelPort)
	}
	if c.TCPType != "" {
		fmt.Fprintf(b, " tcptype %s", c.TCPType)
	}
	if c.Generation != "" {
		fmt.Fprintf(b, " generation %s", c.Generation)
	}
	b.WriteString("\r\n")
}

// firstMedia finds the first media section of the given type.
func firstMedia(parsed *sdp.SessionDescription, media string) *sdp.MediaDescription {
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == media {
			return m
		}
	}
	return nil
}

// attrValue looks an attribute up in the media section first, then at
// session level.
func attrValue(parsed *sdp.SessionDescription, m *sdp.MediaDescription, key string) string {
	for _, attr := range m.Attributes {
		if attr.Key == key {
			return attr.Value
		}
	}
	for _, attr := range parsed.Attributes {
		if attr.Key == key {
			return attr.Value
		}
	}
	return ""
}
