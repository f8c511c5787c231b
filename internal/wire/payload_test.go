package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/groupcall/internal/domain"
)

func TestJoinPayloadOmitsAbsentArrays(t *testing.T) {
	data, err := EncodeJoinPayload(JoinPayload{
		Ufrag:        "uf",
		Pwd:          "pw",
		Fingerprints: []Fingerprint{{Hash: "sha-256", Setup: "active", Fingerprint: "AA"}},
		Ssrc:         42,
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "rtp-hdrexts")
	assert.NotContains(t, raw, "payload-types")
	assert.NotContains(t, raw, "ssrc-groups")
	assert.Equal(t, float64(42), raw["ssrc"])
}

func TestJoinPayloadRoundTrip(t *testing.T) {
	in := JoinPayload{
		Ufrag:        "uf",
		Pwd:          "pw",
		Fingerprints: []Fingerprint{{Hash: "sha-256", Setup: "active", Fingerprint: "AA:BB"}},
		Ssrc:         7,
		HdrExts:      []HdrExt{{ID: 1, URI: "urn:ietf:params:rtp-parameters:ssrc-audio-level"}},
		PayloadTypes: []PayloadType{{
			ID:            111,
			Name:          "opus",
			ClockRate:     48000,
			Channels:      2,
			Parameters:    map[string]string{"useinbandfec": "1"},
			FeedbackTypes: []FeedbackType{{Type: "transport-cc"}},
		}},
		SsrcGroups: []domain.SsrcGroup{{Semantics: "FID", Sources: []uint32{7, 8}}},
	}
	data, err := EncodeJoinPayload(in)
	require.NoError(t, err)
	out, err := DecodeJoinPayload(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseJoinResponseStreamMode(t *testing.T) {
	resp, err := ParseJoinResponse([]byte(`{"stream": true}`))
	require.NoError(t, err)
	assert.True(t, resp.Stream)
	assert.Zero(t, resp.ProbingSsrc())
}

func TestParseJoinResponseTransport(t *testing.T) {
	resp, err := ParseJoinResponse([]byte(`{
		"transport": {
			"ufrag": "u", "pwd": "p",
			"fingerprints": [{"hash": "sha-256", "setup": "passive", "fingerprint": "AA"}],
			"candidates": [{"ip": "10.0.0.1", "port": "3478", "protocol": "udp",
				"type": "relay", "foundation": "1", "component": "1",
				"priority": "100", "generation": "0", "network": "1", "id": "c1"}]
		},
		"video": {
			"server_sources": [1234, 5678],
			"payload-types": [{"id": 100, "name": "VP8", "clockrate": 90000}],
			"rtp-hdrexts": [{"id": 2, "uri": "http://example.com/ext"}]
		}
	}`))
	require.NoError(t, err)
	assert.False(t, resp.Stream)
	assert.Equal(t, "u", resp.Transport.Ufrag)
	require.Len(t, resp.Transport.Candidates, 1)
	assert.Equal(t, "relay", resp.Transport.Candidates[0].Type)
	assert.Equal(t, uint32(1234), resp.ProbingSsrc())
	require.Len(t, resp.Video.PayloadTypes, 1)
	assert.Equal(t, "VP8", resp.Video.PayloadTypes[0].Name)
}

func TestParseJoinResponseRejectsGarbage(t *testing.T) {
	_, err := ParseJoinResponse([]byte("not json"))
	assert.Error(t, err)
}
