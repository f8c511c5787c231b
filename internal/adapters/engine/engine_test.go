package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
)

func newTestEngine(t *testing.T, events core.EngineEvents) *Engine {
	t.Helper()
	e, err := New(Config{}, events)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestVideoSourcesReportedUnderOwnerAudioSsrc(t *testing.T) {
	var reported [][]uint32
	e := newTestEngine(t, core.EngineEvents{
		IncomingVideoSources: func(ssrcs []uint32) { reported = append(reported, ssrcs) },
	})
	e.AddParticipants([]core.ParticipantDescription{{
		AudioSsrc: 10,
		SsrcGroups: []domain.SsrcGroup{
			{Semantics: "SIM", Sources: []uint32{110, 111}},
		},
	}})

	e.addVideoSsrc(110)
	require.Len(t, reported, 1)
	assert.Equal(t, []uint32{10}, reported[0])

	// A second simulcast layer folds into the same owner entry.
	e.addVideoSsrc(111)
	require.Len(t, reported, 2)
	assert.Equal(t, []uint32{10}, reported[1])

	// One layer ending keeps the owner listed while the other runs.
	e.dropVideoSsrc(111)
	require.Len(t, reported, 3)
	assert.Equal(t, []uint32{10}, reported[2])

	e.dropVideoSsrc(110)
	require.Len(t, reported, 4)
	assert.Empty(t, reported[3])
}

func TestUnmappedVideoSourceReportedAsIs(t *testing.T) {
	var reported [][]uint32
	e := newTestEngine(t, core.EngineEvents{
		IncomingVideoSources: func(ssrcs []uint32) { reported = append(reported, ssrcs) },
	})

	e.addVideoSsrc(300)
	require.Len(t, reported, 1)
	assert.Equal(t, []uint32{300}, reported[0])
}

func TestRemoveSsrcsForgetsOwnerMapping(t *testing.T) {
	var reported [][]uint32
	e := newTestEngine(t, core.EngineEvents{
		IncomingVideoSources: func(ssrcs []uint32) { reported = append(reported, ssrcs) },
	})
	e.AddParticipants([]core.ParticipantDescription{{
		AudioSsrc:  10,
		SsrcGroups: []domain.SsrcGroup{{Semantics: "SIM", Sources: []uint32{110}}},
	}})
	e.RemoveSsrcs([]uint32{10, 110})

	e.addVideoSsrc(110)
	require.Len(t, reported, 1)
	assert.Equal(t, []uint32{110}, reported[0])
}
