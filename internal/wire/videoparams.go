package wire

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/groupcall/internal/domain"
)

// ParseVideoParams parses a raw video descriptor, reusing existing when
// the content hash matches. Callers compare returned pointers to detect
// "nothing changed" cheaply; a changed descriptor always yields a fresh
// instance.
func ParseVideoParams(raw []byte, existing *domain.VideoParams) *domain.VideoParams {
	if len(raw) == 0 {
		return nil
	}
	hash := xxhash.Sum64(raw)
	if existing != nil && existing.Hash == hash {
		return existing
	}
	params := &domain.VideoParams{Hash: hash}
	if err := json.Unmarshal(raw, params); err != nil {
		log.Warn().Err(err).Str("module", "wire").Msg("bad video params descriptor")
		return params
	}
	return params
}
