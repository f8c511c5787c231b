// Package directory holds the shared participant store for one call.
// It is owned by the surrounding application, not by the session
// controller: the controller reads it, pushes optimistic updates into
// it and subscribes to its update stream.
package directory

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
	"github.com/voxhall/groupcall/internal/wire"
)

// lastSpokeWindowMs is how long after the last audio activity a
// participant still counts as sounding/speaking.
const lastSpokeWindowMs = 1000

// Store is a threadsafe peer-keyed participant store with secondary
// source-id indexes. A source id maps to at most one participant at a
// time.
type Store struct {
	mu      sync.RWMutex
	byPeer  map[domain.PeerID]*domain.Participant
	byAudio map[uint32]domain.PeerID
	byVideo map[uint32]domain.PeerID
	updates *core.Bus[core.ParticipantUpdate]
	log     zerolog.Logger
}

func NewStore() *Store {
	return &Store{
		byPeer:  make(map[domain.PeerID]*domain.Participant),
		byAudio: make(map[uint32]domain.PeerID),
		byVideo: make(map[uint32]domain.PeerID),
		updates: core.NewBus[core.ParticipantUpdate](),
		log:     log.With().Str("module", "directory").Logger(),
	}
}

func (s *Store) Updates() *core.Bus[core.ParticipantUpdate] { return s.updates }

func (s *Store) Get(peer domain.PeerID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byPeer[peer]; ok {
		return *p, true
	}
	return domain.Participant{}, false
}

func (s *Store) Participants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0, len(s.byPeer))
	for _, p := range s.byPeer {
		out = append(out, *p)
	}
	return out
}

func (s *Store) ByAudioSsrc(ssrc uint32) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if peer, ok := s.byAudio[ssrc]; ok {
		if p, ok := s.byPeer[peer]; ok {
			return *p, true
		}
	}
	return domain.Participant{}, false
}

func (s *Store) ByVideoSsrc(ssrc uint32) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if peer, ok := s.byVideo[ssrc]; ok {
		if p, ok := s.byPeer[peer]; ok {
			return *p, true
		}
	}
	return domain.Participant{}, false
}

// ApplyLocal records a locally-initiated optimistic update. It is
// merged exactly like an authoritative one; a later authoritative
// update for the same fields supersedes it (last writer wins per
// field).
func (s *Store) ApplyLocal(p domain.Participant) {
	s.apply(p, false)
}

// ApplyAuthoritative records a service update.
func (s *Store) ApplyAuthoritative(p domain.Participant) {
	s.apply(p, true)
}

func (s *Store) apply(p domain.Participant, authoritative bool) {
	s.mu.Lock()
	old := s.byPeer[p.Peer]
	var was *domain.Participant
	if old != nil {
		copied := *old
		was = &copied
	}

	if p.Left {
		if old != nil {
			s.dropIndexes(old)
			delete(s.byPeer, p.Peer)
		}
		s.mu.Unlock()
		if old != nil {
			s.updates.Publish(core.ParticipantUpdate{Was: was})
			s.log.Debug().Str("peer", string(p.Peer)).Msg("participant removed")
		}
		return
	}

	merged := s.merge(old, p, authoritative)
	if old != nil {
		s.dropIndexes(old)
	}
	s.byPeer[p.Peer] = merged
	s.addIndexes(merged)
	now := *merged
	s.mu.Unlock()

	s.updates.Publish(core.ParticipantUpdate{Was: was, Now: &now})
}

// merge folds an incoming record into the existing one. A partial
// record keeps the old mute/volume fields; an absent video descriptor
// keeps the old one (descriptors are replaced wholesale on content
// change, never cleared implicitly).
func (s *Store) merge(old *domain.Participant, in domain.Participant, authoritative bool) *domain.Participant {
	if old == nil {
		if in.Volume == 0 {
			in.Volume = domain.DefaultVolume
		}
		if in.Video == nil {
			in.Video = wire.ParseVideoParams(in.VideoRaw, nil)
		}
		return &in
	}
	merged := *old
	merged.Ssrc = in.Ssrc
	merged.Date = in.Date
	if in.LastActive != 0 {
		merged.LastActive = in.LastActive
	}
	if len(in.VideoRaw) > 0 {
		merged.Video = wire.ParseVideoParams(in.VideoRaw, old.Video)
	} else if in.Video != nil {
		merged.Video = in.Video
	}
	merged.VideoMuted = in.VideoMuted
	merged.RaisedHandRating = in.RaisedHandRating
	merged.Self = in.Self
	if !in.Partial {
		merged.Muted = in.Muted
		merged.CanSelfUnmute = in.CanSelfUnmute
		merged.MutedByMe = in.MutedByMe
		if in.Volume != 0 {
			merged.Volume = in.Volume
		}
	} else if authoritative {
		// Reduced service view: no real information about mutedByMe or
		// a custom volume, keep what we have.
		merged.Muted = in.Muted
		merged.CanSelfUnmute = in.CanSelfUnmute
	}
	return &merged
}

// ApplyLastSpoke refreshes activity flags for the participant owning
// ssrc. Timestamps are unix milliseconds.
func (s *Store) ApplyLastSpoke(ssrc uint32, anything, voice, now int64) {
	s.mu.Lock()
	peer, ok := s.byAudio[ssrc]
	if !ok {
		s.mu.Unlock()
		return
	}
	p := s.byPeer[peer]
	was := *p
	sounding := anything+lastSpokeWindowMs >= now
	speaking := voice+lastSpokeWindowMs >= now
	if p.Sounding == sounding && p.Speaking == speaking {
		s.mu.Unlock()
		return
	}
	p.Sounding = sounding
	p.Speaking = speaking
	nowCopy := *p
	s.mu.Unlock()

	s.updates.Publish(core.ParticipantUpdate{Was: &was, Now: &nowCopy})
}

func (s *Store) addIndexes(p *domain.Participant) {
	if p.Ssrc != 0 {
		if prev, ok := s.byAudio[p.Ssrc]; ok && prev != p.Peer {
			s.log.Warn().Uint32("ssrc", p.Ssrc).Str("peer", string(p.Peer)).Str("prev", string(prev)).Msg("audio ssrc reassigned")
		}
		s.byAudio[p.Ssrc] = p.Peer
	}
	for _, ssrc := range p.Video.Ssrcs() {
		s.byVideo[ssrc] = p.Peer
	}
}

func (s *Store) dropIndexes(p *domain.Participant) {
	if p.Ssrc != 0 && s.byAudio[p.Ssrc] == p.Peer {
		delete(s.byAudio, p.Ssrc)
	}
	for _, ssrc := range p.Video.Ssrcs() {
		if s.byVideo[ssrc] == p.Peer {
			delete(s.byVideo, ssrc)
		}
	}
}
