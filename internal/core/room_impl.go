package core

import (
	"slices"
	"sync"

	"github.com/dkeye/Lesson/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room for one tutoring session.
// It never closes adapter-owned resources.
type roomImpl struct {
	mu         sync.RWMutex
	session    domain.Session
	maxJoiners int
	byCID      map[ClientID]MemberSession
	held       map[ClientID]MemberSession // seats of members whose connection dropped
	byID       map[domain.ParticipantID]ClientID
	initiator  ClientID
}

func NewRoomService(session domain.Session, maxJoiners int) RoomService {
	if maxJoiners < 1 {
		maxJoiners = 1
	}
	return &roomImpl{
		session:    session,
		maxJoiners: maxJoiners,
		byCID:      make(map[ClientID]MemberSession),
		held:       make(map[ClientID]MemberSession),
		byID:       make(map[domain.ParticipantID]ClientID),
	}
}

func (r *roomImpl) Session() domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.session
	s.Joined = slices.Clone(r.session.Joined)
	return s
}

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCID)
}

func (r *roomImpl) Seats() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *roomImpl) Member(cid ClientID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byCID[cid]
	return ms, ok
}

func (r *roomImpl) joinerCount() int {
	n := 0
	for _, seats := range []map[ClientID]MemberSession{r.byCID, r.held} {
		for _, ms := range seats {
			if ms.Meta().Role == domain.RoleJoiner {
				n++
			}
		}
	}
	return n
}

func (r *roomImpl) AddMember(cid ClientID, ms MemberSession) error {
	p := ms.Meta()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.State == domain.SessionEnded {
		return domain.ErrSessionEnded
	}
	if _, ok := r.byID[p.ID]; ok {
		return domain.ErrAlreadyJoined
	}
	switch p.Role {
	case domain.RoleInitiator:
		if r.initiator != "" {
			return domain.ErrInitiatorTaken
		}
	case domain.RoleJoiner:
		if r.joinerCount() >= r.maxJoiners {
			return domain.ErrRoomFull
		}
	default:
		return domain.ErrProtocolViolation
	}

	r.byCID[cid] = ms
	r.byID[p.ID] = cid
	if p.Role == domain.RoleInitiator {
		r.initiator = cid
		r.session.State = domain.SessionActive
	}
	if !slices.Contains(r.session.Joined, p.ID) {
		r.session.Joined = append(r.session.Joined, p.ID)
	}
	log.Info().Str("module", "core.room").Str("session", string(r.session.ID)).Str("cid", string(cid)).
		Str("participant", string(p.ID)).Str("role", string(p.Role)).Msg("member added")
	return nil
}

func (r *roomImpl) RemoveMember(cid ClientID) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byCID[cid]
	if !ok {
		return nil, false
	}
	delete(r.byCID, cid)
	r.vacate(ms.Meta().ID, cid)
	log.Info().Str("module", "core.room").Str("session", string(r.session.ID)).Str("cid", string(cid)).Msg("member removed")
	return ms, true
}

// vacate frees the seat of id held by cid. An active session whose last
// seat goes ends. Callers hold r.mu.
func (r *roomImpl) vacate(id domain.ParticipantID, cid ClientID) {
	if r.byID[id] == cid {
		delete(r.byID, id)
	}
	r.session.Joined = slices.DeleteFunc(r.session.Joined, func(p domain.ParticipantID) bool { return p == id })
	if r.initiator == cid {
		r.initiator = ""
	}
	if len(r.byID) == 0 && r.session.State == domain.SessionActive {
		r.session.State = domain.SessionEnded
	}
}

func (r *roomImpl) Hold(cid ClientID) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byCID[cid]
	if !ok {
		return nil, false
	}
	delete(r.byCID, cid)
	r.held[cid] = ms
	log.Info().Str("module", "core.room").Str("session", string(r.session.ID)).Str("cid", string(cid)).
		Str("participant", string(ms.Meta().ID)).Msg("seat held")
	return ms, true
}

func (r *roomImpl) Reclaim(cid ClientID, ms MemberSession) (ClientID, bool) {
	p := ms.Meta()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.State == domain.SessionEnded {
		return "", false
	}
	old, ok := r.byID[p.ID]
	if !ok || old == cid {
		return "", false
	}
	prev, ok := r.held[old]
	if !ok {
		prev = r.byCID[old]
	}
	if prev == nil || prev.Meta().Role != p.Role {
		return "", false
	}
	delete(r.held, old)
	delete(r.byCID, old)
	r.byCID[cid] = ms
	r.byID[p.ID] = cid
	if r.initiator == old {
		r.initiator = cid
	}
	log.Info().Str("module", "core.room").Str("session", string(r.session.ID)).Str("cid", string(cid)).
		Str("previous", string(old)).Str("participant", string(p.ID)).Msg("seat reclaimed")
	return old, true
}

func (r *roomImpl) Release(cid ClientID) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.held[cid]
	if !ok {
		return nil, false
	}
	delete(r.held, cid)
	r.vacate(ms.Meta().ID, cid)
	log.Info().Str("module", "core.room").Str("session", string(r.session.ID)).Str("cid", string(cid)).Msg("held seat released")
	return ms, true
}

func (r *roomImpl) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.State = domain.SessionEnded
}

func (r *roomImpl) Broadcast(from ClientID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for cid, m := range r.byCID {
		if cid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.byID))
	for _, seats := range []map[ClientID]MemberSession{r.byCID, r.held} {
		for _, ms := range seats {
			p := ms.Meta()
			out = append(out, MemberDTO{
				ID:           p.ID,
				DisplayName:  p.DisplayName,
				Role:         p.Role,
				AudioEnabled: p.AudioEnabled,
				VideoEnabled: p.VideoEnabled,
			})
		}
	}
	return out
}
