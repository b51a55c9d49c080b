package app

import (
	"context"
	"sync"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	SessionID domain.SessionID
	Session   core.MemberSession
	Cancel    context.CancelFunc
}

// Registry maps signaling connections to their member session and room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.ClientID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.ClientID]*sessionEntry),
	}
}

func (r *Registry) BindSignal(cid core.ClientID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[cid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("participant", string(sess.Meta().ID)).Msg("bound signal")
}

func (r *Registry) GetSession(cid core.ClientID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[cid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Unbind(cid core.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, cid)
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("unbind session")
}

func (r *Registry) RoomOf(cid core.ClientID) (domain.SessionID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[cid]
	if !ok || entry.SessionID == "" {
		return "", nil, false
	}
	return entry.SessionID, entry.Session, true
}

func (r *Registry) UpdateRoom(cid core.ClientID, sessionID domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[cid]
	if !ok {
		return false
	}
	entry.SessionID = sessionID
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("session", string(sessionID)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(cid core.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[cid]; ok {
		entry.SessionID = ""
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("removed room association")
}

type RegSnap struct {
	CID     core.ClientID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(sessionID domain.SessionID) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for cid, e := range r.sessions {
		if e.SessionID == sessionID {
			out = append(out, RegSnap{CID: cid, Session: e.Session})
		}
	}
	return out
}

// Cancel tears down the connection bound to cid. Its read pump then runs the
// regular disconnect path.
func (r *Registry) Cancel(cid core.ClientID) bool {
	r.mu.RLock()
	e, ok := r.sessions[cid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("canceled session")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
