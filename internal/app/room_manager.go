package app

import (
	"sync"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
)

type RoomManagerImpl struct {
	mu         sync.RWMutex
	rooms      map[domain.SessionID]core.RoomService
	maxJoiners int
	now        func() time.Time
}

func NewRoomManager(maxJoiners int) core.RoomManager {
	return &RoomManagerImpl{
		rooms:      make(map[domain.SessionID]core.RoomService),
		maxJoiners: maxJoiners,
		now:        time.Now,
	}
}

func (f *RoomManagerImpl) GetOrCreate(id domain.SessionID, initiator domain.ParticipantID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = core.NewRoomService(*domain.NewSession(id, initiator, f.now()), f.maxJoiners)
	f.rooms[id] = room
	return room
}

func (f *RoomManagerImpl) GetRoom(id domain.SessionID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		s := r.Session()
		out = append(out, core.RoomInfo{
			ID:          id,
			State:       s.State,
			InitiatorID: s.InitiatorID,
			MemberCount: r.MemberCount(),
		})
	}
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[id]; ok {
		r.End()
		delete(f.rooms, id)
	}
}
