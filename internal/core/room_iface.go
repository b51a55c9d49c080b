package core

import (
	"github.com/dkeye/Lesson/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID           domain.ParticipantID `json:"id"`
	DisplayName  string               `json:"display_name,omitempty"`
	Role         domain.Role          `json:"role"`
	AudioEnabled bool                 `json:"audio_enabled"`
	VideoEnabled bool                 `json:"video_enabled"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	// Session returns a copy of the in-memory session mirror.
	Session() domain.Session
	// MemberCount counts members with a live connection.
	MemberCount() int
	// Seats counts live members plus held seats.
	Seats() int
	// MembersSnapshot lists every seat, held ones included.
	MembersSnapshot() []MemberDTO
	Member(cid ClientID) (MemberSession, bool)

	AddMember(cid ClientID, ms MemberSession) error
	RemoveMember(cid ClientID) (MemberSession, bool)
	// Hold keeps the seat of cid after its connection dropped. Broadcasts
	// skip it until Reclaim or Release.
	Hold(cid ClientID) (MemberSession, bool)
	// Reclaim moves the seat of ms's participant, live or held, onto cid and
	// returns the connection that had it. The role must match.
	Reclaim(cid ClientID, ms MemberSession) (ClientID, bool)
	// Release frees a seat still held by cid.
	Release(cid ClientID) (MemberSession, bool)
	Broadcast(from ClientID, data Frame) PublishResult
	// End marks the session ended; later joins fail with domain.ErrSessionEnded.
	End()
}

type RoomInfo struct {
	ID          domain.SessionID     `json:"id"`
	State       domain.SessionState  `json:"state"`
	InitiatorID domain.ParticipantID `json:"initiator_id"`
	MemberCount int                  `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.SessionID, initiator domain.ParticipantID) RoomService
	GetRoom(id domain.SessionID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.SessionID)
}
