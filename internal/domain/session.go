package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionEnded   SessionState = "ended"
)

// Session is the relay-side mirror of a tutoring session record.
// The durable record lives in the session directory.
type Session struct {
	ID          SessionID       `json:"id"`
	InitiatorID ParticipantID   `json:"initiator_id"`
	Joined      []ParticipantID `json:"joined"`
	CreatedAt   time.Time       `json:"created_at"`
	State       SessionState    `json:"state"`
}

func NewSession(id SessionID, initiator ParticipantID, now time.Time) *Session {
	return &Session{
		ID:          id,
		InitiatorID: initiator,
		CreatedAt:   now,
		State:       SessionCreated,
	}
}

func (s *Session) HasJoined(id ParticipantID) bool {
	return slices.Contains(s.Joined, id)
}

// SessionInfo is the minimal metadata returned by the authorization gate.
type SessionInfo struct {
	ID              SessionID     `json:"id"`
	InitiatorID     ParticipantID `json:"initiator_id"`
	CounterpartName string        `json:"counterpart_name,omitempty"`
	State           SessionState  `json:"state"`
}
