package core

import (
	"context"

	"github.com/dkeye/Lesson/internal/domain"
)

//go:generate mockgen -source=auth_iface.go -destination=mocks/auth_mock.go -package=mocks

// AuthorizationGate decides whether a participant may enter a session.
// Implemented by the user/enrollment backend.
type AuthorizationGate interface {
	// Authorize returns domain.ErrNotAuthorized on denial and
	// domain.ErrSessionNotFound for unknown sessions.
	Authorize(ctx context.Context, sessionID domain.SessionID, participant domain.ParticipantID) (domain.SessionInfo, error)
}

// SessionDirectory persists session records.
type SessionDirectory interface {
	CreateSession(ctx context.Context, initiator domain.ParticipantID) (domain.SessionInfo, error)
	EndSession(ctx context.Context, sessionID domain.SessionID) error
	Grant(ctx context.Context, sessionID domain.SessionID, participant domain.ParticipantID, displayName string) error
}
