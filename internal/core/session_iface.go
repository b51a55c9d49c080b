package core

import "github.com/dkeye/Lesson/internal/domain"

// ClientID identifies one signaling connection on the relay.
type ClientID string

// MemberSession binds domain.Participant and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
}
