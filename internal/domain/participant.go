// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
)

type ParticipantID string

// Role is the negotiation role of a participant. It is passed explicitly,
// never inferred from join order.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleJoiner
}

type ConnStatus string

const (
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusDisconnected ConnStatus = "disconnected"
)

// Participant exists only while attached to a Session.
type Participant struct {
	ID           ParticipantID `json:"id"`
	DisplayName  string        `json:"display_name,omitempty"`
	Role         Role          `json:"role"`
	Status       ConnStatus    `json:"status"`
	AudioEnabled bool          `json:"audio_enabled"`
	VideoEnabled bool          `json:"video_enabled"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, role Role) (*Participant, error) {
	if err := ValidateParticipantID(id); err != nil {
		return nil, err
	}
	return &Participant{
		ID:           id,
		Role:         role,
		Status:       StatusConnecting,
		AudioEnabled: true,
		VideoEnabled: true,
	}, nil
}

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func ValidateParticipantID(id ParticipantID) error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
