package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Lesson/internal/domain"
)

type MessageType string

// Client -> relay.
const (
	MsgJoin      MessageType = "join-session"
	MsgLeave     MessageType = "leave"
	MsgEnd       MessageType = "end-session"
	MsgPing      MessageType = "ping"
	MsgOffer     MessageType = "offer"
	MsgAnswer    MessageType = "answer"
	MsgCandidate MessageType = "ice-candidate"
)

// Relay -> client.
const (
	MsgJoined       MessageType = "joined"
	MsgLeft         MessageType = "left"
	MsgPeerJoined   MessageType = "peer-joined"
	MsgPeerLeft     MessageType = "peer-left"
	MsgSessionEnded MessageType = "session-ended"
	MsgError        MessageType = "error"
	MsgPong         MessageType = "pong"
)

// IsNegotiation reports whether t is one of the three relayed negotiation types.
func (t MessageType) IsNegotiation() bool {
	return t == MsgOffer || t == MsgAnswer || t == MsgCandidate
}

// Envelope is the single JSON shape of every signaling message.
// Payload is opaque to the relay.
type Envelope struct {
	Type      MessageType          `json:"type"`
	SessionID domain.SessionID     `json:"sessionId,omitempty"`
	From      domain.ParticipantID `json:"from,omitempty"`
	Role      domain.Role          `json:"role,omitempty"`
	Resume    bool                 `json:"resume,omitempty"` // join-session after a reconnect
	Peers     []MemberDTO          `json:"peers,omitempty"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", domain.ErrBadPayload)
	}
	if env.Type.IsNegotiation() && len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: %s without payload", domain.ErrBadPayload, env.Type)
	}
	return env, nil
}

func (e Envelope) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewNegotiation wraps a negotiation payload (pion SessionDescription or
// ICECandidateInit) into an envelope.
func NewNegotiation(t MessageType, sessionID domain.SessionID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, SessionID: sessionID, Payload: raw}, nil
}

// Wire error codes.
const (
	CodeNotAuthorized     = "not_authorized"
	CodeRoomFull          = "room_full"
	CodeInitiatorTaken    = "initiator_taken"
	CodeSessionNotFound   = "session_not_found"
	CodeSessionEnded      = "session_ended"
	CodeSessionInactive   = "session_inactive"
	CodeNotJoined         = "not_joined"
	CodeAlreadyJoined     = "already_joined"
	CodeRateLimited       = "rate_limited"
	CodeBadPayload        = "bad_payload"
	CodeProtocolViolation = "protocol_violation"
	CodeInternal          = "internal"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{CodeNotAuthorized, domain.ErrNotAuthorized},
	{CodeRoomFull, domain.ErrRoomFull},
	{CodeInitiatorTaken, domain.ErrInitiatorTaken},
	{CodeSessionNotFound, domain.ErrSessionNotFound},
	{CodeSessionEnded, domain.ErrSessionEnded},
	{CodeSessionInactive, domain.ErrSessionInactive},
	{CodeNotJoined, domain.ErrNotJoined},
	{CodeAlreadyJoined, domain.ErrAlreadyJoined},
	{CodeRateLimited, domain.ErrRateLimited},
	{CodeBadPayload, domain.ErrBadPayload},
	{CodeProtocolViolation, domain.ErrProtocolViolation},
}

// ErrorCode maps a domain sentinel onto its wire code.
func ErrorCode(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// ErrorFromCode is the inverse of ErrorCode.
func ErrorFromCode(code, message string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			if message == "" || message == ce.err.Error() {
				return ce.err
			}
			return fmt.Errorf("%w: %s", ce.err, message)
		}
	}
	return fmt.Errorf("relay error %s: %s", code, message)
}

func ErrorEnvelope(sessionID domain.SessionID, err error) Envelope {
	return Envelope{
		Type:      MsgError,
		SessionID: sessionID,
		Code:      ErrorCode(err),
		Message:   err.Error(),
	}
}
