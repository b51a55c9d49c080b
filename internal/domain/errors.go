package domain

import "errors"

// Failure taxonomy shared by the relay and the client.
var (
	// ErrMediaAccess: capture device denied or unavailable. Retry after permission is granted.
	ErrMediaAccess = errors.New("media access error")
	// ErrNotAuthorized: join rejected. Not retryable without a new authorization.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNegotiationTimeout: the counterpart never offered or answered in time.
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	// ErrTransportDisconnected: the signaling channel dropped.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrProtocolViolation: a message arrived that the role contract forbids.
	ErrProtocolViolation = errors.New("protocol violation")
)

var (
	ErrRoomFull        = errors.New("room full")
	ErrInitiatorTaken  = errors.New("initiator already present")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrSessionInactive = errors.New("session not active")
	ErrNotJoined       = errors.New("not joined to session")
	ErrAlreadyJoined   = errors.New("already joined to a session")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadPayload      = errors.New("bad payload")

	ErrPeerLeft      = errors.New("remote peer left")
	ErrHangUp        = errors.New("hung up")
	ErrPeerFailed    = errors.New("peer connection failed")
	ErrManagerClosed = errors.New("peer connection manager closed")
)
