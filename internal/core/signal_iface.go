package core

import (
	"context"

	"github.com/dkeye/Lesson/internal/domain"
)

// Frame is a raw signaling payload as it travels over the transport.
type Frame []byte

// SignalConnection abstracts the relay-side messaging transport of one client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Subscription is returned by every callback registration. Unsubscribe is
// idempotent and safe to call from any goroutine.
type Subscription interface {
	Unsubscribe()
}

type ChannelState string

const (
	ChannelReconnecting ChannelState = "reconnecting"
	ChannelRestored     ChannelState = "restored"
	ChannelLost         ChannelState = "lost"
)

// SignalingChannel is the client side of the relay: a room-scoped message bus
// used only for negotiation messages, never media.
type SignalingChannel interface {
	// Join attaches the caller to the room of sessionID and returns the
	// relay's acknowledgement (current peers included).
	Join(ctx context.Context, sessionID domain.SessionID, role domain.Role) (Envelope, error)
	// Send forwards env to every other member of the room.
	Send(ctx context.Context, env Envelope) error
	// Subscribe registers a handler for relay messages. Messages from a single
	// sender are delivered in the order they were sent.
	Subscribe(handler func(Envelope)) Subscription
	// OnState reports transport health changes; ChannelLost carries
	// domain.ErrTransportDisconnected.
	OnState(handler func(ChannelState, error)) Subscription
	Leave(ctx context.Context, sessionID domain.SessionID) error
	Close() error
}
