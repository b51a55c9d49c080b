package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the subset of *webrtc.TrackRemote the client consumes.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerConnection wraps one peer-to-peer media connection.
type PeerConnection interface {
	// AddLocalStream attaches every track of the stream before negotiation.
	AddLocalStream(LocalStream) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer, then creates and sets the local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. It fails when no remote
	// description has been applied yet.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}

type PeerFactory func() (PeerConnection, error)

// LocalStream is a media stream handle. Exactly one owner; Stop releases every
// track and is idempotent.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	HasKind(kind webrtc.RTPCodecType) bool
	// SetEnabled mutes or unmutes all tracks of a kind without removing them.
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	Enabled(kind webrtc.RTPCodecType) bool
	// ActiveTracks counts tracks that have not been stopped.
	ActiveTracks() int
	Stop()
}

type Constraints struct {
	Audio bool
	Video bool
}

type MediaSource interface {
	// Acquire fails with domain.ErrMediaAccess when no usable audio exists.
	// A missing video device degrades to an audio-only stream.
	Acquire(ctx context.Context, c Constraints) (LocalStream, error)
}

// MediaSink renders remote media.
type MediaSink interface {
	OnRemoteTrack(track RemoteTrack)
	OnPacket(track RemoteTrack, pkt *rtp.Packet)
}
