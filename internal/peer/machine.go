// Package peer implements the Peer Connection Manager: a pure state machine
// (Transition) and the event loop that executes its effects against a pion
// peer connection, a local media source and the signaling channel.
package peer

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAcquiring
	PhaseNegotiating
	PhaseConnected
	PhaseDisconnected
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiring:
		return "acquiring-media"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// live reports whether the phase still holds or may still acquire resources.
func (p Phase) live() bool {
	return p == PhaseAcquiring || p == PhaseNegotiating || p == PhaseConnected
}

// State is the complete tagged state of one manager. Transition is the only
// function that produces a new State.
type State struct {
	Role   domain.Role
	Phase  Phase
	Reason error

	PeerPresent bool
	// PendingOffer holds an offer that arrived while media was still being
	// acquired.
	PendingOffer json.RawMessage

	OfferSent  bool
	OfferSeen  bool
	AnswerSeen bool
	LocalDesc  bool
	RemoteDesc bool
	TrackSeen  bool

	MediaHeld     bool
	SignalingLost bool
}

func NewState(role domain.Role, peerPresent bool) State {
	return State{Role: role, Phase: PhaseIdle, PeerPresent: peerPresent}
}

type EventKind int

const (
	EvStart EventKind = iota
	EvMediaReady
	EvMediaFailed
	EvPeerJoined
	EvPeerLeft
	EvOfferReceived
	EvAnswerReceived
	EvRemoteCandidate
	EvLocalCandidate
	EvLocalDescriptionSent
	EvRemoteDescriptionApplied
	EvRemoteTrack
	EvNegotiationFailed
	EvNegotiationTimeout
	// EvRelayError is the relay refusing a negotiation message.
	EvRelayError
	EvTransportLost
	EvTransportRestored
	EvPeerFailed
	EvSessionEnded
	EvHangUp
	EvClose

	// Toggles never reach Transition.
	EvSetAudio
	EvSetVideo
)

var eventNames = map[EventKind]string{
	EvStart:                    "start",
	EvMediaReady:               "media-ready",
	EvMediaFailed:              "media-failed",
	EvPeerJoined:               "peer-joined",
	EvPeerLeft:                 "peer-left",
	EvOfferReceived:            "offer-received",
	EvAnswerReceived:           "answer-received",
	EvRemoteCandidate:          "remote-candidate",
	EvLocalCandidate:           "local-candidate",
	EvLocalDescriptionSent:     "local-description-sent",
	EvRemoteDescriptionApplied: "remote-description-applied",
	EvRemoteTrack:              "remote-track",
	EvNegotiationFailed:        "negotiation-failed",
	EvNegotiationTimeout:       "negotiation-timeout",
	EvRelayError:               "relay-error",
	EvTransportLost:            "transport-lost",
	EvTransportRestored:        "transport-restored",
	EvPeerFailed:               "peer-failed",
	EvSessionEnded:             "session-ended",
	EvHangUp:                   "hang-up",
	EvClose:                    "close",
	EvSetAudio:                 "set-audio",
	EvSetVideo:                 "set-video",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type Event struct {
	Kind    EventKind
	Payload json.RawMessage
	Err     error
	Enabled bool
	// Toggle flips the current setting and ignores Enabled.
	Toggle bool

	// Stream and Track travel with EvMediaReady and EvRemoteTrack.
	Stream core.LocalStream
	Track  core.RemoteTrack
}

type EffectKind int

const (
	EffAcquireMedia EffectKind = iota
	EffCreatePeer
	EffSendOffer
	EffAnswerOffer
	EffApplyAnswer
	EffQueueCandidate
	EffFlushCandidates
	EffSendCandidate
	EffDrainTrack
	EffStartTimer
	EffCancelTimer
	EffStopMedia
	EffClosePeer
	EffUnsubscribe
	EffNotify
)

var effectNames = map[EffectKind]string{
	EffAcquireMedia:    "acquire-media",
	EffCreatePeer:      "create-peer",
	EffSendOffer:       "send-offer",
	EffAnswerOffer:     "answer-offer",
	EffApplyAnswer:     "apply-answer",
	EffQueueCandidate:  "queue-candidate",
	EffFlushCandidates: "flush-candidates",
	EffSendCandidate:   "send-candidate",
	EffDrainTrack:      "drain-track",
	EffStartTimer:      "start-timer",
	EffCancelTimer:     "cancel-timer",
	EffStopMedia:       "stop-media",
	EffClosePeer:       "close-peer",
	EffUnsubscribe:     "unsubscribe",
	EffNotify:          "notify",
}

func (k EffectKind) String() string {
	if s, ok := effectNames[k]; ok {
		return s
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

type Effect struct {
	Kind    EffectKind
	Payload json.RawMessage
}

func eff(kind EffectKind) Effect { return Effect{Kind: kind} }

// Transition computes the next state and the effects to run for ev. It has
// no side effects of its own.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EvStart:
		if s.Phase != PhaseIdle {
			return s, nil
		}
		s.Phase = PhaseAcquiring
		return s, []Effect{eff(EffAcquireMedia), eff(EffNotify)}

	case EvMediaReady:
		if s.Phase != PhaseAcquiring {
			// Late completion after teardown: the stream is released at once.
			return s, []Effect{eff(EffStopMedia)}
		}
		s.Phase = PhaseNegotiating
		s.MediaHeld = true
		effects := []Effect{eff(EffCreatePeer), eff(EffStartTimer)}
		switch {
		case s.Role == domain.RoleInitiator && s.PeerPresent:
			s.OfferSent = true
			effects = append(effects, eff(EffSendOffer))
		case s.Role == domain.RoleJoiner && s.PendingOffer != nil:
			effects = append(effects, Effect{Kind: EffAnswerOffer, Payload: s.PendingOffer})
			s.PendingOffer = nil
		}
		return s, append(effects, eff(EffNotify))

	case EvMediaFailed:
		if s.Phase != PhaseAcquiring {
			return s, nil
		}
		return disconnect(s, wrapReason(domain.ErrMediaAccess, ev.Err))

	case EvPeerJoined:
		s.PeerPresent = true
		if s.Phase == PhaseNegotiating && s.Role == domain.RoleInitiator && !s.OfferSent {
			s.OfferSent = true
			return s, []Effect{eff(EffSendOffer)}
		}
		return s, nil

	case EvPeerLeft:
		s.PeerPresent = false
		if !s.Phase.live() {
			return s, nil
		}
		return disconnect(s, domain.ErrPeerLeft)

	case EvOfferReceived:
		if !s.Phase.live() && s.Phase != PhaseIdle {
			return s, nil
		}
		if s.Role != domain.RoleJoiner {
			return disconnect(s, fmt.Errorf("%w: initiator received an offer", domain.ErrProtocolViolation))
		}
		if s.OfferSeen {
			return disconnect(s, fmt.Errorf("%w: offer received twice", domain.ErrProtocolViolation))
		}
		s.OfferSeen = true
		if s.Phase == PhaseNegotiating {
			return s, []Effect{{Kind: EffAnswerOffer, Payload: ev.Payload}}
		}
		s.PendingOffer = ev.Payload
		return s, nil

	case EvAnswerReceived:
		if !s.Phase.live() {
			return s, nil
		}
		switch {
		case s.Role != domain.RoleInitiator:
			return disconnect(s, fmt.Errorf("%w: joiner received an answer", domain.ErrProtocolViolation))
		case !s.OfferSent:
			return disconnect(s, fmt.Errorf("%w: answer before offer", domain.ErrProtocolViolation))
		case s.AnswerSeen:
			return disconnect(s, fmt.Errorf("%w: answer received twice", domain.ErrProtocolViolation))
		}
		s.AnswerSeen = true
		return s, []Effect{{Kind: EffApplyAnswer, Payload: ev.Payload}}

	case EvRemoteCandidate:
		if !s.Phase.live() && s.Phase != PhaseIdle {
			return s, nil
		}
		effects := []Effect{{Kind: EffQueueCandidate, Payload: ev.Payload}}
		if s.RemoteDesc {
			effects = append(effects, eff(EffFlushCandidates))
		}
		return s, effects

	case EvLocalCandidate:
		if s.Phase != PhaseNegotiating && s.Phase != PhaseConnected {
			return s, nil
		}
		return s, []Effect{{Kind: EffSendCandidate, Payload: ev.Payload}}

	case EvLocalDescriptionSent:
		if s.Phase != PhaseNegotiating {
			return s, nil
		}
		s.LocalDesc = true
		return checkConnected(s, nil)

	case EvRemoteDescriptionApplied:
		if s.Phase != PhaseNegotiating {
			return s, nil
		}
		s.RemoteDesc = true
		return checkConnected(s, []Effect{eff(EffFlushCandidates)})

	case EvRemoteTrack:
		if s.Phase != PhaseNegotiating && s.Phase != PhaseConnected {
			return s, nil
		}
		s.TrackSeen = true
		return checkConnected(s, []Effect{eff(EffDrainTrack)})

	case EvNegotiationFailed:
		if !s.Phase.live() {
			return s, nil
		}
		return disconnect(s, wrapReason(domain.ErrProtocolViolation, ev.Err))

	case EvNegotiationTimeout:
		if s.Phase != PhaseNegotiating {
			return s, nil
		}
		return disconnect(s, domain.ErrNegotiationTimeout)

	case EvRelayError:
		// Once connected the media path no longer depends on the relay.
		if s.Phase != PhaseAcquiring && s.Phase != PhaseNegotiating {
			return s, nil
		}
		return disconnect(s, ev.Err)

	case EvTransportLost:
		switch s.Phase {
		case PhaseConnected:
			// Media flows peer to peer; only the signaling side is gone.
			s.SignalingLost = true
			return s, []Effect{eff(EffNotify)}
		case PhaseAcquiring, PhaseNegotiating:
			return disconnect(s, wrapReason(domain.ErrTransportDisconnected, ev.Err))
		}
		return s, nil

	case EvTransportRestored:
		if !s.SignalingLost {
			return s, nil
		}
		s.SignalingLost = false
		return s, []Effect{eff(EffNotify)}

	case EvPeerFailed:
		if s.Phase != PhaseNegotiating && s.Phase != PhaseConnected {
			return s, nil
		}
		return disconnect(s, domain.ErrPeerFailed)

	case EvSessionEnded:
		if s.Phase != PhaseIdle && !s.Phase.live() {
			return s, nil
		}
		return disconnect(s, domain.ErrSessionEnded)

	case EvHangUp:
		if s.Phase != PhaseIdle && !s.Phase.live() {
			return s, nil
		}
		return disconnect(s, domain.ErrHangUp)

	case EvClose:
		switch s.Phase {
		case PhaseClosed:
			return s, nil
		case PhaseDisconnected:
			s.Phase = PhaseClosed
			return s, []Effect{eff(EffUnsubscribe), eff(EffNotify)}
		}
		s, effects := disconnect(s, domain.ErrManagerClosed)
		s.Phase = PhaseClosed
		return s, append(effects, eff(EffUnsubscribe))
	}
	return s, nil
}

// disconnect tears everything down synchronously: the timer, the local media
// and the peer connection.
func disconnect(s State, reason error) (State, []Effect) {
	s.Phase = PhaseDisconnected
	s.Reason = reason
	s.PendingOffer = nil
	effects := []Effect{eff(EffCancelTimer)}
	if s.MediaHeld {
		s.MediaHeld = false
		effects = append(effects, eff(EffStopMedia))
	}
	return s, append(effects, eff(EffClosePeer), eff(EffNotify))
}

// checkConnected promotes negotiating to connected only once both
// descriptions are in place and remote media has been seen.
func checkConnected(s State, effects []Effect) (State, []Effect) {
	if s.Phase == PhaseNegotiating && s.LocalDesc && s.RemoteDesc && s.TrackSeen {
		s.Phase = PhaseConnected
		effects = append(effects, eff(EffCancelTimer), eff(EffNotify))
	}
	return s, effects
}

func wrapReason(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, err)
}
