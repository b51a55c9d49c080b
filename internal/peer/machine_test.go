package peer

import (
	"encoding/json"
	"testing"

	"github.com/dkeye/Lesson/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sdp = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func apply(s State, evs ...Event) (State, []EffectKind) {
	var kinds []EffectKind
	for _, ev := range evs {
		var effects []Effect
		s, effects = Transition(s, ev)
		for _, e := range effects {
			kinds = append(kinds, e.Kind)
		}
	}
	return s, kinds
}

func ev(k EventKind) Event { return Event{Kind: k} }

func TestInitiatorHappyPath(t *testing.T) {
	s, effects := apply(NewState(domain.RoleInitiator, false), ev(EvStart), ev(EvMediaReady))
	require.Equal(t, PhaseNegotiating, s.Phase)
	assert.NotContains(t, effects, EffSendOffer, "no offer before a peer is present")
	assert.Contains(t, effects, EffStartTimer)

	s, effects = apply(s, ev(EvPeerJoined))
	assert.Equal(t, []EffectKind{EffSendOffer}, effects)
	s, _ = apply(s, ev(EvLocalDescriptionSent), Event{Kind: EvAnswerReceived, Payload: sdp})
	s, effects = apply(s, ev(EvRemoteDescriptionApplied))
	assert.Equal(t, PhaseNegotiating, s.Phase, "no remote media yet")
	assert.Equal(t, []EffectKind{EffFlushCandidates}, effects)

	s, effects = apply(s, ev(EvRemoteTrack))
	assert.Equal(t, PhaseConnected, s.Phase)
	assert.Equal(t, []EffectKind{EffDrainTrack, EffCancelTimer, EffNotify}, effects)
}

func TestInitiatorOffersImmediatelyWhenPeerPresent(t *testing.T) {
	s, effects := apply(NewState(domain.RoleInitiator, true), ev(EvStart), ev(EvMediaReady))
	assert.True(t, s.OfferSent)
	assert.Contains(t, effects, EffSendOffer)

	_, effects = apply(s, ev(EvPeerJoined))
	assert.Empty(t, effects, "offer is sent once")
}

func TestJoinerBuffersOfferDuringAcquisition(t *testing.T) {
	s, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), Event{Kind: EvOfferReceived, Payload: sdp})
	require.Equal(t, PhaseAcquiring, s.Phase)
	require.NotNil(t, s.PendingOffer)

	next, effects := Transition(s, ev(EvMediaReady))
	assert.Nil(t, next.PendingOffer)
	var answered bool
	for _, e := range effects {
		if e.Kind == EffAnswerOffer {
			answered = true
			assert.JSONEq(t, string(sdp), string(e.Payload))
		}
	}
	assert.True(t, answered)
}

func TestConnectedRequiresEveryCondition(t *testing.T) {
	base, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady))
	orders := [][]EventKind{
		{EvRemoteDescriptionApplied, EvLocalDescriptionSent, EvRemoteTrack},
		{EvRemoteTrack, EvRemoteDescriptionApplied, EvLocalDescriptionSent},
		{EvLocalDescriptionSent, EvRemoteTrack, EvRemoteDescriptionApplied},
	}
	for _, order := range orders {
		s := base
		for i, k := range order {
			s, _ = Transition(s, ev(k))
			if i < len(order)-1 {
				assert.Equal(t, PhaseNegotiating, s.Phase, "after %v", order[:i+1])
			}
		}
		assert.Equal(t, PhaseConnected, s.Phase, "order %v", order)
	}
}

func TestProtocolViolations(t *testing.T) {
	initiator, _ := apply(NewState(domain.RoleInitiator, false), ev(EvStart), ev(EvMediaReady))
	joiner, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady))

	cases := map[string]struct {
		from State
		evs  []Event
	}{
		"initiator receives offer": {initiator, []Event{{Kind: EvOfferReceived, Payload: sdp}}},
		"answer before offer":      {initiator, []Event{{Kind: EvAnswerReceived, Payload: sdp}}},
		"joiner receives answer":   {joiner, []Event{{Kind: EvAnswerReceived, Payload: sdp}}},
		"offer twice":              {joiner, []Event{{Kind: EvOfferReceived, Payload: sdp}, {Kind: EvOfferReceived, Payload: sdp}}},
		"answer twice": {initiator, []Event{
			ev(EvPeerJoined), {Kind: EvAnswerReceived, Payload: sdp}, {Kind: EvAnswerReceived, Payload: sdp},
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s, effects := apply(tc.from, tc.evs...)
			assert.Equal(t, PhaseDisconnected, s.Phase)
			assert.ErrorIs(t, s.Reason, domain.ErrProtocolViolation)
			assert.Contains(t, effects, EffStopMedia)
			assert.Contains(t, effects, EffClosePeer)
		})
	}
}

func TestNegotiationTimeout(t *testing.T) {
	s, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady))
	s, effects := Transition(s, ev(EvNegotiationTimeout))
	assert.Equal(t, PhaseDisconnected, s.Phase)
	assert.ErrorIs(t, s.Reason, domain.ErrNegotiationTimeout)
	assert.Equal(t, EffCancelTimer, effects[0].Kind)

	connected, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady),
		ev(EvRemoteDescriptionApplied), ev(EvLocalDescriptionSent), ev(EvRemoteTrack))
	s, effects = Transition(connected, ev(EvNegotiationTimeout))
	assert.Equal(t, PhaseConnected, s.Phase, "stale timer is ignored")
	assert.Empty(t, effects)
}

func TestTransportLoss(t *testing.T) {
	connected, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady),
		ev(EvRemoteDescriptionApplied), ev(EvLocalDescriptionSent), ev(EvRemoteTrack))
	s, effects := Transition(connected, Event{Kind: EvTransportLost, Err: domain.ErrTransportDisconnected})
	assert.Equal(t, PhaseConnected, s.Phase)
	assert.True(t, s.SignalingLost)
	assert.NotContains(t, effects, EffStopMedia)

	s, _ = Transition(s, ev(EvTransportRestored))
	assert.False(t, s.SignalingLost)

	negotiating, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady))
	s, _ = Transition(negotiating, Event{Kind: EvTransportLost, Err: domain.ErrTransportDisconnected})
	assert.Equal(t, PhaseDisconnected, s.Phase)
	assert.ErrorIs(t, s.Reason, domain.ErrTransportDisconnected)
}

func TestRelayErrorAbortsNegotiationOnly(t *testing.T) {
	negotiating, _ := apply(NewState(domain.RoleInitiator, true), ev(EvStart), ev(EvMediaReady))
	s, effects := Transition(negotiating, Event{Kind: EvRelayError, Err: domain.ErrSessionInactive})
	assert.Equal(t, PhaseDisconnected, s.Phase)
	assert.ErrorIs(t, s.Reason, domain.ErrSessionInactive)
	assert.NotEmpty(t, effects)

	connected, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady),
		ev(EvRemoteDescriptionApplied), ev(EvLocalDescriptionSent), ev(EvRemoteTrack))
	s, effects = Transition(connected, Event{Kind: EvRelayError, Err: domain.ErrRateLimited})
	assert.Equal(t, PhaseConnected, s.Phase)
	assert.Empty(t, effects)

	idle := NewState(domain.RoleJoiner, false)
	s, _ = Transition(idle, Event{Kind: EvRelayError, Err: domain.ErrNotAuthorized})
	assert.Equal(t, PhaseIdle, s.Phase, "join rejections are handled by the caller")
}

func TestMediaFailure(t *testing.T) {
	s, effects := apply(NewState(domain.RoleInitiator, false), ev(EvStart), Event{Kind: EvMediaFailed, Err: domain.ErrMediaAccess})
	assert.Equal(t, PhaseDisconnected, s.Phase)
	assert.ErrorIs(t, s.Reason, domain.ErrMediaAccess)
	assert.NotContains(t, effects, EffStopMedia, "nothing was acquired")
}

func TestLateMediaIsReleased(t *testing.T) {
	s, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvHangUp))
	require.Equal(t, PhaseDisconnected, s.Phase)
	s, effects := Transition(s, ev(EvMediaReady))
	assert.Equal(t, PhaseDisconnected, s.Phase)
	assert.Equal(t, []EffectKind{EffStopMedia}, kinds(effects))
}

func TestTeardownFromEveryLivePhase(t *testing.T) {
	starts := map[string][]Event{
		"idle":        nil,
		"acquiring":   {ev(EvStart)},
		"negotiating": {ev(EvStart), ev(EvMediaReady)},
		"connected": {ev(EvStart), ev(EvMediaReady),
			ev(EvRemoteDescriptionApplied), ev(EvLocalDescriptionSent), ev(EvRemoteTrack)},
	}
	for name, evs := range starts {
		for _, end := range []EventKind{EvHangUp, EvSessionEnded, EvClose} {
			t.Run(name+"/"+end.String(), func(t *testing.T) {
				s, _ := apply(NewState(domain.RoleJoiner, true), evs...)
				held := s.MediaHeld
				s, effects := Transition(s, ev(end))
				assert.False(t, s.MediaHeld)
				assert.Equal(t, held, containsKind(effects, EffStopMedia))
				assert.True(t, containsKind(effects, EffClosePeer))
				if end == EvClose {
					assert.Equal(t, PhaseClosed, s.Phase)
					assert.True(t, containsKind(effects, EffUnsubscribe))
				} else {
					assert.Equal(t, PhaseDisconnected, s.Phase)
				}
			})
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	s, _ := apply(NewState(domain.RoleInitiator, true), ev(EvStart), ev(EvClose))
	require.Equal(t, PhaseClosed, s.Phase)
	for k := EvStart; k <= EvClose; k++ {
		if k == EvMediaReady {
			continue
		}
		next, effects := Transition(s, Event{Kind: k, Payload: sdp})
		assert.Equal(t, PhaseClosed, next.Phase, k.String())
		assert.Empty(t, effects, k.String())
	}
}

func TestPeerLeftAndFailure(t *testing.T) {
	negotiating, _ := apply(NewState(domain.RoleInitiator, true), ev(EvStart), ev(EvMediaReady))
	s, _ := Transition(negotiating, ev(EvPeerLeft))
	assert.ErrorIs(t, s.Reason, domain.ErrPeerLeft)

	s, _ = Transition(negotiating, ev(EvPeerFailed))
	assert.ErrorIs(t, s.Reason, domain.ErrPeerFailed)
}

func TestCandidatesFlushOnlyAfterRemoteDescription(t *testing.T) {
	s, _ := apply(NewState(domain.RoleJoiner, true), ev(EvStart), ev(EvMediaReady))
	_, effects := Transition(s, Event{Kind: EvRemoteCandidate, Payload: sdp})
	assert.Equal(t, []EffectKind{EffQueueCandidate}, kinds(effects))

	s, _ = Transition(s, ev(EvRemoteDescriptionApplied))
	_, effects = Transition(s, Event{Kind: EvRemoteCandidate, Payload: sdp})
	assert.Equal(t, []EffectKind{EffQueueCandidate, EffFlushCandidates}, kinds(effects))
}

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

func containsKind(effects []Effect, k EffectKind) bool {
	for _, e := range effects {
		if e.Kind == k {
			return true
		}
	}
	return false
}
