package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lesson/internal/domain"
)

func TestParseEnvelopeRejectsNegotiationWithoutPayload(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"offer","sessionId":"s1"}`))
	require.ErrorIs(t, err, domain.ErrBadPayload)

	_, err = ParseEnvelope([]byte(`{"sessionId":"s1"}`))
	require.ErrorIs(t, err, domain.ErrBadPayload)

	_, err = ParseEnvelope([]byte(`not json`))
	require.ErrorIs(t, err, domain.ErrBadPayload)
}

func TestNegotiationPayloadIsOpaque(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	env, err := NewNegotiation(MsgCandidate, "s1", cand)
	require.NoError(t, err)
	frame, err := env.Encode()
	require.NoError(t, err)

	got, err := ParseEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, MsgCandidate, got.Type)
	assert.Equal(t, domain.SessionID("s1"), got.SessionID)

	var decoded webrtc.ICECandidateInit
	require.NoError(t, json.Unmarshal(got.Payload, &decoded))
	assert.Equal(t, cand.Candidate, decoded.Candidate)
	require.NotNil(t, decoded.SDPMid)
	assert.Equal(t, "0", *decoded.SDPMid)
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{domain.ErrNotAuthorized, CodeNotAuthorized},
		{fmt.Errorf("join: %w", domain.ErrRoomFull), CodeRoomFull},
		{domain.ErrInitiatorTaken, CodeInitiatorTaken},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCode(tc.err), tc.err.Error())
	}

	env := ErrorEnvelope("s1", domain.ErrNotAuthorized)
	err := ErrorFromCode(env.Code, env.Message)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Equal(t, "not authorized", err.Error())

	assert.ErrorIs(t, ErrorFromCode(CodeRoomFull, "only one student"), domain.ErrRoomFull)
	assert.Error(t, ErrorFromCode("weird", "x"))
}
