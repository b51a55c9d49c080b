package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func cand(s string, mid string, mline uint16) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &mline}
}

func TestCandidateQueueDedupes(t *testing.T) {
	q := NewCandidateQueue()
	assert.True(t, q.Push(cand("a", "0", 0)))
	assert.True(t, q.Push(cand("a", "1", 1)), "same candidate on another m-line is distinct")
	assert.False(t, q.Push(cand("a", "0", 0)))
	assert.True(t, q.Push(webrtc.ICECandidateInit{Candidate: "a"}), "missing mid and index form their own key")
	assert.Equal(t, 3, q.Len())

	out := q.Drain()
	assert.Len(t, out, 3)
	assert.Equal(t, "0", *out[0].SDPMid)
	assert.Zero(t, q.Len())

	assert.False(t, q.Push(cand("a", "1", 1)), "applied candidates stay deduplicated")
	assert.Empty(t, q.Drain())
}

func TestCandidateQueueKeepsArrivalOrder(t *testing.T) {
	q := NewCandidateQueue()
	for _, c := range []string{"c3", "c1", "c2"} {
		q.Push(cand(c, "0", 0))
	}
	var got []string
	for _, c := range q.Drain() {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"c3", "c1", "c2"}, got)
}
