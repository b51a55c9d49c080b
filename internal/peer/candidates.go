package peer

import "github.com/pion/webrtc/v4"

type candidateKey struct {
	candidate string
	mid       string
	mline     int32
}

func keyOf(ci webrtc.ICECandidateInit) candidateKey {
	k := candidateKey{candidate: ci.Candidate, mline: -1}
	if ci.SDPMid != nil {
		k.mid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		k.mline = int32(*ci.SDPMLineIndex)
	}
	return k
}

// CandidateQueue buffers remote ICE candidates until a remote description is
// in place. A candidate is accepted at most once over the queue's lifetime,
// so a duplicate is dropped even after the original has been applied.
// Not safe for concurrent use; the manager loop owns it.
type CandidateQueue struct {
	seen    map[candidateKey]struct{}
	pending []webrtc.ICECandidateInit
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{seen: make(map[candidateKey]struct{})}
}

// Push reports false for a candidate that was already accepted.
func (q *CandidateQueue) Push(ci webrtc.ICECandidateInit) bool {
	k := keyOf(ci)
	if _, dup := q.seen[k]; dup {
		return false
	}
	q.seen[k] = struct{}{}
	q.pending = append(q.pending, ci)
	return true
}

// Drain returns the buffered candidates in arrival order and empties the buffer.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	out := q.pending
	q.pending = nil
	return out
}

func (q *CandidateQueue) Len() int { return len(q.pending) }
