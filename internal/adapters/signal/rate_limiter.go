package signal

import (
	"sync"

	"github.com/dkeye/Lesson/internal/domain"
	"golang.org/x/time/rate"
)

// ParticipantRateLimiter keeps one token bucket per participant across all of
// its connections.
type ParticipantRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.ParticipantID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewParticipantRateLimiter(perSecond float64, burst int) *ParticipantRateLimiter {
	return &ParticipantRateLimiter{
		limiters: make(map[domain.ParticipantID]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *ParticipantRateLimiter) Allow(pid domain.ParticipantID) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[pid]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[pid] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *ParticipantRateLimiter) Forget(pid domain.ParticipantID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, pid)
}
