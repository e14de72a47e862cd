package webhook

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedSenders caps the limiter map so rotating sender ids cannot
// exhaust memory.
const maxTrackedSenders = 4096

// SenderLimiter rate-limits webhook deliveries per sender. Safe for
// concurrent use.
type SenderLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSenderLimiter creates a per-sender limiter. rps <= 0 disables limiting.
func NewSenderLimiter(rps float64, burst int) *SenderLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &SenderLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether one more delivery from sender fits its budget.
func (s *SenderLimiter) Allow(sender string) bool {
	if s.rps <= 0 {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[sender]
	if !ok {
		if len(s.limiters) >= maxTrackedSenders {
			// Hard eviction; a reset limiter only grants one extra burst.
			for k := range s.limiters {
				delete(s.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[sender] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}
