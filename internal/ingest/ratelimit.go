package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderLimiter rate-limits signal deliveries per sender so one noisy
// source cannot starve the others. The map is reset periodically to
// bound memory for one-shot senders.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	lastSeen time.Time
	maxAge   time.Duration
	now      func() time.Time
}

// NewSenderLimiter allows ratePerSecond sustained deliveries per
// sender with the given burst.
func NewSenderLimiter(ratePerSecond float64, burst int) *SenderLimiter {
	return &SenderLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(ratePerSecond),
		burst:    burst,
		maxAge:   time.Hour,
		now:      time.Now,
	}
}

// Allow reports whether sender may deliver another signal now.
func (l *SenderLimiter) Allow(sender string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := l.now(); now.Sub(l.lastSeen) > l.maxAge {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastSeen = now
	}

	lim, ok := l.limiters[sender]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[sender] = lim
	}
	return lim.Allow()
}
