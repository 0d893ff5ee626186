package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet holds one token bucket per session for model calls.
type limiterSet struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// newLimiterSet allows perMinute calls per session with the given burst.
// perMinute <= 0 disables limiting.
func newLimiterSet(perMinute float64, burst int) *limiterSet {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{perSec: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Allow spends one token for sessionID, reporting false when none is left.
func (l *limiterSet) Allow(sessionID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *limiterSet) Forget(sessionID string) {
	l.mu.Lock()
	delete(l.limiters, sessionID)
	l.mu.Unlock()
}
