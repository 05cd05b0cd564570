package middleware

import (
	"context"
	"sync"
	"time"
)

// SlidingWindowLimiter allows at most max attempts per key within window. It guards the
// unauthenticated bootstrap endpoint where a token bucket's burst would be too lenient.
type SlidingWindowLimiter struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

// NewSlidingWindowLimiter creates a limiter; the bootstrap route uses 5 per minute
func NewSlidingWindowLimiter(max int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		max:      max,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Backend implements Limiter
func (l *SlidingWindowLimiter) Backend() string { return "memory" }

// Allow implements Limiter
func (l *SlidingWindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := make([]time.Time, 0, len(l.attempts[key]))
	for _, t := range l.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	d := Decision{Limit: l.max}
	if len(recent) >= l.max {
		l.attempts[key] = recent
		d.RetryAfter = recent[0].Add(l.window).Sub(now)
		return d, nil
	}

	if len(recent) == 0 && len(l.attempts) > 1024 {
		l.prune(cutoff)
	}
	l.attempts[key] = append(recent, now)
	d.Allowed = true
	d.Remaining = l.max - len(recent) - 1
	return d, nil
}

// prune drops keys with no attempts in the window. Caller holds mu.
func (l *SlidingWindowLimiter) prune(cutoff time.Time) {
	for k, ts := range l.attempts {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.attempts, k)
		}
	}
}
