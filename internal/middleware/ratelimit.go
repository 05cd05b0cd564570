// ratelimit.go provides the per-client-IP throttle that runs before API key
// authentication. It is separate from the per-key rolling-window quota enforced by the
// authenticator: this layer stops credential scanning before any database work.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/laasy/corptravel/internal/telemetry"
)

// Decision is the outcome of a throttle check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a client key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	// Backend names the implementation for metrics ("memory", "redis")
	Backend() string
}

// RateLimitConfig holds configuration for the in-memory token bucket
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle client entries are dropped
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the defaults used when none are configured
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter is an in-process token bucket keyed by client
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*bucket
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewRateLimiter creates a token bucket limiter and starts its cleanup loop
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdle(10 * time.Minute)
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.entries {
		if now.Sub(b.lastUpdate) > idle {
			delete(rl.entries, key)
		}
	}
}

// Stop ends the cleanup loop; safe to call more than once
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// Backend implements Limiter
func (rl *RateLimiter) Backend() string { return "memory" }

func (rl *RateLimiter) perSecond() float64 {
	return float64(rl.config.RequestsPerMinute) / 60.0
}

// Allow implements Limiter
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	d := Decision{Limit: rl.config.RequestsPerMinute}

	b, exists := rl.entries[key]
	if !exists {
		b = &bucket{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = b
	} else {
		elapsed := now.Sub(b.lastUpdate).Seconds()
		b.tokens = math.Min(float64(rl.config.BurstSize), b.tokens+elapsed*rl.perSecond())
		b.lastUpdate = now
	}

	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		return d, nil
	}

	if ps := rl.perSecond(); ps > 0 {
		d.RetryAfter = time.Duration((1 - b.tokens) / ps * float64(time.Second))
	} else {
		d.RetryAfter = time.Minute
	}
	return d, nil
}

// ThrottleMiddleware refuses requests from a client IP the limiter rejects. Limiter
// errors fail open so a Redis outage does not take the API down.
func ThrottleMiddleware(limiter Limiter, name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		d, err := limiter.Allow(c.Request.Context(), name+":"+key)
		if err != nil {
			slog.Warn("throttle check failed, allowing request", "limiter", name, "backend", limiter.Backend(), "error", err)
			c.Next()
			return
		}

		if !d.Allowed {
			telemetry.ThrottleRejectionsTotal.WithLabelValues(limiter.Backend(), name).Inc()
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}
