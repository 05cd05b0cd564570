package middleware

import (
	"context"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a GCRA limiter shared by every replica through Redis
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisRateLimiter creates a limiter allowing perMinute requests with the given burst
func NewRedisRateLimiter(client redis.UniversalClient, perMinute, burst int) *RedisRateLimiter {
	limit := redis_rate.PerMinute(perMinute)
	if burst > 0 {
		limit.Burst = burst
	}
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   limit,
	}
}

// Backend implements Limiter
func (r *RedisRateLimiter) Backend() string { return "redis" }

// Allow implements Limiter
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := r.limiter.Allow(ctx, "throttle:"+key, r.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Limit:      r.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}
