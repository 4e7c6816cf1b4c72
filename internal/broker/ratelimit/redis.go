// internal/broker/ratelimit/redis.go
// Redis-backed limiter — suitable for HA broker deployments where multiple
// instances must share one rate-limit budget per client key. Uses a
// fixed-window counter per key (INCR + EXPIRE), which is not used anywhere
// for Q/R persistence: this store only ever holds short-lived counters, never
// pending requests or responses, so it does not reintroduce cross-restart
// request/response state.
package ratelimit

import (
	"context"
	"time"

	"github.com/flarebridge/tunnel/internal/logging"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tunnel:ratelimit:"

type redisLimiter struct {
	cli    *redis.Client
	limit  int64
	window time.Duration
}

// NewRedis returns a Limiter backed by Redis: at most limit Allow() calls per
// window per key, shared across every broker instance pointed at cli.
func NewRedis(cli *redis.Client, limit int, window time.Duration) Limiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &redisLimiter{cli: cli, limit: int64(limit), window: window}
}

// Allow increments the window counter for key and compares against limit. On
// any Redis error the call fails open (allows the request) rather than
// taking the entire broker's ingress path down with it; the failure is
// logged so an operator notices a broken Redis dependency.
func (r *redisLimiter) Allow(key string) bool {
	ctx := context.Background()
	fullKey := redisKeyPrefix + key

	pipe := r.cli.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	ttl := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Sugar().Warnw("ratelimit redis unavailable, failing open", "err", err)
		return true
	}
	// Start the window only when the key has no expiry yet, so later calls
	// inside the window do not push its end further out.
	if ttl.Val() < 0 {
		r.cli.Expire(ctx, fullKey, r.window)
	}
	return incr.Val() <= r.limit
}
