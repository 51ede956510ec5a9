// Package ratelimit implements fixed-window request budgets on Redis counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps Redis failures so callers can decide to fail open.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Limiter allows at most limit hits per key inside each window.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func New(client redis.UniversalClient, prefix string, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{redis: client, prefix: prefix, limit: limit, window: window}
}

// Allow counts one hit against key and reports whether it is within budget.
// The window starts at the first hit. INCR and EXPIRE NX go out in one
// MULTI/EXEC so a counter never outlives its window, and a key left without
// a TTL gets one on the next hit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.prefix + key
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return incr.Val() <= int64(l.limit), nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
