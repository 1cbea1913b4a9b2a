package ratelimit

import (
	"context"
	"fmt"
	"time"

	"unithost/internal/common/cache"
	pkgerrors "unithost/pkg/errors"
)

const defaultRedisTimeout = 200 * time.Millisecond

// RedisLimiter enforces fixed-window limits using Redis counters.
type RedisLimiter struct {
	cache        cache.BasicOps
	window       time.Duration
	redisTimeout time.Duration
}

func NewRedisLimiter(c cache.BasicOps, window, redisTimeout time.Duration) *RedisLimiter {
	if redisTimeout <= 0 {
		redisTimeout = defaultRedisTimeout
	}
	return &RedisLimiter{cache: c, window: window, redisTimeout: redisTimeout}
}

// Allow counts one hit on key and fails with TooManyRequests once max is exceeded
// inside the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if max <= 0 {
		return nil
	}
	if l.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if window <= 0 {
		window = l.window
	}

	ctx, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	count, err := l.cache.Incr(ctx, key)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
	}
	if count == 1 {
		if err := l.cache.Expire(ctx, key, window); err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
		}
	}
	if count > int64(max) {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}
