package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps any Redis failure.
var ErrRedisUnavailable = errors.New("ratelimit: redis unavailable")

// Config holds login limiter tuning parameters.
type Config struct {
	MaxAttempts int
	Window      time.Duration
	Prefix      string
}

// LoginLimiter counts failed logins per identifier in fixed windows stored in Redis.
type LoginLimiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a LoginLimiter backed by client.
func New(client redis.UniversalClient, cfg Config) *LoginLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "videotube:login"
	}
	return &LoginLimiter{redis: client, config: cfg}
}

// Allow reports whether key is still within its failure budget.
func (l *LoginLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count < int64(l.config.MaxAttempts), nil
}

// Fail records one failed attempt. The window starts at the first failure and
// later failures do not extend it.
func (l *LoginLimiter) Fail(ctx context.Context, key string) error {
	k := l.key(key)
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.config.Window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Reset clears the counter after a successful login.
func (l *LoginLimiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RetryAfter returns how long key stays locked, or 0.
func (l *LoginLimiter) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.redis.TTL(ctx, l.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *LoginLimiter) key(identifier string) string {
	return l.config.Prefix + ":" + strings.ToLower(strings.TrimSpace(identifier))
}
