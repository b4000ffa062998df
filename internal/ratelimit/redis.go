package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed window counter in Redis so
// that every node of a mesh enforces one shared budget per key.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter allowing limit requests per window per
// key. The prefix namespaces counters so independent surfaces (auth, API)
// can share one Redis.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
		logger: logger,
	}
}

// Allow increments the current window's counter for key. The counter key
// embeds the window number, so stale windows expire on their own.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowID := time.Now().UnixNano() / int64(l.window)
	counter := fmt.Sprintf("ratelimit:%s:%s:%d", l.prefix, key, windowID)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counter)
	pipe.Expire(ctx, counter, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("ratelimit: redis counter failed, failing open", "error", err)
		return true, err
	}
	return incr.Val() <= l.limit, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }
