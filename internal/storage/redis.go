package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on a Redis server. It is the recommended
// backend when several mesh nodes share one trust plane: TTLs, counters, and
// sorted sets map directly onto native commands.
type RedisBackend struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the Redis server at url (redis:// or rediss://) and
// verifies the connection with a ping. poolSize caps the connection pool and
// connectTimeout bounds both dialing and the startup ping; zero values keep
// the client defaults.
func NewRedis(ctx context.Context, url string, poolSize int, connectTimeout time.Duration, logger *slog.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	if connectTimeout > 0 {
		opts.DialTimeout = connectTimeout
	}
	client := redis.NewClient(opts)

	pingCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: ping redis: %w", errors.Join(ErrUnavailable, err))
	}
	return &RedisBackend{client: client, logger: logger}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return v, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("storage: exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisBackend) HGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := r.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: hget %q %q: %w", key, field, err)
	}
	return v, nil
}

func (r *RedisBackend) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("storage: hset %q %q: %w", key, field, err)
	}
	return nil
}

func (r *RedisBackend) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("storage: hdel %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: hgetall %q: %w", key, err)
	}
	out := make(map[string][]byte, len(m))
	for f, v := range m {
		out[f] = []byte(v)
	}
	return out, nil
}

func (r *RedisBackend) LPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	if err := r.client.LPush(ctx, key, byteArgs(values)...).Err(); err != nil {
		return fmt.Errorf("storage: lpush %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) RPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	if err := r.client.RPush(ctx, key, byteArgs(values)...).Err(); err != nil {
		return fmt.Errorf("storage: rpush %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: lrange %q: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisBackend) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: llen %q: %w", key, err)
	}
	return n, nil
}

func (r *RedisBackend) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("storage: ltrim %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("storage: zadd %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: zrangebyscore %q: %w", key, err)
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (r *RedisBackend) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("storage: zrem %q: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: incr %q: %w", key, err)
	}
	return n, nil
}

func (r *RedisBackend) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: decr %q: %w", key, err)
	}
	return n, nil
}

func (r *RedisBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: scan %q: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisBackend) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			ttl := op.TTL
			if ttl < 0 {
				ttl = 0
			}
			pipe.Set(ctx, op.Key, op.Value, ttl)
		case OpDelete:
			pipe.Del(ctx, op.Key)
		case OpHSet:
			pipe.HSet(ctx, op.Key, op.Field, op.Value)
		case OpHDel:
			pipe.HDel(ctx, op.Key, op.Field)
		case OpRPush:
			pipe.RPush(ctx, op.Key, op.Value)
		case OpZAdd:
			pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: op.Member})
		case OpZRem:
			pipe.ZRem(ctx, op.Key, op.Member)
		default:
			return fmt.Errorf("storage: unknown batch op kind %d", op.Kind)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage: apply batch: %w", err)
	}
	return nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("storage: ping: %w", errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func byteArgs(values [][]byte) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// formatScore renders a score bound for ZRANGEBYSCORE, using inf notation
// for the infinities.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
