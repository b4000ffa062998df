package storage_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/migrations"
)

// runBackendTests exercises the full Backend contract against one
// implementation. Every backend must pass the same suite.
func runBackendTests(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("flat keys", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "t:flat:a", []byte("one"), 0))

		v, err := b.Get(ctx, "t:flat:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)

		ok, err := b.Exists(ctx, "t:flat:a")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, b.Delete(ctx, "t:flat:a"))
		_, err = b.Get(ctx, "t:flat:a")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		ok, err = b.Exists(ctx, "t:flat:a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "t:ttl:a", []byte("soon"), 80*time.Millisecond))

		_, err := b.Get(ctx, "t:ttl:a")
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)
		_, err = b.Get(ctx, "t:ttl:a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("hashes", func(t *testing.T) {
		require.NoError(t, b.HSet(ctx, "t:hash:a", "f1", []byte("v1")))
		require.NoError(t, b.HSet(ctx, "t:hash:a", "f2", []byte("v2")))
		require.NoError(t, b.HSet(ctx, "t:hash:a", "f1", []byte("v1b")))

		v, err := b.HGet(ctx, "t:hash:a", "f1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1b"), v)

		_, err = b.HGet(ctx, "t:hash:a", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		all, err := b.HGetAll(ctx, "t:hash:a")
		require.NoError(t, err)
		assert.Len(t, all, 2)
		assert.Equal(t, []byte("v2"), all["f2"])

		require.NoError(t, b.HDel(ctx, "t:hash:a", "f1", "f2"))
		all, err = b.HGetAll(ctx, "t:hash:a")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("lists", func(t *testing.T) {
		require.NoError(t, b.RPush(ctx, "t:list:a", []byte("1"), []byte("2"), []byte("3")))
		require.NoError(t, b.LPush(ctx, "t:list:a", []byte("0")))

		n, err := b.LLen(ctx, "t:list:a")
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		all, err := b.LRange(ctx, "t:list:a", 0, -1)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []byte("0"), all[0])
		assert.Equal(t, []byte("3"), all[3])

		tail, err := b.LRange(ctx, "t:list:a", -2, -1)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, []byte("2"), tail[0])
		assert.Equal(t, []byte("3"), tail[1])

		empty, err := b.LRange(ctx, "t:list:missing", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, empty)

		require.NoError(t, b.LTrim(ctx, "t:list:a", 1, -1))
		all, err = b.LRange(ctx, "t:list:a", 0, -1)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []byte("1"), all[0])

		require.NoError(t, b.LTrim(ctx, "t:list:a", 5, 9))
		n, err = b.LLen(ctx, "t:list:a")
		require.NoError(t, err)
		assert.Zero(t, n, "trim to an empty window drops the list")
	})

	t.Run("sorted sets", func(t *testing.T) {
		require.NoError(t, b.ZAdd(ctx, "t:zset:a", 700, "high"))
		require.NoError(t, b.ZAdd(ctx, "t:zset:a", 200, "low"))
		require.NoError(t, b.ZAdd(ctx, "t:zset:a", 450, "mid"))
		require.NoError(t, b.ZAdd(ctx, "t:zset:a", 480, "mid")) // rescore

		members, err := b.ZRangeByScore(ctx, "t:zset:a", 0, 1000)
		require.NoError(t, err)
		require.Len(t, members, 3)
		assert.Equal(t, "low", members[0].Member)
		assert.Equal(t, "mid", members[1].Member)
		assert.InDelta(t, 480, members[1].Score, 0.001)
		assert.Equal(t, "high", members[2].Member)

		band, err := b.ZRangeByScore(ctx, "t:zset:a", 300, 500)
		require.NoError(t, err)
		require.Len(t, band, 1)
		assert.Equal(t, "mid", band[0].Member)

		require.NoError(t, b.ZRem(ctx, "t:zset:a", "mid"))
		members, err = b.ZRangeByScore(ctx, "t:zset:a", 0, 1000)
		require.NoError(t, err)
		assert.Len(t, members, 2)
	})

	t.Run("counters", func(t *testing.T) {
		n, err := b.Incr(ctx, "t:ctr:a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = b.Incr(ctx, "t:ctr:a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = b.Decr(ctx, "t:ctr:a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// Counters live in the flat keyspace.
		v, err := b.Get(ctx, "t:ctr:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
	})

	t.Run("scan", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "t:scan:kv", []byte("x"), 0))
		require.NoError(t, b.HSet(ctx, "t:scan:hash", "f", []byte("x")))
		require.NoError(t, b.RPush(ctx, "t:scan:list", []byte("x")))
		require.NoError(t, b.ZAdd(ctx, "t:scan:zset", 1, "m"))
		require.NoError(t, b.Set(ctx, "t:other", []byte("x"), 0))

		keys, err := b.Scan(ctx, "t:scan:")
		require.NoError(t, err)
		assert.Equal(t, []string{"t:scan:hash", "t:scan:kv", "t:scan:list", "t:scan:zset"}, keys)
	})

	t.Run("apply batch", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "t:batch:gone", []byte("x"), 0))

		err := b.Apply(ctx, []storage.Op{
			{Kind: storage.OpSet, Key: "t:batch:kv", Value: []byte("v")},
			{Kind: storage.OpDelete, Key: "t:batch:gone"},
			{Kind: storage.OpHSet, Key: "t:batch:hash", Field: "f", Value: []byte("hv")},
			{Kind: storage.OpRPush, Key: "t:batch:list", Value: []byte("lv")},
			{Kind: storage.OpZAdd, Key: "t:batch:zset", Score: 42, Member: "m"},
		})
		require.NoError(t, err)

		v, err := b.Get(ctx, "t:batch:kv")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		_, err = b.Get(ctx, "t:batch:gone")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		hv, err := b.HGet(ctx, "t:batch:hash", "f")
		require.NoError(t, err)
		assert.Equal(t, []byte("hv"), hv)

		n, err := b.LLen(ctx, "t:batch:list")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		members, err := b.ZRangeByScore(ctx, "t:batch:zset", 0, 100)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, "m", members[0].Member)
	})

	require.NoError(t, b.Ping(ctx))
}

func TestMemoryBackend(t *testing.T) {
	b := storage.NewMemory()
	defer b.Close()
	runBackendTests(t, b)
}

func TestMemoryBackendClosed(t *testing.T) {
	b := storage.NewMemory()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close()) // idempotent

	_, err := b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, b.Ping(context.Background()), storage.ErrClosed)
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	b, err := storage.NewSQL(ctx, ":memory:", 10, 30*time.Second, logger)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, storage.DialectSQLite, b.Dialect())

	fsys, err := migrations.ForDialect(b.Dialect())
	require.NoError(t, err)
	require.NoError(t, b.Migrate(ctx, fsys))

	// Re-running is a no-op.
	require.NoError(t, b.Migrate(ctx, fsys))

	runBackendTests(t, b)
}

func TestRedisBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	b, err := storage.NewRedis(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()), 10, 30*time.Second, logger)
	require.NoError(t, err)
	defer b.Close()

	runBackendTests(t, b)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := storage.WithRetry(ctx, 2, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky: %w", storage.ErrUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryGivesUpOnPermanentErrors(t *testing.T) {
	ctx := context.Background()

	permanent := errors.New("bad request")
	attempts := 0
	err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}
