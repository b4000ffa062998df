// Package storage provides the persistence layer for the mesh.
//
// Every stateful package (identity, credentials, delegation, audit, trust
// scoring, the bridge queues) talks to a single Backend interface modeled on
// a small Redis-flavored command set: flat keys with optional TTL, hashes,
// lists, sorted sets, counters, prefix scans, and a batched apply. Three
// implementations exist: an in-process memory backend for tests and
// single-node deployments, a Redis backend for shared deployments, and a SQL
// backend (PostgreSQL or embedded SQLite) for durable single-writer setups.
package storage

import (
	"context"
	"time"
)

// Backend is the storage contract the mesh runs on.
//
// Semantics follow Redis where the two overlap:
//
//   - Get and HGet return ErrNotFound for missing keys or fields.
//   - HGetAll on a missing key returns an empty map, not an error.
//   - LRange and LTrim support negative indices counting from the tail; both
//     bounds are inclusive. A missing list reads as empty, and LTrim with an
//     empty window deletes the list.
//   - Incr and Decr treat a missing counter as zero.
//   - ZRangeByScore returns members ordered by score ascending, ties broken
//     by member.
//   - Scan returns every live key with the given prefix in lexicographic
//     order, across all value kinds.
//
// A ttl of zero or less on Set means the key does not expire.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	LPush(ctx context.Context, key string, values ...[]byte) error
	RPush(ctx context.Context, key string, values ...[]byte) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZRem(ctx context.Context, key string, members ...string) error

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	Scan(ctx context.Context, prefix string) ([]string, error)

	// Apply executes a sequence of write operations as a unit. The Redis
	// backend uses a MULTI/EXEC pipeline and the SQL backend a transaction;
	// the memory backend holds its lock across the batch.
	Apply(ctx context.Context, ops []Op) error

	Ping(ctx context.Context) error
	Close() error
}

// ScoredMember is one sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// OpKind selects the write performed by a batched Op.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpHSet
	OpHDel
	OpRPush
	OpZAdd
	OpZRem
)

// Op is a single write in an Apply batch. Fields beyond Kind and Key are
// read per kind: Value and TTL for OpSet, Field and Value for OpHSet, Field
// for OpHDel, Value for OpRPush, Score and Member for OpZAdd, Member for
// OpZRem.
type Op struct {
	Kind   OpKind
	Key    string
	Field  string
	Value  []byte
	TTL    time.Duration
	Score  float64
	Member string
}

// normalizeRange converts a Redis-style inclusive (start, stop) pair, where
// negative indices count from the tail, into clamped zero-based inclusive
// bounds over a collection of length n. ok is false when the window is empty.
func normalizeRange(start, stop, n int64) (lo, hi int64, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}
