// Package ratelimit provides a pluggable rate limiting interface for the
// control plane.
//
// Single-node deployments use the in-memory token bucket (MemoryLimiter).
// Multi-node meshes sharing a Redis backend can substitute RedisLimiter for
// cross-instance coordination — the Limiter interface is the contract.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (client IP, key ID, agent DID). An error signals
	// a limiter malfunction and callers treat it as fail-open rather than
	// blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
