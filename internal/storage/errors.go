package storage

import "errors"

// ErrNotFound is returned when a requested key, field, or member does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUnavailable is returned when the backend cannot be reached. Callers that
// can degrade (revocation checks, handshake caches) match on this to fail
// closed instead of surfacing a raw driver error.
var ErrUnavailable = errors.New("storage: backend unavailable")

// ErrClosed is returned from operations issued after Close.
var ErrClosed = errors.New("storage: backend closed")
