package agentmesh

import (
	"context"
	"crypto/ed25519"
)

// EventHook receives async notifications when mesh lifecycle events occur.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines — they must not block indefinitely.
// Failures are logged but never fail the originating operation.
type EventHook interface {
	OnAgentRevoked(ctx context.Context, ev RevocationEvent) error
	OnScoreWarning(ctx context.Context, ev ScoreEvent) error
	OnPolicyViolation(ctx context.Context, ev ViolationEvent) error
}

// ProtocolAdapter is a pluggable transport for the protocol bridge.
// Implementations verify who is on the other end, deliver messages, and
// declare which protocol names they speak. Registered adapters are
// installed alongside the built-in loopback adapter; when two adapters
// claim the same protocol, the last registered wins.
type ProtocolAdapter interface {
	Name() string
	Protocols() []string
	VerifyPeerIdentity(ctx context.Context, peer Peer) error
	Send(ctx context.Context, peer Peer, msg PeerMessage) (PeerResponse, error)
}

// KeyStore holds agent signing keys. When provided via WithKeyStore it
// replaces the default in-memory store, so key custody can move to an HSM
// or remote KMS without forking the module. The interface takes a context
// because hardware-backed operations may block.
type KeyStore interface {
	Generate(ctx context.Context, agentID string) (ed25519.PublicKey, error)
	Sign(ctx context.Context, agentID string, data []byte) ([]byte, error)
	PublicKey(ctx context.Context, agentID string) (ed25519.PublicKey, error)
	Delete(ctx context.Context, agentID string) error
}
