package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-ai/agentmesh/internal/capability"
)

// HandshakeChallenge is the first phase of the trust handshake. Nonce is at
// least 16 random bytes; the challenge expires by absolute timestamp.
type HandshakeChallenge struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	Nonce       []byte    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Protocol    string    `json:"protocol"`
}

// Expired reports whether the challenge's absolute deadline passed.
func (c *HandshakeChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// HandshakeResponse is the peer's answer: an Ed25519 signature over
// nonce || responder_did || timestamp (RFC 3339), plus declared capabilities
// and a declared trust score. The declared score is an unverified hint; the
// verifier always re-fetches the authoritative score.
type HandshakeResponse struct {
	ChallengeID  uuid.UUID         `json:"challenge_id"`
	ResponderDID string            `json:"responder_did"`
	Signature    string            `json:"signature"`
	Timestamp    time.Time         `json:"timestamp"`
	Capabilities capability.Set    `json:"capabilities"`
	TrustScore   int               `json:"trust_score"`
	UserContext  map[string]string `json:"user_context,omitempty"`
}

// SignedPayload assembles the exact bytes the responder signs.
func (r *HandshakeResponse) SignedPayload(nonce []byte) []byte {
	ts := r.Timestamp.UTC().Format(time.RFC3339)
	out := make([]byte, 0, len(nonce)+len(r.ResponderDID)+len(ts))
	out = append(out, nonce...)
	out = append(out, r.ResponderDID...)
	out = append(out, ts...)
	return out
}

// FailureReason classifies a failed handshake.
type FailureReason string

const (
	FailureChallengeExpired        FailureReason = "challenge_expired"
	FailureBadSignature            FailureReason = "bad_signature"
	FailurePeerRevoked             FailureReason = "peer_revoked"
	FailurePeerUnknown             FailureReason = "peer_unknown"
	FailureTrustBelowThreshold     FailureReason = "trust_below_threshold"
	FailureCapabilityInsufficient  FailureReason = "capability_insufficient"
	FailurePeerProtocolUnsupported FailureReason = "peer_protocol_unsupported"
)

// HandshakeResult is the verifier's verdict for a peer.
type HandshakeResult struct {
	PeerDID       string         `json:"peer_did"`
	Trusted       bool           `json:"trusted"`
	TrustScore    int            `json:"trust_score"`
	Capabilities  capability.Set `json:"capabilities,omitempty"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	CachedUntil   *time.Time     `json:"cached_until,omitempty"`
}
