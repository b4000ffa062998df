package model

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/capability"
)

// DIDPrefix is the only DID method the mesh recognizes.
const DIDPrefix = "did:mesh:"

// AgentStatus represents the lifecycle state of an agent identity.
type AgentStatus string

const (
	StatusActive    AgentStatus = "active"
	StatusSuspended AgentStatus = "suspended"
	StatusRevoked   AgentStatus = "revoked"
	StatusExpired   AgentStatus = "expired"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// AgentIdentity is the registered identity record for a mesh agent.
type AgentIdentity struct {
	DID          string            `json:"did"`
	Name         string            `json:"name"`
	PublicKey    ed25519.PublicKey `json:"public_key"`
	SponsorEmail string            `json:"sponsor_email"`
	Capabilities capability.Set    `json:"capabilities"`
	Status       AgentStatus       `json:"status"`
	ParentDID    *string           `json:"parent_did,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	RevokedAt    *time.Time        `json:"revoked_at,omitempty"`
	RevokeReason string            `json:"revoke_reason,omitempty"`
	Extensions   map[string][]byte `json:"extensions,omitempty"`
}

// Usable reports whether the identity may be used for any operation:
// status active and not past its expiry.
func (a *AgentIdentity) Usable(now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return false
	}
	return true
}

// DeriveDID computes the DID for a public key:
// "did:mesh:" + hex(SHA-256(public_key)). The derivation is deterministic,
// so identical keys collide by construction.
func DeriveDID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return DIDPrefix + hex.EncodeToString(sum[:])
}

// ValidateDID checks the "did:mesh:" + 64 lowercase hex form.
func ValidateDID(did string) error {
	if len(did) != len(DIDPrefix)+64 {
		return fmt.Errorf("did must be %q followed by 64 hex characters", DIDPrefix)
	}
	if did[:len(DIDPrefix)] != DIDPrefix {
		return fmt.Errorf("did must start with %q", DIDPrefix)
	}
	for i := len(DIDPrefix); i < len(did); i++ {
		c := did[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("did contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateAgentName checks the human-facing agent name: 1-255 ASCII
// characters, alphanumeric plus dots, hyphens, underscores.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("name must be at most 255 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
