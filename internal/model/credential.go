package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-ai/agentmesh/internal/capability"
)

// CredentialStatus represents the lifecycle state of a bearer credential.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRotated CredentialStatus = "rotated"
	CredentialRevoked CredentialStatus = "revoked"
)

// Valid reports whether s is a known credential status.
func (s CredentialStatus) Valid() bool {
	switch s {
	case CredentialActive, CredentialRotated, CredentialRevoked:
		return true
	}
	return false
}

// Credential is an ephemeral bearer credential scoped to capabilities and
// optionally to specific resources. The Token field carries the opaque
// bearer string and is only populated on issue and rotation responses.
type Credential struct {
	CredentialID uuid.UUID        `json:"credential_id"`
	AgentDID     string           `json:"agent_did"`
	Capabilities capability.Set   `json:"capabilities"`
	ResourceIDs  []string         `json:"resource_ids,omitempty"`
	IssuedAt     time.Time        `json:"issued_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	Status       CredentialStatus `json:"status"`
	IssuedFor    string           `json:"issued_for,omitempty"`
	RotatedFrom  *uuid.UUID       `json:"rotated_from,omitempty"`
	RotatedTo    *uuid.UUID       `json:"rotated_to,omitempty"`
	RevokeReason string           `json:"revoke_reason,omitempty"`
	Token        string           `json:"token,omitempty"`
}

// ValidAt reports whether the credential itself is live at now. Rotated
// predecessors stay valid through their original expiry; agent-level
// revocation is checked separately by the credential manager.
func (c *Credential) ValidAt(now time.Time) bool {
	if c.Status != CredentialActive && c.Status != CredentialRotated {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// Covers reports whether the credential's scope grants the requested
// capability against the given resource. An empty ResourceIDs list means the
// credential is not resource-restricted.
func (c *Credential) Covers(cap capability.Token, resourceID string) bool {
	if !c.Capabilities.Grants(cap) {
		return false
	}
	if len(c.ResourceIDs) == 0 || resourceID == "" {
		return len(c.ResourceIDs) == 0
	}
	for _, id := range c.ResourceIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}
