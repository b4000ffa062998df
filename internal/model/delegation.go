package model

import (
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/capability"
)

// DelegationLink is one signed step in a delegation chain. The signature is
// the delegator's Ed25519 signature (base64, raw 64 bytes) over the
// canonical serialization of the link with an empty signature field.
type DelegationLink struct {
	DelegatorDID     string         `json:"delegator_did"`
	DelegateeDID     string         `json:"delegatee_did"`
	Capabilities     capability.Set `json:"capabilities"`
	PreviousLinkHash string         `json:"previous_link_hash"`
	Signature        string         `json:"signature"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the link carries an expiry in the past.
func (l *DelegationLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// DelegationChain is the ordered, hash-linked list of delegations rooted at
// a human sponsor. Links are append-only; existing links are never edited.
type DelegationChain struct {
	ChainID      string           `json:"chain_id"`
	SponsorEmail string           `json:"sponsor_email"`
	Links        []DelegationLink `json:"links"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Leaf returns the last link, or nil for an empty chain.
func (c *DelegationChain) Leaf() *DelegationLink {
	if len(c.Links) == 0 {
		return nil
	}
	return &c.Links[len(c.Links)-1]
}

// EffectiveCapabilities returns the capability set the chain actually
// conveys. Under the narrowing invariant this is the leaf's set; an empty
// chain conveys nothing.
func (c *DelegationChain) EffectiveCapabilities() capability.Set {
	leaf := c.Leaf()
	if leaf == nil {
		return nil
	}
	return leaf.Capabilities
}

// CapabilityTrace is one link's contribution when tracing how a capability
// flows through a chain.
type CapabilityTrace struct {
	LinkIndex    int       `json:"link_index"`
	DelegatorDID string    `json:"delegator_did"`
	DelegateeDID string    `json:"delegatee_did"`
	Granted      bool      `json:"granted"`
	Via          string    `json:"via,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
