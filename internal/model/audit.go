package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit event types recorded by the core. Stored short; the external export
// prefixes the event domain (see EventTypePrefix).
const (
	EventAgentRegistered   = "agent.registered"
	EventAgentVerified     = "agent.verified"
	EventAgentRevoked      = "agent.revoked"
	EventAgentSuspended    = "agent.suspended"
	EventAgentReactivated  = "agent.reactivated"
	EventAgentExpired      = "agent.expired"
	EventCredentialIssued  = "credential.issued"
	EventCredentialRotated = "credential.rotated"
	EventCredentialRevoked = "credential.revoked"
	EventDelegationCreated = "delegation.created"
	EventPolicyEvaluation  = "policy.evaluation"
	EventPolicyViolation   = "policy.violation"
	EventPolicyLoaded      = "policy.loaded"
	EventPolicyMalformed   = "policy.malformed"
	EventToolInvoked       = "tool.invoked"
	EventToolBlocked       = "tool.blocked"
	EventTrustHandshake    = "trust.handshake"
	EventPeerTrustRevoked  = "trust.peer_revoked"
	EventMessageSent       = "bridge.message.sent"
	EventMessageBlocked    = "bridge.message.blocked"
	EventScoreUpdated      = "trust.score.updated"
	EventIntegrityVerified = "audit.integrity.verified"
	EventIntegrityBroken   = "audit.integrity.broken"
	EventIntegrityAcked    = "audit.integrity.acknowledged"
	EventAutoRevocation    = "reward.auto_revocation"
	EventWeightsUpdated    = "reward.weights_updated"
	EventShadowDivergence  = "policy.shadow.divergence"
	EventComplianceReport  = "compliance.report"
)

// EventTypePrefix is prepended to short event types on external export.
const EventTypePrefix = "ai.agentmesh."

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomeWarning = "warning"
)

// AuditEntry is one element of the hash-chained audit log. Hash covers the
// predecessor's hash plus the canonical serialization of every other field;
// mutating any field after append breaks verification.
type AuditEntry struct {
	EntryID      uuid.UUID      `json:"entry_id"`
	Seq          uint64         `json:"seq"`
	EventType    string         `json:"event_type"`
	AgentDID     string         `json:"agent_did"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Outcome      string         `json:"outcome"`
	Timestamp    time.Time      `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// AuditFilter selects entries for query and export.
type AuditFilter struct {
	EventType string     `json:"event_type,omitempty"`
	AgentDID  string     `json:"agent_did,omitempty"`
	Action    string     `json:"action,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

// Matches reports whether e passes the filter.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.AgentDID != "" && e.AgentDID != f.AgentDID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && !e.Timestamp.Before(*f.End) {
		return false
	}
	return true
}

// ExternalEvent is the CloudEvents 1.0 envelope for exported audit entries.
type ExternalEvent struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Time            time.Time      `json:"time"`
	Subject         string         `json:"subject,omitempty"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}
