package agentmesh

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is an API key's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReader   Role = "reader"
)

// Peer identifies a remote agent a protocol adapter can reach. It is a
// curated view of the bridge's internal peer record with no internal
// imports — safe to use from outside the module.
type Peer struct {
	DID      string
	Endpoint string
	Protocol string
	Metadata map[string]string
}

// PeerMessage is the protocol-neutral envelope handed to a protocol
// adapter for delivery. Payload bytes are opaque to the mesh.
type PeerMessage struct {
	ID       uuid.UUID
	Type     string
	Payload  json.RawMessage
	Protocol string
	Headers  map[string]string
	SentAt   time.Time
}

// PeerResponse is the peer's answer to a delivered message.
type PeerResponse struct {
	Payload json.RawMessage
	Headers map[string]string
}

// RevocationEvent reports that an agent's identity was revoked, either by
// an operator or automatically when its trust score fell below the floor.
type RevocationEvent struct {
	DID    string
	Reason string
	At     time.Time
}

// ScoreEvent reports a trust score crossing the warning threshold.
type ScoreEvent struct {
	DID   string
	Score int
	At    time.Time
}

// ViolationEvent reports a policy denial recorded against an agent.
type ViolationEvent struct {
	DID    string
	Reason string
	At     time.Time
}
