package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateAPIKeyRequest is the request body for POST /v1/keys.
type CreateAPIKeyRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// CreateAPIKeyResponse is the response for POST /v1/keys. Secret is shown
// exactly once.
type CreateAPIKeyResponse struct {
	KeyID  string `json:"key_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Secret string `json:"secret"`
}

// RegisterAgentRequest is the request body for POST /v1/agents.
// PublicKey is the base64url-encoded Ed25519 public key.
type RegisterAgentRequest struct {
	Name         string     `json:"name"`
	PublicKey    string     `json:"public_key"`
	SponsorEmail string     `json:"sponsor_email"`
	Capabilities []string   `json:"capabilities,omitempty"`
	ParentDID    *string    `json:"parent_did,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ReasonRequest carries the operator-supplied reason for revocations and
// suspensions.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// EnrollSponsorRequest is the request body for POST /v1/sponsors.
type EnrollSponsorRequest struct {
	Email               string   `json:"email"`
	Name                string   `json:"name"`
	Organization        string   `json:"organization,omitempty"`
	AllowedCapabilities []string `json:"allowed_capabilities,omitempty"`
	MaxAgents           int      `json:"max_agents,omitempty"`
}

// VerifySponsorRequest is the request body for POST /v1/sponsors/{email}/verify.
type VerifySponsorRequest struct {
	Method string `json:"method"`
}

// IssueCredentialRequest is the request body for POST /v1/credentials.
type IssueCredentialRequest struct {
	AgentDID     string   `json:"agent_did"`
	Capabilities []string `json:"capabilities"`
	ResourceIDs  []string `json:"resource_ids,omitempty"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty"`
	IssuedFor    string   `json:"issued_for,omitempty"`
}

// ValidateCredentialRequest is the request body for POST /v1/credentials/validate.
type ValidateCredentialRequest struct {
	Token string `json:"token"`
}

// AddDelegationRequest is the request body for POST /v1/delegations.
type AddDelegationRequest struct {
	ChainID      string     `json:"chain_id,omitempty"`
	DelegatorDID string     `json:"delegator_did"`
	DelegateeDID string     `json:"delegatee_did"`
	Capabilities []string   `json:"capabilities"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// InitiateHandshakeRequest is the request body for POST /v1/handshakes.
type InitiateHandshakeRequest struct {
	CallerDID string `json:"caller_did"`
	PeerDID   string `json:"peer_did"`
	Protocol  string `json:"protocol,omitempty"`
}

// VerifyHandshakeRequest is the request body for POST /v1/handshakes/verify.
type VerifyHandshakeRequest struct {
	CallerDID    string             `json:"caller_did"`
	Response     *HandshakeResponse `json:"response"`
	MinScore     int                `json:"min_score,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
}

// EvaluatePolicyRequest is the request body for POST /v1/policy/evaluate.
type EvaluatePolicyRequest struct {
	AgentDID string        `json:"agent_did"`
	Context  PolicyContext `json:"context"`
}

// UpdateWeightsRequest is the request body for PUT /v1/trust/weights.
type UpdateWeightsRequest struct {
	Weights map[Dimension]float64 `json:"weights"`
}

// AcknowledgeIntegrityRequest is the request body for
// POST /v1/audit/integrity/acknowledge.
type AcknowledgeIntegrityRequest struct {
	Operator string `json:"operator"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Backend   string `json:"backend"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
