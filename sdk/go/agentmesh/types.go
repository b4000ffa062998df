package agentmesh

import (
	"time"

	"github.com/google/uuid"
)

// Agent is the registered identity record for a mesh agent.
// Capabilities use the dotted token grammar ("files.read", "net.*").
type Agent struct {
	DID          string     `json:"did"`
	Name         string     `json:"name"`
	PublicKey    []byte     `json:"public_key"`
	SponsorEmail string     `json:"sponsor_email"`
	Capabilities []string   `json:"capabilities"`
	Status       string     `json:"status"`
	ParentDID    *string    `json:"parent_did,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// Sponsor is the human accountable for a set of agents.
type Sponsor struct {
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	Organization        string    `json:"organization,omitempty"`
	Verified            bool      `json:"verified"`
	AllowedCapabilities []string  `json:"allowed_capabilities,omitempty"`
	MaxAgents           int       `json:"max_agents"`
	CreatedAt           time.Time `json:"created_at"`
}

// Credential is an ephemeral bearer credential scoped to capabilities.
// Token is only populated on issue and rotation responses.
type Credential struct {
	CredentialID uuid.UUID  `json:"credential_id"`
	AgentDID     string     `json:"agent_did"`
	Capabilities []string   `json:"capabilities"`
	ResourceIDs  []string   `json:"resource_ids,omitempty"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       string     `json:"status"`
	IssuedFor    string     `json:"issued_for,omitempty"`
	RotatedFrom  *uuid.UUID `json:"rotated_from,omitempty"`
	RotatedTo    *uuid.UUID `json:"rotated_to,omitempty"`
	Token        string     `json:"token,omitempty"`
}

// DelegationLink is one signed link in a delegation chain.
type DelegationLink struct {
	DelegatorDID     string     `json:"delegator_did"`
	DelegateeDID     string     `json:"delegatee_did"`
	Capabilities     []string   `json:"capabilities"`
	PreviousLinkHash string     `json:"previous_link_hash"`
	Signature        string     `json:"signature"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// DelegationChain is the ordered, hash-linked list of delegations rooted
// at a human sponsor.
type DelegationChain struct {
	ChainID      string           `json:"chain_id"`
	SponsorEmail string           `json:"sponsor_email"`
	Links        []DelegationLink `json:"links"`
	CreatedAt    time.Time        `json:"created_at"`
}

// TrustScore is the composite scoring record for one agent.
type TrustScore struct {
	AgentDID      string                    `json:"agent_did"`
	TotalScore    int                       `json:"total_score"`
	Tier          string                    `json:"tier"`
	Dimensions    map[string]DimensionState `json:"dimensions"`
	CalculatedAt  time.Time                 `json:"calculated_at"`
	PreviousScore int                       `json:"previous_score"`
}

// DimensionState is one behavioral dimension's running state.
type DimensionState struct {
	Score         float64   `json:"score"`
	SignalCount   int       `json:"signal_count"`
	PositiveCount int       `json:"positive_count"`
	NegativeCount int       `json:"negative_count"`
	Trend         string    `json:"trend"`
	LastSignalAt  time.Time `json:"last_signal_at,omitzero"`
}

// RewardSignal is one observed behavior sample feeding a dimension.
// Dimension is one of: task_completion, policy_compliance, peer_feedback,
// resource_efficiency, security_posture. Value is normalized to [0,1].
type RewardSignal struct {
	Dimension string            `json:"dimension"`
	Value     float64           `json:"value"`
	Source    string            `json:"source"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Weight    float64           `json:"weight,omitempty"`
}

// ScoreExplanation is the explainability view of an agent's trust state.
type ScoreExplanation struct {
	AgentDID      string                 `json:"agent_did"`
	TotalScore    int                    `json:"total_score"`
	Tier          string                 `json:"tier"`
	Dimensions    []DimensionExplanation `json:"dimensions"`
	RecentSignals []RewardSignal         `json:"recent_signals"`
	Revoked       bool                   `json:"revoked"`
	CalculatedAt  time.Time              `json:"calculated_at"`
}

// DimensionExplanation is one dimension's contribution to the composite.
type DimensionExplanation struct {
	Dimension    string  `json:"dimension"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	SignalCount  int     `json:"signal_count"`
	Trend        string  `json:"trend"`
}

// ActionContext describes the proposed operation for policy evaluation.
type ActionContext struct {
	Type     string            `json:"type"`
	Tool     string            `json:"tool,omitempty"`
	Path     string            `json:"path,omitempty"`
	ArgsHash string            `json:"args_hash,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
}

// DataContext carries classification flags about the data being touched.
type DataContext struct {
	ContainsPII    bool              `json:"contains_pii"`
	Encrypted      bool              `json:"encrypted"`
	Classification string            `json:"classification,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// PolicyContext is the evaluation input for EvaluatePolicy. The agent's
// trust score and capabilities are filled in server-side.
type PolicyContext struct {
	Action      ActionContext     `json:"action"`
	Resource    string            `json:"resource,omitempty"`
	Data        DataContext       `json:"data"`
	UserContext map[string]string `json:"user_context,omitempty"`
}

// MatchedRule records one rule that matched during evaluation.
type MatchedRule struct {
	Policy  string `json:"policy"`
	Rule    string `json:"rule"`
	Verdict string `json:"verdict"`
}

// PolicyDecision is the engine's verdict for one request. Verdict is one
// of: allow, deny, require_approval, audit_only.
type PolicyDecision struct {
	Allowed     bool          `json:"allowed"`
	Verdict     string        `json:"verdict"`
	PolicyName  string        `json:"policy,omitempty"`
	RuleName    string        `json:"rule,omitempty"`
	Reason      string        `json:"reason"`
	Matched     []MatchedRule `json:"matched,omitempty"`
	RateLimited bool          `json:"rate_limited,omitempty"`
	Approvers   []string      `json:"approvers,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// HandshakeChallenge is the first phase of the trust handshake.
type HandshakeChallenge struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	Nonce       []byte    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Protocol    string    `json:"protocol"`
}

// HandshakeResponse is the responder's answer: an Ed25519 signature over
// nonce || responder_did || timestamp (RFC 3339).
type HandshakeResponse struct {
	ChallengeID  uuid.UUID         `json:"challenge_id"`
	ResponderDID string            `json:"responder_did"`
	Signature    string            `json:"signature"`
	Timestamp    time.Time         `json:"timestamp"`
	Capabilities []string          `json:"capabilities"`
	TrustScore   int               `json:"trust_score"`
	UserContext  map[string]string `json:"user_context,omitempty"`
}

// HandshakeResult is the verifier's verdict for a peer.
type HandshakeResult struct {
	PeerDID       string     `json:"peer_did"`
	Trusted       bool       `json:"trusted"`
	TrustScore    int        `json:"trust_score"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CachedUntil   *time.Time `json:"cached_until,omitempty"`
}

// AuditEntry is one element of the hash-chained audit log.
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

// AuditVerifyResult reports the audit chain's integrity state.
type AuditVerifyResult struct {
	Intact     bool  `json:"intact"`
	Suppressed bool  `json:"suppressed"`
	BrokenAt   int64 `json:"broken_at,omitempty"`
}

// ControlFinding is one control's score in a compliance report.
type ControlFinding struct {
	ControlID  string   `json:"control_id"`
	Title      string   `json:"title"`
	Severity   string   `json:"severity"`
	Evaluated  int      `json:"evaluated"`
	Violations int      `json:"violations"`
	Evidence   []string `json:"evidence,omitempty"`
}

// ComplianceReport scores every control of a framework over a period.
type ComplianceReport struct {
	ReportID        uuid.UUID        `json:"report_id"`
	Framework       string           `json:"framework"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	Agents          []string         `json:"agents,omitempty"`
	Findings        []ControlFinding `json:"findings"`
	TotalViolations int              `json:"total_violations"`
	Compliant       bool             `json:"compliant"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Backend   string `json:"backend"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

// RankedAgent is one entry in the trusted-peer listing.
type RankedAgent struct {
	DID   string `json:"did"`
	Score int    `json:"score"`
}

// ---------------------------------------------------------------------------
// Request types
// ---------------------------------------------------------------------------

// RegisterAgentRequest is the input for RegisterAgent. PublicKey is the
// base64-encoded raw Ed25519 public key.
type RegisterAgentRequest struct {
	Name         string     `json:"name"`
	PublicKey    string     `json:"public_key"`
	SponsorEmail string     `json:"sponsor_email"`
	Capabilities []string   `json:"capabilities,omitempty"`
	ParentDID    *string    `json:"parent_did,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// EnrollSponsorRequest is the input for EnrollSponsor.
type EnrollSponsorRequest struct {
	Email               string   `json:"email"`
	Name                string   `json:"name"`
	Organization        string   `json:"organization,omitempty"`
	AllowedCapabilities []string `json:"allowed_capabilities,omitempty"`
	MaxAgents           int      `json:"max_agents,omitempty"`
}

// IssueCredentialRequest is the input for IssueCredential.
type IssueCredentialRequest struct {
	AgentDID     string   `json:"agent_did"`
	Capabilities []string `json:"capabilities"`
	ResourceIDs  []string `json:"resource_ids,omitempty"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty"`
	IssuedFor    string   `json:"issued_for,omitempty"`
}

// ValidationResult is the response for ValidateCredential.
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Reason     string      `json:"reason,omitempty"`
	Credential *Credential `json:"credential,omitempty"`
}

// AddDelegationRequest is the input for AddDelegation. Omitting ChainID
// starts a new chain.
type AddDelegationRequest struct {
	ChainID      string     `json:"chain_id,omitempty"`
	DelegatorDID string     `json:"delegator_did"`
	DelegateeDID string     `json:"delegatee_did"`
	Capabilities []string   `json:"capabilities"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// InitiateHandshakeRequest is the input for InitiateHandshake.
type InitiateHandshakeRequest struct {
	CallerDID string `json:"caller_did"`
	PeerDID   string `json:"peer_did"`
	Protocol  string `json:"protocol,omitempty"`
}

// VerifyHandshakeRequest is the input for VerifyHandshake.
type VerifyHandshakeRequest struct {
	CallerDID    string             `json:"caller_did"`
	Response     *HandshakeResponse `json:"response"`
	MinScore     int                `json:"min_score,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
}

// ComplianceReportRequest is the input for GenerateComplianceReport.
// Framework is one of: soc2, hipaa, eu_ai_act, gdpr, pci_dss, nist_ai_rmf,
// iso_42001.
type ComplianceReportRequest struct {
	Framework   string    `json:"framework"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Agents      []string  `json:"agents,omitempty"`
}
