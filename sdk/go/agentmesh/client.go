package agentmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the mesh node (e.g. "http://localhost:8420").
	BaseURL string

	// KeyID identifies the API key used to obtain session tokens.
	KeyID string

	// APIKey is the secret half of the API key.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the agentmesh governance API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, KeyID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agentmesh: BaseURL is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("agentmesh: KeyID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("agentmesh: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.KeyID, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Sponsors
// ---------------------------------------------------------------------------

// EnrollSponsor registers a human sponsor. Requires operator role.
func (c *Client) EnrollSponsor(ctx context.Context, req EnrollSponsorRequest) (*Sponsor, error) {
	var resp Sponsor
	if err := c.post(ctx, "/v1/sponsors", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSponsor retrieves a sponsor by email.
func (c *Client) GetSponsor(ctx context.Context, email string) (*Sponsor, error) {
	var resp Sponsor
	if err := c.get(ctx, "/v1/sponsors/"+url.PathEscape(email), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifySponsor marks a sponsor as verified. Requires admin role.
func (c *Client) VerifySponsor(ctx context.Context, email, method string) (*Sponsor, error) {
	body := map[string]any{"method": method}
	var resp Sponsor
	if err := c.post(ctx, "/v1/sponsors/"+url.PathEscape(email)+"/verify", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Agent identities
// ---------------------------------------------------------------------------

// RegisterAgent registers a new agent identity under a sponsor. The DID is
// derived server-side from the public key. Requires operator role.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAgent retrieves an agent identity by DID.
func (c *Client) GetAgent(ctx context.Context, did string) (*Agent, error) {
	var resp Agent
	if err := c.get(ctx, "/v1/agents/"+did, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgents lists registered agents, optionally filtered by status.
func (c *Client) ListAgents(ctx context.Context, status string) ([]Agent, error) {
	path := "/v1/agents"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp []Agent
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RevokeAgent permanently revokes an agent identity. Requires admin role.
func (c *Client) RevokeAgent(ctx context.Context, did, reason string) (*Agent, error) {
	body := map[string]any{"reason": reason}
	var resp Agent
	if err := c.post(ctx, "/v1/agents/"+did+"/revoke", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SuspendAgent temporarily suspends an agent identity. Requires admin role.
func (c *Client) SuspendAgent(ctx context.Context, did, reason string) (*Agent, error) {
	body := map[string]any{"reason": reason}
	var resp Agent
	if err := c.post(ctx, "/v1/agents/"+did+"/suspend", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// IssueCredential mints a short-lived capability credential for an agent.
// The bearer token is only returned here; store it securely.
func (c *Client) IssueCredential(ctx context.Context, req IssueCredentialRequest) (*Credential, error) {
	var resp Credential
	if err := c.post(ctx, "/v1/credentials", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateCredential checks a bearer token's signature, expiry, and
// revocation state.
func (c *Client) ValidateCredential(ctx context.Context, token string) (*ValidationResult, error) {
	body := map[string]any{"token": token}
	var resp ValidationResult
	if err := c.post(ctx, "/v1/credentials/validate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RotateCredential issues a successor credential with the same scope. The
// predecessor stays valid through its original expiry.
func (c *Client) RotateCredential(ctx context.Context, credentialID uuid.UUID) (*Credential, error) {
	var resp Credential
	if err := c.post(ctx, "/v1/credentials/"+credentialID.String()+"/rotate", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeCredential immediately invalidates a credential. Requires admin role.
func (c *Client) RevokeCredential(ctx context.Context, credentialID uuid.UUID, reason string) error {
	body := map[string]any{"reason": reason}
	return c.post(ctx, "/v1/credentials/"+credentialID.String()+"/revoke", body, nil)
}

// ---------------------------------------------------------------------------
// Delegations
// ---------------------------------------------------------------------------

// AddDelegation appends a signed link to a delegation chain (or starts a
// new chain when ChainID is empty). The delegated capabilities must narrow
// the delegator's set.
func (c *Client) AddDelegation(ctx context.Context, req AddDelegationRequest) (*DelegationChain, error) {
	var resp DelegationChain
	if err := c.post(ctx, "/v1/delegations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDelegation retrieves a delegation chain by ID.
func (c *Client) GetDelegation(ctx context.Context, chainID string) (*DelegationChain, error) {
	var resp DelegationChain
	if err := c.get(ctx, "/v1/delegations/"+chainID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyDelegation checks every link of a chain: signatures, hash links,
// expiry, narrowing, and revocation state.
func (c *Client) VerifyDelegation(ctx context.Context, chainID string) (map[string]any, error) {
	var resp map[string]any
	if err := c.get(ctx, "/v1/delegations/"+chainID+"/verify", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Handshakes
// ---------------------------------------------------------------------------

// InitiateHandshake opens a challenge against a peer.
func (c *Client) InitiateHandshake(ctx context.Context, req InitiateHandshakeRequest) (*HandshakeChallenge, error) {
	var resp HandshakeChallenge
	if err := c.post(ctx, "/v1/handshakes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyHandshake submits a peer's challenge response for verification.
func (c *Client) VerifyHandshake(ctx context.Context, req VerifyHandshakeRequest) (*HandshakeResult, error) {
	var resp HandshakeResult
	if err := c.post(ctx, "/v1/handshakes/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

// EvaluatePolicy dry-runs an action through the policy engine. The verdict
// matches what the enforcing proxy would decide for the same action.
func (c *Client) EvaluatePolicy(ctx context.Context, agentDID string, pctx PolicyContext) (*PolicyDecision, error) {
	body := map[string]any{"agent_did": agentDID, "context": pctx}
	var resp PolicyDecision
	if err := c.post(ctx, "/v1/policy/evaluate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPolicies lists the names of the loaded policies.
func (c *Client) ListPolicies(ctx context.Context) ([]string, error) {
	var resp []string
	if err := c.get(ctx, "/v1/policies", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReloadPolicies re-reads the policy directory. Requires admin role.
func (c *Client) ReloadPolicies(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.post(ctx, "/v1/policies/reload", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Trust scores
// ---------------------------------------------------------------------------

// GetScore retrieves an agent's composite trust score.
func (c *Client) GetScore(ctx context.Context, did string) (*TrustScore, error) {
	var resp TrustScore
	if err := c.get(ctx, "/v1/agents/"+did+"/score", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExplainScore retrieves the per-dimension breakdown behind a trust score.
func (c *Client) ExplainScore(ctx context.Context, did string) (*ScoreExplanation, error) {
	var resp ScoreExplanation
	if err := c.get(ctx, "/v1/agents/"+did+"/score/explanation", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendSignal submits a reward signal against an agent. Requires operator
// role.
func (c *Client) SendSignal(ctx context.Context, did string, sig RewardSignal) (*TrustScore, error) {
	var resp TrustScore
	if err := c.post(ctx, "/v1/agents/"+did+"/signals", sig, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrustedPeers lists agents at or above minScore, ranked by score.
func (c *Client) TrustedPeers(ctx context.Context, minScore int) ([]RankedAgent, error) {
	path := "/v1/trust/peers"
	if minScore > 0 {
		path += "?min_score=" + strconv.Itoa(minScore)
	}
	var resp []RankedAgent
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// AuditQueryOptions are optional filters for QueryAudit.
type AuditQueryOptions struct {
	EventType string
	AgentDID  string
	Action    string
	Outcome   string
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// QueryAudit retrieves filtered entries from the audit log.
func (c *Client) QueryAudit(ctx context.Context, opts *AuditQueryOptions) ([]AuditEntry, error) {
	params := url.Values{}
	if opts != nil {
		if opts.EventType != "" {
			params.Set("event_type", opts.EventType)
		}
		if opts.AgentDID != "" {
			params.Set("agent_did", opts.AgentDID)
		}
		if opts.Action != "" {
			params.Set("action", opts.Action)
		}
		if opts.Outcome != "" {
			params.Set("outcome", opts.Outcome)
		}
		if opts.Start != nil {
			params.Set("start", opts.Start.Format(time.RFC3339))
		}
		if opts.End != nil {
			params.Set("end", opts.End.Format(time.RFC3339))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/v1/audit"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []AuditEntry
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// VerifyAudit walks the audit hash chain and reports whether it is intact.
func (c *Client) VerifyAudit(ctx context.Context) (*AuditVerifyResult, error) {
	var resp AuditVerifyResult
	if err := c.get(ctx, "/v1/audit/verify", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Compliance
// ---------------------------------------------------------------------------

// ListFrameworks lists the supported compliance framework tags.
func (c *Client) ListFrameworks(ctx context.Context) ([]string, error) {
	var resp []string
	if err := c.get(ctx, "/v1/compliance/frameworks", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateComplianceReport scores every control of a framework over a
// period. Requires operator role.
func (c *Client) GenerateComplianceReport(ctx context.Context, req ComplianceReportRequest) (*ComplianceReport, error) {
	var resp ComplianceReport
	if err := c.post(ctx, "/v1/compliance/reports", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the node's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("agentmesh: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("agentmesh: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("agentmesh: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("agentmesh: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agentmesh: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agentmesh: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("agentmesh: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("agentmesh: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
