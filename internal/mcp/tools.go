package mcp

import (
	"context"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmesh-ai/agentmesh/internal/credential"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
)

func (s *Server) registerTools() {
	// mesh_register_agent — enroll a new agent identity into the mesh.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_register_agent",
			mcplib.WithDescription(`Register a new agent identity in the trust mesh.

WHEN TO USE: Before an agent can hold credentials, delegate work, or be
trusted by peers, it must have a mesh identity. Registration derives a
stable DID from the agent's Ed25519 public key and binds it to a human
sponsor who vouches for it.

WHAT YOU GET BACK: the full identity record including the derived DID
(did:mesh:<hex64>), granted capabilities, and status.

The sponsor must already be enrolled and must be allowed to grant every
requested capability.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("name",
				mcplib.Description("Human-readable agent name"),
				mcplib.Required(),
			),
			mcplib.WithString("public_key",
				mcplib.Description("Base64 of the agent's raw 32-byte Ed25519 public key"),
				mcplib.Required(),
			),
			mcplib.WithString("sponsor_email",
				mcplib.Description("Email of the enrolled human sponsor vouching for this agent"),
				mcplib.Required(),
			),
			mcplib.WithArray("capabilities",
				mcplib.Description("Capability tokens to grant, e.g. [\"read:data\", \"write:reports\"]. Must be within the sponsor's allowed set."),
				mcplib.Items(map[string]any{"type": "string"}),
				mcplib.Required(),
			),
			mcplib.WithString("parent_did",
				mcplib.Description("Optional: DID of the delegating parent agent. Capabilities must narrow the parent's grant."),
			),
		),
		s.handleRegisterAgent,
	)

	// mesh_agent_status — identity record plus current trust score.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_agent_status",
			mcplib.WithDescription(`Look up an agent's identity record and current trust standing.

WHEN TO USE: Before delegating to or accepting work from another agent —
check its status (active/suspended/revoked), capabilities, composite trust
score (0-1000), and tier (untrusted ... verified_partner).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("did",
				mcplib.Description("The agent's DID (did:mesh:<hex64>)"),
				mcplib.Required(),
			),
		),
		s.handleAgentStatus,
	)

	// mesh_issue_credential — mint a short-lived bearer credential.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_issue_credential",
			mcplib.WithDescription(`Issue a short-lived bearer credential scoped to an agent's capabilities.

WHEN TO USE: When an agent needs to present proof of capability to a tool
server or peer. Credentials expire within 15 minutes and are revoked
automatically if the agent's trust collapses — prefer issuing fresh ones
over caching.

The requested capabilities must be a subset of the agent's registered
grant; omitting them scopes the credential to the full grant.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_did",
				mcplib.Description("DID of the agent the credential is issued to"),
				mcplib.Required(),
			),
			mcplib.WithArray("capabilities",
				mcplib.Description("Optional capability subset to scope the credential to. Defaults to the agent's full grant."),
				mcplib.Items(map[string]any{"type": "string"}),
			),
			mcplib.WithNumber("ttl_seconds",
				mcplib.Description("Credential lifetime in seconds (max 900)"),
				mcplib.Min(1),
				mcplib.Max(900),
				mcplib.DefaultNumber(900),
			),
		),
		s.handleIssueCredential,
	)

	// mesh_evaluate_policy — dry-run a proposed action through the engine.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_evaluate_policy",
			mcplib.WithDescription(`Evaluate a proposed action against the active governance policies.

WHEN TO USE: BEFORE performing a sensitive operation. This is a dry run —
nothing is forwarded or executed. The verdict tells you whether the
enforcing proxy would allow, deny, warn, or require approval for the same
action.

WHAT YOU GET BACK: allowed (bool), verdict, the matched policy and rule
names, and a human-readable reason.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_did",
				mcplib.Description("DID of the agent proposing the action"),
				mcplib.Required(),
			),
			mcplib.WithString("action_type",
				mcplib.Description("Kind of action, e.g. tool_call, message_send"),
				mcplib.Required(),
			),
			mcplib.WithString("tool",
				mcplib.Description("Tool name when action_type is tool_call"),
			),
			mcplib.WithString("path",
				mcplib.Description("Filesystem or resource path the action touches"),
			),
			mcplib.WithString("resource",
				mcplib.Description("Logical resource identifier"),
			),
			mcplib.WithBoolean("contains_pii",
				mcplib.Description("Whether the touched data is classified as containing PII"),
			),
		),
		s.handleEvaluatePolicy,
	)

	// mesh_query_audit — filtered read over the hash-chained audit log.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_query_audit",
			mcplib.WithDescription(`Query the tamper-evident audit log with structured filters.

WHEN TO USE: To review what the mesh decided and when — policy verdicts,
credential lifecycle events, handshake outcomes, revocations. Entries are
hash-chained; use mesh_verify_audit to confirm the chain is intact.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("event_type",
				mcplib.Description("Filter by event type, e.g. policy.violation, credential.rotated, reward.auto_revocation"),
			),
			mcplib.WithString("agent_did",
				mcplib.Description("Filter by the agent the entry concerns"),
			),
			mcplib.WithString("outcome",
				mcplib.Description("Filter by outcome, e.g. success, denied, failure"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum entries to return (most recent first)"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleQueryAudit,
	)

	// mesh_verify_audit — walk the hash chain.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_verify_audit",
			mcplib.WithDescription(`Verify the integrity of the audit log hash chain.

Recomputes every entry hash from the genesis entry forward and reports the
first index where the stored chain disagrees. An intact chain proves no
recorded decision has been altered or removed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleVerifyAudit,
	)

	// mesh_trusted_peers — score-ranked peer listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_trusted_peers",
			mcplib.WithDescription(`List agents ranked by trust score, highest first.

WHEN TO USE: When choosing a peer to delegate a subtask to. Peers below
the handshake threshold (default 700) will fail trust verification, so
filter with min_score to see only viable collaborators.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("min_score",
				mcplib.Description("Only return peers at or above this composite score (0-1000)"),
				mcplib.Min(0),
				mcplib.Max(1000),
				mcplib.DefaultNumber(0),
			),
		),
		s.handleTrustedPeers,
	)

	// mesh_compliance_report — aggregate violations for one framework.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_compliance_report",
			mcplib.WithDescription(`Generate a compliance report for a named control framework.

Aggregates audit activity over a period into per-control findings for one
framework: soc2, hipaa, eu_ai_act, gdpr, pci_dss, nist_ai_rmf, or
iso_42001. The report is auditor input, not a certification.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("framework",
				mcplib.Description("Framework tag: soc2, hipaa, eu_ai_act, gdpr, pci_dss, nist_ai_rmf, iso_42001"),
				mcplib.Required(),
			),
			mcplib.WithString("period_start",
				mcplib.Description("RFC 3339 start of the reporting period. Defaults to 24 hours ago."),
			),
			mcplib.WithString("period_end",
				mcplib.Description("RFC 3339 end of the reporting period. Defaults to now."),
			),
		),
		s.handleComplianceReport,
	)
}

func (s *Server) handleRegisterAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("name", "")
	rawKey := request.GetString("public_key", "")
	sponsorEmail := request.GetString("sponsor_email", "")
	capabilities := request.GetStringSlice("capabilities", nil)
	parentDID := request.GetString("parent_did", "")

	if name == "" || rawKey == "" || sponsorEmail == "" {
		return errorResult("name, public_key, and sponsor_email are required"), nil
	}
	if len(capabilities) == 0 {
		return errorResult("at least one capability is required"), nil
	}

	pub, err := keystore.DecodePublicKey(rawKey)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid public_key: %v", err)), nil
	}

	var parentDIDPtr *string
	if parentDID != "" {
		parentDIDPtr = &parentDID
	}

	agent, err := s.agents.Register(ctx, identity.RegisterInput{
		Name:         name,
		PublicKey:    pub,
		SponsorEmail: sponsorEmail,
		Capabilities: capabilities,
		ParentDID:    parentDIDPtr,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("registration failed: %v", err)), nil
	}

	// Seed the trust ranking; scoring also lazily initializes, so failures
	// only delay visibility in peer listings.
	if _, err := s.trust.Register(ctx, agent.DID); err != nil {
		s.logger.Warn("trust seeding failed", "did", agent.DID, "error", err)
	}

	return jsonResult(agent), nil
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	did := request.GetString("did", "")
	if did == "" {
		return errorResult("did is required"), nil
	}

	agent, err := s.agents.Get(ctx, did)
	if err != nil {
		return errorResult(fmt.Sprintf("agent lookup failed: %v", err)), nil
	}

	status := map[string]any{"identity": agent}
	// The score read is best-effort: an agent that never produced a signal
	// reads as the initial standing.
	if score, err := s.trust.Score(ctx, did); err == nil {
		status["trust"] = score
	}
	return jsonResult(status), nil
}

func (s *Server) handleIssueCredential(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentDID := request.GetString("agent_did", "")
	if agentDID == "" {
		return errorResult("agent_did is required"), nil
	}
	capabilities := request.GetStringSlice("capabilities", nil)
	ttl := time.Duration(request.GetInt("ttl_seconds", 900)) * time.Second

	cred, err := s.creds.Issue(ctx, credential.IssueInput{
		AgentDID:     agentDID,
		Capabilities: capabilities,
		TTL:          ttl,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("issuance failed: %v", err)), nil
	}
	return jsonResult(cred), nil
}

func (s *Server) handleEvaluatePolicy(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentDID := request.GetString("agent_did", "")
	actionType := request.GetString("action_type", "")
	if agentDID == "" || actionType == "" {
		return errorResult("agent_did and action_type are required"), nil
	}

	pctx := model.PolicyContext{
		Action: model.ActionContext{
			Type: actionType,
			Tool: request.GetString("tool", ""),
			Path: request.GetString("path", ""),
		},
		Resource: request.GetString("resource", ""),
		Data: model.DataContext{
			ContainsPII: request.GetBool("contains_pii", false),
		},
	}
	if score, err := s.trust.Score(ctx, agentDID); err == nil {
		pctx.Agent = model.AgentPolicyView{
			DID:        agentDID,
			TrustScore: score.TotalScore,
			Tier:       string(score.Tier),
		}
	} else {
		pctx.Agent = model.AgentPolicyView{DID: agentDID}
	}

	decision := s.policies.Evaluate(ctx, agentDID, pctx)
	return jsonResult(decision), nil
}

func (s *Server) handleQueryAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := model.AuditFilter{
		EventType: request.GetString("event_type", ""),
		AgentDID:  request.GetString("agent_did", ""),
		Outcome:   request.GetString("outcome", ""),
	}
	limit := request.GetInt("limit", 50)

	entries, err := s.auditLog.Query(ctx, filter, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"entries": entries, "total": len(entries)}), nil
}

func (s *Server) handleVerifyAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ok, brokenAt, err := s.auditLog.VerifyIntegrity(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("verification failed: %v", err)), nil
	}

	result := map[string]any{"intact": ok, "suppressed": s.auditLog.Suppressed()}
	if !ok {
		result["broken_at"] = brokenAt
	}
	return jsonResult(result), nil
}

func (s *Server) handleTrustedPeers(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	minScore := request.GetInt("min_score", 0)
	if minScore < 0 || minScore > 1000 {
		return errorResult("min_score must be in [0,1000]"), nil
	}

	peers, err := s.trust.TrustedPeers(ctx, minScore)
	if err != nil {
		return errorResult(fmt.Sprintf("ranking failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"peers": peers, "total": len(peers)}), nil
}

func (s *Server) handleComplianceReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	framework := request.GetString("framework", "")
	if framework == "" {
		return errorResult("framework is required"), nil
	}

	now := time.Now().UTC()
	start := now.Add(-24 * time.Hour)
	end := now
	if raw := request.GetString("period_start", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorResult("period_start must be RFC 3339"), nil
		}
		start = t
	}
	if raw := request.GetString("period_end", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorResult("period_end must be RFC 3339"), nil
		}
		end = t
	}

	report, err := s.compliance.GenerateReport(ctx, framework, start, end, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("report failed: %v", err)), nil
	}
	return jsonResult(report), nil
}
