package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-delegation — guides the caller through vetting a peer first.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-delegation",
			mcplib.WithPromptDescription("Vet a peer agent's trust standing before delegating work to it"),
			mcplib.WithArgument("peer_did",
				mcplib.ArgumentDescription("DID of the peer you intend to delegate to"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeDelegationPrompt,
	)

	// agent-setup — system prompt snippet explaining the governance workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the mesh governance workflow (vet-before-delegate, evaluate-before-act)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeDelegationPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	peerDID := request.Params.Arguments["peer_did"]
	if peerDID == "" {
		return nil, fmt.Errorf("peer_did argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Vet %s before delegating", peerDID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before delegating work to %s, follow these steps:

1. CALL mesh_agent_status with did="%s" to check its identity.
   - If status is not "active", stop — the peer cannot hold credentials
     or pass a handshake.
   - Note its capabilities: the peer can only do what its grant covers,
     and anything you delegate must narrow your own grant.

2. CHECK its trust standing in the same response:
   - total_score below 700 fails the default handshake threshold.
   - A "declining" trend on policy_compliance or security_posture is a
     warning sign even when the composite is still acceptable.

3. OPTIONALLY call mesh_evaluate_policy for the action you intend the
   peer to perform, so you know the verdict it will face.

4. DELEGATE only what the task needs. Granting your full capability set
   to a sub-agent defeats capability narrowing.`, peerDID, peerDID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Mesh governance workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You operate inside a governed agent mesh. Every agent has a cryptographic
identity (a DID), a capability grant, and a continuously scored trust
standing. Sensitive actions pass through a policy gate, and everything the
mesh decides lands in a tamper-evident audit log.

## The Pattern: Vet Before Delegating, Evaluate Before Acting

### Before delegating to another agent:
Call mesh_agent_status with the peer's DID. Do not delegate to suspended
or revoked agents, and treat scores below 700 as untrusted. Delegate the
narrowest capability set the task needs.

### Before a sensitive action:
Call mesh_evaluate_policy with the action you intend. A deny verdict from
the dry run is the same verdict the enforcing proxy will give — adjust the
action instead of retrying it.

### When you need to prove capability:
Call mesh_issue_credential. Credentials are short-lived by design; issue
fresh ones rather than caching.

## Available Tools

- mesh_agent_status: identity + trust standing for one DID (use FIRST)
- mesh_trusted_peers: agents ranked by trust score
- mesh_register_agent: enroll a new identity under a sponsor
- mesh_issue_credential: mint a short-lived scoped bearer credential
- mesh_evaluate_policy: dry-run an action through the policy engine
- mesh_query_audit: filtered read of the audit log
- mesh_verify_audit: verify the audit hash chain
- mesh_compliance_report: per-framework findings over a period

## Trust Tiers

- 900-1000 verified_partner: long history of clean behavior
- 700-899  trusted: passes the default handshake threshold
- 500-699  standard: acceptable, not yet handshake-trusted
- 300-499  probationary: close to automatic revocation
- 0-299    untrusted: revoked automatically by the mesh`,
				},
			},
		},
	}, nil
}
