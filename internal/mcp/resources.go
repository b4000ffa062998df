package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmesh-ai/agentmesh/internal/model"
)

func (s *Server) registerResources() {
	// mesh://agents/active — every identity currently usable in the mesh.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mesh://agents/active",
			"Active Agents",
			mcplib.WithResourceDescription("All agent identities with status active"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveAgents,
	)

	// mesh://audit/recent — tail of the hash-chained audit log.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mesh://audit/recent",
			"Recent Audit Entries",
			mcplib.WithResourceDescription("The most recent entries in the tamper-evident audit log"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentAudit,
	)

	// mesh://policies/active — names of the loaded governance policies.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mesh://policies/active",
			"Active Policies",
			mcplib.WithResourceDescription("Names of the governance policies currently enforced"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActivePolicies,
	)

	// mesh://agents/{did}/score — one agent's trust standing.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"mesh://agents/{did}/score",
			"Agent Trust Score",
			mcplib.WithTemplateDescription("Composite trust score, tier, and dimension breakdown for one agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentScore,
	)
}

func (s *Server) handleActiveAgents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.agents.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: active agents: %w", err)
	}

	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agents: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mesh://agents/active",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentAudit(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	entries, err := s.auditLog.Query(ctx, model.AuditFilter{}, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent audit: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal audit: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mesh://audit/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleActivePolicies(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	names := s.policies.ActivePolicies()

	data, err := json.MarshalIndent(map[string]any{"policies": names}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal policies: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mesh://policies/active",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAgentScore(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	// Extract the DID from mesh://agents/{did}/score.
	uri := request.Params.URI
	did := strings.TrimPrefix(uri, "mesh://agents/")
	did = strings.TrimSuffix(did, "/score")
	if did == "" || did == uri {
		return nil, fmt.Errorf("mcp: invalid score URI: %s", uri)
	}

	explanation, err := s.trust.Explain(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent score: %w", err)
	}

	data, err := json.MarshalIndent(explanation, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal score: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
