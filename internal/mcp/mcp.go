// Package mcp implements the Model Context Protocol surface of the mesh.
//
// The MCP server exposes governance operations as tools and read-only mesh
// state as resources, so MCP-compatible agents can register peers, obtain
// credentials, and consult policy and trust state without speaking the HTTP
// API directly.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh-ai/agentmesh/internal/audit"
	"github.com/agentmesh-ai/agentmesh/internal/compliance"
	"github.com/agentmesh-ai/agentmesh/internal/credential"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
	"github.com/agentmesh-ai/agentmesh/internal/reward"
)

// Server wraps the MCP server around the mesh service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	agents     *identity.Service
	creds      *credential.Service
	trust      *reward.Engine
	policies   *policy.Engine
	auditLog   *audit.Log
	compliance *compliance.Mapper
	logger     *slog.Logger
}

// New creates and configures an MCP server with all mesh resources, tools,
// and prompts registered.
func New(agents *identity.Service, creds *credential.Service, trust *reward.Engine, policies *policy.Engine, auditLog *audit.Log, mapper *compliance.Mapper, logger *slog.Logger) *Server {
	s := &Server{
		agents:     agents,
		creds:      creds,
		trust:      trust,
		policies:   policies,
		auditLog:   auditLog,
		compliance: mapper,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"agentmesh",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// jsonResult marshals v and wraps it as a successful tool result.
func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
