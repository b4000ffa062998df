package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh-ai/agentmesh/internal/auth"
	"github.com/agentmesh-ai/agentmesh/internal/ctxutil"
	"github.com/agentmesh-ai/agentmesh/internal/ratelimit"
)

// Server is the mesh control-plane HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, MCPServer, OpenAPISpec,
// Shadow, Compliance.
type Config struct {
	Handlers HandlersDeps

	// Optional surfaces.
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Handlers)
	logger := cfg.Handlers.Logger

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	// Authenticated traffic is limited per key ID, unauthenticated auth
	// attempts per client IP. Admins are exempt.
	apiRL := ratelimit.Middleware(cfg.Limiter, keyIDKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	adminOnly := requireRole(auth.RoleAdmin)
	operator := requireRole(auth.RoleOperator)
	reader := requireRole(auth.RoleReader)

	// API key management (admin).
	mux.Handle("POST /v1/keys", adminOnly(http.HandlerFunc(h.HandleCreateKey)))
	mux.Handle("GET /v1/keys", adminOnly(http.HandlerFunc(h.HandleListKeys)))
	mux.Handle("DELETE /v1/keys/{key_id}", adminOnly(http.HandlerFunc(h.HandleDisableKey)))

	// Sponsors.
	mux.Handle("POST /v1/sponsors", operator(http.HandlerFunc(h.HandleEnrollSponsor)))
	mux.Handle("GET /v1/sponsors", reader(http.HandlerFunc(h.HandleListSponsors)))
	mux.Handle("GET /v1/sponsors/{email}", reader(http.HandlerFunc(h.HandleGetSponsor)))
	mux.Handle("POST /v1/sponsors/{email}/verify", adminOnly(http.HandlerFunc(h.HandleVerifySponsor)))

	// Agent identities.
	mux.Handle("POST /v1/agents", apiRL(operator(http.HandlerFunc(h.HandleRegisterAgent))))
	mux.Handle("GET /v1/agents", apiRL(reader(http.HandlerFunc(h.HandleListAgents))))
	mux.Handle("GET /v1/agents/{did}", apiRL(reader(http.HandlerFunc(h.HandleGetAgent))))
	mux.Handle("POST /v1/agents/{did}/revoke", adminOnly(http.HandlerFunc(h.HandleRevokeAgent)))
	mux.Handle("POST /v1/agents/{did}/suspend", adminOnly(http.HandlerFunc(h.HandleSuspendAgent)))
	mux.Handle("POST /v1/agents/{did}/reactivate", adminOnly(http.HandlerFunc(h.HandleReactivateAgent)))

	// Credentials.
	mux.Handle("POST /v1/credentials", apiRL(operator(http.HandlerFunc(h.HandleIssueCredential))))
	mux.Handle("POST /v1/credentials/validate", apiRL(reader(http.HandlerFunc(h.HandleValidateCredential))))
	mux.Handle("GET /v1/credentials/{credential_id}", apiRL(reader(http.HandlerFunc(h.HandleGetCredential))))
	mux.Handle("POST /v1/credentials/{credential_id}/rotate", apiRL(operator(http.HandlerFunc(h.HandleRotateCredential))))
	mux.Handle("POST /v1/credentials/{credential_id}/revoke", adminOnly(http.HandlerFunc(h.HandleRevokeCredential)))
	mux.Handle("POST /v1/agents/{did}/credentials/revoke", adminOnly(http.HandlerFunc(h.HandleRevokeAgentCredentials)))

	// Delegation chains.
	mux.Handle("POST /v1/delegations", apiRL(operator(http.HandlerFunc(h.HandleAddDelegation))))
	mux.Handle("GET /v1/delegations/{chain_id}", apiRL(reader(http.HandlerFunc(h.HandleGetDelegation))))
	mux.Handle("GET /v1/delegations/{chain_id}/verify", apiRL(reader(http.HandlerFunc(h.HandleVerifyDelegation))))
	mux.Handle("GET /v1/delegations/{chain_id}/capabilities", apiRL(reader(http.HandlerFunc(h.HandleDelegationCapabilities))))
	mux.Handle("GET /v1/delegations/{chain_id}/trace", apiRL(reader(http.HandlerFunc(h.HandleTraceDelegation))))
	mux.Handle("GET /v1/agents/{did}/delegations", apiRL(reader(http.HandlerFunc(h.HandleAgentDelegations))))

	// Revocation set.
	mux.Handle("GET /v1/revocations", apiRL(reader(http.HandlerFunc(h.HandleListRevocations))))
	mux.Handle("GET /v1/revocations/{did}", apiRL(reader(http.HandlerFunc(h.HandleGetRevocation))))
	mux.Handle("GET /v1/revocations/credentials/{credential_id}", apiRL(reader(http.HandlerFunc(h.HandleGetCredentialRevocation))))

	// Handshakes.
	mux.Handle("POST /v1/handshakes", apiRL(operator(http.HandlerFunc(h.HandleInitiateHandshake))))
	mux.Handle("POST /v1/handshakes/{challenge_id}/respond", apiRL(operator(http.HandlerFunc(h.HandleRespondHandshake))))
	mux.Handle("POST /v1/handshakes/verify", apiRL(operator(http.HandlerFunc(h.HandleVerifyHandshake))))

	// Policy engine.
	mux.Handle("POST /v1/policy/evaluate", apiRL(operator(http.HandlerFunc(h.HandleEvaluatePolicy))))
	mux.Handle("GET /v1/policies", reader(http.HandlerFunc(h.HandleListPolicies)))
	mux.Handle("POST /v1/policies", adminOnly(http.HandlerFunc(h.HandleUploadPolicy)))
	mux.Handle("GET /v1/policies/{name}", reader(http.HandlerFunc(h.HandleGetPolicy)))
	mux.Handle("POST /v1/policies/reload", adminOnly(http.HandlerFunc(h.HandleReloadPolicies)))
	mux.Handle("GET /v1/policies/shadow", reader(http.HandlerFunc(h.HandleShadowStats)))

	// Trust scores.
	mux.Handle("GET /v1/agents/{did}/score", apiRL(reader(http.HandlerFunc(h.HandleGetScore))))
	mux.Handle("GET /v1/agents/{did}/score/explanation", apiRL(reader(http.HandlerFunc(h.HandleExplainScore))))
	mux.Handle("POST /v1/agents/{did}/signals", apiRL(operator(http.HandlerFunc(h.HandleRewardSignal))))
	mux.Handle("GET /v1/trust/peers", apiRL(reader(http.HandlerFunc(h.HandleTrustedPeers))))
	mux.Handle("GET /v1/trust/weights", reader(http.HandlerFunc(h.HandleGetWeights)))
	mux.Handle("PUT /v1/trust/weights", adminOnly(http.HandlerFunc(h.HandleUpdateWeights)))

	// Audit log.
	mux.Handle("GET /v1/audit", apiRL(reader(http.HandlerFunc(h.HandleQueryAudit))))
	mux.Handle("GET /v1/audit/verify", reader(http.HandlerFunc(h.HandleVerifyAudit)))
	mux.Handle("POST /v1/audit/integrity/acknowledge", adminOnly(http.HandlerFunc(h.HandleAcknowledgeIntegrity)))
	mux.Handle("GET /v1/audit/export", reader(http.HandlerFunc(h.HandleExportAudit)))

	// Compliance.
	mux.Handle("GET /v1/compliance/frameworks", reader(http.HandlerFunc(h.HandleListFrameworks)))
	mux.Handle("GET /v1/compliance/frameworks/{framework}/controls", reader(http.HandlerFunc(h.HandleListControls)))
	mux.Handle("POST /v1/compliance/check", apiRL(reader(http.HandlerFunc(h.HandleComplianceCheck))))
	mux.Handle("POST /v1/compliance/reports", operator(http.HandlerFunc(h.HandleComplianceReport)))

	// Event stream (reader+, no rate limit — long-lived connection).
	mux.Handle("GET /v1/events", reader(http.HandlerFunc(h.HandleEvents)))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", reader(mcpHTTP))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.Handlers.AuthMgr, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// keyIDKeyFunc extracts the session's key ID for rate limiting. Admins are
// exempt.
func keyIDKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role.AtLeast(auth.RoleAdmin) {
		return ""
	}
	return claims.KeyID
}

// Handlers returns the underlying Handlers for access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
