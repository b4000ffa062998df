package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/audit"
	"github.com/agentmesh-ai/agentmesh/internal/auth"
	"github.com/agentmesh-ai/agentmesh/internal/compliance"
	"github.com/agentmesh-ai/agentmesh/internal/credential"
	"github.com/agentmesh-ai/agentmesh/internal/delegation"
	"github.com/agentmesh-ai/agentmesh/internal/handshake"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
	"github.com/agentmesh-ai/agentmesh/internal/revocation"
	"github.com/agentmesh-ai/agentmesh/internal/reward"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store       storage.Backend
	authMgr     *auth.Manager
	agents      *identity.Service
	credentials *credential.Service
	delegations *delegation.Service
	handshakes  *handshake.Service
	revocations *revocation.Service
	keys        keystore.KeyStore
	trust       *reward.Engine
	policies    *policy.Engine
	shadow      *policy.Shadow
	auditLog    *audit.Log
	compliance  *compliance.Mapper
	broker      *Broker
	logger      *slog.Logger

	startedAt           time.Time
	version             string
	policyDir           string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Shadow, Compliance, Broker, OpenAPISpec.
type HandlersDeps struct {
	Store       storage.Backend
	AuthMgr     *auth.Manager
	Agents      *identity.Service
	Credentials *credential.Service
	Delegations *delegation.Service
	Handshakes  *handshake.Service
	Revocations *revocation.Service
	Keys        keystore.KeyStore
	Trust       *reward.Engine
	Policies    *policy.Engine
	Shadow      *policy.Shadow
	AuditLog    *audit.Log
	Compliance  *compliance.Mapper
	Broker      *Broker
	Logger      *slog.Logger

	Version             string
	PolicyDir           string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		authMgr:             d.AuthMgr,
		agents:              d.Agents,
		credentials:         d.Credentials,
		delegations:         d.Delegations,
		handshakes:          d.Handshakes,
		revocations:         d.Revocations,
		keys:                d.Keys,
		trust:               d.Trust,
		policies:            d.Policies,
		shadow:              d.Shadow,
		auditLog:            d.AuditLog,
		compliance:          d.Compliance,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		policyDir:           d.PolicyDir,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// writeInternalError logs the underlying error and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// HandleAuthToken handles POST /auth/token: exchanges a key ID + secret for
// a short-lived session token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.KeyID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "key_id and api_key are required")
		return
	}

	token, expiresAt, err := h.authMgr.Authenticate(r.Context(), req.KeyID, req.APIKey)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateKey handles POST /v1/keys (admin).
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	key, secret, err := h.authMgr.CreateKey(r.Context(), req.Name, auth.Role(req.Role))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, model.CreateAPIKeyResponse{
		KeyID:  key.KeyID,
		Name:   key.Name,
		Role:   string(key.Role),
		Secret: secret,
	})
}

// HandleListKeys handles GET /v1/keys (admin).
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.authMgr.ListKeys(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list keys", err)
		return
	}
	writeList(w, r, keys, len(keys))
}

// HandleDisableKey handles DELETE /v1/keys/{key_id} (admin).
func (h *Handlers) HandleDisableKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("key_id")
	if err := h.authMgr.DisableKey(r.Context(), keyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "key not found")
			return
		}
		h.writeInternalError(w, r, "failed to disable key", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"key_id": keyID, "status": "disabled"})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	backend := "ok"
	status := "ok"
	if err := h.store.Ping(r.Context()); err != nil {
		backend = "error"
		status = "degraded"
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Backend: backend,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openapiSpec)
}

// HandleEvents handles GET /v1/events: an SSE stream of mesh lifecycle
// events (revocations, rotations, score warnings, integrity alerts).
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	// Heartbeat keeps intermediaries from reaping idle connections.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
