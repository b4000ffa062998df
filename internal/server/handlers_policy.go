package server

import (
	"io"
	"net/http"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
)

// HandleEvaluatePolicy handles POST /v1/policy/evaluate.
func (h *Handlers) HandleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluatePolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentDID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_did is required")
		return
	}

	decision := h.policies.Evaluate(r.Context(), req.AgentDID, req.Context)
	writeJSON(w, r, http.StatusOK, decision)
}

// HandleListPolicies handles GET /v1/policies.
func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	names := h.policies.ActivePolicies()
	writeList(w, r, names, len(names))
}

// HandleGetPolicy handles GET /v1/policies/{name}.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.policies.PolicyByName(r.PathValue("name"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleUploadPolicy handles POST /v1/policies: activates one policy
// definition (YAML or JSON body), replacing any active policy of the same
// name. Uploaded policies do not survive a directory reload.
func (h *Handlers) HandleUploadPolicy(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read body")
		return
	}

	p, err := policy.Parse(raw, "")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.policies.Load(r.Context(), *p, "api"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"name": p.Name, "active": h.policies.ActivePolicies()})
}

// HandleReloadPolicies handles POST /v1/policies/reload: re-reads the
// configured policy directory and atomically swaps the active set.
func (h *Handlers) HandleReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if h.policyDir == "" {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "no policy directory configured")
		return
	}

	n, err := h.policies.LoadDirectory(r.Context(), h.policyDir)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"loaded": n, "active": h.policies.ActivePolicies()})
}

// HandleShadowStats handles GET /v1/policies/shadow: agreement statistics
// for the candidate policy running in shadow mode.
func (h *Handlers) HandleShadowStats(w http.ResponseWriter, r *http.Request) {
	if h.shadow == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no shadow policy configured")
		return
	}
	writeJSON(w, r, http.StatusOK, h.shadow.Stats())
}
