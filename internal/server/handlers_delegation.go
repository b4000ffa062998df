package server

import (
	"errors"
	"net/http"

	"github.com/agentmesh-ai/agentmesh/internal/delegation"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// HandleAddDelegation handles POST /v1/delegations. An empty chain_id
// starts a new chain rooted at the delegator.
func (h *Handlers) HandleAddDelegation(w http.ResponseWriter, r *http.Request) {
	var req model.AddDelegationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	chain, err := h.delegations.AddLink(r.Context(), delegation.AddLinkInput{
		ChainID:      req.ChainID,
		DelegatorDID: req.DelegatorDID,
		DelegateeDID: req.DelegateeDID,
		Capabilities: req.Capabilities,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, delegation.ErrChainNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "delegation chain not found")
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, delegation.ErrDepthExceeded):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		case errors.Is(err, delegation.ErrNarrowing):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		case errors.Is(err, delegation.ErrCycle):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		case errors.Is(err, delegation.ErrDelegatorInactive):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, chain)
}

// HandleGetDelegation handles GET /v1/delegations/{chain_id}.
func (h *Handlers) HandleGetDelegation(w http.ResponseWriter, r *http.Request) {
	chain, err := h.delegations.Get(r.Context(), r.PathValue("chain_id"))
	if err != nil {
		if errors.Is(err, delegation.ErrChainNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "delegation chain not found")
			return
		}
		h.writeInternalError(w, r, "failed to load delegation chain", err)
		return
	}
	writeJSON(w, r, http.StatusOK, chain)
}

// HandleVerifyDelegation handles GET /v1/delegations/{chain_id}/verify.
// A broken chain is a 200 with ok=false; only a missing chain is an error.
func (h *Handlers) HandleVerifyDelegation(w http.ResponseWriter, r *http.Request) {
	result, err := h.delegations.Verify(r.Context(), r.PathValue("chain_id"))
	if err != nil {
		if errors.Is(err, delegation.ErrChainNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "delegation chain not found")
			return
		}
		h.writeInternalError(w, r, "failed to verify delegation chain", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleDelegationCapabilities handles GET /v1/delegations/{chain_id}/capabilities:
// the effective capability set at the leaf of the chain.
func (h *Handlers) HandleDelegationCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := h.delegations.EffectiveCapabilities(r.Context(), r.PathValue("chain_id"))
	if err != nil {
		if errors.Is(err, delegation.ErrChainNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "delegation chain not found")
			return
		}
		h.writeInternalError(w, r, "failed to compute effective capabilities", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"capabilities": caps.Strings()})
}

// HandleTraceDelegation handles GET /v1/delegations/{chain_id}/trace?capability=...:
// how one capability flowed (or was narrowed away) along the chain.
func (h *Handlers) HandleTraceDelegation(w http.ResponseWriter, r *http.Request) {
	capName := r.URL.Query().Get("capability")
	if capName == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "capability query parameter is required")
		return
	}

	trace, err := h.delegations.TraceCapability(r.Context(), r.PathValue("chain_id"), capName)
	if err != nil {
		if errors.Is(err, delegation.ErrChainNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "delegation chain not found")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"trace": trace})
}

// HandleAgentDelegations handles GET /v1/agents/{did}/delegations.
func (h *Handlers) HandleAgentDelegations(w http.ResponseWriter, r *http.Request) {
	chains, err := h.delegations.ListByAgent(r.Context(), r.PathValue("did"))
	if err != nil {
		h.writeInternalError(w, r, "failed to list delegations", err)
		return
	}
	writeList(w, r, chains, len(chains))
}
