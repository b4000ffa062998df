package server

import (
	"errors"
	"net/http"

	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// HandleEnrollSponsor handles POST /v1/sponsors.
func (h *Handlers) HandleEnrollSponsor(w http.ResponseWriter, r *http.Request) {
	var req model.EnrollSponsorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	sponsor, err := h.agents.EnrollSponsor(r.Context(), identity.SponsorInput{
		Email:               req.Email,
		Name:                req.Name,
		Organization:        req.Organization,
		AllowedCapabilities: req.AllowedCapabilities,
		MaxAgents:           req.MaxAgents,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, sponsor)
}

// HandleListSponsors handles GET /v1/sponsors.
func (h *Handlers) HandleListSponsors(w http.ResponseWriter, r *http.Request) {
	sponsors, err := h.agents.ListSponsors(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list sponsors", err)
		return
	}
	writeList(w, r, sponsors, len(sponsors))
}

// HandleGetSponsor handles GET /v1/sponsors/{email}.
func (h *Handlers) HandleGetSponsor(w http.ResponseWriter, r *http.Request) {
	sponsor, err := h.agents.GetSponsor(r.Context(), r.PathValue("email"))
	if err != nil {
		if errors.Is(err, identity.ErrSponsorNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "sponsor not found")
			return
		}
		h.writeInternalError(w, r, "failed to load sponsor", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sponsor)
}

// HandleVerifySponsor handles POST /v1/sponsors/{email}/verify.
func (h *Handlers) HandleVerifySponsor(w http.ResponseWriter, r *http.Request) {
	var req model.VerifySponsorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	sponsor, err := h.agents.VerifySponsor(r.Context(), r.PathValue("email"), req.Method)
	if err != nil {
		if errors.Is(err, identity.ErrSponsorNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "sponsor not found")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, sponsor)
}

// HandleRegisterAgent handles POST /v1/agents.
func (h *Handlers) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	pub, err := keystore.DecodePublicKey(req.PublicKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid public_key: "+err.Error())
		return
	}

	agent, err := h.agents.Register(r.Context(), identity.RegisterInput{
		Name:         req.Name,
		PublicKey:    pub,
		SponsorEmail: req.SponsorEmail,
		Capabilities: req.Capabilities,
		ParentDID:    req.ParentDID,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrDuplicate):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "public key is already registered")
		case errors.Is(err, identity.ErrSponsorUnverified):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "sponsor is not verified")
		case errors.Is(err, identity.ErrQuotaExceeded):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "sponsor agent quota exceeded")
		case errors.Is(err, identity.ErrCapabilityEscalation):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "parent agent not found")
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}

	// Seed the trust ranking so the new agent is visible to peers at the
	// initial standing. Best effort: scoring also lazily initializes.
	if _, err := h.trust.Register(r.Context(), agent.DID); err != nil {
		h.logger.Warn("trust seeding failed", "did", agent.DID, "error", err)
	}

	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents. An optional sponsor query
// parameter scopes the listing to one sponsor's agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	if sponsor := r.URL.Query().Get("sponsor"); sponsor != "" {
		agents, err := h.agents.ListBySponsor(r.Context(), sponsor)
		if err != nil {
			h.writeInternalError(w, r, "failed to list agents", err)
			return
		}
		writeList(w, r, agents, len(agents))
		return
	}

	agents, err := h.agents.ListActive(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	writeList(w, r, agents, len(agents))
}

// HandleGetAgent handles GET /v1/agents/{did}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(r.Context(), r.PathValue("did"))
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleRevokeAgent handles POST /v1/agents/{did}/revoke. Revocation
// cascades through the delegation subtree; the response lists every DID
// that was revoked.
func (h *Handlers) HandleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	var req model.ReasonRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	revoked, err := h.agents.Revoke(r.Context(), r.PathValue("did"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, identity.ErrAlreadyRevoked):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent is already revoked")
		default:
			h.writeInternalError(w, r, "failed to revoke agent", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"revoked": revoked})
}

// HandleSuspendAgent handles POST /v1/agents/{did}/suspend.
func (h *Handlers) HandleSuspendAgent(w http.ResponseWriter, r *http.Request) {
	var req model.ReasonRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent, err := h.agents.Suspend(r.Context(), r.PathValue("did"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, identity.ErrAlreadyRevoked):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent is revoked")
		default:
			h.writeInternalError(w, r, "failed to suspend agent", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleReactivateAgent handles POST /v1/agents/{did}/reactivate.
func (h *Handlers) HandleReactivateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Reactivate(r.Context(), r.PathValue("did"))
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, identity.ErrNotSuspended):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent is not suspended")
		default:
			h.writeInternalError(w, r, "failed to reactivate agent", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}
