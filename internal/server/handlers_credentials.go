package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-ai/agentmesh/internal/credential"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

// HandleIssueCredential handles POST /v1/credentials.
func (h *Handlers) HandleIssueCredential(w http.ResponseWriter, r *http.Request) {
	var req model.IssueCredentialRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	cred, err := h.credentials.Issue(r.Context(), credential.IssueInput{
		AgentDID:     req.AgentDID,
		Capabilities: req.Capabilities,
		ResourceIDs:  req.ResourceIDs,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
		IssuedFor:    req.IssuedFor,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, credential.ErrAgentNotUsable):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "agent is not active")
		case errors.Is(err, credential.ErrCapabilityEscalation):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		case errors.Is(err, credential.ErrInvalidTTL):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, cred)
}

// HandleValidateCredential handles POST /v1/credentials/validate.
func (h *Handlers) HandleValidateCredential(w http.ResponseWriter, r *http.Request) {
	var req model.ValidateCredentialRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	cred, err := h.credentials.Validate(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredential) {
			writeJSON(w, r, http.StatusOK, map[string]any{"valid": false, "reason": err.Error()})
			return
		}
		h.writeInternalError(w, r, "failed to validate credential", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"valid": true, "credential": cred})
}

// HandleGetCredential handles GET /v1/credentials/{credential_id}.
func (h *Handlers) HandleGetCredential(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("credential_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid credential id")
		return
	}

	cred, err := h.credentials.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "credential not found")
			return
		}
		h.writeInternalError(w, r, "failed to load credential", err)
		return
	}
	writeJSON(w, r, http.StatusOK, cred)
}

// HandleRotateCredential handles POST /v1/credentials/{credential_id}/rotate.
// Rotation is a no-op outside the configured pre-expiry window; the caller
// gets back whichever credential is current.
func (h *Handlers) HandleRotateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("credential_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid credential id")
		return
	}

	cred, err := h.credentials.RotateIfNeeded(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "credential not found")
		case errors.Is(err, credential.ErrAlreadyRevoked):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "credential is revoked")
		default:
			h.writeInternalError(w, r, "failed to rotate credential", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, cred)
}

// HandleRevokeCredential handles POST /v1/credentials/{credential_id}/revoke.
func (h *Handlers) HandleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("credential_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid credential id")
		return
	}

	var req model.ReasonRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.credentials.Revoke(r.Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "credential not found")
		case errors.Is(err, credential.ErrAlreadyRevoked):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "credential is already revoked")
		default:
			h.writeInternalError(w, r, "failed to revoke credential", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"credential_id": id.String(), "status": "revoked"})
}

// HandleRevokeAgentCredentials handles POST /v1/agents/{did}/credentials/revoke.
func (h *Handlers) HandleRevokeAgentCredentials(w http.ResponseWriter, r *http.Request) {
	var req model.ReasonRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	n, err := h.credentials.RevokeAllForAgent(r.Context(), r.PathValue("did"), req.Reason)
	if err != nil {
		h.writeInternalError(w, r, "failed to revoke credentials", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"revoked": n})
}
