package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/agentmesh-ai/agentmesh/internal/capability"
	"github.com/agentmesh-ai/agentmesh/internal/handshake"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// HandleInitiateHandshake handles POST /v1/handshakes: issues a challenge
// for the caller/peer pair.
func (h *Handlers) HandleInitiateHandshake(w http.ResponseWriter, r *http.Request) {
	var req model.InitiateHandshakeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	challenge, err := h.handshakes.Initiate(r.Context(), req.CallerDID, req.PeerDID, req.Protocol)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, challenge)
}

// HandleRespondHandshake handles POST /v1/handshakes/{challenge_id}/respond.
// The mesh signs on behalf of agents whose keys it custodies; externally
// keyed agents answer challenges through the bridge instead.
func (h *Handlers) HandleRespondHandshake(w http.ResponseWriter, r *http.Request) {
	challengeID, err := uuid.Parse(r.PathValue("challenge_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid challenge id")
		return
	}

	var req struct {
		ResponderDID string `json:"responder_did"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.handshakes.Respond(r.Context(), challengeID, req.ResponderDID, h.keys)
	if err != nil {
		switch {
		case errors.Is(err, handshake.ErrChallengeNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "challenge not found or expired")
		case errors.Is(err, keystore.ErrKeyNotFound):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "no signing key held for responder")
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleVerifyHandshake handles POST /v1/handshakes/verify. Verification
// failures are a 200 with trusted=false and a failure reason; the handshake
// protocol treats them as an outcome, not an error.
func (h *Handlers) HandleVerifyHandshake(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyHandshakeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Response == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "response is required")
		return
	}

	caps, err := capability.ParseSet(req.Capabilities)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid capabilities: "+err.Error())
		return
	}

	result, err := h.handshakes.Verify(r.Context(), req.CallerDID, req.Response, handshake.Requirements{
		MinScore:     req.MinScore,
		Capabilities: caps,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}
