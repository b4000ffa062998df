package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/reward"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

// HandleGetScore handles GET /v1/agents/{did}/score.
func (h *Handlers) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.trust.Score(r.Context(), r.PathValue("did"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent is not scored")
			return
		}
		h.writeInternalError(w, r, "failed to load score", err)
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

// HandleExplainScore handles GET /v1/agents/{did}/score/explanation.
func (h *Handlers) HandleExplainScore(w http.ResponseWriter, r *http.Request) {
	explanation, err := h.trust.Explain(r.Context(), r.PathValue("did"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent is not scored")
			return
		}
		h.writeInternalError(w, r, "failed to explain score", err)
		return
	}
	writeJSON(w, r, http.StatusOK, explanation)
}

// HandleRewardSignal handles POST /v1/agents/{did}/signals.
func (h *Handlers) HandleRewardSignal(w http.ResponseWriter, r *http.Request) {
	var sig model.RewardSignal
	if err := decodeJSON(w, r, &sig, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	score, err := h.trust.Signal(r.Context(), r.PathValue("did"), sig)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent is not scored")
		case errors.Is(err, reward.ErrRevoked):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent is revoked")
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

// HandleTrustedPeers handles GET /v1/trust/peers?min_score=N.
func (h *Handlers) HandleTrustedPeers(w http.ResponseWriter, r *http.Request) {
	minScore := 0
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "min_score must be an integer in [0,1000]")
			return
		}
		minScore = n
	}

	peers, err := h.trust.TrustedPeers(r.Context(), minScore)
	if err != nil {
		h.writeInternalError(w, r, "failed to rank peers", err)
		return
	}
	writeList(w, r, peers, len(peers))
}

// HandleGetWeights handles GET /v1/trust/weights.
func (h *Handlers) HandleGetWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.trust.Weights())
}

// HandleUpdateWeights handles PUT /v1/trust/weights.
func (h *Handlers) HandleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateWeightsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.trust.UpdateWeights(r.Context(), req.Weights); err != nil {
		if errors.Is(err, reward.ErrInvalidWeights) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeInternalError(w, r, "failed to update weights", err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.trust.Weights())
}
