package server

import (
	"net/http"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/revocation"
)

// revocationEntry is the wire shape of one revocation set entry.
type revocationEntry struct {
	Reason    string     `json:"reason"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Permanent bool       `json:"permanent"`
}

func toRevocationEntry(e *revocation.Entry) revocationEntry {
	return revocationEntry{
		Reason:    e.Reason,
		AddedAt:   e.AddedAt,
		ExpiresAt: e.ExpiresAt,
		Permanent: e.Permanent(),
	}
}

// HandleListRevocations handles GET /v1/revocations: every DID currently in
// the revocation set, temporary entries included.
func (h *Handlers) HandleListRevocations(w http.ResponseWriter, r *http.Request) {
	dids, err := h.revocations.ListDIDs(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list revocations", err)
		return
	}
	writeList(w, r, dids, len(dids))
}

// HandleGetRevocation handles GET /v1/revocations/{did}.
func (h *Handlers) HandleGetRevocation(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	if err := model.ValidateDID(did); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	entry, err := h.revocations.DIDEntry(r.Context(), did)
	if err != nil {
		h.writeInternalError(w, r, "failed to read revocation entry", err)
		return
	}
	if entry == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "did is not revoked")
		return
	}
	writeJSON(w, r, http.StatusOK, toRevocationEntry(entry))
}

// HandleGetCredentialRevocation handles GET /v1/revocations/credentials/{credential_id}.
func (h *Handlers) HandleGetCredentialRevocation(w http.ResponseWriter, r *http.Request) {
	entry, err := h.revocations.CredentialEntry(r.Context(), r.PathValue("credential_id"))
	if err != nil {
		h.writeInternalError(w, r, "failed to read revocation entry", err)
		return
	}
	if entry == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "credential is not revoked")
		return
	}
	writeJSON(w, r, http.StatusOK, toRevocationEntry(entry))
}
