package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/audit"
	"github.com/agentmesh-ai/agentmesh/internal/ctxutil"
	"github.com/agentmesh-ai/agentmesh/internal/model"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// HandleQueryAudit handles GET /v1/audit with filter query parameters:
// event_type, agent_did, action, outcome, start, end, limit.
func (h *Handlers) HandleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AuditFilter{
		EventType: q.Get("event_type"),
		AgentDID:  q.Get("agent_did"),
		Action:    q.Get("action"),
		Outcome:   q.Get("outcome"),
	}

	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "start must be RFC 3339")
			return
		}
		filter.Start = &t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "end must be RFC 3339")
			return
		}
		filter.End = &t
	}

	limit := defaultAuditLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditLimit {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer in [1,1000]")
			return
		}
		limit = n
	}

	entries, err := h.auditLog.Query(r.Context(), filter, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to query audit log", err)
		return
	}
	writeList(w, r, entries, len(entries))
}

// HandleVerifyAudit handles GET /v1/audit/verify: walks the hash chain and
// reports the first broken index, if any.
func (h *Handlers) HandleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	ok, brokenAt, err := h.auditLog.VerifyIntegrity(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to verify audit log", err)
		return
	}

	resp := map[string]any{"intact": ok, "suppressed": h.auditLog.Suppressed()}
	if !ok {
		resp["broken_at"] = brokenAt
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleAcknowledgeIntegrity handles POST /v1/audit/integrity/acknowledge:
// an admin accepts a verified integrity failure and re-enables export.
func (h *Handlers) HandleAcknowledgeIntegrity(w http.ResponseWriter, r *http.Request) {
	var req model.AcknowledgeIntegrityRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	operator := req.Operator
	if operator == "" {
		if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
			operator = claims.Name
		}
	}
	if operator == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "operator is required")
		return
	}

	h.auditLog.AcknowledgeIntegrityFailure(r.Context(), operator)
	writeJSON(w, r, http.StatusOK, map[string]any{"acknowledged": true, "operator": operator})
}

// HandleExportAudit handles GET /v1/audit/export?start=...&end=...: audit
// entries wrapped in CloudEvents envelopes for external SIEM ingestion.
func (h *Handlers) HandleExportAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var start, end *time.Time
	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "start must be RFC 3339")
			return
		}
		start = &t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "end must be RFC 3339")
			return
		}
		end = &t
	}

	events, err := h.auditLog.Export(r.Context(), start, end)
	if err != nil {
		if errors.Is(err, audit.ErrExportSuppressed) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"export suppressed: audit chain integrity failure pending acknowledgement")
			return
		}
		h.writeInternalError(w, r, "failed to export audit log", err)
		return
	}
	writeList(w, r, events, len(events))
}
