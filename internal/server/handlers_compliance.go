package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/compliance"
	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// complianceCheckRequest is the request body for POST /v1/compliance/check.
type complianceCheckRequest struct {
	AgentDID   string                  `json:"agent_did"`
	ActionType string                  `json:"action_type"`
	Context    compliance.CheckContext `json:"context"`
}

// complianceReportRequest is the request body for POST /v1/compliance/reports.
type complianceReportRequest struct {
	Framework   string    `json:"framework"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Agents      []string  `json:"agents,omitempty"`
}

// HandleListFrameworks handles GET /v1/compliance/frameworks.
func (h *Handlers) HandleListFrameworks(w http.ResponseWriter, r *http.Request) {
	frameworks := compliance.Frameworks()
	writeList(w, r, frameworks, len(frameworks))
}

// HandleListControls handles GET /v1/compliance/frameworks/{framework}/controls.
func (h *Handlers) HandleListControls(w http.ResponseWriter, r *http.Request) {
	controls, err := h.compliance.Controls(r.PathValue("framework"))
	if err != nil {
		if errors.Is(err, compliance.ErrUnknownFramework) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown framework")
			return
		}
		h.writeInternalError(w, r, "failed to load controls", err)
		return
	}
	writeList(w, r, controls, len(controls))
}

// HandleComplianceCheck handles POST /v1/compliance/check: a synchronous
// pre-flight check of one action against every mapped control.
func (h *Handlers) HandleComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var req complianceCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ActionType == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "action_type is required")
		return
	}

	violations := h.compliance.CheckCompliance(req.AgentDID, req.ActionType, req.Context)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"compliant":  len(violations) == 0,
		"violations": violations,
	})
}

// HandleComplianceReport handles POST /v1/compliance/reports.
func (h *Handlers) HandleComplianceReport(w http.ResponseWriter, r *http.Request) {
	var req complianceReportRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	report, err := h.compliance.GenerateReport(r.Context(), req.Framework, req.PeriodStart, req.PeriodEnd, req.Agents)
	if err != nil {
		switch {
		case errors.Is(err, compliance.ErrUnknownFramework):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown framework")
		case errors.Is(err, compliance.ErrInvalidPeriod):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		default:
			h.writeInternalError(w, r, "failed to generate report", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
