package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// reportQueryLimit bounds how many audit entries one report walks.
const reportQueryLimit = 10000

// ControlFinding aggregates one control's activity over a report period.
type ControlFinding struct {
	Control      Control     `json:"control"`
	Applicable   int         `json:"applicable"`
	ViolationIDs []uuid.UUID `json:"violation_entry_ids,omitempty"`
	Violations   int         `json:"violations"`
	Compliant    bool        `json:"compliant"`
}

// Report is the periodic compliance view an auditor consumes.
type Report struct {
	ReportID        uuid.UUID        `json:"report_id"`
	Framework       string           `json:"framework"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	Agents          []string         `json:"agents,omitempty"`
	Findings        []ControlFinding `json:"findings"`
	TotalViolations int              `json:"total_violations"`
	Compliant       bool             `json:"compliant"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// GenerateReport walks the audit log for the period and scores every control
// of the framework. When agents is non-empty only those DIDs are considered.
//
// Two sources of violations feed a finding: entries whose event type the
// control maps with a live requirement re-checked from the entry's data, and
// policy.violation / tool.blocked entries, which count against policy-gate
// controls by definition.
func (m *Mapper) GenerateReport(ctx context.Context, framework string, start, end time.Time, agents []string) (*Report, error) {
	controls, err := m.Controls(framework)
	if err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, ErrInvalidPeriod
	}
	if m.source == nil {
		return nil, fmt.Errorf("compliance: no audit source configured")
	}

	entries, err := m.source.Query(ctx, model.AuditFilter{Start: &start, End: &end}, reportQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("compliance: query audit log: %w", err)
	}

	want := make(map[string]bool, len(agents))
	for _, did := range agents {
		want[did] = true
	}

	findings := make([]ControlFinding, len(controls))
	for i, c := range controls {
		findings[i] = ControlFinding{Control: c}
	}
	index := make(map[string]*ControlFinding, len(controls))
	for i := range findings {
		index[findings[i].Control.ControlID] = &findings[i]
	}

	total := 0
	for i := range entries {
		e := &entries[i]
		if len(want) > 0 && !want[e.AgentDID] {
			continue
		}
		for _, c := range m.byEvent[e.EventType] {
			if c.Framework != framework {
				continue
			}
			f := index[c.ControlID]
			f.Applicable++
			if m.entryViolates(c, e) {
				f.Violations++
				f.ViolationIDs = append(f.ViolationIDs, e.EntryID)
				total++
			}
		}
	}

	compliant := true
	for i := range findings {
		findings[i].Compliant = findings[i].Violations == 0
		if !findings[i].Compliant {
			compliant = false
		}
	}

	rep := &Report{
		ReportID:        uuid.New(),
		Framework:       framework,
		PeriodStart:     start.UTC(),
		PeriodEnd:       end.UTC(),
		Agents:          agents,
		Findings:        findings,
		TotalViolations: total,
		Compliant:       compliant,
		GeneratedAt:     time.Now().UTC(),
	}

	if m.audit != nil {
		if _, err := m.audit.Append(ctx, model.EventComplianceReport, "", "generate_report", framework,
			map[string]any{
				"report_id":  rep.ReportID.String(),
				"framework":  framework,
				"violations": total,
				"compliant":  compliant,
			}, model.OutcomeSuccess); err != nil {
			m.logger.Warn("compliance: report audit append failed", "error", err)
		}
	}
	return rep, nil
}

// entryViolates re-checks a control's requirement against a stored entry.
func (m *Mapper) entryViolates(c Control, e *model.AuditEntry) bool {
	switch c.Requires {
	case RequireEncryptedPII:
		return dataBool(e, "contains_pii") && !dataBool(e, "encrypted")
	case RequirePolicyGate:
		// A denied outcome on a gated event means the gate worked; an entry
		// recorded without any verdict means the action bypassed the gate.
		_, gated := e.Data["verdict"]
		return !gated
	case RequireHumanSponsor:
		s, ok := e.Data["sponsor"].(string)
		return !ok || s == ""
	case RequireTrustScoring:
		_, scored := e.Data["trust_score"]
		return !scored
	default:
		return false
	}
}

func dataBool(e *model.AuditEntry, key string) bool {
	v, ok := e.Data[key].(bool)
	return ok && v
}
