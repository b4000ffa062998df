// Package compliance maps audit activity onto named controls in external
// regulatory frameworks and produces periodic reports.
//
// The mapper cannot certify conformance by itself; it produces reports an
// auditor consumes. The control map is static, embedded at build time, and
// keyed by audit event type plus data-classification flags.
package compliance

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// Framework tags recognized by the mapper.
const (
	FrameworkSOC2      = "soc2"
	FrameworkHIPAA     = "hipaa"
	FrameworkEUAIAct   = "eu_ai_act"
	FrameworkGDPR      = "gdpr"
	FrameworkPCIDSS    = "pci_dss"
	FrameworkNISTAIRMF = "nist_ai_rmf"
	FrameworkISO42001  = "iso_42001"
)

// Frameworks lists every supported framework tag.
func Frameworks() []string {
	return []string{
		FrameworkSOC2, FrameworkHIPAA, FrameworkEUAIAct, FrameworkGDPR,
		FrameworkPCIDSS, FrameworkNISTAIRMF, FrameworkISO42001,
	}
}

var (
	ErrUnknownFramework = errors.New("compliance: unknown framework")
	ErrInvalidPeriod    = errors.New("compliance: period start must precede end")
)

// Control is one named control in an external framework. A control applies
// to the listed audit event types; when Requires names a data property, an
// applicable action missing that property violates the control.
type Control struct {
	Framework   string   `yaml:"framework" json:"framework"`
	ControlID   string   `yaml:"control_id" json:"control_id"`
	Title       string   `yaml:"title" json:"title"`
	Severity    string   `yaml:"severity" json:"severity"`
	EventTypes  []string `yaml:"event_types" json:"event_types"`
	Requires    string   `yaml:"requires,omitempty" json:"requires,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// Requirement names understood by the checker.
const (
	RequireEncryptedPII = "encrypted_pii"   // contains_pii implies encrypted
	RequirePolicyGate   = "policy_gate"     // the action carried a policy verdict
	RequireAuditTrail   = "audit_trail"     // always satisfied when the entry exists
	RequireHumanSponsor = "human_sponsor"   // agent context names a sponsor
	RequireTrustScoring = "trust_scoring"   // agent context carries a trust score
)

// Violation is one control the checked action failed to satisfy.
type Violation struct {
	Framework  string    `json:"framework"`
	ControlID  string    `json:"control_id"`
	Title      string    `json:"title"`
	Severity   string    `json:"severity"`
	AgentDID   string    `json:"agent_did"`
	ActionType string    `json:"action_type"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CheckContext carries the properties of the action under check.
type CheckContext struct {
	Data        model.DataContext `json:"data"`
	PolicyGated bool              `json:"policy_gated"`
	Sponsored   bool              `json:"sponsored"`
	TrustScored bool              `json:"trust_scored"`
}

// AuditSource reads back audit entries for report generation.
type AuditSource interface {
	Query(ctx context.Context, filter model.AuditFilter, limit int) ([]model.AuditEntry, error)
}

// Recorder appends compliance events to the audit log.
type Recorder interface {
	Append(ctx context.Context, eventType, agentDID, action, resource string, data map[string]any, outcome string) (*model.AuditEntry, error)
}

//go:embed controls.yaml
var controlsFS embed.FS

// Mapper holds the control map indexed by framework and by event type.
type Mapper struct {
	source AuditSource
	audit  Recorder
	logger *slog.Logger

	byFramework map[string][]Control
	byEvent     map[string][]Control
}

// New loads the embedded control map. The audit source is used for report
// generation and may be nil when only CheckCompliance is needed.
func New(source AuditSource, audit Recorder, logger *slog.Logger) (*Mapper, error) {
	raw, err := controlsFS.ReadFile("controls.yaml")
	if err != nil {
		return nil, fmt.Errorf("compliance: read control map: %w", err)
	}
	var doc struct {
		Controls []Control `yaml:"controls"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("compliance: parse control map: %w", err)
	}

	m := &Mapper{
		source:      source,
		audit:       audit,
		logger:      logger,
		byFramework: make(map[string][]Control),
		byEvent:     make(map[string][]Control),
	}
	known := make(map[string]bool, len(Frameworks()))
	for _, f := range Frameworks() {
		known[f] = true
	}
	for _, c := range doc.Controls {
		if !known[c.Framework] {
			return nil, fmt.Errorf("compliance: control %s names unknown framework %q", c.ControlID, c.Framework)
		}
		m.byFramework[c.Framework] = append(m.byFramework[c.Framework], c)
		for _, et := range c.EventTypes {
			m.byEvent[et] = append(m.byEvent[et], c)
		}
	}
	return m, nil
}

// Controls returns the controls of one framework.
func (m *Mapper) Controls(framework string) ([]Control, error) {
	cs, ok := m.byFramework[framework]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFramework, framework)
	}
	out := make([]Control, len(cs))
	copy(out, cs)
	return out, nil
}

// CheckCompliance evaluates the controls applicable to actionType against the
// given context and returns every violated control. An empty slice means the
// action satisfies all mapped controls.
func (m *Mapper) CheckCompliance(agentDID, actionType string, cctx CheckContext) []Violation {
	now := time.Now().UTC()
	var out []Violation
	for _, c := range m.byEvent[actionType] {
		if msg, violated := m.requirementFails(c, cctx); violated {
			out = append(out, Violation{
				Framework:  c.Framework,
				ControlID:  c.ControlID,
				Title:      c.Title,
				Severity:   c.Severity,
				AgentDID:   agentDID,
				ActionType: actionType,
				Message:    msg,
				OccurredAt: now,
			})
		}
	}
	return out
}

func (m *Mapper) requirementFails(c Control, cctx CheckContext) (string, bool) {
	switch c.Requires {
	case RequireEncryptedPII:
		if cctx.Data.ContainsPII && !cctx.Data.Encrypted {
			return "action touches PII without encryption", true
		}
	case RequirePolicyGate:
		if !cctx.PolicyGated {
			return "action was not gated through the policy engine", true
		}
	case RequireHumanSponsor:
		if !cctx.Sponsored {
			return "agent has no human sponsor on record", true
		}
	case RequireTrustScoring:
		if !cctx.TrustScored {
			return "agent activity is not trust-scored", true
		}
	case RequireAuditTrail, "":
		// Satisfied by the existence of the audit entry itself.
	default:
		m.logger.Warn("compliance: unknown requirement in control map",
			"control", c.ControlID, "requires", c.Requires)
	}
	return "", false
}
