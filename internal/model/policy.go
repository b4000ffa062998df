package model

import (
	"fmt"
	"time"
)

// Verdict is a policy decision kind.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictWarn            Verdict = "warn"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictLog             Verdict = "log"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictDeny, VerdictWarn, VerdictRequireApproval, VerdictLog:
		return true
	}
	return false
}

// Restrictiveness ranks verdicts: deny > require_approval > warn > log >
// allow. Used when combining decisions across policies.
func (v Verdict) Restrictiveness() int {
	switch v {
	case VerdictDeny:
		return 5
	case VerdictRequireApproval:
		return 4
	case VerdictWarn:
		return 3
	case VerdictLog:
		return 2
	case VerdictAllow:
		return 1
	default:
		return 0
	}
}

// MostRestrictive returns the stricter of two verdicts.
func MostRestrictive(a, b Verdict) Verdict {
	if b.Restrictiveness() > a.Restrictiveness() {
		return b
	}
	return a
}

// PolicyRule is one declarative rule: a boolean condition over the request
// context, a verdict, and an optional rate limit "N/window".
type PolicyRule struct {
	Name      string   `json:"name" yaml:"name"`
	Priority  int      `json:"priority" yaml:"priority"`
	Condition string   `json:"condition" yaml:"condition"`
	Verdict   Verdict  `json:"action" yaml:"action"`
	Limit     string   `json:"limit,omitempty" yaml:"limit,omitempty"`
	Approvers []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
}

// Validate checks structural rule fields; condition syntax is the engine's
// concern.
func (r PolicyRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Condition == "" {
		return fmt.Errorf("rule %q: condition is required", r.Name)
	}
	if !r.Verdict.Valid() {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Verdict)
	}
	if r.Verdict == VerdictRequireApproval && len(r.Approvers) == 0 {
		return fmt.Errorf("rule %q: require_approval needs approvers", r.Name)
	}
	return nil
}

// Policy is a named rule collection applied to agents matched by Selector:
// a DID, a tag, or "*" for all agents.
type Policy struct {
	Version        string       `json:"version" yaml:"version"`
	Name           string       `json:"name,omitempty" yaml:"name,omitempty"`
	Selector       string       `json:"agent" yaml:"agent"`
	DefaultVerdict Verdict      `json:"default_verdict,omitempty" yaml:"default_verdict,omitempty"`
	Rules          []PolicyRule `json:"rules" yaml:"rules"`
}

// AppliesTo reports whether the policy selects the given agent.
func (p *Policy) AppliesTo(did string, tags []string) bool {
	if p.Selector == "*" || p.Selector == did {
		return true
	}
	for _, tag := range tags {
		if p.Selector == tag {
			return true
		}
	}
	return false
}

// ActionContext describes the proposed operation.
type ActionContext struct {
	Type     string            `json:"type"`
	Tool     string            `json:"tool,omitempty"`
	Path     string            `json:"path,omitempty"`
	ArgsHash string            `json:"args_hash,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
}

// DataContext carries classification flags about the data being touched.
type DataContext struct {
	ContainsPII    bool              `json:"contains_pii"`
	Encrypted      bool              `json:"encrypted"`
	Classification string            `json:"classification,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// AgentPolicyView is the requesting agent as the policy engine sees it.
type AgentPolicyView struct {
	DID          string   `json:"did"`
	TrustScore   int      `json:"trust_score"`
	Tier         string   `json:"tier,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// PolicyContext is the fixed-shape evaluation input.
type PolicyContext struct {
	Action      ActionContext     `json:"action"`
	Resource    string            `json:"resource,omitempty"`
	Data        DataContext       `json:"data"`
	Agent       AgentPolicyView   `json:"agent"`
	UserContext map[string]string `json:"user_context,omitempty"`
	Extensions  map[string][]byte `json:"extensions,omitempty"`
}

// MatchedRule records one rule that matched during evaluation.
type MatchedRule struct {
	Policy  string  `json:"policy"`
	Rule    string  `json:"rule"`
	Verdict Verdict `json:"verdict"`
}

// PolicyDecision is the engine's verdict for one request.
type PolicyDecision struct {
	Allowed     bool          `json:"allowed"`
	Verdict     Verdict       `json:"verdict"`
	PolicyName  string        `json:"policy,omitempty"`
	RuleName    string        `json:"rule,omitempty"`
	Reason      string        `json:"reason"`
	Matched     []MatchedRule `json:"matched,omitempty"`
	RateLimited bool          `json:"rate_limited,omitempty"`
	Approvers   []string      `json:"approvers,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}
