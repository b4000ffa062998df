// Package policy evaluates declarative governance rules against request
// contexts.
//
// Rules are boolean conditions compiled to CEL programs once, at load time;
// evaluation runs entirely in memory against cached programs, so the hot
// path performs no I/O and no compilation. Conditions accept the word
// operators and/or/not alongside CEL's own syntax. The active policy set is
// swapped atomically, which lets reloads happen mid-traffic without
// locking evaluators.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

// Recorder receives audit entries for policy loads, violations, and
// non-allow verdicts.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

type compiledRule struct {
	rule    model.PolicyRule
	program cel.Program
	limit   *limitSpec
}

type compiledPolicy struct {
	policy         model.Policy
	name           string
	source         string
	defaultVerdict model.Verdict
	rules          []compiledRule
}

type policySet struct {
	policies []*compiledPolicy
}

// Engine is the policy evaluator. A nil audit recorder or event bus makes
// it silent, which the shadow evaluator uses to re-run candidate rules
// without double-reporting.
type Engine struct {
	env      *cel.Env
	eventBus *bus.Bus
	audit    Recorder
	logger   *slog.Logger

	set     atomic.Pointer[policySet]
	loadMu  sync.Mutex
	windows *slidingWindow
	shadow  *Shadow

	cacheMu  sync.RWMutex
	programs map[string]cel.Program

	evaluations metric.Int64Counter
	denials     metric.Int64Counter
}

// New builds an engine with an empty policy set.
func New(eventBus *bus.Bus, audit Recorder, logger *slog.Logger) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("data", cel.DynType),
		cel.Variable("agent", cel.DynType),
		cel.Variable("user_context", cel.DynType),
		cel.Variable("extensions", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create expression environment: %w", err)
	}

	meter := telemetry.Meter("agentmesh/policy")
	evaluations, _ := meter.Int64Counter("agentmesh.policy.evaluations",
		metric.WithDescription("Policy evaluations performed"))
	denials, _ := meter.Int64Counter("agentmesh.policy.denials",
		metric.WithDescription("Evaluations that ended in deny"))

	e := &Engine{
		env:         env,
		eventBus:    eventBus,
		audit:       audit,
		logger:      logger,
		windows:     newSlidingWindow(),
		programs:    make(map[string]cel.Program),
		evaluations: evaluations,
		denials:     denials,
	}
	e.set.Store(&policySet{})
	return e, nil
}

// SetShadow attaches a shadow evaluator. Every evaluation is replayed
// against it in a separate goroutine after the production decision is
// final, so the shadow result cannot reach the decision returned to the
// caller.
func (e *Engine) SetShadow(s *Shadow) {
	e.shadow = s
}

// Close stops the rate-limit window janitor.
func (e *Engine) Close() error {
	e.windows.close()
	return nil
}

// Evaluate runs the active policy set against one request context and
// returns the combined decision.
//
// Per policy, rules run in descending priority and the first match wins;
// no match falls back to the policy's default verdict. Across policies the
// most restrictive verdict wins. A matched rule at its rate limit forces
// deny. Conditions that fail at runtime (absent map keys and the like)
// simply do not match.
func (e *Engine) Evaluate(ctx context.Context, agentDID string, pctx model.PolicyContext) *model.PolicyDecision {
	start := time.Now()
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("agentmesh.agent_did", agentDID))

	if pctx.Agent.DID == "" {
		pctx.Agent.DID = agentDID
	}
	input := contextInput(&pctx)
	set := e.set.Load()

	final := model.VerdictAllow
	var (
		finalPolicy string
		finalRule   string
		finalLimit  bool
		approvers   []string
		matched     []model.MatchedRule
		applicable  int
	)

	for _, cp := range set.policies {
		if !cp.policy.AppliesTo(agentDID, pctx.Agent.Tags) {
			continue
		}
		applicable++

		verdict := cp.defaultVerdict
		ruleName := ""
		ruleApprovers := []string(nil)
		limited := false
		for i := range cp.rules {
			cr := &cp.rules[i]
			ok, err := evalProgram(cr.program, input)
			if err != nil {
				e.logger.Debug("policy condition errored, treating as no match",
					"policy", cp.name, "rule", cr.rule.Name, "error", err)
				continue
			}
			if !ok {
				continue
			}
			verdict = cr.rule.Verdict
			ruleName = cr.rule.Name
			ruleApprovers = cr.rule.Approvers
			if cr.limit != nil && !e.windows.allow(limitKey(cp.name, cr.rule.Name, agentDID), cr.limit.n, cr.limit.window) {
				verdict = model.VerdictDeny
				limited = true
			}
			matched = append(matched, model.MatchedRule{Policy: cp.name, Rule: ruleName, Verdict: verdict})
			break
		}

		if verdict.Restrictiveness() > final.Restrictiveness() {
			final = verdict
			finalPolicy = cp.name
			finalRule = ruleName
			finalLimit = limited
			approvers = ruleApprovers
		}
	}

	dec := &model.PolicyDecision{
		Allowed:     final != model.VerdictDeny && final != model.VerdictRequireApproval,
		Verdict:     final,
		PolicyName:  finalPolicy,
		RuleName:    finalRule,
		Reason:      e.reason(final, finalPolicy, finalRule, finalLimit, applicable),
		Matched:     matched,
		RateLimited: finalLimit,
		Approvers:   approvers,
		EvaluatedAt: start.UTC(),
	}

	e.evaluations.Add(ctx, 1)
	e.report(ctx, agentDID, &pctx, dec)
	e.logger.Debug("policy evaluated",
		"agent_did", agentDID, "verdict", dec.Verdict,
		"policy", dec.PolicyName, "rule", dec.RuleName,
		"duration_ms", time.Since(start).Milliseconds())

	if e.shadow != nil {
		go e.shadow.Observe(ctx, agentDID, &pctx, dec.Verdict)
	}
	return dec
}

func (e *Engine) reason(v model.Verdict, policyName, ruleName string, limited bool, applicable int) string {
	switch {
	case applicable == 0:
		return "no applicable policies"
	case limited:
		return fmt.Sprintf("rule %q in policy %q exceeded its rate limit", ruleName, policyName)
	case ruleName != "":
		return fmt.Sprintf("rule %q in policy %q returned %s", ruleName, policyName, v)
	case policyName != "":
		return fmt.Sprintf("policy %q default verdict %s", policyName, v)
	default:
		return "no rule matched; default verdict allow"
	}
}

// report emits audit and bus traffic for non-allow outcomes. Plain allows
// stay quiet; the proxy records the invocation itself.
func (e *Engine) report(ctx context.Context, agentDID string, pctx *model.PolicyContext, dec *model.PolicyDecision) {
	if dec.Verdict == model.VerdictAllow {
		return
	}

	eventType := model.EventPolicyEvaluation
	outcome := model.OutcomeWarning
	if dec.Verdict == model.VerdictDeny {
		eventType = model.EventPolicyViolation
		outcome = model.OutcomeDenied
		e.denials.Add(ctx, 1)
		if e.eventBus != nil {
			e.eventBus.Publish(bus.Event{
				Kind:     bus.KindPolicyViolation,
				AgentDID: agentDID,
				Reason:   dec.Reason,
			})
		}
	} else if dec.Verdict == model.VerdictLog {
		outcome = model.OutcomeSuccess
	}

	e.record(ctx, model.AuditEntry{
		EventType: eventType,
		AgentDID:  agentDID,
		Action:    "evaluate",
		Resource:  pctx.Resource,
		Data: map[string]any{
			"verdict":      string(dec.Verdict),
			"policy":       dec.PolicyName,
			"rule":         dec.RuleName,
			"action_type":  pctx.Action.Type,
			"action_tool":  pctx.Action.Tool,
			"action_path":  pctx.Action.Path,
			"rate_limited": dec.RateLimited,
		},
		Outcome: outcome,
	})
}

// Install compiles and activates the given policies, replacing the whole
// active set. Structurally invalid policies are rejected with an audit
// entry; malformed rules are skipped the same way without sinking their
// policy.
func (e *Engine) Install(ctx context.Context, policies ...model.Policy) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	next := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p, "")
		if err != nil {
			e.rejectPolicy(ctx, p.Name, "", err)
			continue
		}
		next = append(next, cp)
	}
	e.swap(next)
	return nil
}

// ActivePolicies returns the names of the loaded policies, sorted.
func (e *Engine) ActivePolicies() []string {
	set := e.set.Load()
	names := make([]string, 0, len(set.policies))
	for _, cp := range set.policies {
		names = append(names, cp.name)
	}
	sort.Strings(names)
	return names
}

// PolicyByName returns a loaded policy's definition.
func (e *Engine) PolicyByName(name string) (*model.Policy, bool) {
	for _, cp := range e.set.Load().policies {
		if cp.name == name {
			p := cp.policy
			return &p, true
		}
	}
	return nil, false
}

// compile validates a policy and compiles its rules, skipping (and
// auditing) the ones whose condition or limit does not parse.
func (e *Engine) compile(ctx context.Context, p model.Policy, source string) (*compiledPolicy, error) {
	if p.Version != "" && p.Version != "1.0" {
		return nil, fmt.Errorf("unsupported policy version %q", p.Version)
	}
	if p.Selector == "" {
		return nil, fmt.Errorf("agent selector is required")
	}
	name := p.Name
	if name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	defaultVerdict := p.DefaultVerdict
	if defaultVerdict == "" {
		defaultVerdict = model.VerdictAllow
	} else if !defaultVerdict.Valid() {
		return nil, fmt.Errorf("unknown default verdict %q", defaultVerdict)
	}

	cp := &compiledPolicy{
		policy:         p,
		name:           name,
		source:         source,
		defaultVerdict: defaultVerdict,
	}
	for _, r := range p.Rules {
		cr, err := e.compileRule(r)
		if err != nil {
			e.logger.Warn("skipping malformed policy rule",
				"policy", name, "rule", r.Name, "error", err)
			e.record(ctx, model.AuditEntry{
				EventType: model.EventPolicyMalformed,
				Action:    "compile_rule",
				Resource:  name,
				Data:      map[string]any{"rule": r.Name, "error": err.Error()},
				Outcome:   model.OutcomeWarning,
			})
			continue
		}
		cp.rules = append(cp.rules, cr)
	}
	sort.SliceStable(cp.rules, func(i, j int) bool {
		return cp.rules[i].rule.Priority > cp.rules[j].rule.Priority
	})
	return cp, nil
}

func (e *Engine) compileRule(r model.PolicyRule) (compiledRule, error) {
	if err := r.Validate(); err != nil {
		return compiledRule{}, err
	}
	prg, err := e.compileCondition(r.Condition)
	if err != nil {
		return compiledRule{}, err
	}
	cr := compiledRule{rule: r, program: prg}
	if r.Limit != "" {
		spec, err := parseLimit(r.Limit)
		if err != nil {
			return compiledRule{}, err
		}
		cr.limit = &spec
	}
	return cr, nil
}

// compileCondition translates and compiles one condition, caching the
// program under the original text.
func (e *Engine) compileCondition(cond string) (cel.Program, error) {
	e.cacheMu.RLock()
	prg, hit := e.programs[cond]
	e.cacheMu.RUnlock()
	if hit {
		return prg, nil
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if prg, hit = e.programs[cond]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(translateCondition(cond))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}
	e.programs[cond] = prg
	return prg, nil
}

func (e *Engine) rejectPolicy(ctx context.Context, name, source string, cause error) {
	e.logger.Warn("rejecting malformed policy", "policy", name, "source", source, "error", cause)
	e.record(ctx, model.AuditEntry{
		EventType: model.EventPolicyMalformed,
		Action:    "load_policy",
		Resource:  name,
		Data:      map[string]any{"source": source, "error": cause.Error()},
		Outcome:   model.OutcomeWarning,
	})
}

func (e *Engine) swap(policies []*compiledPolicy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].source != policies[j].source {
			return policies[i].source < policies[j].source
		}
		return policies[i].name < policies[j].name
	})
	e.set.Store(&policySet{policies: policies})
}

func (e *Engine) record(ctx context.Context, entry model.AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Warn("policy audit record failed", "event_type", entry.EventType, "error", err)
	}
}

func evalProgram(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is %T, not bool", out.Value())
	}
	return v, nil
}

func limitKey(policyName, ruleName, agentDID string) string {
	return policyName + "\x00" + ruleName + "\x00" + agentDID
}

// contextInput flattens the fixed-shape context into the variable map the
// compiled programs read.
func contextInput(c *model.PolicyContext) map[string]any {
	return map[string]any{
		"action": map[string]any{
			"type":      c.Action.Type,
			"tool":      c.Action.Tool,
			"path":      c.Action.Path,
			"args_hash": c.Action.ArgsHash,
			"args":      stringMap(c.Action.Args),
		},
		"resource": c.Resource,
		"data": map[string]any{
			"contains_pii":   c.Data.ContainsPII,
			"encrypted":      c.Data.Encrypted,
			"classification": c.Data.Classification,
			"labels":         stringMap(c.Data.Labels),
		},
		"agent": map[string]any{
			"did":          c.Agent.DID,
			"trust_score":  c.Agent.TrustScore,
			"tier":         c.Agent.Tier,
			"capabilities": c.Agent.Capabilities,
			"tags":         c.Agent.Tags,
		},
		"user_context": stringMap(c.UserContext),
		"extensions":   bytesMap(c.Extensions),
	}
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func bytesMap(in map[string][]byte) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
