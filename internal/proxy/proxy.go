// Package proxy is the governance sidecar that sits between an LLM client
// and a tool server. It inspects JSON-RPC tools/call requests, asks the
// policy engine for a verdict, and either blocks the call with a structured
// error or forwards it untouched and stamps the response with a verification
// footer. Everything that is not a tool invocation passes through verbatim.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-ai/agentmesh/internal/canonical"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

const (
	// BlockedCode is the JSON-RPC error code for policy-denied tool calls.
	BlockedCode = -32001

	// VerificationMarker is the fixed token in the response footer.
	VerificationMarker = "[agentmesh:verified]"

	methodToolsCall = "tools/call"

	// Standalone bookkeeping: assumed score with no history, and the
	// per-outcome deltas. The ledger saturates at [0, 1000].
	defaultStandaloneScore = 800
	denyPenalty            = 10
	allowCredit            = 1
)

// Forwarder delivers a raw JSON-RPC request to the tool server and returns
// the raw response.
type Forwarder interface {
	Forward(ctx context.Context, raw []byte) ([]byte, error)
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, raw []byte) ([]byte, error)

func (f ForwarderFunc) Forward(ctx context.Context, raw []byte) ([]byte, error) {
	return f(ctx, raw)
}

// Evaluator is the policy verdict source.
type Evaluator interface {
	Evaluate(ctx context.Context, agentDID string, pctx model.PolicyContext) *model.PolicyDecision
}

// ScoreReader supplies live trust scores when the gate runs attached to the
// mesh.
type ScoreReader interface {
	Score(ctx context.Context, did string) (*model.TrustScore, error)
}

// SignalSink receives per-call outcome signals when the gate runs attached
// to the mesh.
type SignalSink interface {
	Signal(ctx context.Context, did string, sig model.RewardSignal) (*model.TrustScore, error)
}

// Recorder receives audit entries for gated calls.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// Gate intercepts tool invocations for one or more agents.
//
// Attached to the mesh (scores and signals wired), trust state lives in the
// reward engine: scores are read live and outcomes are reported as
// policy_compliance signals. Standalone, the gate keeps its own saturating
// ledger starting at 800.
type Gate struct {
	policies Evaluator
	forward  Forwarder
	audit    Recorder
	scores   ScoreReader
	signals  SignalSink
	logger   *slog.Logger

	mu    sync.Mutex
	local map[string]int

	allowed metric.Int64Counter
	blocked metric.Int64Counter
}

// New builds the gate. scores and signals may be nil for standalone sidecar
// use; audit may be nil in tests.
func New(policies Evaluator, forward Forwarder, audit Recorder, scores ScoreReader, signals SignalSink, logger *slog.Logger) *Gate {
	meter := telemetry.Meter("agentmesh/proxy")
	allowed, _ := meter.Int64Counter("agentmesh.proxy.calls_allowed",
		metric.WithDescription("Tool calls forwarded to the tool server"))
	blocked, _ := meter.Int64Counter("agentmesh.proxy.calls_blocked",
		metric.WithDescription("Tool calls denied by policy"))

	return &Gate{
		policies: policies,
		forward:  forward,
		audit:    audit,
		scores:   scores,
		signals:  signals,
		logger:   logger,
		local:    make(map[string]int),
		allowed:  allowed,
		blocked:  blocked,
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type toolCallParams struct {
	Name      string                     `json:"name"`
	Arguments map[string]json.RawMessage `json:"arguments,omitempty"`
}

type rpcError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    blockData `json:"data"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type blockData struct {
	AgentMesh blockInfo `json:"agentmesh"`
}

type blockInfo struct {
	Blocked    bool   `json:"blocked"`
	Policy     string `json:"policy"`
	Rule       string `json:"rule"`
	TrustScore int    `json:"trust_score"`
}

// Intercept gates one raw JSON-RPC message on behalf of agentDID and returns
// the raw response. Policy denials are responses, not errors; the error
// return is reserved for transport failures.
func (g *Gate) Intercept(ctx context.Context, agentDID string, raw []byte) ([]byte, error) {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Method != methodToolsCall {
		return g.forward.Forward(ctx, raw)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("agentmesh.agent_did", agentDID))

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		// A tool call the gate cannot inspect is refused outright. No trust
		// penalty: malformed framing is a client fault, not agent behavior.
		g.blocked.Add(ctx, 1)
		g.logger.Warn("uninspectable tool call refused", "agent", agentDID)
		g.record(ctx, model.AuditEntry{
			EventType: model.EventToolBlocked,
			AgentDID:  agentDID,
			Action:    "tool_call",
			Outcome:   model.OutcomeDenied,
			Data:      map[string]any{"reason": "arguments could not be inspected"},
		})
		return marshalBlocked(req.ID, "tool call arguments could not be inspected",
			"", "", g.currentScore(ctx, agentDID))
	}
	span.SetAttributes(attribute.String("agentmesh.tool", params.Name))

	score := g.currentScore(ctx, agentDID)
	dec := g.policies.Evaluate(ctx, agentDID, g.policyContext(agentDID, score, &params))
	if !dec.Allowed {
		g.blocked.Add(ctx, 1)
		score = g.applyOutcome(ctx, agentDID, false, params.Name)
		g.logger.Info("tool call blocked",
			"agent", agentDID, "tool", params.Name,
			"policy", dec.PolicyName, "rule", dec.RuleName, "score", score)
		g.record(ctx, model.AuditEntry{
			EventType: model.EventToolBlocked,
			AgentDID:  agentDID,
			Action:    "tool_call",
			Resource:  params.Name,
			Outcome:   model.OutcomeDenied,
			Data: map[string]any{
				"tool":   params.Name,
				"policy": dec.PolicyName,
				"rule":   dec.RuleName,
				"reason": dec.Reason,
			},
		})
		return marshalBlocked(req.ID, dec.Reason, dec.PolicyName, dec.RuleName, score)
	}

	out, err := g.forward.Forward(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("proxy: forward %s: %w", params.Name, err)
	}
	g.allowed.Add(ctx, 1)
	score = g.applyOutcome(ctx, agentDID, true, params.Name)
	g.record(ctx, model.AuditEntry{
		EventType: model.EventToolInvoked,
		AgentDID:  agentDID,
		Action:    "tool_call",
		Resource:  params.Name,
		Outcome:   model.OutcomeSuccess,
		Data: map[string]any{
			"tool":   params.Name,
			"policy": dec.PolicyName,
		},
	})
	return appendFooter(out, footerLine(agentDID, score, dec.PolicyName)), nil
}

func (g *Gate) policyContext(agentDID string, score int, params *toolCallParams) model.PolicyContext {
	args := stringifyArgs(params.Arguments)
	action := model.ActionContext{
		Type: "tool_call",
		Tool: params.Name,
		Args: args,
	}
	if p, ok := args["path"]; ok {
		action.Path = p
	} else if p, ok := args["file_path"]; ok {
		action.Path = p
	}
	if len(params.Arguments) > 0 {
		if h, err := canonical.Hash(params.Arguments); err == nil {
			action.ArgsHash = h
		}
	}
	return model.PolicyContext{
		Action:   action,
		Resource: action.Path,
		Agent:    model.AgentPolicyView{DID: agentDID, TrustScore: score},
	}
}

// currentScore is the display score before any outcome is applied.
func (g *Gate) currentScore(ctx context.Context, did string) int {
	if g.scores != nil {
		if s, err := g.scores.Score(ctx, did); err == nil {
			return s.TotalScore
		}
		g.logger.Warn("proxy: score read failed, using local ledger", "agent", did)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.local[did]; ok {
		return cur
	}
	return defaultStandaloneScore
}

// applyOutcome records the call outcome and returns the score shown on the
// wire. Attached, the reward engine owns the arithmetic; standalone, the
// local ledger moves by the fixed deltas and saturates.
func (g *Gate) applyOutcome(ctx context.Context, did string, allowed bool, tool string) int {
	if g.signals != nil {
		sig := model.RewardSignal{
			Dimension: model.DimensionPolicyCompliance,
			Source:    "proxy",
			Details:   map[string]string{"tool": tool},
		}
		if allowed {
			sig.Value = 1.0
			sig.Weight = 0.1
		} else {
			sig.Value = 0.0
			sig.Weight = 1.0
		}
		score, err := g.signals.Signal(ctx, did, sig)
		if err == nil {
			return score.TotalScore
		}
		g.logger.Warn("proxy: outcome signal not applied", "agent", did, "error", err)
		return g.currentScore(ctx, did)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.local[did]
	if !ok {
		cur = defaultStandaloneScore
	}
	if allowed {
		cur += allowCredit
	} else {
		cur -= denyPenalty
	}
	if cur > 1000 {
		cur = 1000
	}
	if cur < 0 {
		cur = 0
	}
	g.local[did] = cur
	return cur
}

func (g *Gate) record(ctx context.Context, entry model.AuditEntry) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Record(ctx, entry); err != nil {
		g.logger.Warn("proxy audit record failed", "event_type", entry.EventType, "error", err)
	}
}

func marshalBlocked(id json.RawMessage, reason, policyName, ruleName string, score int) ([]byte, error) {
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    BlockedCode,
			Message: "Policy violation: " + reason,
			Data: blockData{AgentMesh: blockInfo{
				Blocked:    true,
				Policy:     policyName,
				Rule:       ruleName,
				TrustScore: score,
			}},
		},
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("proxy: marshal blocked response: %w", err)
	}
	return out, nil
}

func footerLine(did string, score int, policyName string) string {
	if policyName == "" {
		policyName = "default"
	}
	return fmt.Sprintf("\n\n%s did=%s trust_score=%d policy=%s",
		VerificationMarker, did, score, policyName)
}

// appendFooter stamps the verification line onto the last text content item
// of a successful tools/call result. Error responses, non-text results, and
// anything unparseable pass through byte-for-byte. Unknown response fields
// survive the rewrite.
func appendFooter(raw []byte, footer string) []byte {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return raw
	}
	if _, failed := top["error"]; failed {
		return raw
	}
	result, ok := top["result"]
	if !ok {
		return raw
	}
	var res map[string]json.RawMessage
	if err := json.Unmarshal(result, &res); err != nil {
		return raw
	}
	var content []map[string]json.RawMessage
	if err := json.Unmarshal(res["content"], &content); err != nil || len(content) == 0 {
		return raw
	}

	for i := len(content) - 1; i >= 0; i-- {
		var typ, text string
		if json.Unmarshal(content[i]["type"], &typ) != nil || typ != "text" {
			continue
		}
		if json.Unmarshal(content[i]["text"], &text) != nil {
			return raw
		}
		stamped, err := json.Marshal(text + footer)
		if err != nil {
			return raw
		}
		content[i]["text"] = stamped

		newContent, err := json.Marshal(content)
		if err != nil {
			return raw
		}
		res["content"] = newContent
		newResult, err := json.Marshal(res)
		if err != nil {
			return raw
		}
		top["result"] = newResult
		out, err := json.Marshal(top)
		if err != nil {
			return raw
		}
		return out
	}
	return raw
}

// stringifyArgs flattens tool arguments for rule expressions. JSON strings
// keep their unquoted form; everything else stays in literal JSON.
func stringifyArgs(args map[string]json.RawMessage) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out
}
