// Package reward maintains per-agent trust scores: five behavior dimensions
// updated by exponential moving average, a weighted 0-1000 composite with
// symbolic tiers, idle decay toward a floor, and automatic revocation when
// the composite falls below the configured threshold.
//
// Per-agent state is serialized over striped locks so concurrent signals for
// one agent cannot interleave, while work on distinct agents proceeds in
// parallel. Every mutation persists the full record before score movement is
// published, so a restarted node resumes scoring from storage.
package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

var (
	// ErrInvalidWeights is returned when a weight update does not name every
	// dimension with non-negative weights summing to 1.0.
	ErrInvalidWeights = errors.New("reward: weights must cover all dimensions and sum to 1.0")
	// ErrRevoked is returned when scoring is attempted for a revoked agent.
	ErrRevoked = errors.New("reward: agent is revoked")
)

const (
	initialDimensionScore = 50.0
	initialComposite      = 500
	defaultAlpha          = 0.1
	scoreFloor            = 100
	weightsTolerance      = 1e-6

	// A signal at or above this value counts as positive and resets the
	// idle-decay clock.
	positiveSignalValue = 0.5

	recentSignalsKept  = 50
	recentSignalsShown = 10

	trendAlpha = 0.3
	trendBand  = 0.75
)

// DefaultWeights returns the standard dimension weighting.
func DefaultWeights() map[model.Dimension]float64 {
	return map[model.Dimension]float64{
		model.DimensionPolicyCompliance:    0.25,
		model.DimensionSecurityPosture:     0.25,
		model.DimensionOutputQuality:       0.20,
		model.DimensionResourceEfficiency:  0.15,
		model.DimensionCollaborationHealth: 0.15,
	}
}

func stateKey(did string) string   { return "trust:state:" + did }
func signalsKey(did string) string { return "trust:signals:" + did }

// rankingKey is the sorted set of non-revoked agent DIDs scored by composite.
const rankingKey = "trust:ranking"

// AgentRevoker marks an identity revoked, cascading to its delegation
// subtree, and returns the DIDs it revoked.
type AgentRevoker interface {
	Revoke(ctx context.Context, did, reason string) ([]string, error)
}

// CredentialRevoker tears down every active credential an agent holds.
type CredentialRevoker interface {
	RevokeAllForAgent(ctx context.Context, did, reason string) (int, error)
}

// Recorder receives audit entries for scoring events.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// dimState is the persisted running state of one dimension. TrendEMA smooths
// per-signal score deltas; its sign and magnitude decide the trend label.
type dimState struct {
	Score         float64   `json:"score"`
	SignalCount   int       `json:"signal_count"`
	PositiveCount int       `json:"positive_count"`
	NegativeCount int       `json:"negative_count"`
	TrendEMA      float64   `json:"trend_ema"`
	LastSignalAt  time.Time `json:"last_signal_at,omitzero"`
}

// agentRecord is the persisted scoring state for one agent. DecayPenalty is
// the lifetime sum of idle decay, subtracted from the weighted dimension sum;
// PeriodDecay tracks how much of the current idle period has been applied,
// so repeated sweeps subtract only the newly owed amount.
type agentRecord struct {
	DID            string                        `json:"did"`
	Dimensions     map[model.Dimension]*dimState `json:"dimensions"`
	Total          int                           `json:"total"`
	PrevTotal      int                           `json:"prev_total"`
	DecayPenalty   float64                       `json:"decay_penalty"`
	PeriodDecay    float64                       `json:"period_decay"`
	LastPositiveAt time.Time                     `json:"last_positive_at"`
	Revoked        bool                          `json:"revoked"`
	UpdatedAt      time.Time                     `json:"updated_at"`
}

func newAgentRecord(did string, now time.Time) *agentRecord {
	dims := make(map[model.Dimension]*dimState, len(model.AllDimensions()))
	for _, dim := range model.AllDimensions() {
		dims[dim] = &dimState{Score: initialDimensionScore}
	}
	return &agentRecord{
		DID:            did,
		Dimensions:     dims,
		Total:          initialComposite,
		PrevTotal:      initialComposite,
		LastPositiveAt: now,
		UpdatedAt:      now,
	}
}

// RankedAgent is one agent in the score ranking.
type RankedAgent struct {
	DID   string `json:"did"`
	Score int    `json:"score"`
}

// Engine is the trust scoring service.
type Engine struct {
	store    storage.Backend
	agents   AgentRevoker
	creds    CredentialRevoker
	eventBus *bus.Bus
	audit    Recorder
	logger   *slog.Logger

	alpha         float64
	decayRate     float64 // points per hour
	idleAfter     time.Duration
	sweepInterval time.Duration
	revokeBelow   int
	warnBelow     int

	weightsMu sync.RWMutex
	weights   map[model.Dimension]float64

	locks stripedLocks
	mu    sync.RWMutex
	cache map[string]*agentRecord

	signals     metric.Int64Counter
	revocations metric.Int64Counter
}

// New creates the scoring engine. agents and creds may be nil, which limits
// auto-revocation to the engine's own state; decayRate is points lost per
// idle hour once idleAfter has elapsed without a positive signal.
func New(store storage.Backend, agents AgentRevoker, creds CredentialRevoker, eventBus *bus.Bus, audit Recorder, logger *slog.Logger, decayRate float64, idleAfter, sweepInterval time.Duration, revokeBelow, warnBelow int) *Engine {
	meter := telemetry.Meter("agentmesh/reward")
	signals, _ := meter.Int64Counter("agentmesh.reward.signals",
		metric.WithDescription("Reward signals applied"))
	revocations, _ := meter.Int64Counter("agentmesh.reward.auto_revocations",
		metric.WithDescription("Agents revoked for falling below the trust threshold"))

	return &Engine{
		store:         store,
		agents:        agents,
		creds:         creds,
		eventBus:      eventBus,
		audit:         audit,
		logger:        logger,
		alpha:         defaultAlpha,
		decayRate:     decayRate,
		idleAfter:     idleAfter,
		sweepInterval: sweepInterval,
		revokeBelow:   revokeBelow,
		warnBelow:     warnBelow,
		weights:       DefaultWeights(),
		cache:         make(map[string]*agentRecord),
		signals:       signals,
		revocations:   revocations,
	}
}

// Register seeds scoring state for a newly registered agent: every dimension
// at 50, composite 500, tier standard. Idempotent for known agents.
func (e *Engine) Register(ctx context.Context, did string) (*model.TrustScore, error) {
	unlock := e.locks.lock(did)
	defer unlock()

	rec, err := e.load(ctx, did)
	if err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}
	if err := e.commit(ctx, rec, nil); err != nil {
		return nil, err
	}
	return e.view(rec), nil
}

// Signal applies one behavior sample to the agent's dimension state and
// recalculates the composite immediately, so threshold enforcement never
// waits for the background cycle. A positive sample resets the idle-decay
// clock. Returns the refreshed score.
func (e *Engine) Signal(ctx context.Context, did string, sig model.RewardSignal) (*model.TrustScore, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("agentmesh.agent_did", did),
		attribute.String("agentmesh.dimension", string(sig.Dimension)),
	)

	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("reward: %w", err)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	unlock := e.locks.lock(did)
	defer unlock()

	rec, err := e.load(ctx, did)
	if err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, ErrRevoked
	}

	now := time.Now().UTC()
	ds := rec.Dimensions[sig.Dimension]
	if ds == nil {
		ds = &dimState{Score: initialDimensionScore}
		rec.Dimensions[sig.Dimension] = ds
	}

	w := sig.Weight
	if w <= 0 {
		w = 1
	}
	alpha := e.alpha * w
	if alpha > 1 {
		alpha = 1
	}

	before := ds.Score
	ds.Score = before*(1-alpha) + sig.Value*100*alpha
	ds.SignalCount++
	if sig.Value >= positiveSignalValue {
		ds.PositiveCount++
		rec.LastPositiveAt = now
		rec.PeriodDecay = 0
	} else {
		ds.NegativeCount++
	}
	ds.TrendEMA = ds.TrendEMA*(1-trendAlpha) + (ds.Score-before)*trendAlpha
	ds.LastSignalAt = sig.Timestamp
	rec.UpdatedAt = now

	if err := e.commit(ctx, rec, &sig); err != nil {
		return nil, err
	}
	e.signals.Add(ctx, 1)
	e.logger.Debug("reward signal applied",
		"did", did, "dimension", sig.Dimension, "value", sig.Value, "score", rec.Total)

	score := e.view(rec)
	e.enforce(ctx, rec)
	return score, nil
}

// Score returns the agent's current composite and dimension state. Agents
// with no recorded history read as the initial 500/standard state without
// creating one.
func (e *Engine) Score(ctx context.Context, did string) (*model.TrustScore, error) {
	unlock := e.locks.lock(did)
	defer unlock()

	rec, err := e.load(ctx, did)
	if err != nil {
		return nil, err
	}
	return e.view(rec), nil
}

// Explain breaks the composite down per dimension and attaches the most
// recent signals and revocation status.
func (e *Engine) Explain(ctx context.Context, did string) (*model.ScoreExplanation, error) {
	unlock := e.locks.lock(did)
	defer unlock()

	rec, err := e.load(ctx, did)
	if err != nil {
		return nil, err
	}

	weights := e.Weights()
	exp := &model.ScoreExplanation{
		AgentDID:     did,
		TotalScore:   rec.Total,
		Tier:         model.TierForScore(rec.Total),
		Revoked:      rec.Revoked,
		CalculatedAt: rec.UpdatedAt,
	}
	for _, dim := range model.AllDimensions() {
		ds := rec.Dimensions[dim]
		if ds == nil {
			continue
		}
		exp.Dimensions = append(exp.Dimensions, model.DimensionExplanation{
			Dimension:    dim,
			Score:        ds.Score,
			Weight:       weights[dim],
			Contribution: ds.Score * weights[dim] * 10,
			SignalCount:  ds.SignalCount,
			Trend:        trendLabel(ds.TrendEMA),
		})
	}

	raws, err := e.store.LRange(ctx, signalsKey(did), -recentSignalsShown, -1)
	if err != nil {
		return nil, fmt.Errorf("reward: read signal history: %w", err)
	}
	for _, raw := range raws {
		var sig model.RewardSignal
		if err := json.Unmarshal(raw, &sig); err != nil {
			e.logger.Warn("corrupt signal history entry", "did", did, "error", err)
			continue
		}
		exp.RecentSignals = append(exp.RecentSignals, sig)
	}
	return exp, nil
}

// UpdateWeights replaces the dimension weights. The set must name every
// dimension with non-negative values summing to 1.0 within 1e-6. Composites
// pick the new weights up on their next recalculation.
func (e *Engine) UpdateWeights(ctx context.Context, weights map[model.Dimension]float64) error {
	if len(weights) != len(model.AllDimensions()) {
		return ErrInvalidWeights
	}
	sum := 0.0
	for _, dim := range model.AllDimensions() {
		w, ok := weights[dim]
		if !ok || w < 0 {
			return ErrInvalidWeights
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightsTolerance {
		return ErrInvalidWeights
	}

	cp := make(map[model.Dimension]float64, len(weights))
	data := make(map[string]any, len(weights))
	for dim, w := range weights {
		cp[dim] = w
		data[string(dim)] = w
	}
	e.weightsMu.Lock()
	e.weights = cp
	e.weightsMu.Unlock()

	e.logger.Info("dimension weights updated")
	e.record(ctx, model.AuditEntry{
		EventType: model.EventWeightsUpdated,
		Action:    "update_weights",
		Outcome:   model.OutcomeSuccess,
		Data:      data,
	})
	return nil
}

// Weights returns a copy of the active dimension weights.
func (e *Engine) Weights() map[model.Dimension]float64 {
	e.weightsMu.RLock()
	defer e.weightsMu.RUnlock()
	cp := make(map[model.Dimension]float64, len(e.weights))
	for dim, w := range e.weights {
		cp[dim] = w
	}
	return cp
}

// TrustedPeers lists non-revoked agents whose composite is at or above
// minScore, highest first.
func (e *Engine) TrustedPeers(ctx context.Context, minScore int) ([]RankedAgent, error) {
	members, err := e.store.ZRangeByScore(ctx, rankingKey, float64(minScore), 1000)
	if err != nil {
		return nil, fmt.Errorf("reward: read ranking: %w", err)
	}
	out := make([]RankedAgent, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		out = append(out, RankedAgent{DID: members[i].Member, Score: int(members[i].Score)})
	}
	return out, nil
}

// load returns the cached working copy, reading storage on first touch.
// Unknown agents get a fresh record that is neither cached nor persisted
// until a write commits it. Caller holds the DID's stripe.
func (e *Engine) load(ctx context.Context, did string) (*agentRecord, error) {
	e.mu.RLock()
	rec := e.cache[did]
	e.mu.RUnlock()
	if rec != nil {
		return rec, nil
	}

	raw, err := e.store.Get(ctx, stateKey(did))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newAgentRecord(did, time.Now().UTC()), nil
	case err != nil:
		return nil, fmt.Errorf("reward: read trust state %s: %w", did, err)
	}
	rec = &agentRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("reward: decode trust state %s: %w", did, err)
	}
	e.retain(rec)
	return rec, nil
}

func (e *Engine) retain(rec *agentRecord) {
	e.mu.Lock()
	e.cache[rec.DID] = rec
	e.mu.Unlock()
}

func (e *Engine) evict(did string) {
	e.mu.Lock()
	delete(e.cache, did)
	e.mu.Unlock()
}

// commit recalculates the composite, persists the record together with its
// ranking entry and optional signal history append, and publishes score
// movement. Caller holds the agent's stripe.
func (e *Engine) commit(ctx context.Context, rec *agentRecord, sig *model.RewardSignal) error {
	weights := e.Weights()
	prev := rec.Total
	rec.PrevTotal = prev
	rec.Total = composite(rec, weights)

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("reward: marshal trust state: %w", err)
	}
	ops := []storage.Op{{Kind: storage.OpSet, Key: stateKey(rec.DID), Value: raw}}
	if rec.Revoked {
		ops = append(ops, storage.Op{Kind: storage.OpZRem, Key: rankingKey, Member: rec.DID})
	} else {
		ops = append(ops, storage.Op{Kind: storage.OpZAdd, Key: rankingKey, Score: float64(rec.Total), Member: rec.DID})
	}
	if sig != nil {
		sraw, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("reward: marshal signal: %w", err)
		}
		ops = append(ops, storage.Op{Kind: storage.OpRPush, Key: signalsKey(rec.DID), Value: sraw})
	}
	if err := e.store.Apply(ctx, ops); err != nil {
		e.evict(rec.DID)
		return fmt.Errorf("reward: persist trust state: %w", err)
	}
	e.retain(rec)

	if sig != nil {
		if err := e.store.LTrim(ctx, signalsKey(rec.DID), -recentSignalsKept, -1); err != nil {
			e.logger.Warn("trim signal history failed", "did", rec.DID, "error", err)
		}
	}

	if rec.Total != prev {
		e.eventBus.Publish(bus.Event{
			Kind:     bus.KindScoreUpdated,
			AgentDID: rec.DID,
			Score:    rec.Total,
		})
	}
	oldTier, newTier := model.TierForScore(prev), model.TierForScore(rec.Total)
	if newTier != oldTier {
		e.logger.Info("trust tier changed",
			"did", rec.DID, "score", rec.Total, "tier", newTier, "previous_tier", oldTier)
		e.record(ctx, model.AuditEntry{
			EventType: model.EventScoreUpdated,
			AgentDID:  rec.DID,
			Action:    "tier_change",
			Outcome:   model.OutcomeSuccess,
			Data: map[string]any{
				"score":          rec.Total,
				"previous_score": prev,
				"tier":           string(newTier),
				"previous_tier":  string(oldTier),
			},
		})
	}
	return nil
}

// enforce applies the threshold actions for the agent's current composite:
// revocation below the revoke threshold, a one-shot alert on crossing into
// the warning band. Caller holds the agent's stripe.
func (e *Engine) enforce(ctx context.Context, rec *agentRecord) {
	if rec.Revoked {
		return
	}
	if rec.Total < e.revokeBelow {
		e.autoRevoke(ctx, rec)
		return
	}
	if rec.Total < e.warnBelow && rec.PrevTotal >= e.warnBelow {
		e.logger.Warn("trust score below warning threshold",
			"did", rec.DID, "score", rec.Total, "threshold", e.warnBelow)
		e.eventBus.Publish(bus.Event{
			Kind:     bus.KindScoreWarning,
			AgentDID: rec.DID,
			Score:    rec.Total,
			Reason:   "trust score below warning threshold",
		})
		e.record(ctx, model.AuditEntry{
			EventType: model.EventScoreUpdated,
			AgentDID:  rec.DID,
			Action:    "warn",
			Outcome:   model.OutcomeWarning,
			Data: map[string]any{
				"score":             rec.Total,
				"warning_threshold": e.warnBelow,
			},
		})
	}
}

// autoRevoke tears an agent down after its composite fell below the revoke
// threshold: scoring state is marked terminal, the identity is revoked with
// its delegation subtree, and every live credential across the subtree is
// revoked. Caller holds the agent's stripe.
func (e *Engine) autoRevoke(ctx context.Context, rec *agentRecord) {
	reason := fmt.Sprintf("trust score %d below revocation threshold %d", rec.Total, e.revokeBelow)
	rec.Revoked = true
	rec.UpdatedAt = time.Now().UTC()
	if err := e.commit(ctx, rec, nil); err != nil {
		e.logger.Error("persist auto-revocation failed", "did", rec.DID, "error", err)
	}

	cascade := []string{rec.DID}
	if e.agents != nil {
		revoked, err := e.agents.Revoke(ctx, rec.DID, reason)
		if err != nil {
			e.logger.Error("auto-revocation: identity revoke failed", "did", rec.DID, "error", err)
		} else if len(revoked) > 0 {
			cascade = revoked
		}
	}
	credsRevoked := 0
	if e.creds != nil {
		for _, did := range cascade {
			n, err := e.creds.RevokeAllForAgent(ctx, did, reason)
			if err != nil {
				e.logger.Warn("auto-revocation: credential teardown failed", "did", did, "error", err)
				continue
			}
			credsRevoked += n
		}
	}

	e.revocations.Add(ctx, 1)
	e.logger.Warn("agent auto-revoked",
		"did", rec.DID, "score", rec.Total,
		"cascade", len(cascade), "credentials_revoked", credsRevoked)
	e.record(ctx, model.AuditEntry{
		EventType: model.EventAutoRevocation,
		AgentDID:  rec.DID,
		Action:    "auto_revoke",
		Outcome:   model.OutcomeSuccess,
		Data: map[string]any{
			"score":               rec.Total,
			"threshold":           e.revokeBelow,
			"cascade":             len(cascade),
			"credentials_revoked": credsRevoked,
		},
	})
	e.eventBus.Publish(bus.Event{
		Kind:     bus.KindAutoRevocation,
		AgentDID: rec.DID,
		Score:    rec.Total,
		Reason:   reason,
	})
}

func (e *Engine) view(rec *agentRecord) *model.TrustScore {
	weights := e.Weights()
	dims := make(map[model.Dimension]model.DimensionState, len(rec.Dimensions))
	for dim, ds := range rec.Dimensions {
		dims[dim] = model.DimensionState{
			Score:         ds.Score,
			Weight:        weights[dim],
			SignalCount:   ds.SignalCount,
			PositiveCount: ds.PositiveCount,
			NegativeCount: ds.NegativeCount,
			Trend:         trendLabel(ds.TrendEMA),
			LastSignalAt:  ds.LastSignalAt,
		}
	}
	return &model.TrustScore{
		AgentDID:      rec.DID,
		TotalScore:    rec.Total,
		Tier:          model.TierForScore(rec.Total),
		Dimensions:    dims,
		CalculatedAt:  rec.UpdatedAt,
		PreviousScore: rec.PrevTotal,
	}
}

func (e *Engine) record(ctx context.Context, entry model.AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Warn("reward audit record failed", "event_type", entry.EventType, "error", err)
	}
}

// composite folds the weighted dimension sum minus the accumulated decay
// penalty into the clamped 0-1000 integer score.
func composite(rec *agentRecord, weights map[model.Dimension]float64) int {
	var sum float64
	for dim, w := range weights {
		ds := rec.Dimensions[dim]
		if ds == nil {
			continue
		}
		sum += ds.Score * w
	}
	total := int(math.Round(sum*10 - rec.DecayPenalty))
	if total < 0 {
		total = 0
	}
	if total > 1000 {
		total = 1000
	}
	return total
}

func trendLabel(ema float64) string {
	switch {
	case ema > trendBand:
		return model.TrendImproving
	case ema < -trendBand:
		return model.TrendDeclining
	default:
		return model.TrendStable
	}
}

// stripedLocks serializes work per key while keeping distinct keys parallel.
type stripedLocks struct {
	mus [64]sync.Mutex
}

func (l *stripedLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.mus[h.Sum32()%uint32(len(l.mus))]
	mu.Lock()
	return mu.Unlock
}
