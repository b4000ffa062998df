package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/canonical"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

const (
	shadowRecordsKey = "policy:shadow:records"

	// maxShadowRecords caps the persisted comparison trail.
	maxShadowRecords = 10_000

	defaultReadyThreshold = 0.02
)

// ShadowRecord is one production-versus-candidate comparison.
type ShadowRecord struct {
	AgentDID          string        `json:"agent_did"`
	ProductionVerdict model.Verdict `json:"production_verdict"`
	ShadowVerdict     model.Verdict `json:"shadow_verdict"`
	Diverged          bool          `json:"diverged"`
	ContextHash       string        `json:"context_hash"`
	At                time.Time     `json:"at"`
}

// ShadowStats summarizes how the candidate rule set tracks production.
type ShadowStats struct {
	Total            int64   `json:"total"`
	Diverged         int64   `json:"diverged"`
	WindowSize       int     `json:"window_size"`
	WindowSamples    int     `json:"window_samples"`
	WindowDivergence float64 `json:"window_divergence"`
	Ready            bool    `json:"ready"`
}

// Shadow replays evaluation contexts against a candidate rule set and
// tracks where its verdicts diverge from production. It observes decisions
// strictly after they are made and returns nothing to the evaluator, so it
// cannot affect what production decides.
type Shadow struct {
	engine    *Engine
	store     storage.Backend
	audit     Recorder
	logger    *slog.Logger
	threshold float64

	mu       sync.Mutex
	window   []bool
	next     int
	samples  int
	total    int64
	diverged int64
}

// NewShadow builds a shadow evaluator around a candidate engine, which
// should be constructed with a nil audit recorder and bus so candidate
// denials stay silent. sampleWindow is the number of recent comparisons
// the readiness ratio is computed over; readyThreshold of zero or less
// means 2%.
func NewShadow(candidate *Engine, store storage.Backend, audit Recorder, logger *slog.Logger, sampleWindow int, readyThreshold float64) *Shadow {
	if sampleWindow < 1 {
		sampleWindow = 100
	}
	if readyThreshold <= 0 {
		readyThreshold = defaultReadyThreshold
	}
	return &Shadow{
		engine:    candidate,
		store:     store,
		audit:     audit,
		logger:    logger,
		threshold: readyThreshold,
		window:    make([]bool, sampleWindow),
	}
}

// Observe evaluates the candidate set on the same context and records the
// comparison. production is the verdict already returned to the caller.
func (s *Shadow) Observe(ctx context.Context, agentDID string, pctx *model.PolicyContext, production model.Verdict) {
	dec := s.engine.Evaluate(ctx, agentDID, *pctx)
	diverged := dec.Verdict != production

	contextHash, err := canonical.Hash(pctx)
	if err != nil {
		s.logger.Warn("shadow context hash failed", "error", err)
		contextHash = ""
	}

	s.mu.Lock()
	s.window[s.next] = diverged
	s.next = (s.next + 1) % len(s.window)
	if s.samples < len(s.window) {
		s.samples++
	}
	s.total++
	if diverged {
		s.diverged++
	}
	s.mu.Unlock()

	rec := ShadowRecord{
		AgentDID:          agentDID,
		ProductionVerdict: production,
		ShadowVerdict:     dec.Verdict,
		Diverged:          diverged,
		ContextHash:       contextHash,
		At:                time.Now().UTC(),
	}
	if err := s.persist(ctx, &rec); err != nil {
		s.logger.Warn("shadow record persist failed", "error", err)
	}

	if diverged {
		s.logger.Info("shadow verdict diverged",
			"agent_did", agentDID,
			"production", production, "shadow", dec.Verdict,
			"context_hash", contextHash)
		if s.audit != nil {
			entry := model.AuditEntry{
				EventType: model.EventShadowDivergence,
				AgentDID:  agentDID,
				Action:    "shadow_evaluate",
				Data: map[string]any{
					"production_verdict": string(production),
					"shadow_verdict":     string(dec.Verdict),
					"context_hash":       contextHash,
				},
				Outcome: model.OutcomeWarning,
			}
			if err := s.audit.Record(ctx, entry); err != nil {
				s.logger.Warn("shadow audit record failed", "error", err)
			}
		}
	}
}

func (s *Shadow) persist(ctx context.Context, rec *ShadowRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("policy: marshal shadow record: %w", err)
	}
	if err := s.store.RPush(ctx, shadowRecordsKey, raw); err != nil {
		return err
	}
	return s.store.LTrim(ctx, shadowRecordsKey, -maxShadowRecords, -1)
}

// Stats reports lifetime and windowed divergence. Ready means the window
// is full and its divergence ratio is under the threshold.
func (s *Shadow) Stats() ShadowStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits int
	for i := 0; i < s.samples; i++ {
		if s.window[i] {
			hits++
		}
	}
	ratio := 0.0
	if s.samples > 0 {
		ratio = float64(hits) / float64(s.samples)
	}
	return ShadowStats{
		Total:            s.total,
		Diverged:         s.diverged,
		WindowSize:       len(s.window),
		WindowSamples:    s.samples,
		WindowDivergence: ratio,
		Ready:            s.samples == len(s.window) && ratio < s.threshold,
	}
}

// Records returns the most recent persisted comparisons, oldest first.
func (s *Shadow) Records(ctx context.Context, limit int) ([]ShadowRecord, error) {
	if limit < 1 {
		limit = 100
	}
	raws, err := s.store.LRange(ctx, shadowRecordsKey, -int64(limit), -1)
	if err != nil {
		return nil, err
	}
	out := make([]ShadowRecord, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("policy: decode shadow record: %w", err)
		}
	}
	return out, nil
}
