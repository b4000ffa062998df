// Package audit maintains the hash-chained audit log every mesh component
// records into.
//
// Entries form a chain: each one carries the hash of its predecessor and a
// hash over its own canonical serialization, so any edit after append is
// detectable by replaying the chain. Appends are serialized through a single
// mutex; the chain has exactly one order. Persistence is pluggable (see
// Sink), and verification behaves identically against any sink.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/canonical"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

// retentionSweepInterval is how often the Run loop prunes expired entries.
const retentionSweepInterval = time.Hour

// ErrExportSuppressed is returned by Export after a failed integrity check
// until an operator acknowledges the failure.
var ErrExportSuppressed = errors.New("audit: export suppressed until integrity failure is acknowledged")

// Log is the append-only, hash-chained audit trail.
type Log struct {
	sink      Sink
	eventBus  *bus.Bus
	logger    *slog.Logger
	source    string
	retention time.Duration

	mu         sync.Mutex
	seq        uint64
	lastHash   string
	suppressed bool

	appended metric.Int64Counter
}

// New builds the log on top of sink and recovers chain state from the last
// persisted entry. source is the CloudEvents source URI stamped on exported
// entries; retention of zero keeps entries forever.
func New(sink Sink, eventBus *bus.Bus, logger *slog.Logger, source string, retention time.Duration) (*Log, error) {
	meter := telemetry.Meter("agentmesh/audit")
	appended, _ := meter.Int64Counter("agentmesh.audit.appended",
		metric.WithDescription("Entries appended to the audit chain"))

	l := &Log{
		sink:      sink,
		eventBus:  eventBus,
		logger:    logger,
		source:    source,
		retention: retention,
		lastHash:  canonical.ZeroHash,
		appended:  appended,
	}

	ctx := context.Background()
	n, err := sink.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain length: %w", err)
	}
	if n > 0 {
		tail, err := sink.Range(ctx, n-1, n-1)
		if err != nil {
			return nil, fmt.Errorf("audit: read chain tail: %w", err)
		}
		if len(tail) != 1 {
			return nil, fmt.Errorf("audit: chain tail missing at index %d", n-1)
		}
		l.seq = tail[0].Seq
		l.lastHash = tail[0].Hash
		logger.Info("audit log recovered", "entries", n, "seq", l.seq)
	}
	return l, nil
}

// Append records a new entry assembled from its parts and returns it with
// the chain fields filled in.
func (l *Log) Append(ctx context.Context, eventType, agentDID, action, resource string, data map[string]any, outcome string) (*model.AuditEntry, error) {
	entry := model.AuditEntry{
		EventType: eventType,
		AgentDID:  agentDID,
		Action:    action,
		Resource:  resource,
		Data:      data,
		Outcome:   outcome,
	}
	if err := l.append(ctx, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Record appends a prepared entry to the chain, overwriting its sequence
// number and hash fields. EntryID and Timestamp are filled when zero.
func (l *Log) Record(ctx context.Context, entry model.AuditEntry) error {
	return l.append(ctx, &entry)
}

func (l *Log) append(ctx context.Context, entry *model.AuditEntry) error {
	if entry.EventType == "" {
		return errors.New("audit: event type required")
	}
	if entry.Action == "" {
		return errors.New("audit: action required")
	}
	if entry.Outcome == "" {
		entry.Outcome = model.OutcomeSuccess
	}
	if entry.EntryID == uuid.Nil {
		entry.EntryID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	entry.Seq = l.seq + 1
	entry.PreviousHash = l.lastHash
	hash, err := hashEntry(entry.PreviousHash, entry)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	entry.Hash = hash
	if err := l.sink.Append(ctx, entry); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("audit: persist entry: %w", err)
	}
	l.seq = entry.Seq
	l.lastHash = entry.Hash
	l.mu.Unlock()

	l.appended.Add(ctx, 1)
	l.eventBus.Publish(bus.Event{
		Kind:     bus.KindAuditAppended,
		AgentDID: entry.AgentDID,
		At:       entry.Timestamp,
		Extensions: map[string][]byte{
			"event_type": []byte(entry.EventType),
			"entry_id":   []byte(entry.EntryID.String()),
		},
	})
	l.logger.Debug("audit entry appended",
		"seq", entry.Seq, "event_type", entry.EventType, "agent_did", entry.AgentDID)
	return nil
}

// Query returns entries passing the filter in chain order. A positive limit
// keeps only the most recent matches.
func (l *Log) Query(ctx context.Context, filter model.AuditFilter, limit int) ([]model.AuditEntry, error) {
	entries, err := l.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]model.AuditEntry, 0, len(entries))
	for i := range entries {
		if filter.Matches(&entries[i]) {
			matched = append(matched, entries[i])
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// VerifyIntegrity replays the chain and recomputes every hash. It returns
// the zero-based index of the first entry that fails, or -1 when the chain
// holds. A failure suppresses external export until
// AcknowledgeIntegrityFailure is called, and raises an integrity alert.
func (l *Log) VerifyIntegrity(ctx context.Context) (bool, int64, error) {
	entries, err := l.snapshot(ctx)
	if err != nil {
		return false, -1, err
	}

	bad := int64(-1)
	for i := range entries {
		e := &entries[i]
		if i == 0 {
			// After a retention trim the first retained entry anchors the
			// chain; only a fresh chain must anchor at the zero hash.
			if e.Seq == 1 && e.PreviousHash != canonical.ZeroHash {
				bad = 0
				break
			}
		} else {
			if e.PreviousHash != entries[i-1].Hash || e.Seq != entries[i-1].Seq+1 {
				bad = int64(i)
				break
			}
		}
		want, err := hashEntry(e.PreviousHash, e)
		if err != nil {
			return false, -1, err
		}
		if e.Hash != want {
			bad = int64(i)
			break
		}
	}

	if bad >= 0 {
		l.mu.Lock()
		l.suppressed = true
		l.mu.Unlock()

		l.logger.Error("audit chain integrity broken",
			"index", bad, "seq", entries[bad].Seq)
		l.record(ctx, model.AuditEntry{
			EventType: model.EventIntegrityBroken,
			Action:    "verify_integrity",
			Data:      map[string]any{"first_bad_index": bad, "first_bad_seq": entries[bad].Seq},
			Outcome:   model.OutcomeFailure,
		})
		l.eventBus.Publish(bus.Event{
			Kind:   bus.KindIntegrityAlert,
			Reason: fmt.Sprintf("audit chain broken at index %d", bad),
		})
		return false, bad, nil
	}

	l.record(ctx, model.AuditEntry{
		EventType: model.EventIntegrityVerified,
		Action:    "verify_integrity",
		Data:      map[string]any{"entries": len(entries)},
		Outcome:   model.OutcomeSuccess,
	})
	return true, -1, nil
}

// AcknowledgeIntegrityFailure re-enables external export after an operator
// has reviewed a broken chain. Verification passing again does not clear the
// suppression on its own; a restored backup still needs a human to sign off.
func (l *Log) AcknowledgeIntegrityFailure(ctx context.Context, operator string) {
	l.mu.Lock()
	was := l.suppressed
	l.suppressed = false
	l.mu.Unlock()
	if !was {
		return
	}
	l.logger.Warn("audit integrity failure acknowledged", "operator", operator)
	l.record(ctx, model.AuditEntry{
		EventType: model.EventIntegrityAcked,
		Action:    "acknowledge_integrity_failure",
		Data:      map[string]any{"operator": operator},
		Outcome:   model.OutcomeSuccess,
	})
}

// Suppressed reports whether external export is currently blocked.
func (l *Log) Suppressed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed
}

// Prune drops entries older than the retention window from the head of the
// chain and returns how many went. Only a whole prefix is ever removed, so
// the remaining chain still verifies.
func (l *Log) Prune(ctx context.Context) (int, error) {
	if l.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.sink.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: read chain length: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	entries, err := l.sink.Range(ctx, 0, n-1)
	if err != nil {
		return 0, fmt.Errorf("audit: read chain: %w", err)
	}
	drop := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			break
		}
		drop++
	}
	if drop == 0 {
		return 0, nil
	}
	if err := l.sink.Trim(ctx, int64(drop)); err != nil {
		return 0, fmt.Errorf("audit: trim chain: %w", err)
	}
	l.logger.Info("audit retention sweep", "dropped", drop, "retained", len(entries)-drop)
	return drop, nil
}

// Run drives the retention sweep until ctx is cancelled. Without a retention
// window it returns immediately.
func (l *Log) Run(ctx context.Context) {
	if l.retention <= 0 {
		return
	}
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Prune(ctx); err != nil {
				l.logger.Error("audit retention sweep failed", "error", err)
			}
		}
	}
}

// Close flushes and releases the sink.
func (l *Log) Close() error {
	return l.sink.Close()
}

// snapshot reads the chain up to its length at call time, so entries
// appended during a scan do not shift the window.
func (l *Log) snapshot(ctx context.Context) ([]model.AuditEntry, error) {
	n, err := l.sink.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain length: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	entries, err := l.sink.Range(ctx, 0, n-1)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain: %w", err)
	}
	return entries, nil
}

// record is Record with failures logged instead of returned, for the log's
// own bookkeeping entries.
func (l *Log) record(ctx context.Context, entry model.AuditEntry) {
	if err := l.Record(ctx, entry); err != nil {
		l.logger.Warn("audit self-record failed", "event_type", entry.EventType, "error", err)
	}
}

// hashEntry computes an entry's chain hash: SHA-256 over the predecessor's
// hex hash and the canonical serialization of the entry without its hash
// field. The entry round-trips through JSON first so the bytes hashed at
// append time match the bytes recomputed from a stored copy.
func hashEntry(previousHash string, entry *model.AuditEntry) (string, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry for hashing: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("audit: reshape entry for hashing: %w", err)
	}
	delete(m, "hash")
	return canonical.ChainHash(previousHash, m)
}
