package audit

import (
	"context"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// Export renders entries in the given window as CloudEvents 1.0 envelopes
// for downstream SIEM or event-mesh consumers. Both bounds are optional;
// start is inclusive, end exclusive. While the chain is in a failed
// integrity state the call returns ErrExportSuppressed.
func (l *Log) Export(ctx context.Context, start, end *time.Time) ([]model.ExternalEvent, error) {
	if l.Suppressed() {
		return nil, ErrExportSuppressed
	}
	entries, err := l.Query(ctx, model.AuditFilter{Start: start, End: end}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]model.ExternalEvent, len(entries))
	for i := range entries {
		out[i] = l.envelope(&entries[i])
	}
	return out, nil
}

func (l *Log) envelope(e *model.AuditEntry) model.ExternalEvent {
	data := map[string]any{
		"action":        e.Action,
		"outcome":       e.Outcome,
		"seq":           e.Seq,
		"hash":          e.Hash,
		"previous_hash": e.PreviousHash,
	}
	if e.Resource != "" {
		data["resource"] = e.Resource
	}
	if len(e.Data) > 0 {
		data["detail"] = e.Data
	}
	return model.ExternalEvent{
		SpecVersion:     "1.0",
		ID:              e.EntryID.String(),
		Type:            model.EventTypePrefix + e.EventType,
		Source:          l.source,
		Time:            e.Timestamp,
		Subject:         e.AgentDID,
		DataContentType: "application/json",
		Data:            data,
	}
}
