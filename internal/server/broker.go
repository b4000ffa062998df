package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
)

// Broker fans mesh bus events out to SSE subscribers. It runs a background
// goroutine that drains one bus subscription and forwards each event, SSE
// formatted, to all active subscriber channels.
type Broker struct {
	events *bus.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// ssePayload is the JSON body of one SSE data line.
type ssePayload struct {
	Kind         string    `json:"kind"`
	AgentDID     string    `json:"agent_did,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Score        int       `json:"score,omitempty"`
	At           time.Time `json:"at"`
}

// NewBroker creates an SSE broker. Call Start to begin forwarding.
func NewBroker(events *bus.Bus, logger *slog.Logger) *Broker {
	return &Broker{
		events:      events,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start subscribes to the bus and forwards events until ctx is cancelled.
// It blocks, so call it in a goroutine. Raw audit appends are excluded:
// they fire for every operation and would drown the stream that operators
// watch for lifecycle changes.
func (b *Broker) Start(ctx context.Context) {
	sub := b.events.Subscribe(
		bus.KindAgentRevoked,
		bus.KindAgentSuspended,
		bus.KindCredentialRevoked,
		bus.KindCredentialRotated,
		bus.KindScoreWarning,
		bus.KindAutoRevocation,
		bus.KindPolicyViolation,
		bus.KindIntegrityAlert,
	)
	defer b.events.Unsubscribe(sub)

	b.logger.Info("sse broker: forwarding mesh events")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			b.broadcast(formatSSE(ev))
		}
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers with a full
// buffer are skipped so one stalled client cannot block the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE renders a bus event as a Server-Sent Events message.
func formatSSE(ev bus.Event) []byte {
	body, err := json.Marshal(ssePayload{
		Kind:         string(ev.Kind),
		AgentDID:     ev.AgentDID,
		CredentialID: ev.CredentialID,
		Reason:       ev.Reason,
		Score:        ev.Score,
		At:           ev.At,
	})
	if err != nil {
		body = []byte("{}")
	}
	return []byte("event: " + string(ev.Kind) + "\ndata: " + string(body) + "\n\n")
}
