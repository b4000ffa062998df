// Package bus provides the in-process event bus that propagates revocation,
// score, rotation, and integrity events between mesh components.
//
// Publishing never blocks: subscribers with full channels drop the event and
// the drop is counted and logged. Components that need a durable record use
// the audit log; the bus is a best-effort signal path.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event family.
type Kind string

const (
	KindAgentRevoked      Kind = "agent.revoked"
	KindAgentSuspended    Kind = "agent.suspended"
	KindCredentialRevoked Kind = "credential.revoked"
	KindCredentialRotated Kind = "credential.rotated"
	KindScoreUpdated      Kind = "score.updated"
	KindScoreWarning      Kind = "score.warning"
	KindAutoRevocation    Kind = "reward.auto_revocation"
	KindPolicyViolation   Kind = "policy.violation"
	KindIntegrityAlert    Kind = "integrity.alert"
	KindAuditAppended     Kind = "audit.appended"
)

// Event is the tagged record delivered to subscribers. Fields beyond Kind
// are populated per kind; Extensions carries forward-compatible payloads.
type Event struct {
	Kind         Kind
	AgentDID     string
	CredentialID string
	Reason       string
	Score        int
	At           time.Time
	Extensions   map[string][]byte
}

// Subscription is a registered listener. Receive from C; call the bus's
// Unsubscribe to release it.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	kinds []Kind
	done  bool
}

// Bus fans events out to subscribers, one buffered channel each.
type Bus struct {
	mu      sync.RWMutex
	byKind  map[Kind][]*Subscription
	all     []*Subscription
	closed  bool
	logger  *slog.Logger
	bufSize int
	dropped atomic.Int64
}

// New creates a bus. bufSize is the per-subscriber channel depth; values
// below 1 fall back to 64.
func New(logger *slog.Logger, bufSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize < 1 {
		bufSize = 64
	}
	return &Bus{
		byKind:  make(map[Kind][]*Subscription),
		logger:  logger,
		bufSize: bufSize,
	}
}

// Subscribe registers a listener for the given kinds; no kinds means all
// events.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	ch := make(chan Event, b.bufSize)
	sub := &Subscription{C: ch, ch: ch, kinds: kinds}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	if len(kinds) == 0 {
		b.all = append(b.all, sub)
		return sub
	}
	for _, k := range kinds {
		b.byKind[k] = append(b.byKind[k], sub)
	}
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || sub.done {
		return
	}
	sub.done = true
	if len(sub.kinds) == 0 {
		b.all = removeSub(b.all, sub)
	} else {
		for _, k := range sub.kinds {
			b.byKind[k] = removeSub(b.byKind[k], sub)
		}
	}
	close(sub.ch)
}

// Publish delivers ev to every matching subscriber without blocking. Events
// that do not fit a subscriber's buffer are dropped and counted.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.byKind[ev.Kind] {
		b.deliver(sub, ev)
	}
	for _, sub := range b.all {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		n := b.dropped.Add(1)
		if n%100 == 1 {
			b.logger.Warn("event bus: subscriber overflow, dropping",
				"kind", ev.Kind, "dropped_total", n)
		}
	}
}

// Dropped returns the number of events dropped due to subscriber overflow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[*Subscription]struct{})
	for _, subs := range b.byKind {
		for _, s := range subs {
			seen[s] = struct{}{}
		}
	}
	return len(seen) + len(b.all)
}

// Close shuts the bus down and closes all subscriber channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	closed := make(map[*Subscription]struct{})
	for _, subs := range b.byKind {
		for _, s := range subs {
			if _, ok := closed[s]; ok {
				continue
			}
			closed[s] = struct{}{}
			close(s.ch)
		}
	}
	for _, s := range b.all {
		if _, ok := closed[s]; ok {
			continue
		}
		closed[s] = struct{}{}
		close(s.ch)
	}
	b.byKind = make(map[Kind][]*Subscription)
	b.all = nil
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
