package bus

import (
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestPublishSubscribe(t *testing.T) {
	b := New(testLogger(), 8)
	defer b.Close()

	sub := b.Subscribe(KindAgentRevoked)

	b.Publish(Event{Kind: KindAgentRevoked, AgentDID: "did:mesh:aa", Reason: "test"})

	select {
	case ev := <-sub.C:
		if ev.Kind != KindAgentRevoked {
			t.Fatalf("kind = %q, want %q", ev.Kind, KindAgentRevoked)
		}
		if ev.AgentDID != "did:mesh:aa" {
			t.Fatalf("agent = %q, want did:mesh:aa", ev.AgentDID)
		}
		if ev.At.IsZero() {
			t.Fatal("publish should stamp At")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestKindFiltering(t *testing.T) {
	b := New(testLogger(), 8)
	defer b.Close()

	revoked := b.Subscribe(KindAgentRevoked)
	all := b.Subscribe()

	b.Publish(Event{Kind: KindScoreUpdated, AgentDID: "did:mesh:bb", Score: 710})

	select {
	case <-revoked.C:
		t.Fatal("kind-filtered subscriber must not see other kinds")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case ev := <-all.C:
		if ev.Score != 710 {
			t.Fatalf("score = %d, want 710", ev.Score)
		}
	case <-time.After(time.Second):
		t.Fatal("all-events subscriber did not receive event")
	}
}

func TestOverflowDropsWithoutBlocking(t *testing.T) {
	b := New(testLogger(), 1)
	defer b.Close()

	_ = b.Subscribe(KindAuditAppended) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(Event{Kind: KindAuditAppended})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if b.Dropped() != 49 {
		t.Fatalf("dropped = %d, want 49", b.Dropped())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(testLogger(), 8)
	defer b.Close()

	sub := b.Subscribe(KindCredentialRotated)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op

	if _, open := <-sub.C; open {
		t.Fatal("unsubscribed channel should be closed")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Kind: KindCredentialRotated})

	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestClose(t *testing.T) {
	b := New(testLogger(), 8)
	sub := b.Subscribe()

	b.Close()
	b.Close() // idempotent

	if _, open := <-sub.C; open {
		t.Fatal("close should close subscriber channels")
	}

	// Publish and subscribe after close are safe no-ops.
	b.Publish(Event{Kind: KindIntegrityAlert})
	late := b.Subscribe(KindIntegrityAlert)
	if _, open := <-late.C; open {
		t.Fatal("subscription after close should come back closed")
	}
}
