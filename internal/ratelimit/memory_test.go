package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d (within burst)", i)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false after burst exhausted")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	// 1000/s is 1 token per millisecond; after draining burst=2, a few
	// milliseconds refill at least one token.
	m := NewMemoryLimiter(1000, 2)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "k1")
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	time.Sleep(5 * time.Millisecond)

	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("expected Allow=true after refill period")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "a"); !ok {
		t.Fatal("first request for 'a' should succeed")
	}
	if ok, _ := m.Allow(ctx, "a"); ok {
		t.Fatal("second request for 'a' should be denied")
	}
	if ok, _ := m.Allow(ctx, "b"); !ok {
		t.Fatal("first request for 'b' should succeed")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 10)

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// Burst is 50, so 100 requests inside one burst allow at most 50.
	if total < 1 || total > 50 {
		t.Fatalf("expected between 1 and 50 allowed requests, got %d", total)
	}
}

func TestMemoryLimiterEvictIdle(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")
	_, _ = m.Allow(ctx, "recent")

	m.mu.Lock()
	m.buckets["stale"].seen = time.Now().Add(-15 * time.Minute)
	m.mu.Unlock()

	m.evictIdle()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("expected stale bucket to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "k1")

	// Backdate so a huge refill would be computed.
	m.mu.Lock()
	m.buckets["k1"].seen = time.Now().Add(-1 * time.Hour)
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d after long idle", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false once the capped burst is spent")
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(ctx, "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter should always return true")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}
