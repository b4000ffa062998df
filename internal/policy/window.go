package policy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// limitSpec is a parsed rule rate limit: at most n hits per window.
type limitSpec struct {
	n      int
	window time.Duration
}

// namedWindows maps the word forms accepted in limit strings.
var namedWindows = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// parseLimit reads the "N/window" limit grammar: N a positive integer,
// window either a duration like 30s, 5m, 1h or a name like day.
func parseLimit(s string) (limitSpec, error) {
	count, window, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return limitSpec{}, fmt.Errorf("limit %q: want N/window", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return limitSpec{}, fmt.Errorf("limit %q: count must be a positive integer", s)
	}
	window = strings.TrimSpace(window)
	if d, ok := namedWindows[window]; ok {
		return limitSpec{n: n, window: d}, nil
	}
	d, err := time.ParseDuration(window)
	if err != nil || d <= 0 {
		return limitSpec{}, fmt.Errorf("limit %q: bad window %q", s, window)
	}
	return limitSpec{n: n, window: d}, nil
}

type windowEntry struct {
	hits   []time.Time
	window time.Duration
}

// slidingWindow tracks recent hits per key in memory. Rejected attempts do
// not count against the window. A background goroutine evicts keys whose
// hits have all aged out; call close to stop it.
type slidingWindow struct {
	mu      sync.Mutex
	entries map[string]*windowEntry

	stopOnce sync.Once
	done     chan struct{}
}

func newSlidingWindow() *slidingWindow {
	w := &slidingWindow{
		entries: make(map[string]*windowEntry),
		done:    make(chan struct{}),
	}
	go w.cleanup()
	return w
}

// allow records a hit for key if fewer than n hits fall inside the window,
// and reports whether the hit fit.
func (w *slidingWindow) allow(key string, n int, window time.Duration) bool {
	now := time.Now()
	cutoff := now.Add(-window)

	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[key]
	if !ok {
		e = &windowEntry{window: window}
		w.entries[key] = e
	}
	e.window = window
	live := e.hits[:0]
	for _, t := range e.hits {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	e.hits = live
	if len(e.hits) >= n {
		return false
	}
	e.hits = append(e.hits, now)
	return true
}

func (w *slidingWindow) close() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *slidingWindow) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.evictStale()
		}
	}
}

func (w *slidingWindow) evictStale() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, e := range w.entries {
		if len(e.hits) == 0 || now.Sub(e.hits[len(e.hits)-1]) > e.window {
			delete(w.entries, key)
		}
	}
}
