package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// kvEntry is one flat key with its optional expiry.
type kvEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryBackend implements Backend with in-process maps.
//
// It is the default for tests and single-node deployments. Expired keys are
// dropped lazily on read and swept by a background janitor every minute;
// call Close to stop the janitor.
type MemoryBackend struct {
	mu     sync.RWMutex
	kv     map[string]kvEntry
	hashes map[string]map[string][]byte
	lists  map[string][][]byte
	zsets  map[string]map[string]float64
	closed bool

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory creates a memory backend and starts its expiry janitor.
func NewMemory() *MemoryBackend {
	m := &MemoryBackend{
		kv:     make(map[string]kvEntry),
		hashes: make(map[string]map[string][]byte),
		lists:  make(map[string][][]byte),
		zsets:  make(map[string]map[string]float64),
		done:   make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.kv[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryBackend) setLocked(key string, value []byte, ttl time.Duration) {
	e := kvEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.kv[key] = e
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.kv, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	return nil
}

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.kv[key]
	if ok && !e.expired(time.Now()) {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.lists[key]; ok {
		return true, nil
	}
	_, ok = m.zsets[key]
	return ok, nil
}

func (m *MemoryBackend) HGet(_ context.Context, key, field string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryBackend) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.hsetLocked(key, field, value)
	return nil
}

func (m *MemoryBackend) hsetLocked(key, field string, value []byte) {
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	v := make([]byte, len(value))
	copy(v, value)
	h[field] = v
}

func (m *MemoryBackend) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.hdelLocked(key, fields)
	return nil
}

func (m *MemoryBackend) hdelLocked(key string, fields []string) {
	h, ok := m.hashes[key]
	if !ok {
		return
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
}

func (m *MemoryBackend) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		c := make([]byte, len(v))
		copy(c, v)
		out[f] = c
	}
	return out, nil
}

func (m *MemoryBackend) LPush(_ context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	// Redis LPUSH prepends each value in turn, so the last argument ends up
	// at the head.
	for _, v := range values {
		c := make([]byte, len(v))
		copy(c, v)
		m.lists[key] = append([][]byte{c}, m.lists[key]...)
	}
	return nil
}

func (m *MemoryBackend) RPush(_ context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.rpushLocked(key, values)
	return nil
}

func (m *MemoryBackend) rpushLocked(key string, values [][]byte) {
	for _, v := range values {
		c := make([]byte, len(v))
		copy(c, v)
		m.lists[key] = append(m.lists[key], c)
	}
}

func (m *MemoryBackend) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	list := m.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range list[lo : hi+1] {
		c := make([]byte, len(v))
		copy(c, v)
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryBackend) LLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.lists[key])), nil
}

func (m *MemoryBackend) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	list := m.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		delete(m.lists, key)
		return nil
	}
	kept := make([][]byte, hi-lo+1)
	copy(kept, list[lo:hi+1])
	m.lists[key] = kept
	return nil
}

func (m *MemoryBackend) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.zaddLocked(key, score, member)
	return nil
}

func (m *MemoryBackend) zaddLocked(key string, score float64, member string) {
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
}

func (m *MemoryBackend) ZRangeByScore(_ context.Context, key string, min, max float64) ([]ScoredMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []ScoredMember
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			out = append(out, ScoredMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (m *MemoryBackend) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.zremLocked(key, members)
	return nil
}

func (m *MemoryBackend) zremLocked(key string, members []string) {
	z, ok := m.zsets[key]
	if !ok {
		return
	}
	for _, member := range members {
		delete(z, member)
	}
	if len(z) == 0 {
		delete(m.zsets, key)
	}
}

func (m *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	return m.addCounter(key, 1)
}

func (m *MemoryBackend) Decr(_ context.Context, key string) (int64, error) {
	return m.addCounter(key, -1)
}

// addCounter stores counters as decimal strings in the flat keyspace, the
// same representation Redis uses.
func (m *MemoryBackend) addCounter(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	if e, ok := m.kv[key]; ok && !e.expired(time.Now()) {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("storage: counter %q holds non-integer value", key)
		}
		n = parsed
	}
	n += delta
	m.kv[key] = kvEntry{value: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

func (m *MemoryBackend) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	seen := make(map[string]struct{})
	now := time.Now()
	for k, e := range m.kv {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			seen[k] = struct{}{}
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k := range m.zsets {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) Apply(_ context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			m.setLocked(op.Key, op.Value, op.TTL)
		case OpDelete:
			delete(m.kv, op.Key)
			delete(m.hashes, op.Key)
			delete(m.lists, op.Key)
			delete(m.zsets, op.Key)
		case OpHSet:
			m.hsetLocked(op.Key, op.Field, op.Value)
		case OpHDel:
			m.hdelLocked(op.Key, []string{op.Field})
		case OpRPush:
			m.rpushLocked(op.Key, [][]byte{op.Value})
		case OpZAdd:
			m.zaddLocked(op.Key, op.Score, op.Member)
		case OpZRem:
			m.zremLocked(op.Key, []string{op.Member})
		default:
			return fmt.Errorf("storage: unknown batch op kind %d", op.Kind)
		}
	}
	return nil
}

func (m *MemoryBackend) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the janitor and releases all data. Safe to call multiple times.
func (m *MemoryBackend) Close() error {
	m.stopOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.closed = true
		m.kv = nil
		m.hashes = nil
		m.lists = nil
		m.zsets = nil
		m.mu.Unlock()
	})
	return nil
}

// janitor periodically drops expired flat keys so idle entries don't pin
// memory between reads.
func (m *MemoryBackend) janitor() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryBackend) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := time.Now()
	for k, e := range m.kv {
		if e.expired(now) {
			delete(m.kv, k)
		}
	}
}
