package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

// maxLineBytes bounds a single serialized entry in the file sink.
const maxLineBytes = 1 << 20

var errSinkClosed = errors.New("audit: sink closed")

// Sink is the persistence behind the log. Range follows Redis LRANGE
// conventions: inclusive bounds, negative indices counting from the tail.
// Trim drops every entry before index keepFrom; the chain stays verifiable
// because only a whole prefix ever goes.
type Sink interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
	Range(ctx context.Context, start, stop int64) ([]model.AuditEntry, error)
	Len(ctx context.Context) (int64, error)
	Trim(ctx context.Context, keepFrom int64) error
	Close() error
}

const auditLogKey = "audit:log"

// StorageSink persists entries as an ordered list on the storage backend.
// With the memory backend this doubles as the pure in-memory mode.
type StorageSink struct {
	store storage.Backend
}

// NewStorageSink creates a sink over an existing backend. The backend's
// lifecycle belongs to the caller; Close here is a no-op.
func NewStorageSink(store storage.Backend) *StorageSink {
	return &StorageSink{store: store}
}

func (s *StorageSink) Append(ctx context.Context, entry *model.AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	return s.store.RPush(ctx, auditLogKey, raw)
}

func (s *StorageSink) Range(ctx context.Context, start, stop int64) ([]model.AuditEntry, error) {
	raws, err := s.store.LRange(ctx, auditLogKey, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("audit: decode stored entry: %w", err)
		}
	}
	return out, nil
}

func (s *StorageSink) Len(ctx context.Context) (int64, error) {
	return s.store.LLen(ctx, auditLogKey)
}

func (s *StorageSink) Trim(ctx context.Context, keepFrom int64) error {
	if keepFrom <= 0 {
		return nil
	}
	return s.store.LTrim(ctx, auditLogKey, keepFrom, -1)
}

func (s *StorageSink) Close() error { return nil }

// FileSink persists entries as JSON lines in a single append-only file.
// Appends land in a write buffer; a background loop flushes and fsyncs every
// syncInterval. A syncInterval of zero or less syncs on every append
// instead. Reads are served from an in-memory copy loaded at open.
type FileSink struct {
	path         string
	logger       *slog.Logger
	syncInterval time.Duration

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	entries []model.AuditEntry
	dirty   bool
	closed  bool

	syncStop chan struct{}
	syncDone chan struct{}
}

// NewFileSink opens or creates the log file at path and replays it. A torn
// final line from an interrupted append is truncated away; a corrupt line
// anywhere earlier aborts the open, since that means the file was edited.
func NewFileSink(path string, syncInterval time.Duration, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileSink{path: path, logger: logger, syncInterval: syncInterval}
	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.openAppend(); err != nil {
		return nil, err
	}
	if syncInterval > 0 {
		s.syncStop = make(chan struct{})
		s.syncDone = make(chan struct{})
		go s.syncLoop()
	}
	return s, nil
}

func (s *FileSink) load() error {
	f, err := os.Open(s.path) //nolint:gosec // path comes from validated config, not user input
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: open log file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var offset int64
	for sc.Scan() {
		line := sc.Bytes()
		var e model.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A bad line is tolerable only at the tail, where it is the
			// remains of an interrupted append.
			if sc.Scan() {
				return fmt.Errorf("audit: corrupt entry at byte %d of %s", offset, s.path)
			}
			s.logger.Warn("audit: dropping torn final record", "path", s.path, "offset", offset)
			if err := os.Truncate(s.path, offset); err != nil {
				return fmt.Errorf("audit: truncate torn record: %w", err)
			}
			return nil
		}
		s.entries = append(s.entries, e)
		offset += int64(len(line)) + 1
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("audit: replay log file: %w", err)
	}
	return nil
}

func (s *FileSink) openAppend() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return fmt.Errorf("audit: open log file for append: %w", err)
	}
	s.f = f
	s.w = bufio.NewWriterSize(f, 32*1024)
	return nil
}

func (s *FileSink) syncLoop() {
	defer close(s.syncDone)
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.syncStop:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("audit: background flush failed", "error", err)
			}
		}
	}
}

func (s *FileSink) Append(_ context.Context, entry *model.AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if _, err := s.w.Write(raw); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	s.entries = append(s.entries, *entry)
	s.dirty = true
	if s.syncInterval <= 0 {
		return s.flushLocked()
	}
	return nil
}

func (s *FileSink) Range(_ context.Context, start, stop int64) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSinkClosed
	}
	lo, hi, ok := clampRange(start, stop, int64(len(s.entries)))
	if !ok {
		return nil, nil
	}
	out := make([]model.AuditEntry, hi-lo+1)
	copy(out, s.entries[lo:hi+1])
	return out, nil
}

func (s *FileSink) Len(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSinkClosed
	}
	return int64(len(s.entries)), nil
}

// Trim rewrites the file without the first keepFrom entries. The rewrite
// goes through a temp file and a rename so a crash leaves either the old or
// the new file, never a half-written one.
func (s *FileSink) Trim(_ context.Context, keepFrom int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if keepFrom <= 0 {
		return nil
	}
	if keepFrom > int64(len(s.entries)) {
		keepFrom = int64(len(s.entries))
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	kept := make([]model.AuditEntry, len(s.entries)-int(keepFrom))
	copy(kept, s.entries[keepFrom:])

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return fmt.Errorf("audit: create trim temp file: %w", err)
	}
	bw := bufio.NewWriterSize(tmp, 32*1024)
	for i := range kept {
		raw, err := json.Marshal(&kept[i])
		if err != nil {
			tmp.Close()
			return fmt.Errorf("audit: marshal entry: %w", err)
		}
		if _, err := bw.Write(append(raw, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("audit: write trim temp file: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("audit: flush trim temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("audit: sync trim temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audit: close trim temp file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("audit: close log file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("audit: swap trimmed log file: %w", err)
	}
	if err := s.openAppend(); err != nil {
		return err
	}
	s.entries = kept
	s.dirty = false
	return nil
}

// Flush pushes buffered appends through to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	return s.flushLocked()
}

func (s *FileSink) flushLocked() error {
	if !s.dirty {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("audit: flush log file: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("audit: sync log file: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *FileSink) Close() error {
	if s.syncStop != nil {
		close(s.syncStop)
		<-s.syncDone
		s.syncStop = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	flushErr := s.flushLocked()
	closeErr := s.f.Close()
	s.closed = true
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("audit: close log file: %w", closeErr)
	}
	return nil
}

// clampRange converts Redis-style inclusive bounds with negative tail
// indices into zero-based inclusive bounds over n elements.
func clampRange(start, stop, n int64) (lo, hi int64, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}
