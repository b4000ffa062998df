// Package testutil provides shared test infrastructure: a PostgreSQL
// container for storage integration tests, a quiet test logger, and a
// capturing audit recorder for service tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testStore, _ = tc.NewSQLBackend(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a PostgreSQL container for storage integration
// tests. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "agentmesh",
			"POSTGRES_PASSWORD": "agentmesh",
			"POSTGRES_DB":       "agentmesh",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://agentmesh:agentmesh@%s:%s/agentmesh?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}
}

// NewSQLBackend opens a SQL storage backend against this container and runs
// all migrations.
func (tc *TestContainer) NewSQLBackend(ctx context.Context, logger *slog.Logger) (*storage.SQLBackend, error) {
	b, err := storage.NewSQL(ctx, tc.DSN, 10, 30*time.Second, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open backend: %w", err)
	}
	fsys, err := migrations.ForDialect(b.Dialect())
	if err != nil {
		return nil, fmt.Errorf("testutil: %w", err)
	}
	if err := b.Migrate(ctx, fsys); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return b, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Recorder is an audit sink that captures entries in memory. It satisfies
// the Recorder interfaces the services declare.
type Recorder struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

// NewRecorder creates an empty capturing recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record captures the entry.
func (r *Recorder) Record(_ context.Context, entry model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// CountByType returns how many captured entries carry the given event type.
func (r *Recorder) CountByType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// LastByType returns the most recent entry with the given event type, or
// false when none was recorded.
func (r *Recorder) LastByType(eventType string) (model.AuditEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].EventType == eventType {
			return r.entries[i], true
		}
	}
	return model.AuditEntry{}, false
}
