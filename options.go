package agentmesh

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port           int
	storageBackend string
	databaseURL    string
	redisURL       string
	policyDir      string
	meshKeyPath    string
	logger         *slog.Logger
	version        string
	keyStore       KeyStore
	adapters       []ProtocolAdapter
	eventHooks     []EventHook
}

// WithPort overrides the TCP port from config (AGENTMESH_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStorageBackend overrides the storage backend name from config
// (AGENTMESH_STORAGE_BACKEND env var): "memory", "redis", or "sql".
func WithStorageBackend(name string) Option {
	return func(o *resolvedOptions) { o.storageBackend = name }
}

// WithDatabaseURL overrides the SQL connection string from config
// (DATABASE_URL env var). A postgres:// DSN selects Postgres;
// anything else is treated as a SQLite file path.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the Redis connection string from config
// (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithPolicyDir overrides the policy directory from config
// (AGENTMESH_POLICY_DIR env var). Policy files in the directory are
// loaded once at startup; use the reload endpoint to pick up changes.
func WithPolicyDir(dir string) Option {
	return func(o *resolvedOptions) { o.policyDir = dir }
}

// WithMeshKeyPath overrides the mesh signing key path from config
// (AGENTMESH_KEY_PATH env var). Empty means an ephemeral key is generated
// at startup and credentials do not survive restarts.
func WithMeshKeyPath(path string) Option {
	return func(o *resolvedOptions) { o.meshKeyPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithKeyStore replaces the default in-memory agent key store.
// Only the last call wins.
func WithKeyStore(ks KeyStore) Option {
	return func(o *resolvedOptions) { o.keyStore = ks }
}

// WithProtocolAdapter registers an additional transport for the protocol
// bridge. Multiple adapters may be registered; each is installed for every
// protocol name it declares.
func WithProtocolAdapter(a ProtocolAdapter) Option {
	return func(o *resolvedOptions) { o.adapters = append(o.adapters, a) }
}

// WithEventHook registers an event hook to receive mesh lifecycle
// notifications. Multiple hooks may be registered; all registered hooks
// receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
