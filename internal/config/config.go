// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage backend names accepted by AGENTMESH_STORAGE_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Audit sink names accepted by AGENTMESH_AUDIT_SINK.
const (
	AuditSinkStorage = "storage"
	AuditSinkFile    = "file"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BaseURL      string // e.g. "https://mesh.example.com" for links in responses.

	// Node identity for audit export and log attribution.
	NodeName string

	// Storage settings.
	StorageBackend        string // "memory", "redis", or "sql"
	RedisURL              string
	DatabaseURL           string // postgres:// DSN or a SQLite file path.
	StoragePoolSize       int    // connection pool cap; SQLite stays single-writer regardless
	StorageConnectTimeout time.Duration

	// Mesh signing key. Path to a PEM file holding a PKCS#8 Ed25519 key;
	// empty means an ephemeral key is generated at startup (credentials do
	// not survive restarts).
	MeshKeyPath string

	// Admin bootstrap.
	AdminAPIKey string // API key for the operator surface.

	// Identity settings.
	MaxAgentsPerSponsor    int
	RequireVerifiedSponsor bool

	// Credential settings.
	MaxCredentialTTL      time.Duration
	RotationThreshold     float64 // fraction of lifetime remaining that triggers rotation
	RotationSweepInterval time.Duration

	// Delegation settings.
	MaxDelegationDepth int

	// Trust scoring settings.
	DecayRatePerHour   float64
	DecayIdleAfter     time.Duration
	DecaySweepInterval time.Duration
	AutoRevokeBelow    int
	WarnBelow          int

	// Handshake settings.
	HandshakeMinScore int
	HandshakeCacheTTL time.Duration
	HandshakeNonceTTL time.Duration

	// Policy settings.
	PolicyDir        string // directory of policy YAML/JSON files loaded at startup
	ShadowPolicyPath string // optional shadow policy set evaluated without enforcement

	// Audit settings.
	AuditSink          string // "storage" or "file"
	AuditFilePath      string
	AuditRetentionDays int    // 0 retains forever
	AuditExportSource  string // CloudEvents source URI for exported entries

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	EventBufferSize     int
	MaxRequestBodyBytes int64
	ShutdownTimeout     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are collected and reported together so a bad deployment
// fails with every problem named, not just the first.
func Load() (Config, error) {
	var r envReader

	cfg := Config{
		Port:         r.Int("AGENTMESH_PORT", 8420),
		ReadTimeout:  r.Duration("AGENTMESH_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: r.Duration("AGENTMESH_WRITE_TIMEOUT", 30*time.Second),
		BaseURL:      envStr("AGENTMESH_BASE_URL", "http://localhost:8420"),

		NodeName: envStr("AGENTMESH_NODE_NAME", "agentmesh"),

		StorageBackend:        envStr("AGENTMESH_STORAGE_BACKEND", BackendMemory),
		RedisURL:              envStr("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		StoragePoolSize:       r.Int("AGENTMESH_POOL_SIZE", 10),
		StorageConnectTimeout: r.Duration("AGENTMESH_CONNECT_TIMEOUT", 30*time.Second),

		MeshKeyPath: envStr("AGENTMESH_KEY_PATH", ""),
		AdminAPIKey: envStr("AGENTMESH_ADMIN_API_KEY", ""),

		MaxAgentsPerSponsor:    r.Int("AGENTMESH_MAX_AGENTS_PER_SPONSOR", 10),
		RequireVerifiedSponsor: r.Bool("AGENTMESH_REQUIRE_VERIFIED_SPONSOR", false),

		MaxCredentialTTL:      r.Duration("AGENTMESH_MAX_CREDENTIAL_TTL", 15*time.Minute),
		RotationThreshold:     r.Float("AGENTMESH_ROTATION_THRESHOLD", 0.20),
		RotationSweepInterval: r.Duration("AGENTMESH_ROTATION_SWEEP_INTERVAL", 30*time.Second),

		MaxDelegationDepth: r.Int("AGENTMESH_MAX_DELEGATION_DEPTH", 5),

		DecayRatePerHour:   r.Float("AGENTMESH_DECAY_RATE_PER_HOUR", 2.0),
		DecayIdleAfter:     r.Duration("AGENTMESH_DECAY_IDLE_AFTER", time.Hour),
		DecaySweepInterval: r.Duration("AGENTMESH_DECAY_SWEEP_INTERVAL", 30*time.Second),
		AutoRevokeBelow:    r.Int("AGENTMESH_AUTO_REVOKE_BELOW", 300),
		WarnBelow:          r.Int("AGENTMESH_WARN_BELOW", 500),

		HandshakeMinScore: r.Int("AGENTMESH_HANDSHAKE_MIN_SCORE", 700),
		HandshakeCacheTTL: r.Duration("AGENTMESH_HANDSHAKE_CACHE_TTL", 15*time.Minute),
		HandshakeNonceTTL: r.Duration("AGENTMESH_HANDSHAKE_NONCE_TTL", 30*time.Second),

		PolicyDir:        envStr("AGENTMESH_POLICY_DIR", ""),
		ShadowPolicyPath: envStr("AGENTMESH_SHADOW_POLICY_PATH", ""),

		AuditSink:          envStr("AGENTMESH_AUDIT_SINK", AuditSinkStorage),
		AuditFilePath:      envStr("AGENTMESH_AUDIT_FILE", "agentmesh-audit.log"),
		AuditRetentionDays: r.Int("AGENTMESH_AUDIT_RETENTION_DAYS", 0),
		AuditExportSource:  envStr("AGENTMESH_AUDIT_EXPORT_SOURCE", ""),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "agentmesh"),

		LogLevel:            envStr("AGENTMESH_LOG_LEVEL", "info"),
		EventBufferSize:     r.Int("AGENTMESH_EVENT_BUFFER_SIZE", 256),
		MaxRequestBodyBytes: int64(r.Int("AGENTMESH_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		ShutdownTimeout:     r.Duration("AGENTMESH_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := r.Err(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.AuditExportSource == "" {
		cfg.AuditExportSource = "urn:agentmesh:" + cfg.NodeName
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and internally consistent.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required for the redis backend")
		}
	case BackendSQL:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the sql backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}

	if c.StoragePoolSize < 1 {
		return fmt.Errorf("config: AGENTMESH_POOL_SIZE must be at least 1")
	}
	if c.StorageConnectTimeout <= 0 {
		return fmt.Errorf("config: AGENTMESH_CONNECT_TIMEOUT must be positive")
	}

	switch c.AuditSink {
	case AuditSinkStorage:
	case AuditSinkFile:
		if c.AuditFilePath == "" {
			return fmt.Errorf("config: AGENTMESH_AUDIT_FILE is required for the file sink")
		}
	default:
		return fmt.Errorf("config: unknown audit sink %q", c.AuditSink)
	}

	if c.MaxCredentialTTL <= 0 || c.MaxCredentialTTL > 15*time.Minute {
		return fmt.Errorf("config: AGENTMESH_MAX_CREDENTIAL_TTL must be in (0, 15m]")
	}
	if c.RotationThreshold <= 0 || c.RotationThreshold >= 1 {
		return fmt.Errorf("config: AGENTMESH_ROTATION_THRESHOLD must be in (0, 1)")
	}
	if c.MaxDelegationDepth < 1 {
		return fmt.Errorf("config: AGENTMESH_MAX_DELEGATION_DEPTH must be at least 1")
	}
	if c.MaxAgentsPerSponsor < 1 {
		return fmt.Errorf("config: AGENTMESH_MAX_AGENTS_PER_SPONSOR must be at least 1")
	}
	if c.DecayRatePerHour < 0 {
		return fmt.Errorf("config: AGENTMESH_DECAY_RATE_PER_HOUR must not be negative")
	}
	if c.AutoRevokeBelow < 0 || c.AutoRevokeBelow > 1000 {
		return fmt.Errorf("config: AGENTMESH_AUTO_REVOKE_BELOW must be in [0, 1000]")
	}
	if c.WarnBelow < c.AutoRevokeBelow {
		return fmt.Errorf("config: AGENTMESH_WARN_BELOW must not be below AGENTMESH_AUTO_REVOKE_BELOW")
	}
	if c.HandshakeMinScore < 0 || c.HandshakeMinScore > 1000 {
		return fmt.Errorf("config: AGENTMESH_HANDSHAKE_MIN_SCORE must be in [0, 1000]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: AGENTMESH_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// envReader accumulates parse failures so Load can report them all at once.
type envReader struct {
	errs []error
}

func (r *envReader) Int(key string, def int) int {
	v, err := envInt(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
		return def
	}
	return v
}

func (r *envReader) Float(key string, def float64) float64 {
	v, err := envFloat(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
		return def
	}
	return v
}

func (r *envReader) Bool(key string, def bool) bool {
	v, err := envBool(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
		return def
	}
	return v
}

func (r *envReader) Duration(key string, def time.Duration) time.Duration {
	v, err := envDuration(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
		return def
	}
	return v
}

func (r *envReader) Err() error {
	return errors.Join(r.errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
