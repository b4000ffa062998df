package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("AGENTMESH_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid AGENTMESH_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "AGENTMESH_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention AGENTMESH_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("AGENTMESH_PORT", "abc")
	t.Setenv("AGENTMESH_DECAY_RATE_PER_HOUR", "fast")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "AGENTMESH_PORT") {
		t.Fatalf("error should mention AGENTMESH_PORT, got: %s", got)
	}
	if !strings.Contains(got, "AGENTMESH_DECAY_RATE_PER_HOUR") {
		t.Fatalf("error should mention AGENTMESH_DECAY_RATE_PER_HOUR, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8420 {
		t.Fatalf("expected default port 8420, got %d", cfg.Port)
	}
	if cfg.StorageBackend != BackendMemory {
		t.Fatalf("expected default memory backend, got %s", cfg.StorageBackend)
	}
	if cfg.MaxCredentialTTL != 15*time.Minute {
		t.Fatalf("expected default credential ttl 15m, got %s", cfg.MaxCredentialTTL)
	}
	if cfg.AuditExportSource != "urn:agentmesh:agentmesh" {
		t.Fatalf("unexpected default export source: %s", cfg.AuditExportSource)
	}
	if cfg.StoragePoolSize != 10 {
		t.Fatalf("expected default pool size 10, got %d", cfg.StoragePoolSize)
	}
	if cfg.StorageConnectTimeout != 30*time.Second {
		t.Fatalf("expected default connect timeout 30s, got %s", cfg.StorageConnectTimeout)
	}
}

func TestLoadReadsPoolSettings(t *testing.T) {
	t.Setenv("AGENTMESH_POOL_SIZE", "25")
	t.Setenv("AGENTMESH_CONNECT_TIMEOUT", "5s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoragePoolSize != 25 {
		t.Fatalf("expected pool size 25, got %d", cfg.StoragePoolSize)
	}
	if cfg.StorageConnectTimeout != 5*time.Second {
		t.Fatalf("expected connect timeout 5s, got %s", cfg.StorageConnectTimeout)
	}
}

func TestValidateRejectsNonPositivePool(t *testing.T) {
	t.Setenv("AGENTMESH_POOL_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to reject a zero pool size")
	}
}

func TestValidateRejectsNonPositiveConnectTimeout(t *testing.T) {
	t.Setenv("AGENTMESH_CONNECT_TIMEOUT", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to reject a negative connect timeout")
	}
}

func TestValidateRejectsInconsistentThresholds(t *testing.T) {
	t.Setenv("AGENTMESH_WARN_BELOW", "200")
	t.Setenv("AGENTMESH_AUTO_REVOKE_BELOW", "300")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject warn threshold below auto-revoke threshold")
	}
}

func TestValidateRejectsOversizedCredentialTTL(t *testing.T) {
	t.Setenv("AGENTMESH_MAX_CREDENTIAL_TTL", "1h")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject credential ttl above 15m")
	}
}

func TestValidateRequiresDSNForSQLBackend(t *testing.T) {
	t.Setenv("AGENTMESH_STORAGE_BACKEND", "sql")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to require DATABASE_URL for the sql backend")
	}
}
