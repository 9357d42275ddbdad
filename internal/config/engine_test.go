package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEngineConfigExample(t *testing.T) {
	examplePath := filepath.Join("..", "..", "sessionsync.config.example.json")
	cfg, err := LoadEngineConfig(examplePath)
	if err != nil {
		t.Fatalf("failed to load example engine config: %v", err)
	}
	if cfg.Server.URL == "" {
		t.Error("expected server.url to be set")
	}
	if cfg.Server.AuthToken == "" {
		t.Error("expected auth_token to be set")
	}
	if cfg.Tokenization.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %q", cfg.Tokenization.Backend)
	}
	if cfg.Pricing.Path == "" {
		t.Error("expected pricing.path to be set")
	}
}

func validConfig() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.Server.URL = "wss://sessions.example.com"
	cfg.Server.AuthToken = "token"
	return cfg
}

func TestEngineConfigValidationMissingURL(t *testing.T) {
	cfg := validConfig()
	cfg.Server.URL = ""

	err := validateEngineConfig(cfg)
	if err == nil {
		t.Fatal("expected error for missing url, got nil")
	}
	if err.Error() != "validation error: server.url is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEngineConfigValidationBadScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Server.URL = "ftp://sessions.example.com"

	err := validateEngineConfig(cfg)
	if err == nil {
		t.Fatal("expected error for bad scheme, got nil")
	}
	if !strings.Contains(err.Error(), "scheme") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEngineConfigValidationMissingAuthToken(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AuthToken = ""

	err := validateEngineConfig(cfg)
	if err == nil {
		t.Fatal("expected error for missing auth token, got nil")
	}
	if err.Error() != "validation error: server.auth_token is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEngineConfigValidationVersionConstraint(t *testing.T) {
	cfg := validConfig()
	cfg.Server.VersionConstraint = "not a constraint"

	err := validateEngineConfig(cfg)
	if err == nil {
		t.Fatal("expected error for invalid version constraint, got nil")
	}
	if !strings.HasPrefix(err.Error(), "validation error: server.version_constraint is invalid") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEngineConfigValidationJitter(t *testing.T) {
	cfg := validConfig()
	cfg.Subscription.BackoffJitter = 1.5

	if err := validateEngineConfig(cfg); err == nil {
		t.Fatal("expected error for jitter out of range, got nil")
	}
}

func TestEngineConfigValidationBackoffCap(t *testing.T) {
	cfg := validConfig()
	cfg.Subscription.BackoffBaseMS = 5000
	cfg.Subscription.BackoffCapMS = 1000

	if err := validateEngineConfig(cfg); err == nil {
		t.Fatal("expected error for cap below base, got nil")
	}
}

func TestEngineConfigValidationBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Tokenization.Backend = "redis"

	err := validateEngineConfig(cfg)
	if err == nil {
		t.Fatal("expected error for unknown backend, got nil")
	}
	if !strings.Contains(err.Error(), "tokenization.backend") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEngineConfigDefaults(t *testing.T) {
	cfg := validConfig()
	if err := validateEngineConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Subscription.StallTimeout(); got != 30*time.Second {
		t.Errorf("expected stall timeout 30s, got %s", got)
	}
	if got := cfg.Subscription.BackoffBase(); got != 500*time.Millisecond {
		t.Errorf("expected backoff base 500ms, got %s", got)
	}
	if got := cfg.Subscription.BackoffCap(); got != 30*time.Second {
		t.Errorf("expected backoff cap 30s, got %s", got)
	}
	if cfg.Subscription.HydrationFailureLimit != 3 {
		t.Errorf("expected hydration failure limit 3, got %d", cfg.Subscription.HydrationFailureLimit)
	}
	if got := cfg.Tokenization.Debounce(); got != 150*time.Millisecond {
		t.Errorf("expected token debounce 150ms, got %s", got)
	}
	if got := cfg.Tokenization.Timeout(); got != 30*time.Second {
		t.Errorf("expected token timeout 30s, got %s", got)
	}
	if got := cfg.Notification.Delay(); got != 16*time.Millisecond {
		t.Errorf("expected notification delay 16ms, got %s", got)
	}
	if cfg.Database.Path != defaultDatabasePath {
		t.Errorf("expected default database path, got %q", cfg.Database.Path)
	}
}

func TestLoadEngineConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadEngineConfig(path)
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "failed to parse config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadEngineConfigMissingFile(t *testing.T) {
	_, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected read error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "failed to read config file") {
		t.Errorf("unexpected error: %v", err)
	}
}
