package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
)

const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ServerConfig struct {
	URL               string `json:"url"`
	AuthToken         string `json:"auth_token"`
	VersionConstraint string `json:"version_constraint"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type SubscriptionConfig struct {
	StallTimeoutMS        int     `json:"stall_timeout_ms"`
	StallCheckIntervalMS  int     `json:"stall_check_interval_ms"`
	BackoffBaseMS         int     `json:"backoff_base_ms"`
	BackoffCapMS          int     `json:"backoff_cap_ms"`
	BackoffJitter         float64 `json:"backoff_jitter"`
	HydrationFailureLimit int     `json:"hydration_failure_limit"`
}

type TokenizationConfig struct {
	DebounceMS int    `json:"debounce_ms"`
	TimeoutSec int    `json:"timeout_sec"`
	CacheSize  int    `json:"cache_size"`
	Backend    string `json:"backend"`
	BoltPath   string `json:"bolt_path"`
}

type NotificationConfig struct {
	DelayMS int `json:"delay_ms"`
}

type PricingConfig struct {
	Path       string `json:"path"`
	DebounceMS int    `json:"debounce_ms"`
}

type MetricsConfig struct {
	Addr string `json:"addr"`
}

type EngineConfig struct {
	Server       ServerConfig       `json:"server"`
	Subscription SubscriptionConfig `json:"subscription"`
	Tokenization TokenizationConfig `json:"tokenization"`
	Notification NotificationConfig `json:"notification"`
	Database     DatabaseConfig     `json:"database"`
	Pricing      PricingConfig      `json:"pricing"`
	Metrics      MetricsConfig      `json:"metrics"`
}

const (
	defaultRequestTimeoutSec     = 15
	defaultStallTimeoutMS        = 30000
	defaultStallCheckIntervalMS  = 5000
	defaultBackoffBaseMS         = 500
	defaultBackoffCapMS          = 30000
	defaultHydrationFailureLimit = 3
	defaultTokenDebounceMS       = 150
	defaultTokenTimeoutSec       = 30
	defaultTokenCacheSize        = 256
	defaultNotificationDelayMS   = 16
	defaultPricingDebounceMS     = 100
	defaultDatabasePath          = "./sessionsync.db"
	defaultBoltPath              = "./breakdowns.bolt"
)

// DefaultEngineConfig returns a config with every default applied and no
// server set.
func DefaultEngineConfig() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.applyDefaults()
	return cfg
}

func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg EngineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateEngineConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateEngineConfig(cfg *EngineConfig) error {
	if cfg.Server.URL == "" {
		return fmt.Errorf("validation error: server.url is required")
	}
	u, err := url.Parse(cfg.Server.URL)
	if err != nil {
		return fmt.Errorf("validation error: server.url is invalid: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("validation error: server.url scheme must be http, https, ws or wss, got %q", u.Scheme)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Server.VersionConstraint != "" {
		if _, err := semver.NewConstraint(cfg.Server.VersionConstraint); err != nil {
			return fmt.Errorf("validation error: server.version_constraint is invalid: %v", err)
		}
	}

	cfg.applyDefaults()

	sub := cfg.Subscription
	if sub.BackoffCapMS < sub.BackoffBaseMS {
		return fmt.Errorf("validation error: subscription.backoff_cap_ms must be >= backoff_base_ms, got %d < %d", sub.BackoffCapMS, sub.BackoffBaseMS)
	}
	if sub.BackoffJitter < 0 || sub.BackoffJitter >= 1 {
		return fmt.Errorf("validation error: subscription.backoff_jitter must be in [0, 1), got %f", sub.BackoffJitter)
	}
	if sub.StallCheckIntervalMS > sub.StallTimeoutMS {
		return fmt.Errorf("validation error: subscription.stall_check_interval_ms must not exceed stall_timeout_ms, got %d > %d", sub.StallCheckIntervalMS, sub.StallTimeoutMS)
	}

	switch cfg.Tokenization.Backend {
	case BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("validation error: tokenization.backend must be %q or %q, got %q", BackendSQLite, BackendBolt, cfg.Tokenization.Backend)
	}

	return nil
}

func (cfg *EngineConfig) applyDefaults() {
	if cfg.Server.RequestTimeoutSec <= 0 {
		cfg.Server.RequestTimeoutSec = defaultRequestTimeoutSec
	}

	if cfg.Subscription.StallTimeoutMS <= 0 {
		cfg.Subscription.StallTimeoutMS = defaultStallTimeoutMS
	}
	if cfg.Subscription.StallCheckIntervalMS <= 0 {
		cfg.Subscription.StallCheckIntervalMS = defaultStallCheckIntervalMS
	}
	if cfg.Subscription.BackoffBaseMS <= 0 {
		cfg.Subscription.BackoffBaseMS = defaultBackoffBaseMS
	}
	if cfg.Subscription.BackoffCapMS <= 0 {
		cfg.Subscription.BackoffCapMS = defaultBackoffCapMS
	}
	if cfg.Subscription.HydrationFailureLimit <= 0 {
		cfg.Subscription.HydrationFailureLimit = defaultHydrationFailureLimit
	}

	if cfg.Tokenization.DebounceMS <= 0 {
		cfg.Tokenization.DebounceMS = defaultTokenDebounceMS
	}
	if cfg.Tokenization.TimeoutSec <= 0 {
		cfg.Tokenization.TimeoutSec = defaultTokenTimeoutSec
	}
	if cfg.Tokenization.CacheSize <= 0 {
		cfg.Tokenization.CacheSize = defaultTokenCacheSize
	}
	if cfg.Tokenization.Backend == "" {
		cfg.Tokenization.Backend = BackendSQLite
	}
	if cfg.Tokenization.BoltPath == "" {
		cfg.Tokenization.BoltPath = defaultBoltPath
	}

	if cfg.Notification.DelayMS <= 0 {
		cfg.Notification.DelayMS = defaultNotificationDelayMS
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.Pricing.DebounceMS <= 0 {
		cfg.Pricing.DebounceMS = defaultPricingDebounceMS
	}
}

func (c SubscriptionConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMS) * time.Millisecond
}

func (c SubscriptionConfig) StallCheckInterval() time.Duration {
	return time.Duration(c.StallCheckIntervalMS) * time.Millisecond
}

func (c SubscriptionConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c SubscriptionConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

func (c TokenizationConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c TokenizationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c NotificationConfig) Delay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}

func (c PricingConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}
