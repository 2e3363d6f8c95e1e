// Package config loads and validates all runtime configuration for the bridge.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example PROXY_PORT_GENERAL becomes
// proxy_port_general in YAML.
//
// Every setting has a default, so the bridge starts with no environment at
// all: the catalogue lives in an embedded SQLite file under DATA_DIR and the
// listeners bind their standard ports.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DataDir is the base directory for runtime data (database, key file).
	// Created on startup if missing. Default: ./data.
	DataDir string

	// DatabasePath is the SQLite catalogue file. Default: <DataDir>/clads_llm_bridge.db.
	DatabasePath string

	// EncryptionKeyPath is the AEAD key file used to encrypt stored API keys.
	// Default: .encryption_key next to the database file.
	EncryptionKeyPath string

	// InitialPassword seeds the admin password on first boot. Ignored once a
	// password hash exists in the database. Empty disables seeding.
	InitialPassword string

	// WebUIPort is the admin/dashboard listener. Default: 4322.
	WebUIPort int

	// ProxyPortGeneral is the general OpenAI-compatible listener. Default: 4321.
	// The legacy PROXY_PORT variable maps here when PROXY_PORT_GENERAL is unset.
	ProxyPortGeneral int

	// ProxyPortSpecial is the special OpenAI-compatible listener. Default: 4333.
	ProxyPortSpecial int

	// Upstream controls timeouts applied to every outbound provider call.
	Upstream UpstreamConfig

	// Usage controls the asynchronous usage recording pipeline.
	Usage UsageConfig

	// CircuitBreaker controls per-configuration failure tracking thresholds.
	CircuitBreaker CircuitBreakerConfig

	// MaxInflight caps concurrently dispatched upstream requests across both
	// proxy listeners. Default: 256.
	MaxInflight int

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig holds the outbound request deadlines.
type UpstreamConfig struct {
	// Timeout is the total per-request deadline. Default: 120s.
	Timeout time.Duration

	// TTFB is the maximum wait for the first streamed byte. Default: 30s.
	TTFB time.Duration
}

// UsageConfig controls the async usage pipeline.
type UsageConfig struct {
	// QueueSize is the bounded in-memory queue capacity. When full, the oldest
	// pending record is dropped and counted. Default: 1024.
	QueueSize int

	// BatchSize is the number of records written per transaction. Default: 64.
	BatchSize int

	// FlushInterval flushes partial batches at this cadence. Default: 500ms.
	FlushInterval time.Duration
}

// CircuitBreakerConfig controls per-configuration failure tracking.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of upstream failures inside TimeWindow that
	// mark a configuration unavailable. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which failures are counted.
	// Default: 5m.
	TimeWindow time.Duration

	// RecoveryTimeout is how long a tripped configuration stays unavailable
	// before a probe request is allowed through. Default: 10m.
	RecoveryTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("WEB_UI_PORT", 4322)
	v.SetDefault("PROXY_PORT_SPECIAL", 4333)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Upstream deadlines.
	v.SetDefault("UPSTREAM_TIMEOUT_S", 120)
	v.SetDefault("UPSTREAM_TTFB_S", 30)

	// Usage pipeline.
	v.SetDefault("USAGE_QUEUE_SIZE", 1024)
	v.SetDefault("USAGE_BATCH_SIZE", 64)
	v.SetDefault("USAGE_FLUSH_MS", 500)

	// Failure tracking defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "5m")
	v.SetDefault("CB_RECOVERY_TIMEOUT", "10m")

	v.SetDefault("MAX_INFLIGHT", 256)

	// ── Build config ──────────────────────────────────────────────────────────
	dataDir := v.GetString("DATA_DIR")

	dbPath := v.GetString("DATABASE_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "clads_llm_bridge.db")
	}

	keyPath := v.GetString("ENCRYPTION_KEY_PATH")
	if keyPath == "" {
		keyPath = filepath.Join(filepath.Dir(dbPath), ".encryption_key")
	}

	// PROXY_PORT is the pre-split variable; it maps to the general listener
	// when PROXY_PORT_GENERAL is not set.
	generalPort := v.GetInt("PROXY_PORT_GENERAL")
	if generalPort == 0 {
		generalPort = v.GetInt("PROXY_PORT")
	}
	if generalPort == 0 {
		generalPort = 4321
	}

	cfg := &Config{
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DataDir:           dataDir,
		DatabasePath:      dbPath,
		EncryptionKeyPath: keyPath,
		InitialPassword:   v.GetString("INITIAL_PASSWORD"),

		WebUIPort:        v.GetInt("WEB_UI_PORT"),
		ProxyPortGeneral: generalPort,
		ProxyPortSpecial: v.GetInt("PROXY_PORT_SPECIAL"),

		Upstream: UpstreamConfig{
			Timeout: time.Duration(v.GetInt("UPSTREAM_TIMEOUT_S")) * time.Second,
			TTFB:    time.Duration(v.GetInt("UPSTREAM_TTFB_S")) * time.Second,
		},

		Usage: UsageConfig{
			QueueSize:     v.GetInt("USAGE_QUEUE_SIZE"),
			BatchSize:     v.GetInt("USAGE_BATCH_SIZE"),
			FlushInterval: time.Duration(v.GetInt("USAGE_FLUSH_MS")) * time.Millisecond,
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			RecoveryTimeout: v.GetDuration("CB_RECOVERY_TIMEOUT"),
		},

		MaxInflight: v.GetInt("MAX_INFLIGHT"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Port sanity checks.
	ports := map[string]int{
		"WEB_UI_PORT":        c.WebUIPort,
		"PROXY_PORT_GENERAL": c.ProxyPortGeneral,
		"PROXY_PORT_SPECIAL": c.ProxyPortSpecial,
	}
	for name, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("config: %s must be in 1..65535, got %d", name, p)
		}
	}
	if c.ProxyPortGeneral == c.ProxyPortSpecial ||
		c.ProxyPortGeneral == c.WebUIPort ||
		c.ProxyPortSpecial == c.WebUIPort {
		return fmt.Errorf(
			"config: listener ports must be distinct; got web=%d general=%d special=%d",
			c.WebUIPort, c.ProxyPortGeneral, c.ProxyPortSpecial,
		)
	}

	// Upstream deadline sanity checks.
	if c.Upstream.Timeout < time.Second {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT_S must be ≥ 1, got %s", c.Upstream.Timeout)
	}
	if c.Upstream.TTFB < time.Second {
		return fmt.Errorf("config: UPSTREAM_TTFB_S must be ≥ 1, got %s", c.Upstream.TTFB)
	}
	if c.Upstream.TTFB > c.Upstream.Timeout {
		return fmt.Errorf(
			"config: UPSTREAM_TTFB_S (%s) must not exceed UPSTREAM_TIMEOUT_S (%s)",
			c.Upstream.TTFB, c.Upstream.Timeout,
		)
	}

	// Usage pipeline sanity checks.
	if c.Usage.QueueSize < 1 {
		return fmt.Errorf("config: USAGE_QUEUE_SIZE must be ≥ 1, got %d", c.Usage.QueueSize)
	}
	if c.Usage.BatchSize < 1 {
		return fmt.Errorf("config: USAGE_BATCH_SIZE must be ≥ 1, got %d", c.Usage.BatchSize)
	}
	if c.Usage.FlushInterval <= 0 {
		return fmt.Errorf("config: USAGE_FLUSH_MS must be a positive duration")
	}

	// Failure tracking sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: CB_RECOVERY_TIMEOUT must be a positive duration")
	}

	if c.MaxInflight < 1 {
		return fmt.Errorf("config: MAX_INFLIGHT must be ≥ 1, got %d", c.MaxInflight)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
