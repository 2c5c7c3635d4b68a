// Package config provides configuration management for Memora.
// Settings are resolved in three layers: built-in defaults, an optional YAML
// file, and environment variables with the MEMORA_ prefix. Environment
// variables always win so that container deployments can override a shared
// file without editing it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Memora engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	SafeMode    SafeModeConfig    `yaml:"safe_mode"`
	Queue       QueueConfig       `yaml:"queue"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
	Port int    `yaml:"port"` // Server port (default: 7373)
	// APIRatePerSec and APIBurst throttle the public HTTP API as a whole.
	APIRatePerSec float64 `yaml:"api_rate_per_sec"`
	APIBurst      int     `yaml:"api_burst"`
	// AdminToken, when set, is required as a Bearer token on season,
	// archive, retention and reconcile routes.
	AdminToken string `yaml:"admin_token"`
	// AllowedOrigins are host patterns accepted on the alert websocket.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Development bool   `yaml:"development"` // console encoder instead of JSON
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Engine string `yaml:"engine"` // sqlite or postgres (default: sqlite)
	DSN    string `yaml:"dsn"`    // Connection string or SQLite file path
}

// CacheConfig configures the Redis schedule cache.
type CacheConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl"` // Idle expiry of a schedule (default: 720h)
	OpTimeout  time.Duration `yaml:"op_timeout"`  // Per-operation deadline (default: 250ms)
}

// SafeModeConfig configures degraded-mode detection and the fallback limiter.
type SafeModeConfig struct {
	GlobalLimit     int           `yaml:"global_limit"`     // Accepted fallback queries per window (default: 500)
	GlobalWindow    time.Duration `yaml:"global_window"`    // default: 60s
	UserInterval    time.Duration `yaml:"user_interval"`    // Minimum gap between a user's accepted queries (default: 30s)
	FallbackLimit   int           `yaml:"fallback_limit"`   // Default rows returned by the fallback query (default: 10)
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`    // Cache ping deadline (default: 200ms)
	BreakerFailures uint32        `yaml:"breaker_failures"` // Consecutive probe failures that open the breaker (default: 3)
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"` // Time the breaker stays open (default: 10s)
	// LimiterBackend is "memory" (per process) or "redis" (shared, LimiterAddr).
	LimiterBackend string `yaml:"limiter_backend"`
	LimiterAddr    string `yaml:"limiter_addr"`
}

// QueueConfig configures the background task queue.
type QueueConfig struct {
	Backend      string        `yaml:"backend"` // redis or memory (default: redis)
	Addr         string        `yaml:"addr"`    // Redis address; defaults to the cache address
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`    // Prefix of queue and rate-limit keys (default: memora:)
	Workers      int           `yaml:"workers"`       // Worker goroutines per queue (default: 4)
	JobTimeout   time.Duration `yaml:"job_timeout"`   // Hard execution timeout per job (default: 300s)
	PollInterval time.Duration `yaml:"poll_interval"` // Idle poll interval (default: 200ms)
}

// PersistenceConfig configures the write-back pipeline.
type PersistenceConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`       // Executions per batch, first run included (default: 3)
	BackoffBase       time.Duration `yaml:"backoff_base"`       // default: 1s
	BackoffMax        time.Duration `yaml:"backoff_max"`        // default: 60s
	IdempotencyWindow time.Duration `yaml:"idempotency_window"` // default: 5m
	AtomicUpsert      bool          `yaml:"atomic_upsert"`      // Prefer single-statement upsert (default: true)
}

// ReconcileConfig configures the cache/store auditor.
type ReconcileConfig struct {
	Enabled        bool          `yaml:"enabled"`         // default: true
	Interval       time.Duration `yaml:"interval"`        // default: 24h
	SampleSize     int           `yaml:"sample_size"`     // default: 10000
	Tolerance      time.Duration `yaml:"tolerance"`       // default: 1s
	AlertThreshold float64       `yaml:"alert_threshold"` // Discrepancy rate that triggers an alert (default: 0.001)
	CorrectionRate float64       `yaml:"correction_rate"` // Max cache corrections per second (default: 1000)
}

// ArchiveConfig configures season archival and retention.
type ArchiveConfig struct {
	Enabled           bool          `yaml:"enabled"`            // Run the periodic jobs (default: true)
	AutoArchiveEvery  time.Duration `yaml:"auto_archive_every"` // default: 24h
	RetentionEvery    time.Duration `yaml:"retention_every"`    // default: 24h
	RetentionPeriod   time.Duration `yaml:"retention_period"`   // default: 3 years
	PurgeScanPageSize int64         `yaml:"purge_scan_page"`    // SCAN COUNT hint for cache purge (default: 500)
}

// AlertsConfig configures the operator channel.
type AlertsConfig struct {
	Dir string `yaml:"dir"` // Directory receiving alert event files (default: ./data)
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           7373,
			APIRatePerSec:  200,
			APIBurst:       400,
			AllowedOrigins: []string{"localhost:7373", "127.0.0.1:7373"},
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Engine: "sqlite",
			DSN:    "./data/memora.db",
		},
		Cache: CacheConfig{
			Addr:       "localhost:6379",
			KeyPrefix:  "srs:",
			DefaultTTL: 30 * 24 * time.Hour,
			OpTimeout:  250 * time.Millisecond,
		},
		SafeMode: SafeModeConfig{
			GlobalLimit:     500,
			GlobalWindow:    60 * time.Second,
			UserInterval:    30 * time.Second,
			FallbackLimit:   10,
			ProbeTimeout:    200 * time.Millisecond,
			BreakerFailures: 3,
			BreakerCooldown: 10 * time.Second,
			LimiterBackend:  "memory",
		},
		Queue: QueueConfig{
			Backend:      "redis",
			KeyPrefix:    "memora:",
			Workers:      4,
			JobTimeout:   300 * time.Second,
			PollInterval: 200 * time.Millisecond,
		},
		Persistence: PersistenceConfig{
			MaxAttempts:       3,
			BackoffBase:       time.Second,
			BackoffMax:        60 * time.Second,
			IdempotencyWindow: 5 * time.Minute,
			AtomicUpsert:      true,
		},
		Reconcile: ReconcileConfig{
			Enabled:        true,
			Interval:       24 * time.Hour,
			SampleSize:     10000,
			Tolerance:      time.Second,
			AlertThreshold: 0.001,
			CorrectionRate: 1000,
		},
		Archive: ArchiveConfig{
			Enabled:           true,
			AutoArchiveEvery:  24 * time.Hour,
			RetentionEvery:    24 * time.Hour,
			RetentionPeriod:   3 * 365 * 24 * time.Hour,
			PurgeScanPageSize: 500,
		},
		Alerts: AlertsConfig{
			Dir: "./data",
		},
	}
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// All environment variables use the MEMORA_ prefix.
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load reads the optional YAML file at path, then applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MEMORA_* environment variables onto cfg. Unset variables
// keep the value already present.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("MEMORA_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("MEMORA_PORT", cfg.Server.Port)
	cfg.Server.APIRatePerSec = getEnvFloat("MEMORA_API_RATE_PER_SEC", cfg.Server.APIRatePerSec)
	cfg.Server.APIBurst = getEnvInt("MEMORA_API_BURST", cfg.Server.APIBurst)
	cfg.Server.AdminToken = getEnv("MEMORA_ADMIN_TOKEN", cfg.Server.AdminToken)
	if v := os.Getenv("MEMORA_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}

	cfg.Log.Level = getEnv("MEMORA_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = getEnvBool("MEMORA_LOG_DEVELOPMENT", cfg.Log.Development)

	cfg.Storage.Engine = getEnv("MEMORA_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DSN = getEnv("MEMORA_STORAGE_DSN", cfg.Storage.DSN)

	cfg.Cache.Addr = getEnv("MEMORA_CACHE_ADDR", cfg.Cache.Addr)
	cfg.Cache.Password = getEnv("MEMORA_CACHE_PASSWORD", cfg.Cache.Password)
	cfg.Cache.DB = getEnvInt("MEMORA_CACHE_DB", cfg.Cache.DB)
	cfg.Cache.KeyPrefix = getEnv("MEMORA_CACHE_KEY_PREFIX", cfg.Cache.KeyPrefix)
	cfg.Cache.DefaultTTL = getEnvDuration("MEMORA_CACHE_DEFAULT_TTL", cfg.Cache.DefaultTTL)
	cfg.Cache.OpTimeout = getEnvDuration("MEMORA_CACHE_OP_TIMEOUT", cfg.Cache.OpTimeout)

	cfg.SafeMode.GlobalLimit = getEnvInt("MEMORA_SAFEMODE_GLOBAL_LIMIT", cfg.SafeMode.GlobalLimit)
	cfg.SafeMode.GlobalWindow = getEnvDuration("MEMORA_SAFEMODE_GLOBAL_WINDOW", cfg.SafeMode.GlobalWindow)
	cfg.SafeMode.UserInterval = getEnvDuration("MEMORA_SAFEMODE_USER_INTERVAL", cfg.SafeMode.UserInterval)
	cfg.SafeMode.FallbackLimit = getEnvInt("MEMORA_SAFEMODE_FALLBACK_LIMIT", cfg.SafeMode.FallbackLimit)
	cfg.SafeMode.LimiterBackend = getEnv("MEMORA_SAFEMODE_LIMITER_BACKEND", cfg.SafeMode.LimiterBackend)
	cfg.SafeMode.LimiterAddr = getEnv("MEMORA_SAFEMODE_LIMITER_ADDR", cfg.SafeMode.LimiterAddr)

	cfg.Queue.Backend = getEnv("MEMORA_QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.Addr = getEnv("MEMORA_QUEUE_ADDR", cfg.Queue.Addr)
	cfg.Queue.Password = getEnv("MEMORA_QUEUE_PASSWORD", cfg.Queue.Password)
	cfg.Queue.KeyPrefix = getEnv("MEMORA_QUEUE_KEY_PREFIX", cfg.Queue.KeyPrefix)
	cfg.Queue.Workers = getEnvInt("MEMORA_QUEUE_WORKERS", cfg.Queue.Workers)
	cfg.Queue.JobTimeout = getEnvDuration("MEMORA_QUEUE_JOB_TIMEOUT", cfg.Queue.JobTimeout)

	cfg.Persistence.MaxAttempts = getEnvInt("MEMORA_PERSIST_MAX_ATTEMPTS", cfg.Persistence.MaxAttempts)
	cfg.Persistence.IdempotencyWindow = getEnvDuration("MEMORA_PERSIST_IDEMPOTENCY_WINDOW", cfg.Persistence.IdempotencyWindow)
	cfg.Persistence.AtomicUpsert = getEnvBool("MEMORA_PERSIST_ATOMIC_UPSERT", cfg.Persistence.AtomicUpsert)

	cfg.Reconcile.Enabled = getEnvBool("MEMORA_RECONCILE_ENABLED", cfg.Reconcile.Enabled)
	cfg.Reconcile.Interval = getEnvDuration("MEMORA_RECONCILE_INTERVAL", cfg.Reconcile.Interval)
	cfg.Reconcile.SampleSize = getEnvInt("MEMORA_RECONCILE_SAMPLE_SIZE", cfg.Reconcile.SampleSize)
	cfg.Reconcile.AlertThreshold = getEnvFloat("MEMORA_RECONCILE_ALERT_THRESHOLD", cfg.Reconcile.AlertThreshold)

	cfg.Archive.Enabled = getEnvBool("MEMORA_ARCHIVE_ENABLED", cfg.Archive.Enabled)
	cfg.Archive.AutoArchiveEvery = getEnvDuration("MEMORA_ARCHIVE_AUTO_EVERY", cfg.Archive.AutoArchiveEvery)
	cfg.Archive.RetentionEvery = getEnvDuration("MEMORA_ARCHIVE_RETENTION_EVERY", cfg.Archive.RetentionEvery)

	cfg.Alerts.Dir = getEnv("MEMORA_ALERTS_DIR", cfg.Alerts.Dir)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("storage.engine must be sqlite or postgres, got %q", c.Storage.Engine))
	}
	if c.Storage.DSN == "" {
		problems = append(problems, "storage.dsn is required")
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("queue.backend must be redis or memory, got %q", c.Queue.Backend))
	}
	switch c.SafeMode.LimiterBackend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("safe_mode.limiter_backend must be memory or redis, got %q", c.SafeMode.LimiterBackend))
	}
	if c.Queue.KeyPrefix == "" || c.Queue.KeyPrefix == c.Cache.KeyPrefix {
		// Schedule keys are scanned by prefix; other keys must not share it.
		problems = append(problems, "queue.key_prefix must be set and differ from cache.key_prefix")
	}
	if c.Cache.DefaultTTL <= 0 {
		problems = append(problems, "cache.default_ttl must be > 0")
	}
	if c.SafeMode.GlobalLimit < 1 {
		problems = append(problems, "safe_mode.global_limit must be >= 1")
	}
	if c.Queue.Workers < 1 {
		problems = append(problems, "queue.workers must be >= 1")
	}
	if c.Persistence.MaxAttempts < 0 {
		problems = append(problems, "persistence.max_attempts must be >= 0")
	}
	if c.Reconcile.SampleSize < 1 {
		problems = append(problems, "reconcile.sample_size must be >= 1")
	}
	if c.Reconcile.AlertThreshold < 0 || c.Reconcile.AlertThreshold > 1 {
		problems = append(problems, "reconcile.alert_threshold must be within [0, 1]")
	}

	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// QueueAddr returns the Redis address used by the task queue, defaulting to
// the cache address.
func (c *Config) QueueAddr() string {
	if c.Queue.Addr != "" {
		return c.Queue.Addr
	}
	return c.Cache.Addr
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings such as "30s" or "720h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
