// Package config loads and validates archiver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/parker/internal/archive"
)

// EnvPrefix namespaces environment overrides, e.g. PARKER_SERVER_PORT.
const EnvPrefix = "PARKER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Integrity IntegrityConfig `mapstructure:"integrity"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	HeartbeatSeconds      int `mapstructure:"heartbeat_seconds"`
	ShutdownSeconds       int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and tunes the record store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig sets where artifact files live.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// CaptureConfig seeds the runtime settings record on first start.
type CaptureConfig struct {
	MaxStorageGB   float64  `mapstructure:"max_storage_gb"`
	MaxConcurrent  int      `mapstructure:"max_concurrent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MaxAttempts    int      `mapstructure:"max_attempts"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
	DiskAlertPct   int      `mapstructure:"disk_alert_pct"`
	IncludePDF     bool     `mapstructure:"include_pdf"`
	RequiredKinds  []string `mapstructure:"required_kinds"`
}

// RetryConfig tunes the exponential backoff between attempts.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

// Renderer engines.
const (
	EngineChromedp = "chromedp"
	EngineHTTP     = "http"
)

// RendererConfig configures page rendering.
type RendererConfig struct {
	Engine         string  `mapstructure:"engine"`
	UserAgent      string  `mapstructure:"user_agent"`
	MaxParallel    int     `mapstructure:"max_parallel"`
	DomainQPS      float64 `mapstructure:"domain_qps"`
	ScrollSteps    int     `mapstructure:"scroll_steps"`
	ScrollPauseMs  int     `mapstructure:"scroll_pause_ms"`
	ViewportWidth  int     `mapstructure:"viewport_width"`
	ViewportHeight int     `mapstructure:"viewport_height"`
	ExecPath       string  `mapstructure:"exec_path"`
}

// IntegrityConfig controls the periodic checksum sweep.
type IntegrityConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// SchedulerConfig controls the recurring-capture ticker.
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tick    time.Duration `mapstructure:"tick"`
}

// ProgressConfig tunes the event bus and the batching hub behind it.
type ProgressConfig struct {
	Grace            time.Duration       `mapstructure:"grace"`
	SubscriberBuffer int                 `mapstructure:"subscriber_buffer"`
	BufferSize       int                 `mapstructure:"buffer_size"`
	Batch            ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs    int                 `mapstructure:"sink_timeout_ms"`
	DurableAttempts  int                 `mapstructure:"durable_attempts"`
	LogEnabled       bool                `mapstructure:"log_enabled"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// BackupConfig controls export bundles.
type BackupConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// NotifyConfig selects where terminal-capture notifications go.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PubSubEnabled reports whether notifications go to Google Pub/Sub.
func (n NotifyConfig) PubSubEnabled() bool {
	return n.ProjectID != "" && n.Topic != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional .env file, an optional config file and
// the PARKER_ environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.heartbeat_seconds", 15)
	v.SetDefault("server.shutdown_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/parker.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("storage.base_dir", "data/storage")
	v.SetDefault("capture.max_storage_gb", 5)
	v.SetDefault("capture.max_concurrent", 2)
	v.SetDefault("capture.timeout_seconds", 90)
	v.SetDefault("capture.max_attempts", 3)
	v.SetDefault("capture.blocked_domains", []string{})
	v.SetDefault("capture.disk_alert_pct", 85)
	v.SetDefault("capture.include_pdf", false)
	v.SetDefault("capture.required_kinds", []string{"html", "screenshot", "warc"})
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "2m")
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("renderer.engine", EngineChromedp)
	v.SetDefault("renderer.user_agent", "parker-archiver/1.0")
	v.SetDefault("renderer.max_parallel", 4)
	v.SetDefault("renderer.domain_qps", 1.0)
	v.SetDefault("renderer.scroll_steps", 8)
	v.SetDefault("renderer.scroll_pause_ms", 400)
	v.SetDefault("renderer.viewport_width", 1366)
	v.SetDefault("renderer.viewport_height", 900)
	v.SetDefault("integrity.enabled", true)
	v.SetDefault("integrity.interval", "6h")
	v.SetDefault("integrity.batch_size", 200)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick", "1m")
	v.SetDefault("progress.grace", "30s")
	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.durable_attempts", 3)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("backup.dir", "data/backups")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of memory, sqlite, postgres", c.Database.Driver)
	}
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir must be set")
	}
	if err := c.SeedSettings().Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be > 0 and <= retry.max_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	switch c.Renderer.Engine {
	case EngineChromedp, EngineHTTP:
	default:
		return fmt.Errorf("renderer.engine %q is not one of chromedp, http", c.Renderer.Engine)
	}
	if c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0")
	}
	if c.Integrity.Enabled && c.Integrity.Interval <= 0 {
		return fmt.Errorf("integrity.interval must be > 0 when integrity is enabled")
	}
	if c.Scheduler.Enabled && c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be > 0 when the scheduler is enabled")
	}
	if c.Backup.Dir == "" {
		return fmt.Errorf("backup.dir must be set")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	return nil
}

// SeedSettings converts the capture section into the settings record written
// on first start.
func (c Config) SeedSettings() archive.Settings {
	kinds := make([]archive.Kind, 0, len(c.Capture.RequiredKinds))
	for _, k := range c.Capture.RequiredKinds {
		kinds = append(kinds, archive.Kind(strings.ToLower(strings.TrimSpace(k))))
	}
	return archive.Settings{
		MaxStorageGB:   c.Capture.MaxStorageGB,
		MaxConcurrent:  c.Capture.MaxConcurrent,
		TimeoutSeconds: c.Capture.TimeoutSeconds,
		MaxAttempts:    c.Capture.MaxAttempts,
		BlockedDomains: append([]string(nil), c.Capture.BlockedDomains...),
		DiskAlertPct:   c.Capture.DiskAlertPct,
		IncludePDF:     c.Capture.IncludePDF,
		RequiredKinds:  kinds,
	}
}

// RequestTimeout bounds non-streaming API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}
