// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g.
// CASECRAWLER_DATABASE_DSN.
const EnvPrefix = "CASECRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Session   SessionConfig   `mapstructure:"session"`
	Document  DocumentConfig  `mapstructure:"document"`
	Worklist  WorklistConfig  `mapstructure:"worklist"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig guards the /v1 API with a static key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WebhookConfig controls the change-detection webhook. An empty token
// disables the endpoint.
type WebhookConfig struct {
	Token    string `mapstructure:"token"`
	MaxLimit int    `mapstructure:"max_limit"`
	Mode     string `mapstructure:"mode"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects the durable store. An empty DSN keeps everything
// in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where feed snapshots and documents are written.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// PubSubConfig holds the run notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// CatalogConfig configures feed ingestion.
type CatalogConfig struct {
	// Feeds maps a source name to its CSV URL.
	Feeds              map[string]string `mapstructure:"feeds"`
	ExcludedCategories []string          `mapstructure:"excluded_categories"`
	SnapshotPrefix     string            `mapstructure:"snapshot_prefix"`
}

// HTTPConfig configures the colly client used for the feed and documents.
type HTTPConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// SessionConfig configures security token discovery. A static nonce skips
// the headless browser.
type SessionConfig struct {
	ListingURL        string        `mapstructure:"listing_url"`
	TTL               time.Duration `mapstructure:"ttl"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Settle            time.Duration `mapstructure:"settle"`
	StaticNonce       string        `mapstructure:"static_nonce"`
}

// DocumentConfig configures document resolution.
type DocumentConfig struct {
	AjaxURL          string `mapstructure:"ajax_url"`
	Origin           string `mapstructure:"origin"`
	FallbackTemplate string `mapstructure:"fallback_template"`
	Prefix           string `mapstructure:"prefix"`
	MinSize          int    `mapstructure:"min_size"`
}

// WorklistConfig tunes resume planning.
type WorklistConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// RetryConfig tunes transient retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ExecutorConfig bounds fetch concurrency.
type ExecutorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxInFlight       int           `mapstructure:"max_in_flight"`
	MaxPending        int           `mapstructure:"max_pending"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// SchedulerConfig enables periodic runs in serve mode. A zero interval
// disables the scheduler.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Mode     string        `mapstructure:"mode"`
	Source   string        `mapstructure:"source"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
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
	// Keys without a meaningful default are still registered so that
	// AutomaticEnv can override them during Unmarshal.
	for _, key := range []string{
		"auth.api_key", "webhook.token", "logging.level", "database.dsn",
		"storage.bucket", "storage.prefix", "pubsub.project_id", "pubsub.topic",
		"session.static_nonce", "scheduler.source",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
	v.SetDefault("scheduler.interval", "0s")
	v.SetDefault("executor.requests_per_second", 0.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("webhook.max_limit", 500)
	v.SetDefault("webhook.mode", string(crawler.ModeNew))
	v.SetDefault("logging.development", false)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("catalog.feeds", map[string]string{
		crawler.SourceUnreportedJudgments: "https://judicial.ky/wp-content/uploads/box_files/judgments.csv",
	})
	v.SetDefault("catalog.excluded_categories", []string{"Criminal"})
	v.SetDefault("catalog.snapshot_prefix", "csv")
	v.SetDefault("http.user_agent", "case-crawler/1.0")
	v.SetDefault("http.timeout", "60s")
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("session.listing_url", "https://judicial.ky/judgments/unreported-judgments/")
	v.SetDefault("session.ttl", "30m")
	v.SetDefault("session.navigation_timeout", "45s")
	v.SetDefault("session.settle", "2s")
	v.SetDefault("document.ajax_url", "https://judicial.ky/wp-admin/admin-ajax.php")
	v.SetDefault("document.origin", "https://judicial.ky")
	v.SetDefault("document.fallback_template", "https://judicial.ky/wp-content/uploads/box_files/%s.pdf")
	v.SetDefault("document.prefix", "documents")
	v.SetDefault("document.min_size", 1024)
	v.SetDefault("worklist.stale_after", "1h")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("executor.enabled", true)
	v.SetDefault("executor.max_in_flight", 4)
	v.SetDefault("executor.max_pending", 16)
	v.SetDefault("executor.fetch_timeout", "90s")
	v.SetDefault("executor.burst", 1)
	v.SetDefault("scheduler.mode", string(crawler.ModeNew))
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Webhook.MaxLimit < 0 {
		return fmt.Errorf("webhook.max_limit must be >= 0")
	}
	if _, err := crawler.ParseMode(c.Webhook.Mode); err != nil {
		return fmt.Errorf("webhook.mode: %w", err)
	}
	if _, err := crawler.ParseMode(c.Scheduler.Mode); err != nil {
		return fmt.Errorf("scheduler.mode: %w", err)
	}
	if _, err := crawler.NormalizeSource(c.Scheduler.Source); err != nil {
		return fmt.Errorf("scheduler.source: %w", err)
	}
	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("scheduler.interval must be >= 0")
	}
	for source, url := range c.Catalog.Feeds {
		if _, err := crawler.NormalizeSource(source); err != nil {
			return fmt.Errorf("catalog.feeds: %w", err)
		}
		if url == "" {
			return fmt.Errorf("catalog.feeds.%s must not be empty", source)
		}
	}
	if c.Catalog.Feeds[crawler.DefaultSource] == "" {
		return fmt.Errorf("catalog.feeds.%s must be set", crawler.DefaultSource)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Session.ListingURL == "" && c.Session.StaticNonce == "" {
		return fmt.Errorf("session.listing_url or session.static_nonce must be set")
	}
	if c.Executor.MaxInFlight <= 0 {
		return fmt.Errorf("executor.max_in_flight must be > 0")
	}
	if c.Executor.MaxPending < 0 {
		return fmt.Errorf("executor.max_pending must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns must be <= database.max_conns")
	}
	return nil
}
