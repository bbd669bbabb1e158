package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "local", cfg.Storage.Backend)
	require.Equal(t, []string{"Criminal"}, cfg.Catalog.ExcludedCategories)
	require.Equal(t, "https://judicial.ky/wp-content/uploads/box_files/judgments.csv",
		cfg.Catalog.Feeds[crawler.SourceUnreportedJudgments])
	require.Equal(t, time.Hour, cfg.Worklist.StaleAfter)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	require.Equal(t, 30*time.Minute, cfg.Session.TTL)
	require.Equal(t, 500, cfg.Webhook.MaxLimit)
	require.Empty(t, cfg.Webhook.Token)
	require.Zero(t, cfg.Scheduler.Interval)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
webhook:
  token: hook-secret
  max_limit: 25
storage:
  backend: gcs
  bucket: case-docs
catalog:
  feeds:
    unreported_judgments: https://example.test/uj.csv
    public_registers: https://example.test/pr.csv
  excluded_categories: [Criminal, Family]
executor:
  max_in_flight: 8
  fetch_timeout: 2m
scheduler:
  interval: 6h
  mode: full
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "hook-secret", cfg.Webhook.Token)
	require.Equal(t, 25, cfg.Webhook.MaxLimit)
	require.Equal(t, "case-docs", cfg.Storage.Bucket)
	require.Equal(t, "https://example.test/pr.csv", cfg.Catalog.Feeds[crawler.SourcePublicRegisters])
	require.Equal(t, []string{"Criminal", "Family"}, cfg.Catalog.ExcludedCategories)
	require.Equal(t, 8, cfg.Executor.MaxInFlight)
	require.Equal(t, 2*time.Minute, cfg.Executor.FetchTimeout)
	require.Equal(t, 6*time.Hour, cfg.Scheduler.Interval)
	require.Equal(t, "full", cfg.Scheduler.Mode)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CASECRAWLER_DATABASE_DSN", "postgres://crawler@localhost/cases")
	t.Setenv("CASECRAWLER_WEBHOOK_TOKEN", "from-env")
	t.Setenv("CASECRAWLER_EXECUTOR_MAX_IN_FLIGHT", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://crawler@localhost/cases", cfg.Database.DSN)
	require.Equal(t, "from-env", cfg.Webhook.Token)
	require.Equal(t, 2, cfg.Executor.MaxInFlight)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"bad webhook mode", func(c *Config) { c.Webhook.Mode = "sometimes" }, "webhook.mode"},
		{"bad scheduler source", func(c *Config) { c.Scheduler.Source = "gazette" }, "scheduler.source"},
		{"unknown feed source", func(c *Config) {
			c.Catalog.Feeds = map[string]string{crawler.DefaultSource: "u", "gazette": "u"}
		}, "catalog.feeds"},
		{"default feed missing", func(c *Config) { c.Catalog.Feeds = map[string]string{} }, "catalog.feeds.unreported_judgments"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"topic without project", func(c *Config) { c.PubSub.Topic = "runs" }, "pubsub.project_id"},
		{"no session source", func(c *Config) { c.Session.ListingURL = "" }, "session.listing_url"},
		{"no workers", func(c *Config) { c.Executor.MaxInFlight = 0 }, "executor.max_in_flight"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"pool bounds", func(c *Config) { c.Database.MinConns = 20 }, "database.min_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Catalog.Feeds = map[string]string{crawler.DefaultSource: "https://example.test/uj.csv"}
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}
