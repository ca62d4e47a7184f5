package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Crawler.InitialWorkers != DefaultInitialWorkers {
		t.Fatalf("expected %d initial workers, got %d", DefaultInitialWorkers, cfg.Crawler.InitialWorkers)
	}
	if cfg.Extractor.Provider != "colly" || cfg.Extractor.ExtractTimeout() != 10*time.Second {
		t.Fatalf("unexpected extractor defaults: %+v", cfg.Extractor)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeout() != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	base, maxDelay, jitter := cfg.Retry.Durations()
	if cfg.Retry.MaxRetries != 2 || base != 500*time.Millisecond || maxDelay != 5*time.Second || jitter != 250*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Storage.Provider != "none" {
		t.Fatalf("expected storage provider none, got %q", cfg.Storage.Provider)
	}
	if cfg.Sitemap.MaxBodyBytes != 50<<20 {
		t.Fatalf("expected 50 MiB sitemap limit, got %d", cfg.Sitemap.MaxBodyBytes)
	}
}

func TestLoadInitialWorkersFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{name: "valid", env: "24", want: 24},
		{name: "not a number", env: "lots", want: DefaultInitialWorkers},
		{name: "zero", env: "0", want: DefaultInitialWorkers},
		{name: "negative", env: "-4", want: DefaultInitialWorkers},
		{name: "empty", env: "", want: DefaultInitialWorkers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CRAWLER_CRAWLER_INITIAL_WORKERS", tt.env)
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Crawler.InitialWorkers != tt.want {
				t.Fatalf("expected %d workers, got %d", tt.want, cfg.Crawler.InitialWorkers)
			}
		})
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  initial_workers: 30
  user_agent: real-agent
  max_urls: 500
extractor:
  provider: api
  api_url: https://extract.example.com/v1
  api_key: extract-key
  timeout_seconds: 20
  min_interval_ms: 250
breaker:
  failure_threshold: 3
  reset_timeout_ms: 1000
retry:
  max_retries: 4
  base_delay_ms: 100
  max_delay_ms: 800
  backoff_multiplier: 3
  jitter_ms: 0
storage:
  provider: local
  local_dir: /tmp/archives
  prefix: archives
pubsub:
  project_id: proj
  topic_name: crawl-runs
logging:
  development: false
  file: /var/log/crawler.log
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.InitialWorkers != 30 || cfg.Crawler.MaxURLs != 500 || cfg.Crawler.UserAgent != "real-agent" {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Extractor.Provider != "api" || cfg.Extractor.MinInterval() != 250*time.Millisecond {
		t.Fatalf("expected extractor overrides to apply: %+v", cfg.Extractor)
	}
	if cfg.Retry.BackoffMultiplier != 3 || cfg.Retry.MaxRetries != 4 {
		t.Fatalf("expected retry overrides to apply: %+v", cfg.Retry)
	}
	if cfg.Storage.Provider != "local" || cfg.Storage.LocalDir != "/tmp/archives" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if cfg.Logging.Development || cfg.Logging.File != "/var/log/crawler.log" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Crawler:   CrawlerConfig{InitialWorkers: 15},
		Extractor: ExtractorConfig{Provider: "colly", TimeoutSeconds: 10},
		Breaker:   BreakerConfig{FailureThreshold: 5, ResetTimeoutMs: 30000},
		Retry:     RetryConfig{MaxRetries: 2, BaseDelayMs: 500, MaxDelayMs: 5000, BackoffMultiplier: 2},
		Sitemap:   SitemapConfig{TimeoutSeconds: 15},
		Storage:   StorageConfig{Provider: "none"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "negative max urls", mutate: func(c *Config) { c.Crawler.MaxURLs = -1 }, want: "crawler.max_urls"},
		{name: "unknown extractor", mutate: func(c *Config) { c.Extractor.Provider = "chrome" }, want: "extractor.provider"},
		{name: "api without url", mutate: func(c *Config) { c.Extractor.Provider = "api" }, want: "extractor.api_url"},
		{name: "zero extract timeout", mutate: func(c *Config) { c.Extractor.TimeoutSeconds = 0 }, want: "extractor.timeout_seconds"},
		{name: "negative sitemap limit", mutate: func(c *Config) { c.Sitemap.MaxBodyBytes = -1 }, want: "sitemap.max_body_bytes"},
		{name: "zero threshold", mutate: func(c *Config) { c.Breaker.FailureThreshold = 0 }, want: "breaker.failure_threshold"},
		{name: "zero reset", mutate: func(c *Config) { c.Breaker.ResetTimeoutMs = 0 }, want: "breaker.reset_timeout_ms"},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }, want: "retry.backoff_multiplier"},
		{name: "max below base", mutate: func(c *Config) { c.Retry.MaxDelayMs = 100 }, want: "retry delays"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Provider = "local" }, want: "storage.local_dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Provider = "gcs" }, want: "storage.gcs_bucket"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Provider = "s3" }, want: "storage.provider"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.TopicName = "runs" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
