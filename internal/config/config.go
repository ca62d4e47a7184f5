// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultInitialWorkers is the starting pool size when none (or garbage) is configured.
const DefaultInitialWorkers = 15

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Sitemap   SitemapConfig   `mapstructure:"sitemap"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the batch controller.
type CrawlerConfig struct {
	InitialWorkers int    `mapstructure:"initial_workers"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxURLs        int    `mapstructure:"max_urls"`
}

// ExtractorConfig selects and tunes the metadata extractor.
type ExtractorConfig struct {
	Provider       string `mapstructure:"provider"`
	APIURL         string `mapstructure:"api_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MinIntervalMs  int    `mapstructure:"min_interval_ms"`
}

// BreakerConfig configures the per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
}

// RetryConfig configures extractor retries.
type RetryConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	BaseDelayMs       int     `mapstructure:"base_delay_ms"`
	MaxDelayMs        int     `mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	JitterMs          int     `mapstructure:"jitter_ms"`
}

// SitemapConfig tunes sitemap downloads.
type SitemapConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MinIntervalMs  int `mapstructure:"min_interval_ms"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// StorageConfig selects where run archives are written.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the run history database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features and the optional file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	normalizeInitialWorkers(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// normalizeInitialWorkers replaces a missing, malformed or non-positive
// worker count with the default instead of failing the load.
func normalizeInitialWorkers(v *viper.Viper) {
	raw := strings.TrimSpace(v.GetString("crawler.initial_workers"))
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		v.Set("crawler.initial_workers", n)
		return
	}
	v.Set("crawler.initial_workers", DefaultInitialWorkers)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.initial_workers", DefaultInitialWorkers)
	v.SetDefault("crawler.user_agent", "sitemap-metadata-bot/0.1")
	v.SetDefault("crawler.max_urls", 0)
	v.SetDefault("extractor.provider", "colly")
	v.SetDefault("extractor.timeout_seconds", 10)
	v.SetDefault("extractor.min_interval_ms", 100)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_ms", 30000)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.jitter_ms", 250)
	v.SetDefault("sitemap.timeout_seconds", 15)
	v.SetDefault("sitemap.min_interval_ms", 0)
	v.SetDefault("sitemap.max_body_bytes", 50<<20)
	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("db.table", "crawl_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxURLs < 0 {
		return fmt.Errorf("crawler.max_urls must be >= 0")
	}
	switch c.Extractor.Provider {
	case "colly":
	case "api":
		if c.Extractor.APIURL == "" {
			return fmt.Errorf("extractor.api_url must be set when extractor.provider is api")
		}
	default:
		return fmt.Errorf("extractor.provider must be colly or api, got %q", c.Extractor.Provider)
	}
	if c.Extractor.TimeoutSeconds <= 0 {
		return fmt.Errorf("extractor.timeout_seconds must be > 0")
	}
	if c.Extractor.MinIntervalMs < 0 || c.Sitemap.MinIntervalMs < 0 {
		return fmt.Errorf("min_interval_ms must be >= 0")
	}
	if c.Sitemap.TimeoutSeconds <= 0 {
		return fmt.Errorf("sitemap.timeout_seconds must be > 0")
	}
	if c.Sitemap.MaxBodyBytes < 0 {
		return fmt.Errorf("sitemap.max_body_bytes must be >= 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.ResetTimeoutMs <= 0 {
		return fmt.Errorf("breaker.reset_timeout_ms must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs || c.Retry.JitterMs < 0 {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms and jitter_ms >= 0")
	}
	switch c.Storage.Provider {
	case "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.provider is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	default:
		return fmt.Errorf("storage.provider must be one of none, memory, local, gcs; got %q", c.Storage.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ExtractTimeout is the per-URL extraction budget.
func (c ExtractorConfig) ExtractTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MinInterval is the spacing between extractor calls.
func (c ExtractorConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMs) * time.Millisecond
}

// Timeout is the sitemap download budget.
func (c SitemapConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MinInterval is the spacing between sitemap downloads.
func (c SitemapConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMs) * time.Millisecond
}

// ResetTimeout is how long an open breaker waits before a trial call.
func (c BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// Durations converts the millisecond knobs.
func (c RetryConfig) Durations() (base, maxDelay, jitter time.Duration) {
	return time.Duration(c.BaseDelayMs) * time.Millisecond,
		time.Duration(c.MaxDelayMs) * time.Millisecond,
		time.Duration(c.JitterMs) * time.Millisecond
}
