package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/config"
	apiextractor "github.com/JakeFAU/sitemap-metadata-crawler/internal/extractor/api"
	collyextractor "github.com/JakeFAU/sitemap-metadata-crawler/internal/extractor/colly"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/storage/local"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/storage/memory"
)

func baseConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Crawler: config.CrawlerConfig{InitialWorkers: 15, UserAgent: "test-agent"},
		Extractor: config.ExtractorConfig{
			Provider:       "colly",
			TimeoutSeconds: 10,
			MinIntervalMs:  100,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 5, ResetTimeoutMs: 30000},
		Retry: config.RetryConfig{
			MaxRetries:        2,
			BaseDelayMs:       500,
			MaxDelayMs:        5000,
			BackoffMultiplier: 2,
			JitterMs:          250,
		},
		Sitemap: config.SitemapConfig{TimeoutSeconds: 15},
		Storage: config.StorageConfig{Provider: "none", Prefix: "runs"},
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Service())
	require.NotNil(t, a.Server())
	require.Equal(t, 15, a.Service().InitialWorkers())

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/dependencies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "extractor")
	require.Contains(t, rec.Body.String(), "sitemap")
}

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(), nil)
	require.NoError(t, err)
	a.Close()
}

func TestNewExtractor(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	e, err := newExtractor(cfg)
	require.NoError(t, err)
	require.IsType(t, &collyextractor.Extractor{}, e)

	cfg.Extractor.Provider = "api"
	cfg.Extractor.APIURL = "https://metadata.example.com/v1/extract"
	e, err = newExtractor(cfg)
	require.NoError(t, err)
	require.IsType(t, &apiextractor.Extractor{}, e)

	cfg.Extractor.APIURL = ""
	_, err = newExtractor(cfg)
	require.Error(t, err)

	cfg.Extractor.Provider = "headless"
	_, err = newExtractor(cfg)
	require.ErrorContains(t, err, "unknown extractor provider")
}

func TestNewBlobStore(t *testing.T) {
	t.Parallel()

	a := &App{logger: zap.NewNop()}
	cfg := baseConfig()

	store, err := a.newBlobStore(context.Background(), cfg)
	require.NoError(t, err)
	require.Nil(t, store)

	cfg.Storage.Provider = "memory"
	store, err = a.newBlobStore(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &memory.BlobStore{}, store)

	cfg.Storage.Provider = "local"
	cfg.Storage.LocalDir = t.TempDir()
	store, err = a.newBlobStore(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &local.BlobStore{}, store)

	cfg.Storage.Provider = "s3"
	_, err = a.newBlobStore(context.Background(), cfg)
	require.ErrorContains(t, err, "unknown storage provider")
	require.Empty(t, a.closers)
}

func TestNewRunStore_MemoryWithoutDSN(t *testing.T) {
	t.Parallel()

	a := &App{logger: zap.NewNop()}
	store, err := a.newRunStore(context.Background(), baseConfig())
	require.NoError(t, err)
	require.IsType(t, &memory.RunStore{}, store)
}

func TestNew_FailsOnBadExtractor(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Extractor.Provider = "api"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init api extractor")
}

func TestServiceConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Crawler.MaxURLs = 250
	cfg.PubSub.TopicName = "runs"
	sc := ServiceConfig(cfg)

	require.Equal(t, 15, sc.InitialWorkers)
	require.Equal(t, 250, sc.MaxURLs)
	require.Equal(t, 10*time.Second, sc.ExtractTimeout)
	require.Equal(t, 15*time.Second, sc.SitemapTimeout)
	require.Equal(t, 100*time.Millisecond, sc.ExtractorMinInterval)
	require.Equal(t, 30*time.Second, sc.ResetTimeout)
	require.Equal(t, 2, sc.Retry.MaxRetries)
	require.Equal(t, 500*time.Millisecond, sc.Retry.BaseDelay)
	require.Equal(t, 5*time.Second, sc.Retry.MaxDelay)
	require.Equal(t, 250*time.Millisecond, sc.Retry.Jitter)
	require.Equal(t, time.Second, sc.DelayTiers.Large)
	require.Equal(t, "runs", sc.ArchivePrefix)
	require.Equal(t, "runs", sc.Topic)
}

func TestClose_ReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	a := &App{logger: zap.NewNop()}
	a.closers = []closer{
		{name: "first", fn: func() error { order = append(order, "first"); return nil }},
		{name: "second", fn: func() error { order = append(order, "second"); return context.Canceled }},
	}
	a.Close()
	a.Close()

	require.Equal(t, []string{"second", "first"}, order)
}
