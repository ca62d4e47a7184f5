// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/api"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/clock/system"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/config"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/dispatcher"
	apiextractor "github.com/JakeFAU/sitemap-metadata-crawler/internal/extractor/api"
	collyextractor "github.com/JakeFAU/sitemap-metadata-crawler/internal/extractor/colly"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/id/uuid"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/retry"
	pubsubpublisher "github.com/JakeFAU/sitemap-metadata-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/service"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/sitemap"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/storage/gcs"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/storage/local"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/storage/memory"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/storage/postgres"
)

// App holds the shared, long-lived services for one process. It is built once
// at startup by the CLI and closed when the command finishes.
type App struct {
	logger  *zap.Logger
	service *service.Service
	server  *api.Server
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Service returns the crawl service.
func (a *App) Service() *service.Service {
	return a.service
}

// Server returns the HTTP API server.
func (a *App) Server() *api.Server {
	return a.server
}

// New builds every provider named by cfg and wires them into the service and
// HTTP server. It fails fast if a configured provider cannot be initialized;
// anything already opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := a.newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	runs, err := a.newRunStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var publisher crawler.Publisher
	if cfg.PubSub.TopicName != "" {
		logger.Info("connecting to Pub/Sub", zap.String("project", cfg.PubSub.ProjectID), zap.String("topic", cfg.PubSub.TopicName))
		p, dialErr := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID)
		if dialErr != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", dialErr)
		}
		a.closers = append(a.closers, closer{name: "pubsub", fn: p.Close})
		publisher = p
	}

	ids := uuid.New()
	svc, err := service.New(ServiceConfig(cfg), service.Deps{
		Extractor: extractor,
		Sitemaps: sitemap.New(sitemap.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.Sitemap.Timeout(),
			MaxBodyBytes: cfg.Sitemap.MaxBodyBytes,
		}),
		Runs:      runs,
		Blobs:     blobs,
		Publisher: publisher,
		IDs:       ids,
		Clock:     system.New(),
	}, logger.Named("service"))
	if err != nil {
		return nil, fmt.Errorf("init service: %w", err)
	}
	a.service = svc
	a.server = api.NewServer(svc, ids, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("extractor", cfg.Extractor.Provider),
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Int("initial_workers", svc.InitialWorkers()),
	)
	return a, nil
}

// ServiceConfig translates the loaded configuration into service settings.
func ServiceConfig(cfg config.Config) service.Config {
	base, maxDelay, jitter := cfg.Retry.Durations()
	return service.Config{
		InitialWorkers:       cfg.Crawler.InitialWorkers,
		MaxURLs:              cfg.Crawler.MaxURLs,
		ExtractTimeout:       cfg.Extractor.ExtractTimeout(),
		SitemapTimeout:       cfg.Sitemap.Timeout(),
		ExtractorMinInterval: cfg.Extractor.MinInterval(),
		SitemapMinInterval:   cfg.Sitemap.MinInterval(),
		FailureThreshold:     cfg.Breaker.FailureThreshold,
		ResetTimeout:         cfg.Breaker.ResetTimeout(),
		Retry: retry.Config{
			MaxRetries:        cfg.Retry.MaxRetries,
			BaseDelay:         base,
			MaxDelay:          maxDelay,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			Jitter:            jitter,
		},
		DelayTiers:    dispatcher.DefaultDelayTiers(),
		ArchivePrefix: cfg.Storage.Prefix,
		Topic:         cfg.PubSub.TopicName,
	}
}

func newExtractor(cfg config.Config) (crawler.Extractor, error) {
	switch cfg.Extractor.Provider {
	case "api":
		e, err := apiextractor.New(apiextractor.Config{
			BaseURL:   cfg.Extractor.APIURL,
			APIKey:    cfg.Extractor.APIKey,
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.Extractor.ExtractTimeout(),
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("init api extractor: %w", err)
		}
		return e, nil
	case "colly", "":
		return collyextractor.New(collyextractor.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.Extractor.ExtractTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown extractor provider: %s", cfg.Extractor.Provider)
	}
}

func (a *App) newBlobStore(ctx context.Context, cfg config.Config) (crawler.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "none", "":
		a.logger.Info("run archive disabled")
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{Dir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case "gcs":
		a.logger.Info("using GCS storage provider", zap.String("bucket", cfg.Storage.GCSBucket))
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs", fn: client.Close})
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func (a *App) newRunStore(ctx context.Context, cfg config.Config) (crawler.RunStore, error) {
	if cfg.DB.DSN == "" {
		return memory.NewRunStore(), nil
	}
	a.logger.Info("connecting to PostgreSQL", zap.String("table", cfg.DB.Table))
	store, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init run store: %w", err)
	}
	a.closers = append(a.closers, closer{name: "postgres", fn: func() error {
		store.Close()
		return nil
	}})
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure run schema: %w", err)
	}
	return store, nil
}

// Close shuts down every provider in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing provider", zap.String("provider", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
