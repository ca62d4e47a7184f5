// Package service hosts the long-lived crawl engine: one limiter and one
// breaker per downstream dependency, shared by every crawl the process runs.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/dispatcher"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/circuitbreaker"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/retry"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/storage/memory"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/worker"
)

// Dependency names used for limiter, breaker and metric labels.
const (
	DependencyExtractor = "extractor"
	DependencySitemap   = "sitemap"
)

const archiveContentType = "application/json"

// Config tunes the engine. Zero values fall back to package defaults.
type Config struct {
	InitialWorkers       int
	MaxURLs              int
	ExtractTimeout       time.Duration
	SitemapTimeout       time.Duration
	ExtractorMinInterval time.Duration
	SitemapMinInterval   time.Duration
	FailureThreshold     int
	ResetTimeout         time.Duration
	Retry                retry.Config
	DelayTiers           dispatcher.DelayTiers
	ArchivePrefix        string
	Topic                string
}

// Deps are the collaborators the Service drives. Runs, Blobs and Publisher
// are optional.
type Deps struct {
	Extractor crawler.Extractor
	Sitemaps  crawler.SitemapSource
	Runs      crawler.RunStore
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
}

// Option customizes a Service.
type Option func(*options)

type options struct {
	retryOpts      []retry.Option
	dispatcherOpts []dispatcher.Option
}

// WithRetryOptions passes extra options to both retry policies.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) {
		o.retryOpts = append(o.retryOpts, opts...)
	}
}

// WithDispatcherOptions passes extra options to the batch controller.
func WithDispatcherOptions(opts ...dispatcher.Option) Option {
	return func(o *options) {
		o.dispatcherOpts = append(o.dispatcherOpts, opts...)
	}
}

// Service runs sitemap crawls end to end.
type Service struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	sitemapLimiter   *ratelimit.Limiter
	sitemapBreaker   *circuitbreaker.Breaker
	sitemapRetry     *retry.Policy
	extractorLimiter *ratelimit.Limiter
	extractorBreaker *circuitbreaker.Breaker
	dispatcher       *dispatcher.Dispatcher
}

// URLEntry is one page in the scrape response.
type URLEntry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	ScrapedAt   time.Time `json:"scrapedAt"`
}

// SitemapResult is the outcome of ScrapeSitemap. The job itself is kept for
// callers that want batch-level detail but is not serialized.
type SitemapResult struct {
	RunID      string            `json:"runId,omitempty"`
	SitemapURL string            `json:"sitemapUrl"`
	URLs       []URLEntry        `json:"urls"`
	TotalURLs  int               `json:"totalUrls"`
	ScrapedAt  time.Time         `json:"scrapedAt"`
	Job        *crawler.BatchJob `json:"-"`
}

// New wires the limiter, breaker and retry policy for each dependency and the
// batch controller that drives the extractor.
func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) (*Service, error) {
	if deps.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if deps.Sitemaps == nil {
		return nil, fmt.Errorf("sitemap source is required")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if deps.Runs == nil {
		deps.Runs = memory.NewRunStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, deps: deps, logger: logger}
	s.sitemapLimiter = ratelimit.New(ratelimit.Config{Name: DependencySitemap, MinInterval: cfg.SitemapMinInterval})
	s.sitemapBreaker = s.newBreaker(DependencySitemap)
	s.sitemapRetry = s.newRetry(DependencySitemap, o.retryOpts)
	s.extractorLimiter = ratelimit.New(ratelimit.Config{Name: DependencyExtractor, MinInterval: cfg.ExtractorMinInterval})
	s.extractorBreaker = s.newBreaker(DependencyExtractor)

	w := worker.New(
		deps.Extractor,
		s.extractorLimiter,
		s.extractorBreaker,
		s.newRetry(DependencyExtractor, o.retryOpts),
		deps.IDs,
		deps.Clock,
		worker.Config{ExtractTimeout: cfg.ExtractTimeout},
		logger.Named("worker"),
	)
	s.dispatcher = dispatcher.New(
		w,
		dispatcher.Config{InitialWorkers: cfg.InitialWorkers, DelayTiers: cfg.DelayTiers},
		deps.Clock,
		logger.Named("dispatcher"),
		o.dispatcherOpts...,
	)
	return s, nil
}

func (s *Service) newBreaker(name string) *circuitbreaker.Breaker {
	metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return circuitbreaker.New(circuitbreaker.Config{
		Name:             name,
		FailureThreshold: s.cfg.FailureThreshold,
		ResetTimeout:     s.cfg.ResetTimeout,
		Clock:            s.deps.Clock,
		IsFailure:        crawler.IsDependencyFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
			s.logger.Warn("circuit breaker state changed",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (s *Service) newRetry(name string, extra []retry.Option) *retry.Policy {
	opts := append([]retry.Option{
		retry.WithOnRetry(func(label string, attempt int, delay time.Duration, err error) {
			metrics.ObserveRetry(name)
			s.logger.Debug("retrying",
				zap.String("dependency", name),
				zap.String("target", label),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	}, extra...)
	return retry.NewPolicy(s.cfg.Retry, opts...)
}

// InitialWorkers reports the pool size each crawl starts with.
func (s *Service) InitialWorkers() int {
	return s.dispatcher.InitialWorkers()
}

// ValidateSitemapURL rejects anything that is not an absolute http(s) URL.
func ValidateSitemapURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &crawler.ValidationError{Field: "sitemapUrl", Reason: "sitemapUrl is required"}
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &crawler.ValidationError{Field: "sitemapUrl", Reason: "invalid URL format"}
	}
	return nil
}

// DiscoverURLs lists the pages referenced by a sitemap, capped at MaxURLs.
func (s *Service) DiscoverURLs(ctx context.Context, sitemapURL string) ([]string, error) {
	sitemapURL = strings.TrimSpace(sitemapURL)
	if err := ValidateSitemapURL(sitemapURL); err != nil {
		return nil, err
	}
	urls, err := retry.Do(ctx, s.sitemapRetry, sitemapURL, func(ctx context.Context) ([]string, error) {
		if err := s.sitemapLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		return circuitbreaker.Guard(ctx, s.sitemapBreaker, func(ctx context.Context) ([]string, error) {
			if s.cfg.SitemapTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.cfg.SitemapTimeout)
				defer cancel()
			}
			return s.deps.Sitemaps.FetchURLs(ctx, sitemapURL)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("discover urls: %w", err)
	}
	if s.cfg.MaxURLs > 0 && len(urls) > s.cfg.MaxURLs {
		s.logger.Info("truncating sitemap",
			zap.String("sitemap_url", sitemapURL),
			zap.Int("discovered", len(urls)),
			zap.Int("max_urls", s.cfg.MaxURLs),
		)
		urls = urls[:s.cfg.MaxURLs]
	}
	return urls, nil
}

// CrawlURLs runs urls through the batch controller. An empty list is a
// ValidationError; otherwise every URL yields exactly one result.
func (s *Service) CrawlURLs(ctx context.Context, urls []string, observers ...dispatcher.Observer) (*crawler.BatchJob, error) {
	job, err := s.dispatcher.Run(ctx, urls, observers...)
	if err != nil {
		return nil, fmt.Errorf("crawl urls: %w", err)
	}
	return job, nil
}

// ScrapeSitemap validates the URL, discovers its pages, crawls them and then
// records, archives and announces the run. Only validation and discovery
// failures are returned; bookkeeping failures are logged.
func (s *Service) ScrapeSitemap(ctx context.Context, sitemapURL string, observers ...dispatcher.Observer) (SitemapResult, error) {
	sitemapURL = strings.TrimSpace(sitemapURL)
	if err := ValidateSitemapURL(sitemapURL); err != nil {
		return SitemapResult{}, err
	}

	urls, err := s.DiscoverURLs(ctx, sitemapURL)
	if err != nil {
		metrics.ObserveSitemap(sitemapURL, "discovery_failed")
		return SitemapResult{}, err
	}
	if len(urls) == 0 {
		metrics.ObserveSitemap(sitemapURL, "empty")
		return SitemapResult{}, &crawler.ValidationError{Field: "sitemapUrl", Reason: "no URLs found in sitemap"}
	}

	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return SitemapResult{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := s.logger.With(zap.String("run_id", runID), zap.String("sitemap_url", sitemapURL))
	logger.Info("sitemap crawl starting", zap.Int("urls", len(urls)))

	job, err := s.CrawlURLs(ctx, urls, observers...)
	if err != nil {
		metrics.ObserveSitemap(sitemapURL, "failed")
		return SitemapResult{}, err
	}

	result := SitemapResult{
		RunID:      runID,
		SitemapURL: sitemapURL,
		URLs:       Entries(job.Results),
		TotalURLs:  len(job.Results),
		ScrapedAt:  job.FinishedAt,
		Job:        job,
	}
	run := crawler.RunSummary{
		ID:            runID,
		SitemapURL:    sitemapURL,
		TotalURLs:     len(job.Results),
		Succeeded:     job.Succeeded(),
		Failed:        job.Failed(),
		RateLimitHits: job.TotalRateLimitHits,
		FinalWorkers:  job.CurrentWorkerCount,
		Batches:       len(job.Batches),
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}

	// Bookkeeping must outlive a client disconnect.
	bookkeeping := context.WithoutCancel(ctx)
	run.ArchiveURI = s.archive(bookkeeping, logger, result)
	if err := s.deps.Runs.RecordRun(bookkeeping, run); err != nil {
		logger.Error("record run failed", zap.Error(err))
	}
	s.announce(bookkeeping, logger, run)

	metrics.ObserveSitemap(sitemapURL, "succeeded")
	logger.Info("sitemap crawl finished",
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", run.Failed),
		zap.Int("rate_limit_hits", run.RateLimitHits),
		zap.Duration("duration", run.Duration()),
	)
	return result, nil
}

func (s *Service) archive(ctx context.Context, logger *zap.Logger, result SitemapResult) string {
	if s.deps.Blobs == nil {
		return ""
	}
	body, err := json.Marshal(result)
	if err != nil {
		logger.Error("encode archive failed", zap.Error(err))
		return ""
	}
	uri, err := s.deps.Blobs.PutObject(ctx, s.archivePath(result.RunID), archiveContentType, bytes.NewReader(body))
	if err != nil {
		logger.Error("archive run failed", zap.Error(err))
		return ""
	}
	return uri
}

func (s *Service) archivePath(runID string) string {
	prefix := strings.Trim(s.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return runID + ".json"
	}
	return path.Join(prefix, runID+".json")
}

func (s *Service) announce(ctx context.Context, logger *zap.Logger, run crawler.RunSummary) {
	if s.deps.Publisher == nil || s.cfg.Topic == "" {
		return
	}
	id, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, run)
	if err != nil {
		logger.Error("publish run event failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("run event published", zap.String("topic", s.cfg.Topic), zap.String("message_id", id))
}

// ListRuns returns recent run summaries, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]crawler.RunSummary, error) {
	runs, err := s.deps.Runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run summary or crawler.ErrRunNotFound.
func (s *Service) GetRun(ctx context.Context, runID string) (crawler.RunSummary, error) {
	run, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// DependencyStatus snapshots every breaker the service owns.
func (s *Service) DependencyStatus() []circuitbreaker.Snapshot {
	return []circuitbreaker.Snapshot{
		s.extractorBreaker.Snapshot(),
		s.sitemapBreaker.Snapshot(),
	}
}

// Entries projects crawl results onto the response shape.
func Entries(results []crawler.URLResult) []URLEntry {
	out := make([]URLEntry, len(results))
	for i, r := range results {
		out[i] = URLEntry{
			ID:          r.ID,
			Title:       r.Title,
			Description: r.Description,
			URL:         r.URL,
			ScrapedAt:   r.ScrapedAt,
		}
	}
	return out
}
