// Package worker implements the per-URL extraction pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/circuitbreaker"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/retry"
)

// DefaultExtractTimeout bounds a single extraction call when none is configured.
const DefaultExtractTimeout = 10 * time.Second

// Config controls Worker behavior.
type Config struct {
	ExtractTimeout time.Duration
}

// Worker turns one URL into exactly one URLResult. Every call to the extractor
// goes through the shared limiter, breaker and retry policy.
type Worker struct {
	extractor crawler.Extractor
	limiter   *ratelimit.Limiter
	breaker   *circuitbreaker.Breaker
	retry     *retry.Policy
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The limiter and breaker may be nil, in which case
// that stage of the pipeline is skipped.
func New(
	extractor crawler.Extractor,
	limiter *ratelimit.Limiter,
	breaker *circuitbreaker.Breaker,
	retryPolicy *retry.Policy,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	if retryPolicy == nil {
		retryPolicy = retry.NewPolicy(retry.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		extractor: extractor,
		limiter:   limiter,
		breaker:   breaker,
		retry:     retryPolicy,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs the pipeline for url. It never fails: extraction errors are
// folded into a fallback result.
func (w *Worker) Process(ctx context.Context, url string) crawler.URLResult {
	id := w.newID(url)
	md, err := retry.Do(ctx, w.retry, url, func(ctx context.Context) (crawler.Metadata, error) {
		return w.extract(ctx, url)
	})
	if err != nil {
		res := crawler.FallbackResult(id, url, err, w.clock.Now())
		outcome := metrics.OutcomeFailed
		if res.IsRateLimit {
			outcome = metrics.OutcomeRateLimited
		}
		metrics.ObserveURLResult(outcome)
		w.logger.Warn("extraction failed, using fallback",
			zap.String("url", url),
			zap.String("kind", crawler.ClassifyError(err).String()),
			zap.Error(err),
		)
		return res
	}

	title := md.Title
	if title == "" {
		title = crawler.FallbackTitle(url)
	}
	description := md.Description
	if description == "" {
		description = crawler.DefaultDescription
	}
	metrics.ObserveURLResult(metrics.OutcomeSuccess)
	w.logger.Debug("extraction succeeded", zap.String("url", url))
	return crawler.URLResult{
		ID:          id,
		URL:         url,
		Title:       title,
		Description: description,
		Success:     true,
		ScrapedAt:   w.clock.Now(),
	}
}

func (w *Worker) extract(ctx context.Context, url string) (crawler.Metadata, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return crawler.Metadata{}, err
		}
	}
	if w.breaker == nil {
		return w.callExtractor(ctx, url)
	}
	return circuitbreaker.Guard(ctx, w.breaker, func(ctx context.Context) (crawler.Metadata, error) {
		return w.callExtractor(ctx, url)
	})
}

func (w *Worker) callExtractor(ctx context.Context, url string) (crawler.Metadata, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ExtractTimeout)
	defer cancel()

	md, err := w.extractor.Extract(callCtx, url)
	if err == nil {
		return md, nil
	}
	// A deadline hit by the per-call timeout is a dependency timeout even if
	// the extractor reported it as something else.
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
		crawler.ClassifyError(err) != crawler.KindTimeout {
		return md, crawler.NewFetchError(crawler.KindTimeout, url, 0, err)
	}
	return md, err
}

func (w *Worker) newID(url string) string {
	if w.ids == nil {
		return ""
	}
	id, err := w.ids.NewID()
	if err != nil {
		w.logger.Warn("id generation failed", zap.String("url", url), zap.Error(err))
		return ""
	}
	return id
}
