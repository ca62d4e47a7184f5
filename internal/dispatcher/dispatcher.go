// Package dispatcher runs URL lists through the worker pipeline in adaptive batches.
package dispatcher

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/metrics"
)

// DefaultInitialWorkers is used when Config.InitialWorkers is not positive.
const DefaultInitialWorkers = 15

const (
	heavyFloor        = 5
	lightFloor        = 10
	heavyRatio        = 0.3
	maxBackoffDoubles = 4
)

// Processor turns one URL into one result. It must not fail.
type Processor interface {
	Process(ctx context.Context, url string) crawler.URLResult
}

// DelayTiers are the base inter-batch delays keyed by pool size.
type DelayTiers struct {
	// Large applies when the pool has more than 30 workers.
	Large time.Duration
	// Medium applies when the pool has more than 20 workers.
	Medium time.Duration
	// Small applies otherwise.
	Small time.Duration
}

// DefaultDelayTiers returns the production delay tiers.
func DefaultDelayTiers() DelayTiers {
	return DelayTiers{
		Large:  time.Second,
		Medium: 750 * time.Millisecond,
		Small:  500 * time.Millisecond,
	}
}

// Config controls the batch controller.
type Config struct {
	InitialWorkers int
	DelayTiers     DelayTiers
}

// Observer is notified after each batch settles.
type Observer interface {
	OnBatch(report crawler.BatchReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(report crawler.BatchReport)

// OnBatch calls f(report).
func (f ObserverFunc) OnBatch(report crawler.BatchReport) {
	f(report)
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSleeper replaces the inter-batch sleep, mainly for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// Dispatcher partitions URL lists into sequential batches and adapts the pool
// size to the rate-limit pressure it observes.
type Dispatcher struct {
	processor Processor
	cfg       Config
	clock     crawler.Clock
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// New creates a Dispatcher.
func New(processor Processor, cfg Config, clock crawler.Clock, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.InitialWorkers <= 0 {
		cfg.InitialWorkers = DefaultInitialWorkers
	}
	if cfg.DelayTiers == (DelayTiers{}) {
		cfg.DelayTiers = DefaultDelayTiers()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		processor: processor,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InitialWorkers reports the configured starting pool size.
func (d *Dispatcher) InitialWorkers() int {
	return d.cfg.InitialWorkers
}

// Run crawls urls and returns a job holding exactly one result per URL.
// The only error is a ValidationError for an empty list. Cancelling ctx
// shortens delays and makes remaining items resolve to fallbacks quickly.
func (d *Dispatcher) Run(ctx context.Context, urls []string, observers ...Observer) (*crawler.BatchJob, error) {
	if len(urls) == 0 {
		return nil, &crawler.ValidationError{Field: "urls", Reason: "no URLs to crawl"}
	}

	job := &crawler.BatchJob{
		URLs:               urls,
		InitialWorkerCount: d.cfg.InitialWorkers,
		CurrentWorkerCount: d.cfg.InitialWorkers,
		Results:            make([]crawler.URLResult, 0, len(urls)),
		StartedAt:          d.clock.Now(),
	}
	d.logger.Info("crawl started",
		zap.Int("urls", len(urls)),
		zap.Int("workers", job.CurrentWorkerCount),
	)

	for start, index := 0, 0; start < len(urls); index++ {
		workers := job.CurrentWorkerCount
		end := min(start+workers, len(urls))
		batch := urls[start:end]
		start = end

		metrics.SetWorkerCount(workers)
		batchStart := time.Now()
		results := d.runBatch(ctx, batch)
		elapsed := time.Since(batchStart)

		failures, hits := 0, 0
		for _, res := range results {
			if !res.Success {
				failures++
			}
			if res.IsRateLimit {
				hits++
			}
		}
		job.Results = append(job.Results, results...)
		job.TotalRateLimitHits += hits
		job.CurrentWorkerCount = NextWorkerCount(workers, len(batch), hits)

		var delay time.Duration
		if start < len(urls) {
			delay = InterBatchDelay(d.cfg.DelayTiers, job.CurrentWorkerCount, hits, job.TotalRateLimitHits)
		}

		report := crawler.BatchReport{
			Index:         index,
			Size:          len(batch),
			Failures:      failures,
			RateLimitHits: hits,
			WorkersBefore: workers,
			WorkersAfter:  job.CurrentWorkerCount,
			Delay:         delay,
			Duration:      elapsed,
		}
		job.Batches = append(job.Batches, report)
		metrics.ObserveBatch(elapsed, delay)
		d.logger.Info("batch settled",
			zap.Int("batch", index),
			zap.Int("size", len(batch)),
			zap.Int("failures", failures),
			zap.Int("rate_limit_hits", hits),
			zap.Int("workers_before", workers),
			zap.Int("workers_after", job.CurrentWorkerCount),
			zap.Duration("delay", delay),
		)
		for _, obs := range observers {
			obs.OnBatch(report)
		}

		if delay > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				d.logger.Warn("inter-batch delay interrupted", zap.Error(err))
			}
		}
	}

	job.FinishedAt = d.clock.Now()
	d.logger.Info("crawl finished",
		zap.Int("urls", len(urls)),
		zap.Int("succeeded", job.Succeeded()),
		zap.Int("failed", job.Failed()),
		zap.Int("rate_limit_hits", job.TotalRateLimitHits),
		zap.Int("final_workers", job.CurrentWorkerCount),
	)
	return job, nil
}

func (d *Dispatcher) runBatch(ctx context.Context, batch []string) []crawler.URLResult {
	results := make([]crawler.URLResult, len(batch))
	var wg sync.WaitGroup
	for i, url := range batch {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = d.processor.Process(ctx, url)
		}(i, url)
	}
	wg.Wait()
	return results
}

// NextWorkerCount returns the pool size for the next batch. Heavy rate
// limiting (more than 30% of the batch) halves the pool down to 5 workers;
// any rate limiting trims it by 20% down to 10. The pool never grows.
func NextWorkerCount(current, batchSize, rateLimitHits int) int {
	switch {
	case float64(rateLimitHits) > heavyRatio*float64(batchSize) && current > heavyFloor:
		return max(heavyFloor, current/2)
	case rateLimitHits > 0 && current > lightFloor:
		return max(lightFloor, current*4/5)
	default:
		return current
	}
}

// InterBatchDelay returns the pause before the next batch. The base tier
// depends on the pool size; a batch that saw rate limiting doubles it once per
// cumulative hit, up to 16x.
func InterBatchDelay(tiers DelayTiers, workers, batchRateLimitHits, totalRateLimitHits int) time.Duration {
	var delay time.Duration
	switch {
	case workers > 30:
		delay = tiers.Large
	case workers > 20:
		delay = tiers.Medium
	default:
		delay = tiers.Small
	}
	if batchRateLimitHits > 0 {
		delay *= time.Duration(math.Pow(2, float64(min(totalRateLimitHits, maxBackoffDoubles))))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
