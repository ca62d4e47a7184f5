// Package ratelimit paces outbound calls to a single downstream dependency.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// Name labels the dependency in metrics.
	Name string
	// MinInterval is the minimum spacing between call starts. Zero disables pacing.
	MinInterval time.Duration
}

// Limiter enforces a minimum interval between successive calls. It never
// rejects; callers are suspended until their slot arrives.
type Limiter struct {
	name        string
	minInterval time.Duration
	limiter     *rate.Limiter
}

// New creates a Limiter. A burst of one means every reservation is spaced by
// MinInterval from the previous one, including reservations made concurrently.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	name := cfg.Name
	if name == "" {
		name = "unknown"
	}
	return &Limiter{
		name:        name,
		minInterval: cfg.MinInterval,
		limiter:     rate.NewLimiter(limit, 1),
	}
}

// Wait blocks until the caller may proceed, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.name, waited)
	}
	return nil
}

// MinInterval reports the configured spacing.
func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// Name returns the dependency label.
func (l *Limiter) Name() string {
	return l.name
}
