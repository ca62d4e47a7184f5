// Package retry wraps operations with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/circuitbreaker"
)

// Config controls attempt count and backoff shape.
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            time.Duration
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        2,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            250 * time.Millisecond,
	}
}

// ExhaustedError is returned once an operation stops being retried.
type ExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempt(s): %v", e.Label, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Policy computes backoff delays and drives retries.
type Policy struct {
	cfg     Config
	sleep   func(context.Context, time.Duration) error
	jitter  func(limit time.Duration) time.Duration
	onRetry func(label string, attempt int, delay time.Duration, err error)
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleeper replaces the context-aware sleep, mainly for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// WithJitterSource replaces the random jitter source.
func WithJitterSource(fn func(limit time.Duration) time.Duration) Option {
	return func(p *Policy) { p.jitter = fn }
}

// WithOnRetry registers a hook invoked before each backoff sleep.
func WithOnRetry(fn func(label string, attempt int, delay time.Duration, err error)) Option {
	return func(p *Policy) { p.onRetry = fn }
}

// NewPolicy builds a Policy, filling zero values with sane defaults.
func NewPolicy(cfg Config, opts ...Option) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.MaxDelay > 0 && cfg.BaseDelay > cfg.MaxDelay {
		cfg.BaseDelay = cfg.MaxDelay
	}
	p := &Policy{
		cfg:    cfg,
		sleep:  sleepContext,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Backoff returns the exponential part of the delay for the given zero-based
// retry index, capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt))
	if p.cfg.MaxDelay > 0 && delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	if math.IsInf(delay, 0) || delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Delay is Backoff plus uniform jitter in [0, Jitter].
func (p *Policy) Delay(attempt int) time.Duration {
	return p.Backoff(attempt) + p.jitter(p.cfg.Jitter)
}

// Do runs op up to MaxRetries+1 times. Breaker rejections and cancellation of
// ctx end the loop immediately.
func Do[T any](ctx context.Context, p *Policy, label string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if p.onRetry != nil {
				p.onRetry(label, attempt, delay, lastErr)
			}
			if err := p.sleep(ctx, delay); err != nil {
				return zero, &ExhaustedError{Label: label, Attempts: attempt, Err: errors.Join(lastErr, err)}
			}
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			return zero, &ExhaustedError{Label: label, Attempts: attempt + 1, Err: err}
		}
	}
	return zero, &ExhaustedError{Label: label, Attempts: attempts, Err: lastErr}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, circuitbreaker.ErrOpen)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
