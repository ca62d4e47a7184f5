// Package circuitbreaker implements a consecutive-failure circuit breaker that
// sheds load from a degraded dependency and tests recovery with a single
// half-open trial call.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config holds breaker thresholds.
type Config struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	Clock            Clock
	// OnStateChange is invoked after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	// IsFailure decides whether an error counts against the dependency.
	// Defaults to every error except context.Canceled.
	IsFailure func(error) bool
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// Breaker guards calls to a single dependency. It is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	trialInFlight       bool
}

type transition struct {
	from, to State
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Execute runs fn if the breaker admits the call and records its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Guard is the value-returning form of Execute.
func Guard[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.cfg.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		FailureThreshold:    b.cfg.FailureThreshold,
		LastFailureAt:       b.lastFailureAt,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setState(StateClosed)
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.mu.Unlock()
	b.notify(t)
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var t *transition
	defer func() {
		b.mu.Unlock()
		b.notify(t)
	}()

	switch b.state {
	case StateOpen:
		if b.cfg.Clock.Now().Sub(b.lastFailureAt) < b.cfg.ResetTimeout {
			return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		t = b.setState(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	var t *transition
	defer func() {
		b.mu.Unlock()
		b.notify(t)
	}()

	failure := err != nil && b.cfg.IsFailure(err)
	neutral := err != nil && !failure

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		switch {
		case neutral:
			// trial abandoned by the caller; the next call tries again
		case failure:
			b.lastFailureAt = b.cfg.Clock.Now()
			t = b.setState(StateOpen)
		default:
			b.consecutiveFailures = 0
			t = b.setState(StateClosed)
		}
	case StateClosed:
		switch {
		case neutral:
		case failure:
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.lastFailureAt = b.cfg.Clock.Now()
				t = b.setState(StateOpen)
			}
		default:
			b.consecutiveFailures = 0
		}
	case StateOpen:
		// Calls admitted before the breaker opened may still be completing.
		if failure {
			b.consecutiveFailures++
		}
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil || b.cfg.OnStateChange == nil {
		return
	}
	b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
}
