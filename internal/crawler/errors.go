package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/circuitbreaker"
)

// ErrRunNotFound is returned by RunStore implementations for unknown IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrorKind classifies per-item failures.
type ErrorKind int

// Failure kinds. Downstream logic switches on these, never on error text.
const (
	KindOther ErrorKind = iota
	KindRateLimited
	KindTimeout
	KindCircuitOpen
)

// String returns a stable label suitable for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "other"
	}
}

// FetchError is returned at the extractor boundary.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

// NewFetchError builds a FetchError.
func NewFetchError(kind ErrorKind, url string, statusCode int, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, StatusCode: statusCode, Err: err}
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetching %s (status %d): %v", e.Kind, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetching %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ValidationError marks caller mistakes that must be reported before any work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// ClassifyError maps any per-item error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return KindCircuitOpen
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.Kind != KindOther {
		return fetchErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindOther
}

// KindForStatus maps an upstream HTTP status onto an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch status {
	case 429:
		return KindRateLimited
	case 408, 504:
		return KindTimeout
	default:
		return KindOther
	}
}

// ErrCircuitOpen is the breaker rejection sentinel, re-exported for callers
// that only import crawler.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// IsDependencyFailure reports whether err says something about the health of
// the downstream dependency. Caller cancellation and per-page client errors
// (404, 410, ...) do not.
func IsDependencyFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.Kind == KindOther &&
		fetchErr.StatusCode >= 400 && fetchErr.StatusCode < 500 {
		return false
	}
	return true
}
