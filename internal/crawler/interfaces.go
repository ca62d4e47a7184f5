package crawler

import (
	"context"
	"io"
	"time"
)

// Extractor returns page metadata for a URL. Failures must be reported as
// *FetchError so callers can classify them without inspecting messages.
type Extractor interface {
	Extract(ctx context.Context, url string) (Metadata, error)
}

// SitemapSource lists the page URLs referenced by a sitemap.
type SitemapSource interface {
	FetchURLs(ctx context.Context, sitemapURL string) ([]string, error)
}

// RunStore persists run summaries.
type RunStore interface {
	RecordRun(ctx context.Context, run RunSummary) error
	GetRun(ctx context.Context, runID string) (RunSummary, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces result and run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
