// Package crawler defines core types shared across subsystems.
package crawler

import "time"

// Metadata is what an Extractor returns for a single page.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// URLResult is produced exactly once per input URL, either from a successful
// extraction or from a synthesized fallback.
type URLResult struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Success     bool      `json:"success"`
	IsRateLimit bool      `json:"isRateLimit"`
	Error       string    `json:"error,omitempty"`
	ScrapedAt   time.Time `json:"scrapedAt"`
}

// BatchReport summarizes one settled batch.
type BatchReport struct {
	Index         int           `json:"index"`
	Size          int           `json:"size"`
	Failures      int           `json:"failures"`
	RateLimitHits int           `json:"rate_limit_hits"`
	WorkersBefore int           `json:"workers_before"`
	WorkersAfter  int           `json:"workers_after"`
	Delay         time.Duration `json:"delay"`
	Duration      time.Duration `json:"duration"`
}

// BatchJob is the transient state of one crawl. It is created per request and
// discarded once the response has been written.
type BatchJob struct {
	URLs               []string      `json:"urls"`
	InitialWorkerCount int           `json:"initial_worker_count"`
	CurrentWorkerCount int           `json:"current_worker_count"`
	TotalRateLimitHits int           `json:"total_rate_limit_hits"`
	Results            []URLResult   `json:"results"`
	Batches            []BatchReport `json:"batches"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
}

// Succeeded counts results that came from a real extraction.
func (j *BatchJob) Succeeded() int {
	n := 0
	for _, r := range j.Results {
		if r.Success {
			n++
		}
	}
	return n
}

// Failed counts fallback results.
func (j *BatchJob) Failed() int {
	return len(j.Results) - j.Succeeded()
}

// RunSummary is the persisted record of a completed sitemap crawl.
type RunSummary struct {
	ID            string    `json:"id"`
	SitemapURL    string    `json:"sitemap_url"`
	TotalURLs     int       `json:"total_urls"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	RateLimitHits int       `json:"rate_limit_hits"`
	FinalWorkers  int       `json:"final_workers"`
	Batches       int       `json:"batches"`
	ArchiveURI    string    `json:"archive_uri,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Duration reports how long the run took.
func (r RunSummary) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
