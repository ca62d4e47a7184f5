// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)

	crawlerSitemapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_sitemaps_total",
			Help: "Total number of sitemap crawls, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	crawlerURLResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_url_results_total",
			Help: "Total number of per-URL results, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	crawlerRetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_retry_attempts_total",
			Help: "Total number of retry attempts, labeled by dependency.",
		},
		[]string{"dependency"},
	)

	crawlerWorkerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_worker_count",
			Help: "Worker pool size chosen for the most recent batch.",
		},
	)

	crawlerBatchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_batch_duration_seconds",
			Help:    "Histogram of batch settle times.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	crawlerInterBatchDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_inter_batch_delay_seconds",
			Help:    "Histogram of delays inserted between batches.",
			Buckets: []float64{0.5, 0.75, 1, 2, 4, 8, 16},
		},
	)

	crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"dependency"},
	)

	crawlerCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open).",
		},
		[]string{"dependency"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSitemap counts a finished sitemap crawl.
func ObserveSitemap(sitemapURL, status string) {
	crawlerSitemapsTotal.WithLabelValues(SanitizeSite(sitemapURL), status).Inc()
}

// ObserveURLResult counts one per-URL outcome.
func ObserveURLResult(outcome string) {
	crawlerURLResultsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry counts one retry attempt against a dependency.
func ObserveRetry(dependency string) {
	crawlerRetryAttemptsTotal.WithLabelValues(dependency).Inc()
}

// SetWorkerCount records the pool size for the next batch.
func SetWorkerCount(n int) {
	crawlerWorkerCount.Set(float64(n))
}

// ObserveBatch records how long a batch took to settle and the delay that followed it.
func ObserveBatch(duration, delay time.Duration) {
	crawlerBatchDurationSeconds.Observe(duration.Seconds())
	if delay > 0 {
		crawlerInterBatchDelaySeconds.Observe(delay.Seconds())
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(dependency string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(dependency).Observe(duration.Seconds())
}

// SetBreakerState records a breaker transition. State values follow
// circuitbreaker.State ordering.
func SetBreakerState(dependency string, state int) {
	crawlerCircuitBreakerState.WithLabelValues(dependency).Set(float64(state))
}
