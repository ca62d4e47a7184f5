// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/sitemap/scrape to crawl every page of a sitemap synchronously.
//   - GET /v1/runs and /v1/runs/{run_id} for run history.
//   - GET /v1/dependencies for circuit breaker state.
package api
