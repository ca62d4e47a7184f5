package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/dispatcher"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/policy/circuitbreaker"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/service"
)

const (
	maxBodyBytes     = 1 << 20
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// Crawler is the slice of the service the HTTP layer needs.
type Crawler interface {
	ScrapeSitemap(ctx context.Context, sitemapURL string, observers ...dispatcher.Observer) (service.SitemapResult, error)
	ListRuns(ctx context.Context, limit int) ([]crawler.RunSummary, error)
	GetRun(ctx context.Context, runID string) (crawler.RunSummary, error)
	DependencyStatus() []circuitbreaker.Snapshot
}

// Config carries the HTTP-level settings.
type Config struct {
	AuthEnabled bool
	APIKey      string
}

// Server wires HTTP handlers to the crawl service.
type Server struct {
	router  chi.Router
	crawler Crawler
	ids     crawler.IDGenerator
	logger  *zap.Logger
}

type scrapeRequest struct {
	SitemapURL string `json:"sitemapUrl"`
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(c Crawler, ids crawler.IDGenerator, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawler: c,
		ids:     ids,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(ids))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/api/sitemap/scrape", s.scrapeSitemap)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{run_id}", s.getRun)
			r.Get("/dependencies", s.dependencies)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz always answers 200. The body reports "degraded" while any breaker is
// not closed.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	for _, snap := range s.crawler.DependencyStatus() {
		if snap.State != circuitbreaker.StateClosed.String() {
			status = "degraded"
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) scrapeSitemap(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := service.ValidateSitemapURL(req.SitemapURL); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	result, err := s.crawler.ScrapeSitemap(r.Context(), req.SitemapURL)
	if err != nil {
		if crawler.IsValidation(err) {
			s.writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		s.logger.Error("sitemap scrape failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("sitemap_url", req.SitemapURL),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.crawler.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"runs": runs}})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.crawler.GetRun(r.Context(), runID)
	if errors.Is(err, crawler.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: run})
}

func (s *Server) dependencies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    map[string]any{"dependencies": s.crawler.DependencyStatus()},
	})
}

func validationMessage(err error) string {
	var vErr *crawler.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason
	}
	return err.Error()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, envelope{Success: false, Error: msg})
}
