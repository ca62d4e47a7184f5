// Package apiextractor implements crawler.Extractor against a hosted
// metadata-extraction API.
package apiextractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
)

const (
	defaultTimeout = 15 * time.Second
	apiKeyHeader   = "x-api-key"
	maxErrorBody   = 512
)

// Config controls the API client.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Extractor calls GET {BaseURL}?url=... and decodes the metadata envelope.
type Extractor struct {
	cfg    Config
	client *http.Client
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"data"`
}

// New builds an Extractor. A nil client gets a default one using cfg.Timeout.
func New(cfg Config, client *http.Client) (*Extractor, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("extractor api url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse extractor api url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Extractor{cfg: cfg, client: client}, nil
}

// Extract asks the API for target's metadata.
func (e *Extractor) Extract(ctx context.Context, target string) (crawler.Metadata, error) {
	endpoint, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		return crawler.Metadata{}, crawler.NewFetchError(crawler.KindOther, target, 0, err)
	}
	q := endpoint.Query()
	q.Set("url", target)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return crawler.Metadata{}, crawler.NewFetchError(crawler.KindOther, target, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, e.cfg.APIKey)
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return crawler.Metadata{}, crawler.NewFetchError(crawler.ClassifyError(err), target, 0, fmt.Errorf("call extractor api: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return crawler.Metadata{}, crawler.NewFetchError(
			crawler.KindForStatus(resp.StatusCode),
			target,
			resp.StatusCode,
			fmt.Errorf("extractor api returned %s: %s", resp.Status, snippet),
		)
	}

	var body envelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return crawler.Metadata{}, crawler.NewFetchError(crawler.ClassifyError(err), target, resp.StatusCode, fmt.Errorf("decode extractor response: %w", err))
	}
	if body.Status != "success" {
		msg := body.Message
		if msg == "" {
			msg = "status " + body.Status
		}
		return crawler.Metadata{}, crawler.NewFetchError(crawler.KindOther, target, resp.StatusCode, fmt.Errorf("extractor api failed: %s", msg))
	}
	return crawler.Metadata{
		Title:       body.Data.Title,
		Description: body.Data.Description,
	}, nil
}
