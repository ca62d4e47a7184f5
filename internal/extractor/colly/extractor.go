// Package collyextractor implements crawler.Extractor by fetching pages with gocolly
// and reading metadata from the document head.
package collyextractor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Extractor implements crawler.Extractor using the Colly collector.
type Extractor struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// pageState accumulates what the collector callbacks observe for one visit.
type pageState struct {
	md     crawler.Metadata
	status int
	err    error
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.WithTransport(NewTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Extractor{cfg: cfg, baseCollector: c}
}

// Extract visits url and returns its title and description. Failures are
// returned as *crawler.FetchError.
func (e *Extractor) Extract(ctx context.Context, url string) (crawler.Metadata, error) {
	collector := e.baseCollector.Clone()
	collector.Context = ctx

	state := &pageState{}
	registerHooks(collector, state)

	if err := Visit(ctx, collector, url); err != nil {
		return crawler.Metadata{}, classify(url, state.status, err)
	}
	if state.err != nil {
		return crawler.Metadata{}, classify(url, state.status, state.err)
	}
	return state.md, nil
}

func registerHooks(hooks collectorHooks, state *pageState) {
	hooks.OnHTML("head", func(h *colly.HTMLElement) {
		state.md.Title = firstNonEmpty(
			h.ChildText("title"),
			h.ChildAttr(`meta[property="og:title"]`, "content"),
		)
		state.md.Description = firstNonEmpty(
			h.ChildAttr(`meta[name="description"]`, "content"),
			h.ChildAttr(`meta[property="og:description"]`, "content"),
		)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.err = err
	})
}

// Visit runs collector.Visit and reports ctx cancellation in preference to
// the transport error it causes. collector.Context must be ctx; Visit always
// waits for the collector's callbacks to finish before returning, so state
// they write is safe to read afterwards.
func Visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		<-done
		return fmt.Errorf("colly visit canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classify(url string, status int, err error) error {
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	kind := crawler.KindForStatus(status)
	if status == http.StatusServiceUnavailable {
		kind = crawler.KindRateLimited
	}
	if kind == crawler.KindOther {
		kind = crawler.ClassifyError(err)
	}
	return crawler.NewFetchError(kind, url, status, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// NewTransport returns the pooled HTTP transport shared by colly collectors.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
}
