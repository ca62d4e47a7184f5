// Package sitemap downloads sitemaps and lists the page URLs they reference.
package sitemap

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	collyextractor "github.com/JakeFAU/sitemap-metadata-crawler/internal/extractor/colly"
)

const defaultTimeout = 15 * time.Second

const (
	// DefaultMaxBodyBytes is the sitemap protocol's upper bound for one file.
	DefaultMaxBodyBytes = 50 << 20
)

// ErrTooLarge reports a sitemap body above Config.MaxBodyBytes.
var ErrTooLarge = errors.New("sitemap exceeds size limit")

var locPattern = regexp.MustCompile(`(?s)<loc>(.*?)</loc>`)

// Config controls sitemap downloads.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.SitemapSource with colly.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.AllowURLRevisit())
	// One byte over the limit lets a truncated read be told apart from a
	// body that is exactly MaxBodyBytes long.
	c.MaxBodySize = cfg.MaxBodyBytes + 1
	c.WithTransport(collyextractor.NewTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// FetchURLs downloads sitemapURL and returns its <loc> entries in document
// order with duplicates removed.
func (f *Fetcher) FetchURLs(ctx context.Context, sitemapURL string) ([]string, error) {
	collector := f.baseCollector.Clone()
	collector.Context = ctx

	var (
		body     []byte
		status   int
		visitErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		visitErr = err
	})

	if err := collyextractor.Visit(ctx, collector, sitemapURL); err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", crawler.NewFetchError(kindFor(status, err), sitemapURL, status, err))
	}
	if visitErr != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", crawler.NewFetchError(kindFor(status, visitErr), sitemapURL, status, visitErr))
	}
	if len(body) > f.cfg.MaxBodyBytes {
		err := fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.cfg.MaxBodyBytes)
		return nil, fmt.Errorf("fetch sitemap: %w", crawler.NewFetchError(crawler.KindOther, sitemapURL, status, err))
	}
	return ExtractLocs(body), nil
}

func kindFor(status int, err error) crawler.ErrorKind {
	if kind := crawler.KindForStatus(status); kind != crawler.KindOther {
		return kind
	}
	return crawler.ClassifyError(err)
}

// ExtractLocs pulls every <loc> value out of a sitemap document. Values are
// entity-decoded and trimmed; empty and repeated entries are dropped.
func ExtractLocs(body []byte) []string {
	matches := locPattern.FindAllSubmatch(body, -1)
	urls := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		loc := strings.TrimSpace(html.UnescapeString(string(m[1])))
		loc = strings.TrimSuffix(strings.TrimPrefix(loc, "<![CDATA["), "]]>")
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		urls = append(urls, loc)
	}
	return urls
}
