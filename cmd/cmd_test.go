package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/app"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/config"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/service"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadURLFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "urls.txt", "# products\nhttps://example.com/a\n\n  https://example.com/b  \n")

	urls, err := readURLFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, urls)

	_, err = readURLFile(writeFile(t, dir, "empty.txt", "\n# nothing\n"))
	require.ErrorContains(t, err, "no URLs")

	_, err = readURLFile(filepath.Join(dir, "missing.txt"))
	require.ErrorContains(t, err, "open urls file")
}

func TestWriteOutput(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	require.NoError(t, writeOutput(&stdout, "", map[string]int{"totalUrls": 2}))
	require.Contains(t, stdout.String(), `"totalUrls": 2`)

	path := filepath.Join(t.TempDir(), "out.json")
	stdout.Reset()
	require.NoError(t, writeOutput(&stdout, path, map[string]int{"totalUrls": 3}))
	require.Empty(t, stdout.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"totalUrls": 3`)
}

func TestProgressObserver(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := newProgressObserver(&buf, 20, false)
	p.OnBatch(crawler.BatchReport{Size: 15, WorkersAfter: 7, RateLimitHits: 5})
	p.OnBatch(crawler.BatchReport{Size: 5, WorkersAfter: 7})
	p.finish()
	require.Contains(t, buf.String(), "crawling")

	disabled := newProgressObserver(&buf, 20, true)
	disabled.OnBatch(crawler.BatchReport{Size: 1})
	disabled.finish()
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["crawl"])
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestCrawlCmd_RequiresSource(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--config", writeFile(t, t.TempDir(), "config.yaml", "logging:\n  development: false\n")})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "sitemap")
}

func TestCrawlCmd_URLsFile(t *testing.T) {
	t.Parallel()

	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing-page" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>Title %s</title><meta name="description" content="About %s"></head><body></body></html>`, r.URL.Path, r.URL.Path)
	}))
	defer pages.Close()

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", strings.Join([]string{
		"logging:",
		"  development: false",
		"extractor:",
		"  min_interval_ms: 0",
		"retry:",
		"  max_retries: 0",
		"  base_delay_ms: 0",
		"  max_delay_ms: 0",
		"  jitter_ms: 0",
	}, "\n"))
	urlsPath := writeFile(t, dir, "urls.txt", strings.Join([]string{
		pages.URL + "/one",
		pages.URL + "/two",
		pages.URL + "/missing-page",
	}, "\n"))
	outPath := filepath.Join(dir, "out.json")

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--config", cfgPath, "--urls-file", urlsPath, "--workers", "2", "--output", outPath, "--no-progress"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.NoError(t, root.ExecuteContext(context.Background()))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var result service.SitemapResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, 3, result.TotalURLs)
	require.Len(t, result.URLs, 3)
	require.Equal(t, "Title /one", result.URLs[0].Title)
	require.Equal(t, "About /two", result.URLs[1].Description)
	require.Equal(t, "Missing Page", result.URLs[2].Title)
	require.Equal(t, crawler.DefaultDescription, result.URLs[2].Description)
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeFile(t, t.TempDir(), "config.yaml", "logging:\n  development: false\n"))
	require.NoError(t, err)
	cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, runServe(ctx, &session{cfg: cfg, logger: zap.NewNop()}))
}

func TestRunCrawl_AppInitFailure(t *testing.T) {
	original := newApp
	t.Cleanup(func() { newApp = original })
	newApp = func(context.Context, config.Config, *zap.Logger) (*app.App, error) {
		return nil, errors.New("postgres unreachable")
	}

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--config", writeFile(t, t.TempDir(), "config.yaml", "logging:\n  development: false\n"), "--sitemap", "https://example.com/sitemap.xml"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "postgres unreachable")
}
