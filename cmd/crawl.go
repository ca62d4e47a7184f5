package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/dispatcher"
	"github.com/JakeFAU/sitemap-metadata-crawler/internal/service"
)

type crawlOptions struct {
	sitemapURL string
	urlsFile   string
	workers    int
	output     string
	noProgress bool
}

// newCrawlCmd creates the one-shot 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls a sitemap or URL list once and writes the results as JSON",
		Long: `Runs the same adaptive batch crawl as the HTTP service without starting a
server. Pass --sitemap to discover pages from a sitemap (the run is recorded
and archived like an API request) or --urls-file for a newline separated list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.sitemapURL, "sitemap", "", "sitemap URL to crawl")
	cmd.Flags().StringVar(&opts.urlsFile, "urls-file", "", "file with one URL per line; blank lines and # comments are ignored")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "override crawler.initial_workers")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write JSON results to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "disable the progress bar")
	cmd.MarkFlagsMutuallyExclusive("sitemap", "urls-file")
	cmd.MarkFlagsOneRequired("sitemap", "urls-file")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, opts crawlOptions) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		rt.cfg.Crawler.InitialWorkers = opts.workers
	}

	a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()
	svc := a.Service()

	var (
		payload any
		total   = -1
		urls    []string
	)
	if opts.urlsFile != "" {
		urls, err = readURLFile(opts.urlsFile)
		if err != nil {
			return err
		}
		total = len(urls)
	}

	progress := newProgressObserver(cmd.ErrOrStderr(), total, opts.noProgress)
	if opts.sitemapURL != "" {
		result, err := svc.ScrapeSitemap(cmd.Context(), opts.sitemapURL, progress)
		if err != nil {
			return fmt.Errorf("scrape sitemap: %w", err)
		}
		payload = result
		logJob(rt.logger, result.Job)
	} else {
		job, err := svc.CrawlURLs(cmd.Context(), urls, progress)
		if err != nil {
			return fmt.Errorf("crawl urls: %w", err)
		}
		payload = service.SitemapResult{
			URLs:      service.Entries(job.Results),
			TotalURLs: len(job.Results),
			ScrapedAt: job.FinishedAt,
		}
		logJob(rt.logger, job)
	}
	progress.finish()

	return writeOutput(cmd.OutOrStdout(), opts.output, payload)
}

func logJob(logger *zap.Logger, job *crawler.BatchJob) {
	if job == nil {
		return
	}
	logger.Info("crawl finished",
		zap.Int("urls", len(job.Results)),
		zap.Int("succeeded", job.Succeeded()),
		zap.Int("failed", job.Failed()),
		zap.Int("rate_limit_hits", job.TotalRateLimitHits),
		zap.Int("final_workers", job.CurrentWorkerCount),
		zap.Int("batches", len(job.Batches)),
	)
}

// readURLFile loads one URL per line.
func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open urls file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read urls file: %w", err)
	}
	if len(urls) == 0 {
		return nil, errors.New("urls file contains no URLs")
	}
	return urls, nil
}

func writeOutput(stdout io.Writer, path string, payload any) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// progressObserver advances a progress bar as batches settle. A negative
// total renders an indeterminate spinner.
type progressObserver struct {
	bar *progressbar.ProgressBar
}

func newProgressObserver(w io.Writer, total int, disabled bool) *progressObserver {
	if disabled {
		return &progressObserver{}
	}
	return &progressObserver{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("crawling"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)}
}

// OnBatch implements dispatcher.Observer.
func (p *progressObserver) OnBatch(report crawler.BatchReport) {
	if p.bar == nil {
		return
	}
	p.bar.Describe(fmt.Sprintf("crawling (%d workers, %d rate limited)", report.WorkersAfter, report.RateLimitHits))
	_ = p.bar.Add(report.Size)
}

func (p *progressObserver) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}

var _ dispatcher.Observer = (*progressObserver)(nil)
