// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
)

const (
	defaultTable     = "crawl_runs"
	defaultListLimit = 100
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RunStoreConfig controls the Postgres connection pool used for run summaries.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore persists run summaries in Postgres.
type RunStore struct {
	pool  dbPool
	table string
}

// NewRunStore connects to Postgres using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool dbPool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the runs table when it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	sitemap_url TEXT NOT NULL,
	total_urls INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	rate_limit_hits INTEGER NOT NULL,
	final_workers INTEGER NOT NULL,
	batches INTEGER NOT NULL,
	archive_uri TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

// RecordRun upserts a run summary.
func (s *RunStore) RecordRun(ctx context.Context, run crawler.RunSummary) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	sitemap_url,
	total_urls,
	succeeded,
	failed,
	rate_limit_hits,
	final_workers,
	batches,
	archive_uri,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (id) DO UPDATE SET
	total_urls = EXCLUDED.total_urls,
	succeeded = EXCLUDED.succeeded,
	failed = EXCLUDED.failed,
	rate_limit_hits = EXCLUDED.rate_limit_hits,
	final_workers = EXCLUDED.final_workers,
	batches = EXCLUDED.batches,
	archive_uri = EXCLUDED.archive_uri,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		run.ID,
		run.SitemapURL,
		run.TotalURLs,
		run.Succeeded,
		run.Failed,
		run.RateLimitHits,
		run.FinalWorkers,
		run.Batches,
		run.ArchiveURI,
		run.StartedAt,
		run.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) selectColumns() string {
	return "SELECT id, sitemap_url, total_urls, succeeded, failed, rate_limit_hits, final_workers, batches, " +
		"COALESCE(archive_uri, ''), started_at, finished_at FROM " + s.table
}

// GetRun loads one run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.RunSummary, error) {
	row := s.pool.QueryRow(ctx, s.selectColumns()+` WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.RunSummary{}, crawler.ErrRunNotFound
	}
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recently started first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]crawler.RunSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, s.selectColumns()+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]crawler.RunSummary, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (crawler.RunSummary, error) {
	var run crawler.RunSummary
	err := row.Scan(
		&run.ID,
		&run.SitemapURL,
		&run.TotalURLs,
		&run.Succeeded,
		&run.Failed,
		&run.RateLimitHits,
		&run.FinalWorkers,
		&run.Batches,
		&run.ArchiveURI,
		&run.StartedAt,
		&run.FinishedAt,
	)
	return run, err
}
