// Package postgres persists extracted pages in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "pages"

// PageStoreConfig controls the Postgres connection pool used for page rows.
type PageStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PageStore writes page rows into Postgres. Rows are keyed by URL and
// content hash, so re-storing an unchanged page is a no-op.
type PageStore struct {
	pool  execCloser
	table string
}

var _ crawler.PageStore = (*PageStore)(nil)

// NewPageStore connects a pool using cfg.
func NewPageStore(ctx context.Context, cfg PageStoreConfig) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
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
	store, err := NewPageStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPageStoreWithPool constructs a store from an existing pool.
func NewPageStoreWithPool(pool execCloser, table string) (*PageStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the page table if it does not exist.
func (s *PageStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id        TEXT        NOT NULL,
	url           TEXT        NOT NULL,
	final_url     TEXT        NOT NULL,
	status_code   INTEGER     NOT NULL,
	title         TEXT        NOT NULL DEFAULT '',
	links         JSONB       NOT NULL DEFAULT '[]',
	depth         INTEGER     NOT NULL DEFAULT 0,
	fetched_at    TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT      NOT NULL DEFAULT 0,
	content_hash  TEXT        NOT NULL,
	blob_uri      TEXT        NOT NULL DEFAULT '',
	used_headless BOOLEAN     NOT NULL DEFAULT FALSE,
	meta          JSONB       NOT NULL DEFAULT '{}',
	PRIMARY KEY (url, content_hash)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// StorePage inserts a page row.
func (s *PageStore) StorePage(ctx context.Context, page crawler.Page) error {
	if page.URL == "" {
		return errors.New("page url is required")
	}
	links := page.Links
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	meta := page.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	url,
	final_url,
	status_code,
	title,
	links,
	depth,
	fetched_at,
	duration_ms,
	content_hash,
	blob_uri,
	used_headless,
	meta
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (url, content_hash) DO NOTHING`, s.table)

	args := []any{
		page.JobID,
		page.URL,
		page.FinalURL,
		page.StatusCode,
		page.Title,
		linksJSON,
		page.Depth,
		page.FetchedAt,
		page.DurationMs,
		page.ContentHash,
		page.BlobURI,
		page.Headless,
		metaJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PageStore) Close() error {
	s.pool.Close()
	return nil
}
