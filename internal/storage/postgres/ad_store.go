// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// AdStoreConfig controls the Postgres connection pool used for ad rows.
type AdStoreConfig struct {
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

// AdStore writes cleaned ad rows into Postgres.
type AdStore struct {
	pool  execCloser
	table string
}

// NewAdStore creates a Postgres-backed AdStore using the provided config.
func NewAdStore(ctx context.Context, cfg AdStoreConfig) (*AdStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
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
	return &AdStore{pool: pool, table: table}, nil
}

// NewAdStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAdStoreWithPool(pool execCloser, table string) (*AdStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &AdStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "ads"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *AdStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreAds inserts one row per ad. Rows already stored for the same
// (library_id, company) are left untouched.
func (s *AdStore) StoreAds(ctx context.Context, job crawler.JobRecord, ads []crawler.CleanedRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("ad store is not configured")
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	library_id,
	company,
	job_id,
	keyword,
	ad_start_date,
	pixel_id,
	destination_url,
	ad_type,
	ad_url,
	thumbnail_url,
	primary_text,
	headline_text
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (library_id, company) DO NOTHING`, s.table)

	for i, ad := range ads {
		if ad.LibraryID == "" {
			return fmt.Errorf("ad %d: library id is required", i)
		}
		args := []any{
			ad.LibraryID,
			ad.Company,
			job.ID,
			job.Keyword,
			ad.StartDate,
			ad.PixelID,
			ad.DestinationURL,
			string(ad.AdType),
			ad.AdURL,
			ad.ThumbnailURL,
			ad.PrimaryText,
			ad.HeadlineText,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert ad %s: %w", ad.LibraryID, err)
		}
	}
	return nil
}
