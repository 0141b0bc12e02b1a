package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adlibrary-crawler/internal/store"
)

type queryPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ProgressStore implements the store.ProgressRepository interface using Postgres.
type ProgressStore struct {
	pool queryPool
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(ctx context.Context, dsn string) (*ProgressStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &ProgressStore{pool: pool}, nil
}

// NewProgressStoreWithPool wraps an existing pool (primarily for testing).
func NewProgressStoreWithPool(pool queryPool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// UpsertJobStart inserts or updates a run's start time.
func (s *ProgressStore) UpsertJobStart(
	ctx context.Context,
	jobID uuid.UUID,
	keyword string,
	startedAt time.Time,
) error {
	query := `
		INSERT INTO crawl_runs (job_id, keyword, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status, started_at = EXCLUDED.started_at;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, keyword, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert job start: %w", err)
	}
	return nil
}

// CompleteJob marks a run as finished with a status and optional error message.
func (s *ProgressStore) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
	rows int64,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, error_message = $3, rows_kept = $4
		WHERE job_id = $5;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, rows, jobID); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// UpsertTargetStats records one advertiser page. A target seen twice in a run
// accumulates records.
func (s *ProgressStore) UpsertTargetStats(ctx context.Context, stats store.TargetStats) error {
	query := `
		INSERT INTO crawl_targets (job_id, target, last_update, records, skipped, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, target) DO UPDATE
		SET records = crawl_targets.records + EXCLUDED.records,
			skipped = EXCLUDED.skipped,
			duration_ms = EXCLUDED.duration_ms,
			last_update = EXCLUDED.last_update;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		stats.JobID,
		stats.Target,
		stats.LastUpdate,
		stats.Records,
		stats.Skipped,
		stats.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert target stats: %w", err)
	}
	return nil
}

// GetJob retrieves a single run by its job ID.
func (s *ProgressStore) GetJob(ctx context.Context, jobID uuid.UUID) (store.JobRun, error) {
	query := `
		SELECT job_id, keyword, started_at, finished_at, status, error_message, rows_kept
		FROM crawl_runs
		WHERE job_id = $1;
	`
	var run store.JobRun
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.JobID,
		&run.Keyword,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Rows,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get job: %w", err)
	}
	return run, nil
}

// ListJobs retrieves runs, newest first, with optional status filtering.
func (s *ProgressStore) ListJobs(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `
		SELECT job_id, keyword, started_at, finished_at, status, error_message, rows_kept
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		var run store.JobRun
		if err := rows.Scan(
			&run.JobID,
			&run.Keyword,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.Rows,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return runs, nil
}

// ListJobTargets retrieves per-advertiser statistics for a run.
func (s *ProgressStore) ListJobTargets(
	ctx context.Context,
	jobID uuid.UUID,
	limit,
	offset int,
) ([]store.TargetStats, error) {
	query := `
		SELECT job_id, target, last_update, records, skipped, duration_ms
		FROM crawl_targets
		WHERE job_id = $1
		ORDER BY last_update ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list job targets: %w", err)
	}
	defer rows.Close()

	var stats []store.TargetStats
	for rows.Next() {
		var stat store.TargetStats
		if err := rows.Scan(
			&stat.JobID,
			&stat.Target,
			&stat.LastUpdate,
			&stat.Records,
			&stat.Skipped,
			&stat.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan target stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate target rows: %w", err)
	}
	return stats, nil
}
