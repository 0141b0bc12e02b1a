package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// JobRun models the crawl_runs table for API responses.
type JobRun struct {
	// JobID is the crawl identifier shared with the job store.
	JobID uuid.UUID
	// Keyword is the search term of the run.
	Keyword string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run completes.
	FinishedAt *time.Time
	// Status is running/success/error/canceled.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Rows is the number of result rows kept by a successful run.
	Rows int64
}

// TargetStats captures per-advertiser aggregation for a run.
type TargetStats struct {
	JobID      uuid.UUID
	Target     string
	LastUpdate time.Time
	// Records counts ads extracted from the target's result page.
	Records int64
	// Skipped is true when the result page never rendered.
	Skipped    bool
	DurationMs int64
}

// ProgressRepository persists incremental crawl progress.
type ProgressRepository interface {
	// UpsertJobStart inserts (or idempotently updates) the started_at timestamp.
	UpsertJobStart(ctx context.Context, jobID uuid.UUID, keyword string, startedAt time.Time) error
	// CompleteJob marks the run finished with the provided status and error.
	CompleteJob(
		ctx context.Context,
		jobID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		errMsg *string,
		rows int64,
	) error
	// UpsertTargetStats records the outcome of one advertiser page.
	UpsertTargetStats(ctx context.Context, stats TargetStats) error

	// GetJob loads a single run or returns ErrNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (JobRun, error)
	// ListJobs returns runs filtered by optional status plus limit/offset.
	ListJobs(ctx context.Context, status *RunStatus, limit, offset int) ([]JobRun, error)
	// ListJobTargets returns per-advertiser stats for one run.
	ListJobTargets(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]TargetStats, error)
}
