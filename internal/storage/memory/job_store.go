// Package memory provides in-process job and blob stores for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

// ErrNotFound is returned for unknown job IDs or missing results.
var ErrNotFound = errors.New("job not found")

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]crawler.JobRecord
	results map[string]crawler.Table
	now     func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]crawler.JobRecord),
		results: make(map[string]crawler.Table),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job crawler.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusQueued
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus moves a job to status, stamping start and finish times.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status crawler.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	job.ErrorText = errText
	now := s.now()
	if status == crawler.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.Terminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// SaveResult keeps the final table and its export location.
func (s *JobStore) SaveResult(
	_ context.Context,
	jobID string,
	result crawler.Table,
	recordsFound int,
	uri string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.RecordsFound = recordsFound
	job.RowsKept = result.Len()
	job.ResultURI = uri
	s.jobs[jobID] = job
	s.results[jobID] = copyTable(result)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.JobRecord{}, ErrNotFound
	}
	return job, nil
}

// GetResult returns a copy of the stored result table.
func (s *JobStore) GetResult(_ context.Context, jobID string) (crawler.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return crawler.Table{}, ErrNotFound
	}
	return copyTable(result), nil
}

// ListJobs returns every job for origin, oldest first.
func (s *JobStore) ListJobs(_ context.Context, originID string) []crawler.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.JobRecord
	for _, job := range s.jobs {
		if originID == "" || job.OriginID == originID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Submitted.Before(out[j].Submitted) })
	return out
}

func copyTable(t crawler.Table) crawler.Table {
	out := crawler.Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]string, len(t.Rows)),
		Cleaned: t.Cleaned,
	}
	for i, row := range t.Rows {
		out.Rows[i] = append([]string(nil), row...)
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
