package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
	"github.com/JakeFAU/adlibrary-crawler/internal/store"
)

// StoreSink persists run lifecycle and per-advertiser outcomes via a
// store.ProgressRepository. Events whose job id is not a UUID are skipped.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle and target events to the repository in batch
// order. It respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobDone, progress.StageJobError, progress.StageJobCanceled,
			progress.StageTargetDone, progress.StageTargetSkip:
		default:
			continue
		}
		jobID, err := uuid.Parse(evt.JobID)
		if err != nil {
			s.logger.Debug("skipping progress event with non-uuid job id", zap.String("job_id", evt.JobID))
			continue
		}
		if err := s.persist(ctx, jobID, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) persist(ctx context.Context, jobID uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageJobStart:
		if err := s.repo.UpsertJobStart(ctx, jobID, evt.Keyword, evt.TS); err != nil {
			return fmt.Errorf("upsert job start: %w", err)
		}
	case progress.StageJobDone:
		return s.complete(ctx, jobID, evt, store.RunSuccess)
	case progress.StageJobError:
		return s.complete(ctx, jobID, evt, store.RunError)
	case progress.StageJobCanceled:
		return s.complete(ctx, jobID, evt, store.RunCanceled)
	case progress.StageTargetDone, progress.StageTargetSkip:
		stats := store.TargetStats{
			JobID:      jobID,
			Target:     evt.Target,
			LastUpdate: evt.TS,
			Records:    evt.Records,
			Skipped:    evt.Stage == progress.StageTargetSkip,
			DurationMs: evt.Dur.Milliseconds(),
		}
		if err := s.repo.UpsertTargetStats(ctx, stats); err != nil {
			return fmt.Errorf("upsert target stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, jobID uuid.UUID, evt progress.Event, status store.RunStatus) error {
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteJob(ctx, jobID, evt.TS, status, note, evt.Records); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
