// Package worker runs one admitted crawl job end to end: it drives the crawl
// state machine, records job status and exports the result.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
)

const csvContentType = "text/csv; charset=utf-8"

// Config controls Runner behavior.
type Config struct {
	// BlobPrefix is prepended to every exported CSV path.
	BlobPrefix string
	// Topic receives a result announcement per finished job. Empty disables publishing.
	Topic string
	// StoreTimeout bounds each persistence call made after the crawl ends.
	StoreTimeout time.Duration
}

// Canceler tracks per-origin stop requests. The Runner forgets an origin's
// request once its job is over.
type Canceler interface {
	ShouldStop(originID string) bool
	Clear(originID string)
}

const tracerName = "github.com/JakeFAU/adlibrary-crawler/internal/worker"

// Deps are the collaborators a Runner needs. Ads, Blobs, Publisher, Cancel
// and Tracer are optional; a nil Tracer uses the global provider.
type Deps struct {
	Env       crawler.Env
	Jobs      crawler.JobStore
	Ads       crawler.AdStore
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Cancel    Canceler
	Tracer    trace.Tracer
}

// Runner executes jobs handed over by the queue. It never replies to the
// originator; the queue owns failure replies.
type Runner struct {
	deps   Deps
	clock  crawler.Clock
	events progress.Emitter
	tracer trace.Tracer
	cfg    Config
	logger *zap.Logger
}

// New constructs a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 30 * time.Second
	}
	clock := deps.Env.Clock
	if clock == nil {
		clock = utcClock{}
	}
	events := deps.Env.Emitter
	if events == nil {
		events = progress.Nop{}
	}
	if deps.Env.Logger == nil {
		deps.Env.Logger = logger
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Runner{deps: deps, clock: clock, events: events, tracer: tracer, cfg: cfg, logger: logger}
}

// Summary describes a finished job for result subscribers.
type Summary struct {
	JobID        string `json:"job_id"`
	Keyword      string `json:"keyword"`
	OriginID     string `json:"origin_id"`
	Status       string `json:"status"`
	RecordsFound int    `json:"records_found"`
	RowsKept     int    `json:"rows_kept"`
	Cleaned      bool   `json:"cleaned"`
	ResultURI    string `json:"result_uri,omitempty"`
	Digest       string `json:"digest,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Run executes job and returns the crawl error, if any.
func (r *Runner) Run(ctx context.Context, job *crawler.Job) (err error) {
	ctx, span := r.tracer.Start(ctx, "crawl.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.keyword", job.Keyword),
		attribute.String("job.origin_id", job.OriginID),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("job.phase", job.Phase().String()),
			attribute.Int("job.records", len(job.Records())),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := r.logger.With(zap.String("job_id", job.ID), zap.String("origin_id", job.OriginID))
	if r.deps.Cancel != nil {
		defer r.release(job)
	}
	start := r.clock.Now()
	r.setStatus(ctx, log, job.ID, crawler.JobStatusRunning, "")
	r.emit(job, progress.Event{Stage: progress.StageJobStart})

	outcome, err := r.execute(ctx, job)
	elapsed := r.clock.Now().Sub(start)
	span.SetAttributes(attribute.String("job.outcome", outcome.String()))

	switch outcome {
	case crawler.OutcomeSucceeded:
		summary, perr := r.persist(ctx, log, job)
		if perr != nil {
			r.fail(ctx, log, job, perr, elapsed)
			return perr
		}
		r.setStatus(ctx, log, job.ID, crawler.JobStatusSucceeded, "")
		r.emit(job, progress.Event{Stage: progress.StageJobDone, Records: int64(summary.RowsKept), Dur: elapsed})
		r.announce(ctx, log, summary)
		log.Info("job succeeded",
			zap.Int("records", summary.RecordsFound),
			zap.Int("rows", summary.RowsKept),
			zap.String("result_uri", summary.ResultURI),
			zap.Duration("elapsed", elapsed),
		)
		return nil
	case crawler.OutcomeCanceled:
		r.setStatus(ctx, log, job.ID, crawler.JobStatusCanceled, "")
		r.emit(job, progress.Event{Stage: progress.StageJobCanceled, Dur: elapsed})
		log.Info("job canceled", zap.Duration("elapsed", elapsed))
		return nil
	default:
		if err == nil {
			err = errors.New("crawl ended without a result")
		}
		r.fail(ctx, log, job, err, elapsed)
		return err
	}
}

// release moves a pending stop request onto the job before clearing it, so
// the queue still sees the job as canceled when it decides whether to reply.
func (r *Runner) release(job *crawler.Job) {
	if r.deps.Cancel.ShouldStop(job.OriginID) {
		job.Cancel()
	}
	r.deps.Cancel.Clear(job.OriginID)
}

// execute runs the state machine and converts a panic into a failure.
func (r *Runner) execute(ctx context.Context, job *crawler.Job) (outcome crawler.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome, err = crawler.OutcomeFailed, fmt.Errorf("crawl panicked: %v", rec)
		}
	}()
	return job.Execute(ctx, r.deps.Env)
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, job *crawler.Job, err error, elapsed time.Duration) {
	r.setStatus(ctx, log, job.ID, crawler.JobStatusFailed, err.Error())
	r.emit(job, progress.Event{Stage: progress.StageJobError, Note: err.Error(), Dur: elapsed})
	if crawler.Silent(err) {
		log.Warn("job failed", zap.Error(err))
		return
	}
	log.Error("job failed", zap.Error(err))
}

// persist exports the result table and saves it with the job. Only a failure
// to save the table fails the job; export and ad storage are best effort.
func (r *Runner) persist(ctx context.Context, log *zap.Logger, job *crawler.Job) (Summary, error) {
	table := job.Result()
	summary := Summary{
		JobID:        job.ID,
		Keyword:      job.Keyword,
		OriginID:     job.OriginID,
		Status:       string(crawler.JobStatusSucceeded),
		RecordsFound: len(job.Records()),
		RowsKept:     table.Len(),
		Cleaned:      table.Cleaned,
	}

	uri, digest, err := r.export(ctx, job.ID, table)
	if err != nil {
		log.Warn("result export failed", zap.Error(err))
	}
	summary.ResultURI, summary.Digest = uri, digest

	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := r.deps.Jobs.SaveResult(sctx, job.ID, table, summary.RecordsFound, uri); err != nil {
		return summary, fmt.Errorf("save result: %w", err)
	}

	if ads := job.Ads(); r.deps.Ads != nil && len(ads) > 0 {
		record, err := r.deps.Jobs.GetJob(sctx, job.ID)
		if err != nil {
			record = crawler.JobRecord{ID: job.ID, Keyword: job.Keyword, OriginID: job.OriginID}
		}
		if err := r.deps.Ads.StoreAds(sctx, record, ads); err != nil {
			log.Warn("store ads failed", zap.Int("ads", len(ads)), zap.Error(err))
		}
	}
	return summary, nil
}

// export writes the table as CSV to the blob store under a content-addressed name.
func (r *Runner) export(ctx context.Context, jobID string, table crawler.Table) (string, string, error) {
	if r.deps.Blobs == nil || r.deps.Hasher == nil {
		return "", "", nil
	}
	var buf bytes.Buffer
	if err := table.WriteCSV(&buf); err != nil {
		return "", "", fmt.Errorf("render csv: %w", err)
	}
	digest, err := r.deps.Hasher.Hash(buf.Bytes())
	if err != nil {
		return "", "", fmt.Errorf("hash csv: %w", err)
	}
	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	uri, err := r.deps.Blobs.PutObject(sctx, r.blobPath(jobID, digest), csvContentType, &buf)
	if err != nil {
		return "", digest, fmt.Errorf("put object: %w", err)
	}
	return uri, digest, nil
}

func (r *Runner) blobPath(jobID, digest string) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.csv", jobID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.csv", prefix, jobID, digest)
}

func (r *Runner) announce(ctx context.Context, log *zap.Logger, summary Summary) {
	if r.cfg.Topic == "" || r.deps.Publisher == nil {
		return
	}
	summary.Timestamp = r.clock.Now().Format(time.RFC3339)
	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	id, err := r.deps.Publisher.Publish(sctx, r.cfg.Topic, summary)
	if err != nil {
		log.Warn("result announcement failed", zap.String("topic", r.cfg.Topic), zap.Error(err))
		return
	}
	log.Debug("result announced", zap.String("topic", r.cfg.Topic), zap.String("message_id", id))
}

func (r *Runner) setStatus(ctx context.Context, log *zap.Logger, jobID string, status crawler.JobStatus, errText string) {
	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := r.deps.Jobs.UpdateJobStatus(sctx, jobID, status, errText); err != nil {
		log.Warn("job status update failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// storeContext detaches persistence from job cancellation so a shutdown still
// records how the job ended.
func (r *Runner) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
}

func (r *Runner) emit(job *crawler.Job, evt progress.Event) {
	evt.JobID = job.ID
	evt.Keyword = job.Keyword
	evt.TS = r.clock.Now()
	r.events.Emit(evt)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
