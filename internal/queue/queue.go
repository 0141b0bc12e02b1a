// Package queue serializes crawl jobs so that at most one holds the browser
// session at a time, and keeps waiting originators informed of their rank.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue closed")

// Position is a job's place in line: 0 for the active job, 1.. for waiting ones.
type Position int

// Runner executes one job to completion. An error means the job failed.
type Runner interface {
	Run(ctx context.Context, job *crawler.Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *crawler.Job) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job *crawler.Job) error {
	return f(ctx, job)
}

// Config configures a Queue.
type Config struct {
	// Notifier receives queue position cards and failure replies. Optional.
	Notifier crawler.Notifier
	// Cancel is consulted before replying to a failed job. Optional.
	Cancel crawler.CancelSignal
	// NotifyTimeout bounds every notification call.
	NotifyTimeout time.Duration
	// BaseContext is the parent of every job context. Defaults to context.Background().
	BaseContext context.Context
	Logger      *zap.Logger
}

// Queue is an admission-control queue with a single active slot.
type Queue struct {
	runner Runner
	cfg    Config
	log    *zap.Logger

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	active  *crawler.Job
	pending []*crawler.Job
	closed  bool
}

// New constructs an idle Queue that dispatches jobs to runner.
func New(runner Runner, cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = crawler.DefaultNotifyTimeout
	}
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	return &Queue{
		runner:    runner,
		cfg:       cfg,
		log:       cfg.Logger,
		ctx:       ctx,
		cancelAll: cancel,
	}
}

type positionUpdate struct {
	job *crawler.Job
	pos Position
}

// Submit admits job. If the queue is idle the job starts immediately and the
// returned position is 0; otherwise the job waits and every waiting job is
// told its rank.
func (q *Queue) Submit(job *crawler.Job) (Position, error) {
	if job == nil {
		return 0, errors.New("nil job")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	if q.active == nil && len(q.pending) == 0 {
		q.start(job)
		q.mu.Unlock()
		q.log.Info("job started", zap.String("job_id", job.ID), zap.String("origin_id", job.OriginID))
		return 0, nil
	}
	q.pending = append(q.pending, job)
	pos := Position(len(q.pending))
	updates := q.snapshot()
	q.publishState()
	q.mu.Unlock()

	q.log.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("origin_id", job.OriginID),
		zap.Int("position", int(pos)),
	)
	q.broadcast(updates)
	return pos, nil
}

// PositionOf reports where originID's job stands. The boolean is false when
// the origin has neither an active nor a waiting job.
func (q *Queue) PositionOf(originID string) (Position, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active != nil && q.active.OriginID == originID {
		return 0, true
	}
	for i, job := range q.pending {
		if job.OriginID == originID {
			return Position(i + 1), true
		}
	}
	return 0, false
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the origin of the running job, if any.
func (q *Queue) Active() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return "", false
	}
	return q.active.OriginID, true
}

// Close stops admission, cancels the running and waiting jobs and waits for
// the running job to return or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	if q.active != nil {
		q.active.Cancel()
	}
	q.publishState()
	q.mu.Unlock()

	for _, job := range dropped {
		job.Cancel()
	}
	q.cancelAll()
	if len(dropped) > 0 {
		q.log.Info("queue closed, waiting jobs dropped", zap.Int("dropped", len(dropped)))
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for active job: %w", ctx.Err())
	}
}

// start marks job active and dispatches it. Caller holds q.mu.
func (q *Queue) start(job *crawler.Job) {
	q.active = job
	q.wg.Add(1)
	q.publishState()
	go q.execute(job)
}

// snapshot captures every waiting job's rank. Caller holds q.mu.
func (q *Queue) snapshot() []positionUpdate {
	updates := make([]positionUpdate, 0, len(q.pending))
	for i, job := range q.pending {
		updates = append(updates, positionUpdate{job: job, pos: Position(i + 1)})
	}
	return updates
}

// publishState exports queue gauges. Caller holds q.mu.
func (q *Queue) publishState() {
	metrics.SetQueueState(len(q.pending), q.active != nil)
}

// advance releases the active slot and starts the next waiting job, if any.
func (q *Queue) advance() {
	q.mu.Lock()
	q.active = nil
	if q.closed || len(q.pending) == 0 {
		q.publishState()
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	updates := q.snapshot()
	q.start(next)
	q.mu.Unlock()

	q.log.Info("job started",
		zap.String("job_id", next.ID),
		zap.String("origin_id", next.OriginID),
		zap.Int("waiting", len(updates)),
	)
	q.broadcast(updates)
}

func (q *Queue) execute(job *crawler.Job) {
	defer q.wg.Done()
	defer q.advance()

	err := q.run(job)
	if err == nil {
		return
	}
	log := q.log.With(zap.String("job_id", job.ID), zap.String("origin_id", job.OriginID))
	if crawler.Silent(err) {
		log.Warn("job failed silently", zap.Error(err))
		return
	}
	if q.stopped(job) {
		log.Info("job failed after cancellation", zap.Error(err))
		return
	}
	log.Error("job failed", zap.Error(err))
	q.reply(job, "❌ Error during processing: "+err.Error())
}

// run calls the runner and converts a panic into an error.
func (q *Queue) run(job *crawler.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.runner.Run(q.ctx, job)
}

func (q *Queue) stopped(job *crawler.Job) bool {
	if job.Canceled() {
		return true
	}
	return q.cfg.Cancel != nil && q.cfg.Cancel.ShouldStop(job.OriginID)
}

// broadcast sends queue cards outside the lock. Failures are logged and dropped.
func (q *Queue) broadcast(updates []positionUpdate) {
	if q.cfg.Notifier == nil {
		return
	}
	for _, u := range updates {
		if u.job.MessageID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.NotifyTimeout)
		err := q.cfg.Notifier.Update(ctx, u.job.MessageID, crawler.QueueCard(u.job.Keyword, int(u.pos)))
		cancel()
		if err != nil {
			metrics.ObserveDroppedNotification("queue")
			q.log.Debug("queue position update dropped",
				zap.String("origin_id", u.job.OriginID),
				zap.Int("position", int(u.pos)),
				zap.Error(err),
			)
		}
	}
}

func (q *Queue) reply(job *crawler.Job, text string) {
	if q.cfg.Notifier == nil || job.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.NotifyTimeout)
	defer cancel()
	if err := q.cfg.Notifier.Reply(ctx, job.MessageID, text); err != nil {
		metrics.ObserveDroppedNotification("reply")
		q.log.Warn("failure reply dropped", zap.String("origin_id", job.OriginID), zap.Error(err))
	}
}
