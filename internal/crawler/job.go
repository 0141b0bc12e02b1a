package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
)

// Phase is a step of the crawl state machine.
type Phase int32

// Crawl phases in execution order.
const (
	PhaseQueued Phase = iota
	PhaseInit
	PhaseSeedFetch
	PhaseDimensionResolve
	PhaseTargets
	PhaseAggregate
	PhaseTeardown
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseQueued:
		return "queued"
	case PhaseInit:
		return "init"
	case PhaseSeedFetch:
		return "seed_fetch"
	case PhaseDimensionResolve:
		return "dimension_resolve"
	case PhaseTargets:
		return "targets"
	case PhaseAggregate:
		return "aggregate"
	case PhaseTeardown:
		return "teardown"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Outcome is how an execution ended.
type Outcome int

// Execution outcomes.
const (
	OutcomeSucceeded Outcome = iota + 1
	OutcomeCanceled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one keyword crawl request and its execution state. Everything except
// the cancellation flag and phase is owned by the goroutine running Execute.
type Job struct {
	ID        string
	Keyword   string
	OriginID  string
	MessageID string
	Submitted time.Time

	stop  atomic.Bool
	phase atomic.Int32

	records []RawRecord
	result  Aggregation
}

// NewJob constructs a queued Job.
func NewJob(id, keyword, originID, messageID string) *Job {
	return &Job{
		ID:        id,
		Keyword:   keyword,
		OriginID:  originID,
		MessageID: messageID,
		Submitted: time.Now().UTC(),
	}
}

// Cancel asks the job to stop at its next checkpoint. Safe from any goroutine.
func (j *Job) Cancel() {
	j.stop.Store(true)
}

// Canceled reports whether cancellation was requested or observed.
func (j *Job) Canceled() bool {
	return j.stop.Load()
}

// Phase returns the phase the job is in.
func (j *Job) Phase() Phase {
	return Phase(j.phase.Load())
}

// Records returns the raw records collected so far. Only valid after Execute returns.
func (j *Job) Records() []RawRecord {
	return append([]RawRecord(nil), j.records...)
}

// Result returns the final table. Only valid after Execute returns.
func (j *Job) Result() Table {
	return j.result.Table
}

// Ads returns the cleaned rows, or nil when aggregation fell back to raw records.
func (j *Job) Ads() []CleanedRecord {
	return j.result.Ads
}

// Execute runs the crawl state machine to completion. Only FatalInit and
// FatalPhase failures are returned as errors; a cancellation ends with
// OutcomeCanceled, a nil error and an empty result.
func (j *Job) Execute(ctx context.Context, env Env) (Outcome, error) {
	env = env.withDefaults()
	x := &execution{
		job:  j,
		env:  env,
		opts: env.Options,
		log: env.Logger.With(
			zap.String("job_id", j.ID),
			zap.String("origin_id", j.OriginID),
			zap.String("keyword", j.Keyword),
		),
	}
	defer func() {
		x.enter(PhaseTeardown)
		x.teardown()
		j.phase.Store(int32(PhaseDone))
	}()

	phases := []struct {
		phase Phase
		run   func(context.Context) step
	}{
		{PhaseInit, x.init},
		{PhaseSeedFetch, x.seedFetch},
		{PhaseDimensionResolve, x.resolveDimensions},
		{PhaseTargets, x.iterateTargets},
		{PhaseAggregate, x.aggregate},
	}
	for _, p := range phases {
		if x.stopped(ctx) {
			return x.canceled()
		}
		x.enter(p.phase)
		st := p.run(ctx)
		switch st.kind {
		case stepContinue:
		case stepSkip:
			return x.canceled()
		case stepAbort:
			// A failure racing a stop request is reported as the stop.
			if x.stopped(ctx) {
				return x.canceled()
			}
			j.result = Aggregation{}
			x.log.Warn("crawl aborted", zap.Stringer("phase", p.phase), zap.Error(st.err))
			return OutcomeFailed, st.err
		}
	}
	x.log.Info("crawl finished",
		zap.Int("records", len(j.records)),
		zap.Int("rows", j.result.Table.Len()),
		zap.Bool("cleaned", j.result.Table.Cleaned),
	)
	return OutcomeSucceeded, nil
}

type stepKind int

const (
	stepContinue stepKind = iota
	// stepSkip drops the current unit of work: a target inside the loop, or
	// every remaining phase when returned by a phase.
	stepSkip
	stepAbort
)

type step struct {
	kind stepKind
	err  error
}

func proceed() step          { return step{kind: stepContinue} }
func skip() step             { return step{kind: stepSkip} }
func abort(err error) step   { return step{kind: stepAbort, err: err} }
func (s step) stopped() bool { return s.kind == stepAbort && errors.Is(s.err, errStopped) }

type execution struct {
	job  *Job
	env  Env
	opts Options
	log  *zap.Logger

	driver   PageDriver
	quitOnce sync.Once
	targets  []string
}

// stopped polls every cancellation source and latches the job flag once one fires.
func (x *execution) stopped(ctx context.Context) bool {
	if x.job.stop.Load() {
		return true
	}
	if ctx.Err() != nil || (x.env.Cancel != nil && x.env.Cancel.ShouldStop(x.job.OriginID)) {
		x.job.stop.Store(true)
		return true
	}
	return false
}

func (x *execution) enter(p Phase) {
	x.job.phase.Store(int32(p))
	x.emit(progress.Event{Stage: progress.StagePhase, Phase: p.String()})
}

func (x *execution) canceled() (Outcome, error) {
	x.job.result = Aggregation{Table: Table{Columns: OutputColumns, Cleaned: true}}
	x.log.Info("crawl canceled", zap.Stringer("phase", x.job.Phase()), zap.Int("records_dropped", len(x.job.records)))
	return OutcomeCanceled, nil
}

func (x *execution) init(ctx context.Context) step {
	driver, err := x.env.Drivers.New(ctx)
	if err != nil {
		x.log.Error("driver initialization failed", zap.Error(err))
		return abort(fatalInit(err))
	}
	x.driver = driver
	return proceed()
}

func (x *execution) seedFetch(ctx context.Context) step {
	st := x.open(ctx, "")
	switch {
	case st.stopped():
		return skip()
	case st.kind != stepContinue:
		return abort(fatalPhase(PhaseSeedFetch, fmt.Errorf("%w: %w", ErrSeedFetch, st.err)))
	}
	return proceed()
}

func (x *execution) resolveDimensions(ctx context.Context) step {
	dims, err := x.env.Cache.Get(ctx, x.job.Keyword, func(ctx context.Context) ([]Dimension, error) {
		return ScrapeDimensions(ctx, x.driver, x.job.Keyword, x.opts, func() bool { return x.stopped(ctx) })
	})
	if x.stopped(ctx) {
		return skip()
	}
	if err != nil {
		return abort(fatalPhase(PhaseDimensionResolve, fmt.Errorf("resolve advertisers: %w", err)))
	}
	x.targets = Targets(dims)
	if len(x.targets) == 0 {
		return abort(fatalPhase(PhaseDimensionResolve, ErrNoDimensions))
	}
	x.log.Info("advertisers resolved", zap.Int("targets", len(x.targets)))
	return proceed()
}

func (x *execution) iterateTargets(ctx context.Context) step {
	total := len(x.targets)
	for i, name := range x.targets {
		idx := i + 1
		if x.stopped(ctx) {
			return skip()
		}
		pct := ProgressPercent(idx, total)
		if ShouldNotify(idx, total, x.opts.NotifyEvery) {
			x.notifyProgress(ctx, pct)
		}

		start := x.env.Clock.Now()
		before := len(x.job.records)
		st := x.crawlTarget(ctx, name)
		switch {
		case st.stopped():
			return skip()
		case st.kind != stepContinue:
			x.log.Debug("target skipped", zap.String("target", name), zap.Error(st.err))
			x.emit(progress.Event{Stage: progress.StageTargetSkip, Target: name, Note: errText(st.err)})
			continue
		}
		x.emit(progress.Event{
			Stage:   progress.StageTargetDone,
			Target:  name,
			Records: int64(len(x.job.records) - before),
			Dur:     x.env.Clock.Now().Sub(start),
		})
		if len(x.job.records) > x.opts.MaxRecords {
			x.log.Warn("record cap reached", zap.Int("cap", x.opts.MaxRecords), zap.Int("records", len(x.job.records)))
			break
		}
	}
	return proceed()
}

// crawlTarget loads the results page for one sub-target and extracts every card on it.
func (x *execution) crawlTarget(ctx context.Context, name string) step {
	if st := x.open(ctx, FilterValue(name)); st.kind != stepContinue {
		if st.stopped() {
			return st
		}
		return step{kind: stepSkip, err: st.err}
	}
	if x.stopped(ctx) {
		return abort(errStopped)
	}
	cards, err := x.driver.FindAll(ctx, x.opts.CardSelector)
	if err != nil {
		x.log.Warn("list ad cards failed", zap.String("target", name), zap.Error(err))
		return proceed()
	}
	for _, card := range cards {
		if x.stopped(ctx) {
			return abort(errStopped)
		}
		if rec, ok := x.env.Extractor.Extract(ctx, x.driver, card); ok {
			x.job.records = append(x.job.records, rec)
		}
	}
	return proceed()
}

// open navigates to the search page for filter and waits for ad cards.
func (x *execution) open(ctx context.Context, filter string) step {
	if x.stopped(ctx) {
		return abort(errStopped)
	}
	url, err := SearchURL(x.opts.SearchBaseURL, x.job.Keyword, filter)
	if err != nil {
		return abort(err)
	}
	if x.env.Pacer != nil {
		if err := x.env.Pacer.Wait(ctx, url); err != nil {
			if x.stopped(ctx) {
				return abort(errStopped)
			}
			return abort(err)
		}
	}
	if err := x.driver.Navigate(ctx, url); err != nil {
		return abort(fmt.Errorf("navigate: %w", err))
	}
	if !x.driver.WaitForSelector(ctx, x.opts.CardSelector, x.opts.WaitTimeout) {
		if x.stopped(ctx) {
			return abort(errStopped)
		}
		return abort(fmt.Errorf("no ad cards within %s", x.opts.WaitTimeout))
	}
	return proceed()
}

func (x *execution) aggregate(ctx context.Context) step {
	x.notifyProgress(ctx, 95)
	agg := Aggregate(x.job.records)
	if agg.Fallback != nil {
		x.log.Error("aggregation failed, keeping raw records", zap.Error(agg.Fallback))
	}
	x.job.result = agg
	return proceed()
}

func (x *execution) teardown() {
	x.quitOnce.Do(func() {
		if x.driver == nil {
			return
		}
		if err := x.driver.Quit(); err != nil {
			x.log.Warn("driver quit failed", zap.Error(err))
		}
		x.driver = nil
	})
}

// notifyProgress sends a progress card and event. Delivery failures are logged and dropped.
func (x *execution) notifyProgress(ctx context.Context, pct int) {
	x.emit(progress.Event{Stage: progress.StageJobProgress, Percent: pct})
	if x.job.MessageID == "" || x.env.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, x.opts.NotifyTimeout)
	defer cancel()
	if err := x.env.Notifier.Update(nctx, x.job.MessageID, ProgressCard(x.job.Keyword, pct)); err != nil {
		x.log.Debug("progress update dropped", zap.Int("percent", pct), zap.Error(err))
	}
}

func (x *execution) emit(evt progress.Event) {
	evt.JobID = x.job.ID
	evt.Keyword = x.job.Keyword
	evt.TS = x.env.Clock.Now()
	x.env.Emitter.Emit(evt)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
