package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns the
// job lifecycle collectors and the per-advertiser page counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	targets        *prometheus.CounterVec
	targetDuration prometheus.Histogram
	adsExtracted   prometheus.Counter
	rowsKept       prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adcrawler_jobs_started_total",
			Help: "Total crawl jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcrawler_jobs_completed_total",
			Help: "Total crawl jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adcrawler_jobs_running",
			Help: "Current number of running crawl jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adcrawler_job_runtime_seconds",
			Help:    "Wall time per completed crawl job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"result"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcrawler_targets_total",
			Help: "Advertiser result pages visited partitioned by result.",
		}, []string{"result"}),
		targetDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adcrawler_target_duration_seconds",
			Help:    "Time spent loading and extracting one advertiser page.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		adsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adcrawler_ads_extracted_total",
			Help: "Raw ad records extracted from result pages.",
		}),
		rowsKept: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adcrawler_rows_kept",
			Help:    "Rows in the final table of successful jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.targets,
		s.targetDuration,
		s.adsExtracted,
		s.rowsKept,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError, progress.StageJobCanceled:
		s.handleJobEvent(evt)
	case progress.StageTargetDone, progress.StageTargetSkip:
		s.handleTargetEvent(evt)
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	case progress.StageJobDone:
		s.complete(evt, "success")
		s.rowsKept.Observe(float64(evt.Records))
	case progress.StageJobError:
		s.complete(evt, "error")
	case progress.StageJobCanceled:
		s.complete(evt, "canceled")
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) complete(evt progress.Event, label string) {
	s.jobsCompleted.WithLabelValues(label).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleTargetEvent(evt progress.Event) {
	if evt.Stage == progress.StageTargetSkip {
		s.targets.WithLabelValues("skipped").Inc()
		return
	}
	s.targets.WithLabelValues("done").Inc()
	if evt.Records > 0 {
		s.adsExtracted.Add(float64(evt.Records))
	}
	if evt.Dur > 0 {
		s.targetDuration.Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
