package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
)

const testJobID = "3b8f4c1e-2d6a-4e4b-9a51-7c0d2e9f1a10"

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: testJobID, TS: now, Stage: progress.StageJobStart},
		{JobID: testJobID, TS: now, Stage: progress.StageJobStart},
		{
			JobID:   testJobID,
			TS:      now.Add(10 * time.Second),
			Stage:   progress.StageTargetDone,
			Target:  "Acme Footwear",
			Records: 12,
			Dur:     3 * time.Second,
		},
		{JobID: testJobID, TS: now.Add(12 * time.Second), Stage: progress.StageTargetSkip, Target: "Bolt Shoes"},
		{JobID: testJobID, TS: now.Add(15 * time.Second), Stage: progress.StageJobDone, Records: 9, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.targets.WithLabelValues("done")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.targets.WithLabelValues("skipped")))
	require.InDelta(t, 12.0, testutil.ToFloat64(sink.adsExtracted), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.targetDuration, "adcrawler_target_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.rowsKept, "adcrawler_rows_kept"))
}

// TestPrometheusSinkTracksRunningJobs verifies the gauge only moves for known jobs.
func TestPrometheusSinkTracksRunningJobs(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{JobID: "a", TS: time.Now(), Stage: progress.StageJobStart},
		{JobID: "b", TS: time.Now(), Stage: progress.StageJobStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsRunning))

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{JobID: "a", TS: time.Now(), Stage: progress.StageJobCanceled},
		{JobID: "c", TS: time.Now(), Stage: progress.StageJobError, Note: "boom"},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("canceled")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
