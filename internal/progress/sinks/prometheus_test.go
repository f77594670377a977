package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are updated from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := []progress.Event{
		{JobID: "job-1", TS: start, Type: progress.EventJobStarted},
		{JobID: "job-1", TS: start, Type: progress.EventJobStarted},
		{JobID: "job-1", TS: start.Add(time.Second), Type: progress.EventPageFailed, URL: "https://example.com/x"},
		{JobID: "job-1", TS: start.Add(2 * time.Second), Type: progress.EventProgress},
		{
			JobID: "job-1",
			TS:    start.Add(15 * time.Second),
			Type:  progress.EventJobCompleted,
			Snapshot: progress.Snapshot{
				JobID:          "job-1",
				Status:         progress.StatusCompleted,
				PagesProcessed: 4,
				StartedAt:      start,
			},
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pageFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.progressLines))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobPages))
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: now, Type: progress.EventJobStarted},
		{JobID: "b", TS: now, Type: progress.EventJobStarted},
		{JobID: "a", TS: now, Type: progress.EventJobCancelled, Snapshot: progress.Snapshot{Status: progress.StatusCancelled}},
		{JobID: "zzz", TS: now, Type: progress.EventJobFailed, Snapshot: progress.Snapshot{Status: progress.StatusFailed}},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("cancelled")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("failed")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
