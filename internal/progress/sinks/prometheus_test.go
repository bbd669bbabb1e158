package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures run and transition collectors follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := "0190c7a4-0000-7000-8000-0000000000aa"
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, CaseID: 1, TS: now, Stage: progress.StageTransition, From: crawler.StatusPending, To: crawler.StatusInProgress},
		{RunID: runID, CaseID: 1, TS: now, Stage: progress.StageTransition, From: crawler.StatusInProgress, To: crawler.StatusDownloaded, Dur: time.Second},
		{RunID: runID, CaseID: 1, TS: now, Stage: progress.StageTransitionRejected, From: crawler.StatusDownloaded, To: crawler.StatusInProgress},
		{RunID: runID, CaseID: 2, TS: now, Stage: progress.StageRetry, Code: crawler.CodeNetwork, Class: "transient", Retry: true},
		{RunID: runID, TS: now, Stage: progress.StageBackpressure, InFlight: 4, Pending: 8},
		{TS: now, Stage: progress.StageCatalog, Source: crawler.DefaultSource, Note: "new_version"},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, RunStatus: crawler.RunStatusCompleted, Health: crawler.HealthOK, Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("completed", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("in_progress", "downloaded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rejected))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.retries.WithLabelValues("transient", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.backpressure))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.catalog.WithLabelValues(crawler.DefaultSource, "new_version")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "casecrawler_fetch_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r", CaseID: 1, TS: now, Stage: progress.StageTransition, To: crawler.StatusInProgress},
		{RunID: "r", CaseID: 1, TS: now, Stage: progress.StageTransitionRejected, From: crawler.StatusDownloaded, To: crawler.StatusFailed},
		{RunID: "r", TS: now, Stage: progress.StageRunStart},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	require.Equal(t, "r", entries[0].ContextMap()["run_id"])
	require.Equal(t, zap.InfoLevel, entries[1].Level)
}
