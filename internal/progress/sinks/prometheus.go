package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/case-crawler/internal/progress"
)

// PrometheusSink turns progress events into run and download metrics.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	transitions   *prometheus.CounterVec
	rejected      prometheus.Counter
	fetchDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	backpressure  prometheus.Counter
	catalog       *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casecrawler_runs_started_total",
			Help: "Runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casecrawler_runs_finished_total",
			Help: "Runs finalized, by terminal status and health.",
		}, []string{"status", "health"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casecrawler_runs_running",
			Help: "Runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casecrawler_run_duration_seconds",
			Help:    "Wall time per finalized run.",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casecrawler_download_transitions_total",
			Help: "Applied download status transitions.",
		}, []string{"from", "to"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casecrawler_download_transitions_rejected_total",
			Help: "Transitions refused because the attempt was already downloaded.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casecrawler_fetch_duration_seconds",
			Help:    "Fetch latency by resulting status.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casecrawler_retry_decisions_total",
			Help: "Retry decisions by class and verdict.",
		}, []string{"class", "retry"}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casecrawler_backpressure_total",
			Help: "Work items admitted synchronously because the pending queue was full.",
		}),
		catalog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casecrawler_catalog_ingests_total",
			Help: "Catalog ingestions by source and note.",
		}, []string{"source", "result"}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsFinished, s.runsRunning, s.runDuration,
		s.transitions, s.rejected, s.fetchDuration, s.retries, s.backpressure, s.catalog,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.track(evt.RunID, true) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			s.runsFinished.WithLabelValues(string(evt.RunStatus), string(evt.Health)).Inc()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(string(evt.RunStatus)).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.RunID, false) {
				s.runsRunning.Dec()
			}
		case progress.StageTransition:
			s.transitions.WithLabelValues(string(evt.From), string(evt.To)).Inc()
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(string(evt.To)).Observe(evt.Dur.Seconds())
			}
		case progress.StageTransitionRejected:
			s.rejected.Inc()
		case progress.StageRetry:
			s.retries.WithLabelValues(evt.Class, strconv.FormatBool(evt.Retry)).Inc()
		case progress.StageBackpressure:
			s.backpressure.Inc()
		case progress.StageCatalog:
			result := evt.Note
			if result == "" {
				result = "unknown"
			}
			s.catalog.WithLabelValues(evt.Source, result).Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func (s *PrometheusSink) track(runID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[runID]
	if start {
		if ok {
			return false
		}
		s.running[runID] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, runID)
	return true
}
