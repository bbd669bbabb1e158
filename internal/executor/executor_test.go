package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/progress"
	"github.com/JakeFAU/case-crawler/internal/retry"
	"github.com/JakeFAU/case-crawler/internal/state"
	"github.com/JakeFAU/case-crawler/internal/storage/memory"
)

const runID = "0190c7a4-0000-7000-8000-0000000000e1"

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// scriptedResolver returns per-case scripted errors in order, then success.
type scriptedResolver struct {
	mu      sync.Mutex
	script  map[int64][]error
	kinds   map[int64]crawler.OutcomeKind
	calls   map[int64]int
	delay   time.Duration
	gate    func(id int64)
	active  atomic.Int64
	peak    atomic.Int64
	started chan struct{}
}

func newResolver() *scriptedResolver {
	return &scriptedResolver{
		script: map[int64][]error{},
		kinds:  map[int64]crawler.OutcomeKind{},
		calls:  map[int64]int{},
	}
}

func (r *scriptedResolver) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.Outcome, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.gate != nil {
		r.gate(req.Case.ID)
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return crawler.Outcome{}, ctx.Err()
		}
	}
	r.mu.Lock()
	idx := r.calls[req.Case.ID]
	r.calls[req.Case.ID]++
	var err error
	if errs := r.script[req.Case.ID]; idx < len(errs) {
		err = errs[idx]
	}
	kind := r.kinds[req.Case.ID]
	r.mu.Unlock()
	if err != nil {
		return crawler.Outcome{}, err
	}
	if kind == "" {
		kind = crawler.OutcomeDownloaded
	}
	return crawler.Outcome{
		Kind:        kind,
		ResolvedURL: fmt.Sprintf("https://docs.example/%d.pdf", req.Case.ID),
		FileRef:     fmt.Sprintf("memory://pdfs/%d.pdf", req.Case.ID),
		FileSize:    1024,
	}, nil
}

func (r *scriptedResolver) callCount(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store    *memory.Store
	resolver *scriptedResolver
	events   *recorder
	exec     *Executor
	delays   []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.CreateRun(context.Background(), crawler.Run{
		ID: runID, Source: crawler.DefaultSource, Status: crawler.RunStatusRunning, StartedAt: time.Now(),
	}))
	h := &harness{store: store, resolver: newResolver(), events: &recorder{}}
	machine := state.New(store, wallClock{}, nil, nil)
	h.exec = New(cfg, machine, h.resolver, retry.New(retry.Config{}), h.events, wallClock{}, nil)
	h.exec.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func items(ids ...int64) []crawler.WorkItem {
	out := make([]crawler.WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, crawler.WorkItem{Case: crawler.Case{ID: id, CaseRecord: crawler.CaseRecord{TokenNorm: fmt.Sprintf("T%03d", id)}}})
	}
	return out
}

func (h *harness) attempt(t *testing.T, caseID int64) crawler.Attempt {
	t.Helper()
	a, err := h.store.GetAttempt(context.Background(), runID, caseID)
	require.NoError(t, err)
	return a
}

// TestExecuteSequentialDownloads ensures the inline path records every outcome.
func TestExecuteSequentialDownloads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	report, err := h.exec.Execute(context.Background(), runID, items(1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, 3, report.Planned)
	require.Equal(t, 3, report.Downloaded)
	require.Equal(t, 1, report.PeakInFlight)

	a := h.attempt(t, 2)
	require.Equal(t, crawler.StatusDownloaded, a.Status)
	require.Equal(t, "memory://pdfs/2.pdf", a.FileRef)
	require.Equal(t, "https://docs.example/2.pdf", a.ResolvedURL)
	require.Equal(t, 1, a.AttemptCount)
}

// TestExecuteRetriesTransientFailures covers backoff and eventual success.
func TestExecuteRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	netErr := crawler.NewFetchError(crawler.CodeNetwork, errors.New("connection reset"))
	h.resolver.script[1] = []error{netErr, netErr}

	report, err := h.exec.Execute(context.Background(), runID, items(1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Downloaded)
	require.Equal(t, 2, report.Retries)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.delays)

	a := h.attempt(t, 1)
	require.Equal(t, crawler.StatusDownloaded, a.Status)
	require.Equal(t, 3, a.AttemptCount)
}

func TestExecuteGivesUpAfterCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	e5xx := crawler.NewFetchError(crawler.CodeHTTP5xx, errors.New("502"))
	h.resolver.script[1] = []error{e5xx, e5xx, e5xx, e5xx, e5xx, e5xx}

	report, err := h.exec.Execute(context.Background(), runID, items(1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 4, h.resolver.callCount(1))

	a := h.attempt(t, 1)
	require.Equal(t, crawler.StatusFailed, a.Status)
	require.Equal(t, crawler.CodeHTTP5xx, a.ErrorCode)
	require.Equal(t, 4, a.AttemptCount)
}

func TestExecutePermanentFailureNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.resolver.script[1] = []error{crawler.NewFetchError(crawler.CodeHTTP404, errors.New("gone"))}
	h.resolver.script[2] = []error{errors.New("mystery")}

	report, err := h.exec.Execute(context.Background(), runID, items(1, 2))
	require.NoError(t, err)
	require.Equal(t, 2, report.Failed)
	require.Equal(t, 1, h.resolver.callCount(1))
	require.Equal(t, 1, h.resolver.callCount(2))
	require.Equal(t, crawler.CodeInternal, h.attempt(t, 2).ErrorCode)
	require.Empty(t, h.delays)
}

// TestExecuteDiskFullStopsRun ensures no new items start after a fatal code.
func TestExecuteDiskFullStopsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.resolver.script[2] = []error{crawler.NewFetchError(crawler.CodeDiskFull, errors.New("no space left on device"))}

	report, err := h.exec.Execute(context.Background(), runID, items(1, 2, 3))
	require.NoError(t, err)
	require.True(t, report.Stopped)
	require.Equal(t, crawler.CodeDiskFull, report.StopCode)
	require.Equal(t, 1, report.Downloaded)
	require.Equal(t, 1, report.Failed)

	_, err = h.store.GetAttempt(context.Background(), runID, 3)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestExecuteOutcomeMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.resolver.kinds[1] = crawler.OutcomeExisting
	h.resolver.kinds[2] = crawler.OutcomeDuplicate
	work := items(1, 2, 3)
	work[2].SkipReason = crawler.CodeAlreadyDownload

	report, err := h.exec.Execute(context.Background(), runID, work)
	require.NoError(t, err)
	require.Equal(t, 3, report.Skipped)
	require.Equal(t, crawler.CodeExistsOK, h.attempt(t, 1).ErrorCode)
	require.Equal(t, crawler.CodeInRunDuplicate, h.attempt(t, 2).ErrorCode)
	require.Equal(t, crawler.CodeAlreadyDownload, h.attempt(t, 3).ErrorCode)
	require.Zero(t, h.resolver.callCount(3))
	require.Zero(t, h.attempt(t, 3).AttemptCount)
}

func TestExecuteFetchTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{FetchTimeout: 10 * time.Millisecond})
	h.resolver.delay = time.Second

	report, err := h.exec.Execute(context.Background(), runID, items(1))
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	a := h.attempt(t, 1)
	require.Equal(t, crawler.CodeFetchTimeout, a.ErrorCode)
	require.Equal(t, 4, a.AttemptCount)
}

// TestExecuteConcurrencyBounded checks the in-flight cap and overflow handling.
func TestExecuteConcurrencyBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Enabled: true, MaxInFlight: 3, MaxPending: 2})
	h.resolver.delay = 20 * time.Millisecond
	ids := make([]int64, 0, 20)
	for i := int64(1); i <= 20; i++ {
		ids = append(ids, i)
	}

	report, err := h.exec.Execute(context.Background(), runID, items(ids...))
	require.NoError(t, err)
	require.Equal(t, 20, report.Downloaded)
	require.LessOrEqual(t, report.PeakInFlight, 3)
	require.LessOrEqual(t, h.resolver.peak.Load(), int64(3))
	require.Positive(t, report.Backpressure)
	overflow := h.events.stage(progress.StageBackpressure)
	require.Len(t, overflow, report.Backpressure)
	require.Equal(t, "queue_overflow", overflow[0].Note)
	require.Equal(t, runID, overflow[0].RunID)

	counts, err := h.store.CountAttemptsByStatus(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, map[crawler.DownloadStatus]int{crawler.StatusDownloaded: 20}, counts)
}

func TestExecuteCanceledContextStartsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Enabled: true, MaxInFlight: 2, MaxPending: 4})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.exec.Execute(ctx, runID, items(1, 2, 3))
	require.NoError(t, err)
	require.Zero(t, report.Downloaded+report.Failed+report.Skipped)
	counts, err := h.store.CountAttemptsByStatus(context.Background(), runID)
	require.NoError(t, err)
	require.Empty(t, counts)
}

// TestExecuteCancelRecordsInFlightOutcome ensures an in-flight fetch still lands a final status.
func TestExecuteCancelRecordsInFlightOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.resolver.delay = time.Minute
	h.resolver.started = make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.resolver.started
		cancel()
	}()

	report, err := h.exec.Execute(ctx, runID, items(1, 2))
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	a := h.attempt(t, 1)
	require.Equal(t, crawler.StatusFailed, a.Status)
	require.Equal(t, crawler.CodeRunAborted, a.ErrorCode)
	_, err = h.store.GetAttempt(context.Background(), runID, 2)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestExecuteStoreErrorAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_, err := h.exec.Execute(context.Background(), "unknown-run", items(1))
	require.ErrorIs(t, err, crawler.ErrRunNotFound)
}

type attemptView struct {
	Status   crawler.DownloadStatus
	Attempts int
	Code     crawler.ErrorCode
}

// TestExecuteModesAgree runs one mixed worklist through the inline path and
// the pool and expects the same rows and counts.
func TestExecuteModesAgree(t *testing.T) {
	t.Parallel()

	configs := map[string]Config{
		"disabled":      {MaxInFlight: 4},
		"single slot":   {Enabled: true, MaxInFlight: 1},
		"pool overflow": {Enabled: true, MaxInFlight: 4, MaxPending: 1},
	}
	netErr := crawler.NewFetchError(crawler.CodeNetwork, errors.New("connection reset"))
	gone := crawler.NewFetchError(crawler.CodeHTTP404, errors.New("gone"))

	type result struct {
		rows   map[int64]attemptView
		counts map[crawler.DownloadStatus]int
		report Report
	}
	results := map[string]result{}
	for name, cfg := range configs {
		h := newHarness(t, cfg)
		h.resolver.kinds[2] = crawler.OutcomeExisting
		h.resolver.kinds[3] = crawler.OutcomeDuplicate
		h.resolver.script[4] = []error{netErr}
		h.resolver.script[5] = []error{gone}
		h.resolver.script[7] = []error{netErr, netErr, netErr, netErr}
		work := items(1, 2, 3, 4, 5, 6, 7, 8)
		work[5].SkipReason = crawler.CodeAlreadyDownload

		report, err := h.exec.Execute(context.Background(), runID, work)
		require.NoError(t, err, name)
		counts, err := h.store.CountAttemptsByStatus(context.Background(), runID)
		require.NoError(t, err, name)
		rows := map[int64]attemptView{}
		for _, item := range work {
			a := h.attempt(t, item.Case.ID)
			rows[item.Case.ID] = attemptView{Status: a.Status, Attempts: a.AttemptCount, Code: a.ErrorCode}
		}
		report.PeakInFlight, report.Backpressure = 0, 0
		results[name] = result{rows: rows, counts: counts, report: report}
	}

	want := results["disabled"]
	require.Equal(t, attemptView{Status: crawler.StatusDownloaded, Attempts: 2}, want.rows[4])
	require.Equal(t, attemptView{Status: crawler.StatusFailed, Attempts: 4, Code: crawler.CodeNetwork}, want.rows[7])
	require.Equal(t, Report{Planned: 8, Downloaded: 3, Failed: 2, Skipped: 3, Retries: 4}, want.report)
	for name, got := range results {
		require.Equal(t, want.rows, got.rows, name)
		require.Equal(t, want.counts, got.counts, name)
		require.Equal(t, want.report, got.report, name)
	}
}

// TestExecuteBackoffFreesSlot ensures a retrying item does not keep its slot
// while it waits.
func TestExecuteBackoffFreesSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Enabled: true, MaxInFlight: 2, MaxPending: 4})
	h.resolver.script[1] = []error{crawler.NewFetchError(crawler.CodeNetwork, errors.New("connection reset"))}

	// Cases 2 and 3 each wait for the other, so they only finish promptly
	// when both hold a slot at the same time.
	var arrived sync.WaitGroup
	arrived.Add(2)
	met := make(chan struct{})
	go func() {
		arrived.Wait()
		close(met)
	}()
	h.resolver.gate = func(id int64) {
		if id != 2 && id != 3 {
			return
		}
		arrived.Done()
		select {
		case <-met:
		case <-time.After(2 * time.Second):
		}
	}
	h.exec.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-met:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	report, err := h.exec.Execute(context.Background(), runID, items(1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, 3, report.Downloaded)
	require.Equal(t, 1, report.Retries)
	select {
	case <-met:
	default:
		t.Fatal("cases 2 and 3 never ran side by side")
	}
	require.Equal(t, 2, h.attempt(t, 1).AttemptCount)
	require.LessOrEqual(t, h.resolver.peak.Load(), int64(2))
}
