// Package executor drives a planned worklist through the resolver with
// bounded concurrency, mapping every outcome onto exactly one state-machine
// call and applying the retry policy to failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/metrics"
	"github.com/JakeFAU/case-crawler/internal/progress"
	"github.com/JakeFAU/case-crawler/internal/queue/memory"
	"github.com/JakeFAU/case-crawler/internal/retry"
	"github.com/JakeFAU/case-crawler/internal/state"
)

// Config tunes concurrency and pacing.
type Config struct {
	// Enabled turns on the worker pool. Disabled executors run inline.
	Enabled bool
	// MaxInFlight caps simultaneous fetches.
	MaxInFlight int
	// MaxPending caps items admitted but not yet started. When full, the
	// producer processes the next item itself if a slot is free and waits
	// for room otherwise.
	MaxPending int
	// FetchTimeout bounds a single resolver call. Zero disables it.
	FetchTimeout time.Duration
	// RequestsPerSecond paces fetch starts across the pool. Zero disables it.
	RequestsPerSecond float64
	Burst             int
}

// Report summarises one Execute call.
type Report struct {
	Planned      int               `json:"planned"`
	Downloaded   int               `json:"downloaded"`
	Failed       int               `json:"failed"`
	Skipped      int               `json:"skipped"`
	Retries      int               `json:"retries"`
	Stopped      bool              `json:"stopped"`
	StopCode     crawler.ErrorCode `json:"stop_code,omitempty"`
	PeakInFlight int               `json:"peak_in_flight"`
	Backpressure int               `json:"backpressure"`
}

// Executor runs worklists. It is safe to reuse across runs.
type Executor struct {
	cfg      Config
	machine  *state.Machine
	resolver crawler.Resolver
	policy   *retry.Policy
	events   progress.Emitter
	clock    crawler.Clock
	logger   *zap.Logger
	limiter  *rate.Limiter
	sleep    func(context.Context, time.Duration) error
}

// New builds an Executor.
func New(
	cfg Config,
	machine *state.Machine,
	resolver crawler.Resolver,
	policy *retry.Policy,
	events progress.Emitter,
	clock crawler.Clock,
	logger *zap.Logger,
) *Executor {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxPending < 0 {
		cfg.MaxPending = 0
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:      cfg,
		machine:  machine,
		resolver: resolver,
		policy:   policy,
		events:   events,
		clock:    clock,
		logger:   logger,
		sleep:    sleepCtx,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

// Execute processes items for runID. Store failures abort the run and are
// returned; fetch failures are recorded and never returned. When ctx is
// canceled no new items are started and in-flight items still record their
// final transition.
func (e *Executor) Execute(ctx context.Context, runID string, items []crawler.WorkItem) (Report, error) {
	x := &execution{e: e, runID: runID}
	x.report.Planned = len(items)

	var err error
	if !e.cfg.Enabled || e.cfg.MaxInFlight <= 1 {
		err = x.sequential(ctx, items)
	} else {
		err = x.concurrent(ctx, items)
	}
	report := x.snapshot()
	if err != nil {
		return report, fmt.Errorf("execute run %s: %w", runID, err)
	}
	return report, nil
}

type execution struct {
	e     *Executor
	runID string

	// sem bounds in-flight attempts in the pool and group runs retries
	// after their backoff. Both are nil when sequential.
	sem      *semaphore.Weighted
	group    *errgroup.Group
	stopped  atomic.Bool
	inFlight atomic.Int64

	mu     sync.Mutex
	report Report
}

func (x *execution) sequential(ctx context.Context, items []crawler.WorkItem) error {
	for _, item := range items {
		if x.stopped.Load() || ctx.Err() != nil {
			return nil
		}
		if err := x.run(ctx, item, nil); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) concurrent(ctx context.Context, items []crawler.WorkItem) error {
	cfg := x.e.cfg
	q := memory.NewQueue(cfg.MaxPending)
	x.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	g, gctx := errgroup.WithContext(ctx)
	x.group = g

	for i := 0; i < cfg.MaxInFlight; i++ {
		g.Go(func() error {
			for {
				// The slot is taken before dequeueing so an admitted item
				// never waits outside the queue.
				if err := x.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				item, err := q.Dequeue(gctx)
				if err != nil {
					x.sem.Release(1)
					if errors.Is(err, memory.ErrClosed) || gctx.Err() != nil {
						return nil
					}
					return err
				}
				if x.stopped.Load() {
					x.sem.Release(1)
					continue
				}
				if err := x.run(gctx, item, nil); err != nil {
					return err
				}
			}
		})
	}

	var produceErr error
	for _, item := range items {
		if x.stopped.Load() || gctx.Err() != nil {
			break
		}
		if q.TryEnqueue(item) {
			continue
		}
		x.backpressure(q.Len())
		if x.sem.TryAcquire(1) {
			if err := x.run(gctx, item, nil); err != nil {
				produceErr = err
				break
			}
			continue
		}
		// Every slot is owned by a worker, so one of them will take it.
		if err := q.Enqueue(gctx, item); err != nil {
			break
		}
	}
	q.Close()
	if err := g.Wait(); err != nil {
		return err
	}
	return produceErr
}

// run processes item. In the pool the caller owns a slot, which run releases.
// prev is the failed attempt being retried, if any.
func (x *execution) run(ctx context.Context, item crawler.WorkItem, prev *state.Result) error {
	n := x.inFlight.Add(1)
	x.mu.Lock()
	if int(n) > x.report.PeakInFlight {
		x.report.PeakInFlight = int(n)
	}
	x.mu.Unlock()
	defer func() {
		x.inFlight.Add(-1)
		if x.sem != nil {
			x.sem.Release(1)
		}
	}()
	return x.process(ctx, item, prev)
}

// resume retries item once its backoff has elapsed. The backoff runs without
// a slot so the pool keeps fetching other items meanwhile.
func (x *execution) resume(ctx context.Context, item crawler.WorkItem, d time.Duration, last state.Result) error {
	if err := x.e.sleep(ctx, d); err != nil {
		x.tally(last)
		return nil
	}
	if err := x.sem.Acquire(ctx, 1); err != nil {
		x.tally(last)
		return nil
	}
	return x.run(ctx, item, &last)
}

func (x *execution) process(ctx context.Context, item crawler.WorkItem, prev *state.Result) error {
	e := x.e
	caseID := item.Case.ID
	if item.SkipReason != "" {
		res, err := e.machine.MarkSkipped(ctx, x.runID, caseID, item.SkipReason, "")
		if err != nil {
			return err
		}
		x.tally(res)
		return nil
	}
	for {
		if x.stopped.Load() || e.pace(ctx) != nil {
			if prev != nil {
				x.tally(*prev)
			}
			return nil
		}
		started, err := e.machine.Start(ctx, x.runID, caseID, "")
		if err != nil {
			return err
		}
		if !started.Applied {
			return nil
		}

		outcome, fetchErr := e.fetch(ctx, crawler.FetchRequest{RunID: x.runID, Case: item.Case, Attempt: started.AttemptCount})
		// Final transitions are written even if the run is being canceled.
		wctx := context.WithoutCancel(ctx)
		if fetchErr == nil {
			res, err := x.recordOutcome(wctx, item.Case, outcome)
			if err != nil {
				return err
			}
			x.tally(res)
			return nil
		}

		code := e.classify(ctx, fetchErr)
		res, err := e.machine.MarkFailed(wctx, x.runID, caseID, code, fetchErr.Error())
		if err != nil {
			return err
		}
		decision := e.policy.Decide(code, started.AttemptCount)
		e.events.Emit(progress.Event{
			RunID:   x.runID,
			CaseID:  caseID,
			TS:      e.clock.Now(),
			Stage:   progress.StageRetry,
			Attempt: started.AttemptCount,
			Code:    code,
			Class:   string(decision.Class),
			Retry:   decision.Retry && ctx.Err() == nil,
			Dur:     decision.Delay,
		})
		if decision.Class == retry.ClassUnclassified {
			e.logger.Warn("unclassified download error",
				zap.String("run_id", x.runID),
				zap.Int64("case_id", caseID),
				zap.String("error_code", string(code)),
				zap.Error(fetchErr),
			)
		}
		if decision.StopRun {
			x.tally(res)
			x.halt(code)
			return nil
		}
		if !decision.Retry || ctx.Err() != nil {
			x.tally(res)
			return nil
		}
		x.mu.Lock()
		x.report.Retries++
		x.mu.Unlock()
		if x.group != nil {
			x.group.Go(func() error { return x.resume(ctx, item, decision.Delay, res) })
			return nil
		}
		if err := e.sleep(ctx, decision.Delay); err != nil {
			x.tally(res)
			return nil
		}
		prev = &res
	}
}

func (x *execution) recordOutcome(ctx context.Context, c crawler.Case, o crawler.Outcome) (state.Result, error) {
	m := x.e.machine
	switch o.Kind {
	case crawler.OutcomeDownloaded:
		return m.MarkDownloaded(ctx, x.runID, c.ID, state.Download{
			ResolvedURL: o.ResolvedURL,
			FileRef:     o.FileRef,
			FileSize:    o.FileSize,
		})
	case crawler.OutcomeExisting:
		return m.MarkSkipped(ctx, x.runID, c.ID, crawler.CodeExistsOK, o.FileRef)
	case crawler.OutcomeDuplicate:
		return m.MarkSkipped(ctx, x.runID, c.ID, crawler.CodeInRunDuplicate, o.FileRef)
	default:
		return m.MarkFailed(ctx, x.runID, c.ID, crawler.CodeInternal, fmt.Sprintf("unknown outcome %q", o.Kind))
	}
}

func (x *execution) tally(res state.Result) {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch res.Status {
	case crawler.StatusDownloaded:
		x.report.Downloaded++
	case crawler.StatusSkipped:
		x.report.Skipped++
	case crawler.StatusFailed:
		x.report.Failed++
	}
}

func (x *execution) halt(code crawler.ErrorCode) {
	if !x.stopped.CompareAndSwap(false, true) {
		return
	}
	x.mu.Lock()
	x.report.Stopped = true
	x.report.StopCode = code
	x.mu.Unlock()
	x.e.logger.Error("stopping run", zap.String("run_id", x.runID), zap.String("error_code", string(code)))
}

func (x *execution) backpressure(pending int) {
	x.mu.Lock()
	x.report.Backpressure++
	x.mu.Unlock()
	x.e.events.Emit(progress.Event{
		RunID:    x.runID,
		TS:       x.e.clock.Now(),
		Stage:    progress.StageBackpressure,
		InFlight: int(x.inFlight.Load()),
		Pending:  pending,
		Note:     "queue_overflow",
	})
}

func (x *execution) snapshot() Report {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.report
}

func (e *Executor) fetch(ctx context.Context, req crawler.FetchRequest) (crawler.Outcome, error) {
	fctx := ctx
	if e.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()
	}
	out, err := e.resolver.Fetch(fctx, req)
	if err == nil && fctx.Err() != nil && ctx.Err() == nil {
		return crawler.Outcome{}, crawler.NewFetchError(crawler.CodeFetchTimeout, fctx.Err())
	}
	return out, err
}

func (e *Executor) classify(ctx context.Context, err error) crawler.ErrorCode {
	if ctx.Err() != nil {
		return crawler.CodeRunAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.CodeFetchTimeout
	}
	return crawler.CodeOf(err)
}

func (e *Executor) pace(ctx context.Context) error {
	if e.limiter == nil {
		return ctx.Err()
	}
	start := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace fetch: %w", err)
	}
	metrics.ObservePaceDelay(time.Since(start))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
