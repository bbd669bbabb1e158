// Package runner orchestrates one crawl run end to end: it resolves the
// catalog version, opens the run in the ledger, plans and executes the
// worklist, then classifies coverage and finalizes the run exactly once.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/catalog"
	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/executor"
	"github.com/JakeFAU/case-crawler/internal/health"
	"github.com/JakeFAU/case-crawler/internal/progress"
	"github.com/JakeFAU/case-crawler/internal/worklist"
)

// Catalog resolves the catalog version a run uses.
type Catalog interface {
	Resolve(ctx context.Context, source string) (catalog.Resolution, error)
}

// Planner builds worklists.
type Planner interface {
	Plan(ctx context.Context, req worklist.Request) ([]crawler.Case, error)
}

// Executor processes worklists.
type Executor interface {
	Execute(ctx context.Context, runID string, items []crawler.WorkItem) (executor.Report, error)
}

// RunScoped is implemented by resolvers that keep per-run state.
type RunScoped interface {
	Forget(runID string)
}

// Config tunes the service.
type Config struct {
	// NotifyTopic receives a crawler.Notification per finalized run.
	// Empty disables notifications.
	NotifyTopic string
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     crawler.Store
	Catalog   Catalog
	Planner   Planner
	Executor  Executor
	Resolver  crawler.Resolver
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Events    progress.Emitter
	Logger    *zap.Logger
}

// Request describes a run to start.
type Request struct {
	Trigger crawler.Trigger
	Mode    crawler.Mode
	Source  string
	// Limit truncates the worklist when positive.
	Limit int
	// Tokens restricts the run to the listed case identifiers. Mode is
	// ignored for selection when set.
	Tokens []string
	// Force re-attempts cases already downloaded by earlier runs.
	Force  bool
	Params json.RawMessage
}

// Summary reports what a run did.
type Summary struct {
	IsNewVersion bool             `json:"is_new_version"`
	NewCases     int              `json:"new_cases"`
	ChangedCases int              `json:"changed_cases"`
	RemovedCases int              `json:"removed_cases"`
	FeedError    string           `json:"feed_error,omitempty"`
	Missing      []string         `json:"missing_tokens,omitempty"`
	Execution    executor.Report  `json:"execution"`
	Coverage     crawler.Coverage `json:"coverage"`
}

// Result identifies a finished run.
type Result struct {
	RunID            string            `json:"run_id"`
	CatalogVersionID int64             `json:"catalog_version_id"`
	Status           crawler.RunStatus `json:"status"`
	ErrorSummary     string            `json:"error_summary,omitempty"`
	Summary          Summary           `json:"summary"`
}

// Service starts runs. At most one run executes at a time.
type Service struct {
	cfg       Config
	store     crawler.Store
	catalog   Catalog
	planner   Planner
	executor  Executor
	resolver  crawler.Resolver
	publisher crawler.Publisher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	events    progress.Emitter
	logger    *zap.Logger

	running sync.Mutex
}

// New builds a Service.
func New(cfg Config, deps Deps) *Service {
	events := deps.Events
	if events == nil {
		events = progress.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		catalog:   deps.Catalog,
		planner:   deps.Planner,
		executor:  deps.Executor,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		ids:       deps.IDs,
		clock:     deps.Clock,
		events:    events,
		logger:    logger.Named("runner"),
	}
}

type runParams struct {
	Limit  int      `json:"limit,omitempty"`
	Tokens []string `json:"tokens,omitempty"`
	Force  bool     `json:"force,omitempty"`
}

// Trigger runs one crawl synchronously. It returns crawler.ErrRunInProgress
// when another run holds the service. Failed and aborted runs are reported
// through Result.Status; the error is reserved for runs that could not be
// opened or finalized.
func (s *Service) Trigger(ctx context.Context, req Request) (Result, error) {
	mode, err := crawler.ParseMode(string(req.Mode))
	if err != nil {
		return Result{}, err
	}
	source, err := crawler.NormalizeSource(req.Source)
	if err != nil {
		return Result{}, err
	}
	if req.Trigger == "" {
		req.Trigger = crawler.TriggerProgrammatic
	}
	if !s.running.TryLock() {
		return Result{}, crawler.ErrRunInProgress
	}
	defer s.running.Unlock()

	resolution, err := s.catalog.Resolve(ctx, source)
	if err != nil {
		return Result{}, fmt.Errorf("resolve catalog: %w", err)
	}
	params := req.Params
	if len(params) == 0 {
		params, err = json.Marshal(runParams{Limit: req.Limit, Tokens: req.Tokens, Force: req.Force})
		if err != nil {
			return Result{}, fmt.Errorf("encode run params: %w", err)
		}
	}
	runID, err := s.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("new run id: %w", err)
	}
	run := crawler.Run{
		ID:               runID,
		Source:           source,
		Trigger:          req.Trigger,
		Mode:             mode,
		Params:           params,
		CatalogVersionID: resolution.VersionID,
		Status:           crawler.RunStatusRunning,
		StartedAt:        s.clock.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("open run: %w", err)
	}
	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("run started",
		zap.String("source", source),
		zap.String("mode", string(mode)),
		zap.String("trigger", string(req.Trigger)),
		zap.Int64("catalog_version_id", run.CatalogVersionID),
	)
	s.events.Emit(progress.Event{
		RunID:     runID,
		TS:        run.StartedAt,
		Stage:     progress.StageRunStart,
		Source:    source,
		VersionID: run.CatalogVersionID,
		Note:      string(mode),
	})

	summary := Summary{
		IsNewVersion: resolution.IsNewVersion,
		NewCases:     len(resolution.NewCaseIDs),
		ChangedCases: len(resolution.ChangedCaseIDs),
		RemovedCases: len(resolution.RemovedCaseIDs),
	}
	if resolution.FeedErr != nil {
		summary.FeedError = resolution.FeedErr.Error()
	}

	items, missing, err := s.worklist(ctx, run, req)
	summary.Missing = missing
	var report executor.Report
	if err == nil {
		report, err = s.executor.Execute(ctx, runID, items)
	}
	summary.Execution = report

	status, errSummary := outcome(ctx, report, err)
	coverage, ferr := s.finalize(context.WithoutCancel(ctx), run, len(items), status, errSummary)
	if rs, ok := s.resolver.(RunScoped); ok {
		rs.Forget(runID)
	}
	summary.Coverage = coverage
	result := Result{
		RunID:            runID,
		CatalogVersionID: run.CatalogVersionID,
		Status:           status,
		ErrorSummary:     errSummary,
		Summary:          summary,
	}
	if ferr != nil {
		return result, ferr
	}
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.String("health", string(coverage.Health)),
		zap.Float64("coverage_ratio", coverage.Ratio),
		zap.Int("planned", coverage.Planned),
		zap.Int("succeeded", coverage.Succeeded),
		zap.Int("failed", coverage.Failed),
		zap.Int("skipped", coverage.Skipped),
	)
	return result, nil
}

// worklist plans the cases of run and marks those downloaded by earlier
// runs as skipped.
func (s *Service) worklist(ctx context.Context, run crawler.Run, req Request) ([]crawler.WorkItem, []string, error) {
	var (
		cases   []crawler.Case
		missing []string
		err     error
	)
	if len(req.Tokens) > 0 {
		cases, missing, err = s.lookup(ctx, run, req.Tokens)
		if req.Limit > 0 && len(cases) > req.Limit {
			cases = cases[:req.Limit]
		}
	} else {
		cases, err = s.planner.Plan(ctx, worklist.Request{
			Mode:      run.Mode,
			VersionID: run.CatalogVersionID,
			Source:    run.Source,
			Limit:     req.Limit,
		})
	}
	if err != nil {
		return nil, missing, err
	}

	seen := map[int64]struct{}{}
	if !req.Force {
		seen, err = s.store.DownloadedCaseIDs(ctx, run.Source)
		if err != nil {
			return nil, missing, fmt.Errorf("load download history: %w", err)
		}
	}
	items := make([]crawler.WorkItem, 0, len(cases))
	for _, c := range cases {
		item := crawler.WorkItem{Case: c}
		if _, ok := seen[c.ID]; ok {
			item.SkipReason = crawler.CodeAlreadyDownload
		}
		items = append(items, item)
	}
	return items, missing, nil
}

// lookup resolves explicit tokens through the catalog index of the run's
// version. Tokens without a case are returned as missing.
func (s *Service) lookup(ctx context.Context, run crawler.Run, tokens []string) ([]crawler.Case, []string, error) {
	idx, err := catalog.LoadIndex(ctx, s.store, run.Source, run.CatalogVersionID)
	if err != nil {
		return nil, nil, err
	}
	var (
		cases   []crawler.Case
		missing []string
	)
	picked := make(map[int64]struct{}, len(tokens))
	for _, raw := range tokens {
		c, ok := idx.Lookup(raw)
		if !ok || c.Excluded {
			missing = append(missing, raw)
			continue
		}
		if _, dup := picked[c.ID]; dup {
			continue
		}
		picked[c.ID] = struct{}{}
		cases = append(cases, c)
	}
	if len(missing) > 0 {
		s.logger.Warn("tokens not in catalog",
			zap.String("run_id", run.ID),
			zap.Strings("tokens", missing),
		)
	}
	return cases, missing, nil
}

// outcome maps how execution ended onto a terminal run status.
func outcome(ctx context.Context, report executor.Report, err error) (crawler.RunStatus, string) {
	switch {
	case err != nil && ctx.Err() != nil:
		return crawler.RunStatusAborted, fmt.Sprintf("run canceled: %v", err)
	case err != nil:
		return crawler.RunStatusFailed, err.Error()
	case report.Stopped:
		return crawler.RunStatusFailed, fmt.Sprintf("run stopped: %s", report.StopCode)
	case ctx.Err() != nil:
		return crawler.RunStatusAborted, fmt.Sprintf("run canceled: %v", ctx.Err())
	default:
		return crawler.RunStatusCompleted, ""
	}
}

// finalize reconciles unfinished attempts, classifies coverage and writes
// the terminal run row.
func (s *Service) finalize(
	ctx context.Context,
	run crawler.Run,
	planned int,
	status crawler.RunStatus,
	errSummary string,
) (crawler.Coverage, error) {
	now := s.clock.Now()
	reconciled, err := s.store.ReconcileAttempts(ctx, run.ID, crawler.CodeRunAborted, "run ended before the attempt finished", now)
	if err != nil {
		return crawler.Coverage{}, fmt.Errorf("reconcile attempts: %w", err)
	}
	if reconciled > 0 {
		s.logger.Warn("reconciled unfinished attempts",
			zap.String("run_id", run.ID),
			zap.Int("count", reconciled),
		)
	}
	total, err := s.store.CountEligibleCases(ctx, run.Source, run.CatalogVersionID)
	if err != nil {
		return crawler.Coverage{}, fmt.Errorf("count eligible cases: %w", err)
	}
	counts, err := s.store.CountAttemptsByStatus(ctx, run.ID)
	if err != nil {
		return crawler.Coverage{}, fmt.Errorf("count attempts: %w", err)
	}
	coverage := health.FromStatusCounts(total, planned, counts)
	if err := s.store.FinalizeRun(ctx, run.ID, status, errSummary, now, coverage); err != nil {
		return coverage, fmt.Errorf("finalize run: %w", err)
	}
	s.events.Emit(progress.Event{
		RunID:     run.ID,
		TS:        now,
		Stage:     progress.StageRunDone,
		Dur:       now.Sub(run.StartedAt),
		RunStatus: status,
		Health:    coverage.Health,
		Source:    run.Source,
		VersionID: run.CatalogVersionID,
		Note:      errSummary,
	})
	s.notify(ctx, run, status, coverage, now)
	return coverage, nil
}

func (s *Service) notify(ctx context.Context, run crawler.Run, status crawler.RunStatus, coverage crawler.Coverage, endedAt time.Time) {
	if s.publisher == nil || s.cfg.NotifyTopic == "" {
		return
	}
	msgID, err := s.publisher.Publish(ctx, s.cfg.NotifyTopic, crawler.Notification{
		RunID:            run.ID,
		Source:           run.Source,
		Mode:             run.Mode,
		Trigger:          run.Trigger,
		CatalogVersionID: run.CatalogVersionID,
		Status:           status,
		Coverage:         coverage,
		EndedAt:          endedAt,
	})
	if err != nil {
		s.logger.Warn("run notification failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	s.logger.Debug("run notification published", zap.String("run_id", run.ID), zap.String("message_id", msgID))
}

// RecoverInterrupted finalizes runs left running by a previous process as
// aborted. It returns the number of runs recovered.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		return 0, crawler.ErrRunInProgress
	}
	defer s.running.Unlock()

	runs, err := s.store.ListRunsByStatus(ctx, crawler.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}
	recovered := 0
	for _, run := range runs {
		counts, err := s.store.CountAttemptsByStatus(ctx, run.ID)
		if err != nil {
			return recovered, fmt.Errorf("count attempts of %s: %w", run.ID, err)
		}
		planned := 0
		for _, n := range counts {
			planned += n
		}
		_, err = s.finalize(ctx, run, planned, crawler.RunStatusAborted, "process exited while the run was in progress")
		if errors.Is(err, crawler.ErrRunTerminal) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		s.logger.Warn("recovered interrupted run", zap.String("run_id", run.ID))
	}
	return recovered, nil
}

// Schedule triggers req every interval until ctx is done. Overlapping ticks
// are skipped while a run is in progress.
func (s *Service) Schedule(ctx context.Context, interval time.Duration, req Request) {
	if interval <= 0 {
		return
	}
	req.Trigger = crawler.TriggerScheduled
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("interval", interval), zap.String("mode", string(req.Mode)))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			res, err := s.Trigger(ctx, req)
			switch {
			case errors.Is(err, crawler.ErrRunInProgress):
				s.logger.Info("scheduled run skipped, another run in progress")
			case err != nil:
				s.logger.Error("scheduled run failed", zap.Error(err))
			default:
				s.logger.Info("scheduled run done", zap.String("run_id", res.RunID), zap.String("status", string(res.Status)))
			}
		}
	}
}
