// Package state owns the per-(run, case) download state machine. Every
// status change goes through a Machine, which persists it atomically and
// emits a progress event describing it.
package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/progress"
)

// Result is the state of an attempt after an operation.
type Result struct {
	Status       crawler.DownloadStatus
	AttemptCount int
	// Applied is false when the attempt was already downloaded and the
	// requested transition was refused.
	Applied bool
}

// Download describes a stored document.
type Download struct {
	ResolvedURL string
	FileRef     string
	FileSize    int64
}

// Machine applies transitions through an AttemptStore.
type Machine struct {
	store  crawler.AttemptStore
	clock  crawler.Clock
	events progress.Emitter
	logger *zap.Logger
}

// New builds a Machine. A nil emitter or logger is replaced by a no-op.
func New(store crawler.AttemptStore, clock crawler.Clock, events progress.Emitter, logger *zap.Logger) *Machine {
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, clock: clock, events: events, logger: logger}
}

// Start moves the attempt to in_progress and increments its attempt count.
func (m *Machine) Start(ctx context.Context, runID string, caseID int64, resolvedURL string) (Result, error) {
	return m.apply(ctx, crawler.Transition{
		RunID:            runID,
		CaseID:           caseID,
		To:               crawler.StatusInProgress,
		IncrementAttempt: true,
		ResolvedURL:      resolvedURL,
	})
}

// MarkDownloaded records a stored document. The attempt is terminal afterwards.
func (m *Machine) MarkDownloaded(ctx context.Context, runID string, caseID int64, d Download) (Result, error) {
	return m.apply(ctx, crawler.Transition{
		RunID:       runID,
		CaseID:      caseID,
		To:          crawler.StatusDownloaded,
		ResolvedURL: d.ResolvedURL,
		FileRef:     d.FileRef,
		FileSize:    d.FileSize,
	})
}

// MarkSkipped records a deliberate non-download.
func (m *Machine) MarkSkipped(ctx context.Context, runID string, caseID int64, code crawler.ErrorCode, message string) (Result, error) {
	return m.apply(ctx, crawler.Transition{
		RunID:        runID,
		CaseID:       caseID,
		To:           crawler.StatusSkipped,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// MarkFailed records a failed attempt. An empty code becomes internal_error.
// File fields are left untouched.
func (m *Machine) MarkFailed(ctx context.Context, runID string, caseID int64, code crawler.ErrorCode, message string) (Result, error) {
	if code == "" {
		code = crawler.CodeInternal
	}
	return m.apply(ctx, crawler.Transition{
		RunID:        runID,
		CaseID:       caseID,
		To:           crawler.StatusFailed,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

func (m *Machine) apply(ctx context.Context, t crawler.Transition) (Result, error) {
	t.At = m.clock.Now()
	if _, err := m.store.EnsureAttempt(ctx, t.RunID, t.CaseID, t.At); err != nil {
		return Result{}, fmt.Errorf("ensure attempt %s/%d: %w", t.RunID, t.CaseID, err)
	}
	res, err := m.store.TransitionAttempt(ctx, t)
	if err != nil {
		return Result{}, fmt.Errorf("transition %s/%d to %s: %w", t.RunID, t.CaseID, t.To, err)
	}
	out := Result{Status: res.Attempt.Status, AttemptCount: res.Attempt.AttemptCount, Applied: res.Applied}
	evt := progress.Event{
		RunID:   t.RunID,
		CaseID:  t.CaseID,
		TS:      t.At,
		From:    res.From,
		To:      t.To,
		Attempt: res.Attempt.AttemptCount,
		Code:    t.ErrorCode,
		Note:    t.ErrorMessage,
	}
	if !res.Applied {
		evt.Stage = progress.StageTransitionRejected
		evt.Note = "transition after download"
		m.events.Emit(evt)
		m.logger.Warn("refused transition of downloaded attempt",
			zap.String("run_id", t.RunID),
			zap.Int64("case_id", t.CaseID),
			zap.String("to", string(t.To)),
		)
		return out, nil
	}
	evt.Stage = progress.StageTransition
	if res.From == crawler.StatusInProgress && res.PrevAttemptAt != nil && t.At.After(*res.PrevAttemptAt) {
		evt.Dur = t.At.Sub(*res.PrevAttemptAt)
	}
	m.events.Emit(evt)
	return out, nil
}
