// Package worklist builds the ordered list of cases a run should attempt.
package worklist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// DefaultStaleAfter is how long an in_progress attempt may sit before resume
// treats it as abandoned.
const DefaultStaleAfter = time.Hour

// Store is the subset of crawler.Store the planner reads.
type Store interface {
	ListCases(ctx context.Context, query crawler.CaseQuery) ([]crawler.Case, error)
	LatestAttempts(ctx context.Context, source string) ([]crawler.CaseAttempt, error)
}

// Config tunes the planner.
type Config struct {
	StaleAfter time.Duration
}

// Request selects what to plan.
type Request struct {
	Mode      crawler.Mode
	VersionID int64
	Source    string
	// Limit truncates the ordered worklist when positive.
	Limit int
}

// Planner selects cases per run mode. It never writes.
type Planner struct {
	store  Store
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds a Planner.
func New(store Store, clock crawler.Clock, cfg Config, logger *zap.Logger) *Planner {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{store: store, clock: clock, cfg: cfg, logger: logger}
}

// Plan returns the worklist for req, ordered by normalized token then case ID.
func (p *Planner) Plan(ctx context.Context, req Request) ([]crawler.Case, error) {
	var (
		cases []crawler.Case
		err   error
	)
	switch req.Mode {
	case crawler.ModeFull:
		cases, err = p.store.ListCases(ctx, crawler.CaseQuery{
			Source:            req.Source,
			LastSeenVersionID: req.VersionID,
			Active:            crawler.Bool(true),
		})
	case crawler.ModeNew:
		cases, err = p.store.ListCases(ctx, crawler.CaseQuery{
			Source:             req.Source,
			FirstSeenVersionID: req.VersionID,
			Active:             crawler.Bool(true),
		})
		cases = filterNew(cases, req.VersionID)
	case crawler.ModeResume:
		cases, err = p.resume(ctx, req.Source)
	default:
		return nil, fmt.Errorf("plan: %w: %q", crawler.ErrUnknownMode, req.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("plan %s worklist: %w", req.Mode, err)
	}
	sortCases(cases)
	if req.Limit > 0 && len(cases) > req.Limit {
		cases = cases[:req.Limit]
	}
	p.logger.Info("worklist planned",
		zap.String("mode", string(req.Mode)),
		zap.String("source", req.Source),
		zap.Int64("catalog_version_id", req.VersionID),
		zap.Int("planned", len(cases)),
	)
	return cases, nil
}

func (p *Planner) resume(ctx context.Context, source string) ([]crawler.Case, error) {
	latest, err := p.store.LatestAttempts(ctx, source)
	if err != nil {
		return nil, err
	}
	cutoff := p.clock.Now().Add(-p.cfg.StaleAfter)
	var out []crawler.Case
	for _, ca := range latest {
		if ca.Case.Excluded {
			continue
		}
		switch ca.Attempt.Status {
		case crawler.StatusFailed:
			out = append(out, ca.Case)
		case crawler.StatusInProgress, crawler.StatusPending:
			if stale(ca.Attempt, cutoff) {
				out = append(out, ca.Case)
			}
		}
	}
	return out, nil
}

func filterNew(cases []crawler.Case, versionID int64) []crawler.Case {
	out := cases[:0]
	for _, c := range cases {
		if crawler.IsNewCase(c, versionID) {
			out = append(out, c)
		}
	}
	return out
}

func stale(a crawler.Attempt, cutoff time.Time) bool {
	last := a.UpdatedAt
	if a.LastAttemptAt != nil {
		last = *a.LastAttemptAt
	}
	return last.Before(cutoff)
}

func sortCases(cases []crawler.Case) {
	sort.SliceStable(cases, func(i, j int) bool {
		if cases[i].TokenNorm != cases[j].TokenNorm {
			return cases[i].TokenNorm < cases[j].TokenNorm
		}
		return cases[i].ID < cases[j].ID
	})
}
