package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

const runColumns = `id, source, trigger, mode, params, catalog_version_id, status, started_at, ended_at, error_summary, coverage`

// CreateRun inserts a running run.
func (s *Store) CreateRun(ctx context.Context, run crawler.Run) error {
	params := []byte(run.Params)
	if len(params) == 0 {
		params = []byte("{}")
	}
	query := `
INSERT INTO runs (id, source, trigger, mode, params, catalog_version_id, status, started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.Source,
		string(run.Trigger),
		string(run.Mode),
		params,
		run.CatalogVersionID,
		string(run.Status),
		run.StartedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("create run %s: %w", run.ID, crawler.ErrDuplicateRun)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (crawler.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", id, crawler.ErrRunNotFound)
	}
	if err != nil {
		return crawler.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (crawler.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Run{}, crawler.ErrRunNotFound
	}
	if err != nil {
		return crawler.Run{}, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]crawler.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT $1`, limitArg(limit))
}

// ListRunsByStatus returns runs with status, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, status crawler.RunStatus) ([]crawler.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY started_at, id`, string(status))
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]crawler.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []crawler.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// FinalizeRun moves a running run to a terminal status exactly once.
func (s *Store) FinalizeRun(
	ctx context.Context,
	id string,
	status crawler.RunStatus,
	errSummary string,
	endedAt time.Time,
	coverage crawler.Coverage,
) error {
	payload, err := json.Marshal(coverage)
	if err != nil {
		return fmt.Errorf("marshal coverage: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE runs SET status = $2, error_summary = $3, ended_at = $4, coverage = $5
WHERE id = $1 AND status = 'running'`, id, string(status), errSummary, endedAt, payload)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("finalize run %s: %w", id, crawler.ErrRunNotFound)
	}
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return fmt.Errorf("finalize run %s (%s): %w", id, current, crawler.ErrRunTerminal)
}

func scanRun(row scanner) (crawler.Run, error) {
	var (
		run                   crawler.Run
		trigger, mode, status string
		params, coverage      []byte
	)
	err := row.Scan(
		&run.ID,
		&run.Source,
		&trigger,
		&mode,
		&params,
		&run.CatalogVersionID,
		&status,
		&run.StartedAt,
		&run.EndedAt,
		&run.ErrorSummary,
		&coverage,
	)
	if err != nil {
		return crawler.Run{}, err
	}
	run.Trigger = crawler.Trigger(trigger)
	run.Mode = crawler.Mode(mode)
	run.Status = crawler.RunStatus(status)
	if len(params) > 0 {
		run.Params = params
	}
	if len(coverage) > 0 {
		var c crawler.Coverage
		if err := json.Unmarshal(coverage, &c); err != nil {
			return crawler.Run{}, fmt.Errorf("decode coverage: %w", err)
		}
		run.Coverage = &c
	}
	return run, nil
}
