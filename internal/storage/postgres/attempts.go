package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

const attemptColumns = `a.run_id, a.case_id, a.status, a.attempt_count, a.last_attempt_at, a.resolved_url,
	a.file_ref, a.file_size, a.error_code, a.error_message, a.created_at, a.updated_at`

// EnsureAttempt creates a pending attempt if none exists and returns the row.
func (s *Store) EnsureAttempt(ctx context.Context, runID string, caseID int64, at time.Time) (crawler.Attempt, error) {
	_, err := s.pool.Exec(ctx, `
INSERT INTO case_attempts (run_id, case_id, status, created_at, updated_at)
VALUES ($1, $2, 'pending', $3, $3)
ON CONFLICT (run_id, case_id) DO NOTHING`, runID, caseID, at)
	if pgCode(err) == pgForeignKeyViolation {
		return crawler.Attempt{}, fmt.Errorf("ensure attempt %s/%d: %w", runID, caseID, crawler.ErrRunNotFound)
	}
	if err != nil {
		return crawler.Attempt{}, fmt.Errorf("ensure attempt: %w", err)
	}
	return s.GetAttempt(ctx, runID, caseID)
}

// TransitionAttempt applies t under a row lock unless the attempt is
// already downloaded.
func (s *Store) TransitionAttempt(ctx context.Context, t crawler.Transition) (crawler.TransitionResult, error) {
	var res crawler.TransitionResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+`
FROM case_attempts a WHERE a.run_id = $1 AND a.case_id = $2 FOR UPDATE`, t.RunID, t.CaseID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("attempt %s/%d: %w", t.RunID, t.CaseID, crawler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock attempt: %w", err)
		}
		res.From = cur.Status
		res.PrevAttemptAt = cur.LastAttemptAt
		if cur.Status == crawler.StatusDownloaded {
			res.Attempt = cur
			return nil
		}
		next := cur.Apply(t)
		_, err = tx.Exec(ctx, `
UPDATE case_attempts SET
	status = $3, attempt_count = $4, last_attempt_at = $5, resolved_url = $6, file_ref = $7,
	file_size = $8, error_code = $9, error_message = $10, updated_at = $11
WHERE run_id = $1 AND case_id = $2`,
			t.RunID,
			t.CaseID,
			string(next.Status),
			next.AttemptCount,
			next.LastAttemptAt,
			next.ResolvedURL,
			next.FileRef,
			next.FileSize,
			string(next.ErrorCode),
			next.ErrorMessage,
			next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update attempt: %w", err)
		}
		res.Attempt = next
		res.Applied = true
		return nil
	})
	if err != nil {
		return crawler.TransitionResult{}, fmt.Errorf("transition attempt: %w", err)
	}
	return res, nil
}

// GetAttempt returns one attempt.
func (s *Store) GetAttempt(ctx context.Context, runID string, caseID int64) (crawler.Attempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx, `SELECT `+attemptColumns+`
FROM case_attempts a WHERE a.run_id = $1 AND a.case_id = $2`, runID, caseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Attempt{}, fmt.Errorf("attempt %s/%d: %w", runID, caseID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns attempts of a run with their cases, optionally
// filtered by status.
func (s *Store) ListAttempts(ctx context.Context, runID string, status crawler.DownloadStatus) ([]crawler.CaseAttempt, error) {
	query := `SELECT ` + caseColumns + `, ` + attemptColumns + `
FROM case_attempts a JOIN cases c ON c.id = a.case_id
WHERE a.run_id = $1 AND ($2 = '' OR a.status = $2)
ORDER BY c.token_norm, c.id`
	return s.queryCaseAttempts(ctx, query, runID, string(status))
}

// CountAttemptsByStatus returns a status histogram for the run.
func (s *Store) CountAttemptsByStatus(ctx context.Context, runID string) (map[crawler.DownloadStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, count(*) FROM case_attempts WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()
	out := make(map[crawler.DownloadStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan attempt count: %w", err)
		}
		out[crawler.DownloadStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt counts: %w", err)
	}
	return out, nil
}

// ReconcileAttempts fails every pending or in_progress attempt of the run.
func (s *Store) ReconcileAttempts(
	ctx context.Context,
	runID string,
	code crawler.ErrorCode,
	message string,
	at time.Time,
) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE case_attempts SET status = 'failed', error_code = $2, error_message = $3, updated_at = $4
WHERE run_id = $1 AND status IN ('pending', 'in_progress')`, runID, string(code), message, at)
	if err != nil {
		return 0, fmt.Errorf("reconcile attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LatestAttempts returns each case's most recent attempt across runs of source.
func (s *Store) LatestAttempts(ctx context.Context, source string) ([]crawler.CaseAttempt, error) {
	query := `SELECT DISTINCT ON (a.case_id) ` + caseColumns + `, ` + attemptColumns + `
FROM case_attempts a
JOIN runs r ON r.id = a.run_id
JOIN cases c ON c.id = a.case_id
WHERE r.source = $1
ORDER BY a.case_id, r.started_at DESC, a.updated_at DESC`
	out, err := s.queryCaseAttempts(ctx, query, source)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Case.TokenNorm != out[j].Case.TokenNorm {
			return out[i].Case.TokenNorm < out[j].Case.TokenNorm
		}
		return out[i].Case.ID < out[j].Case.ID
	})
	return out, nil
}

// DownloadedCaseIDs returns the cases of source downloaded in any run.
func (s *Store) DownloadedCaseIDs(ctx context.Context, source string) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT a.case_id
FROM case_attempts a JOIN runs r ON r.id = a.run_id
WHERE r.source = $1 AND a.status = 'downloaded'`, source)
	if err != nil {
		return nil, fmt.Errorf("downloaded cases: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate downloaded cases: %w", err)
	}
	return out, nil
}

func (s *Store) queryCaseAttempts(ctx context.Context, query string, args ...any) ([]crawler.CaseAttempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []crawler.CaseAttempt
	for rows.Next() {
		var (
			ca           crawler.CaseAttempt
			status, code string
			attemptCount int32
		)
		dest := append(caseDest(&ca.Case), attemptDest(&ca.Attempt, &status, &attemptCount, &code)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		finishAttempt(&ca.Attempt, status, attemptCount, code)
		out = append(out, ca)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func scanAttempt(row scanner) (crawler.Attempt, error) {
	var (
		a            crawler.Attempt
		status, code string
		attemptCount int32
	)
	if err := row.Scan(attemptDest(&a, &status, &attemptCount, &code)...); err != nil {
		return crawler.Attempt{}, err
	}
	finishAttempt(&a, status, attemptCount, code)
	return a, nil
}

func attemptDest(a *crawler.Attempt, status *string, attemptCount *int32, code *string) []any {
	return []any{
		&a.RunID,
		&a.CaseID,
		status,
		attemptCount,
		&a.LastAttemptAt,
		&a.ResolvedURL,
		&a.FileRef,
		&a.FileSize,
		code,
		&a.ErrorMessage,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
}

func finishAttempt(a *crawler.Attempt, status string, attemptCount int32, code string) {
	a.Status = crawler.DownloadStatus(status)
	a.AttemptCount = int(attemptCount)
	a.ErrorCode = crawler.ErrorCode(code)
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
