package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

const versionColumns = `id, source, fetched_at, source_url, sha256, etag, last_modified, row_count, valid, error, snapshot_uri`

const caseColumns = `c.id, c.source, c.token_raw, c.token_norm, c.title, c.subject, c.court, c.category,
	c.judgment_date, c.cause_number, c.excluded, c.active, c.first_seen_version_id,
	c.last_seen_version_id, c.created_at, c.updated_at`

// RecordVersion inserts an immutable catalog version.
func (s *Store) RecordVersion(ctx context.Context, v crawler.CatalogVersion) (int64, error) {
	query := `
INSERT INTO catalog_versions (
	source, fetched_at, source_url, sha256, etag, last_modified, row_count, valid, error, snapshot_uri
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id`
	var id int64
	err := s.pool.QueryRow(ctx, query,
		v.Source,
		v.FetchedAt,
		v.SourceURL,
		v.SHA256,
		v.ETag,
		v.LastModified,
		v.RowCount,
		v.Valid,
		v.Error,
		v.SnapshotURI,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert catalog version: %w", err)
	}
	return id, nil
}

// GetVersion returns a version by ID.
func (s *Store) GetVersion(ctx context.Context, id int64) (crawler.CatalogVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM catalog_versions WHERE id = $1`
	v, err := scanVersion(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CatalogVersion{}, fmt.Errorf("version %d: %w", id, crawler.ErrVersionNotFound)
	}
	if err != nil {
		return crawler.CatalogVersion{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// LatestValidVersion returns the newest valid version of source.
func (s *Store) LatestValidVersion(ctx context.Context, source string) (crawler.CatalogVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM catalog_versions
WHERE source = $1 AND valid
ORDER BY id DESC
LIMIT 1`
	v, err := scanVersion(s.pool.QueryRow(ctx, query, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CatalogVersion{}, crawler.ErrVersionNotFound
	}
	if err != nil {
		return crawler.CatalogVersion{}, fmt.Errorf("latest valid version: %w", err)
	}
	return v, nil
}

// ListVersions returns versions of source (all sources when blank), newest first.
func (s *Store) ListVersions(ctx context.Context, source string, limit int) ([]crawler.CatalogVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM catalog_versions
WHERE ($1 = '' OR source = $1)
ORDER BY id DESC
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, source, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []crawler.CatalogVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

// ApplyCatalogDiff reconciles records into the catalog for versionID in one
// transaction. Existing rows of source are locked for the duration.
func (s *Store) ApplyCatalogDiff(
	ctx context.Context,
	versionID int64,
	source string,
	records []crawler.CaseRecord,
	at time.Time,
) (crawler.DiffResult, error) {
	res := crawler.DiffResult{VersionID: versionID, Source: source, IsNewVersion: true, RowCount: len(records)}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := lockCases(ctx, tx, source)
		if err != nil {
			return err
		}
		var unchanged []int64
		seen := make(map[string]struct{}, len(records))
		for _, rec := range records {
			if rec.TokenNorm == "" {
				continue
			}
			if _, dup := seen[rec.TokenNorm]; dup {
				continue
			}
			seen[rec.TokenNorm] = struct{}{}

			cur, ok := existing[rec.TokenNorm]
			if !ok {
				id, err := insertCase(ctx, tx, versionID, source, rec, at)
				if err != nil {
					return err
				}
				res.NewCaseIDs = append(res.NewCaseIDs, id)
				continue
			}
			if cur.Active && cur.SameContent(rec) {
				unchanged = append(unchanged, cur.ID)
				continue
			}
			if err := updateCase(ctx, tx, cur.ID, versionID, rec, at); err != nil {
				return err
			}
			res.ChangedCaseIDs = append(res.ChangedCaseIDs, cur.ID)
		}
		if len(unchanged) > 0 {
			_, err := tx.Exec(ctx, `
UPDATE cases SET last_seen_version_id = $1, updated_at = $2
WHERE id = ANY($3)`, versionID, at, unchanged)
			if err != nil {
				return fmt.Errorf("touch unchanged cases: %w", err)
			}
		}
		removed, err := deactivateMissing(ctx, tx, versionID, source, at)
		if err != nil {
			return err
		}
		res.RemovedCaseIDs = removed
		return nil
	})
	if err != nil {
		return crawler.DiffResult{}, fmt.Errorf("apply catalog diff: %w", err)
	}
	return res, nil
}

func lockCases(ctx context.Context, tx pgx.Tx, source string) (map[string]crawler.Case, error) {
	rows, err := tx.Query(ctx, `SELECT `+caseColumns+` FROM cases c WHERE c.source = $1 FOR UPDATE`, source)
	if err != nil {
		return nil, fmt.Errorf("lock cases: %w", err)
	}
	defer rows.Close()
	out := make(map[string]crawler.Case)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case row: %w", err)
		}
		out[c.TokenNorm] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

func insertCase(ctx context.Context, tx pgx.Tx, versionID int64, source string, rec crawler.CaseRecord, at time.Time) (int64, error) {
	query := `
INSERT INTO cases (
	source, token_raw, token_norm, title, subject, court, category, judgment_date, cause_number,
	excluded, active, first_seen_version_id, last_seen_version_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE,$11,$11,$12,$12)
RETURNING id`
	var id int64
	err := tx.QueryRow(ctx, query,
		source,
		rec.TokenRaw,
		rec.TokenNorm,
		rec.Title,
		rec.Subject,
		rec.Court,
		rec.Category,
		rec.JudgmentDate,
		rec.CauseNumber,
		rec.Excluded,
		versionID,
		at,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert case %s: %w", rec.TokenNorm, err)
	}
	return id, nil
}

func updateCase(ctx context.Context, tx pgx.Tx, id, versionID int64, rec crawler.CaseRecord, at time.Time) error {
	query := `
UPDATE cases SET
	token_raw = $2, title = $3, subject = $4, court = $5, category = $6, judgment_date = $7,
	cause_number = $8, excluded = $9, active = TRUE, last_seen_version_id = $10, updated_at = $11
WHERE id = $1`
	_, err := tx.Exec(ctx, query,
		id,
		rec.TokenRaw,
		rec.Title,
		rec.Subject,
		rec.Court,
		rec.Category,
		rec.JudgmentDate,
		rec.CauseNumber,
		rec.Excluded,
		versionID,
		at,
	)
	if err != nil {
		return fmt.Errorf("update case %d: %w", id, err)
	}
	return nil
}

func deactivateMissing(ctx context.Context, tx pgx.Tx, versionID int64, source string, at time.Time) ([]int64, error) {
	rows, err := tx.Query(ctx, `
UPDATE cases SET active = FALSE, last_seen_version_id = $1, updated_at = $2
WHERE source = $3 AND active AND last_seen_version_id < $1
RETURNING id`, versionID, at, source)
	if err != nil {
		return nil, fmt.Errorf("deactivate missing cases: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan removed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate removed ids: %w", err)
	}
	sortIDs(ids)
	return ids, nil
}

// ListCases returns matching cases ordered by token, then ID.
func (s *Store) ListCases(ctx context.Context, q crawler.CaseQuery) ([]crawler.Case, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Source != "" {
		add("c.source = $%d", q.Source)
	}
	if q.FirstSeenVersionID != 0 {
		add("c.first_seen_version_id = $%d", q.FirstSeenVersionID)
	}
	if q.LastSeenVersionID != 0 {
		add("c.last_seen_version_id = $%d", q.LastSeenVersionID)
	}
	if q.Active != nil {
		add("c.active = $%d", *q.Active)
	}
	if !q.IncludeExcluded {
		where = append(where, "NOT c.excluded")
	}
	query := `SELECT ` + caseColumns + ` FROM cases c`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY c.token_norm, c.id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()
	var out []crawler.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

// GetCase returns a case by ID.
func (s *Store) GetCase(ctx context.Context, id int64) (crawler.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases c WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Case{}, fmt.Errorf("case %d: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Case{}, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

// CountEligibleCases counts active non-excluded cases visible in versionID.
func (s *Store) CountEligibleCases(ctx context.Context, source string, versionID int64) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM cases
WHERE source = $1 AND active AND NOT excluded
	AND first_seen_version_id <= $2 AND last_seen_version_id >= $2`, source, versionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count eligible cases: %w", err)
	}
	return int(n), nil
}

func scanVersion(row scanner) (crawler.CatalogVersion, error) {
	var v crawler.CatalogVersion
	var rowCount int32
	err := row.Scan(
		&v.ID,
		&v.Source,
		&v.FetchedAt,
		&v.SourceURL,
		&v.SHA256,
		&v.ETag,
		&v.LastModified,
		&rowCount,
		&v.Valid,
		&v.Error,
		&v.SnapshotURI,
	)
	v.RowCount = int(rowCount)
	return v, err
}

func scanCase(row scanner) (crawler.Case, error) {
	var c crawler.Case
	err := row.Scan(caseDest(&c)...)
	return c, err
}

func caseDest(c *crawler.Case) []any {
	return []any{
		&c.ID,
		&c.Source,
		&c.TokenRaw,
		&c.TokenNorm,
		&c.Title,
		&c.Subject,
		&c.Court,
		&c.Category,
		&c.JudgmentDate,
		&c.CauseNumber,
		&c.Excluded,
		&c.Active,
		&c.FirstSeenVersionID,
		&c.LastSeenVersionID,
		&c.CreatedAt,
		&c.UpdatedAt,
	}
}
