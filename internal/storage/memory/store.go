package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

type attemptKey struct {
	runID  string
	caseID int64
}

// Store implements crawler.Store in memory. A single mutex makes every
// operation atomic.
type Store struct {
	mu sync.RWMutex

	versions    []crawler.CatalogVersion
	cases       map[int64]crawler.Case
	caseByToken map[string]int64
	nextCaseID  int64

	runs     map[string]crawler.Run
	attempts map[attemptKey]crawler.Attempt
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		cases:       make(map[int64]crawler.Case),
		caseByToken: make(map[string]int64),
		runs:        make(map[string]crawler.Run),
		attempts:    make(map[attemptKey]crawler.Attempt),
	}
}

// Ping implements crawler.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements crawler.Store.
func (s *Store) Close() {}

// RecordVersion appends an immutable catalog version.
func (s *Store) RecordVersion(_ context.Context, v crawler.CatalogVersion) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = int64(len(s.versions) + 1)
	s.versions = append(s.versions, v)
	return v.ID, nil
}

// GetVersion returns a version by ID.
func (s *Store) GetVersion(_ context.Context, id int64) (crawler.CatalogVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id <= 0 || id > int64(len(s.versions)) {
		return crawler.CatalogVersion{}, crawler.ErrVersionNotFound
	}
	return s.versions[id-1], nil
}

// LatestValidVersion returns the newest valid version of source.
func (s *Store) LatestValidVersion(_ context.Context, source string) (crawler.CatalogVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.versions) - 1; i >= 0; i-- {
		if v := s.versions[i]; v.Valid && v.Source == source {
			return v, nil
		}
	}
	return crawler.CatalogVersion{}, crawler.ErrVersionNotFound
}

// ListVersions returns versions of source, newest first.
func (s *Store) ListVersions(_ context.Context, source string, limit int) ([]crawler.CatalogVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CatalogVersion
	for i := len(s.versions) - 1; i >= 0; i-- {
		if source != "" && s.versions[i].Source != source {
			continue
		}
		out = append(out, s.versions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ApplyCatalogDiff reconciles records into the catalog for versionID.
func (s *Store) ApplyCatalogDiff(
	_ context.Context,
	versionID int64,
	source string,
	records []crawler.CaseRecord,
	at time.Time,
) (crawler.DiffResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if versionID <= 0 || versionID > int64(len(s.versions)) {
		return crawler.DiffResult{}, crawler.ErrVersionNotFound
	}
	res := crawler.DiffResult{VersionID: versionID, Source: source, IsNewVersion: true, RowCount: len(records)}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.TokenNorm == "" {
			continue
		}
		if _, dup := seen[rec.TokenNorm]; dup {
			continue
		}
		seen[rec.TokenNorm] = struct{}{}
		key := source + "\x00" + rec.TokenNorm
		if id, ok := s.caseByToken[key]; ok {
			c := s.cases[id]
			if !c.Active || !c.SameContent(rec) {
				res.ChangedCaseIDs = append(res.ChangedCaseIDs, id)
			}
			c.CaseRecord = rec
			c.LastSeenVersionID = versionID
			c.Active = true
			c.UpdatedAt = at
			s.cases[id] = c
			continue
		}
		s.nextCaseID++
		c := crawler.Case{
			ID:                 s.nextCaseID,
			Source:             source,
			CaseRecord:         rec,
			FirstSeenVersionID: versionID,
			LastSeenVersionID:  versionID,
			Active:             true,
			CreatedAt:          at,
			UpdatedAt:          at,
		}
		s.cases[c.ID] = c
		s.caseByToken[key] = c.ID
		res.NewCaseIDs = append(res.NewCaseIDs, c.ID)
	}
	for id, c := range s.cases {
		if c.Source != source || !c.Active || c.LastSeenVersionID >= versionID {
			continue
		}
		c.Active = false
		c.LastSeenVersionID = versionID
		c.UpdatedAt = at
		s.cases[id] = c
		res.RemovedCaseIDs = append(res.RemovedCaseIDs, id)
	}
	sortIDs(res.ChangedCaseIDs)
	sortIDs(res.RemovedCaseIDs)
	return res, nil
}

// ListCases returns matching cases ordered by token, then ID.
func (s *Store) ListCases(_ context.Context, q crawler.CaseQuery) ([]crawler.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Case
	for _, c := range s.cases {
		if matches(c, q) {
			out = append(out, c)
		}
	}
	sortCases(out)
	return out, nil
}

// GetCase returns a case by ID.
func (s *Store) GetCase(_ context.Context, id int64) (crawler.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return crawler.Case{}, fmt.Errorf("case %d: %w", id, crawler.ErrNotFound)
	}
	return c, nil
}

// CountEligibleCases counts active non-excluded cases visible in versionID.
func (s *Store) CountEligibleCases(_ context.Context, source string, versionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.cases {
		if c.Source == source && c.Active && !c.Excluded &&
			c.FirstSeenVersionID <= versionID && versionID <= c.LastSeenVersionID {
			n++
		}
	}
	return n, nil
}

// CreateRun inserts a run.
func (s *Store) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return crawler.ErrDuplicateRun
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(_ context.Context, id string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return crawler.Run{}, crawler.ErrRunNotFound
	}
	return run, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (crawler.Run, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return crawler.Run{}, err
	}
	if len(runs) == 0 {
		return crawler.Run{}, crawler.ErrRunNotFound
	}
	return runs[0], nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunsByStatus returns runs in status, oldest first.
func (s *Store) ListRunsByStatus(_ context.Context, status crawler.RunStatus) ([]crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Run
	for _, r := range s.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// FinalizeRun moves a running run to a terminal status.
func (s *Store) FinalizeRun(
	_ context.Context,
	id string,
	status crawler.RunStatus,
	errSummary string,
	endedAt time.Time,
	coverage crawler.Coverage,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return crawler.ErrRunNotFound
	}
	if run.Status.Terminal() {
		return crawler.ErrRunTerminal
	}
	run.Status = status
	run.ErrorSummary = errSummary
	run.EndedAt = &endedAt
	run.Coverage = &coverage
	s.runs[id] = run
	return nil
}

// EnsureAttempt creates a pending attempt if none exists.
func (s *Store) EnsureAttempt(_ context.Context, runID string, caseID int64, at time.Time) (crawler.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{runID, caseID}
	if a, ok := s.attempts[key]; ok {
		return a, nil
	}
	if _, ok := s.runs[runID]; !ok {
		return crawler.Attempt{}, crawler.ErrRunNotFound
	}
	a := crawler.Attempt{
		RunID:     runID,
		CaseID:    caseID,
		Status:    crawler.StatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
	s.attempts[key] = a
	return a, nil
}

// TransitionAttempt applies t unless the attempt is already downloaded.
func (s *Store) TransitionAttempt(_ context.Context, t crawler.Transition) (crawler.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{t.RunID, t.CaseID}
	a, ok := s.attempts[key]
	if !ok {
		return crawler.TransitionResult{}, fmt.Errorf("attempt %s/%d: %w", t.RunID, t.CaseID, crawler.ErrNotFound)
	}
	res := crawler.TransitionResult{From: a.Status, PrevAttemptAt: a.LastAttemptAt}
	if a.Status == crawler.StatusDownloaded {
		res.Attempt = a
		return res, nil
	}
	a = a.Apply(t)
	s.attempts[key] = a
	res.Attempt = a
	res.Applied = true
	return res, nil
}

// GetAttempt returns one attempt.
func (s *Store) GetAttempt(_ context.Context, runID string, caseID int64) (crawler.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[attemptKey{runID, caseID}]
	if !ok {
		return crawler.Attempt{}, fmt.Errorf("attempt %s/%d: %w", runID, caseID, crawler.ErrNotFound)
	}
	return a, nil
}

// ListAttempts returns attempts of a run, optionally filtered by status.
func (s *Store) ListAttempts(_ context.Context, runID string, status crawler.DownloadStatus) ([]crawler.CaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CaseAttempt
	for key, a := range s.attempts {
		if key.runID != runID || (status != "" && a.Status != status) {
			continue
		}
		out = append(out, crawler.CaseAttempt{Case: s.cases[key.caseID], Attempt: a})
	}
	sortCaseAttempts(out)
	return out, nil
}

// CountAttemptsByStatus returns a status histogram for the run.
func (s *Store) CountAttemptsByStatus(_ context.Context, runID string) (map[crawler.DownloadStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[crawler.DownloadStatus]int)
	for key, a := range s.attempts {
		if key.runID == runID {
			out[a.Status]++
		}
	}
	return out, nil
}

// ReconcileAttempts fails every unfinished attempt of the run.
func (s *Store) ReconcileAttempts(
	_ context.Context,
	runID string,
	code crawler.ErrorCode,
	message string,
	at time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, a := range s.attempts {
		if key.runID != runID {
			continue
		}
		if a.Status != crawler.StatusPending && a.Status != crawler.StatusInProgress {
			continue
		}
		a.Status = crawler.StatusFailed
		a.ErrorCode = code
		a.ErrorMessage = message
		a.UpdatedAt = at
		s.attempts[key] = a
		n++
	}
	return n, nil
}

// LatestAttempts returns each case's most recent attempt across runs of source.
func (s *Store) LatestAttempts(_ context.Context, source string) ([]crawler.CaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[int64]crawler.Attempt)
	for key, a := range s.attempts {
		run := s.runs[key.runID]
		if run.Source != source {
			continue
		}
		prev, ok := latest[key.caseID]
		if !ok || s.newer(a, prev) {
			latest[key.caseID] = a
		}
	}
	out := make([]crawler.CaseAttempt, 0, len(latest))
	for caseID, a := range latest {
		out = append(out, crawler.CaseAttempt{Case: s.cases[caseID], Attempt: a})
	}
	sortCaseAttempts(out)
	return out, nil
}

// DownloadedCaseIDs returns the cases of source downloaded in any run.
func (s *Store) DownloadedCaseIDs(_ context.Context, source string) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]struct{})
	for key, a := range s.attempts {
		if a.Status == crawler.StatusDownloaded && s.runs[key.runID].Source == source {
			out[key.caseID] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) newer(a, b crawler.Attempt) bool {
	ra, rb := s.runs[a.RunID].StartedAt, s.runs[b.RunID].StartedAt
	if !ra.Equal(rb) {
		return ra.After(rb)
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func matches(c crawler.Case, q crawler.CaseQuery) bool {
	if q.Source != "" && c.Source != q.Source {
		return false
	}
	if q.FirstSeenVersionID != 0 && c.FirstSeenVersionID != q.FirstSeenVersionID {
		return false
	}
	if q.LastSeenVersionID != 0 && c.LastSeenVersionID != q.LastSeenVersionID {
		return false
	}
	if q.Active != nil && c.Active != *q.Active {
		return false
	}
	if !q.IncludeExcluded && c.Excluded {
		return false
	}
	return true
}

func sortCases(cases []crawler.Case) {
	sort.Slice(cases, func(i, j int) bool {
		if cases[i].TokenNorm != cases[j].TokenNorm {
			return cases[i].TokenNorm < cases[j].TokenNorm
		}
		return cases[i].ID < cases[j].ID
	})
}

func sortCaseAttempts(items []crawler.CaseAttempt) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Case.TokenNorm != items[j].Case.TokenNorm {
			return items[i].Case.TokenNorm < items[j].Case.TokenNorm
		}
		return items[i].Attempt.CaseID < items[j].Attempt.CaseID
	})
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
