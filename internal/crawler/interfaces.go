package crawler

import (
	"context"
	"io"
	"time"
)

// CatalogStore persists catalog versions and the case catalog.
type CatalogStore interface {
	// RecordVersion inserts an immutable catalog version and returns its ID.
	RecordVersion(ctx context.Context, version CatalogVersion) (int64, error)
	GetVersion(ctx context.Context, id int64) (CatalogVersion, error)
	// LatestValidVersion returns ErrVersionNotFound when no valid version exists.
	LatestValidVersion(ctx context.Context, source string) (CatalogVersion, error)
	ListVersions(ctx context.Context, source string, limit int) ([]CatalogVersion, error)
	// ApplyCatalogDiff reconciles parsed records against the catalog for
	// versionID in one transaction.
	ApplyCatalogDiff(ctx context.Context, versionID int64, source string, records []CaseRecord, at time.Time) (DiffResult, error)
	// ListCases returns matching cases ordered by normalized token, then ID.
	ListCases(ctx context.Context, query CaseQuery) ([]Case, error)
	GetCase(ctx context.Context, id int64) (Case, error)
	// CountEligibleCases counts active, non-excluded cases of source whose
	// first..last seen window contains versionID.
	CountEligibleCases(ctx context.Context, source string, versionID int64) (int, error)
}

// RunStore persists the run ledger.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	LatestRun(ctx context.Context) (Run, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListRunsByStatus(ctx context.Context, status RunStatus) ([]Run, error)
	// FinalizeRun moves a running run to a terminal status exactly once and
	// returns ErrRunTerminal on repeat calls.
	FinalizeRun(ctx context.Context, id string, status RunStatus, errSummary string, endedAt time.Time, coverage Coverage) error
}

// AttemptStore persists per-(run, case) download attempts.
type AttemptStore interface {
	// EnsureAttempt creates a pending row if none exists and returns the row.
	EnsureAttempt(ctx context.Context, runID string, caseID int64, at time.Time) (Attempt, error)
	// TransitionAttempt applies t atomically; Applied is false when the row
	// is already downloaded.
	TransitionAttempt(ctx context.Context, t Transition) (TransitionResult, error)
	GetAttempt(ctx context.Context, runID string, caseID int64) (Attempt, error)
	ListAttempts(ctx context.Context, runID string, status DownloadStatus) ([]CaseAttempt, error)
	CountAttemptsByStatus(ctx context.Context, runID string) (map[DownloadStatus]int, error)
	// ReconcileAttempts fails every pending or in_progress row of the run.
	ReconcileAttempts(ctx context.Context, runID string, code ErrorCode, message string, at time.Time) (int, error)
	// LatestAttempts returns each case's most recent attempt across runs of source.
	LatestAttempts(ctx context.Context, source string) ([]CaseAttempt, error)
	// DownloadedCaseIDs returns the cases of source with any downloaded attempt.
	DownloadedCaseIDs(ctx context.Context, source string) (map[int64]struct{}, error)
}

// Store is the full durable store used by the control plane.
type Store interface {
	CatalogStore
	RunStore
	AttemptStore
	Ping(ctx context.Context) error
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads carry message attributes next to their JSON body.
type Attributed interface {
	Attributes() map[string]string
}

// FetchRequest is handed to a Resolver for each attempt.
type FetchRequest struct {
	RunID   string
	Case    Case
	Attempt int
}

// OutcomeKind is the closed set of successful resolver results.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeDownloaded OutcomeKind = "downloaded"
	OutcomeExisting   OutcomeKind = "existing"
	OutcomeDuplicate  OutcomeKind = "duplicate"
)

// Outcome describes a completed fetch.
type Outcome struct {
	Kind        OutcomeKind
	ResolvedURL string
	FileRef     string
	FileSize    int64
}

// Resolver turns a case into a stored document. Failures are returned as
// *FetchError so the executor can classify them.
type Resolver interface {
	Fetch(ctx context.Context, req FetchRequest) (Outcome, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
