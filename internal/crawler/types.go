package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source values recognised for the case feed.
const (
	SourceUnreportedJudgments = "unreported_judgments"
	SourcePublicRegisters     = "public_registers"
	DefaultSource             = SourceUnreportedJudgments
)

// NormalizeSource returns the canonical source name, defaulting blanks.
func NormalizeSource(source string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(source))
	switch s {
	case "":
		return DefaultSource, nil
	case SourceUnreportedJudgments, SourcePublicRegisters:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
}

// Mode selects how a run builds its worklist.
type Mode string

// Run modes.
const (
	ModeFull   Mode = "full"
	ModeNew    Mode = "new"
	ModeResume Mode = "resume"
)

// ParseMode validates a mode string. Blank input yields ModeNew.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return ModeNew, nil
	case ModeFull:
		return ModeFull, nil
	case ModeNew:
		return ModeNew, nil
	case ModeResume:
		return ModeResume, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
}

// Trigger records what started a run.
type Trigger string

// Trigger values.
const (
	TriggerInteractive  Trigger = "interactive"
	TriggerScheduled    Trigger = "scheduled"
	TriggerWebhook      Trigger = "webhook"
	TriggerProgrammatic Trigger = "programmatic"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run status values.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the status ends the run lifecycle.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// DownloadStatus is the state of one (run, case) download attempt.
type DownloadStatus string

// Download status values.
const (
	StatusPending    DownloadStatus = "pending"
	StatusInProgress DownloadStatus = "in_progress"
	StatusDownloaded DownloadStatus = "downloaded"
	StatusFailed     DownloadStatus = "failed"
	StatusSkipped    DownloadStatus = "skipped"
)

// Valid reports whether s is a known status.
func (s DownloadStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDownloaded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Health is the coverage verdict attached to a finished run.
type Health string

// Health values.
const (
	HealthOK         Health = "ok"
	HealthPartial    Health = "partial"
	HealthFailed     Health = "failed"
	HealthSuspicious Health = "suspicious"
)

// CatalogVersion is one ingestion attempt of the case feed. Rows are never
// mutated after insertion.
type CatalogVersion struct {
	ID           int64     `json:"id"`
	Source       string    `json:"source"`
	FetchedAt    time.Time `json:"fetched_at"`
	SourceURL    string    `json:"source_url"`
	SHA256       string    `json:"sha256"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	RowCount     int       `json:"row_count"`
	Valid        bool      `json:"valid"`
	Error        string    `json:"error,omitempty"`
	SnapshotURI  string    `json:"snapshot_uri,omitempty"`
}

// CaseRecord is a parsed feed row, before it is reconciled into the catalog.
type CaseRecord struct {
	TokenRaw     string `json:"token_raw"`
	TokenNorm    string `json:"token_norm"`
	Title        string `json:"title,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Court        string `json:"court,omitempty"`
	Category     string `json:"category,omitempty"`
	JudgmentDate string `json:"judgment_date,omitempty"`
	CauseNumber  string `json:"cause_number,omitempty"`
	Excluded     bool   `json:"excluded"`
}

// SameContent reports whether the descriptive fields of two records match.
func (r CaseRecord) SameContent(o CaseRecord) bool {
	return r.Title == o.Title &&
		r.Subject == o.Subject &&
		r.Court == o.Court &&
		r.Category == o.Category &&
		r.JudgmentDate == o.JudgmentDate &&
		r.CauseNumber == o.CauseNumber &&
		r.Excluded == o.Excluded
}

// Case is the durable catalog entry for one normalized token within a source.
type Case struct {
	ID     int64  `json:"id"`
	Source string `json:"source"`
	CaseRecord
	FirstSeenVersionID int64     `json:"first_seen_version_id"`
	LastSeenVersionID  int64     `json:"last_seen_version_id"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsNewIn reports whether the case first appeared in the given version.
func (c Case) IsNewIn(versionID int64) bool {
	return c.FirstSeenVersionID == versionID
}

// IsNewCase is the single definition of a "new" case for a version: first
// seen in it, still active and not in an excluded category.
func IsNewCase(c Case, versionID int64) bool {
	return c.IsNewIn(versionID) && c.Active && !c.Excluded
}

// CaseQuery filters catalog listings. Zero values do not filter, except
// IncludeExcluded which must be set to see excluded categories.
type CaseQuery struct {
	Source             string
	FirstSeenVersionID int64
	LastSeenVersionID  int64
	Active             *bool
	IncludeExcluded    bool
}

// Bool returns a pointer to b, for optional query fields.
func Bool(b bool) *bool { return &b }

// DiffResult summarises how one ingestion changed the catalog.
type DiffResult struct {
	VersionID      int64   `json:"version_id"`
	Source         string  `json:"source"`
	IsNewVersion   bool    `json:"is_new_version"`
	RowCount       int     `json:"row_count"`
	NewCaseIDs     []int64 `json:"new_case_ids"`
	ChangedCaseIDs []int64 `json:"changed_case_ids"`
	RemovedCaseIDs []int64 `json:"removed_case_ids"`
}

// Coverage holds the per-run coverage figures written at finalization.
type Coverage struct {
	CasesTotal int     `json:"cases_total"`
	Planned    int     `json:"planned"`
	Attempted  int     `json:"attempted"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Ratio      float64 `json:"coverage_ratio"`
	Health     Health  `json:"health"`
}

// Run is one execution of the crawl pipeline against a catalog version.
type Run struct {
	ID               string          `json:"id"`
	Source           string          `json:"source"`
	Trigger          Trigger         `json:"trigger"`
	Mode             Mode            `json:"mode"`
	Params           json.RawMessage `json:"params,omitempty"`
	CatalogVersionID int64           `json:"catalog_version_id"`
	Status           RunStatus       `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	ErrorSummary     string          `json:"error_summary,omitempty"`
	Coverage         *Coverage       `json:"coverage,omitempty"`
}

// Attempt is the per-(run, case) download record.
type Attempt struct {
	RunID         string         `json:"run_id"`
	CaseID        int64          `json:"case_id"`
	Status        DownloadStatus `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	ResolvedURL   string         `json:"resolved_url,omitempty"`
	FileRef       string         `json:"file_ref,omitempty"`
	FileSize      int64          `json:"file_size,omitempty"`
	ErrorCode     ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Apply returns a with t applied. Callers refuse transitions out of
// downloaded before calling it.
func (a Attempt) Apply(t Transition) Attempt {
	a.Status = t.To
	if t.IncrementAttempt {
		a.AttemptCount++
	}
	at := t.At
	a.LastAttemptAt = &at
	if t.ResolvedURL != "" {
		a.ResolvedURL = t.ResolvedURL
	}
	if t.To == StatusDownloaded {
		a.FileRef = t.FileRef
		a.FileSize = t.FileSize
	}
	a.ErrorCode = t.ErrorCode
	a.ErrorMessage = t.ErrorMessage
	a.UpdatedAt = t.At
	return a
}

// CaseAttempt pairs an attempt with its case, for listings and resume planning.
type CaseAttempt struct {
	Case    Case    `json:"case"`
	Attempt Attempt `json:"attempt"`
}

// Transition is a requested status change applied atomically by an
// AttemptStore. The store refuses any change away from StatusDownloaded.
type Transition struct {
	RunID            string
	CaseID           int64
	To               DownloadStatus
	IncrementAttempt bool
	At               time.Time
	ResolvedURL      string
	FileRef          string
	FileSize         int64
	ErrorCode        ErrorCode
	ErrorMessage     string
}

// TransitionResult reports what an AttemptStore did with a Transition.
type TransitionResult struct {
	From DownloadStatus
	// PrevAttemptAt is the last_attempt_at value before the transition.
	PrevAttemptAt *time.Time
	Attempt       Attempt
	Applied       bool
}

// WorkItem is one planned case handed to the executor.
type WorkItem struct {
	Case       Case
	SkipReason ErrorCode
}

// Notification is published when a run reaches a terminal status.
type Notification struct {
	RunID            string    `json:"run_id"`
	Source           string    `json:"source"`
	Mode             Mode      `json:"mode"`
	Trigger          Trigger   `json:"trigger"`
	CatalogVersionID int64     `json:"catalog_version_id"`
	Status           RunStatus `json:"status"`
	Coverage         Coverage  `json:"coverage"`
	EndedAt          time.Time `json:"ended_at"`
}

// Attributes implements Attributed so subscribers can filter on run status.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"run_id": n.RunID,
		"source": n.Source,
		"status": string(n.Status),
		"health": string(n.Coverage.Health),
	}
}
