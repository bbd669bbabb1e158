package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound        = errors.New("not found")
	ErrRunNotFound     = fmt.Errorf("run %w", ErrNotFound)
	ErrVersionNotFound = fmt.Errorf("catalog version %w", ErrNotFound)
	ErrFeedUnavailable = errors.New("case feed unavailable")
	ErrFeedInvalid     = errors.New("case feed invalid")
	ErrNoValidCatalog  = errors.New("no valid catalog version")
	ErrUnknownMode     = errors.New("unknown run mode")
	ErrUnknownSource   = errors.New("unknown source")
	ErrRunTerminal     = errors.New("run already finalized")
	ErrRunInProgress   = errors.New("a run is already in progress")
	ErrDuplicateRun    = errors.New("run already exists")
	ErrDiskFull        = errors.New("document storage full")
)

// FeedError describes a failed ingestion. The invalid catalog version row has
// already been recorded when this error is returned.
type FeedError struct {
	Source    string
	VersionID int64
	Kind      error
	Err       error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("ingest %s (version %d): %v: %v", e.Source, e.VersionID, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *FeedError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// FetchError carries a classified failure out of a Resolver.
type FetchError struct {
	Code ErrorCode
	Err  error
}

// NewFetchError wraps err with code.
func NewFetchError(code ErrorCode, err error) *FetchError {
	return &FetchError{Code: code, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CodeOf extracts the code of a FetchError, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}
