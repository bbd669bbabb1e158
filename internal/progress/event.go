package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// Stage denotes the kind of milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageRunStart           Stage = "RUN_START"
	StageRunDone            Stage = "RUN_DONE"
	StageTransition         Stage = "TRANSITION"
	StageTransitionRejected Stage = "TRANSITION_REJECTED"
	StageRetry              Stage = "RETRY"
	StageBackpressure       Stage = "BACKPRESSURE"
	StageCatalog            Stage = "CATALOG"
)

// Event is one observable milestone of a run.
type Event struct {
	// RunID is empty only for catalog events.
	RunID  string
	CaseID int64
	TS     time.Time
	Stage  Stage
	// From and To are set for transitions; To holds the attempted target
	// status on rejected transitions.
	From    crawler.DownloadStatus
	To      crawler.DownloadStatus
	Attempt int
	Code    crawler.ErrorCode
	// Class is the retry classification on RETRY events.
	Class string
	Retry bool
	// Dur is the fetch latency on transitions out of in_progress, the retry
	// delay on RETRY events and the run wall time on RUN_DONE.
	Dur       time.Duration
	InFlight  int
	Pending   int
	RunStatus crawler.RunStatus
	Health    crawler.Health
	Source    string
	VersionID int64
	Note      string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Stage != StageCatalog && e.RunID == "" {
		return errors.New("run id is required")
	}
	switch e.Stage {
	case StageRunStart, StageBackpressure:
	case StageRunDone:
		if !e.RunStatus.Terminal() {
			return errors.New("run done requires a terminal status")
		}
	case StageTransition, StageTransitionRejected:
		if e.CaseID == 0 {
			return errors.New("transition requires case id")
		}
		if !e.To.Valid() {
			return fmt.Errorf("transition target %q invalid", e.To)
		}
	case StageRetry:
		if e.Code == "" {
			return errors.New("retry requires error code")
		}
	case StageCatalog:
		if e.Source == "" {
			return errors.New("catalog event requires source")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
