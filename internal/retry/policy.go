// Package retry classifies failed download attempts and decides whether and
// when they may be retried within a run.
package retry

import (
	"time"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// Class is the retry classification of an error code.
type Class string

// Classes.
const (
	ClassTransient    Class = "transient"
	ClassPermanent    Class = "permanent"
	ClassRunFatal     Class = "run_fatal"
	ClassUnclassified Class = "unclassified"
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Class   Class
	Retry   bool
	Delay   time.Duration
	StopRun bool
}

// Config tunes the policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

var transient = map[crawler.ErrorCode]struct{}{
	crawler.CodeNetwork:      {},
	crawler.CodeFetchTimeout: {},
	crawler.CodeHTTP5xx:      {},
	crawler.CodeRateLimited:  {},
}

var permanent = map[crawler.ErrorCode]struct{}{
	crawler.CodeHTTP4xx:         {},
	crawler.CodeHTTP401:         {},
	crawler.CodeHTTP403:         {},
	crawler.CodeHTTP404:         {},
	crawler.CodeMalformedPDF:    {},
	crawler.CodeSiteStructure:   {},
	crawler.CodeInvalidToken:    {},
	crawler.CodeCSVMiss:         {},
	crawler.CodeWorklistFilter:  {},
	crawler.CodeSeenHistory:     {},
	crawler.CodeAlreadyDownload: {},
	crawler.CodeInRunDuplicate:  {},
	crawler.CodeExistsOK:        {},
	crawler.CodeRunAborted:      {},
	crawler.CodeInternal:        {},
}

// Policy is a pure function of (code, attempt count) plus its config.
type Policy struct {
	cfg Config
}

// New builds a Policy, filling zero fields with defaults.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{cfg: cfg}
}

// Classify returns the class of code without regard to attempt counts.
func Classify(code crawler.ErrorCode) Class {
	if code == crawler.CodeDiskFull {
		return ClassRunFatal
	}
	if _, ok := transient[code]; ok {
		return ClassTransient
	}
	if _, ok := permanent[code]; ok {
		return ClassPermanent
	}
	return ClassUnclassified
}

// Decide reports whether a case that has failed with code after attempt
// attempts may be retried, and how long to wait first.
func (p *Policy) Decide(code crawler.ErrorCode, attempt int) Decision {
	class := Classify(code)
	switch class {
	case ClassRunFatal:
		return Decision{Class: class, StopRun: true}
	case ClassTransient:
		if attempt < 1 {
			attempt = 1
		}
		if attempt > p.cfg.MaxAttempts {
			return Decision{Class: class}
		}
		return Decision{Class: class, Retry: true, Delay: p.Backoff(attempt)}
	default:
		return Decision{Class: class}
	}
}

// Backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	return delay
}

// MaxAttempts exposes the configured cap.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }
