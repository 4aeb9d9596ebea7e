package crawler

import (
	"context"
	"errors"
)

var (
	// ErrSessionUnavailable means the remote browser executor could not be reached.
	ErrSessionUnavailable = errors.New("browser session unavailable")
	// ErrNavigation means a page did not become ready in time.
	ErrNavigation = errors.New("navigation failed")
	// ErrDownloadUnavailable means no completed citation download was found.
	ErrDownloadUnavailable = errors.New("download unavailable")
	// ErrExportUnavailable means an export control never became interactable.
	ErrExportUnavailable = errors.New("export control unavailable")
	// ErrEmptyBatch means a citation export parsed to zero records.
	ErrEmptyBatch = errors.New("empty citation batch")
	// ErrRecoveryExhausted means the orchestrator gave up after repeated recoverable failures.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	// ErrNoJournal means no journal currently needs scraping.
	ErrNoJournal = errors.New("no journal needs scraping")
	// ErrJournalWithoutURL means a journal has no landing page to crawl.
	ErrJournalWithoutURL = errors.New("journal has no url")
	// ErrSessionExpired means the browser session outlived its own deadline
	// while the caller was still willing to wait.
	ErrSessionExpired = errors.New("browser session expired")
	// ErrIssueConflict means an issue's source ID is already stored under a
	// different URL.
	ErrIssueConflict = errors.New("issue source id stored under another url")
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
)

// Outcome tags how the orchestrator reacts to a failure.
type Outcome int

const (
	// OutcomeNone is the classification of a nil error.
	OutcomeNone Outcome = iota
	// OutcomeSkippable abandons the current issue and moves on.
	OutcomeSkippable
	// OutcomeRecoverable tears the session down and restarts the journal.
	OutcomeRecoverable
	// OutcomeFatal aborts the invocation.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSkippable:
		return "skippable"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the outcome taxonomy.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeNone
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrRecoveryExhausted):
		return OutcomeFatal
	case errors.Is(err, ErrExportUnavailable), errors.Is(err, ErrEmptyBatch):
		return OutcomeSkippable
	case errors.Is(err, ErrNavigation),
		errors.Is(err, ErrSessionUnavailable),
		errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrDownloadUnavailable):
		return OutcomeRecoverable
	default:
		return OutcomeFatal
	}
}
