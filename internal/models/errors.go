package models

import (
	"context"
	"errors"
)

// Sentinel errors shared by the automation engine. Callers wrap them with %w and
// classify with errors.Is.
var (
	// ErrNotFound means no selector strategy produced a usable element in the searched contexts.
	// It is a normal outcome while a page is still loading.
	ErrNotFound = errors.New("element not found")

	// ErrStaleFramePath means a recorded frame path no longer resolves from the top-level document.
	ErrStaleFramePath = errors.New("stale frame path")

	// ErrVerificationMismatch means an action completed but its post-condition did not hold.
	ErrVerificationMismatch = errors.New("verification mismatch")

	// ErrSessionFailure means login or positioning could not be completed.
	ErrSessionFailure = errors.New("session failure")

	// ErrInputError means the identifier source was missing, unreadable or empty.
	ErrInputError = errors.New("input error")

	// ErrStopped means the operator requested a cooperative stop.
	ErrStopped = errors.New("run stopped")

	// ErrTimeout means a step exceeded its timeout ceiling.
	ErrTimeout = errors.New("step timeout")

	// ErrReportFinalized is returned when a finalized run report is mutated.
	ErrReportFinalized = errors.New("run report already finalized")

	// ErrRunNotFound is returned by run storage for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
)

// FailureKind is the classified reason recorded against an item or run
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureNotFound     FailureKind = "not_found"
	FailureStalePath    FailureKind = "stale_frame_path"
	FailureVerification FailureKind = "verification_mismatch"
	FailureSession      FailureKind = "session_failure"
	FailureInput        FailureKind = "input_error"
	FailureTimeout      FailureKind = "timeout"
	FailureStopped      FailureKind = "stopped"
	FailureUnknown      FailureKind = "error"
)

// Classify maps an error chain to its FailureKind. Session and input failures take
// precedence over the step-level cause they wrap.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrInputError):
		return FailureInput
	case errors.Is(err, ErrSessionFailure):
		return FailureSession
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		return FailureStopped
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrVerificationMismatch):
		return FailureVerification
	case errors.Is(err, ErrStaleFramePath):
		return FailureStalePath
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	default:
		return FailureUnknown
	}
}

// IsRetryable reports whether a step attempt that failed with err may be attempted again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStaleFramePath) ||
		errors.Is(err, ErrVerificationMismatch)
}
