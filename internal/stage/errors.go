package stage

import (
	"context"
	"errors"
	"fmt"

	"audiobrief/internal/job"
)

// Kind drives the orchestrator's retry policy.
type Kind int

const (
	// KindTransient errors (timeouts, transport failures) are retried with
	// backoff up to a fixed bound.
	KindTransient Kind = iota
	// KindPermanent errors (invalid input, unsupported format) fail the
	// job immediately.
	KindPermanent
	// KindCancelled is not a failure: the job moves to its own terminal
	// state and exposes no error.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a stage failure tagged with its retry class.
type Error struct {
	Kind    Kind
	Stage   job.Stage
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a retryable stage error.
func Transient(stage job.Stage, message string, err error) *Error {
	return &Error{Kind: KindTransient, Stage: stage, Message: message, Err: err}
}

// Permanent builds a non-retryable stage error.
func Permanent(stage job.Stage, message string, err error) *Error {
	return &Error{Kind: KindPermanent, Stage: stage, Message: message, Err: err}
}

// Cancelled builds the cancellation marker error.
func Cancelled(stage job.Stage, err error) *Error {
	return &Error{Kind: KindCancelled, Stage: stage, Message: "cancelled", Err: err}
}

// Classify normalizes an arbitrary error into a tagged stage error.
// Context expiry maps to transient (a stage timeout), explicit cancellation
// to cancelled, and anything untagged is treated as transient so a flaky
// engine gets its bounded retries, matching how unknown failures behaved
// operationally.
func Classify(stage job.Stage, err error) *Error {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled(stage, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(stage, "stage timed out", err)
	}
	return Transient(stage, "stage failed", err)
}
