package submit

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/chatsubmit/internal/tools"
)

// CodeDuplicateSubmission is the machine-readable code of a duplicate rejection.
const CodeDuplicateSubmission = "DUPLICATE_SUBMISSION_ID"

var (
	// ErrDuplicateSubmission matches a DuplicateSubmissionError.
	ErrDuplicateSubmission = errors.New("submission id already active")

	// ErrAborted matches an AbortError.
	ErrAborted = errors.New("submission aborted")

	// ErrChatNotFound is returned when neither the chat id nor uuid resolves.
	ErrChatNotFound = errors.New("chat not found")

	// ErrNoModel is returned when no model can be chosen for the submission.
	ErrNoModel = errors.New("no model configured")

	// ErrNoAccount is returned when the chosen model's account does not exist.
	ErrNoAccount = errors.New("account not found")

	// ErrMaxIterations is returned when the model keeps requesting tools.
	ErrMaxIterations = errors.New("too many tool iterations")
)

// DuplicateSubmissionError rejects a submission whose id is already running.
// It is returned before any side effect or event.
type DuplicateSubmissionError struct {
	SubmissionID string
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("submission %q is already active", e.SubmissionID)
}

// Code returns CodeDuplicateSubmission.
func (e *DuplicateSubmissionError) Code() string { return CodeDuplicateSubmission }

// Is reports whether target is ErrDuplicateSubmission.
func (e *DuplicateSubmissionError) Is(target error) bool {
	return target == ErrDuplicateSubmission
}

// AbortError reports a cancelled submission.
type AbortError struct {
	SubmissionID string
	Reason       string
	Cause        error
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("submission %q aborted", e.SubmissionID)
	}
	return fmt.Sprintf("submission %q aborted: %s", e.SubmissionID, e.Reason)
}

func (e *AbortError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrAborted.
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// IsAbort reports whether err stems from cancellation rather than failure.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, tools.ErrAborted)
}
