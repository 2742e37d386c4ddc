package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors for tool execution.
var (
	// ErrToolNotFound indicates no local or remote tool answers to the name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates the arguments were not valid JSON or did
	// not match the tool's schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrToolTimeout indicates the per-call timeout elapsed.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates the handler panicked.
	ErrToolPanic = errors.New("tool panicked")

	// ErrAborted marks results of calls cut short by cancellation.
	ErrAborted = errors.New("execution aborted")
)

// ExecutionError wraps any failure of a tool call with the tool name and the
// time spent before it failed.
type ExecutionError struct {
	Tool       string
	ToolCallID string
	CostMs     int64
	Cause      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q execution failed: %v", e.Tool, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// IsAborted reports whether err came from cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
