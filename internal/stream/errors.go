package stream

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/chatsubmit/internal/llm"
)

// ErrParse matches every parser failure via errors.Is.
var ErrParse = errors.New("stream: parse failed")

// ParseError is a failure inside one sub-parser. Input is the offending value.
type ParseError struct {
	Op    string
	Input any
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream: %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("stream: %s failed", e.Op)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Is reports ErrParse equivalence.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ChunkParseError wraps a failure while interpreting a whole chunk and keeps
// the raw chunk for diagnostics.
type ChunkParseError struct {
	Chunk *llm.RawChunk
	Cause error
}

func (e *ChunkParseError) Error() string {
	return fmt.Sprintf("stream: chunk parse failed: %v", e.Cause)
}

func (e *ChunkParseError) Unwrap() error { return e.Cause }

// Is reports ErrParse equivalence.
func (e *ChunkParseError) Is(target error) bool { return target == ErrParse }
