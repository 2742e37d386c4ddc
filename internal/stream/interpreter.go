// Package stream interprets raw model chunks: it separates reasoning from
// visible text and assembles tool calls from streamed fragments.
package stream

import (
	"fmt"

	"github.com/haasonsaas/chatsubmit/internal/llm"
)

// Result is what one chunk contributed.
type Result struct {
	ContentDelta   string
	ReasoningDelta string

	// ToolCalls is the full accumulated list, not just this chunk's calls.
	ToolCalls []ToolCall

	InThink bool
}

// Empty reports whether the chunk produced no visible delta.
func (r Result) Empty() bool {
	return r.ContentDelta == "" && r.ReasoningDelta == ""
}

// Interpreter holds the parser state for one model response. It is not
// safe for concurrent use.
type Interpreter struct {
	think ThinkTagParser
	calls []ToolCall
}

// NewInterpreter creates an interpreter in the NoThink state.
func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

// Interpret consumes one chunk. Provider-native reasoning takes precedence
// over think-tag parsing of the content.
func (in *Interpreter) Interpret(chunk *llm.RawChunk) (res Result, err error) {
	if chunk == nil {
		return Result{}, &ChunkParseError{Cause: fmt.Errorf("nil chunk")}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ChunkParseError{Chunk: chunk, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	if chunk.Reasoning != "" {
		res.ReasoningDelta = chunk.Reasoning
		if chunk.Content != "" {
			text, reasoning := in.think.Parse(chunk.Content)
			res.ContentDelta = text
			res.ReasoningDelta += reasoning
		}
	} else if chunk.Content != "" {
		res.ContentDelta, res.ReasoningDelta = in.think.Parse(chunk.Content)
	}

	calls, err := MergeToolCalls(in.calls, chunk.ToolCalls)
	if err != nil {
		return Result{}, &ChunkParseError{Chunk: chunk, Cause: err}
	}
	in.calls = calls
	res.ToolCalls = calls
	res.InThink = in.think.State() == InThink
	return res, nil
}

// Flush releases text held back at a possible tag boundary. Call it once
// the stream ends.
func (in *Interpreter) Flush() Result {
	text, reasoning := in.think.Flush()
	return Result{
		ContentDelta:   text,
		ReasoningDelta: reasoning,
		ToolCalls:      in.calls,
		InThink:        in.think.State() == InThink,
	}
}

// ToolCalls returns the calls accumulated so far.
func (in *Interpreter) ToolCalls() []ToolCall {
	return in.calls
}

// ThinkState exposes the think-tag state.
func (in *Interpreter) ThinkState() ThinkState {
	return in.think.State()
}

// BeginResponse prepares for the next model response of the same
// submission: parser state and accumulated calls start over.
func (in *Interpreter) BeginResponse() {
	in.think.Reset()
	in.calls = nil
}
