package stream

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// ToolCallStatus is the lifecycle state of an accumulated call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallSuccess   ToolCallStatus = "success"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallAborted   ToolCallStatus = "aborted"
)

// ToolCall is a tool invocation assembled from streamed fragments.
type ToolCall struct {
	ID     string         `json:"id"`
	Index  *int           `json:"index,omitempty"`
	Name   string         `json:"name"`
	Args   string         `json:"args"`
	Status ToolCallStatus `json:"status"`
}

// Message converts the call to its assistant-message form.
func (c ToolCall) Message() models.ToolCall {
	return models.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Args}
}

// NewToolCallID returns an id for calls the provider left unnamed.
func NewToolCallID() string {
	return "call_" + uuid.NewString()
}

// MergeToolCalls folds provider deltas into the calls seen so far and
// returns the full updated list. existing is not modified.
//
// A delta matches an existing call by index first, then by id. A match
// appends argument fragments and takes the name once one is known; an
// unmatched delta starts a new pending call.
func MergeToolCalls(existing []ToolCall, deltas []llm.ToolCallDelta) ([]ToolCall, error) {
	updated := make([]ToolCall, len(existing), len(existing)+len(deltas))
	copy(updated, existing)
	if len(deltas) == 0 {
		return updated, nil
	}

	for _, d := range deltas {
		if d.Index != nil && *d.Index < 0 {
			return nil, &ParseError{
				Op:    "tool call merge",
				Input: deltas,
				Cause: fmt.Errorf("negative tool call index %d", *d.Index),
			}
		}

		pos := findToolCall(updated, d)
		if pos < 0 {
			call := ToolCall{
				ID:     d.ID,
				Name:   d.Name,
				Args:   d.Arguments,
				Status: ToolCallPending,
			}
			if call.ID == "" {
				call.ID = NewToolCallID()
			}
			if d.Index != nil {
				call.Index = llm.IntPtr(*d.Index)
			}
			updated = append(updated, call)
			continue
		}

		if d.Name != "" {
			updated[pos].Name = d.Name
		}
		if d.Arguments != "" {
			updated[pos].Args += d.Arguments
		}
	}
	return updated, nil
}

func findToolCall(calls []ToolCall, d llm.ToolCallDelta) int {
	if d.Index != nil {
		for i := range calls {
			if calls[i].Index != nil && *calls[i].Index == *d.Index {
				return i
			}
		}
	}
	if d.ID != "" {
		for i := range calls {
			if calls[i].ID == d.ID {
				return i
			}
		}
	}
	return -1
}
