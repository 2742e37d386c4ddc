// Package llm defines the boundary between the submission pipeline and
// model backends. Providers translate an SDK stream into RawChunks; the
// pipeline never sees a provider wire format.
package llm

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// Provider streams one model response.
//
// Implementations must be safe for concurrent use. The returned channel is
// closed by the provider after a chunk with Done or Err set.
type Provider interface {
	// Name returns the provider kind ("openai", "anthropic").
	Name() string

	// Stream sends the request and returns the response chunks.
	Stream(ctx context.Context, req *Request) (<-chan *RawChunk, error)
}

// Request is a fully assembled model request.
type Request struct {
	// Model is the provider model id.
	Model string `json:"model"`

	// Messages are wire-ready: system prompt first, tool results adjacent to
	// the assistant message that requested them.
	Messages []*models.Message `json:"messages"`

	// Tools lists callable tools.
	Tools []ToolDefinition `json:"tools,omitempty"`

	MaxTokens int  `json:"max_tokens,omitempty"`
	Stream    bool `json:"stream"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCallDelta is a partial tool-call descriptor as streamed by a provider.
// Any field may be missing from a given chunk.
type ToolCallDelta struct {
	Index     *int   `json:"index,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// RawChunk is one provider-neutral piece of a streamed response.
type RawChunk struct {
	// Content is visible text, possibly containing <think> tags.
	Content string `json:"content,omitempty"`

	// Reasoning is provider-native reasoning text.
	Reasoning string `json:"reasoning,omitempty"`

	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *models.Usage   `json:"usage,omitempty"`

	// Done marks the final chunk of a stream.
	Done bool `json:"done,omitempty"`

	// Err carries a transport failure. Err chunks are always Done.
	Err error `json:"-"`
}

// IntPtr returns a pointer to i, for building ToolCallDelta indices.
func IntPtr(i int) *int {
	return &i
}
