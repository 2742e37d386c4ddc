package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider streams Messages API responses.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider for one account.
func NewAnthropicProvider(account models.Account) (*AnthropicProvider, error) {
	if strings.TrimSpace(account.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(account.APIKey)}
	if strings.TrimSpace(account.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(account.BaseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

// Name implements llm.Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream implements llm.Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *llm.RawChunk, error) {
	system, messages := toAnthropicMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *llm.RawChunk)
	go p.pump(ctx, stream, chunks)
	return chunks, nil
}

// pump maps content-block events onto raw chunks. The content block index
// doubles as the tool-call index so argument fragments line up.
func (p *AnthropicProvider) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *llm.RawChunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(c *llm.RawChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage models.Usage
	for stream.Next() {
		event := stream.Current()
		var chunk *llm.RawChunk

		switch event.Type {
		case "message_start":
			usage.PromptTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				chunk = &llm.RawChunk{ToolCalls: []llm.ToolCallDelta{{
					Index: llm.IntPtr(int(start.Index)),
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				chunk = &llm.RawChunk{Content: delta.Delta.Text}
			case "thinking_delta":
				chunk = &llm.RawChunk{Reasoning: delta.Delta.Thinking}
			case "input_json_delta":
				if delta.Delta.PartialJSON != "" {
					chunk = &llm.RawChunk{ToolCalls: []llm.ToolCallDelta{{
						Index:     llm.IntPtr(int(delta.Index)),
						Arguments: delta.Delta.PartialJSON,
					}}}
				}
			}

		case "message_delta":
			md := event.AsMessageDelta()
			usage.CompletionTokens = int(md.Usage.OutputTokens)
			chunk = &llm.RawChunk{FinishReason: string(md.Delta.StopReason)}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			final := usage
			send(&llm.RawChunk{Usage: &final, Done: true})
			return
		}

		if chunk != nil && !send(chunk) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&llm.RawChunk{Err: fmt.Errorf("anthropic: stream: %w", err), Done: true})
		return
	}
	send(&llm.RawChunk{Done: true})
}

// toAnthropicMessages splits out the system prompt and groups consecutive
// tool results into a single user turn.
func toAnthropicMessages(messages []*models.Message) (string, []anthropic.MessageParam) {
	var system []string
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case models.RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.HasContent() {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]any{}
				if strings.TrimSpace(tc.Arguments) != "" {
					_ = json.Unmarshal([]byte(tc.Arguments), &input) //nolint:errcheck
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flushResults()
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()
	return strings.Join(system, "\n"), result
}

func toAnthropicTools(tools []llm.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}
