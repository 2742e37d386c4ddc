// Package providers adapts vendor SDK streams to llm.RawChunk streams.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// OpenAIProvider streams chat completions through go-openai. It also serves
// OpenAI-compatible endpoints when BaseURL is set.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds a provider for one account.
func NewOpenAIProvider(account models.Account) (*OpenAIProvider, error) {
	if strings.TrimSpace(account.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg := openai.DefaultConfig(account.APIKey)
	if strings.TrimSpace(account.BaseURL) != "" {
		cfg.BaseURL = strings.TrimRight(account.BaseURL, "/")
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}, nil
}

// Name implements llm.Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Stream implements llm.Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *llm.RawChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      toOpenAIMessages(req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	chunks := make(chan *llm.RawChunk)
	go p.pump(ctx, stream, chunks)
	return chunks, nil
}

// pump forwards deltas as they arrive. Tool-call fragments are forwarded
// unmerged; accumulation is the interpreter's job.
func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *llm.RawChunk) {
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

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(&llm.RawChunk{Done: true})
				return
			}
			send(&llm.RawChunk{Err: fmt.Errorf("openai: stream: %w", err), Done: true})
			return
		}

		chunk := &llm.RawChunk{}
		if response.Usage != nil {
			chunk.Usage = &models.Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) > 0 {
			choice := response.Choices[0]
			chunk.Content = choice.Delta.Content
			chunk.Reasoning = choice.Delta.ReasoningContent
			chunk.FinishReason = string(choice.FinishReason)
			for _, tc := range choice.Delta.ToolCalls {
				delta := llm.ToolCallDelta{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if tc.Index != nil {
					delta.Index = llm.IntPtr(*tc.Index)
				}
				chunk.ToolCalls = append(chunk.ToolCalls, delta)
			}
		}
		if chunk.Content == "" && chunk.Reasoning == "" && len(chunk.ToolCalls) == 0 &&
			chunk.Usage == nil && chunk.FinishReason == "" {
			continue
		}
		if !send(chunk) {
			return
		}
	}
}

func toOpenAIMessages(messages []*models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		out := openai.ChatCompletionMessage{
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleSystem:
			out.Role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			out.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case models.RoleTool:
			out.Role = openai.ChatMessageRoleTool
			out.ToolCallID = msg.ToolCallID
		default:
			out.Role = openai.ChatMessageRoleUser
		}
		result = append(result, out)
	}
	return result
}

func toOpenAITools(tools []llm.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params any = json.RawMessage(`{"type":"object","properties":{}}`)
		if len(tool.Parameters) > 0 {
			params = tool.Parameters
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return result
}
