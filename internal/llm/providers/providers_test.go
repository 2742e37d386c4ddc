package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

func TestOpenAIProviderStreamsDeltas(t *testing.T) {
	events := []string{
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"hello"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"current_time","arguments":""}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(models.Account{ID: "a", APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunks, err := p.Stream(ctx, &llm.Request{Model: "m", Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var content string
	var deltas []llm.ToolCallDelta
	var done bool
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("chunk error = %v", c.Err)
		}
		content += c.Content
		deltas = append(deltas, c.ToolCalls...)
		done = done || c.Done
	}
	if content != "hello" {
		t.Errorf("content = %q, want hello", content)
	}
	if !done {
		t.Error("stream ended without a Done chunk")
	}
	if len(deltas) != 2 {
		t.Fatalf("tool call deltas = %d, want 2", len(deltas))
	}
	if deltas[0].ID != "call_1" || deltas[0].Name != "current_time" {
		t.Errorf("first delta = %+v", deltas[0])
	}
	if deltas[1].Index == nil || *deltas[1].Index != 0 || deltas[1].Arguments != "{}" {
		t.Errorf("second delta = %+v", deltas[1])
	}
}

func TestNewProvidersRequireAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider(models.Account{ID: "a"}); err == nil {
		t.Error("NewOpenAIProvider() without key succeeded")
	}
	if _, err := NewAnthropicProvider(models.Account{ID: "a"}); err == nil {
		t.Error("NewAnthropicProvider() without key succeeded")
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := toOpenAIMessages([]*models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "f", Arguments: `{"a":1}`}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "ok"},
	})
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("role[0] = %s", msgs[0].Role)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if msgs[2].Role != openai.ChatMessageRoleTool || msgs[2].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", msgs[2])
	}
}

func TestToAnthropicMessagesGroupsToolResults(t *testing.T) {
	system, msgs := toAnthropicMessages([]*models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "f"}, {ID: "c2", Name: "g", Arguments: "{}"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "one"},
		{Role: models.RoleTool, ToolCallID: "c2", Content: "two"},
	})
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	last := msgs[2]
	if last.Role != anthropic.MessageParamRoleUser {
		t.Errorf("last role = %s, want user", last.Role)
	}
	if len(last.Content) != 2 {
		t.Errorf("grouped tool results = %d, want 2", len(last.Content))
	}
}

func TestRegisterInstallsBothKinds(t *testing.T) {
	reg := llm.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for _, kind := range []string{"openai", "anthropic"} {
		p, err := reg.Resolve(&models.Account{ID: kind, Provider: kind, APIKey: "k"})
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", kind, err)
		}
		if p.Name() != kind {
			t.Errorf("Name() = %q, want %q", p.Name(), kind)
		}
	}
}
