package models

import (
	"encoding/json"
	"testing"
)

func testAppConfig() *AppConfig {
	return &AppConfig{Accounts: []Account{
		{ID: "main", Provider: "openai", Models: []ModelInfo{{ID: "gpt-4o"}, {ID: "gpt-4o-mini"}}},
		{ID: "backup", Provider: "anthropic", Models: []ModelInfo{{ID: "claude-sonnet"}}},
	}}
}

func TestAppConfigResolveModel(t *testing.T) {
	cfg := testAppConfig()
	tests := []struct {
		name      string
		explicit  *ModelRef
		chatModel string
		want      ModelRef
		wantOK    bool
	}{
		{
			name:     "explicit wins",
			explicit: &ModelRef{AccountID: "backup", ModelID: "claude-sonnet"},
			want:     ModelRef{AccountID: "backup", ModelID: "claude-sonnet"},
			wantOK:   true,
		},
		{
			name:      "chat model found",
			chatModel: "claude-sonnet",
			want:      ModelRef{AccountID: "backup", ModelID: "claude-sonnet"},
			wantOK:    true,
		},
		{
			name:      "unknown chat model falls back to first",
			chatModel: "retired",
			want:      ModelRef{AccountID: "main", ModelID: "gpt-4o"},
			wantOK:    true,
		},
		{
			name:     "zero explicit ignored",
			explicit: &ModelRef{},
			want:     ModelRef{AccountID: "main", ModelID: "gpt-4o"},
			wantOK:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cfg.ResolveModel(tt.explicit, tt.chatModel)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ResolveModel() = %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	var empty *AppConfig
	if _, ok := empty.ResolveModel(nil, "gpt-4o"); ok {
		t.Errorf("nil config resolved a model")
	}
}

func TestAppConfigAccount(t *testing.T) {
	cfg := testAppConfig()
	account, ok := cfg.Account("backup")
	if !ok || account.Provider != "anthropic" {
		t.Fatalf("Account(backup) = %+v, %v", account, ok)
	}
	account.RequestsPerMinute = 10
	if cfg.Accounts[1].RequestsPerMinute != 10 {
		t.Errorf("Account should return a pointer into the config")
	}
	if _, ok := cfg.Account("missing"); ok {
		t.Errorf("Account(missing) found")
	}
}

func TestMessageHelpers(t *testing.T) {
	empty := &Message{Role: RoleAssistant, Content: "  \n"}
	if !empty.IsEmptyAssistant() || empty.HasContent() {
		t.Errorf("blank assistant message not detected")
	}

	withCall := &Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "time_now"}}}
	if withCall.IsEmptyAssistant() || !withCall.HasToolCalls() {
		t.Errorf("tool call message misclassified")
	}

	var nilMsg *Message
	if nilMsg.HasContent() || nilMsg.HasToolCalls() || nilMsg.IsEmptyAssistant() || nilMsg.Clone() != nil {
		t.Errorf("nil message helpers should be false")
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	orig := &Message{
		Role:      RoleAssistant,
		Segments:  []Segment{{Type: SegmentText, Content: "hi"}},
		ToolCalls: []ToolCall{{ID: "c1", Name: "a"}},
	}
	clone := orig.Clone()
	clone.Segments[0].Content = "changed"
	clone.ToolCalls[0].Name = "b"
	if orig.Segments[0].Content != "hi" || orig.ToolCalls[0].Name != "a" {
		t.Errorf("clone shares slices with original: %+v", orig)
	}
}

func TestSegmentJSONShape(t *testing.T) {
	data, err := json.Marshal(Segment{Type: SegmentToolCall, Name: "search", Status: "success", CostMs: 12, Timestamp: 5})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"toolCall","name":"search","status":"success","cost":12,"timestamp":5}`
	if string(data) != want {
		t.Errorf("segment json = %s, want %s", data, want)
	}
}

func TestEventTypeTerminal(t *testing.T) {
	for _, typ := range []EventType{EventSubmissionCompleted, EventSubmissionAborted, EventSubmissionFailed} {
		if !typ.Terminal() {
			t.Errorf("%s should be terminal", typ)
		}
	}
	if EventStreamChunk.Terminal() || EventScheduleUpdated.Terminal() {
		t.Errorf("non-terminal event reported terminal")
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	u.Add(Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	if u != (Usage{PromptTokens: 11, CompletionTokens: 22, TotalTokens: 33}) {
		t.Errorf("Add() = %+v", u)
	}
}

func TestCompressionSummaryActive(t *testing.T) {
	var none *CompressionSummary
	if none.Active() {
		t.Errorf("nil summary active")
	}
	if (&CompressionSummary{Status: CompressionActive}).Active() {
		t.Errorf("empty summary text active")
	}
	if !(&CompressionSummary{Status: CompressionActive, Summary: "s"}).Active() {
		t.Errorf("active summary not detected")
	}
	if (&CompressionSummary{Status: CompressionInactive, Summary: "s"}).Active() {
		t.Errorf("inactive summary active")
	}
}
