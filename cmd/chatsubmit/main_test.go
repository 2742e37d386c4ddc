package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatsubmit/internal/approval"
	"github.com/haasonsaas/chatsubmit/internal/storage"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "submit", "tasks"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("expected persistent --config flag")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CHATSUBMIT_CONFIG", "")
	if got := resolveConfigPath(" custom.yaml "); got != "custom.yaml" {
		t.Errorf("flag path = %q", got)
	}

	t.Setenv("CHATSUBMIT_CONFIG", "/etc/chatsubmit.yaml")
	if got := resolveConfigPath(""); got != "/etc/chatsubmit.yaml" {
		t.Errorf("env path = %q", got)
	}
}

func TestEnsureChat(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	created, err := ensureChat(ctx, store, 0, "chat-1")
	if err != nil {
		t.Fatalf("ensureChat() error = %v", err)
	}
	if created.ID == 0 || created.UUID != "chat-1" {
		t.Fatalf("created chat = %+v", created)
	}

	again, err := ensureChat(ctx, store, 0, "chat-1")
	if err != nil || again.ID != created.ID {
		t.Fatalf("second ensureChat() = %+v, %v", again, err)
	}

	fresh, err := ensureChat(ctx, store, 0, "")
	if err != nil || fresh.UUID == "" || fresh.ID == created.ID {
		t.Fatalf("fresh chat = %+v, %v", fresh, err)
	}

	if _, err := ensureChat(ctx, store, 999, ""); err == nil {
		t.Fatalf("expected error for unknown chat id")
	}
}

func TestParseModelRef(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.SaveConfig(ctx, &models.AppConfig{Accounts: []models.Account{
		{ID: "main", Provider: "openai", Models: []models.ModelInfo{{ID: "gpt-4o"}}},
	}}); err != nil {
		t.Fatal(err)
	}

	ref, err := parseModelRef(ctx, store, "other/claude")
	if err != nil || ref.AccountID != "other" || ref.ModelID != "claude" {
		t.Errorf("qualified ref = %+v, %v", ref, err)
	}
	ref, err = parseModelRef(ctx, store, "gpt-4o")
	if err != nil || ref.AccountID != "main" {
		t.Errorf("bare ref = %+v, %v", ref, err)
	}
	if _, err := parseModelRef(ctx, store, "missing"); err == nil {
		t.Errorf("expected error for unknown model")
	}
	if _, err := parseModelRef(ctx, store, "/gpt-4o"); err == nil {
		t.Errorf("expected error for empty account")
	}
}

func TestTerminalApprover(t *testing.T) {
	ctx := context.Background()
	req := approval.Request{ToolCallID: "call-1", Name: "shell", Args: map[string]any{"cmd": "ls"}}

	var out bytes.Buffer
	approve := terminalApprover(strings.NewReader("y\nno\n"), &out, false)
	decision, err := approve(ctx, req)
	if err != nil || !decision.Approved {
		t.Fatalf("first decision = %+v, %v", decision, err)
	}
	decision, err = approve(ctx, req)
	if err != nil || decision.Approved {
		t.Fatalf("second decision = %+v, %v", decision, err)
	}
	if !strings.Contains(out.String(), "Run tool shell") {
		t.Errorf("prompt = %q", out.String())
	}

	auto := terminalApprover(strings.NewReader(""), &out, true)
	if decision, _ := auto(ctx, req); !decision.Approved {
		t.Errorf("auto approver denied")
	}
}

func TestStreamPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newStreamPrinter(&out)
	ctx := context.Background()

	p.handle(ctx, models.EventEnvelope{Type: models.EventStreamChunk, Payload: models.StreamChunkPayload{ReasoningDelta: "hmm"}})
	p.handle(ctx, models.EventEnvelope{Type: models.EventStreamChunk, Payload: models.StreamChunkPayload{ContentDelta: "Hello"}})
	p.handle(ctx, models.EventEnvelope{Type: models.EventToolExecStarted, Payload: models.ToolExecPayload{Name: "time_now"}})
	p.handle(ctx, models.EventEnvelope{Type: models.EventSubmissionCompleted})
	p.finish()

	want := "[thinking] hmm\nHello\n[tool time_now]\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestTasksAddAndList(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "chatsubmit.yaml")
	config := "database:\n  driver: sqlite\n  url: " + filepath.Join(dir, "test.db") + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	// the chat must exist before a task can target it
	var out bytes.Buffer
	root := buildRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", configPath, "tasks", "add", "--chat", "chat-1", "--in", "1h", "report"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for unknown chat")
	}

	ctx := context.Background()
	cfg, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	a, err := newApp(ctx, cfg, appOptions{LogOutput: &out, SkipRemoteTools: true})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if err := a.store.CreateChat(ctx, &models.Chat{UUID: "chat-1"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	root = buildRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", configPath, "tasks", "add", "--chat", "chat-1", "--goal", "weekly report", "--at", "2030-01-02T03:04:05Z"})
	if err := root.Execute(); err != nil {
		t.Fatalf("tasks add error = %v", err)
	}
	if !strings.Contains(out.String(), "scheduled task") {
		t.Fatalf("add output = %q", out.String())
	}

	out.Reset()
	root = buildRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", configPath, "tasks", "list", "--status", "pending"})
	if err := root.Execute(); err != nil {
		t.Fatalf("tasks list error = %v", err)
	}
	listing := out.String()
	if !strings.Contains(listing, "weekly report") || !strings.Contains(listing, "0/3") {
		t.Fatalf("list output = %q", listing)
	}
	if !strings.Contains(listing, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339)) {
		t.Fatalf("list output missing run time: %q", listing)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("line one\nline two is long", 12); got != "line one ..." {
		t.Errorf("truncate long = %q", got)
	}
}
