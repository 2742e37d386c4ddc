package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "chatsubmit.yaml", `
llm:
  accounts:
    - id: main
      provider: openai
      api_key: sk-test
      models:
        - id: gpt-4o
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.URL != "chatsubmit.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Tools.Concurrency != 3 || cfg.Tools.Timeout != time.Minute {
		t.Errorf("tools = %+v", cfg.Tools)
	}
	if cfg.Scheduler.Schedule != "@every 10s" || cfg.Scheduler.BatchSize != 5 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	policy := cfg.Scheduler.Backoff.Policy()
	if policy.InitialMs != 30_000 || policy.MaxMs != 900_000 || policy.Factor != 2 {
		t.Errorf("backoff policy = %+v", policy)
	}
	app := cfg.AppConfig()
	if ref, ok := app.FirstModel(); !ok || ref.AccountID != "main" || ref.ModelID != "gpt-4o" {
		t.Errorf("FirstModel() = %+v, %v", ref, ok)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "chatsubmit.yaml", `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad driver",
			body:    "database:\n  driver: mysql\n  url: x\n",
			wantErr: "database.driver",
		},
		{
			name:    "postgres without url",
			body:    "database:\n  driver: postgres\n",
			wantErr: "database.url",
		},
		{
			name:    "unknown provider",
			body:    "llm:\n  accounts:\n    - id: a\n      provider: cohere\n      models: [{id: m}]\n",
			wantErr: "provider",
		},
		{
			name:    "duplicate account",
			body:    "llm:\n  accounts:\n    - id: a\n      provider: openai\n      models: [{id: m}]\n    - id: a\n      provider: anthropic\n      models: [{id: m}]\n",
			wantErr: "duplicate",
		},
		{
			name:    "account without models",
			body:    "llm:\n  accounts:\n    - id: a\n      provider: openai\n",
			wantErr: "no models",
		},
		{
			name:    "bad schedule",
			body:    "scheduler:\n  schedule: every now and then\n",
			wantErr: "scheduler.schedule",
		},
		{
			name:    "backoff max below initial",
			body:    "scheduler:\n  backoff:\n    initial: 10m\n    max: 1m\n",
			wantErr: "scheduler.backoff: max",
		},
		{
			name:    "tracing without endpoint",
			body:    "tracing:\n  enabled: true\n",
			wantErr: "tracing.endpoint",
		},
		{
			name:    "mcp server without url",
			body:    "tools:\n  mcp:\n    enabled: true\n    servers:\n      - id: files\n",
			wantErr: "tools.mcp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "chatsubmit.yaml", tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q in error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	t.Setenv("CHATSUBMIT_TEST_KEY", "sk-from-env")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "accounts.yaml"), `
llm:
  accounts:
    - id: main
      provider: anthropic
      api_key: ${CHATSUBMIT_TEST_KEY}
      models: [{id: claude}]
tools:
  concurrency: 2
`)
	path := filepath.Join(dir, "chatsubmit.yaml")
	writeFile(t, path, `
$include: accounts.yaml
server:
  host: ${CHATSUBMIT_TEST_UNSET_HOST:-0.0.0.0}
tools:
  concurrency: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.LLM.Accounts) != 1 || cfg.LLM.Accounts[0].APIKey != "sk-from-env" {
		t.Errorf("accounts = %+v", cfg.LLM.Accounts)
	}
	if cfg.Tools.Concurrency != 4 {
		t.Errorf("including file should win, concurrency = %d", cfg.Tools.Concurrency)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default expansion, host = %q", cfg.Server.Host)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "chatsubmit.json5", `{
  // comments are allowed
  server: { http_port: 9000 },
  scheduler: { enabled: true, schedule: "*/5 * * * *", batch_size: 2 },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9000 || cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.BatchSize != 2 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestPromptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.md")

	missing := NewPromptFile(PromptsConfig{System: "inline", SystemFile: path}, nil)
	if got := missing.SystemPrompt(); got != "inline" {
		t.Fatalf("SystemPrompt() = %q, want inline fallback", got)
	}

	writeFile(t, path, "  from file \n")
	prompts := NewPromptFile(PromptsConfig{System: "inline", SystemFile: path}, nil)
	if got := prompts.SystemPrompt(); got != "from file" {
		t.Fatalf("SystemPrompt() = %q", got)
	}

	prompts.debounce = 10 * time.Millisecond
	if err := prompts.Watch(context.Background()); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer prompts.Close()

	writeFile(t, path, "updated")
	deadline := time.Now().Add(5 * time.Second)
	for prompts.SystemPrompt() != "updated" {
		if time.Now().After(deadline) {
			t.Fatalf("prompt not reloaded, still %q", prompts.SystemPrompt())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPromptFileInlineOnly(t *testing.T) {
	prompts := NewPromptFile(PromptsConfig{System: "inline"}, nil)
	if err := prompts.Watch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := prompts.SystemPrompt(); got != "inline" {
		t.Errorf("SystemPrompt() = %q", got)
	}
	if err := prompts.Close(); err != nil {
		t.Error(err)
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	writeFile(t, path, contents)
	return path
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
