// Package config loads the chatsubmit configuration file.
//
// Files are YAML, or JSON5 when the extension is .json/.json5. Environment
// variables are expanded before parsing and `$include` pulls in other files,
// merged depth-first with the including file winning. Unknown fields are
// rejected.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/chatsubmit/internal/backoff"
	"github.com/haasonsaas/chatsubmit/internal/mcp"
	"github.com/haasonsaas/chatsubmit/internal/tasks"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// Config is the main configuration structure for chatsubmit.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LLM       LLMConfig       `yaml:"llm"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Tools     ToolsConfig     `yaml:"tools"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// AllowedOrigins restricts websocket upgrades. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address of the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LLMConfig lists the model accounts a submission can use.
type LLMConfig struct {
	Accounts      []models.Account `yaml:"accounts"`
	MaxTokens     int              `yaml:"max_tokens"`
	MaxIterations int              `yaml:"max_iterations"`
}

// PromptsConfig sets the default system prompt. File wins over the inline
// value and is reloaded on change when Watch is set.
type PromptsConfig struct {
	System     string `yaml:"system"`
	SystemFile string `yaml:"system_file"`
	Watch      bool   `yaml:"watch"`
}

type ToolsConfig struct {
	// Concurrency is the executor chunk size.
	Concurrency int `yaml:"concurrency"`

	// Timeout bounds each tool call.
	Timeout time.Duration `yaml:"timeout"`

	// ConfirmationTimeout denies a pending confirmation after this long.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	MCP mcp.Config `yaml:"mcp"`
}

// SchedulerConfig configures the background task runner.
type SchedulerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	Backoff   BackoffConfig `yaml:"backoff"`
}

// BackoffConfig spaces retries of failed tasks.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// Policy converts the config into a backoff policy.
func (c BackoffConfig) Policy() backoff.Policy {
	return backoff.Policy{
		InitialMs: float64(c.Initial.Milliseconds()),
		MaxMs:     float64(c.Max.Milliseconds()),
		Factor:    c.Factor,
		Jitter:    c.Jitter,
	}
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// AppConfig returns the part of the configuration that submissions read
// from the store.
func (c *Config) AppConfig() *models.AppConfig {
	accounts := make([]models.Account, len(c.LLM.Accounts))
	copy(accounts, c.LLM.Accounts)
	app := &models.AppConfig{Accounts: accounts}
	// a prompt file is served by PromptFile, which falls back to the inline prompt
	if c.Prompts.SystemFile == "" {
		app.SystemPrompt = c.Prompts.System
	}
	return app
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "chatsubmit.db"
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "chatsubmit"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.LLM.MaxIterations == 0 {
		cfg.LLM.MaxIterations = 25
	}
	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = 3
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 60 * time.Second
	}
	if cfg.Tools.ConfirmationTimeout == 0 {
		cfg.Tools.ConfirmationTimeout = 5 * time.Minute
	}
	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = "@every 10s"
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 5
	}
	if cfg.Scheduler.Timeout == 0 {
		cfg.Scheduler.Timeout = 10 * time.Minute
	}
	b := &cfg.Scheduler.Backoff
	if b.Initial == 0 {
		b.Initial = 30 * time.Second
	}
	if b.Max == 0 {
		b.Max = 15 * time.Minute
	}
	if b.Factor == 0 {
		b.Factor = 2
	}
	if b.Jitter == 0 {
		b.Jitter = 0.1
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	seen := make(map[string]bool, len(c.LLM.Accounts))
	for i, account := range c.LLM.Accounts {
		if strings.TrimSpace(account.ID) == "" {
			return fmt.Errorf("llm.accounts[%d].id is required", i)
		}
		if seen[account.ID] {
			return fmt.Errorf("llm.accounts[%d]: duplicate id %q", i, account.ID)
		}
		seen[account.ID] = true
		switch account.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("llm.accounts[%d].provider must be openai or anthropic, got %q", i, account.Provider)
		}
		if len(account.Models) == 0 {
			return fmt.Errorf("llm.accounts[%d] (%s) has no models", i, account.ID)
		}
		if account.RequestsPerMinute < 0 {
			return fmt.Errorf("llm.accounts[%d].requests_per_minute must not be negative", i)
		}
	}

	if c.Tools.Concurrency < 1 {
		return fmt.Errorf("tools.concurrency must be at least 1")
	}
	if c.Tools.MCP.Enabled {
		for _, server := range c.Tools.MCP.Servers {
			if server == nil {
				continue
			}
			if err := server.Validate(); err != nil {
				return fmt.Errorf("tools.mcp: %w", err)
			}
		}
	}

	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be at least 1")
	}
	if err := tasks.ValidateSchedule(c.Scheduler.Schedule); err != nil {
		return fmt.Errorf("scheduler.schedule: %w", err)
	}
	if err := c.Scheduler.Backoff.Policy().Validate(); err != nil {
		return fmt.Errorf("scheduler.backoff: %w", err)
	}
	return nil
}
