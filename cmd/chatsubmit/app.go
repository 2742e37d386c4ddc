package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/chatsubmit/internal/approval"
	"github.com/haasonsaas/chatsubmit/internal/config"
	"github.com/haasonsaas/chatsubmit/internal/events"
	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/internal/llm/providers"
	"github.com/haasonsaas/chatsubmit/internal/mcp"
	"github.com/haasonsaas/chatsubmit/internal/observability"
	"github.com/haasonsaas/chatsubmit/internal/storage"
	"github.com/haasonsaas/chatsubmit/internal/submit"
	"github.com/haasonsaas/chatsubmit/internal/tasks"
	"github.com/haasonsaas/chatsubmit/internal/tools"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.Store
	metrics *observability.Metrics
	tracer  *observability.Tracer
	reg     *prometheus.Registry

	broadcaster *events.Broadcaster
	gate        *approval.Gate
	prompts     *config.PromptFile
	remote      *mcp.Manager
	coordinator *submit.Coordinator
	scheduler   *tasks.Scheduler

	closers []func(context.Context) error
}

// appOptions tweaks wiring per command.
type appOptions struct {
	// LogOutput defaults to stdout.
	LogOutput io.Writer

	// ExtraSink also receives chat events, e.g. to print a streamed reply.
	ExtraSink events.Sink

	// WatchPrompts enables the prompt file watcher when configured.
	WatchPrompts bool

	// SkipRemoteTools leaves MCP servers unconnected.
	SkipRemoteTools bool
}

// loadConfig reads path, or returns built-in defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp opens storage and builds every component from cfg. Callers must
// Close the returned app.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logOut := opts.LogOutput
	if logOut == nil {
		logOut = os.Stdout
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         logOut,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.reg)

	traceCfg := observability.TraceConfig{ServiceName: cfg.Tracing.ServiceName}
	if cfg.Tracing.Enabled {
		traceCfg = observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: firstNonEmpty(cfg.Tracing.ServiceVersion, version),
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Attributes:     cfg.Tracing.Attributes,
			EnableInsecure: cfg.Tracing.Insecure,
		}
	}
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	a.tracer = tracer
	a.closers = append(a.closers, shutdownTracer)

	dbCfg := storage.DefaultConfig(cfg.Database.Driver, cfg.Database.URL)
	if cfg.Database.MaxConnections > 0 {
		dbCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	if cfg.Database.ConnectTimeout > 0 {
		dbCfg.ConnectTimeout = cfg.Database.ConnectTimeout
	}
	if cfg.Database.ConnectAttempts > 0 {
		dbCfg.ConnectAttempts = cfg.Database.ConnectAttempts
	}
	dbCfg.Logger = logger.With("component", "storage")
	store, err := storage.Open(ctx, dbCfg)
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	if err := a.seedConfig(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}

	providerRegistry := llm.NewRegistry()
	if err := providers.Register(providerRegistry); err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	toolRegistry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolRegistry, tools.Clock(time.Now)); err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	var remote submit.RemoteTools
	if cfg.Tools.MCP.Enabled && !opts.SkipRemoteTools {
		mcpCfg := cfg.Tools.MCP
		a.remote = mcp.NewManager(&mcpCfg, logger.With("component", "mcp"))
		if err := a.remote.Start(ctx); err != nil {
			logger.Warn("mcp servers unavailable", "error", err)
		}
		remote = a.remote
	}

	a.gate = approval.NewGate(approval.Config{
		Timeout: cfg.Tools.ConfirmationTimeout,
		Logger:  logger.With("component", "approval"),
	})

	a.prompts = config.NewPromptFile(cfg.Prompts, logger.With("component", "prompts"))
	if opts.WatchPrompts && cfg.Prompts.Watch {
		if err := a.prompts.Watch(ctx); err != nil {
			logger.Warn("prompt watcher disabled", "error", err)
		}
	}
	a.closers = append(a.closers, func(context.Context) error { return a.prompts.Close() })

	a.broadcaster = events.NewBroadcaster()
	var sink events.Sink = a.broadcaster.Sink(events.ChannelChat)
	if opts.ExtraSink != nil {
		sink = events.NewMultiSink(sink, opts.ExtraSink)
	}

	a.coordinator = submit.NewCoordinator(submit.Config{
		Chats:         store,
		Messages:      store,
		Configs:       store,
		Traces:        store,
		Sink:          sink,
		Providers:     providerRegistry,
		Tools:         toolRegistry,
		Remote:        remote,
		Gate:          a.gate,
		Prompts:       a.prompts,
		Concurrency:   cfg.Tools.Concurrency,
		ToolTimeout:   cfg.Tools.Timeout,
		MaxIterations: cfg.LLM.MaxIterations,
		MaxTokens:     cfg.LLM.MaxTokens,
		Logger:        logger.With("component", "submit"),
		Metrics:       a.metrics,
		Tracer:        a.tracer,
	})

	a.scheduler, err = tasks.NewScheduler(tasks.SchedulerConfig{
		Store:       store,
		Chats:       store,
		Configs:     store,
		Messages:    store,
		Submitter:   a.coordinator,
		Emitter:     events.NewSchedulerJournal(a.broadcaster.Sink(events.ChannelSchedule)),
		Schedule:    cfg.Scheduler.Schedule,
		BatchSize:   cfg.Scheduler.BatchSize,
		RetryPolicy: cfg.Scheduler.Backoff.Policy(),
		Timeout:     cfg.Scheduler.Timeout,
		Logger:      logger.With("component", "scheduler"),
		Metrics:     a.metrics,
		Tracer:      a.tracer,
	})
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return a, nil
}

// seedConfig stores the configured accounts. Without configured accounts
// the stored configuration is left as it is.
func (a *app) seedConfig(ctx context.Context) error {
	appCfg := a.cfg.AppConfig()
	if len(appCfg.Accounts) == 0 && appCfg.SystemPrompt == "" {
		return nil
	}
	if err := a.store.SaveConfig(ctx, appCfg); err != nil {
		return fmt.Errorf("failed to save app config: %w", err)
	}
	a.logger.Debug("stored app config", "accounts", len(appCfg.Accounts))
	return nil
}

// Close releases components in reverse creation order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
