package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/chatsubmit/internal/approval"
	"github.com/haasonsaas/chatsubmit/internal/events"
	"github.com/haasonsaas/chatsubmit/internal/gateway"
	"github.com/haasonsaas/chatsubmit/internal/storage"
	"github.com/haasonsaas/chatsubmit/internal/submit"
	"github.com/haasonsaas/chatsubmit/internal/tasks"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// =============================================================================
// Serve Handler
// =============================================================================

// runServe starts the gateway and scheduler and blocks until a shutdown
// signal arrives or either of them fails.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	a, err := newApp(ctx, cfg, appOptions{WatchPrompts: true})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			a.logger.Warn("shutdown error", "error", err)
		}
	}()

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = a.reg
	}
	server, err := gateway.NewServer(gateway.Config{
		Broadcaster:     a.broadcaster,
		Submitter:       a.coordinator,
		Gate:            a.gate,
		Gatherer:        gatherer,
		MetricsPath:     cfg.Metrics.Path,
		Health:          a.store.Ping,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}

	a.logger.Info("starting chatsubmit",
		"version", version,
		"commit", commit,
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Driver,
		"scheduler", cfg.Scheduler.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return a.scheduler.Stop(stopCtx)
		})
	}
	g.Go(func() error {
		return server.Run(gctx, cfg.Server.Addr())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("chatsubmit stopped")
	return nil
}

// =============================================================================
// Submit Handler
// =============================================================================

func runSubmit(cmd *cobra.Command, configPath string, opts submitOptions, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printer := newStreamPrinter(out)

	appOpts := appOptions{LogOutput: cmd.ErrOrStderr()}
	if !opts.quiet {
		appOpts.ExtraSink = events.NewCallbackSink(printer.handle)
	}
	a, err := newApp(ctx, cfg, appOpts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background()) //nolint:errcheck

	chat, err := ensureChat(ctx, a.store, opts.chatID, opts.chatUUID)
	if err != nil {
		return err
	}

	in := submit.Input{
		ChatID:     chat.ID,
		ChatUUID:   chat.UUID,
		UserText:   strings.Join(args, " "),
		Stream:     true,
		Unattended: opts.unattended,
	}
	if opts.model != "" {
		ref, err := parseModelRef(ctx, a.store, opts.model)
		if err != nil {
			return err
		}
		in.ModelRef = &ref
	}
	if !opts.unattended {
		in.Approver = terminalApprover(cmd.InOrStdin(), out, opts.autoApprove)
	}

	res, err := a.coordinator.Submit(ctx, in)
	printer.finish()
	if err != nil {
		return err
	}

	if opts.quiet && res.Message != nil {
		fmt.Fprintln(out, res.Message.Content)
		return nil
	}
	fmt.Fprintf(out, "\nchat %s, message %d, %d iteration(s), %d tokens\n",
		res.ChatUUID, res.ResultMessageRef, res.Iterations, res.Usage.TotalTokens)
	return nil
}

// ensureChat finds the chat by id or uuid, creating a uuid chat on demand.
func ensureChat(ctx context.Context, store storage.Store, chatID int64, chatUUID string) (*models.Chat, error) {
	if chatID != 0 {
		return store.GetChat(ctx, chatID)
	}
	if chatUUID != "" {
		chat, err := store.GetChatByUUID(ctx, chatUUID)
		if err == nil {
			return chat, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	} else {
		chatUUID = uuid.NewString()
	}
	chat := &models.Chat{UUID: chatUUID}
	if err := store.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// parseModelRef accepts "account/model" or a bare model id looked up in the
// stored configuration.
func parseModelRef(ctx context.Context, store storage.Store, raw string) (models.ModelRef, error) {
	if account, model, ok := strings.Cut(raw, "/"); ok {
		if account == "" || model == "" {
			return models.ModelRef{}, fmt.Errorf("invalid model %q, want account/model", raw)
		}
		return models.ModelRef{AccountID: account, ModelID: model}, nil
	}
	appCfg, err := store.GetConfig(ctx)
	if err != nil {
		return models.ModelRef{}, fmt.Errorf("failed to read config: %w", err)
	}
	ref, ok := appCfg.FindModel(raw)
	if !ok {
		return models.ModelRef{}, fmt.Errorf("model %q is not offered by any account", raw)
	}
	return ref, nil
}

// terminalApprover asks on in/out for each confirmation, or approves
// everything when auto is set.
func terminalApprover(in io.Reader, out io.Writer, auto bool) func(context.Context, approval.Request) (approval.Decision, error) {
	reader := bufio.NewReader(in)
	var mu sync.Mutex
	return func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		if auto {
			return approval.Decision{Approved: true, Reason: "auto-approved"}, nil
		}
		mu.Lock()
		defer mu.Unlock()

		args, _ := json.Marshal(req.Args) //nolint:errcheck
		fmt.Fprintf(out, "\nRun tool %s %s? [y/N] ", req.Name, args)
		answers := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n') //nolint:errcheck
			answers <- strings.ToLower(strings.TrimSpace(line))
		}()
		select {
		case <-ctx.Done():
			return approval.Decision{}, ctx.Err()
		case answer := <-answers:
			if answer == "y" || answer == "yes" {
				return approval.Decision{Approved: true}, nil
			}
			return approval.Decision{Approved: false, Reason: "denied from terminal"}, nil
		}
	}
}

// streamPrinter writes streamed deltas and tool activity as they arrive.
type streamPrinter struct {
	mu        sync.Mutex
	out       io.Writer
	reasoning bool
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

func (p *streamPrinter) handle(_ context.Context, e models.EventEnvelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Type {
	case models.EventStreamChunk:
		chunk, ok := e.Payload.(models.StreamChunkPayload)
		if !ok {
			return
		}
		if chunk.ReasoningDelta != "" {
			if !p.reasoning {
				fmt.Fprint(p.out, "[thinking] ")
				p.reasoning = true
			}
			fmt.Fprint(p.out, chunk.ReasoningDelta)
		}
		if chunk.ContentDelta != "" {
			if p.reasoning {
				fmt.Fprintln(p.out)
				p.reasoning = false
			}
			fmt.Fprint(p.out, chunk.ContentDelta)
		}
	case models.EventToolExecStarted:
		if exec, ok := e.Payload.(models.ToolExecPayload); ok {
			fmt.Fprintf(p.out, "\n[tool %s]\n", exec.Name)
		}
	case models.EventToolExecFailed:
		if exec, ok := e.Payload.(models.ToolExecPayload); ok {
			fmt.Fprintf(p.out, "[tool %s failed: %s]\n", exec.Name, exec.Error)
		}
	}
}

func (p *streamPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reasoning {
		fmt.Fprintln(p.out)
		p.reasoning = false
	}
}

// =============================================================================
// Tasks Handlers
// =============================================================================

func runTasksAdd(cmd *cobra.Command, configPath string, opts taskAddOptions, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	runAt := now
	switch {
	case opts.at != "" && opts.in != 0:
		return errors.New("--at and --in are mutually exclusive")
	case opts.at != "":
		runAt, err = time.Parse(time.RFC3339, opts.at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	case opts.in > 0:
		runAt = now.Add(opts.in)
	}

	task := &tasks.ScheduledTask{
		ID:          uuid.NewString(),
		ChatUUID:    opts.chatUUID,
		Goal:        opts.goal,
		RunAt:       runAt,
		Status:      tasks.StatusPending,
		Payload:     tasks.Payload{Prompt: strings.Join(args, " ")},
		MaxAttempts: opts.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.model != "" {
		account, model, ok := strings.Cut(opts.model, "/")
		if !ok || account == "" || model == "" {
			return fmt.Errorf("invalid --model %q, want account/model", opts.model)
		}
		task.Payload.ModelRef = &models.ModelRef{AccountID: account, ModelID: model}
	}
	if err := task.Validate(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{LogOutput: cmd.ErrOrStderr(), SkipRemoteTools: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background()) //nolint:errcheck

	if _, err := a.store.GetChatByUUID(ctx, task.ChatUUID); err != nil {
		return fmt.Errorf("chat %s: %w", task.ChatUUID, err)
	}
	if err := a.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scheduled task %s at %s\n", task.ID, task.RunAt.Format(time.RFC3339))
	return nil
}

func runTasksList(cmd *cobra.Command, configPath, status, chatUUID string, limit int) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	opts := tasks.ListOptions{ChatUUID: chatUUID, Limit: limit}
	if status != "" {
		st := tasks.Status(status)
		switch st {
		case tasks.StatusPending, tasks.StatusRunning, tasks.StatusCompleted, tasks.StatusFailed:
		default:
			return fmt.Errorf("unknown status %q", status)
		}
		opts.Status = &st
	}

	a, err := newApp(ctx, cfg, appOptions{LogOutput: cmd.ErrOrStderr(), SkipRemoteTools: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background()) //nolint:errcheck

	list, err := a.store.ListTasks(ctx, opts)
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), list)
	return nil
}

func printTasks(out io.Writer, list []*tasks.ScheduledTask) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no tasks")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHAT\tSTATUS\tATTEMPTS\tRUN AT\tGOAL")
	for _, t := range list {
		attempts := fmt.Sprintf("%d/%d", t.AttemptCount, t.MaxAttempts)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.ChatUUID, t.Status, attempts, t.RunAt.Format(time.RFC3339), truncate(t.Prompt(), 40))
	}
	_ = w.Flush() //nolint:errcheck
}

func runTasksTick(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer a.Close(context.Background()) //nolint:errcheck

	if !a.scheduler.Tick(ctx) {
		slog.Warn("tick skipped")
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
