package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatsubmit/internal/tasks"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway and the
// task scheduler.
func buildServeCmd(configPath func() string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and the task scheduler",
		Long: `Start the websocket gateway and, when enabled, the task scheduler.

The server will:
1. Load configuration from the specified file (or chatsubmit.yaml)
2. Open the database and apply the schema
3. Connect configured MCP servers
4. Serve /ws, /healthz and the metrics endpoint
5. Poll for due scheduled tasks

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  chatsubmit serve

  # Start with a custom config and debug logging
  chatsubmit serve --config /etc/chatsubmit/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Submit Command
// =============================================================================

type submitOptions struct {
	chatUUID    string
	chatID      int64
	model       string
	autoApprove bool
	unattended  bool
	quiet       bool
}

// buildSubmitCmd creates the "submit" command that runs one turn from the
// terminal and streams the reply to stdout.
func buildSubmitCmd(configPath func() string) *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit [text]",
		Short: "Send a message to a chat and stream the reply",
		Long: `Send a message to a chat and stream the reply.

The chat is created when --chat names a uuid that does not exist yet.
Without --chat a new chat is started. Tools that need confirmation are
denied unless --auto-approve or --unattended is given.`,
		Example: `  chatsubmit submit "what time is it?"
  chatsubmit submit --chat 2f1c... --model main/gpt-4o "continue"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, configPath(), opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.chatUUID, "chat", "", "Chat uuid (created when missing)")
	cmd.Flags().Int64Var(&opts.chatID, "chat-id", 0, "Numeric chat id")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model as account/model or a bare model id")
	cmd.Flags().BoolVar(&opts.autoApprove, "auto-approve", false, "Approve every tool confirmation")
	cmd.Flags().BoolVar(&opts.unattended, "unattended", false, "Skip tool confirmation entirely")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Print only the final message")
	return cmd
}

// =============================================================================
// Tasks Commands
// =============================================================================

// buildTasksCmd creates the "tasks" command group.
func buildTasksCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(
		buildTasksAddCmd(configPath),
		buildTasksListCmd(configPath),
		buildTasksRunCmd(configPath),
	)
	return cmd
}

type taskAddOptions struct {
	chatUUID    string
	goal        string
	at          string
	in          time.Duration
	model       string
	maxAttempts int
}

func buildTasksAddCmd(configPath func() string) *cobra.Command {
	var opts taskAddOptions
	cmd := &cobra.Command{
		Use:   "add [prompt]",
		Short: "Schedule a prompt to run on a chat",
		Example: `  chatsubmit tasks add --chat 2f1c... --goal "weekly report" --at 2026-11-01T09:00:00Z
  chatsubmit tasks add --chat 2f1c... --in 30m "check the deploy"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksAdd(cmd, configPath(), opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.chatUUID, "chat", "", "Chat uuid the task runs on")
	cmd.Flags().StringVar(&opts.goal, "goal", "", "Short description, used as the prompt when none is given")
	cmd.Flags().StringVar(&opts.at, "at", "", "Run time (RFC 3339)")
	cmd.Flags().DurationVar(&opts.in, "in", 0, "Run after this delay")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model as account/model")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", tasks.DefaultMaxAttempts, "Attempts before the task fails")
	_ = cmd.MarkFlagRequired("chat") //nolint:errcheck
	return cmd
}

func buildTasksListCmd(configPath func() string) *cobra.Command {
	var (
		status   string
		chatUUID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, configPath(), status, chatUUID, limit)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed)")
	cmd.Flags().StringVar(&chatUUID, "chat", "", "Filter by chat uuid")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum tasks to show")
	return cmd
}

func buildTasksRunCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one scheduler tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksTick(cmd, configPath())
		},
	}
}
