// Package main provides the CLI entry point for chatsubmit.
//
// chatsubmit runs chat submissions against configured model accounts,
// executes the tools the model asks for and records every step as an
// event. Scheduled tasks replay a prompt on a chat unattended.
//
// # Basic Usage
//
// Start the gateway and the task scheduler:
//
//	chatsubmit serve --config chatsubmit.yaml
//
// Run one turn from the terminal:
//
//	chatsubmit submit --chat 2f1c... "summarise the last build"
//
// Schedule a task:
//
//	chatsubmit tasks add --chat 2f1c... --at 2026-11-01T09:00:00Z "weekly report"
//
// # Environment Variables
//
//   - CHATSUBMIT_CONFIG: Path to configuration file (default: chatsubmit.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "chatsubmit.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chatsubmit",
		Short: "Chat submissions with streaming, tools and scheduled tasks",
		Long: `chatsubmit turns a user message into a streamed model reply, runs the
tools the model calls (asking for confirmation where needed) and keeps the
conversation in SQLite or Postgres. Scheduled tasks run the same pipeline
unattended.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (or set CHATSUBMIT_CONFIG)")

	config := func() string { return resolveConfigPath(configPath) }
	rootCmd.AddCommand(
		buildServeCmd(config),
		buildSubmitCmd(config),
		buildTasksCmd(config),
	)
	return rootCmd
}

// resolveConfigPath picks the flag, then CHATSUBMIT_CONFIG, then
// chatsubmit.yaml when it exists. An empty result means built-in defaults.
func resolveConfigPath(flag string) string {
	if path := strings.TrimSpace(flag); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("CHATSUBMIT_CONFIG")); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}
