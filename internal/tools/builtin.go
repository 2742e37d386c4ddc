package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Clock returns the current time. Tests replace it.
type Clock func() time.Time

// Builtins returns the tools that ship with the service: current_time and a
// dry-run execute_command that echoes what it would have run.
func Builtins(now Clock) []Tool {
	if now == nil {
		now = time.Now
	}
	return []Tool{
		{
			Name:        "current_time",
			Description: "Returns the current date and time, optionally in an IANA time zone.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {"type": "string", "description": "IANA zone such as Europe/Berlin"}
				}
			}`),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				loc := time.Local
				if tz, _ := args["timezone"].(string); tz != "" {
					l, err := time.LoadLocation(tz)
					if err != nil {
						return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
					}
					loc = l
				}
				t := now().In(loc)
				return map[string]any{
					"time":     t.Format(time.RFC3339),
					"timezone": loc.String(),
					"unix":     t.Unix(),
				}, nil
			},
		},
		{
			Name:        ToolExecuteCommand,
			Description: "Runs a shell command in the chat workspace. Risky commands require confirmation.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "minLength": 1},
					"cwd": {"type": "string"}
				},
				"required": ["command"]
			}`),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				command, _ := args["command"].(string)
				confirmed, _ := args["confirmed"].(bool)
				return map[string]any{
					"command":   command,
					"confirmed": confirmed,
					"dryRun":    true,
					"stdout":    "dry run: " + command,
					"exitCode":  0,
				}, nil
			},
		},
	}
}

// RegisterBuiltins adds Builtins to r.
func RegisterBuiltins(r *Registry, now Clock) error {
	for _, tool := range Builtins(now) {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
