// Package approval implements the confirmation handshake between tool
// execution and an external approver.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a confirmation may stay pending before it is
// denied automatically.
const DefaultTimeout = 5 * time.Minute

// ReasonTimeout is the denial reason recorded for expired requests.
const ReasonTimeout = "timeout"

// ErrEmptyToolCallID is returned for requests without a tool call id.
var ErrEmptyToolCallID = errors.New("approval: tool call id is required")

// RiskLevel is the severity shown to the approver.
type RiskLevel string

const (
	RiskRisky     RiskLevel = "risky"
	RiskDangerous RiskLevel = "dangerous"
)

// UIHints are optional presentation details for the approver.
type UIHints struct {
	Title     string    `json:"title,omitempty"`
	RiskLevel RiskLevel `json:"riskLevel,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Command   string    `json:"command,omitempty"`
}

// Request asks the approver about one tool call.
type Request struct {
	ToolCallID string         `json:"toolCallId"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	UI         *UIHints       `json:"ui,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// Decision is the approver's answer. Args, when set, replace the call's
// arguments.
type Decision struct {
	Approved bool           `json:"approved"`
	Reason   string         `json:"reason,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// Notifier announces a new pending request, e.g. as a
// tool.exec.requires_confirmation event.
type Notifier func(req Request)

// Config configures a Gate.
type Config struct {
	// Timeout before a pending request is denied. Defaults to DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

type pending struct {
	req      Request
	done     chan struct{}
	decision Decision
	timer    *time.Timer
	waiters  int
}

// Gate tracks pending confirmations keyed by tool call id. Each request is
// resolved exactly once, by Resolve or by its timeout.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pending
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a gate.
func NewGate(cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "approval-gate")
	}
	return &Gate{
		pending: make(map[string]*pending),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Request registers req and blocks until it is resolved or ctx ends. A
// second request for a pending tool call id joins the first wait; notify
// runs only for the first.
//
// When ctx ends first, ctx.Err() is returned. The request stays pending
// while other waiters remain; the last waiter to leave withdraws it.
func (g *Gate) Request(ctx context.Context, req Request, notify Notifier) (Decision, error) {
	if req.ToolCallID == "" {
		return Decision{}, ErrEmptyToolCallID
	}

	g.mu.Lock()
	entry, exists := g.pending[req.ToolCallID]
	if !exists {
		now := time.Now()
		req.CreatedAt = now
		req.ExpiresAt = now.Add(g.timeout)
		entry = &pending{req: req, done: make(chan struct{})}
		id := req.ToolCallID
		entry.timer = time.AfterFunc(g.timeout, func() {
			if g.resolve(id, Decision{Approved: false, Reason: ReasonTimeout}) {
				g.logger.Warn("confirmation timed out", "tool_call_id", id, "tool", req.Name)
			}
		})
		g.pending[req.ToolCallID] = entry
	}
	entry.waiters++
	g.mu.Unlock()

	if !exists && notify != nil {
		notify(entry.req)
	}

	select {
	case <-entry.done:
		return entry.decision, nil
	case <-ctx.Done():
		g.leave(req.ToolCallID, entry)
		return Decision{}, ctx.Err()
	}
}

// leave drops one waiter and withdraws the request when none remain.
func (g *Gate) leave(toolCallID string, entry *pending) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[toolCallID] != entry {
		return
	}
	entry.waiters--
	if entry.waiters > 0 {
		return
	}
	delete(g.pending, toolCallID)
	entry.timer.Stop()
}

// Resolve answers a pending request. It reports false when the id is not
// pending, including after a timeout or an earlier Resolve.
func (g *Gate) Resolve(toolCallID string, decision Decision) bool {
	return g.resolve(toolCallID, decision)
}

func (g *Gate) resolve(toolCallID string, decision Decision) bool {
	g.mu.Lock()
	entry, ok := g.pending[toolCallID]
	if ok {
		delete(g.pending, toolCallID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.decision = decision
	close(entry.done)
	return true
}

// Pending lists unresolved requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
