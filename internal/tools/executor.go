package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatsubmit/internal/approval"
	"github.com/haasonsaas/chatsubmit/internal/observability"
	"github.com/haasonsaas/chatsubmit/internal/tools/security"
)

// Tools that need a person's review before they run.
const (
	ToolPlanCreate     = "plan_create"
	ToolExecuteCommand = "execute_command"
)

// Defaults for ExecutorConfig.
const (
	DefaultConcurrency = 3
	DefaultTimeout     = 60 * time.Second
)

// Status is the outcome of one call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusAborted Status = "aborted"
)

// Phase is a progress notification kind.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Call is one tool call flushed from the model stream.
type Call struct {
	ID    string
	Index int
	Name  string
	// Args is the raw JSON argument string as streamed.
	Args string
}

// Result is the single outcome of a Call.
type Result struct {
	ID      string
	Index   int
	Name    string
	Content any
	CostMs  int64
	Status  Status
	Err     error
}

// Progress is an observation of a call's lifecycle. It never changes the
// outcome.
type Progress struct {
	ID     string
	Name   string
	Phase  Phase
	Result *Result
}

// ProgressFunc receives progress notifications. It may be called from
// several goroutines at once.
type ProgressFunc func(Progress)

// ConfirmFunc asks for approval of a call and blocks until it is answered.
type ConfirmFunc func(ctx context.Context, req approval.Request) (approval.Decision, error)

// RemoteCaller dispatches a tool that is not registered locally.
type RemoteCaller interface {
	CallTool(ctx context.Context, callID, name string, args map[string]any) (any, error)
}

// ExecutorConfig configures an Executor. One executor serves one submission.
type ExecutorConfig struct {
	// Concurrency is the chunk size; calls in a chunk run in parallel and
	// chunks run one after another. Default: 3.
	Concurrency int

	// Timeout bounds each call. Default: 60s.
	Timeout time.Duration

	// ChatUUID is injected into call arguments as chat_uuid.
	ChatUUID string

	// Confirm enables review of plan_create and execute_command.
	Confirm ConfirmFunc

	OnProgress ProgressFunc

	// Assess classifies commands. Default: security.Assess.
	Assess func(command string) security.Assessment

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Executor runs batches of tool calls.
type Executor struct {
	registry *Registry
	remote   RemoteCaller
	config   ExecutorConfig
}

// NewExecutor creates an executor. remote may be nil, in which case only
// registered tools can run.
func NewExecutor(registry *Registry, remote RemoteCaller, config ExecutorConfig) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Assess == nil {
		config.Assess = security.Assess
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "tool-executor")
	}
	return &Executor{registry: registry, remote: remote, config: config}
}

// Execute runs calls and returns one result per call in input order.
// Chunks of Concurrency calls run strictly one after another. Once ctx is
// done, remaining and in-flight calls resolve to aborted results.
func (e *Executor) Execute(ctx context.Context, calls []Call) []Result {
	if len(calls) == 0 {
		return []Result{}
	}
	normalized := make([]Call, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		normalized[i] = call
	}

	results := make([]Result, 0, len(normalized))
	size := e.config.Concurrency
	for start := 0; start < len(normalized); start += size {
		chunk := normalized[start:min(start+size, len(normalized))]
		if err := ctx.Err(); err != nil {
			for _, call := range chunk {
				results = append(results, abortedResult(call, err, 0))
			}
			continue
		}

		chunkResults := make([]Result, len(chunk))
		var wg sync.WaitGroup
		for i, call := range chunk {
			wg.Add(1)
			go func(i int, call Call) {
				defer wg.Done()
				chunkResults[i] = e.executeOne(ctx, call)
			}(i, call)
		}
		wg.Wait()
		results = append(results, chunkResults...)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call Call) (res Result) {
	start := time.Now()
	ctx, span := e.config.Tracer.TraceToolExecution(ctx, call.Name, call.ID)
	defer func() {
		if res.Err != nil {
			observability.RecordError(span, res.Err)
		}
		span.End()
		e.config.Metrics.RecordToolExecution(call.Name, string(res.Status), time.Since(start))
	}()

	review := e.config.Confirm != nil && (call.Name == ToolPlanCreate || call.Name == ToolExecuteCommand)
	if !review {
		e.report(Progress{ID: call.ID, Name: call.Name, Phase: PhaseStarted})
	}

	if err := ctx.Err(); err != nil {
		return e.finish(abortedResult(call, err, 0), PhaseFailed)
	}

	args, err := parseArgs(call.Args)
	if err == nil && e.registry.IsRegistered(call.Name) {
		err = e.registry.Validate(call.Name, args)
	}
	if err != nil {
		return e.failure(ctx, call, start, err)
	}
	args = e.withRuntimeContext(args, call.Name)

	if review {
		var stop *Result
		args, stop = e.review(ctx, call, args)
		if stop != nil {
			phase := PhaseCompleted
			if stop.Err != nil {
				phase = PhaseFailed
			}
			return e.finish(*stop, phase)
		}
		e.report(Progress{ID: call.ID, Name: call.Name, Phase: PhaseStarted})
	}

	content, err := e.dispatch(ctx, call, args)
	if err != nil {
		return e.failure(ctx, call, start, err)
	}
	return e.finish(Result{
		ID:      call.ID,
		Index:   call.Index,
		Name:    call.Name,
		Content: content,
		CostMs:  time.Since(start).Milliseconds(),
		Status:  StatusSuccess,
	}, PhaseCompleted)
}

// review runs the confirmation round-trip for plan and command tools. A
// non-nil result ends the call without running the tool.
func (e *Executor) review(ctx context.Context, call Call, args map[string]any) (map[string]any, *Result) {
	if call.Name == ToolPlanCreate {
		decision, stop := e.confirm(ctx, call, args, &approval.UIHints{Title: "Review plan"})
		if stop != nil {
			return nil, stop
		}
		if decision.Args != nil {
			if args, stop = e.amend(call, decision.Args); stop != nil {
				return nil, stop
			}
		}
		return args, nil
	}

	command, _ := args["command"].(string)
	assessment := e.config.Assess(command)
	if assessment.RequiresConfirmation() {
		level := approval.RiskRisky
		if assessment.Level == security.LevelDangerous {
			level = approval.RiskDangerous
		}
		decision, stop := e.confirm(ctx, call, args, &approval.UIHints{
			Title:     "Run command",
			RiskLevel: level,
			Reason:    assessment.Reason,
			Command:   command,
		})
		if stop != nil {
			return nil, stop
		}
		if decision.Args != nil {
			if args, stop = e.amend(call, decision.Args); stop != nil {
				return nil, stop
			}
		}
	}
	args = cloneArgs(args)
	args["confirmed"] = true
	return args, nil
}

// amend validates arguments replaced by the approver like the model's own.
func (e *Executor) amend(call Call, amended map[string]any) (map[string]any, *Result) {
	if e.registry.IsRegistered(call.Name) {
		if err := e.registry.Validate(call.Name, amended); err != nil {
			res := Result{
				ID:     call.ID,
				Index:  call.Index,
				Name:   call.Name,
				Status: StatusError,
				Err: &ExecutionError{
					Tool:       call.Name,
					ToolCallID: call.ID,
					Cause:      fmt.Errorf("amended arguments: %w", err),
				},
			}
			return nil, &res
		}
	}
	return e.withRuntimeContext(amended, call.Name), nil
}

func (e *Executor) confirm(ctx context.Context, call Call, args map[string]any, ui *approval.UIHints) (approval.Decision, *Result) {
	decision, err := e.config.Confirm(ctx, approval.Request{
		ToolCallID: call.ID,
		Name:       call.Name,
		Args:       args,
		UI:         ui,
	})
	if err != nil {
		res := abortedResult(call, err, 0)
		return approval.Decision{}, &res
	}
	if !decision.Approved {
		outcome := "denied"
		if decision.Reason == approval.ReasonTimeout {
			outcome = "timeout"
		}
		e.config.Metrics.RecordConfirmation(call.Name, outcome)
		reason := decision.Reason
		if reason == "" {
			reason = "user abort"
		}
		return decision, &Result{
			ID:      call.ID,
			Index:   call.Index,
			Name:    call.Name,
			Content: map[string]any{"success": false, "reason": reason},
			Status:  StatusAborted,
		}
	}
	e.config.Metrics.RecordConfirmation(call.Name, "approved")
	return decision, nil
}

// dispatch runs the handler under the per-call timeout. A handler that
// ignores its context is left running; its result is discarded.
func (e *Executor) dispatch(ctx context.Context, call Call, args map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type outcome struct {
		content any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.config.Logger.Error("tool panicked",
					"tool", call.Name,
					"tool_call_id", call.ID,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		content, err := e.invoke(callCtx, call, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrToolTimeout, e.config.Timeout)
		}
		return out.content, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrToolTimeout, e.config.Timeout)
	}
}

func (e *Executor) invoke(ctx context.Context, call Call, args map[string]any) (any, error) {
	if handler, ok := e.registry.Handler(call.Name); ok {
		return handler(ctx, args)
	}
	if e.remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	return e.remote.CallTool(ctx, call.ID, call.Name, args)
}

func (e *Executor) failure(ctx context.Context, call Call, start time.Time, err error) Result {
	cost := time.Since(start).Milliseconds()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return e.finish(abortedResult(call, ctxErr, cost), PhaseFailed)
	}
	status := StatusError
	if errors.Is(err, ErrToolTimeout) {
		status = StatusTimeout
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		execErr = &ExecutionError{Tool: call.Name, ToolCallID: call.ID, CostMs: cost, Cause: err}
	}
	e.config.Logger.Warn("tool call failed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"status", status,
		"error", err)
	return e.finish(Result{
		ID:     call.ID,
		Index:  call.Index,
		Name:   call.Name,
		CostMs: cost,
		Status: status,
		Err:    execErr,
	}, PhaseFailed)
}

func (e *Executor) finish(res Result, phase Phase) Result {
	e.report(Progress{ID: res.ID, Name: res.Name, Phase: phase, Result: &res})
	return res
}

func (e *Executor) report(p Progress) {
	if e.config.OnProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.config.Logger.Error("progress callback panicked",
				"tool", p.Name,
				"phase", p.Phase,
				"panic", fmt.Sprint(r))
		}
	}()
	e.config.OnProgress(p)
}

// withRuntimeContext injects the chat uuid. schedule_* and plan_* tools
// always get the executor's chat; other tools only when they carry none.
func (e *Executor) withRuntimeContext(args map[string]any, name string) map[string]any {
	if e.config.ChatUUID == "" {
		return args
	}
	if strings.HasPrefix(name, "schedule_") || strings.HasPrefix(name, "plan_") {
		args = cloneArgs(args)
		args["chat_uuid"] = e.config.ChatUUID
		return args
	}
	if existing, ok := args["chat_uuid"].(string); ok && existing != "" {
		return args
	}
	args = cloneArgs(args)
	args["chat_uuid"] = e.config.ChatUUID
	return args
}

func abortedResult(call Call, cause error, cost int64) Result {
	return Result{
		ID:     call.ID,
		Index:  call.Index,
		Name:   call.Name,
		CostMs: cost,
		Status: StatusAborted,
		Err:    fmt.Errorf("%w: %w", ErrAborted, cause),
	}
}

func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	return out
}

// ModelContent renders the result as the content of the tool message sent
// back to the model.
func (r Result) ModelContent() string {
	if r.Err != nil {
		data, _ := json.Marshal(map[string]any{
			"error":  r.Err.Error(),
			"status": r.Status,
		})
		return string(data)
	}
	switch v := r.Content.(type) {
	case nil:
		return `{"functionCallCompleted":true}`
	case string:
		return v
	}
	data, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Sprint(r.Content)
	}
	if r.Status != StatusSuccess || len(data) == 0 || data[0] != '{' {
		return string(data)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return string(data)
	}
	obj["functionCallCompleted"] = true
	data, _ = json.Marshal(obj)
	return string(data)
}
