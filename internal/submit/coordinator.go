// Package submit runs one conversational turn end to end: request assembly,
// streaming, the tool loop and the terminal bookkeeping.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/chatsubmit/internal/approval"
	"github.com/haasonsaas/chatsubmit/internal/conversation"
	"github.com/haasonsaas/chatsubmit/internal/events"
	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/internal/observability"
	"github.com/haasonsaas/chatsubmit/internal/tools"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// DefaultMaxIterations bounds the model/tool round trips of one submission.
const DefaultMaxIterations = 25

// ChatStore reads chats and their history.
type ChatStore interface {
	GetChat(ctx context.Context, id int64) (*models.Chat, error)
	GetChatByUUID(ctx context.Context, uuid string) (*models.Chat, error)
	ListMessages(ctx context.Context, chatID int64) ([]*models.Message, error)
	UpdateChatModel(ctx context.Context, chatID int64, model string) error
}

// ConfigStore reads the application configuration.
type ConfigStore interface {
	GetConfig(ctx context.Context) (*models.AppConfig, error)
}

// ProviderResolver returns the model provider serving an account.
// *llm.Registry satisfies it.
type ProviderResolver interface {
	Resolve(account *models.Account) (llm.Provider, error)
}

// RemoteTools is a remote tool source such as *mcp.Manager.
type RemoteTools interface {
	tools.RemoteCaller
	Definitions() []llm.ToolDefinition
}

// PromptSource supplies the default system prompt, e.g. from a watched file.
type PromptSource interface {
	SystemPrompt() string
}

// Config wires a Coordinator.
type Config struct {
	Chats    ChatStore
	Messages conversation.MessageStore
	Configs  ConfigStore

	// Traces records every event. Optional.
	Traces events.TraceStore

	// Sink receives every event, usually the chat channel of a Broadcaster.
	Sink events.Sink

	Providers ProviderResolver
	Tools     *tools.Registry

	// Remote handles tools that are not registered locally. Optional.
	Remote RemoteTools

	// Gate collects human decisions for reviewed tools. Without a gate,
	// reviewed tools run unconfirmed.
	Gate *approval.Gate

	// Prompts is consulted when the stored configuration has no system prompt.
	Prompts PromptSource

	// Concurrency is the tool executor chunk size.
	// Default: 3
	Concurrency int

	// ToolTimeout bounds each tool call.
	// Default: 60s
	ToolTimeout time.Duration

	// MaxIterations bounds model/tool round trips.
	// Default: 25
	MaxIterations int

	// MaxTokens is passed to the provider when positive.
	MaxTokens int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Clock   func() time.Time
}

// Input describes one submission.
type Input struct {
	// SubmissionID identifies the submission; generated when empty.
	SubmissionID string

	ChatID   int64
	ChatUUID string

	// ModelRef overrides the chat's last used model.
	ModelRef *models.ModelRef

	// UserText, when not blank, is stored as a new user message first.
	UserText string

	// EarlyPersist stores the assistant message before and during streaming.
	EarlyPersist bool

	Stream bool

	// Unattended disables tool confirmation.
	Unattended bool

	// Approver answers confirmations instead of the Gate.
	Approver tools.ConfirmFunc
}

// Result is the outcome of a completed submission.
type Result struct {
	SubmissionID     string
	ChatID           int64
	ChatUUID         string
	ResultMessageRef int64
	Message          *models.Message
	Usage            models.Usage
	Iterations       int
}

type submission struct {
	cancel  context.CancelCauseFunc
	journal *events.Journal
}

// Coordinator runs submissions. It is safe for concurrent use; each
// submission id may be active only once.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*submission
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = tools.DefaultConcurrency
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = tools.DefaultTimeout
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.With("component", "submit"),
		active: make(map[string]*submission),
	}
}

// Submit runs one submission to a terminal state. Cancellation returns an
// *AbortError; a reused active id returns a *DuplicateSubmissionError.
func (c *Coordinator) Submit(ctx context.Context, in Input) (*Result, error) {
	if in.SubmissionID == "" {
		in.SubmissionID = uuid.NewString()
	}

	subCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	journal := events.NewJournal(events.JournalConfig{
		SubmissionID: in.SubmissionID,
		ChatID:       in.ChatID,
		ChatUUID:     in.ChatUUID,
		Store:        c.cfg.Traces,
		Sink:         c.cfg.Sink,
		Logger:       c.logger,
		Metrics:      c.cfg.Metrics,
		Clock:        c.cfg.Clock,
	})
	if !c.register(in.SubmissionID, &submission{cancel: cancel, journal: journal}) {
		c.cfg.Metrics.SubmissionRejected()
		return nil, &DuplicateSubmissionError{SubmissionID: in.SubmissionID}
	}
	defer c.release(in.SubmissionID)

	start := c.cfg.Clock()
	c.cfg.Metrics.SubmissionStarted()
	subCtx = observability.WithSubmission(subCtx, in.SubmissionID)
	subCtx, span := c.cfg.Tracer.TraceSubmission(subCtx, in.SubmissionID, in.ChatUUID)
	defer span.End()

	r := &run{
		c:       c,
		in:      in,
		journal: journal,
		logger:  c.logger.With("submission_id", in.SubmissionID),
	}
	result, err := r.execute(subCtx)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		if subCtx.Err() != nil || IsAbort(err) {
			outcome = "aborted"
			err = r.abortError(subCtx, err)
		}
		observability.RecordError(span, err)
	}
	span.SetAttributes(attribute.String("submission.outcome", outcome))
	c.cfg.Metrics.SubmissionFinished(outcome, c.cfg.Clock().Sub(start))

	r.finish(subCtx, outcome, err)
	if err != nil {
		return nil, err
	}
	result.ResultMessageRef = r.resultRef()
	result.Message = r.final
	return result, nil
}

// Cancel aborts an active submission. It reports whether one was found.
func (c *Coordinator) Cancel(submissionID, reason string) bool {
	c.mu.Lock()
	sub, ok := c.active[submissionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	sub.cancel(&AbortError{SubmissionID: submissionID, Reason: reason})
	return true
}

// Active reports whether submissionID is running.
func (c *Coordinator) Active(submissionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[submissionID]
	return ok
}

func (c *Coordinator) register(id string, sub *submission) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[id]; exists {
		return false
	}
	c.active[id] = sub
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// run is the state of one submission.
type run struct {
	c       *Coordinator
	in      Input
	journal *events.Journal
	logger  *slog.Logger

	chat     *models.Chat
	state    *conversation.StateManager
	usage    models.Usage
	hasUsage bool
	final    *models.Message
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	cfg := r.c.cfg

	chat, err := r.resolveChat(ctx)
	if err != nil {
		return nil, err
	}
	r.chat = chat
	r.journal.SetChat(chat.ID, chat.UUID)
	r.logger = r.logger.With("chat_uuid", chat.UUID)
	ctx = observability.WithChat(ctx, chat.UUID)

	appCfg, err := cfg.Configs.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ref, ok := appCfg.ResolveModel(r.in.ModelRef, chat.Model)
	if !ok {
		return nil, ErrNoModel
	}
	account, ok := appCfg.Account(ref.AccountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, ref.AccountID)
	}
	provider, err := cfg.Providers.Resolve(account)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}

	history, err := cfg.Chats.ListMessages(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if chat.Model != ref.ModelID {
		if err := cfg.Chats.UpdateChatModel(ctx, chat.ID, ref.ModelID); err != nil {
			r.logger.Warn("failed to record chat model", "model", ref.ModelID, "error", err)
		}
	}

	reorderer := conversation.NewReorderer(conversation.DefaultCarryOver)
	r.state = conversation.NewStateManager(conversation.StateConfig{
		ChatID:       chat.ID,
		ChatUUID:     chat.UUID,
		Model:        ref.ModelID,
		History:      history,
		Store:        cfg.Messages,
		Emitter:      r.journal,
		EarlyPersist: r.in.EarlyPersist,
		Reorderer:    reorderer,
		Logger:       r.logger,
		Clock:        cfg.Clock,
	})
	if err := r.addUserText(ctx); err != nil {
		return nil, err
	}

	executor := tools.NewExecutor(cfg.Tools, r.remote(), tools.ExecutorConfig{
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.ToolTimeout,
		ChatUUID:    chat.UUID,
		Confirm:     r.confirmFunc(),
		OnProgress:  r.onProgress(ctx),
		Logger:      r.logger,
		Metrics:     cfg.Metrics,
		Tracer:      cfg.Tracer,
	})
	toolDefs := cfg.Tools.Definitions()
	if cfg.Remote != nil {
		toolDefs = append(toolDefs, cfg.Remote.Definitions()...)
	}

	systemPrompt := appCfg.SystemPrompt
	if systemPrompt == "" && cfg.Prompts != nil {
		systemPrompt = cfg.Prompts.SystemPrompt()
	}

	r.state.EnsureAssistantPlaceholder(ctx)
	loop := &turnLoop{
		run:      r,
		provider: provider,
		executor: executor,
		model:    ref.ModelID,
		tools:    toolDefs,
		build: func() ([]*models.Message, error) {
			return conversation.NewRequestBuilder().
				WithMessages(r.state.RebuildRequestMessages()).
				WithSystemPrompt(systemPrompt, chat.SkillsPrompt).
				WithUserInstruction(chat.UserInstruction).
				WithCompression(chat.Compression).
				WithReorderer(reorderer).
				WithLogger(r.logger).
				Build()
		},
	}
	iterations, err := loop.drive(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{
		SubmissionID: r.in.SubmissionID,
		ChatID:       chat.ID,
		ChatUUID:     chat.UUID,
		Usage:        r.usage,
		Iterations:   iterations,
	}, nil
}

// resolveChat looks the chat up by id, then by uuid. When both were given
// and disagree, the stored chat wins.
func (r *run) resolveChat(ctx context.Context) (*models.Chat, error) {
	cfg := r.c.cfg
	if r.in.ChatID == 0 && r.in.ChatUUID == "" {
		return nil, fmt.Errorf("%w: no chat id or uuid", ErrChatNotFound)
	}

	var chat *models.Chat
	if r.in.ChatID != 0 {
		found, err := cfg.Chats.GetChat(ctx, r.in.ChatID)
		if err != nil {
			r.logger.Debug("chat lookup by id failed", "chat_id", r.in.ChatID, "error", err)
		} else {
			chat = found
		}
	}
	if chat == nil && r.in.ChatUUID != "" {
		found, err := cfg.Chats.GetChatByUUID(ctx, r.in.ChatUUID)
		if err != nil {
			r.logger.Debug("chat lookup by uuid failed", "chat_uuid", r.in.ChatUUID, "error", err)
		} else {
			chat = found
		}
	}
	if chat == nil {
		return nil, fmt.Errorf("%w: id=%d uuid=%q", ErrChatNotFound, r.in.ChatID, r.in.ChatUUID)
	}
	if r.in.ChatUUID != "" && chat.UUID != r.in.ChatUUID {
		r.logger.Warn("chat uuid mismatch, using stored chat",
			"requested_uuid", r.in.ChatUUID,
			"resolved_uuid", chat.UUID,
			"chat_id", chat.ID)
	}
	return chat, nil
}

func (r *run) addUserText(ctx context.Context) error {
	if r.in.UserText == "" {
		return nil
	}
	msg := &models.Message{
		ChatID:    r.chat.ID,
		ChatUUID:  r.chat.UUID,
		Role:      models.RoleUser,
		Content:   r.in.UserText,
		CreatedAt: r.c.cfg.Clock(),
	}
	if r.c.cfg.Messages != nil {
		id, err := r.c.cfg.Messages.SaveMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("save user message: %w", err)
		}
		msg.ID = id
	}
	r.state.AppendUserMessage(msg)
	return nil
}

func (r *run) remote() tools.RemoteCaller {
	if r.c.cfg.Remote == nil {
		return nil
	}
	return r.c.cfg.Remote
}

// confirmFunc announces each review with tool.exec.requires_confirmation
// and then waits on the approver or the gate.
func (r *run) confirmFunc() tools.ConfirmFunc {
	if r.in.Unattended {
		return nil
	}
	approver := r.in.Approver
	gate := r.c.cfg.Gate
	if approver == nil && gate == nil {
		return nil
	}
	return func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		notify := func(req approval.Request) {
			r.journal.Emit(ctx, models.EventToolExecRequiresConfirmation, req)
		}
		if approver != nil {
			notify(req)
			return approver(ctx, req)
		}
		return gate.Request(ctx, req, notify)
	}
}

func (r *run) onProgress(ctx context.Context) tools.ProgressFunc {
	return func(p tools.Progress) {
		payload := models.ToolExecPayload{ToolCallID: p.ID, Name: p.Name}
		switch p.Phase {
		case tools.PhaseStarted:
			r.journal.Emit(ctx, models.EventToolExecStarted, payload)
		case tools.PhaseCompleted:
			if p.Result != nil {
				payload.Result = p.Result.Content
				payload.CostMs = p.Result.CostMs
				payload.Status = string(p.Result.Status)
			}
			r.journal.Emit(ctx, models.EventToolExecCompleted, payload)
		case tools.PhaseFailed:
			payload.Error = "tool execution failed"
			if p.Result != nil {
				payload.CostMs = p.Result.CostMs
				payload.Status = string(p.Result.Status)
				if p.Result.Err != nil {
					payload.Error = p.Result.Err.Error()
				}
			}
			r.journal.Emit(ctx, models.EventToolExecFailed, payload)
		}
	}
}

func (r *run) addUsage(u *models.Usage, provider, model string) {
	if u == nil {
		return
	}
	r.usage.Add(*u)
	r.hasUsage = true
	r.c.cfg.Metrics.RecordTokens(provider, model, u.PromptTokens, u.CompletionTokens)
}

func (r *run) abortError(ctx context.Context, err error) error {
	var abort *AbortError
	if errors.As(context.Cause(ctx), &abort) {
		return &AbortError{SubmissionID: r.in.SubmissionID, Reason: abort.Reason, Cause: err}
	}
	if errors.As(err, &abort) {
		return abort
	}
	return &AbortError{SubmissionID: r.in.SubmissionID, Reason: "cancelled", Cause: err}
}

// finish persists the final assistant message and announces the terminal
// state. It never fails: storage errors are logged.
func (r *run) finish(ctx context.Context, outcome string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	if r.state != nil {
		final, err := r.state.FinalizeAssistant(ctx)
		if err != nil {
			r.logger.Warn("failed to finalize assistant message", "error", err)
		}
		r.final = final
	}

	completed := models.StreamCompletedPayload{OK: outcome == "completed"}
	if r.hasUsage {
		usage := r.usage
		completed.Usage = &usage
	}
	r.journal.Emit(ctx, models.EventStreamCompleted, completed)

	switch outcome {
	case "completed":
		r.journal.Emit(ctx, models.EventSubmissionCompleted, models.SubmissionCompletedPayload{ResultMessageRef: r.resultRef()})
		r.logger.Info("submission completed", "message_id", r.resultRef(), "total_tokens", r.usage.TotalTokens)
	case "aborted":
		reason := "cancelled"
		var abort *AbortError
		if errors.As(runErr, &abort) && abort.Reason != "" {
			reason = abort.Reason
		}
		r.journal.Emit(ctx, models.EventSubmissionAborted, AbortedPayload{Reason: reason})
		r.logger.Info("submission aborted", "reason", reason)
	default:
		r.journal.Emit(ctx, models.EventSubmissionFailed, FailedPayload{Error: serializeError(runErr)})
		r.logger.Error("submission failed", "error", runErr)
	}
}

func (r *run) resultRef() int64 {
	if r.final == nil {
		return 0
	}
	return r.final.ID
}

func serializeError(err error) models.ErrorPayload {
	if err == nil {
		return models.ErrorPayload{Name: "Error", Message: "unknown error"}
	}
	payload := models.ErrorPayload{Name: fmt.Sprintf("%T", err), Message: err.Error()}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		payload.Code = coded.Code()
	}
	return payload
}
