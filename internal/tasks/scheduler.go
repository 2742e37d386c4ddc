package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/chatsubmit/internal/backoff"
	"github.com/haasonsaas/chatsubmit/internal/observability"
	"github.com/haasonsaas/chatsubmit/internal/submit"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

const (
	// DefaultSchedule is the poll descriptor.
	DefaultSchedule = "@every 10s"

	// DefaultBatchSize is how many due tasks one tick claims.
	DefaultBatchSize = 5
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// ErrNoModel is recorded when neither the task, the chat nor the config
// names a model.
var ErrNoModel = errors.New("no model reference resolved")

// Submitter runs a submission. *submit.Coordinator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, in submit.Input) (*submit.Result, error)
}

// ChatLookup resolves the chat a task runs on.
type ChatLookup interface {
	GetChatByUUID(ctx context.Context, uuid string) (*models.Chat, error)
}

// ConfigSource supplies the configured accounts for model resolution.
type ConfigSource interface {
	GetConfig(ctx context.Context) (*models.AppConfig, error)
}

// MessageSaver stores the synthetic user message of a run.
type MessageSaver interface {
	SaveMessage(ctx context.Context, msg *models.Message) (int64, error)
}

// Emitter announces task and message changes, usually a
// *events.SchedulerJournal.
type Emitter interface {
	Emit(ctx context.Context, typ models.EventType, payload any)
}

// ScheduleUpdatedPayload carries a task after a status change.
type ScheduleUpdatedPayload struct {
	Task *ScheduledTask `json:"task"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	Store     Store
	Chats     ChatLookup
	Configs   ConfigSource
	Messages  MessageSaver
	Submitter Submitter

	// Emitter is optional.
	Emitter Emitter

	// Schedule is a cron expression or descriptor for polling.
	// Default: "@every 10s"
	Schedule string

	// BatchSize bounds tasks claimed per tick.
	// Default: 5
	BatchSize int

	// RetryPolicy computes how far run_at moves after a retryable failure.
	RetryPolicy backoff.Policy

	// Timeout bounds one task run. Zero means no bound beyond the
	// scheduler's context.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Clock   func() time.Time
}

// Scheduler claims due tasks and runs them one at a time. Ticks never
// overlap: a tick that starts while another is in flight is skipped.
type Scheduler struct {
	config SchedulerConfig
	logger *slog.Logger

	ticking atomic.Bool
	cron    *cron.Cron
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler. The schedule is validated here.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.Store == nil {
		return nil, errors.New("tasks: store is required")
	}
	if config.Submitter == nil {
		return nil, errors.New("tasks: submitter is required")
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(config.Schedule); err != nil {
		return nil, fmt.Errorf("tasks: parse schedule %q: %w", config.Schedule, err)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.RetryPolicy.IsZero() {
		config.RetryPolicy = backoff.TaskRetryPolicy()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-scheduler")
	}
	return &Scheduler{config: config, logger: logger}, nil
}

// Start ticks once immediately and then on the schedule until ctx ends or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.config.Schedule, func() { s.Tick(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("tasks: schedule tick: %w", err)
	}
	s.cron = c
	s.cancel = cancel
	s.running = true

	s.logger.Info("starting task scheduler",
		"schedule", s.config.Schedule,
		"batch_size", s.config.BatchSize,
	)

	c.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
	return nil
}

// Stop halts polling and waits for the tick in flight.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping task scheduler")
	cancel()
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("task scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Start has been called without Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick claims up to BatchSize due tasks and runs them in order. It reports
// false without doing anything when another tick is in flight.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debug("previous tick still running, skipping")
		return false
	}
	defer s.ticking.Store(false)

	claimed, err := s.config.Store.ClaimDueTasks(ctx, s.config.Clock(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim due tasks", "error", err)
		return true
	}
	for _, task := range claimed {
		if ctx.Err() != nil {
			s.release(task)
			continue
		}
		s.runTask(ctx, task)
	}
	return true
}

// release returns a claimed task that was never started to pending.
func (s *Scheduler) release(task *ScheduledTask) {
	task.Status = StatusPending
	task.UpdatedAt = s.config.Clock()
	if err := s.config.Store.UpdateTask(context.Background(), task); err != nil {
		s.logger.Error("failed to release claimed task", "task_id", task.ID, "error", err)
	}
}

// runTask drives one claimed task to completed, pending or failed.
func (s *Scheduler) runTask(ctx context.Context, task *ScheduledTask) {
	task.AttemptCount++
	task.Status = StatusRunning
	task.LastError = ""
	task.UpdatedAt = s.config.Clock()

	ctx = observability.WithTask(ctx, task.ID)
	ctx, span := s.config.Tracer.TraceScheduledTask(ctx, task.ID, task.AttemptCount)
	defer span.End()

	logger := s.logger.With("task_id", task.ID, "chat_uuid", task.ChatUUID, "attempt", task.AttemptCount)
	if err := s.save(ctx, task); err != nil {
		logger.Error("failed to mark task running", "error", err)
		s.fail(ctx, logger, task, err)
		return
	}

	runCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	userMsg, result, err := s.execute(runCtx, task)
	if err != nil {
		observability.RecordError(span, err)
		s.fail(ctx, logger, task, err)
		return
	}

	task.Status = StatusCompleted
	task.ResultMessageID = result.ResultMessageRef
	task.UpdatedAt = s.config.Clock()
	if err := s.save(ctx, task); err != nil {
		observability.RecordError(span, err)
		s.fail(ctx, logger, task, fmt.Errorf("record completion: %w", err))
		return
	}

	s.emit(ctx, models.EventMessageCreated, models.MessageEventPayload{ChatUUID: userMsg.ChatUUID, Message: userMsg})
	if result.Message != nil {
		s.emit(ctx, models.EventMessageCreated, models.MessageEventPayload{ChatUUID: result.ChatUUID, Message: result.Message})
	}
	s.config.Metrics.RecordScheduledTask(string(StatusCompleted))
	logger.Info("scheduled task completed", "result_message_id", task.ResultMessageID)
}

// execute stores the synthetic user message and runs the submission.
func (s *Scheduler) execute(ctx context.Context, task *ScheduledTask) (*models.Message, *submit.Result, error) {
	if s.config.Chats == nil {
		return nil, nil, fmt.Errorf("no chat store configured")
	}
	chat, err := s.config.Chats.GetChatByUUID(ctx, task.ChatUUID)
	if err != nil || chat == nil || chat.ID == 0 {
		if err == nil {
			err = submit.ErrChatNotFound
		}
		return nil, nil, fmt.Errorf("chat not found for chat_uuid=%s: %w", task.ChatUUID, err)
	}

	ref, err := s.resolveModel(ctx, task, chat)
	if err != nil {
		return nil, nil, err
	}

	userMsg := &models.Message{
		ChatID:    chat.ID,
		ChatUUID:  chat.UUID,
		Role:      models.RoleUser,
		Content:   task.Prompt(),
		CreatedAt: s.config.Clock(),
	}
	if s.config.Messages != nil {
		id, err := s.config.Messages.SaveMessage(ctx, userMsg)
		if err != nil {
			return nil, nil, fmt.Errorf("save task prompt: %w", err)
		}
		userMsg.ID = id
	}

	result, err := s.config.Submitter.Submit(ctx, submit.Input{
		SubmissionID: uuid.NewString(),
		ChatID:       chat.ID,
		ChatUUID:     chat.UUID,
		ModelRef:     &ref,
		EarlyPersist: true,
		Stream:       true,
		Unattended:   true,
	})
	if err != nil {
		return userMsg, nil, err
	}
	return userMsg, result, nil
}

// resolveModel prefers the task payload, then the chat's last model, then
// the first configured model.
func (s *Scheduler) resolveModel(ctx context.Context, task *ScheduledTask, chat *models.Chat) (models.ModelRef, error) {
	if ref := task.Payload.ModelRef; ref != nil && !ref.IsZero() {
		return *ref, nil
	}
	if s.config.Configs == nil {
		return models.ModelRef{}, fmt.Errorf("%w for chat_uuid=%s", ErrNoModel, task.ChatUUID)
	}
	cfg, err := s.config.Configs.GetConfig(ctx)
	if err != nil {
		return models.ModelRef{}, fmt.Errorf("load config: %w", err)
	}
	ref, ok := cfg.ResolveModel(nil, chat.Model)
	if !ok {
		return models.ModelRef{}, fmt.Errorf("%w for chat_uuid=%s", ErrNoModel, task.ChatUUID)
	}
	return ref, nil
}

// fail records err and moves the task back to pending when attempts remain.
func (s *Scheduler) fail(ctx context.Context, logger *slog.Logger, task *ScheduledTask, err error) {
	now := s.config.Clock()
	task.LastError = err.Error()
	task.UpdatedAt = now
	task.ResultMessageID = 0
	if task.CanRetry() {
		task.Status = StatusPending
		task.RunAt = now.Add(s.config.RetryPolicy.Delay(task.AttemptCount))
	} else {
		task.Status = StatusFailed
	}

	if saveErr := s.save(context.WithoutCancel(ctx), task); saveErr != nil {
		logger.Error("failed to record task failure", "error", saveErr)
	}
	s.config.Metrics.RecordScheduledTask(string(task.Status))
	logger.Warn("scheduled task failed",
		"error", err,
		"status", task.Status,
		"max_attempts", task.MaxAttempts,
	)
}

// save stores the task and announces the change.
func (s *Scheduler) save(ctx context.Context, task *ScheduledTask) error {
	if err := s.config.Store.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.emit(ctx, models.EventScheduleUpdated, ScheduleUpdatedPayload{Task: task.Clone()})
	return nil
}

func (s *Scheduler) emit(ctx context.Context, typ models.EventType, payload any) {
	if s.config.Emitter == nil {
		return
	}
	s.config.Emitter.Emit(ctx, typ, payload)
}
