package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/chatsubmit/internal/observability"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// TraceStore persists envelopes for later replay.
type TraceStore interface {
	SaveEventTrace(ctx context.Context, e models.EventEnvelope) error
}

// JournalConfig configures a submission journal.
type JournalConfig struct {
	SubmissionID string
	ChatID       int64
	ChatUUID     string

	// Store is optional; write failures are logged and ignored.
	Store TraceStore

	// Sink is optional; nil means nobody is listening.
	Sink Sink

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time
}

// Journal numbers the events of one submission from 1, records each one
// and hands it to the sink. Sequence order equals delivery order, even with
// concurrent emitters.
type Journal struct {
	mu     sync.Mutex
	seq    uint64
	cfg    JournalConfig
	logger *slog.Logger
}

// NewJournal creates a journal for one submission.
func NewJournal(cfg JournalConfig) *Journal {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		cfg:    cfg,
		logger: logger.With("component", "events", "submission_id", cfg.SubmissionID),
	}
}

// SetChat records the chat identity stamped on later envelopes.
func (j *Journal) SetChat(chatID int64, chatUUID string) {
	j.mu.Lock()
	j.cfg.ChatID = chatID
	j.cfg.ChatUUID = chatUUID
	j.mu.Unlock()
}

// Emit records and delivers one event.
func (j *Journal) Emit(ctx context.Context, typ models.EventType, payload any) {
	j.Record(ctx, typ, payload)
}

// Record is Emit returning the envelope it produced.
func (j *Journal) Record(ctx context.Context, typ models.EventType, payload any) models.EventEnvelope {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	env := models.EventEnvelope{
		Type:         typ,
		Payload:      payload,
		SubmissionID: j.cfg.SubmissionID,
		ChatID:       j.cfg.ChatID,
		ChatUUID:     j.cfg.ChatUUID,
		Sequence:     j.seq,
		Timestamp:    j.cfg.Clock(),
	}

	if j.cfg.Store != nil {
		// terminal events of an aborted submission are still stored
		if err := j.cfg.Store.SaveEventTrace(context.WithoutCancel(ctx), env); err != nil {
			j.logger.Warn("failed to persist event", "type", typ, "sequence", env.Sequence, "error", err)
		}
	}
	j.cfg.Sink.Emit(context.WithoutCancel(ctx), env)
	j.cfg.Metrics.RecordEvent(string(typ))
	return env
}

// Sequence returns the last assigned sequence number.
func (j *Journal) Sequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// SchedulerJournal is the journal of background activity: one sequence per
// instance, no persistence, live delivery only.
type SchedulerJournal struct {
	mu    sync.Mutex
	seq   uint64
	sink  Sink
	clock func() time.Time
}

// NewSchedulerJournal creates a scheduler journal delivering to sink.
func NewSchedulerJournal(sink Sink) *SchedulerJournal {
	if sink == nil {
		sink = NopSink{}
	}
	return &SchedulerJournal{sink: sink, clock: time.Now}
}

// Emit delivers one event.
func (j *SchedulerJournal) Emit(ctx context.Context, typ models.EventType, payload any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	j.sink.Emit(context.WithoutCancel(ctx), models.EventEnvelope{
		Type:      typ,
		Payload:   payload,
		Sequence:  j.seq,
		Timestamp: j.clock(),
	})
}
