// Package conversation owns the in-memory history of one submission: the
// trailing assistant message being streamed into, tool-call and tool-result
// bookkeeping, and assembly of the wire-ready request messages.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/chatsubmit/internal/stream"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) (int64, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
}

// Emitter receives conversation events. *events.Journal satisfies it.
type Emitter interface {
	Emit(ctx context.Context, typ models.EventType, payload any)
}

// ToolCallAttachedPayload announces the calls flushed onto an assistant message.
type ToolCallAttachedPayload struct {
	ToolCallIDs []string `json:"toolCallIds"`
	MessageID   int64    `json:"messageId,omitempty"`
}

// StateConfig configures a StateManager.
type StateConfig struct {
	ChatID   int64
	ChatUUID string
	Model    string

	// History is the persisted conversation the submission starts from.
	History []*models.Message

	Store   MessageStore
	Emitter Emitter

	// EarlyPersist saves the assistant message before streaming starts and
	// again at every tool-call boundary.
	EarlyPersist bool

	Reorderer *Reorderer
	Logger    *slog.Logger
	Clock     func() time.Time
}

// StateManager holds the ordered message list of one submission plus a
// cursor to the trailing assistant message. History is append-only except
// for in-place updates of the trailing assistant message.
type StateManager struct {
	mu       sync.Mutex
	messages []*models.Message
	cfg      StateConfig
	logger   *slog.Logger
}

// NewStateManager creates a state manager over a copy of cfg.History.
func NewStateManager(cfg StateConfig) *StateManager {
	if cfg.Reorderer == nil {
		cfg.Reorderer = NewReorderer(DefaultCarryOver)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	messages := make([]*models.Message, 0, len(cfg.History)+1)
	for _, msg := range cfg.History {
		if msg != nil {
			messages = append(messages, msg.Clone())
		}
	}
	return &StateManager{
		messages: messages,
		cfg:      cfg,
		logger:   logger.With("component", "conversation", "chat_uuid", cfg.ChatUUID),
	}
}

// Messages returns a snapshot of the history.
func (s *StateManager) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.messages))
	for i, msg := range s.messages {
		out[i] = msg.Clone()
	}
	return out
}

// SetModel changes the model recorded on new assistant messages.
func (s *StateManager) SetModel(model string) {
	s.mu.Lock()
	s.cfg.Model = model
	s.mu.Unlock()
}

// AppendUserMessage adds a user message that is already persisted (or that
// the caller chose not to persist).
func (s *StateManager) AppendUserMessage(msg *models.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg.Clone())
	s.mu.Unlock()
}

// EnsureAssistantPlaceholder appends an empty assistant message unless the
// history already ends with one. With early persistence the placeholder is
// stored immediately.
func (s *StateManager) EnsureAssistantPlaceholder(ctx context.Context) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == models.RoleAssistant {
		return s.messages[n-1].Clone()
	}
	return s.addPlaceholderLocked(ctx)
}

// AddPlaceholder starts a fresh assistant message for the next model response.
func (s *StateManager) AddPlaceholder(ctx context.Context) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPlaceholderLocked(ctx)
}

func (s *StateManager) addPlaceholderLocked(ctx context.Context) *models.Message {
	msg := &models.Message{
		ChatID:    s.cfg.ChatID,
		ChatUUID:  s.cfg.ChatUUID,
		Role:      models.RoleAssistant,
		Model:     s.cfg.Model,
		CreatedAt: s.cfg.Clock(),
	}
	s.messages = append(s.messages, msg)
	if s.cfg.EarlyPersist {
		s.persistLocked(ctx, msg)
	}
	return msg.Clone()
}

// LastAssistant returns a copy of the trailing assistant message.
func (s *StateManager) LastAssistant() (*models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.lastAssistantLocked(); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return nil, false
}

func (s *StateManager) lastAssistantLocked() int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleAssistant {
			return i
		}
	}
	return -1
}

// tailLocked returns the trailing assistant message, creating a placeholder
// when the history has none.
func (s *StateManager) tailLocked(ctx context.Context) *models.Message {
	if i := s.lastAssistantLocked(); i >= 0 {
		return s.messages[i]
	}
	s.addPlaceholderLocked(ctx)
	return s.messages[len(s.messages)-1]
}

// AppendDelta merges streamed text and reasoning into the trailing
// assistant message. Text also accumulates into the message content.
func (s *StateManager) AppendDelta(ctx context.Context, text, reasoning string) {
	if text == "" && reasoning == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.tailLocked(ctx)
	now := s.cfg.Clock()
	if reasoning != "" {
		tail.Segments = stream.AppendSegment(tail.Segments, reasoning, models.SegmentReasoning, now)
	}
	if text != "" {
		tail.Content += text
		tail.Segments = stream.AppendSegment(tail.Segments, text, models.SegmentText, now)
	}
}

// AppendSegmentToLastMessage appends seg to the trailing assistant message
// as is, without merging.
func (s *StateManager) AppendSegmentToLastMessage(ctx context.Context, seg models.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.tailLocked(ctx)
	if seg.Timestamp == 0 {
		seg.Timestamp = s.cfg.Clock().UnixMilli()
	}
	tail.Segments = append(tail.Segments, seg)
}

// AddToolCallMessage flushes calls onto the trailing assistant message and
// emits tool.call.attached.
func (s *StateManager) AddToolCallMessage(ctx context.Context, calls []models.ToolCall, content string) {
	s.mu.Lock()
	tail := s.tailLocked(ctx)
	if content != "" {
		tail.Content = content
	}
	tail.ToolCalls = append([]models.ToolCall(nil), calls...)
	if s.cfg.EarlyPersist {
		s.persistLocked(ctx, tail)
	}
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		if call.ID != "" {
			ids = append(ids, call.ID)
		}
	}
	payload := ToolCallAttachedPayload{ToolCallIDs: ids, MessageID: tail.ID}
	s.mu.Unlock()

	s.emit(ctx, models.EventToolCallAttached, payload)
}

// AddToolResultMessage appends a tool result. When the chat is known the
// result is stored right away, after the assistant message requesting it,
// and tool.result.persisted follows tool.result.attached.
func (s *StateManager) AddToolResultMessage(ctx context.Context, msg *models.Message) *models.Message {
	s.mu.Lock()
	entity := msg.Clone()
	entity.Role = models.RoleTool
	entity.ChatID = s.cfg.ChatID
	entity.ChatUUID = s.cfg.ChatUUID
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = s.cfg.Clock()
	}

	saved := false
	if s.identityKnown() {
		if header := s.headerForLocked(entity.ToolCallID); header != nil && header.ID == 0 {
			s.persistLocked(ctx, header)
		}
		saved = s.persistLocked(ctx, entity)
	}
	s.messages = append(s.messages, entity)
	payload := models.ToolResultPayload{ToolCallID: entity.ToolCallID, Message: entity.Clone()}
	s.mu.Unlock()

	s.emit(ctx, models.EventToolResultAttached, payload)
	if saved {
		s.emit(ctx, models.EventToolResultPersisted, payload)
	}
	return payload.Message
}

func (s *StateManager) headerForLocked(toolCallID string) *models.Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.Role != models.RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls {
			if call.ID == toolCallID {
				return msg
			}
		}
	}
	return nil
}

// RebuildRequestMessages returns the reordered history with trailing empty
// assistant messages trimmed.
func (s *StateManager) RebuildRequestMessages() []*models.Message {
	s.mu.Lock()
	snapshot := make([]*models.Message, len(s.messages))
	copy(snapshot, s.messages)
	s.mu.Unlock()

	out := s.cfg.Reorderer.Reorder(snapshot)
	for len(out) > 0 && out[len(out)-1].IsEmptyAssistant() {
		out = out[:len(out)-1]
	}
	for i, msg := range out {
		out[i] = msg.Clone()
	}
	return out
}

// FinalizeAssistant stores the trailing assistant message, inserting or
// updating as needed, and returns it. Storage failures are logged and the
// in-memory message is still returned. An empty assistant message that was
// never stored stays unstored.
func (s *StateManager) FinalizeAssistant(ctx context.Context) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.lastAssistantLocked()
	if i < 0 {
		return nil, fmt.Errorf("conversation: no assistant message")
	}
	tail := s.messages[i]
	if !s.identityKnown() || (tail.ID == 0 && tail.IsEmptyAssistant() && len(tail.Segments) == 0) {
		return tail.Clone(), nil
	}
	s.persistLocked(ctx, tail)
	return tail.Clone(), nil
}

func (s *StateManager) identityKnown() bool {
	return s.cfg.Store != nil && (s.cfg.ChatID != 0 || s.cfg.ChatUUID != "")
}

// persistLocked saves or updates msg and reports success. Failures are
// logged, never returned.
func (s *StateManager) persistLocked(ctx context.Context, msg *models.Message) bool {
	if !s.identityKnown() {
		return false
	}
	if msg.ID != 0 {
		if err := s.cfg.Store.UpdateMessage(ctx, msg); err != nil {
			s.logger.Warn("failed to update message", "message_id", msg.ID, "role", msg.Role, "error", err)
			return false
		}
		return true
	}
	id, err := s.cfg.Store.SaveMessage(ctx, msg)
	if err != nil {
		s.logger.Warn("failed to save message", "role", msg.Role, "error", err)
		return false
	}
	msg.ID = id
	return true
}

func (s *StateManager) emit(ctx context.Context, typ models.EventType, payload any) {
	if s.cfg.Emitter != nil {
		s.cfg.Emitter.Emit(ctx, typ, payload)
	}
}
