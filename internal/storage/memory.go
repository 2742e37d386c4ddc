package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatsubmit/internal/tasks"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// MemoryStore provides every store in process. Tasks are delegated to
// tasks.MemoryStore.
type MemoryStore struct {
	*tasks.MemoryStore

	mu       sync.RWMutex
	chats    map[int64]*models.Chat
	byUUID   map[string]int64
	messages []*models.Message
	config   *models.AppConfig
	traces   []TraceRecord
	chatSeq  int64
	msgSeq   int64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryStore: tasks.NewMemoryStore(),
		chats:       make(map[int64]*models.Chat),
		byUUID:      make(map[string]int64),
		config:      &models.AppConfig{},
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat == nil {
		return fmt.Errorf("chat is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat.UUID == "" {
		chat.UUID = uuid.NewString()
	}
	if _, exists := s.byUUID[chat.UUID]; exists {
		return ErrAlreadyExists
	}
	now := s.now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now
	s.chatSeq++
	chat.ID = s.chatSeq
	stored := *chat
	s.chats[chat.ID] = &stored
	s.byUUID[chat.UUID] = chat.ID
	return nil
}

func (s *MemoryStore) GetChat(ctx context.Context, id int64) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	copied := *chat
	return &copied, nil
}

func (s *MemoryStore) GetChatByUUID(ctx context.Context, chatUUID string) (*models.Chat, error) {
	s.mu.RLock()
	id, ok := s.byUUID[chatUUID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatUUID, ErrNotFound)
	}
	return s.GetChat(ctx, id)
}

func (s *MemoryStore) ListChats(ctx context.Context, limit int) ([]*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		copied := *chat
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateChatModel(ctx context.Context, chatID int64, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	chat.Model = model
	chat.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg *models.Message) (int64, error) {
	if msg == nil {
		return 0, fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgSeq++
	stored := msg.Clone()
	stored.ID = s.msgSeq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.messages = append(s.messages, stored)
	return stored.ID, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == 0 {
		return fmt.Errorf("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.messages {
		if existing.ID == msg.ID {
			s.messages[i] = msg.Clone()
			return nil
		}
	}
	return fmt.Errorf("message %d: %w", msg.ID, ErrNotFound)
}

func (s *MemoryStore) ListMessages(ctx context.Context, chatID int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Message
	for _, msg := range s.messages {
		if msg.ChatID == chatID {
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) GetConfig(ctx context.Context) (*models.AppConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := *s.config
	return &copied, nil
}

func (s *MemoryStore) SaveConfig(ctx context.Context, cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cfg
	s.config = &copied
	return nil
}

func (s *MemoryStore) SaveEventTrace(ctx context.Context, e models.EventEnvelope) error {
	rec := TraceRecord{
		SubmissionID: e.SubmissionID,
		ChatID:       e.ChatID,
		ChatUUID:     e.ChatUUID,
		Sequence:     e.Sequence,
		Type:         e.Type,
		CreatedAt:    e.Timestamp.UnixMilli(),
	}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		rec.Payload = data
	}
	s.mu.Lock()
	s.traces = append(s.traces, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEventTraces(ctx context.Context, submissionID string) ([]TraceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TraceRecord
	for _, rec := range s.traces {
		if rec.SubmissionID == submissionID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
