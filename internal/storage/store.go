package storage

import (
	"context"

	"github.com/haasonsaas/chatsubmit/internal/conversation"
	"github.com/haasonsaas/chatsubmit/internal/events"
	"github.com/haasonsaas/chatsubmit/internal/submit"
	"github.com/haasonsaas/chatsubmit/internal/tasks"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// Store is the full storage surface used by the service.
type Store interface {
	submit.ChatStore
	submit.ConfigStore
	conversation.MessageStore
	events.TraceStore
	tasks.Store

	CreateChat(ctx context.Context, chat *models.Chat) error
	ListChats(ctx context.Context, limit int) ([]*models.Chat, error)
	SaveConfig(ctx context.Context, cfg *models.AppConfig) error
	ListEventTraces(ctx context.Context, submissionID string) ([]TraceRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
