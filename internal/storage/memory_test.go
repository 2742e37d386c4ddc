package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/chatsubmit/internal/tasks"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

func TestMemoryStoreChats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tick := fixedNow
	store.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	first := &models.Chat{Title: "first"}
	if err := store.CreateChat(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.ID != 1 || first.UUID == "" {
		t.Fatalf("chat = %+v", first)
	}
	second := &models.Chat{UUID: "chat-2"}
	if err := store.CreateChat(ctx, second); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateChat(ctx, &models.Chat{UUID: "chat-2"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate uuid error = %v", err)
	}

	if err := store.UpdateChatModel(ctx, first.ID, "m-1"); err != nil {
		t.Fatal(err)
	}
	chats, _ := store.ListChats(ctx, 0)
	if len(chats) != 2 || chats[0].ID != first.ID || chats[0].Model != "m-1" {
		t.Errorf("ListChats() = %+v", chats)
	}
	if chats, _ := store.ListChats(ctx, 1); len(chats) != 1 {
		t.Errorf("ListChats(1) returned %d", len(chats))
	}

	got, err := store.GetChatByUUID(ctx, "chat-2")
	if err != nil || got.ID != second.ID {
		t.Errorf("GetChatByUUID() = %+v, %v", got, err)
	}
	got.Title = "mutated"
	if again, _ := store.GetChat(ctx, second.ID); again.Title != "" {
		t.Error("GetChat returned shared state")
	}
	if _, err := store.GetChatByUUID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChatByUUID() error = %v", err)
	}
	if err := store.UpdateChatModel(ctx, 99, "m"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateChatModel() error = %v", err)
	}
}

func TestMemoryStoreMessagesAndTraces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.SaveMessage(ctx, &models.Message{ChatID: 1, Role: models.RoleUser, Content: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveMessage(ctx, &models.Message{ChatID: 2, Role: models.RoleUser, Content: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateMessage(ctx, &models.Message{ID: id, ChatID: 1, Role: models.RoleUser, Content: "a2"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateMessage(ctx, &models.Message{ID: 77}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateMessage() error = %v", err)
	}
	history, _ := store.ListMessages(ctx, 1)
	if len(history) != 1 || history[0].Content != "a2" {
		t.Errorf("history = %+v", history)
	}

	for _, seq := range []uint64{2, 1} {
		err := store.SaveEventTrace(ctx, models.EventEnvelope{
			Type:         models.EventStreamChunk,
			SubmissionID: "s",
			Sequence:     seq,
			Payload:      models.StreamChunkPayload{ContentDelta: "x"},
			Timestamp:    fixedNow,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	traces, _ := store.ListEventTraces(ctx, "s")
	if len(traces) != 2 || traces[0].Sequence != 1 || string(traces[0].Payload) != `{"contentDelta":"x"}` {
		t.Errorf("traces = %+v", traces)
	}
}

func TestMemoryStoreConfigAndTasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cfg, err := store.GetConfig(ctx)
	if err != nil || len(cfg.Accounts) != 0 {
		t.Fatalf("GetConfig() = %+v, %v", cfg, err)
	}
	if err := store.SaveConfig(ctx, &models.AppConfig{SystemPrompt: "hi"}); err != nil {
		t.Fatal(err)
	}
	if cfg, _ := store.GetConfig(ctx); cfg.SystemPrompt != "hi" {
		t.Errorf("SystemPrompt = %q", cfg.SystemPrompt)
	}

	task := &tasks.ScheduledTask{ID: "t", ChatUUID: "c", Goal: "g", RunAt: fixedNow, Status: tasks.StatusPending}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	claimed, err := store.ClaimDueTasks(ctx, fixedNow, 5)
	if err != nil || len(claimed) != 1 || claimed[0].Status != tasks.StatusRunning {
		t.Errorf("ClaimDueTasks() = %+v, %v", claimed, err)
	}
	if err := store.Close(); err != nil {
		t.Error(err)
	}
}
