package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	saved   []*models.Message
	updated []*models.Message
	failAll bool
}

func (f *fakeStore) SaveMessage(_ context.Context, msg *models.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.New("disk full")
	}
	f.nextID++
	f.saved = append(f.saved, msg.Clone())
	return f.nextID, nil
}

func (f *fakeStore) UpdateMessage(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("disk full")
	}
	f.updated = append(f.updated, msg.Clone())
	return nil
}

type recordedEvent struct {
	typ     models.EventType
	payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEmitter) Emit(_ context.Context, typ models.EventType, payload any) {
	f.mu.Lock()
	f.events = append(f.events, recordedEvent{typ, payload})
	f.mu.Unlock()
}

func (f *fakeEmitter) types() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.typ
	}
	return out
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newState(store MessageStore, emitter Emitter, early bool, history ...*models.Message) *StateManager {
	return NewStateManager(StateConfig{
		ChatID:       7,
		ChatUUID:     "chat-7",
		Model:        "gpt-test",
		History:      history,
		Store:        store,
		Emitter:      emitter,
		EarlyPersist: early,
		Clock:        func() time.Time { return fixedNow },
	})
}

func TestStateStreamingIntoPlaceholder(t *testing.T) {
	store := &fakeStore{}
	s := newState(store, nil, false, user("hi"))

	s.EnsureAssistantPlaceholder(context.Background())
	s.EnsureAssistantPlaceholder(context.Background())
	if got := len(s.Messages()); got != 2 {
		t.Fatalf("placeholder added twice: %d messages", got)
	}
	if len(store.saved) != 0 {
		t.Fatal("placeholder persisted without early persist")
	}

	s.AppendDelta(context.Background(), "", "let me think")
	s.AppendDelta(context.Background(), "Hello", "")
	s.AppendDelta(context.Background(), " world", "")

	last, ok := s.LastAssistant()
	if !ok {
		t.Fatal("no assistant message")
	}
	if last.Content != "Hello world" || last.Model != "gpt-test" {
		t.Errorf("assistant = %+v", last)
	}
	if len(last.Segments) != 2 || last.Segments[0].Type != models.SegmentReasoning || last.Segments[1].Content != "Hello world" {
		t.Errorf("segments = %+v", last.Segments)
	}

	// The rebuilt request drops nothing here, but a fresh placeholder is trimmed.
	s.AddPlaceholder(context.Background())
	rebuilt := s.RebuildRequestMessages()
	if len(rebuilt) != 2 || rebuilt[1].Content != "Hello world" {
		t.Errorf("RebuildRequestMessages() = %v", shape(rebuilt))
	}
}

func TestStateToolRoundTrip(t *testing.T) {
	store := &fakeStore{}
	emitter := &fakeEmitter{}
	s := newState(store, emitter, false, user("hi"))
	ctx := context.Background()

	s.EnsureAssistantPlaceholder(ctx)
	s.AddToolCallMessage(ctx, []models.ToolCall{call("a", "search"), call("b", "fetch")}, "")
	s.AddToolResultMessage(ctx, result("b"))
	s.AddToolResultMessage(ctx, result("a"))

	// header stored once, before the first result
	if len(store.saved) != 3 || store.saved[0].Role != models.RoleAssistant || store.saved[1].ToolCallID != "b" {
		t.Fatalf("saved = %v", shape(store.saved))
	}
	if store.saved[1].ChatUUID != "chat-7" || store.saved[1].ChatID != 7 {
		t.Errorf("tool result missing chat identity: %+v", store.saved[1])
	}

	want := []models.EventType{
		models.EventToolCallAttached,
		models.EventToolResultAttached, models.EventToolResultPersisted,
		models.EventToolResultAttached, models.EventToolResultPersisted,
	}
	got := emitter.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	rebuilt := s.RebuildRequestMessages()
	wantShape := []string{"user(hi)", "assistant[a=search,b=fetch]", "tool:a", "tool:b"}
	if gs := shape(rebuilt); len(gs) != len(wantShape) || gs[2] != "tool:a" {
		t.Errorf("RebuildRequestMessages() = %v, want %v", gs, wantShape)
	}

	s.AddPlaceholder(ctx)
	s.AppendDelta(ctx, "found it", "")
	final, err := s.FinalizeAssistant(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if final.ID != 4 || final.Content != "found it" {
		t.Errorf("FinalizeAssistant() = %+v", final)
	}

	s.AppendDelta(ctx, "!", "")
	if _, err := s.FinalizeAssistant(ctx); err != nil {
		t.Fatal(err)
	}
	if len(store.updated) != 1 || store.updated[0].Content != "found it!" {
		t.Errorf("second finalize should update, got %v", shape(store.updated))
	}
}

func TestStateEarlyPersist(t *testing.T) {
	store := &fakeStore{}
	s := newState(store, nil, true, user("run the task"))
	ctx := context.Background()

	s.EnsureAssistantPlaceholder(ctx)
	if len(store.saved) != 1 {
		t.Fatalf("placeholder not persisted early: %d saves", len(store.saved))
	}
	s.AddToolCallMessage(ctx, []models.ToolCall{call("a", "x")}, "working")
	if len(store.updated) != 1 || store.updated[0].Content != "working" {
		t.Errorf("tool-call boundary not persisted: %v", shape(store.updated))
	}
}

func TestStatePersistenceFailuresAreNotFatal(t *testing.T) {
	store := &fakeStore{failAll: true}
	emitter := &fakeEmitter{}
	s := newState(store, emitter, false, user("hi"))
	ctx := context.Background()

	s.EnsureAssistantPlaceholder(ctx)
	s.AddToolCallMessage(ctx, []models.ToolCall{call("a", "x")}, "")
	msg := s.AddToolResultMessage(ctx, result("a"))
	if msg.ID != 0 {
		t.Errorf("failed save produced id %d", msg.ID)
	}
	for _, typ := range emitter.types() {
		if typ == models.EventToolResultPersisted {
			t.Error("tool.result.persisted emitted after a failed save")
		}
	}
	if _, err := s.FinalizeAssistant(ctx); err != nil {
		t.Errorf("FinalizeAssistant() error = %v", err)
	}
}

func TestStateWithoutChatIdentity(t *testing.T) {
	store := &fakeStore{}
	s := NewStateManager(StateConfig{Store: store, History: []*models.Message{user("hi")}})
	ctx := context.Background()
	s.AddToolCallMessage(ctx, []models.ToolCall{call("a", "x")}, "")
	s.AddToolResultMessage(ctx, result("a"))
	s.AppendDelta(ctx, "ok", "")
	if _, err := s.FinalizeAssistant(ctx); err != nil {
		t.Fatal(err)
	}
	if len(store.saved)+len(store.updated) != 0 {
		t.Error("messages persisted without a chat identity")
	}
}
