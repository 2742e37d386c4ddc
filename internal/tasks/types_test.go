package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

func TestScheduledTaskValidate(t *testing.T) {
	valid := func() *ScheduledTask {
		return &ScheduledTask{
			ID:       "t",
			ChatUUID: "c",
			Goal:     "g",
			RunAt:    time.Unix(100, 0),
			Status:   StatusPending,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*ScheduledTask)
		wantErr bool
	}{
		{"valid", func(*ScheduledTask) {}, false},
		{"missing id", func(t *ScheduledTask) { t.ID = "" }, true},
		{"missing chat", func(t *ScheduledTask) { t.ChatUUID = "" }, true},
		{"blank goal", func(t *ScheduledTask) { t.Goal = "  " }, true},
		{"prompt without goal", func(t *ScheduledTask) { t.Goal = ""; t.Payload.Prompt = "p" }, false},
		{"missing run_at", func(t *ScheduledTask) { t.RunAt = time.Time{} }, true},
		{"negative attempts", func(t *ScheduledTask) { t.MaxAttempts = -1 }, true},
		{"bad status", func(t *ScheduledTask) { t.Status = "paused" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := valid()
			tt.mutate(task)
			if err := task.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCanRetry(t *testing.T) {
	tests := []struct {
		attempts, max int
		want          bool
	}{
		{1, 3, true},
		{2, 3, true},
		{3, 3, false},
		{1, 0, false},
		{1, 1, false},
	}
	for _, tt := range tests {
		task := &ScheduledTask{AttemptCount: tt.attempts, MaxAttempts: tt.max}
		if got := task.CanRetry(); got != tt.want {
			t.Errorf("CanRetry(%d/%d) = %v, want %v", tt.attempts, tt.max, got, tt.want)
		}
	}
}

func TestPayloadEncoding(t *testing.T) {
	data, err := MarshalPayload(Payload{})
	if err != nil || data != nil {
		t.Errorf("empty payload = %q, %v", data, err)
	}

	data, err = MarshalPayload(Payload{Prompt: "p", ModelRef: &models.ModelRef{AccountID: "a", ModelID: "m"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"prompt":"p","modelRef":{"accountId":"a","modelId":"m"}}` {
		t.Errorf("payload = %s", data)
	}
	if got := UnmarshalPayload(data); got.Prompt != "p" || got.ModelRef.ModelID != "m" {
		t.Errorf("decoded = %+v", got)
	}
	if got := UnmarshalPayload([]byte("{not json")); got.Prompt != "" || got.ModelRef != nil {
		t.Errorf("malformed payload decoded to %+v", got)
	}
}

func TestMemoryStoreClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	for _, task := range []*ScheduledTask{
		{ID: "due", ChatUUID: "c", Goal: "g", RunAt: now.Add(-time.Second), Status: StatusPending},
		{ID: "done", ChatUUID: "c", Goal: "g", RunAt: now.Add(-time.Hour), Status: StatusCompleted},
		{ID: "later", ChatUUID: "c", Goal: "g", RunAt: now.Add(time.Second), Status: StatusPending},
	} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateTask(ctx, &ScheduledTask{ID: "due", ChatUUID: "c", Goal: "g", RunAt: now, Status: StatusPending}); err == nil {
		t.Error("duplicate id accepted")
	}

	claimed, err := s.ClaimDueTasks(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != "due" || claimed[0].Status != StatusRunning {
		t.Fatalf("claimed = %+v", claimed)
	}
	if again, _ := s.ClaimDueTasks(ctx, now, 10); len(again) != 0 {
		t.Errorf("claimed twice: %+v", again)
	}

	running := StatusRunning
	list, _ := s.ListTasks(ctx, ListOptions{Status: &running})
	if len(list) != 1 || list[0].ID != "due" {
		t.Errorf("running tasks = %+v", list)
	}
	all, _ := s.ListTasks(ctx, ListOptions{ChatUUID: "c", Limit: 2})
	if len(all) != 2 || all[0].ID != "done" {
		t.Errorf("listed = %+v", all)
	}

	if _, err := s.GetTask(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask() error = %v", err)
	}
	if err := s.UpdateTask(ctx, &ScheduledTask{ID: "nope"}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateTask() error = %v", err)
	}
}
