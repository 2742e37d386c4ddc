// Package tasks runs scheduled chat submissions in the background.
//
// A task names a chat and a goal. When its run time arrives the scheduler
// claims it, stores the goal as a user message and drives an unattended
// submission on the chat. Tasks move through:
//
//	pending -> running -> completed
//	                   -> pending  (retryable failure, run_at pushed back)
//	                   -> failed   (attempts exhausted, or max_attempts = 0)
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// Status is the lifecycle state of a scheduled task.
type Status string

const (
	// StatusPending tasks run once RunAt has passed.
	StatusPending Status = "pending"

	// StatusRunning tasks have been claimed by a scheduler.
	StatusRunning Status = "running"

	// StatusCompleted tasks produced an assistant message.
	StatusCompleted Status = "completed"

	// StatusFailed tasks will not run again.
	StatusFailed Status = "failed"
)

// DefaultMaxAttempts is used by task constructors when no limit is given.
const DefaultMaxAttempts = 3

// ErrTaskNotFound is returned by stores for unknown task ids.
var ErrTaskNotFound = errors.New("scheduled task not found")

// Payload holds optional overrides for a run.
type Payload struct {
	// Prompt replaces the goal as the user message text.
	Prompt string `json:"prompt,omitempty"`

	// ModelRef wins over the chat's last used model.
	ModelRef *models.ModelRef `json:"modelRef,omitempty"`
}

// ScheduledTask is one deferred submission.
type ScheduledTask struct {
	ID       string    `json:"id"`
	ChatUUID string    `json:"chat_uuid"`
	PlanID   string    `json:"plan_id,omitempty"`
	Goal     string    `json:"goal"`
	RunAt    time.Time `json:"run_at"`

	// Timezone is informational; RunAt is absolute.
	Timezone string `json:"timezone,omitempty"`

	Status  Status  `json:"status"`
	Payload Payload `json:"payload"`

	AttemptCount int `json:"attempt_count"`

	// MaxAttempts bounds runs. Zero means a single run with no retry.
	MaxAttempts int `json:"max_attempts"`

	LastError       string `json:"last_error,omitempty"`
	ResultMessageID int64  `json:"result_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Prompt returns the text sent to the model: the payload prompt when set,
// otherwise the goal.
func (t *ScheduledTask) Prompt() string {
	if p := strings.TrimSpace(t.Payload.Prompt); p != "" {
		return p
	}
	return t.Goal
}

// IsTerminal reports whether the task will never run again.
func (t *ScheduledTask) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// CanRetry reports whether a failure after the current attempt leaves the
// task pending.
func (t *ScheduledTask) CanRetry() bool {
	return t.MaxAttempts > 0 && t.AttemptCount < t.MaxAttempts
}

// Clone returns a copy that shares nothing mutable with t.
func (t *ScheduledTask) Clone() *ScheduledTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload.ModelRef != nil {
		ref := *t.Payload.ModelRef
		c.Payload.ModelRef = &ref
	}
	return &c
}

// Validate checks the fields a store requires.
func (t *ScheduledTask) Validate() error {
	switch {
	case t.ID == "":
		return errors.New("task id is required")
	case t.ChatUUID == "":
		return errors.New("task chat_uuid is required")
	case strings.TrimSpace(t.Prompt()) == "":
		return errors.New("task goal or prompt is required")
	case t.RunAt.IsZero():
		return errors.New("task run_at is required")
	case t.MaxAttempts < 0:
		return fmt.Errorf("task max_attempts must not be negative, got %d", t.MaxAttempts)
	}
	switch t.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("unknown task status %q", t.Status)
	}
	return nil
}

// MarshalPayload encodes p for storage. An empty payload encodes as nil.
func MarshalPayload(p Payload) ([]byte, error) {
	if p.Prompt == "" && p.ModelRef == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload. Malformed payloads decode to
// the zero Payload so the task still runs on its goal.
func UnmarshalPayload(data []byte) Payload {
	var p Payload
	if len(data) == 0 {
		return p
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}
	}
	return p
}
