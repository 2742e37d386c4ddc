package tasks

import (
	"context"
	"time"
)

// Store defines the interface for task persistence.
type Store interface {
	// CreateTask stores a new task.
	CreateTask(ctx context.Context, task *ScheduledTask) error

	// GetTask returns ErrTaskNotFound for unknown ids.
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)

	// UpdateTask replaces every mutable field of a stored task.
	UpdateTask(ctx context.Context, task *ScheduledTask) error

	// ListTasks returns tasks ordered by run time.
	ListTasks(ctx context.Context, opts ListOptions) ([]*ScheduledTask, error)

	// ClaimDueTasks atomically moves up to limit pending tasks with
	// RunAt <= now to running and returns them ordered by RunAt. A task is
	// returned by at most one concurrent claim.
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error)
}

// ListOptions filters ListTasks.
type ListOptions struct {
	// Status filters by task status.
	Status *Status

	// ChatUUID filters by chat.
	ChatUUID string

	// Limit is the maximum number of tasks to return.
	Limit int
}

// Matches reports whether t passes the filter.
func (o ListOptions) Matches(t *ScheduledTask) bool {
	if o.Status != nil && t.Status != *o.Status {
		return false
	}
	if o.ChatUUID != "" && t.ChatUUID != o.ChatUUID {
		return false
	}
	return true
}
