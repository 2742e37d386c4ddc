package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*ScheduledTask
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*ScheduledTask)}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *ScheduledTask) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *ScheduledTask) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, opts ListOptions) ([]*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		if opts.Matches(task) {
			out = append(out, task.Clone())
		}
	}
	sortByRunAt(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*ScheduledTask
	for _, task := range s.tasks {
		if task.Status == StatusPending && !task.RunAt.After(now) {
			due = append(due, task)
		}
	}
	sortByRunAt(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*ScheduledTask, len(due))
	for i, task := range due {
		task.Status = StatusRunning
		task.UpdatedAt = now
		out[i] = task.Clone()
	}
	return out, nil
}

func sortByRunAt(tasks []*ScheduledTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})
}
