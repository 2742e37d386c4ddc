package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/chatsubmit/internal/tasks"
)

const taskColumns = `id, chat_uuid, plan_id, goal, run_at, timezone, status, payload,
	attempt_count, max_attempts, last_error, result_message_id, created_at, updated_at`

var _ tasks.Store = (*SQLStore)(nil)

// CreateTask creates a new scheduled task.
func (s *SQLStore) CreateTask(ctx context.Context, task *tasks.ScheduledTask) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	payload, err := tasks.MarshalPayload(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		task.ID,
		task.ChatUUID,
		nullableString(task.PlanID),
		task.Goal,
		toMillis(task.RunAt),
		nullableString(task.Timezone),
		string(task.Status),
		nullableBytes(payload),
		task.AttemptCount,
		task.MaxAttempts,
		nullableString(task.LastError),
		nullableInt(task.ResultMessageID),
		toMillis(task.CreatedAt),
		toMillis(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*tasks.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask updates an existing task.
func (s *SQLStore) UpdateTask(ctx context.Context, task *tasks.ScheduledTask) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	payload, err := tasks.MarshalPayload(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduled_tasks SET
			chat_uuid = ?,
			plan_id = ?,
			goal = ?,
			run_at = ?,
			timezone = ?,
			status = ?,
			payload = ?,
			attempt_count = ?,
			max_attempts = ?,
			last_error = ?,
			result_message_id = ?,
			updated_at = ?
		WHERE id = ?
	`),
		task.ChatUUID,
		nullableString(task.PlanID),
		task.Goal,
		toMillis(task.RunAt),
		nullableString(task.Timezone),
		string(task.Status),
		nullableBytes(payload),
		task.AttemptCount,
		task.MaxAttempts,
		nullableString(task.LastError),
		nullableInt(task.ResultMessageID),
		toMillis(task.UpdatedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := expectRow(res, "task "+task.ID); err != nil {
		return tasks.ErrTaskNotFound
	}
	return nil
}

// ListTasks returns tasks with optional filtering.
func (s *SQLStore) ListTasks(ctx context.Context, opts tasks.ListOptions) ([]*tasks.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE 1=1`
	var args []any
	if opts.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*opts.Status))
	}
	if opts.ChatUUID != "" {
		query += ` AND chat_uuid = ?`
		args = append(args, opts.ChatUUID)
	}
	query += ` ORDER BY run_at ASC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimDueTasks moves due pending tasks to running in one statement. On
// Postgres the candidate rows are locked with SKIP LOCKED so concurrent
// schedulers never claim the same task; SQLite serializes writers.
func (s *SQLStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*tasks.ScheduledTask, error) {
	if limit <= 0 {
		limit = 1
	}
	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query := `
		UPDATE scheduled_tasks SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE status = ? AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT ?` + lock + `
		)
		RETURNING ` + taskColumns

	rows, err := s.db.QueryContext(ctx, s.rebind(query),
		string(tasks.StatusRunning),
		toMillis(now),
		string(tasks.StatusPending),
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	claimed, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].RunAt.Equal(claimed[j].RunAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].RunAt.Before(claimed[j].RunAt)
	})
	return claimed, nil
}

func collectTasks(rows *sql.Rows) ([]*tasks.ScheduledTask, error) {
	var out []*tasks.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	return out, nil
}

func scanTask(row scanner) (*tasks.ScheduledTask, error) {
	var (
		task            tasks.ScheduledTask
		planID          sql.NullString
		runAt           int64
		timezone        sql.NullString
		status          string
		payload         sql.NullString
		lastError       sql.NullString
		resultMessageID sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)
	err := row.Scan(
		&task.ID,
		&task.ChatUUID,
		&planID,
		&task.Goal,
		&runAt,
		&timezone,
		&status,
		&payload,
		&task.AttemptCount,
		&task.MaxAttempts,
		&lastError,
		&resultMessageID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.PlanID = planID.String
	task.RunAt = fromMillis(runAt)
	task.Timezone = timezone.String
	task.Status = tasks.Status(status)
	task.Payload = tasks.UnmarshalPayload([]byte(payload.String))
	task.LastError = lastError.String
	task.ResultMessageID = resultMessageID.Int64
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	return &task, nil
}
