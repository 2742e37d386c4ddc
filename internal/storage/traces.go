package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// TraceRecord is a stored event. Payload stays encoded.
type TraceRecord struct {
	SubmissionID string           `json:"submissionId"`
	ChatID       int64            `json:"chatId,omitempty"`
	ChatUUID     string           `json:"chatUuid,omitempty"`
	Sequence     uint64           `json:"sequence"`
	Type         models.EventType `json:"type"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	CreatedAt    int64            `json:"createdAt"`
}

// SaveEventTrace appends one event to the trace log.
func (s *SQLStore) SaveEventTrace(ctx context.Context, e models.EventEnvelope) error {
	var payload any
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = string(data)
	}
	created := toMillis(e.Timestamp)
	if created == 0 {
		created = toMillis(s.now())
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO event_traces (submission_id, chat_id, chat_uuid, sequence, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		e.SubmissionID,
		nullableInt(e.ChatID),
		nullableString(e.ChatUUID),
		int64(e.Sequence),
		string(e.Type),
		payload,
		created,
	)
	if err != nil {
		return fmt.Errorf("save event trace: %w", err)
	}
	return nil
}

// ListEventTraces returns the events of one submission in sequence order.
func (s *SQLStore) ListEventTraces(ctx context.Context, submissionID string) ([]TraceRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT submission_id, chat_id, chat_uuid, sequence, type, payload, created_at
		FROM event_traces WHERE submission_id = ? ORDER BY sequence ASC
	`), submissionID)
	if err != nil {
		return nil, fmt.Errorf("list event traces: %w", err)
	}
	defer rows.Close()

	var out []TraceRecord
	for rows.Next() {
		var (
			rec      TraceRecord
			chatID   sql.NullInt64
			chatUUID sql.NullString
			seq      int64
			typ      string
			payload  sql.NullString
		)
		if err := rows.Scan(&rec.SubmissionID, &chatID, &chatUUID, &seq, &typ, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event trace: %w", err)
		}
		rec.ChatID = chatID.Int64
		rec.ChatUUID = chatUUID.String
		rec.Sequence = uint64(seq)
		rec.Type = models.EventType(typ)
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list event traces: %w", err)
	}
	return out, nil
}
