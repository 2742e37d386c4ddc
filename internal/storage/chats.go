package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

const chatColumns = `id, uuid, title, model, skills_prompt, user_instruction, compression, created_at, updated_at`

// CreateChat stores a new chat and assigns its id. An empty UUID is generated.
func (s *SQLStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat == nil {
		return fmt.Errorf("chat is required")
	}
	if chat.UUID == "" {
		chat.UUID = uuid.NewString()
	}
	now := s.now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now

	compression, err := marshalCompression(chat.Compression)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO chats (uuid, title, model, skills_prompt, user_instruction, compression, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		chat.UUID,
		nullableString(chat.Title),
		nullableString(chat.Model),
		nullableString(chat.SkillsPrompt),
		nullableString(chat.UserInstruction),
		compression,
		toMillis(chat.CreatedAt),
		toMillis(chat.UpdatedAt),
	).Scan(&chat.ID)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

// GetChat returns ErrNotFound for unknown ids.
func (s *SQLStore) GetChat(ctx context.Context, id int64) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+chatColumns+` FROM chats WHERE id = ?`), id)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

// GetChatByUUID returns ErrNotFound for unknown uuids.
func (s *SQLStore) GetChatByUUID(ctx context.Context, chatUUID string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+chatColumns+` FROM chats WHERE uuid = ?`), chatUUID)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", chatUUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

// ListChats returns chats, most recently updated first.
func (s *SQLStore) ListChats(ctx context.Context, limit int) ([]*models.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats ORDER BY updated_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// UpdateChatModel records the last used model of a chat.
func (s *SQLStore) UpdateChatModel(ctx context.Context, chatID int64, model string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE chats SET model = ?, updated_at = ? WHERE id = ?`),
		nullableString(model), toMillis(s.now()), chatID)
	if err != nil {
		return fmt.Errorf("update chat model: %w", err)
	}
	return expectRow(res, fmt.Sprintf("chat %d", chatID))
}

// SaveMessage stores msg and returns its id. The full message is kept as a
// JSON body; role and chat are duplicated into columns for querying.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *models.Message) (int64, error) {
	if msg == nil {
		return 0, fmt.Errorf("message is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	body, err := marshalMessage(msg)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO messages (chat_id, chat_uuid, role, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), msg.ChatID, msg.ChatUUID, string(msg.Role), body, toMillis(msg.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save message: %w", err)
	}
	return id, nil
}

// UpdateMessage rewrites the body of a stored message.
func (s *SQLStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == 0 {
		return fmt.Errorf("message id is required")
	}
	body, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages SET role = ?, body = ? WHERE id = ?`),
		string(msg.Role), body, msg.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return expectRow(res, fmt.Sprintf("message %d", msg.ID))
}

// ListMessages returns the history of a chat in insertion order.
func (s *SQLStore) ListMessages(ctx context.Context, chatID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, chat_id, chat_uuid, body FROM messages WHERE chat_id = ? ORDER BY id ASC
	`), chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			id, chat int64
			chatUUID string
			body     string
		)
		if err := rows.Scan(&id, &chat, &chatUUID, &body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			s.logger.Warn("skipping unreadable message", "message_id", id, "error", err)
			continue
		}
		msg.ID = id
		msg.ChatID = chat
		msg.ChatUUID = chatUUID
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// GetConfig returns the stored application config, or an empty one.
func (s *SQLStore) GetConfig(ctx context.Context) (*models.AppConfig, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM app_config WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.AppConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	var cfg models.AppConfig
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig replaces the stored application config.
func (s *SQLStore) SaveConfig(ctx context.Context, cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO app_config (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`), string(body), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func scanChat(row scanner) (*models.Chat, error) {
	var (
		chat            models.Chat
		title           sql.NullString
		model           sql.NullString
		skillsPrompt    sql.NullString
		userInstruction sql.NullString
		compression     sql.NullString
		createdAt       int64
		updatedAt       int64
	)
	err := row.Scan(
		&chat.ID,
		&chat.UUID,
		&title,
		&model,
		&skillsPrompt,
		&userInstruction,
		&compression,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	chat.Title = title.String
	chat.Model = model.String
	chat.SkillsPrompt = skillsPrompt.String
	chat.UserInstruction = userInstruction.String
	chat.CreatedAt = fromMillis(createdAt)
	chat.UpdatedAt = fromMillis(updatedAt)
	if compression.Valid && compression.String != "" {
		var summary models.CompressionSummary
		if err := json.Unmarshal([]byte(compression.String), &summary); err != nil {
			return nil, fmt.Errorf("decode compression: %w", err)
		}
		chat.Compression = &summary
	}
	return &chat, nil
}

func marshalCompression(c *models.CompressionSummary) (any, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode compression: %w", err)
	}
	return string(data), nil
}

func marshalMessage(msg *models.Message) (string, error) {
	body := *msg
	body.ID = 0
	data, err := json.Marshal(&body)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(data), nil
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
