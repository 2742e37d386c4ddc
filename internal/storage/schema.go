package storage

// Timestamps are stored as unix milliseconds in both dialects.

func schema(d Dialect) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id ` + serial + `,
			uuid TEXT NOT NULL UNIQUE,
			title TEXT,
			model TEXT,
			skills_prompt TEXT,
			user_instruction TEXT,
			compression TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id ` + serial + `,
			chat_id BIGINT NOT NULL,
			chat_uuid TEXT NOT NULL,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, id)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			id INTEGER PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			chat_uuid TEXT NOT NULL,
			plan_id TEXT,
			goal TEXT NOT NULL,
			run_at BIGINT NOT NULL,
			timezone TEXT,
			status TEXT NOT NULL,
			payload TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT,
			result_message_id BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks (status, run_at)`,
		`CREATE TABLE IF NOT EXISTS event_traces (
			id ` + serial + `,
			submission_id TEXT NOT NULL,
			chat_id BIGINT,
			chat_uuid TEXT,
			sequence BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_traces_submission ON event_traces (submission_id, sequence)`,
	}
}
