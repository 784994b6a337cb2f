package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migration is one ordered, forward-only schema step. Schema changes are
// additive: a later migration alters what an earlier one created rather
// than rewriting it, so the sequence stays reversible by dropping the
// database and replaying it from Version 1.
type Migration struct {
	Version int
	SQL     string
}

// migrations is the ordered schema history for the Store's Postgres
// database. Nothing but Store tables lives here — message/attachment
// bodies are Mongo documents, not Postgres rows.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE accounts (
				account_id   TEXT PRIMARY KEY,
				display_name TEXT NOT NULL,
				email        TEXT NOT NULL UNIQUE,
				provider     TEXT NOT NULL,
				settings     JSONB NOT NULL DEFAULT '{}',
				last_sync    TIMESTAMPTZ,
				deleted_at   TIMESTAMPTZ,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE TABLE messages (
				id               TEXT PRIMARY KEY,
				account_id       TEXT NOT NULL REFERENCES accounts(account_id),
				thread_id        TEXT NOT NULL DEFAULT '',
				subject          TEXT NOT NULL DEFAULT '',
				from_address     TEXT NOT NULL DEFAULT '',
				to_addresses     TEXT[] NOT NULL DEFAULT '{}',
				message_date     TIMESTAMP NOT NULL,
				snippet          TEXT NOT NULL DEFAULT '',
				is_unread        BOOLEAN NOT NULL DEFAULT TRUE,
				provider_labels  TEXT[] NOT NULL DEFAULT '{}',
				folder           TEXT NOT NULL DEFAULT 'inbox',
				original_folder  TEXT,
				provider_folder  TEXT NOT NULL DEFAULT '',
				has_attachments  BOOLEAN NOT NULL DEFAULT FALSE,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_messages_account ON messages(account_id);
			CREATE INDEX idx_messages_thread ON messages(thread_id);
			CREATE INDEX idx_messages_date ON messages(message_date DESC);
			CREATE INDEX idx_messages_account_folder ON messages(account_id, folder);
			CREATE INDEX idx_messages_from ON messages(from_address);

			CREATE TABLE classifications (
				message_id    TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
				tags          TEXT[] NOT NULL DEFAULT '{}',
				priority      TEXT NOT NULL DEFAULT 'normal',
				is_todo       BOOLEAN NOT NULL DEFAULT FALSE,
				can_archive   BOOLEAN NOT NULL DEFAULT FALSE,
				model         TEXT NOT NULL DEFAULT '',
				confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
				classified_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_classifications_tags ON classifications USING GIN(tags);

			CREATE TABLE attachments (
				id          TEXT PRIMARY KEY,
				message_id  TEXT REFERENCES messages(id) ON DELETE CASCADE,
				draft_id    TEXT,
				filename    TEXT NOT NULL,
				mime_type   TEXT NOT NULL DEFAULT 'application/octet-stream',
				size_bytes  BIGINT NOT NULL DEFAULT 0,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CHECK (message_id IS NOT NULL OR draft_id IS NOT NULL)
			);

			CREATE INDEX idx_attachments_message ON attachments(message_id);
			CREATE INDEX idx_attachments_draft ON attachments(draft_id);

			CREATE TABLE drafts (
				id              TEXT PRIMARY KEY,
				account_id      TEXT NOT NULL REFERENCES accounts(account_id),
				to_addresses    TEXT[] NOT NULL DEFAULT '{}',
				cc_addresses    TEXT[] NOT NULL DEFAULT '{}',
				bcc_addresses   TEXT[] NOT NULL DEFAULT '{}',
				subject         TEXT NOT NULL DEFAULT '',
				plaintext_body  TEXT,
				html_body       TEXT,
				thread_id       TEXT,
				in_reply_to     TEXT,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_drafts_account ON drafts(account_id);

			ALTER TABLE attachments
				ADD CONSTRAINT fk_attachments_draft FOREIGN KEY (draft_id) REFERENCES drafts(id) ON DELETE CASCADE;

			CREATE TABLE feedback (
				id              TEXT PRIMARY KEY,
				account_id      TEXT NOT NULL REFERENCES accounts(account_id),
				message_id      TEXT NOT NULL,
				sender_domain   TEXT NOT NULL DEFAULT '',
				subject_pattern TEXT NOT NULL DEFAULT '',
				original_tags   TEXT[] NOT NULL DEFAULT '{}',
				corrected_tags  TEXT[] NOT NULL DEFAULT '{}',
				context_snippet TEXT NOT NULL DEFAULT '',
				corrected_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				use_count       INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_feedback_account_domain ON feedback(account_id, sender_domain);
			CREATE INDEX idx_feedback_account_recency ON feedback(account_id, corrected_at DESC);

			CREATE TABLE pending_operations (
				id              TEXT PRIMARY KEY,
				account_id      TEXT NOT NULL REFERENCES accounts(account_id),
				message_id      TEXT NOT NULL,
				operation       TEXT NOT NULL,
				attempts        INTEGER NOT NULL DEFAULT 0,
				last_attempt_at TIMESTAMPTZ,
				last_error      TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL DEFAULT 'pending',
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_pending_ops_account_status ON pending_operations(account_id, status, created_at);
			CREATE INDEX idx_pending_ops_message_op ON pending_operations(message_id, operation, status);

			CREATE TABLE push_subscriptions (
				id                       TEXT PRIMARY KEY,
				account_id               TEXT NOT NULL UNIQUE REFERENCES accounts(account_id),
				external_subscription_id TEXT NOT NULL DEFAULT '',
				expires_at               TIMESTAMPTZ NOT NULL,
				renewal_cursor           TEXT NOT NULL DEFAULT '',
				created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE TABLE trusted_senders (
				account_id     TEXT NOT NULL REFERENCES accounts(account_id),
				sender_address TEXT NOT NULL,
				trusted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (account_id, sender_address)
			);

			CREATE TABLE action_log (
				id                 TEXT PRIMARY KEY,
				account_id         TEXT NOT NULL REFERENCES accounts(account_id),
				message_id         TEXT NOT NULL,
				action_name        TEXT NOT NULL,
				server             TEXT NOT NULL,
				tool               TEXT NOT NULL,
				status             TEXT NOT NULL,
				extracted_payload  JSONB,
				tool_result        JSONB,
				error              TEXT NOT NULL DEFAULT '',
				attempts           INTEGER NOT NULL DEFAULT 0,
				processed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_action_log_account ON action_log(account_id, processed_at DESC);
			CREATE INDEX idx_action_log_message_action ON action_log(message_id, action_name);
		`,
	},
}

// ApplyMigrations runs every migration whose version exceeds the highest
// one already recorded in schema_migrations, each inside its own
// transaction so a failure midway leaves the schema at a known version
// rather than half-applied.
func ApplyMigrations(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`); err != nil {
		return fmt.Errorf("database: create schema_migrations: %w", err)
	}

	var current int
	if err := db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("database: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyOne(db, m); err != nil {
			return fmt.Errorf("database: migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func applyOne(db *sqlx.DB, m Migration) error {
	tx, err := db.BeginTxx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
		return err
	}
	return tx.Commit()
}
