package postgres

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the routing schema on PostgreSQL.
func Migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id                     VARCHAR(36)  PRIMARY KEY,
			phone                  VARCHAR(32)  NOT NULL,
			status                 VARCHAR(16)  NOT NULL,
			queue_id               VARCHAR(64),
			assigned_to            VARCHAR(128),
			assigned_by            VARCHAR(16)  NOT NULL DEFAULT '',
			transferred_from       VARCHAR(128),
			assigned_at            TIMESTAMPTZ,
			bounce_count           INTEGER      NOT NULL DEFAULT 0,
			last_client_message_at TIMESTAMPTZ  NOT NULL,
			window_warned_at       TIMESTAMPTZ,
			read_at                TIMESTAMPTZ,
			last_seq               BIGINT       NOT NULL DEFAULT 0,
			version                BIGINT       NOT NULL DEFAULT 1,
			created_at             TIMESTAMPTZ  NOT NULL,
			updated_at             TIMESTAMPTZ  NOT NULL,
			archived_at            TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              VARCHAR(36)  PRIMARY KEY,
			conversation_id VARCHAR(36)  NOT NULL REFERENCES conversations(id),
			seq             BIGINT       NOT NULL,
			direction       VARCHAR(16)  NOT NULL,
			type            VARCHAR(16)  NOT NULL,
			body            TEXT         NOT NULL,
			status          VARCHAR(16)  NOT NULL,
			external_id     VARCHAR(255),
			sender_id       VARCHAR(128),
			marker          VARCHAR(32),
			created_at      TIMESTAMPTZ  NOT NULL,
			UNIQUE (conversation_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS queues (
			id       VARCHAR(64)  PRIMARY KEY,
			name     VARCHAR(128) NOT NULL,
			members  TEXT         NOT NULL DEFAULT '',
			strategy VARCHAR(16)  NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conversations_phone_status ON conversations(phone, status)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_assigned_to ON conversations(assigned_to)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_external_id ON messages(external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_marker ON messages(conversation_id, marker)`,

		// window_warned_at arrived after the first deployments
		`ALTER TABLE conversations ADD COLUMN IF NOT EXISTS window_warned_at TIMESTAMPTZ`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
