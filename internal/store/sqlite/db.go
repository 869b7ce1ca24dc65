package sqlite

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN. SQLite allows a single
// writer, so the pool is pinned to one connection. Times are written in a
// sortable text layout unless the DSN picks one.
func Open(dsn string) (*sqlx.DB, error) {
	if !strings.Contains(dsn, "_time_format=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA journal_mode = WAL;`, `PRAGMA busy_timeout = 5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate creates the routing schema. Statements are idempotent.
func Migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id                     TEXT PRIMARY KEY,
			phone                  TEXT NOT NULL,
			status                 TEXT NOT NULL,
			queue_id               TEXT,
			assigned_to            TEXT,
			assigned_by            TEXT NOT NULL DEFAULT '',
			transferred_from       TEXT,
			assigned_at            DATETIME,
			bounce_count           INTEGER NOT NULL DEFAULT 0,
			last_client_message_at DATETIME NOT NULL,
			window_warned_at       DATETIME,
			read_at                DATETIME,
			last_seq               INTEGER NOT NULL DEFAULT 0,
			version                INTEGER NOT NULL DEFAULT 1,
			created_at             DATETIME NOT NULL,
			updated_at             DATETIME NOT NULL,
			archived_at            DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			direction       TEXT NOT NULL,
			type            TEXT NOT NULL,
			body            TEXT NOT NULL,
			status          TEXT NOT NULL,
			external_id     TEXT,
			sender_id       TEXT,
			marker          TEXT,
			created_at      DATETIME NOT NULL,
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS queues (
			id       TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			members  TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_phone_status ON conversations(phone, status);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_assigned_to ON conversations(assigned_to);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_external_id ON messages(external_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_marker ON messages(conversation_id, marker);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
