package mysql

import (
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Open opens a MySQL database. The DSN is normalised so DATETIME columns
// scan into time.Time in UTC.
func Open(dsn string) (*sqlx.DB, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the routing schema on MySQL.
func Migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id                     VARCHAR(36)  NOT NULL PRIMARY KEY,
			phone                  VARCHAR(32)  NOT NULL,
			status                 VARCHAR(16)  NOT NULL,
			queue_id               VARCHAR(64)  NULL,
			assigned_to            VARCHAR(128) NULL,
			assigned_by            VARCHAR(16)  NOT NULL DEFAULT '',
			transferred_from       VARCHAR(128) NULL,
			assigned_at            DATETIME(6)  NULL,
			bounce_count           INT          NOT NULL DEFAULT 0,
			last_client_message_at DATETIME(6)  NOT NULL,
			window_warned_at       DATETIME(6)  NULL,
			read_at                DATETIME(6)  NULL,
			last_seq               BIGINT       NOT NULL DEFAULT 0,
			version                BIGINT       NOT NULL DEFAULT 1,
			created_at             DATETIME(6)  NOT NULL,
			updated_at             DATETIME(6)  NOT NULL,
			archived_at            DATETIME(6)  NULL,
			INDEX idx_conversations_phone_status (phone, status),
			INDEX idx_conversations_status (status),
			INDEX idx_conversations_assigned_to (assigned_to)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              VARCHAR(36)  NOT NULL PRIMARY KEY,
			conversation_id VARCHAR(36)  NOT NULL,
			seq             BIGINT       NOT NULL,
			direction       VARCHAR(16)  NOT NULL,
			type            VARCHAR(16)  NOT NULL,
			body            MEDIUMTEXT   NOT NULL,
			status          VARCHAR(16)  NOT NULL,
			external_id     VARCHAR(255) NULL,
			sender_id       VARCHAR(128) NULL,
			marker          VARCHAR(32)  NULL,
			created_at      DATETIME(6)  NOT NULL,
			UNIQUE KEY uq_messages_conv_seq (conversation_id, seq),
			INDEX idx_messages_conv_created (conversation_id, created_at),
			INDEX idx_messages_external_id (external_id),
			INDEX idx_messages_marker (conversation_id, marker),
			CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS queues (
			id       VARCHAR(64)  NOT NULL PRIMARY KEY,
			name     VARCHAR(128) NOT NULL,
			members  TEXT         NOT NULL,
			strategy VARCHAR(16)  NOT NULL DEFAULT ''
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
