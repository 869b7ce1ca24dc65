package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"omnirouter/internal/domain"
)

const messageColumns = `id, conversation_id, seq, direction, type, body, status, external_id, sender_id, marker, created_at`

func (s *Store) insertMessages(ctx context.Context, tx *sqlx.Tx, msgs []*domain.Message) error {
	for _, m := range msgs {
		body, err := s.cipher.Encrypt(m.Body)
		if err != nil {
			return fmt.Errorf("encrypt message body: %w", err)
		}
		row := *m
		row.Body = body
		row.CreatedAt = m.CreatedAt.UTC()
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (:id, :conversation_id, :seq, :direction, :type, :body, :status, :external_id, :sender_id, :marker, :created_at)
		`, &row); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

func (s *Store) decrypt(m *domain.Message) error {
	plain, err := s.cipher.Decrypt(m.Body)
	if err != nil {
		return fmt.Errorf("decrypt message %s: %w", m.ID, err)
	}
	m.Body = plain
	return nil
}

func (s *Store) getMessage(ctx context.Context, where string, arg any) (*domain.Message, error) {
	var m domain.Message
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE `+where+` = ?`), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if err := s.decrypt(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.getMessage(ctx, "id", id)
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	return s.getMessage(ctx, "external_id", externalID)
}

// ListForConversation returns the newest limit messages in chronological
// order. A non-positive limit returns the whole history.
func (s *Store) ListForConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []domain.Message
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), conversationID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	res := make([]*domain.Message, len(rows))
	for i := range rows {
		m := rows[i]
		if err := s.decrypt(&m); err != nil {
			return nil, err
		}
		res[len(rows)-1-i] = &m
	}
	return res, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, externalID *string) error {
	var (
		res sql.Result
		err error
	)
	if externalID != nil && *externalID != "" {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE messages SET status = ?, external_id = ? WHERE id = ?`),
			string(status), *externalID, id)
	} else {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE messages SET status = ? WHERE id = ?`),
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n == 0 {
		// mysql reports zero for an unchanged row, so confirm it is missing
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// HasMarkerSince compares timestamps in Go; text-encoded sqlite times do
// not compare reliably in SQL across drivers.
func (s *Store) HasMarkerSince(ctx context.Context, conversationID, marker string, since time.Time) (bool, error) {
	var stamps []time.Time
	err := s.db.SelectContext(ctx, &stamps, s.db.Rebind(`
		SELECT created_at FROM messages WHERE conversation_id = ? AND marker = ?
	`), conversationID, marker)
	if err != nil {
		return false, fmt.Errorf("find marker: %w", err)
	}
	for _, at := range stamps {
		if at.After(since) {
			return true, nil
		}
	}
	return false, nil
}
