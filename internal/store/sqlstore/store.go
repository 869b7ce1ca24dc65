// Package sqlstore implements the conversation store over database/sql
// with sqlx. Queries use '?' placeholders and are rebound per driver, so
// the same code serves sqlite, postgres and mysql. Schemas live in the
// dialect packages.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"omnirouter/internal/domain"
	"omnirouter/internal/security"
)

type Store struct {
	db     *sqlx.DB
	cipher security.Cipher
}

var _ domain.Store = (*Store)(nil)

// New wraps db. Message bodies are sealed with cipher; nil stores them in
// clear.
func New(db *sqlx.DB, cipher security.Cipher) *Store {
	if cipher == nil {
		cipher = security.PlainCipher{}
	}
	return &Store{db: db, cipher: cipher}
}

func (s *Store) Close() error { return s.db.Close() }

// conversationRow is the persisted shape; targets are stored as "kind:id".
type conversationRow struct {
	ID                  string         `db:"id"`
	Phone               string         `db:"phone"`
	Status              string         `db:"status"`
	QueueID             sql.NullString `db:"queue_id"`
	AssignedTo          sql.NullString `db:"assigned_to"`
	AssignedBy          string         `db:"assigned_by"`
	TransferredFrom     sql.NullString `db:"transferred_from"`
	AssignedAt          sql.NullTime   `db:"assigned_at"`
	BounceCount         int            `db:"bounce_count"`
	LastClientMessageAt time.Time      `db:"last_client_message_at"`
	WindowWarnedAt      sql.NullTime   `db:"window_warned_at"`
	ReadAt              sql.NullTime   `db:"read_at"`
	LastSeq             int64          `db:"last_seq"`
	Version             int64          `db:"version"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	ArchivedAt          sql.NullTime   `db:"archived_at"`
}

const conversationColumns = `id, phone, status, queue_id, assigned_to, assigned_by, transferred_from,
	assigned_at, bounce_count, last_client_message_at, window_warned_at, read_at,
	last_seq, version, created_at, updated_at, archived_at`

func toRow(c *domain.Conversation) conversationRow {
	return conversationRow{
		ID:                  c.ID,
		Phone:               c.Phone,
		Status:              string(c.Status),
		QueueID:             nullString(c.QueueID),
		AssignedTo:          nullTarget(c.AssignedTo),
		AssignedBy:          string(c.AssignedBy),
		TransferredFrom:     nullTarget(c.TransferredFrom),
		AssignedAt:          nullTime(c.AssignedAt),
		BounceCount:         c.BounceCount,
		LastClientMessageAt: c.LastClientMessageAt.UTC(),
		WindowWarnedAt:      nullTime(c.WindowWarnedAt),
		ReadAt:              nullTime(c.ReadAt),
		LastSeq:             c.LastSeq,
		Version:             c.Version,
		CreatedAt:           c.CreatedAt.UTC(),
		UpdatedAt:           c.UpdatedAt.UTC(),
		ArchivedAt:          nullTime(c.ArchivedAt),
	}
}

func (r conversationRow) toDomain() (*domain.Conversation, error) {
	assignedTo, err := domain.ParseTarget(r.AssignedTo.String)
	if err != nil {
		return nil, fmt.Errorf("conversation %s assigned_to: %w", r.ID, err)
	}
	from, err := domain.ParseTarget(r.TransferredFrom.String)
	if err != nil {
		return nil, fmt.Errorf("conversation %s transferred_from: %w", r.ID, err)
	}
	return &domain.Conversation{
		ID:                  r.ID,
		Phone:               r.Phone,
		Status:              domain.ConversationStatus(r.Status),
		QueueID:             stringPtr(r.QueueID),
		AssignedTo:          assignedTo,
		AssignedBy:          domain.AssignmentSource(r.AssignedBy),
		TransferredFrom:     from,
		AssignedAt:          timePtr(r.AssignedAt),
		BounceCount:         r.BounceCount,
		LastClientMessageAt: r.LastClientMessageAt,
		WindowWarnedAt:      timePtr(r.WindowWarnedAt),
		ReadAt:              timePtr(r.ReadAt),
		LastSeq:             r.LastSeq,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		ArchivedAt:          timePtr(r.ArchivedAt),
	}, nil
}

func (s *Store) Create(ctx context.Context, c *domain.Conversation, msgs ...*domain.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c.Version = 1
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (:id, :phone, :status, :queue_id, :assigned_to, :assigned_by, :transferred_from,
			:assigned_at, :bounce_count, :last_client_message_at, :window_warned_at, :read_at,
			:last_seq, :version, :created_at, :updated_at, :archived_at)
	`, toRow(c)); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if err := s.insertMessages(ctx, tx, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.toDomain()
}

func (s *Store) FindOpenByPhone(ctx context.Context, phone string) (*domain.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE phone = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`), phone, string(domain.StatusQueued), string(domain.StatusAttending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return row.toDomain()
}

func (s *Store) List(ctx context.Context, f domain.ConversationFilter) ([]*domain.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.AssignedTo != nil {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo.String())
	}
	if f.QueueID != "" {
		where = append(where, "queue_id = ?")
		args = append(args, f.QueueID)
	}
	if f.Phone != "" {
		where = append(where, "phone = ?")
		args = append(args, f.Phone)
	}

	q := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	res := make([]*domain.Conversation, 0, len(rows))
	for _, r := range rows {
		c, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (s *Store) CountAttendingByAdvisor(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		AssignedTo string `db:"assigned_to"`
		N          int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT assigned_to, COUNT(*) AS n FROM conversations
		WHERE status = ? AND assigned_to LIKE ?
		GROUP BY assigned_to
	`), string(domain.StatusAttending), string(domain.TargetAdvisor)+":%")
	if err != nil {
		return nil, fmt.Errorf("count attending: %w", err)
	}
	res := make(map[string]int, len(rows))
	for _, r := range rows {
		t, err := domain.ParseTarget(r.AssignedTo)
		if err != nil || t == nil {
			continue
		}
		res[t.ID] += r.N
	}
	return res, nil
}

// Save writes c if nobody else did since it was read. The row update and
// the message inserts commit together.
func (s *Store) Save(ctx context.Context, c *domain.Conversation, appended ...*domain.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := toRow(c)
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE conversations SET
			status = ?, queue_id = ?, assigned_to = ?, assigned_by = ?, transferred_from = ?,
			assigned_at = ?, bounce_count = ?, last_client_message_at = ?, window_warned_at = ?,
			read_at = ?, last_seq = ?, updated_at = ?, archived_at = ?, version = ?
		WHERE id = ? AND version = ?
	`),
		row.Status, row.QueueID, row.AssignedTo, row.AssignedBy, row.TransferredFrom,
		row.AssignedAt, row.BounceCount, row.LastClientMessageAt, row.WindowWarnedAt,
		row.ReadAt, row.LastSeq, row.UpdatedAt, row.ArchivedAt, row.Version+1,
		row.ID, row.Version,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), c.ID)
		if err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		if exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrRaceLost
	}
	if err := s.insertMessages(ctx, tx, appended); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.Version++
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTarget(t *domain.Target) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
