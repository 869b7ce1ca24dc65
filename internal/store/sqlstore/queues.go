package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"omnirouter/internal/domain"
)

type queueRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Members  string `db:"members"`
	Strategy string `db:"strategy"`
}

func (r queueRow) toDomain() *domain.Queue {
	q := &domain.Queue{ID: r.ID, Name: r.Name, Strategy: r.Strategy, Members: []string{}}
	for _, m := range strings.Split(r.Members, ",") {
		if m = strings.TrimSpace(m); m != "" {
			q.Members = append(q.Members, m)
		}
	}
	return q
}

func (s *Store) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, name, members, strategy FROM queues WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, members, strategy FROM queues ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	res := make([]*domain.Queue, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toDomain())
	}
	return res, nil
}

// UpsertQueue replaces the queue row. Delete-then-insert keeps the
// statement portable across the supported dialects.
func (s *Store) UpsertQueue(ctx context.Context, q *domain.Queue) error {
	if strings.TrimSpace(q.ID) == "" {
		return fmt.Errorf("%w: queue id is required", domain.ErrInvalidInput)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM queues WHERE id = ?`), q.ID); err != nil {
		return fmt.Errorf("replace queue: %w", err)
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO queues (id, name, members, strategy) VALUES (:id, :name, :members, :strategy)
	`, queueRow{ID: q.ID, Name: q.Name, Members: strings.Join(q.Members, ","), Strategy: q.Strategy}); err != nil {
		return fmt.Errorf("insert queue: %w", err)
	}
	return tx.Commit()
}

func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM queues WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
