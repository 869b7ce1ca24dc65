package service

import (
	"context"
	"errors"
	"fmt"

	"omnirouter/internal/domain"
)

// SyncQueues makes the stored queues match queues: each one is upserted and
// stored queues missing from the list are deleted. It returns the ids of
// the deleted queues.
func SyncQueues(ctx context.Context, repo domain.QueueRepository, queues []domain.Queue) ([]string, error) {
	keep := make(map[string]struct{}, len(queues))
	for i := range queues {
		q := queues[i]
		if err := repo.UpsertQueue(ctx, &q); err != nil {
			return nil, fmt.Errorf("upsert queue %s: %w", q.ID, err)
		}
		keep[q.ID] = struct{}{}
	}

	stored, err := repo.ListQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	var removed []string
	for _, q := range stored {
		if _, ok := keep[q.ID]; ok {
			continue
		}
		if err := repo.DeleteQueue(ctx, q.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return removed, fmt.Errorf("delete queue %s: %w", q.ID, err)
		}
		removed = append(removed, q.ID)
	}
	return removed, nil
}
