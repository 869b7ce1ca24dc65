package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnirouter/internal/domain"
	"omnirouter/internal/service"
	"omnirouter/internal/store/memory"
)

func TestSyncQueuesDropsQueuesMissingFromConfig(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.UpsertQueue(ctx, &domain.Queue{ID: "general", Members: []string{"adv-a"}}))
	require.NoError(t, store.UpsertQueue(ctx, &domain.Queue{ID: "legacy", Members: []string{"adv-x"}}))

	removed, err := service.SyncQueues(ctx, store, []domain.Queue{
		{ID: "general", Name: "General", Members: []string{"adv-a", "adv-b"}},
		{ID: "vip", Name: "VIP", Members: []string{"adv-c"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy"}, removed)

	all, err := store.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "general", all[0].ID)
	assert.Equal(t, []string{"adv-a", "adv-b"}, all[0].Members)
	assert.Equal(t, "vip", all[1].ID)

	_, err = store.GetQueue(ctx, "legacy")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncQueuesStopsOnUpsertFailure(t *testing.T) {
	ctx := context.Background()
	queues := new(MockQueueRepo)
	queues.On("UpsertQueue", ctx, mock.Anything).Return(errors.New("disk full")).Once()

	_, err := service.SyncQueues(ctx, queues, []domain.Queue{{ID: "general"}})
	assert.Error(t, err)

	queues.AssertNotCalled(t, "ListQueues", mock.Anything)
	queues.AssertNotCalled(t, "DeleteQueue", mock.Anything, mock.Anything)
	queues.AssertExpectations(t)
}
