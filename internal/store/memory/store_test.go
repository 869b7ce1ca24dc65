package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnirouter/internal/domain"
)

func newConversation(id, phone string, status domain.ConversationStatus, at time.Time) *domain.Conversation {
	return &domain.Conversation{
		ID:                  id,
		Phone:               phone,
		Status:              status,
		LastClientMessageAt: at,
		CreatedAt:           at,
		UpdatedAt:           at,
	}
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newConversation("c1", "+1", domain.StatusQueued, now)))

	a, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)
	b, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)

	a.Status = domain.StatusAttending
	a.AssignedTo = domain.Advisor("adv-1")
	require.NoError(t, s.Save(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.AssignedTo = domain.Advisor("adv-2")
	assert.ErrorIs(t, s.Save(ctx, b), domain.ErrRaceLost)

	got, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "adv-1", got.AssignedAdvisor())
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	c := newConversation("c1", "+1", domain.StatusQueued, now)
	require.NoError(t, s.Create(ctx, c))

	c.Phone = "mutated"
	got, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "+1", got.Phone)
}

func TestFindOpenByPhoneSkipsArchived(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	require.NoError(t, s.Create(ctx, newConversation("old", "+51999", domain.StatusArchived, now)))
	_, err := s.FindOpenByPhone(ctx, "+51999")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Create(ctx, newConversation("new", "+51999", domain.StatusQueued, now.Add(time.Minute))))
	got, err := s.FindOpenByPhone(ctx, "+51999")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
}

func TestListAndCountAttending(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	for i, adv := range []string{"a", "a", "b"} {
		c := newConversation(string(rune('x'+i)), "+1", domain.StatusAttending, now)
		c.AssignedTo = domain.Advisor(adv)
		require.NoError(t, s.Create(ctx, c))
	}
	queued := newConversation("q", "+2", domain.StatusQueued, now)
	queued.AssignedTo = domain.Advisor("b")
	require.NoError(t, s.Create(ctx, queued))

	load, err := s.CountAttendingByAdvisor(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, load)

	list, err := s.List(ctx, domain.ConversationFilter{
		Statuses:   []domain.ConversationStatus{domain.StatusQueued},
		AssignedTo: domain.Advisor("b"),
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "q", list[0].ID)
}

func TestMessagesAndMarkers(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := newConversation("c1", "+1", domain.StatusQueued, now)

	first := &domain.Message{ID: "m1", ConversationID: "c1", Seq: 1, Direction: domain.DirectionIncoming, Type: domain.MessageText, Body: "hi", CreatedAt: now}
	require.NoError(t, s.Create(ctx, c, first))

	marker := "window_warning"
	ext := "wamid.1"
	warn := &domain.Message{ID: "m2", ConversationID: "c1", Seq: 2, Type: domain.MessageSystem, Marker: &marker, CreatedAt: now.Add(25 * time.Hour)}
	out := &domain.Message{ID: "m3", ConversationID: "c1", Seq: 3, Direction: domain.DirectionOutgoing, Status: domain.MessagePending, CreatedAt: now.Add(26 * time.Hour)}
	require.NoError(t, s.Save(ctx, c, warn, out))

	ok, err := s.HasMarkerSince(ctx, "c1", marker, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasMarkerSince(ctx, "c1", marker, now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpdateStatus(ctx, "m3", domain.MessageSent, &ext))
	m, err := s.GetByExternalID(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, "m3", m.ID)
	assert.Equal(t, domain.MessageSent, m.Status)

	msgs, err := s.ListForConversation(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestFaultHookFailsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	boom := errors.New("disk gone")
	s.SetFault(func(op string) error { return boom })

	err := s.Create(ctx, newConversation("c1", "+1", domain.StatusQueued, time.Now()))
	assert.ErrorIs(t, err, boom)
	_, err = s.GetByID(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueues(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.UpsertQueue(ctx, &domain.Queue{ID: "vip", Members: []string{"c"}}))
	require.NoError(t, s.UpsertQueue(ctx, &domain.Queue{ID: "general", Members: []string{"a", "b"}}))

	qs, err := s.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "general", qs[0].ID)

	q, err := s.GetQueue(ctx, "general")
	require.NoError(t, err)
	assert.True(t, q.HasMember("b"))

	require.NoError(t, s.DeleteQueue(ctx, "vip"))
	_, err = s.GetQueue(ctx, "vip")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteQueue(ctx, "vip"), domain.ErrNotFound)
}
