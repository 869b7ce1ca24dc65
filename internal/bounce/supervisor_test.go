package bounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
	"omnirouter/internal/observability"
	"omnirouter/internal/store/memory"
)

type recordingHandler struct {
	mu    sync.Mutex
	fired []domain.BounceToken
}

func (h *recordingHandler) HandleBounce(ctx context.Context, token domain.BounceToken) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, token)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Supervisor, *clock.Fake, *config.Routing, *recordingHandler) {
	t.Helper()
	fc := clock.NewFake(start)
	routing := config.NewRouting(config.DefaultRoutingSettings())
	s := NewSupervisor(fc, routing, observability.Discard())
	h := &recordingHandler{}
	s.SetHandler(h)
	return s, fc, routing, h
}

func token(id, advisor string) domain.BounceToken {
	return domain.BounceToken{
		ConversationID: id,
		Expected:       *domain.Advisor(advisor),
		Status:         domain.StatusQueued,
		ArmedAt:        start,
	}
}

func TestArmFiresAfterBounceTime(t *testing.T) {
	s, fc, _, h := setup(t)

	require.True(t, s.Arm(token("c1", "a")))
	fc.Advance(4 * time.Minute)
	assert.Equal(t, 0, h.count())

	fc.Advance(time.Minute)
	require.Equal(t, 1, h.count())
	assert.Equal(t, "c1", h.fired[0].ConversationID)
	assert.Equal(t, start.Add(5*time.Minute), h.fired[0].Deadline)
	assert.Equal(t, 0, s.Len())
}

func TestRearmReplacesPreviousTimer(t *testing.T) {
	s, fc, _, h := setup(t)

	s.Arm(token("c1", "a"))
	fc.Advance(3 * time.Minute)
	next := token("c1", "b")
	next.ArmedAt = fc.Now()
	s.Arm(next)

	fc.Advance(3 * time.Minute)
	assert.Equal(t, 0, h.count())
	fc.Advance(2 * time.Minute)
	require.Equal(t, 1, h.count())
	assert.Equal(t, "b", h.fired[0].Expected.ID)
}

func TestDisarmCancels(t *testing.T) {
	s, fc, _, h := setup(t)

	s.Arm(token("c1", "a"))
	s.Disarm("c1")
	fc.Advance(time.Hour)
	assert.Equal(t, 0, h.count())
	assert.Equal(t, 0, fc.Pending())
}

func TestDisabledBounceArmsNothing(t *testing.T) {
	s, fc, routing, h := setup(t)
	routing.Update(func(rs *config.RoutingSettings) { rs.Bounce.Enabled = false })

	assert.False(t, s.Arm(token("c1", "a")))
	fc.Advance(time.Hour)
	assert.Equal(t, 0, h.count())
}

func TestBounceTimeIsReadAtArmTime(t *testing.T) {
	s, fc, routing, h := setup(t)
	routing.Update(func(rs *config.RoutingSettings) { rs.Bounce.BounceTimeMinutes = 1 })

	s.Arm(token("c1", "a"))
	fc.Advance(time.Minute)
	assert.Equal(t, 1, h.count())
}

func TestCancelledContextSuppressesFiring(t *testing.T) {
	s, fc, _, h := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	s.Arm(token("c1", "a"))
	cancel()
	fc.Advance(time.Hour)
	assert.Equal(t, 0, h.count())
}

func TestRecoverRearmsAwaitingConversations(t *testing.T) {
	s, fc, _, h := setup(t)
	ctx := context.Background()
	store := memory.NewStore()

	waiting := &domain.Conversation{
		ID: "w", Phone: "+1", Status: domain.StatusQueued,
		AssignedTo: domain.Advisor("a"), AssignedBy: domain.AssignedByPolicy,
		CreatedAt: start.Add(-10 * time.Minute), UpdatedAt: start.Add(-2 * time.Minute),
	}
	unassigned := &domain.Conversation{ID: "u", Phone: "+2", Status: domain.StatusQueued, CreatedAt: start, UpdatedAt: start}
	attending := &domain.Conversation{
		ID: "x", Phone: "+3", Status: domain.StatusAttending,
		AssignedTo: domain.Advisor("b"), CreatedAt: start, UpdatedAt: start,
	}
	for _, c := range []*domain.Conversation{waiting, unassigned, attending} {
		require.NoError(t, store.Create(ctx, c))
	}

	n, err := s.Recover(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fc.Advance(3 * time.Minute)
	require.Equal(t, 1, h.count())
	assert.Equal(t, "w", h.fired[0].ConversationID)
}

func TestTokenMatches(t *testing.T) {
	tok := token("c1", "a")
	c := &domain.Conversation{ID: "c1", Status: domain.StatusQueued, AssignedTo: domain.Advisor("a")}
	assert.True(t, tok.Matches(c))

	c.Status = domain.StatusAttending
	assert.False(t, tok.Matches(c))

	c.Status = domain.StatusQueued
	c.AssignedTo = domain.Advisor("b")
	assert.False(t, tok.Matches(c))

	c.AssignedTo = domain.Advisor("a")
	c.BounceCount = 1
	assert.False(t, tok.Matches(c))
}
