package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnirouter/internal/clock"
	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
	"omnirouter/internal/observability"
)

func TestHubDeliversInPublishOrder(t *testing.T) {
	h := NewHub(16)
	a := h.Subscribe("client-a", "adv-1")
	b := h.Subscribe("client-b", "adv-2")

	for i := 0; i < 5; i++ {
		h.Publish(domain.Event{ID: fmt.Sprint(i), ConversationID: "c1"})
	}

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 5; i++ {
			evt := <-sub.C
			assert.Equal(t, fmt.Sprint(i), evt.ID)
		}
	}
}

func TestHubDropsForSlowSubscriberOnly(t *testing.T) {
	h := NewHub(2)
	slow := h.Subscribe("slow", "adv-1")
	fast := h.Subscribe("fast", "adv-2")

	var got []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range fast.C {
			got = append(got, evt.ID)
		}
	}()

	// never blocks even though slow never reads
	for i := 0; i < 2; i++ {
		h.Publish(domain.Event{ID: fmt.Sprint(i)})
	}
	h.Publish(domain.Event{ID: "overflow"})

	assert.Equal(t, int64(1), slow.Dropped())
	h.Unsubscribe("fast")
	wg.Wait()
	assert.NotEmpty(t, got)
	assert.Equal(t, "0", got[0])
}

func TestHubUnsubscribeClosesAndCountsClients(t *testing.T) {
	h := NewHub(4)
	first := h.Subscribe("c1", "adv-1")
	h.Subscribe("c2", "adv-1")

	assert.Equal(t, 1, h.Unsubscribe("c1"))
	_, open := <-first.C
	assert.False(t, open)

	assert.Equal(t, 0, h.Unsubscribe("c2"))
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.ConnectedUsers())
}

type MockActions struct {
	mock.Mock
}

func (m *MockActions) conv(args mock.Arguments) (*domain.Conversation, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockActions) Accept(ctx context.Context, convID, advisorID string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID, advisorID))
}

func (m *MockActions) Reject(ctx context.Context, convID, advisorID string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID, advisorID))
}

func (m *MockActions) Transfer(ctx context.Context, convID string, target domain.Target, by string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID, target, by))
}

func (m *MockActions) TakeOver(ctx context.Context, convID, advisorID string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID, advisorID))
}

func (m *MockActions) Archive(ctx context.Context, convID string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID))
}

func (m *MockActions) Unarchive(ctx context.Context, convID string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID))
}

func (m *MockActions) Route(ctx context.Context, convID string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID))
}

func (m *MockActions) MarkRead(ctx context.Context, convID, advisorID string) (*domain.Conversation, error) {
	return m.conv(m.Called(ctx, convID, advisorID))
}

func (m *MockActions) SendOutbound(ctx context.Context, convID, advisorID string, out lifecycle.OutboundMessage) (*domain.Message, error) {
	args := m.Called(ctx, convID, advisorID, out)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) Report(userID string, online bool, status domain.PresenceStatus) domain.Presence {
	args := m.Called(userID, online, status)
	return args.Get(0).(domain.Presence)
}

func (m *MockPresence) Heartbeat(userID string) domain.Presence {
	args := m.Called(userID)
	return args.Get(0).(domain.Presence)
}

var sessionStart = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func newSession(actions Actions, presence PresenceReporter, hub *Hub) *session {
	return &session{
		advisorID: "adv-1",
		actions:   actions,
		presence:  presence,
		hub:       hub,
		clock:     clock.NewFake(sessionStart),
		logger:    observability.Discard(),
	}
}

func TestSessionAcceptAck(t *testing.T) {
	actions := new(MockActions)
	s := newSession(actions, new(MockPresence), NewHub(4))

	t.Run("Success", func(t *testing.T) {
		conv := &domain.Conversation{ID: "c1", Status: domain.StatusAttending}
		actions.On("Accept", mock.Anything, "c1", "adv-1").Return(conv, nil).Once()

		reply, ok := s.handle(context.Background(), frame{Type: "accept", RequestID: "r1", ConversationID: "c1"})
		require.True(t, ok)
		assert.True(t, reply.OK)
		assert.Equal(t, "r1", reply.RequestID)
		assert.Equal(t, conv, reply.Data)
	})

	t.Run("AlreadyAccepted", func(t *testing.T) {
		actions.On("Accept", mock.Anything, "c2", "adv-1").
			Return(nil, domain.Fail("accept", domain.ErrAlreadyAccepted)).Once()

		reply, ok := s.handle(context.Background(), frame{Type: "accept", ConversationID: "c2"})
		require.True(t, ok)
		assert.False(t, reply.OK)
		assert.Equal(t, domain.ReasonAlreadyAccepted, reply.Reason)
	})

	actions.AssertExpectations(t)
}

func TestSessionTransferRequiresTarget(t *testing.T) {
	actions := new(MockActions)
	s := newSession(actions, new(MockPresence), NewHub(4))

	reply, ok := s.handle(context.Background(), frame{Type: "transfer", ConversationID: "c1"})
	require.True(t, ok)
	assert.Equal(t, domain.ReasonInvalidInput, reply.Reason)

	target := *domain.QueueTarget("vip")
	actions.On("Transfer", mock.Anything, "c1", target, "adv-1").Return(&domain.Conversation{ID: "c1"}, nil).Once()
	reply, _ = s.handle(context.Background(), frame{Type: "transfer", ConversationID: "c1", Target: &target})
	assert.True(t, reply.OK)
	actions.AssertExpectations(t)
}

func TestSessionPresenceAndTyping(t *testing.T) {
	presence := new(MockPresence)
	hub := NewHub(4)
	watcher := hub.Subscribe("watcher", "adv-2")
	s := newSession(new(MockActions), presence, hub)

	presence.On("Heartbeat", "adv-1").Return(domain.Presence{UserID: "adv-1", IsOnline: true}).Once()
	_, ok := s.handle(context.Background(), frame{Type: "heartbeat"})
	assert.False(t, ok)

	busy := domain.PresenceStatus{Name: "busy", Action: "none"}
	presence.On("Report", "adv-1", true, busy).Return(domain.Presence{UserID: "adv-1", IsOnline: true, Status: busy}).Once()
	reply, ok := s.handle(context.Background(), frame{Type: "presence", Status: &busy})
	require.True(t, ok)
	assert.True(t, reply.OK)

	_, ok = s.handle(context.Background(), frame{Type: "typing", ConversationID: "c1"})
	assert.False(t, ok)
	evt := <-watcher.C
	assert.Equal(t, domain.EventTyping, evt.Kind)
	assert.Equal(t, "adv-1", evt.UserID)
	assert.Equal(t, sessionStart, evt.Time)

	presence.AssertExpectations(t)
}

func TestSessionUnknownFrame(t *testing.T) {
	s := newSession(new(MockActions), new(MockPresence), NewHub(4))
	reply, ok := s.handle(context.Background(), frame{Type: "call_offer"})
	require.True(t, ok)
	assert.False(t, reply.OK)
}
