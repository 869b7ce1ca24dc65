package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnirouter/internal/assignment"
	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
	"omnirouter/internal/observability"
	"omnirouter/internal/presence"
	"omnirouter/internal/store/memory"
)

var t0 = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

type setup struct {
	ctx     context.Context
	clock   *clock.Fake
	store   *memory.Store
	routing *config.Routing
	ctl     *lifecycle.Controller
	monitor *Monitor
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	s := &setup{
		ctx:     context.Background(),
		clock:   clock.NewFake(t0),
		store:   memory.NewStore(),
		routing: config.NewRouting(config.DefaultRoutingSettings()),
	}
	logger := observability.Discard()
	reg := presence.NewRegistry(s.clock, time.Hour, nil, logger)
	s.ctl = lifecycle.NewController(lifecycle.Deps{
		Store:    s.store,
		Presence: reg,
		Policy:   assignment.NewPolicy(reg, nil),
		Routing:  s.routing,
		Clock:    s.clock,
		Logger:   logger,
	})
	s.monitor = NewMonitor(s.store, s.ctl, s.routing, s.clock, logger)
	return s
}

func (s *setup) warnings(t *testing.T, convID string) int {
	t.Helper()
	msgs, err := s.store.ListForConversation(s.ctx, convID, 0)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.Marker != nil && *m.Marker == domain.MarkerWindowWarning {
			assert.Equal(t, domain.MessageSystem, m.Type)
			assert.Equal(t, domain.DirectionOutgoing, m.Direction)
			n++
		}
	}
	return n
}

func TestScanWarnsExactlyOnce(t *testing.T) {
	s := newSetup(t)
	id, err := s.ctl.OnInboundMessage(s.ctx, "+51999", lifecycle.InboundMessage{Body: "hola"})
	require.NoError(t, err)

	s.clock.Set(t0.Add(25 * time.Hour))
	before, err := s.store.GetByID(s.ctx, id)
	require.NoError(t, err)

	res, err := s.monitor.Scan(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warned)
	assert.Equal(t, 1, s.warnings(t, id))

	res, err = s.monitor.Scan(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Warned)
	assert.Equal(t, 1, s.warnings(t, id))

	after, err := s.store.GetByID(s.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, after.Status.IsOpen())
}

func TestScanSkipsRecentAndArchived(t *testing.T) {
	s := newSetup(t)
	recent, err := s.ctl.OnInboundMessage(s.ctx, "+1", lifecycle.InboundMessage{Body: "a"})
	require.NoError(t, err)
	archived, err := s.ctl.OnInboundMessage(s.ctx, "+2", lifecycle.InboundMessage{Body: "b"})
	require.NoError(t, err)
	_, err = s.ctl.Archive(s.ctx, archived)
	require.NoError(t, err)

	s.clock.Set(t0.Add(23 * time.Hour))
	res, err := s.monitor.Scan(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Warned)

	s.clock.Set(t0.Add(48 * time.Hour))
	res, err = s.monitor.Scan(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warned)
	assert.Equal(t, 1, s.warnings(t, recent))
	assert.Equal(t, 0, s.warnings(t, archived))
}

type flakyWarner struct {
	mu    sync.Mutex
	inner Warner
	fail  string
	calls []string
}

func (f *flakyWarner) WarnWindowExpired(ctx context.Context, convID string, threshold time.Duration) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, convID)
	f.mu.Unlock()
	if convID == f.fail {
		return false, errors.New("store hiccup")
	}
	return f.inner.WarnWindowExpired(ctx, convID, threshold)
}

func TestScanContinuesPastFailures(t *testing.T) {
	s := newSetup(t)
	first, err := s.ctl.OnInboundMessage(s.ctx, "+1", lifecycle.InboundMessage{Body: "a"})
	require.NoError(t, err)
	second, err := s.ctl.OnInboundMessage(s.ctx, "+2", lifecycle.InboundMessage{Body: "b"})
	require.NoError(t, err)

	w := &flakyWarner{inner: s.ctl, fail: first}
	m := NewMonitor(s.store, w, s.routing, s.clock, observability.Discard())

	s.clock.Set(t0.Add(30 * time.Hour))
	res, err := m.Scan(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Warned)
	assert.Equal(t, 1, s.warnings(t, second))
}

func TestStartScansImmediatelyThenPolls(t *testing.T) {
	s := newSetup(t)
	s.routing.Update(func(rs *config.RoutingSettings) { rs.Window.PollIntervalMs = int(time.Minute / time.Millisecond) })

	first, err := s.ctl.OnInboundMessage(s.ctx, "+1", lifecycle.InboundMessage{Body: "a"})
	require.NoError(t, err)
	s.clock.Set(t0.Add(25 * time.Hour))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.monitor.tick(ctx)
	assert.Equal(t, 1, s.warnings(t, first))

	second, err := s.ctl.OnInboundMessage(s.ctx, "+2", lifecycle.InboundMessage{Body: "b"})
	require.NoError(t, err)
	s.clock.Advance(25 * time.Hour)

	assert.Equal(t, 1, s.warnings(t, second))
	assert.Equal(t, 1, s.warnings(t, first))
	s.monitor.Stop()
}
