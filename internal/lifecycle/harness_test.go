package lifecycle

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"omnirouter/internal/assignment"
	"omnirouter/internal/bounce"
	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
	"omnirouter/internal/observability"
	"omnirouter/internal/presence"
	"omnirouter/internal/store/memory"
)

var t0 = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) alerts() []string {
	var out []string
	for _, e := range r.all() {
		if e.Kind == domain.EventSupervisorAlert {
			out = append(out, e.Alert)
		}
	}
	return out
}

func (r *recorder) actionsFor(convID string) []string {
	var out []string
	for _, e := range r.all() {
		if e.Kind == domain.EventConversationUpdate && e.ConversationID == convID {
			out = append(out, e.Action)
		}
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*domain.Message
	err  error
	n    int
}

func (f *fakeSender) Send(ctx context.Context, conv *domain.Conversation, msg *domain.Message) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	cp := *msg
	f.sent = append(f.sent, &cp)
	return &domain.Receipt{
		MessageID:  msg.ID,
		ExternalID: "wamid." + string(rune('0'+f.n)),
		Status:     domain.MessageSent,
	}, nil
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	clock      *clock.Fake
	store      *memory.Store
	routing    *config.Routing
	presence   *presence.Registry
	supervisor *bounce.Supervisor
	events     *recorder
	sender     *fakeSender
	ctl        *Controller
}

func newHarness(t *testing.T, members ...string) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  clock.NewFake(t0),
		store:  memory.NewStore(),
		events: &recorder{},
		sender: &fakeSender{},
	}
	settings := config.DefaultRoutingSettings()
	settings.AutoAssign = false
	settings.DefaultQueue = "general"
	h.routing = config.NewRouting(settings)

	logger := observability.Discard()
	h.presence = presence.NewRegistry(h.clock, 1000*time.Hour, h.events, logger)
	policy := assignment.NewPolicy(h.presence, rand.New(rand.NewSource(1)))
	h.supervisor = bounce.NewSupervisor(h.clock, h.routing, logger)

	h.ctl = NewController(Deps{
		Store:     h.store,
		Presence:  h.presence,
		Policy:    policy,
		Bounce:    h.supervisor,
		Routing:   h.routing,
		Publisher: h.events,
		Sender:    h.sender,
		Clock:     h.clock,
		Logger:    logger,
	})
	h.supervisor.SetHandler(h.ctl)

	require.NoError(t, h.store.UpsertQueue(h.ctx, &domain.Queue{ID: "general", Name: "General", Members: members}))
	for _, m := range members {
		h.online(m)
	}
	return h
}

func (h *harness) online(ids ...string) {
	for _, id := range ids {
		h.presence.Report(id, true, presence.DefaultStatus)
	}
}

func (h *harness) settings(fn func(*config.RoutingSettings)) {
	h.routing.Update(fn)
}

func (h *harness) inbound(phone, body string) string {
	h.t.Helper()
	id, err := h.ctl.OnInboundMessage(h.ctx, phone, InboundMessage{Body: body})
	require.NoError(h.t, err)
	return id
}

func (h *harness) get(id string) *domain.Conversation {
	h.t.Helper()
	c, err := h.store.GetByID(h.ctx, id)
	require.NoError(h.t, err)
	return c
}

// assertConsistent checks the ownership invariant on every stored
// conversation.
func (h *harness) assertConsistent() {
	h.t.Helper()
	all, err := h.store.List(h.ctx, domain.ConversationFilter{})
	require.NoError(h.t, err)
	for _, c := range all {
		require.Truef(h.t, c.Consistent(), "conversation %s: status %s owner %v", c.ID, c.Status, c.AssignedTo)
		if c.Status == domain.StatusAttending {
			require.NotNil(h.t, c.AssignedTo)
		}
	}
}
