// Package bounce arms accept deadlines for assigned-but-unaccepted
// conversations and hands expired ones back to the lifecycle controller.
package bounce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
)

// Handler reacts to an expired deadline. It must re-check the token against
// the stored conversation.
type Handler interface {
	HandleBounce(ctx context.Context, token domain.BounceToken) error
}

type armed struct {
	token domain.BounceToken
	timer clock.Timer
	seq   uint64
}

// Supervisor keeps at most one live timer per conversation.
type Supervisor struct {
	mu      sync.Mutex
	clock   clock.Clock
	routing config.RoutingSource
	logger  *slog.Logger
	handler Handler
	timers  map[string]*armed
	seq     uint64
	ctx     context.Context
}

func NewSupervisor(c clock.Clock, routing config.RoutingSource, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		clock:   c,
		routing: routing,
		logger:  logger,
		timers:  make(map[string]*armed),
		ctx:     context.Background(),
	}
}

// SetHandler attaches the component that processes expired deadlines.
func (s *Supervisor) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start binds fired timers to ctx; after ctx is done firing is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.StopAll()
	}()
}

// Arm schedules the accept deadline for the conversation, replacing any
// earlier timer. When bouncing is disabled nothing is armed.
func (s *Supervisor) Arm(token domain.BounceToken) bool {
	settings := s.routing.Current()
	if !settings.Bounce.Enabled {
		s.Disarm(token.ConversationID)
		return false
	}
	return s.ArmAt(token, token.ArmedAt.Add(settings.Bounce.BounceTime()))
}

// ArmAt schedules the deadline at an absolute time. Deadlines already in
// the past fire on the next tick.
func (s *Supervisor) ArmAt(token domain.BounceToken, deadline time.Time) bool {
	token.Deadline = deadline
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[token.ConversationID]; ok {
		prev.timer.Stop()
	}
	s.seq++
	a := &armed{token: token, seq: s.seq}
	a.timer = s.clock.AfterFunc(d, func() { s.fire(token.ConversationID, a.seq) })
	s.timers[token.ConversationID] = a

	s.logger.Debug("bounce timer armed",
		slog.String("conversation_id", token.ConversationID),
		slog.String("expected", token.Expected.String()),
		slog.Int("attempt", token.Attempt),
		slog.Time("deadline", deadline),
	)
	return true
}

// Disarm cancels the pending deadline, if any.
func (s *Supervisor) Disarm(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[conversationID]; ok {
		a.timer.Stop()
		delete(s.timers, conversationID)
	}
}

// Pending returns the token armed for a conversation.
func (s *Supervisor) Pending(conversationID string) (domain.BounceToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[conversationID]
	if !ok {
		return domain.BounceToken{}, false
	}
	return a.token, true
}

// Len is the number of live timers.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll cancels every timer.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
}

// Recover re-arms deadlines for conversations that were awaiting accept
// when the process stopped. Deadlines count from the last assignment.
func (s *Supervisor) Recover(ctx context.Context, store domain.ConversationRepository) (int, error) {
	settings := s.routing.Current()
	if !settings.Bounce.Enabled {
		return 0, nil
	}
	convs, err := store.List(ctx, domain.ConversationFilter{
		Statuses: []domain.ConversationStatus{domain.StatusQueued},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range convs {
		if !c.AwaitingAccept() {
			continue
		}
		armedAt := c.UpdatedAt
		if c.AssignedAt != nil {
			armedAt = *c.AssignedAt
		}
		token := domain.BounceToken{
			ConversationID: c.ID,
			Expected:       *c.AssignedTo,
			Status:         c.Status,
			Attempt:        c.BounceCount,
			ArmedAt:        armedAt,
		}
		s.ArmAt(token, armedAt.Add(settings.Bounce.BounceTime()))
		n++
	}
	if n > 0 {
		s.logger.Info("bounce timers recovered", slog.Int("count", n))
	}
	return n, nil
}

func (s *Supervisor) fire(conversationID string, seq uint64) {
	s.mu.Lock()
	a, ok := s.timers[conversationID]
	if !ok || a.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.timers, conversationID)
	h := s.handler
	ctx := s.ctx
	s.mu.Unlock()

	if h == nil || ctx.Err() != nil {
		return
	}
	if err := h.HandleBounce(ctx, a.token); err != nil {
		if errors.Is(err, domain.ErrTimerStale) {
			s.logger.Debug("bounce timer stale", slog.String("conversation_id", conversationID))
			return
		}
		s.logger.Error("bounce handling failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
	}
}
