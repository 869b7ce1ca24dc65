// Package lifecycle is the conversation state machine. It is the only
// writer of conversation status and ownership; every mutation runs under a
// per-conversation lock, commits to the store, then publishes events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"omnirouter/internal/assignment"
	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
	"omnirouter/internal/observability"
)

// Presence is the view of advisor presence the controller needs.
type Presence interface {
	IsOnline(userID string) bool
}

// Assigner picks an advisor from a pool.
type Assigner interface {
	Pick(in assignment.PickInput) (string, bool)
}

// BounceScheduler arms and cancels accept deadlines.
type BounceScheduler interface {
	Arm(token domain.BounceToken) bool
	Disarm(conversationID string)
}

// Deps groups the collaborators of a Controller. Sink and Sender are
// optional.
type Deps struct {
	Store     domain.Store
	Presence  Presence
	Policy    Assigner
	Bounce    BounceScheduler
	Routing   config.RoutingSource
	Publisher domain.Publisher
	Sink      domain.EventSink
	Sender    domain.ChannelSender
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Controller struct {
	store    domain.Store
	presence Presence
	policy   Assigner
	bounce   BounceScheduler
	routing  config.RoutingSource
	pub      domain.Publisher
	sink     domain.EventSink
	sender   domain.ChannelSender
	clock    clock.Clock
	logger   *slog.Logger
	locks    *keyedMutex
}

func NewController(d Deps) *Controller {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = observability.Logger()
	}
	return &Controller{
		store:    d.Store,
		presence: d.Presence,
		policy:   d.Policy,
		bounce:   d.Bounce,
		routing:  d.Routing,
		pub:      d.Publisher,
		sink:     d.Sink,
		sender:   d.Sender,
		clock:    d.Clock,
		logger:   d.Logger,
		locks:    newKeyedMutex(),
	}
}

// change is what a mutation wants applied after its conversation edits.
type change struct {
	action   string
	messages []*domain.Message
	arm      bool
	disarm   bool
	alert    string
	// quiet skips the conversation_update event.
	quiet  bool
	events []domain.Event
}

type mutation func(conv *domain.Conversation, now time.Time) (*change, error)

func conversationKey(id string) string { return "conv:" + id }
func phoneKey(phone string) string     { return "phone:" + phone }

// mutate loads the conversation under its lock, applies fn to a copy,
// commits and publishes. Nothing is published or scheduled unless the
// store accepted the write.
func (c *Controller) mutate(ctx context.Context, convID string, fn mutation) (*domain.Conversation, error) {
	unlock := c.locks.Lock(conversationKey(convID))
	defer unlock()

	stored, err := c.store.GetByID(ctx, convID)
	if err != nil {
		return nil, storeErr(err)
	}
	conv := stored.Clone()
	now := c.clock.Now()

	ch, err := fn(conv, now)
	if err != nil {
		return nil, err
	}
	if !conv.Consistent() {
		return nil, fmt.Errorf("%w: status %s with owner %q", domain.ErrInvalidTransition, conv.Status, conv.AssignedTo.String())
	}
	conv.UpdatedAt = now
	for _, m := range ch.messages {
		conv.LastSeq++
		m.Seq = conv.LastSeq
		m.ConversationID = conv.ID
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
	}
	if err := c.store.Save(ctx, conv, ch.messages...); err != nil {
		return nil, storeErr(err)
	}

	c.afterCommit(ctx, conv, ch, now)
	return conv, nil
}

func (c *Controller) afterCommit(ctx context.Context, conv *domain.Conversation, ch *change, now time.Time) {
	if ch.disarm && c.bounce != nil {
		c.bounce.Disarm(conv.ID)
	}
	if ch.arm && c.bounce != nil && conv.AwaitingAccept() {
		c.bounce.Arm(domain.BounceToken{
			ConversationID: conv.ID,
			Expected:       *conv.AssignedTo,
			Status:         conv.Status,
			Attempt:        conv.BounceCount,
			ArmedAt:        now,
		})
	}
	for _, m := range ch.messages {
		c.emit(ctx, domain.Event{
			Kind:           domain.EventNewMessage,
			ConversationID: conv.ID,
			Message:        m,
			Time:           now,
		})
	}
	if !ch.quiet {
		c.emit(ctx, domain.Event{
			Kind:           domain.EventConversationUpdate,
			ConversationID: conv.ID,
			Action:         ch.action,
			Conversation:   conv.Clone(),
			Time:           now,
		})
	}
	for _, evt := range ch.events {
		c.emit(ctx, evt)
	}
	if ch.alert != "" {
		c.logger.Warn("supervisor alert",
			slog.String("conversation_id", conv.ID),
			slog.String("alert", ch.alert),
			slog.Int("bounce_count", conv.BounceCount),
		)
		c.emit(ctx, domain.Event{
			Kind:           domain.EventSupervisorAlert,
			ConversationID: conv.ID,
			Alert:          ch.alert,
			Conversation:   conv.Clone(),
			Time:           now,
		})
	}
}

// emit fans out to subscribers and the optional external sink. Neither may
// block the caller, which still holds the conversation lock.
func (c *Controller) emit(ctx context.Context, evt domain.Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if c.pub != nil {
		c.pub.Publish(evt)
	}
	if c.sink != nil {
		if err := c.sink.Emit(context.WithoutCancel(ctx), evt); err != nil {
			c.logger.Warn("event sink rejected event",
				slog.String("type", string(evt.Kind)),
				slog.String("conversation_id", evt.ConversationID),
				slog.Any("error", err),
			)
		}
	}
}

// pick runs the assignment policy over the conversation's queue.
func (c *Controller) pick(ctx context.Context, conv *domain.Conversation, exclude ...string) (string, bool, error) {
	settings := c.routing.Current()
	queueID := settings.DefaultQueue
	if conv.QueueID != nil && *conv.QueueID != "" {
		queueID = *conv.QueueID
	}
	if queueID == "" {
		return "", false, nil
	}
	q, err := c.store.GetQueue(ctx, queueID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err)
	}

	strategy := q.Strategy
	if strategy == "" {
		strategy = settings.Bounce.Strategy
	}
	in := assignment.PickInput{
		QueueID:  q.ID,
		Members:  q.Members,
		Strategy: strategy,
		Exclude:  exclude,
	}
	if strategy == config.StrategyLeastBusy {
		load, err := c.store.CountAttendingByAdvisor(ctx)
		if err != nil {
			return "", false, storeErr(err)
		}
		in.Load = load
	}
	id, ok := c.policy.Pick(in)
	return id, ok, nil
}

// assign hands a queued conversation to advisorID pending accept.
func assign(conv *domain.Conversation, advisorID string, by domain.AssignmentSource, now time.Time) {
	conv.Status = domain.StatusQueued
	conv.AssignedTo = domain.Advisor(advisorID)
	conv.AssignedBy = by
	at := now
	conv.AssignedAt = &at
}

func unassign(conv *domain.Conversation) {
	conv.Status = domain.StatusQueued
	conv.AssignedTo = nil
	conv.AssignedBy = domain.AssignedByNone
	conv.AssignedAt = nil
}

// storeErr classifies repository failures. Anything that is not a known
// domain outcome is a store outage.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrRaceLost),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
}

func (c *Controller) startSpan(ctx context.Context, op, convID string) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "lifecycle."+op,
		trace.WithAttributes(attribute.String("conversation.id", convID)))
}

// finish records the outcome on the span and converts err to an
// ActionError.
func (c *Controller) finish(span trace.Span, op string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	err = domain.Fail(op, err)
	reason := domain.ReasonOf(err)
	span.SetAttributes(attribute.String("failure.reason", reason))
	span.SetStatus(codes.Error, reason)
	if reason == domain.ReasonStoreUnavailable || reason == domain.ReasonInternal {
		c.logger.Error("lifecycle operation failed", slog.String("op", op), slog.Any("error", err))
	} else {
		c.logger.Debug("lifecycle operation refused", slog.String("op", op), slog.String("reason", reason))
	}
	return err
}
