package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"omnirouter/internal/domain"
)

var errClosedMeanwhile = errors.New("conversation closed before append")

// InboundMessage is a client message delivered by the channel transport.
type InboundMessage struct {
	Type       domain.MessageType
	Body       string
	ExternalID string
}

// OnInboundMessage appends a client message to the phone's open
// conversation, creating a new queued conversation when there is none. An
// archived conversation is never reopened by traffic: the client gets a new
// conversation id. Redelivered messages (same external id) are ignored.
func (c *Controller) OnInboundMessage(ctx context.Context, phone string, in InboundMessage) (convID string, err error) {
	ctx, span := c.startSpan(ctx, "OnInboundMessage", "")
	span.SetAttributes(attribute.String("phone", phone))
	defer func() { err = c.finish(span, "inbound", err) }()

	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("%w: phone is required", domain.ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = domain.MessageText
	}

	unlock := c.locks.Lock(phoneKey(phone))
	defer unlock()

	if in.ExternalID != "" {
		dup, err := c.store.GetByExternalID(ctx, in.ExternalID)
		if err == nil {
			c.logger.Debug("duplicate inbound message ignored",
				slog.String("external_id", in.ExternalID),
				slog.String("conversation_id", dup.ConversationID),
			)
			return dup.ConversationID, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", storeErr(err)
		}
	}

	msg := &domain.Message{
		Direction: domain.DirectionIncoming,
		Type:      in.Type,
		Body:      in.Body,
		Status:    domain.MessageDelivered,
	}
	if in.ExternalID != "" {
		ext := in.ExternalID
		msg.ExternalID = &ext
	}

	open, err := c.store.FindOpenByPhone(ctx, phone)
	if err == nil {
		convID = open.ID
		_, err = c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
			// archived after the lookup
			if !conv.Status.IsOpen() {
				return nil, errClosedMeanwhile
			}
			conv.LastClientMessageAt = now
			conv.WindowWarnedAt = nil
			return &change{quiet: true, messages: []*domain.Message{msg}}, nil
		})
		if errors.Is(err, errClosedMeanwhile) {
			err = domain.ErrNotFound
		} else if err != nil {
			return "", err
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		convID, err = c.create(ctx, phone, msg)
		if err != nil {
			return "", err
		}
	default:
		return "", storeErr(err)
	}
	span.SetAttributes(attribute.String("conversation.id", convID))

	if c.routing.Current().AutoAssign {
		c.autoRoute(ctx, convID)
	}
	return convID, nil
}

func (c *Controller) create(ctx context.Context, phone string, msg *domain.Message) (string, error) {
	now := c.clock.Now()
	settings := c.routing.Current()

	conv := &domain.Conversation{
		ID:                  uuid.NewString(),
		Phone:               phone,
		Status:              domain.StatusQueued,
		LastClientMessageAt: now,
		LastSeq:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if settings.DefaultQueue != "" {
		q := settings.DefaultQueue
		conv.QueueID = &q
	}
	msg.ID = uuid.NewString()
	msg.ConversationID = conv.ID
	msg.Seq = 1
	msg.CreatedAt = now

	unlock := c.locks.Lock(conversationKey(conv.ID))
	defer unlock()

	if err := c.store.Create(ctx, conv, msg); err != nil {
		return "", storeErr(err)
	}
	c.logger.Info("conversation created",
		slog.String("conversation_id", conv.ID),
		slog.String("phone", phone),
	)
	c.afterCommit(ctx, conv, &change{action: domain.ActionCreated, messages: []*domain.Message{msg}}, now)
	return conv.ID, nil
}

// autoRoute assigns a freshly touched conversation when it sits in the
// queue without an owner. Losing to a concurrent action is fine.
func (c *Controller) autoRoute(ctx context.Context, convID string) {
	conv, err := c.store.GetByID(ctx, convID)
	if err != nil || conv.Status != domain.StatusQueued || conv.AssignedTo != nil {
		return
	}
	if _, err := c.Route(ctx, convID); err != nil {
		switch domain.ReasonOf(err) {
		case domain.ReasonNoCandidates:
			c.logger.Info("no eligible advisor for conversation", slog.String("conversation_id", convID))
		case domain.ReasonStoreUnavailable, domain.ReasonInternal:
			c.logger.Error("auto-assign failed", slog.String("conversation_id", convID), slog.Any("error", err))
		}
	}
}
