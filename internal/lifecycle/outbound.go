package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"omnirouter/internal/domain"
)

const maxBodyRunes = 5000

// OutboundMessage is an advisor message. Internal notes stay inside the
// platform and never reach the channel.
type OutboundMessage struct {
	Type domain.MessageType
	Body string
}

// SendOutbound records and delivers an advisor message. Only the attending
// owner may write to the client, and outside the messaging window only a
// template may be sent.
func (c *Controller) SendOutbound(ctx context.Context, convID, advisorID string, out OutboundMessage) (msg *domain.Message, err error) {
	ctx, span := c.startSpan(ctx, "SendOutbound", convID)
	span.SetAttributes(
		attribute.String("advisor.id", advisorID),
		attribute.String("message.type", string(out.Type)),
	)
	defer func() { err = c.finish(span, "send", err) }()

	if out.Type == "" {
		out.Type = domain.MessageText
	}
	if strings.TrimSpace(out.Body) == "" {
		return nil, fmt.Errorf("%w: message body cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(out.Body)) > maxBodyRunes {
		return nil, fmt.Errorf("%w: message body exceeds %d characters", domain.ErrInvalidInput, maxBodyRunes)
	}
	if out.Type == domain.MessageSystem {
		return nil, fmt.Errorf("%w: system messages are reserved", domain.ErrInvalidInput)
	}

	sender := advisorID
	msg = &domain.Message{
		Direction: domain.DirectionOutgoing,
		Type:      out.Type,
		Body:      out.Body,
		Status:    domain.MessagePending,
		SenderID:  &sender,
	}
	internal := out.Type == domain.MessageInternal
	if internal {
		msg.Status = domain.MessageSent
	}

	conv, err := c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if conv.Status == domain.StatusArchived {
			return nil, domain.ErrArchived
		}
		if !internal {
			if conv.Status != domain.StatusAttending || conv.AssignedAdvisor() != advisorID {
				return nil, domain.ErrNotAssignedToCaller
			}
			threshold := c.routing.Current().Window.Threshold()
			if out.Type != domain.MessageTemplate && now.Sub(conv.LastClientMessageAt) > threshold {
				return nil, domain.ErrWindowExpired
			}
		}
		return &change{quiet: true, messages: []*domain.Message{msg}}, nil
	})
	if err != nil {
		return nil, err
	}
	if internal || c.sender == nil {
		return msg, nil
	}

	receipt, sendErr := c.sender.Send(ctx, conv, msg)
	update := domain.Receipt{MessageID: msg.ID, Status: domain.MessageSent, At: c.clock.Now()}
	if sendErr != nil {
		c.logger.Error("outbound send failed",
			slog.String("conversation_id", convID),
			slog.String("message_id", msg.ID),
			slog.Any("error", sendErr),
		)
		update.Status = domain.MessageFailed
	} else if receipt != nil {
		update.ExternalID = receipt.ExternalID
		if receipt.Status != "" {
			update.Status = receipt.Status
		}
	}
	updated, err := c.applyReceipt(ctx, update)
	if err != nil {
		return msg, err
	}
	if updated != nil {
		msg = updated
	}
	return msg, nil
}

// ApplyReceipt moves an outgoing message forward along
// pending → sent → delivered → read, or to failed. Receipts that would move
// it backwards are ignored.
func (c *Controller) ApplyReceipt(ctx context.Context, r domain.Receipt) (err error) {
	ctx, span := c.startSpan(ctx, "ApplyReceipt", "")
	span.SetAttributes(
		attribute.String("message.id", r.MessageID),
		attribute.String("message.external_id", r.ExternalID),
		attribute.String("message.status", string(r.Status)),
	)
	defer func() { err = c.finish(span, "receipt", err) }()

	_, err = c.applyReceipt(ctx, r)
	return err
}

func (c *Controller) applyReceipt(ctx context.Context, r domain.Receipt) (*domain.Message, error) {
	msg, err := c.lookupMessage(ctx, r)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(conversationKey(msg.ConversationID))
	defer unlock()

	// re-read under the lock; a concurrent receipt may have advanced it
	msg, err = c.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !msg.Status.Advances(r.Status) {
		return nil, nil
	}
	var ext *string
	if r.ExternalID != "" && msg.ExternalID == nil {
		e := r.ExternalID
		ext = &e
	}
	if err := c.store.UpdateStatus(ctx, msg.ID, r.Status, ext); err != nil {
		return nil, storeErr(err)
	}
	msg.Status = r.Status
	if ext != nil {
		msg.ExternalID = ext
	}

	at := r.At
	if at.IsZero() {
		at = c.clock.Now()
	}
	c.emit(ctx, domain.Event{
		Kind:           domain.EventMessageUpdate,
		ConversationID: msg.ConversationID,
		Message:        msg,
		Time:           at,
	})
	return msg, nil
}

func (c *Controller) lookupMessage(ctx context.Context, r domain.Receipt) (*domain.Message, error) {
	if r.MessageID != "" {
		msg, err := c.store.GetMessage(ctx, r.MessageID)
		if err == nil || !errors.Is(err, domain.ErrNotFound) || r.ExternalID == "" {
			return msg, storeErr(err)
		}
	}
	if r.ExternalID == "" {
		return nil, fmt.Errorf("%w: receipt without message id", domain.ErrInvalidInput)
	}
	msg, err := c.store.GetByExternalID(ctx, r.ExternalID)
	return msg, storeErr(err)
}

// WarnWindowExpired appends the one-time compliance notice to an open
// conversation whose client has been silent longer than threshold. It
// reports whether a notice was written; status never changes.
func (c *Controller) WarnWindowExpired(ctx context.Context, convID string, threshold time.Duration) (warned bool, err error) {
	ctx, span := c.startSpan(ctx, "WarnWindowExpired", convID)
	defer func() {
		span.SetAttributes(attribute.Bool("warned", warned))
		err = c.finish(span, "window_warning", err)
	}()

	_, err = c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if !conv.Status.IsOpen() || now.Sub(conv.LastClientMessageAt) <= threshold {
			return nil, errSkip
		}
		exists, err := c.store.HasMarkerSince(ctx, conv.ID, domain.MarkerWindowWarning, conv.LastClientMessageAt)
		if err != nil {
			return nil, storeErr(err)
		}
		if exists {
			return nil, errSkip
		}
		at := now
		conv.WindowWarnedAt = &at
		return &change{
			action: domain.ActionWindowWarn,
			messages: []*domain.Message{systemMessage(
				domain.MarkerWindowWarning,
				"The 24-hour messaging window has expired. A template message is required to continue the conversation.",
				"",
			)},
		}, nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	return err == nil, err
}

var errSkip = errors.New("nothing to do")
