package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"omnirouter/internal/domain"
)

// Accept makes advisorID the attending owner of a queued conversation.
func (c *Controller) Accept(ctx context.Context, convID, advisorID string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "Accept", convID)
	span.SetAttributes(attribute.String("advisor.id", advisorID))
	defer func() { err = c.finish(span, "accept", err) }()

	if advisorID == "" {
		return nil, fmt.Errorf("%w: advisor id is required", domain.ErrInvalidInput)
	}
	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		switch conv.Status {
		case domain.StatusAttending:
			return nil, domain.ErrAlreadyAccepted
		case domain.StatusArchived:
			return nil, domain.ErrNotQueued
		}
		if err := c.checkAcceptor(ctx, conv, advisorID); err != nil {
			return nil, err
		}
		if !c.presence.IsOnline(advisorID) {
			return nil, domain.ErrAdvisorOffline
		}

		conv.Status = domain.StatusAttending
		conv.AssignedTo = domain.Advisor(advisorID)
		conv.AssignedBy = domain.AssignedByAccept
		conv.BounceCount = 0
		conv.TransferredFrom = nil
		return &change{action: domain.ActionAccepted, disarm: true}, nil
	})
}

// checkAcceptor decides whether advisorID may accept conv. A direct
// transfer binds the conversation to its target; anything else is open to
// the members of the conversation's queue.
func (c *Controller) checkAcceptor(ctx context.Context, conv *domain.Conversation, advisorID string) error {
	if conv.AssignedTo != nil {
		if conv.AssignedTo.Kind == domain.TargetAdvisor && conv.AssignedTo.ID == advisorID {
			return nil
		}
		if conv.AssignedTo.Kind != domain.TargetAdvisor || conv.AssignedBy == domain.AssignedByTransfer {
			return domain.ErrNotAssignedToCaller
		}
	}
	if conv.QueueID == nil || *conv.QueueID == "" {
		return nil
	}
	q, err := c.store.GetQueue(ctx, *conv.QueueID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	if len(q.Members) > 0 && !q.HasMember(advisorID) {
		return domain.ErrNotQueueMember
	}
	return nil
}

// Reject hands the conversation back to the pool, excluding the rejecting
// advisor for this cycle.
func (c *Controller) Reject(ctx context.Context, convID, advisorID string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "Reject", convID)
	span.SetAttributes(attribute.String("advisor.id", advisorID))
	defer func() { err = c.finish(span, "reject", err) }()

	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if conv.Status != domain.StatusQueued {
			return nil, domain.ErrNotQueued
		}
		if conv.AssignedAdvisor() != advisorID {
			return nil, domain.ErrNotAssignedToCaller
		}
		return c.reassign(ctx, conv, advisorID, domain.ActionRejected, now)
	})
}

// reassign moves conv to the next advisor of its pool, or leaves it
// unassigned for the whole queue when nobody is eligible.
func (c *Controller) reassign(ctx context.Context, conv *domain.Conversation, exclude, action string, now time.Time) (*change, error) {
	next, ok, err := c.pick(ctx, conv, exclude)
	if err != nil {
		return nil, err
	}
	conv.BounceCount++
	ch := &change{action: action, disarm: true}
	if !ok {
		unassign(conv)
		ch.alert = domain.AlertNoCandidates
		return ch, nil
	}
	assign(conv, next, domain.AssignedByPolicy, now)
	ch.arm = true
	return ch, nil
}

// Route applies the assignment policy to a queued, unassigned conversation.
func (c *Controller) Route(ctx context.Context, convID string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "Route", convID)
	defer func() { err = c.finish(span, "route", err) }()

	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		switch {
		case conv.Status == domain.StatusAttending:
			return nil, domain.ErrAlreadyAccepted
		case conv.Status == domain.StatusArchived:
			return nil, domain.ErrNotQueued
		case conv.AssignedTo != nil:
			return nil, fmt.Errorf("%w: already assigned to %s", domain.ErrInvalidTransition, conv.AssignedTo)
		}
		next, ok, err := c.pick(ctx, conv)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrNoCandidates
		}
		assign(conv, next, domain.AssignedByPolicy, now)
		return &change{action: domain.ActionAssigned, arm: true}, nil
	})
}

// Transfer moves the conversation to an advisor, a bot or a queue. Bots
// never accept: a bot transfer is attending immediately. Advisor transfers
// wait for the target to accept under a fresh bounce deadline.
func (c *Controller) Transfer(ctx context.Context, convID string, target domain.Target, by string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "Transfer", convID)
	span.SetAttributes(
		attribute.String("target", target.String()),
		attribute.String("by", by),
	)
	defer func() { err = c.finish(span, "transfer", err) }()

	if err := target.Validate(); err != nil {
		return nil, err
	}
	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if conv.Status == domain.StatusArchived {
			return nil, domain.ErrArchived
		}
		if target.Kind != domain.TargetQueue && target.Equal(conv.AssignedTo) {
			return nil, domain.ErrAlreadyOwner
		}

		prev := conv.AssignedTo.Clone()
		ch := &change{action: domain.ActionTransferred, disarm: true}
		switch target.Kind {
		case domain.TargetAdvisor:
			if !c.presence.IsOnline(target.ID) {
				return nil, fmt.Errorf("%w: advisor %s is offline", domain.ErrNoCandidates, target.ID)
			}
			assign(conv, target.ID, domain.AssignedByTransfer, now)
			ch.arm = true
		case domain.TargetQueue:
			if _, err := c.store.GetQueue(ctx, target.ID); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil, fmt.Errorf("%w: queue %s", domain.ErrNotFound, target.ID)
				}
				return nil, storeErr(err)
			}
			unassign(conv)
			qid := target.ID
			conv.QueueID = &qid
		case domain.TargetBot:
			conv.Status = domain.StatusAttending
			conv.AssignedTo = domain.Bot(target.ID)
			conv.AssignedBy = domain.AssignedByTransfer
			at := now
			conv.AssignedAt = &at
		}
		conv.TransferredFrom = prev
		conv.BounceCount = 0

		ch.messages = append(ch.messages, systemMessage(
			domain.MarkerTransfer,
			fmt.Sprintf("Conversation transferred from %s to %s", ownerLabel(prev), target.String()),
			by,
		))
		return ch, nil
	})
}

// TakeOver forcibly assigns the conversation to the caller, skipping the
// accept step. Used to interrupt a bot or another advisor.
func (c *Controller) TakeOver(ctx context.Context, convID, advisorID string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "TakeOver", convID)
	span.SetAttributes(attribute.String("advisor.id", advisorID))
	defer func() { err = c.finish(span, "take_over", err) }()

	if advisorID == "" {
		return nil, fmt.Errorf("%w: advisor id is required", domain.ErrInvalidInput)
	}
	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if conv.Status == domain.StatusArchived {
			return nil, domain.ErrArchived
		}
		if conv.AssignedTo == nil {
			return nil, domain.ErrNotOwned
		}
		if conv.AssignedAdvisor() == advisorID {
			return nil, domain.ErrAlreadyOwner
		}
		if !c.presence.IsOnline(advisorID) {
			return nil, domain.ErrAdvisorOffline
		}
		conv.Status = domain.StatusAttending
		conv.AssignedTo = domain.Advisor(advisorID)
		conv.AssignedBy = domain.AssignedByTakeOver
		at := now
		conv.AssignedAt = &at
		conv.BounceCount = 0
		conv.TransferredFrom = nil
		return &change{action: domain.ActionTakenOver, disarm: true}, nil
	})
}

// Archive closes the conversation for routing. Ownership is kept for
// history.
func (c *Controller) Archive(ctx context.Context, convID string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "Archive", convID)
	defer func() { err = c.finish(span, "archive", err) }()

	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if conv.Status == domain.StatusArchived {
			return nil, domain.ErrArchived
		}
		conv.Status = domain.StatusArchived
		at := now
		conv.ArchivedAt = &at
		return &change{action: domain.ActionArchived, disarm: true}, nil
	})
}

// Unarchive puts an archived conversation back in its queue, unassigned.
// It is refused while the phone has another open conversation.
func (c *Controller) Unarchive(ctx context.Context, convID string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "Unarchive", convID)
	defer func() { err = c.finish(span, "unarchive", err) }()

	current, err := c.store.GetByID(ctx, convID)
	if err != nil {
		return nil, storeErr(err)
	}
	unlock := c.locks.Lock(phoneKey(current.Phone))
	defer unlock()

	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if conv.Status != domain.StatusArchived {
			return nil, domain.ErrNotArchived
		}
		open, err := c.store.FindOpenByPhone(ctx, conv.Phone)
		switch {
		case err == nil && open.ID != conv.ID:
			return nil, fmt.Errorf("%w: %s", domain.ErrOpenConversation, open.ID)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return nil, storeErr(err)
		}
		unassign(conv)
		conv.BounceCount = 0
		conv.TransferredFrom = nil
		conv.ArchivedAt = nil
		return &change{action: domain.ActionUnarchived}, nil
	})
}

// MarkRead records that an advisor has read the conversation.
func (c *Controller) MarkRead(ctx context.Context, convID, advisorID string) (conv *domain.Conversation, err error) {
	ctx, span := c.startSpan(ctx, "MarkRead", convID)
	defer func() { err = c.finish(span, "mark_read", err) }()

	return c.mutate(ctx, convID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		at := now
		conv.ReadAt = &at
		return &change{
			action: domain.ActionRead,
			quiet:  true,
			events: []domain.Event{{
				Kind:           domain.EventReadReceipt,
				ConversationID: conv.ID,
				UserID:         advisorID,
				Time:           now,
			}},
		}, nil
	})
}

// HandleBounce processes an expired accept deadline. Tokens that no longer
// match the stored conversation return ErrTimerStale.
func (c *Controller) HandleBounce(ctx context.Context, token domain.BounceToken) (err error) {
	ctx, span := c.startSpan(ctx, "HandleBounce", token.ConversationID)
	span.SetAttributes(
		attribute.String("expected", token.Expected.String()),
		attribute.Int("attempt", token.Attempt),
	)
	defer span.End()

	_, err = c.mutate(ctx, token.ConversationID, func(conv *domain.Conversation, now time.Time) (*change, error) {
		if !token.Matches(conv) {
			return nil, domain.ErrTimerStale
		}
		settings := c.routing.Current()
		if !settings.Bounce.Enabled {
			return nil, domain.ErrTimerStale
		}
		if conv.BounceCount < settings.Bounce.MaxBounces {
			ch, err := c.reassign(ctx, conv, token.Expected.ID, domain.ActionBounced, now)
			if err != nil {
				return nil, err
			}
			c.logger.Info("conversation bounced",
				slog.String("conversation_id", conv.ID),
				slog.String("from", token.Expected.ID),
				slog.String("to", conv.AssignedAdvisor()),
				slog.Int("bounce_count", conv.BounceCount),
			)
			return ch, nil
		}
		unassign(conv)
		return &change{
			action: domain.ActionUnassigned,
			disarm: true,
			alert:  domain.AlertBounceExhausted,
		}, nil
	})
	if err != nil && !errors.Is(err, domain.ErrTimerStale) {
		span.RecordError(err)
	}
	return err
}

func systemMessage(marker, body, senderID string) *domain.Message {
	m := marker
	msg := &domain.Message{
		Direction: domain.DirectionOutgoing,
		Type:      domain.MessageSystem,
		Body:      body,
		Status:    domain.MessageSent,
		Marker:    &m,
	}
	if senderID != "" {
		s := senderID
		msg.SenderID = &s
	}
	return msg
}

func ownerLabel(t *domain.Target) string {
	if t == nil {
		return "queue"
	}
	return t.String()
}
