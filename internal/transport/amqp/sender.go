package amqp

import (
	"context"
	"time"

	"omnirouter/internal/domain"
)

// publisher is the part of Client the sender and sink need.
type publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, env Envelope) error
}

// Sender hands outbound messages to the channel processor. The broker
// confirm counts as sent; delivery and read arrive later as receipts.
type Sender struct {
	pub      publisher
	exchange string
	key      string
	producer string
	now      func() time.Time
}

var _ domain.ChannelSender = (*Sender)(nil)

func NewSender(c *Client) *Sender {
	return newSender(c, c.Config())
}

func newSender(pub publisher, cfg Config) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		pub:      pub,
		exchange: cfg.DeliveryExchange,
		key:      cfg.OutboundRoutingKey,
		producer: cfg.Producer,
		now:      time.Now,
	}
}

func (s *Sender) Send(ctx context.Context, conv *domain.Conversation, msg *domain.Message) (*domain.Receipt, error) {
	now := s.now()
	env := newEnvelope(s.key, s.producer, now, conv.ID, OutboundV1{
		OutboundID:     msg.ID,
		ConversationID: conv.ID,
		Phone:          conv.Phone,
		Seq:            msg.Seq,
		Kind:           string(msg.Type),
		Text:           msg.Body,
		AtHub:          now.UTC(),
	})
	if err := s.pub.PublishJSON(ctx, s.exchange, s.key, env); err != nil {
		return nil, err
	}
	return &domain.Receipt{MessageID: msg.ID, Status: domain.MessageSent, At: now}, nil
}
