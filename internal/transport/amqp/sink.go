package amqp

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"omnirouter/internal/domain"
)

var ErrSinkFull = errors.New("event sink buffer full")

// Sink mirrors lifecycle events onto the events exchange. Emit only
// enqueues; Run publishes in the background, so a slow broker never holds
// up a conversation.
type Sink struct {
	pub      publisher
	exchange string
	producer string
	timeout  time.Duration
	buf      chan domain.Event
	dropped  atomic.Int64
	logger   *slog.Logger
}

var _ domain.EventSink = (*Sink)(nil)

func NewSink(c *Client, logger *slog.Logger) *Sink {
	return newSink(c, c.Config(), logger)
}

func newSink(pub publisher, cfg Config, logger *slog.Logger) *Sink {
	cfg = cfg.withDefaults()
	return &Sink{
		pub:      pub,
		exchange: cfg.EventsExchange,
		producer: cfg.Producer,
		timeout:  cfg.ConfirmTimeout,
		buf:      make(chan domain.Event, cfg.SinkBuffer),
		logger:   logger,
	}
}

func (s *Sink) Emit(_ context.Context, evt domain.Event) error {
	select {
	case s.buf <- evt:
		return nil
	default:
		s.dropped.Add(1)
		return ErrSinkFull
	}
}

// Dropped is the number of events rejected because the buffer was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Run publishes buffered events until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.buf:
			s.publish(ctx, evt)
		}
	}
}

func (s *Sink) publish(ctx context.Context, evt domain.Event) {
	key := EventRoutingKey(evt.Kind)
	at := evt.Time
	if at.IsZero() {
		at = time.Now()
	}
	env := newEnvelope(key, s.producer, at, evt.ConversationID, evt)
	if evt.ID != "" {
		env.Meta.ID = evt.ID
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.pub.PublishJSON(pctx, s.exchange, key, env); err != nil {
		s.logger.Error("publish event failed",
			slog.String("type", string(evt.Kind)),
			slog.String("conversation_id", evt.ConversationID),
			slog.Any("error", err),
		)
	}
}
