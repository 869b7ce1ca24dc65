package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ConsumerSpec binds a durable queue to an exchange and feeds its
// deliveries to Consume.
type ConsumerSpec struct {
	Name       string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int

	Consume func(ctx context.Context, d amqp091.Delivery) error
}

// ErrPoison marks a delivery that can never succeed. It is acked and
// dropped instead of requeued.
var ErrPoison = errors.New("poison message")

// JSONHandler decodes the delivery body into T. Undecodable bodies are
// poison.
func JSONHandler[T any](h func(context.Context, T) error) func(context.Context, amqp091.Delivery) error {
	return func(ctx context.Context, d amqp091.Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return h(ctx, v)
	}
}

func (c *Client) startConsumer(ctx context.Context, cs ConsumerSpec) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	pf := cs.Prefetch
	if pf <= 0 {
		pf = c.cfg.Prefetch
	}
	if err := ch.Qos(pf, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := ch.QueueDeclare(cs.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.QueueBind(cs.Queue, cs.BindingKey, cs.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	msgs, err := ch.Consume(cs.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	closeCh := ch.NotifyClose(make(chan *amqp091.Error, 1))

	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return

			case <-closeCh:
				if conn.IsClosed() {
					// Run restarts every consumer after reconnecting
					return
				}
				select {
				case c.consumerClosed <- cs.Name:
				default:
				}
				return

			case d, ok := <-msgs:
				if !ok {
					_ = ch.Close()
					return
				}
				c.handle(ctx, cs, d)
			}
		}
	}()

	c.logger.Info("consumer started", slog.String("name", cs.Name), slog.String("queue", cs.Queue), slog.Int("prefetch", pf))
	return nil
}

func (c *Client) handle(ctx context.Context, cs ConsumerSpec, d amqp091.Delivery) {
	err := cs.Consume(ctx, d)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		c.logger.Warn("dropping poison message",
			slog.String("consumer", cs.Name),
			slog.String("message_id", d.MessageId),
			slog.Any("error", err),
		)
		_ = d.Ack(false)
	default:
		c.logger.Error("consume failed, requeueing",
			slog.String("consumer", cs.Name),
			slog.String("message_id", d.MessageId),
			slog.Any("error", err),
		)
		_ = d.Nack(false, true)
	}
}

// JitteredDelay spreads base by ±jitterPct percent, capped at ceiling.
func JitteredDelay(base, ceiling time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > ceiling {
		wait = ceiling
	}
	return wait
}
