// Package amqp connects the routing engine to the channel transport over
// RabbitMQ: inbound messages and delivery receipts are consumed from queues,
// outbound sends and lifecycle events are published as JSON envelopes.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	errNotConnected = errors.New("amqp client not connected")
	errNacked       = errors.New("publish not confirmed by broker")
)

type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   func(url string) (*amqp091.Connection, error)

	mu   sync.RWMutex
	conn *amqp091.Connection

	pubMu sync.Mutex
	pubCh *amqp091.Channel

	consumerWG     sync.WaitGroup
	consumerClosed chan string
}

func (c *Client) Config() Config { return c.cfg }

// Dial connects and declares the exchanges. Queues are declared per
// consumer in Run.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	const op = "amqp.Dial"

	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp URL is required")
	}
	cfg = cfg.withDefaults()

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	logger.With("op", op).Info("connecting to rabbitmq", slog.String("host", host))

	c := &Client{
		cfg:    cfg,
		logger: logger,
		dial:   amqp091.Dial,
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	logger.With("op", op).Info("client ready")
	return c, nil
}

func (c *Client) connect() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := c.setupExchanges(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.pubMu.Lock()
	c.pubCh = ch
	c.pubMu.Unlock()
	return nil
}

func (c *Client) setupExchanges(ch *amqp091.Channel) error {
	for _, ex := range []string{c.cfg.EventsExchange, c.cfg.DeliveryExchange} {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", ex, err)
		}
	}
	return nil
}

// PublishJSON publishes env and waits for the broker confirm.
func (c *Client) PublishJSON(ctx context.Context, exchange, routingKey string, env Envelope) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope meta id is required")
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	correlation := env.Meta.ID
	if env.Meta.CorrelationID != nil {
		correlation = *env.Meta.CorrelationID
	}

	c.pubMu.Lock()
	ch := c.pubCh
	if ch == nil || ch.IsClosed() {
		c.pubMu.Unlock()
		return errNotConnected
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlation,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         c.cfg.Producer,
	})
	c.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Meta.Type, err)
	}
	if dc == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	ok, err := dc.WaitContext(wctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !ok {
		return errNacked
	}
	return nil
}

// Run starts the consumers and keeps them alive across connection loss
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context, specs ...ConsumerSpec) error {
	c.consumerClosed = make(chan string, len(specs)*2)
	byName := make(map[string]ConsumerSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
		if err := c.startConsumer(ctx, s); err != nil {
			return fmt.Errorf("start %s: %w", s.Name, err)
		}
	}

	c.mu.RLock()
	errCh := c.conn.NotifyClose(make(chan *amqp091.Error, 1))
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case name := <-c.consumerClosed:
			if s, ok := byName[name]; ok {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error("restart consumer failed", slog.String("name", name), slog.Any("error", err))
				}
			}

		case err, ok := <-errCh:
			if !ok {
				err = &amqp091.Error{Reason: "connection closed"}
			}
			c.logger.Error("amqp connection closed, reconnecting", slog.Any("error", err))
			if rerr := c.reconnect(ctx); rerr != nil {
				return rerr
			}
			for _, s := range byName {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error("restart consumer after reconnect failed", slog.String("name", s.Name), slog.Any("error", err))
				}
			}
			c.mu.RLock()
			errCh = c.conn.NotifyClose(make(chan *amqp091.Error, 1))
			c.mu.RUnlock()
		}
	}
}

// reconnect retries with jittered exponential backoff until it succeeds or
// ctx ends.
func (c *Client) reconnect(ctx context.Context) error {
	backoff := c.cfg.ReconnectBackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.RLock()
		old := c.conn
		c.mu.RUnlock()
		if old != nil && !old.IsClosed() {
			_ = old.Close()
		}

		err := c.connect()
		if err == nil {
			c.logger.Info("amqp reconnected")
			return nil
		}
		wait := JitteredDelay(backoff, c.cfg.ReconnectBackoffCap, c.cfg.ReconnectJitterPct)
		c.logger.Error("reconnect failed", slog.Any("error", err), slog.Duration("retry_in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff*2 < c.cfg.ReconnectBackoffCap {
			backoff *= 2
		}
	}
}

// Close waits briefly for consumers to stop, then closes the connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
