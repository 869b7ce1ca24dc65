package amqp

import "time"

// Config defines the broker connection and the routing topology.
type Config struct {
	URL      string
	Producer string

	EventsExchange   string
	DeliveryExchange string
	InboundQueue     string
	ReceiptQueue     string

	// Binding keys for the consumer queues on the delivery exchange.
	InboundRoutingKey  string
	ReceiptRoutingKey  string
	OutboundRoutingKey string

	Prefetch             int
	ConfirmTimeout       time.Duration
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
	ReconnectJitterPct   int
	SinkBuffer           int
}

func (c Config) withDefaults() Config {
	if c.Producer == "" {
		c.Producer = "omnirouter"
	}
	if c.EventsExchange == "" {
		c.EventsExchange = "routing.events"
	}
	if c.DeliveryExchange == "" {
		c.DeliveryExchange = "chat.delivery"
	}
	if c.InboundQueue == "" {
		c.InboundQueue = "chat.inbound"
	}
	if c.ReceiptQueue == "" {
		c.ReceiptQueue = "chat.receipts"
	}
	if c.InboundRoutingKey == "" {
		c.InboundRoutingKey = "chat.inbound.v1"
	}
	if c.ReceiptRoutingKey == "" {
		c.ReceiptRoutingKey = "chat.receipt.v1"
	}
	if c.OutboundRoutingKey == "" {
		c.OutboundRoutingKey = "chat.outbound.v1"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.ReconnectBackoffBase <= 0 {
		c.ReconnectBackoffBase = time.Second
	}
	if c.ReconnectBackoffCap <= 0 {
		c.ReconnectBackoffCap = 30 * time.Second
	}
	if c.ReconnectJitterPct <= 0 {
		c.ReconnectJitterPct = 25
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = 1024
	}
	return c
}
