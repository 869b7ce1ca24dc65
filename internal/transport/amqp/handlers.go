package amqp

import (
	"context"
	"errors"
	"fmt"

	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
)

// InboundReceiver accepts client messages from the channel.
type InboundReceiver interface {
	OnInboundMessage(ctx context.Context, phone string, in lifecycle.InboundMessage) (string, error)
}

// ReceiptReceiver accepts delivery receipts for outbound messages.
type ReceiptReceiver interface {
	ApplyReceipt(ctx context.Context, r domain.Receipt) error
}

// InboundConsumer feeds the inbound queue into the lifecycle controller.
func InboundConsumer(cfg Config, rx InboundReceiver) ConsumerSpec {
	cfg = cfg.withDefaults()
	return ConsumerSpec{
		Name:       "inbound",
		Exchange:   cfg.DeliveryExchange,
		Queue:      cfg.InboundQueue,
		BindingKey: cfg.InboundRoutingKey,
		Consume:    JSONHandler(handleInbound(rx)),
	}
}

func handleInbound(rx InboundReceiver) func(context.Context, GenericEnvelope[InboundV1]) error {
	return func(ctx context.Context, env GenericEnvelope[InboundV1]) error {
		in := env.Data
		if err := in.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		typ := domain.MessageType(in.Kind)
		if typ == "" {
			typ = domain.MessageText
		}
		_, err := rx.OnInboundMessage(ctx, in.Phone, lifecycle.InboundMessage{
			Type:       typ,
			Body:       in.Body,
			ExternalID: in.ExternalID,
		})
		return classify(err)
	}
}

// ReceiptConsumer feeds delivery receipts into the lifecycle controller.
func ReceiptConsumer(cfg Config, rx ReceiptReceiver) ConsumerSpec {
	cfg = cfg.withDefaults()
	return ConsumerSpec{
		Name:       "receipts",
		Exchange:   cfg.DeliveryExchange,
		Queue:      cfg.ReceiptQueue,
		BindingKey: cfg.ReceiptRoutingKey,
		Consume:    JSONHandler(handleReceipt(rx)),
	}
}

func handleReceipt(rx ReceiptReceiver) func(context.Context, GenericEnvelope[ReceiptV1]) error {
	return func(ctx context.Context, env GenericEnvelope[ReceiptV1]) error {
		if err := env.Data.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return classify(rx.ApplyReceipt(ctx, env.Data.toDomain()))
	}
}

// classify turns rejections that a retry cannot fix into poison; store
// outages stay transient so the delivery is requeued.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrRaceLost):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
}
