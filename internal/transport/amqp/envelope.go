package amqp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"omnirouter/internal/domain"
)

// Meta describes an envelope on the wire.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type GenericEnvelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

func newEnvelope(typ, producer string, at time.Time, correlationID string, data any) Envelope {
	env := Envelope{
		Meta: Meta{ID: uuid.NewString(), Type: typ, Time: at.UTC(), Producer: &producer},
		Data: data,
	}
	if correlationID != "" {
		env.Meta.CorrelationID = &correlationID
	}
	return env
}

// EventRoutingKey is the routing key of a lifecycle event on the events
// exchange.
func EventRoutingKey(kind domain.EventKind) string {
	return "routing." + string(kind) + ".v1"
}

var ErrInvalidContract = errors.New("invalid contract")

// InboundV1 is a client message handed over by the channel receiver.
type InboundV1 struct {
	Phone      string    `json:"phone"`
	Kind       string    `json:"kind"`
	Body       string    `json:"body"`
	ExternalID string    `json:"external_id"`
	ReceivedAt time.Time `json:"received_at"`
}

func (in InboundV1) Validate() error {
	var missing []string
	if strings.TrimSpace(in.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(in.ExternalID) == "" {
		missing = append(missing, "external_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidContract, strings.Join(missing, ", "))
	}
	return nil
}

// ReceiptV1 reports the delivery state of an outbound message. Either id
// correlates it.
type ReceiptV1 struct {
	OutboundID string    `json:"outbound_id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

func (r ReceiptV1) Validate() error {
	if r.OutboundID == "" && r.ExternalID == "" {
		return fmt.Errorf("%w: one of outbound_id or external_id is required", ErrInvalidContract)
	}
	switch domain.MessageStatus(r.Status) {
	case domain.MessageSent, domain.MessageDelivered, domain.MessageRead, domain.MessageFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidContract, r.Status)
	}
	return nil
}

func (r ReceiptV1) toDomain() domain.Receipt {
	return domain.Receipt{
		MessageID:  r.OutboundID,
		ExternalID: r.ExternalID,
		Status:     domain.MessageStatus(r.Status),
		At:         r.At,
	}
}

// OutboundV1 asks the channel processor to deliver a message.
type OutboundV1 struct {
	OutboundID     string    `json:"outbound_id"`
	ConversationID string    `json:"conversation_id"`
	Phone          string    `json:"phone"`
	Seq            int64     `json:"seq"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text"`
	AtHub          time.Time `json:"at_hub"`
}
