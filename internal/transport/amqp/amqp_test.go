package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
	"omnirouter/internal/observability"
)

type published struct {
	exchange string
	key      string
	env      Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []published
	err  error
	seen chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{seen: make(chan struct{}, 64)}
}

func (f *fakePublisher) PublishJSON(_ context.Context, exchange, routingKey string, env Envelope) error {
	f.mu.Lock()
	f.got = append(f.got, published{exchange, routingKey, env})
	err := f.err
	f.mu.Unlock()
	f.seen <- struct{}{}
	return err
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

type MockReceiver struct{ mock.Mock }

func (m *MockReceiver) OnInboundMessage(ctx context.Context, phone string, in lifecycle.InboundMessage) (string, error) {
	args := m.Called(ctx, phone, in)
	return args.String(0), args.Error(1)
}

func (m *MockReceiver) ApplyReceipt(ctx context.Context, r domain.Receipt) error {
	return m.Called(ctx, r).Error(0)
}

func delivery(t *testing.T, data any) amqp091.Delivery {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"meta": map[string]any{"id": "evt-1", "type": "chat.inbound.v1", "time": time.Now().UTC()},
		"data": data,
	})
	require.NoError(t, err)
	return amqp091.Delivery{Body: body, MessageId: "evt-1"}
}

func TestInboundConsumerForwardsMessage(t *testing.T) {
	rx := new(MockReceiver)
	rx.On("OnInboundMessage", mock.Anything, "+51999", lifecycle.InboundMessage{
		Type: domain.MessageText, Body: "hola", ExternalID: "wamid.1",
	}).Return("conv-1", nil)

	cons := InboundConsumer(Config{}, rx)
	assert.Equal(t, "chat.inbound", cons.Queue)
	assert.Equal(t, "chat.delivery", cons.Exchange)

	err := cons.Consume(context.Background(), delivery(t, InboundV1{Phone: "+51999", Body: "hola", ExternalID: "wamid.1"}))
	require.NoError(t, err)
	rx.AssertExpectations(t)
}

func TestInboundConsumerPoison(t *testing.T) {
	rx := new(MockReceiver)
	cons := InboundConsumer(Config{}, rx)

	err := cons.Consume(context.Background(), amqp091.Delivery{Body: []byte("{not json")})
	assert.ErrorIs(t, err, ErrPoison)

	err = cons.Consume(context.Background(), delivery(t, InboundV1{Body: "no phone"}))
	assert.ErrorIs(t, err, ErrPoison)
	rx.AssertNotCalled(t, "OnInboundMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestConsumerErrorClassification(t *testing.T) {
	rx := new(MockReceiver)
	rx.On("OnInboundMessage", mock.Anything, "+1", mock.Anything).
		Return("", domain.Fail("inbound", domain.ErrStoreUnavailable)).Once()
	rx.On("OnInboundMessage", mock.Anything, "+2", mock.Anything).
		Return("", domain.Fail("inbound", domain.ErrInvalidInput)).Once()

	cons := InboundConsumer(Config{}, rx)
	err := cons.Consume(context.Background(), delivery(t, InboundV1{Phone: "+1", ExternalID: "a"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPoison)

	err = cons.Consume(context.Background(), delivery(t, InboundV1{Phone: "+2", ExternalID: "b"}))
	assert.ErrorIs(t, err, ErrPoison)
}

func TestReceiptConsumer(t *testing.T) {
	at := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	rx := new(MockReceiver)
	rx.On("ApplyReceipt", mock.Anything, domain.Receipt{
		MessageID: "m1", ExternalID: "wamid.9", Status: domain.MessageDelivered, At: at,
	}).Return(nil)

	cons := ReceiptConsumer(Config{}, rx)
	assert.Equal(t, "chat.receipts", cons.Queue)

	err := cons.Consume(context.Background(), delivery(t, ReceiptV1{OutboundID: "m1", ExternalID: "wamid.9", Status: "delivered", At: at}))
	require.NoError(t, err)

	err = cons.Consume(context.Background(), delivery(t, ReceiptV1{OutboundID: "m1", Status: "accepted"}))
	assert.ErrorIs(t, err, ErrPoison)
	err = cons.Consume(context.Background(), delivery(t, ReceiptV1{Status: "read"}))
	assert.ErrorIs(t, err, ErrPoison)
	rx.AssertNumberOfCalls(t, "ApplyReceipt", 1)
}

func TestSenderPublishesOutbound(t *testing.T) {
	pub := newFakePublisher()
	s := newSender(pub, Config{})
	now := time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	conv := &domain.Conversation{ID: "c1", Phone: "+51999"}
	msg := &domain.Message{ID: "m1", ConversationID: "c1", Seq: 4, Type: domain.MessageText, Body: "hi"}

	r, err := s.Send(context.Background(), conv, msg)
	require.NoError(t, err)
	assert.Equal(t, &domain.Receipt{MessageID: "m1", Status: domain.MessageSent, At: now}, r)

	got := pub.all()
	require.Len(t, got, 1)
	assert.Equal(t, "chat.delivery", got[0].exchange)
	assert.Equal(t, "chat.outbound.v1", got[0].key)
	require.NotNil(t, got[0].env.Meta.CorrelationID)
	assert.Equal(t, "c1", *got[0].env.Meta.CorrelationID)
	out, ok := got[0].env.Data.(OutboundV1)
	require.True(t, ok)
	assert.Equal(t, "+51999", out.Phone)
	assert.Equal(t, int64(4), out.Seq)

	pub.err = errors.New("broker down")
	_, err = s.Send(context.Background(), conv, msg)
	assert.Error(t, err)
}

func TestSinkPublishesInOrderAndDropsWhenFull(t *testing.T) {
	pub := newFakePublisher()
	s := newSink(pub, Config{SinkBuffer: 2}, observability.Discard())

	require.NoError(t, s.Emit(context.Background(), domain.Event{ID: "e1", Kind: domain.EventConversationUpdate, ConversationID: "c1"}))
	require.NoError(t, s.Emit(context.Background(), domain.Event{ID: "e2", Kind: domain.EventNewMessage, ConversationID: "c1"}))
	assert.ErrorIs(t, s.Emit(context.Background(), domain.Event{ID: "e3"}), ErrSinkFull)
	assert.Equal(t, int64(1), s.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-pub.seen:
		case <-time.After(2 * time.Second):
			t.Fatal("event not published")
		}
	}
	got := pub.all()
	require.Len(t, got, 2)
	assert.Equal(t, "routing.events", got[0].exchange)
	assert.Equal(t, "routing.conversation_update.v1", got[0].key)
	assert.Equal(t, "e1", got[0].env.Meta.ID)
	assert.Equal(t, "routing.new_message.v1", got[1].key)
}

func TestJitteredDelayStaysInBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := JitteredDelay(time.Second, 30*time.Second, 25)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
	assert.Equal(t, 5*time.Second, JitteredDelay(time.Minute, 5*time.Second, 10))
}
