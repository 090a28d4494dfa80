package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gymagent/pkg/trace"
)

type fakeAcknowledger struct {
	acked    int
	nacked   int
	requeued bool
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.nacked++
	f.requeued = requeue
	return nil
}

func newTestConsumer(handler MessageHandler) *Consumer {
	c := &Consumer{
		routingKey: RoutingKeyMailFetched,
		queue:      amqp091.Queue{Name: RoutingKeyMailFetched + ".q"},
		logger:     zap.NewNop(),
	}
	c.SetHandler(handler)
	return c
}

func delivery(ack amqp091.Acknowledger) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, Body: []byte(`{"message_id":"msg-1"}`)}
}

// Cancelling the consume context must only stop the receive loop: a delivery
// already being handled keeps a live context so its side effects complete.
func TestHandleDeliveryShieldsHandlerFromCancellation(t *testing.T) {
	var handlerCtxErr error
	c := newTestConsumer(func(ctx context.Context, _ json.RawMessage) error {
		handlerCtxErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ack := &fakeAcknowledger{}
	c.handleDelivery(ctx, delivery(ack))

	assert.NoError(t, handlerCtxErr, "handler must run on a non-cancelled context")
	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 0, ack.nacked)
}

func TestHandleDeliveryAttachesTraceID(t *testing.T) {
	var traceID string
	c := newTestConsumer(func(ctx context.Context, _ json.RawMessage) error {
		traceID = trace.FromContext(ctx)
		return nil
	})

	c.handleDelivery(context.Background(), delivery(&fakeAcknowledger{}))
	assert.NotEmpty(t, traceID)
}

func TestHandleDeliveryNacksAndRequeuesOnError(t *testing.T) {
	c := newTestConsumer(func(_ context.Context, _ json.RawMessage) error {
		return errors.New("connecting to IMAP imap.example.com:993: connection refused")
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(ack))

	assert.Equal(t, 0, ack.acked)
	require.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestHandleDeliveryAcksOnHandlerPanic(t *testing.T) {
	c := newTestConsumer(func(_ context.Context, _ json.RawMessage) error {
		panic("boom")
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(ack))

	assert.Equal(t, 1, ack.acked, "a panicking delivery must not poison the queue")
	assert.Equal(t, 0, ack.nacked)
}
