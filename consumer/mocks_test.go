package consumer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// mockAcknowledger records how a delivery was settled
type mockAcknowledger struct {
	mu       sync.Mutex
	acks     int
	rejects  int
	requeued []bool
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return m.Reject(tag, requeue)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects++
	m.requeued = append(m.requeued, requeue)
	return nil
}

// mockHandler is a configurable Handler
type mockHandler struct {
	processErr   error
	processPanic interface{}
	ackInProcess bool
	failedCalls  int
	failedErr    error
	settle       bool
	failedPanic  interface{}
}

func (m *mockHandler) Process(ctx context.Context, msg *rabbitmq.Message) error {
	if m.processPanic != nil {
		panic(m.processPanic)
	}
	if m.ackInProcess {
		if err := msg.Ack(); err != nil {
			return err
		}
	}
	return m.processErr
}

func (m *mockHandler) Failed(ctx context.Context, msg *rabbitmq.Message, err error) {
	m.failedCalls++
	m.failedErr = err
	if m.failedPanic != nil {
		panic(m.failedPanic)
	}
	if m.settle {
		_ = msg.Reject(true)
	}
}

// messageBuilder builds messages for tests
type messageBuilder struct {
	delivery amqp.Delivery
	queue    config.QueueConfig
}

func newMessageBuilder() *messageBuilder {
	return &messageBuilder{
		delivery: amqp.Delivery{
			Acknowledger: &mockAcknowledger{},
			DeliveryTag:  1,
			RoutingKey:   "orders",
			ContentType:  "application/json",
			Body:         []byte(`{"order_id":1}`),
		},
		queue: config.QueueConfig{
			Name:  "orders",
			Retry: config.DefaultRetry(),
		},
	}
}

func (b *messageBuilder) WithBody(body string) *messageBuilder {
	b.delivery.Body = []byte(body)
	return b
}

func (b *messageBuilder) WithDeath(queue string, count int64) *messageBuilder {
	if b.delivery.Headers == nil {
		b.delivery.Headers = amqp.Table{}
	}
	deaths, _ := b.delivery.Headers[rabbitmq.DeathHeader].([]interface{})
	b.delivery.Headers[rabbitmq.DeathHeader] = append(deaths, amqp.Table{
		"queue":  queue,
		"count":  count,
		"reason": "rejected",
	})
	return b
}

func (b *messageBuilder) WithHeader(key string, value interface{}) *messageBuilder {
	if b.delivery.Headers == nil {
		b.delivery.Headers = amqp.Table{}
	}
	b.delivery.Headers[key] = value
	return b
}

func (b *messageBuilder) WithRetry(retry config.RetryConfig) *messageBuilder {
	b.queue.Retry = retry
	return b
}

func (b *messageBuilder) Build() (*rabbitmq.Message, *mockAcknowledger) {
	return rabbitmq.NewMessage(b.delivery, b.queue), b.delivery.Acknowledger.(*mockAcknowledger)
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
