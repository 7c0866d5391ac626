package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/errors"
)

// DeathHeader is the header RabbitMQ maintains when a message is dead-lettered
const DeathHeader = "x-death"

// FailureEntry is one x-death record: how many times the message was
// dead-lettered from Queue and why.
type FailureEntry struct {
	Queue       string
	Count       int64
	Reason      string
	Exchange    string
	RoutingKeys []string
}

// Message is a received delivery together with the queue it was consumed
// from. It can be acknowledged or rejected exactly once.
type Message struct {
	delivery amqp.Delivery
	queue    config.QueueConfig

	mu      sync.Mutex
	settled bool
}

// NewMessage wraps a delivery consumed from queue
func NewMessage(delivery amqp.Delivery, queue config.QueueConfig) *Message {
	return &Message{delivery: delivery, queue: queue}
}

func (m *Message) Body() []byte              { return m.delivery.Body }
func (m *Message) ContentType() string       { return m.delivery.ContentType }
func (m *Message) DeliveryMode() uint8       { return m.delivery.DeliveryMode }
func (m *Message) Headers() amqp.Table       { return m.delivery.Headers }
func (m *Message) MessageID() string         { return m.delivery.MessageId }
func (m *Message) CorrelationID() string     { return m.delivery.CorrelationId }
func (m *Message) RoutingKey() string        { return m.delivery.RoutingKey }
func (m *Message) ConsumerTag() string       { return m.delivery.ConsumerTag }
func (m *Message) DeliveryTag() uint64       { return m.delivery.DeliveryTag }
func (m *Message) Redelivered() bool         { return m.delivery.Redelivered }
func (m *Message) Timestamp() time.Time      { return m.delivery.Timestamp }
func (m *Message) Queue() config.QueueConfig { return m.queue }

// Delivery returns the underlying AMQP delivery
func (m *Message) Delivery() amqp.Delivery { return m.delivery }

// Settled reports whether Ack or Reject has been called
func (m *Message) Settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled
}

// Ack acknowledges the message
func (m *Message) Ack() error {
	return m.settle("ack", func() error {
		return m.delivery.Ack(false)
	})
}

// Reject rejects the message, asking the broker to requeue it or not
func (m *Message) Reject(requeue bool) error {
	return m.settle("reject", func() error {
		return m.delivery.Reject(requeue)
	})
}

func (m *Message) settle(op string, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled {
		return errors.ErrAlreadySettled
	}
	m.settled = true

	if err := fn(); err != nil {
		return errors.NewBrokerError(op, m.queue.Name, err)
	}
	return nil
}

// FailureHistory parses the x-death header. A message that was never
// dead-lettered has an empty history.
func (m *Message) FailureHistory() ([]FailureEntry, error) {
	raw, ok := m.delivery.Headers[DeathHeader]
	if !ok || raw == nil {
		return nil, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected a list, got %T", errors.ErrMalformedDeath, raw)
	}

	entries := make([]FailureEntry, 0, len(list))
	for i, item := range list {
		table, ok := asTable(item)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is %T", errors.ErrMalformedDeath, i, item)
		}

		entry := FailureEntry{}
		if q, ok := table["queue"]; ok {
			entry.Queue, ok = q.(string)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d queue is %T", errors.ErrMalformedDeath, i, q)
			}
		}
		if c, ok := table["count"]; ok {
			count, ok := asInt64(c)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d count is %T", errors.ErrMalformedDeath, i, c)
			}
			entry.Count = count
		}
		entry.Reason, _ = table["reason"].(string)
		entry.Exchange, _ = table["exchange"].(string)
		if keys, ok := table["routing-keys"].([]interface{}); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					entry.RoutingKeys = append(entry.RoutingKeys, s)
				}
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// RetryCount returns the dead-letter count recorded for the queue this
// message was consumed from, or for its routing key when the queue has no
// name. Entries for other queues are ignored.
func (m *Message) RetryCount() (int, error) {
	history, err := m.FailureHistory()
	if err != nil {
		return 0, err
	}

	name := m.queue.Name
	if name == "" {
		name = m.delivery.RoutingKey
	}

	for _, entry := range history {
		if entry.Queue == name {
			return int(entry.Count), nil
		}
	}
	return 0, nil
}

func asTable(v interface{}) (amqp.Table, bool) {
	switch t := v.(type) {
	case amqp.Table:
		return t, true
	case map[string]interface{}:
		return amqp.Table(t), true
	}
	return nil, false
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
