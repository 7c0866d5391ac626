package rabbitmq

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// mockAcknowledger records settlement calls
type mockAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
	requeued []bool
	err      error
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, tag)
	return m.err
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return m.Reject(tag, requeue)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, tag)
	m.requeued = append(m.requeued, requeue)
	return m.err
}

func (m *mockAcknowledger) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked) + len(m.rejected)
}

func deathEntry(queue string, count interface{}) amqp.Table {
	return amqp.Table{
		"queue":        queue,
		"count":        count,
		"reason":       "rejected",
		"exchange":     "app.default",
		"routing-keys": []interface{}{queue},
	}
}
