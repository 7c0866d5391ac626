// Package amqptest provides an in-memory broker implementing the
// rabbitmq Dialer, Connection and Channel interfaces for tests.
//
// The broker keeps exchanges, queues and bindings, routes published
// messages, honours the channel prefetch and requeues unacknowledged
// deliveries when a channel closes. Redeclaring with different
// properties fails with PRECONDITION_FAILED and closes the channel, as
// RabbitMQ does.
package amqptest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
	internal   bool
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	ready      []amqp.Delivery
	dead       []amqp.Delivery
	acked      int
}

// Broker is an in-memory AMQP broker
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	exchanges map[string]exchange
	queues    map[string]*queue
	bindings  map[string][]binding

	connections []*Connection
	dials       map[string]int
	failures    map[string]error
	calls       []string
	nextTag     uint64
	published   []amqp.Publishing
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	b := &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
		dials:     make(map[string]int),
		failures:  make(map[string]error),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Dial opens a connection; it implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context, cfg config.ConnectionConfig) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failures["Dial"]; err != nil {
		return nil, err
	}
	b.dials[cfg.Name]++
	conn := &Connection{broker: b, name: cfg.Name}
	b.connections = append(b.connections, conn)
	return conn, nil
}

// Fail makes every subsequent call of method fail with err. A nil err
// clears the failure. Method names match the Channel methods, plus
// "Dial" and "Channel".
func (b *Broker) Fail(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

// Dials returns how many times the named connection was dialed
func (b *Broker) Dials(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[name]
}

// Calls returns the channel methods invoked so far, in order
func (b *Broker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Connections returns every connection dialed so far
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// Published returns every message accepted by PublishWithContext
func (b *Broker) Published() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published...)
}

// HasExchange reports whether an exchange is declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether a queue is declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Bound reports whether queue is bound to exchange with key
func (b *Broker) Bound(exchangeName, queueName, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings[exchangeName] {
		if bd.queue == queueName && bd.key == key {
			return true
		}
	}
	return false
}

// Ready returns the number of messages waiting in a queue
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Acked returns the number of acknowledged messages of a queue
func (b *Broker) Acked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.acked
	}
	return 0
}

// DeadLettered returns the messages rejected without requeue from a queue
func (b *Broker) DeadLettered(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return append([]amqp.Delivery(nil), q.dead...)
	}
	return nil
}

// Inject appends a delivery to a queue, declaring the queue if needed.
// It lets tests enqueue messages carrying broker headers such as x-death.
func (b *Broker) Inject(queueName string, d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		q = &queue{name: queueName, durable: true}
		b.queues[queueName] = q
	}
	if d.RoutingKey == "" {
		d.RoutingKey = queueName
	}
	q.ready = append(q.ready, d)
	b.cond.Broadcast()
}

// record expects the caller to hold the lock
func (b *Broker) record(method string) error {
	b.calls = append(b.calls, method)
	return b.failures[method]
}

// route expects the caller to hold the lock
func (b *Broker) route(exchangeName, key string) ([]*queue, error) {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, notFound("exchange", exchangeName)
	}

	var targets []*queue
	for _, bd := range b.bindings[exchangeName] {
		if ex.kind == config.ExchangeDirect && bd.key != key {
			continue
		}
		if ex.kind == config.ExchangeTopic && bd.key != key && bd.key != "#" {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			targets = append(targets, q)
		}
	}
	return targets, nil
}

func preconditionFailed(kind, name, arg string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.PreconditionFailed,
		Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg '%s' for %s '%s'", arg, kind, name),
	}
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s'", kind, name),
	}
}
