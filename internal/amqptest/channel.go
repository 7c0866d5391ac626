package amqptest

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// Connection is an in-memory broker connection
type Connection struct {
	broker   *Broker
	name     string
	closed   bool
	channels []*Channel
}

// Channel opens a new channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.failures["Channel"]; err != nil {
		return nil, err
	}

	ch := &Channel{
		broker:    b,
		conn:      c,
		unacked:   make(map[uint64]inflight),
		cancelled: make(map[string]bool),
		done:      make(chan struct{}),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close closes the connection and all of its channels
func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	return nil
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Name returns the configured connection name
func (c *Connection) Name() string {
	return c.name
}

// ChannelCount returns how many channels were opened on the connection
func (c *Connection) ChannelCount() int {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return len(c.channels)
}

// Drop simulates the broker closing the connection
func (c *Connection) Drop() {
	_ = c.Close()
}

type inflight struct {
	queue    *queue
	delivery amqp.Delivery
}

// Channel is an in-memory AMQP channel. It acknowledges deliveries it
// hands out.
type Channel struct {
	broker    *Broker
	conn      *Connection
	closed    bool
	prefetch  int
	unacked   map[uint64]inflight
	cancelled map[string]bool
	done      chan struct{}
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.declareExchange("ExchangeDeclare", false, name, kind, durable, autoDelete, internal)
}

func (c *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.declareExchange("ExchangeDeclarePassive", true, name, kind, durable, autoDelete, internal)
}

func (c *Channel) declareExchange(method string, passive bool, name, kind string, durable, autoDelete, internal bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.begin(method); err != nil {
		return err
	}

	want := exchange{kind: kind, durable: durable, autoDelete: autoDelete, internal: internal}
	have, ok := b.exchanges[name]
	switch {
	case !ok && passive:
		c.closeLocked()
		return notFound("exchange", name)
	case !ok:
		b.exchanges[name] = want
	case passive:
	case have.kind != want.kind:
		c.closeLocked()
		return preconditionFailed("exchange", name, "type")
	case have != want:
		c.closeLocked()
		return preconditionFailed("exchange", name, "durable")
	}
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.declareQueue("QueueDeclare", false, name, durable, autoDelete, exclusive)
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.declareQueue("QueueDeclarePassive", true, name, durable, autoDelete, exclusive)
}

func (c *Channel) declareQueue(method string, passive bool, name string, durable, autoDelete, exclusive bool) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.begin(method); err != nil {
		return amqp.Queue{}, err
	}

	q, ok := b.queues[name]
	switch {
	case !ok && passive:
		c.closeLocked()
		return amqp.Queue{}, notFound("queue", name)
	case !ok:
		q = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
		b.queues[name] = q
	case passive:
	case q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive:
		c.closeLocked()
		return amqp.Queue{}, preconditionFailed("queue", name, "durable")
	}
	return amqp.Queue{Name: name, Messages: len(q.ready)}, nil
}

func (c *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.begin("QueueBind"); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		c.closeLocked()
		return notFound("exchange", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		c.closeLocked()
		return notFound("queue", name)
	}

	for _, bd := range b.bindings[exchangeName] {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	b.bindings[exchangeName] = append(b.bindings[exchangeName], binding{queue: name, key: key})
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.begin("Qos"); err != nil {
		return err
	}
	c.prefetch = prefetchCount
	b.cond.Broadcast()
	return nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.begin("PublishWithContext"); err != nil {
		return err
	}

	targets, err := b.route(exchangeName, key)
	if err != nil {
		c.closeLocked()
		return err
	}

	b.published = append(b.published, msg)
	for _, q := range targets {
		q.ready = append(q.ready, amqp.Delivery{
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Body:          msg.Body,
			Exchange:      exchangeName,
			RoutingKey:    key,
		})
	}
	b.cond.Broadcast()
	return nil
}

func (c *Channel) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.begin("Consume"); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		c.closeLocked()
		return nil, notFound("queue", queueName)
	}
	if consumer == "" {
		consumer = fmt.Sprintf("ctag-%d", len(c.cancelled)+1)
	}
	c.cancelled[consumer] = false

	out := make(chan amqp.Delivery)
	go c.pump(q, out, consumer)
	return out, nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.begin("Cancel"); err != nil {
		return err
	}
	c.cancelled[consumer] = true
	b.cond.Broadcast()
	return nil
}

func (c *Channel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	b.calls = append(b.calls, "Close")
	c.closeLocked()
	return nil
}

func (c *Channel) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Drop simulates the broker closing the channel
func (c *Channel) Drop() {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closeLocked()
}

// Unacked returns the number of deliveries not yet settled on this channel
func (c *Channel) Unacked() int {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return len(c.unacked)
}

// Prefetch returns the prefetch count set by Qos
func (c *Channel) Prefetch() int {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.prefetch
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := c.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(c.unacked, tag)
	f.queue.acked++
	b.cond.Broadcast()
	return nil
}

func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return c.Reject(tag, requeue)
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := c.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(c.unacked, tag)
	if requeue {
		c.requeueLocked(f)
	} else {
		f.queue.dead = append(f.queue.dead, f.delivery)
	}
	b.cond.Broadcast()
	return nil
}

// begin expects the caller to hold the lock
func (c *Channel) begin(method string) error {
	if c.closed {
		return amqp.ErrClosed
	}
	return c.broker.record(method)
}

// requeueLocked puts a delivery back at the head of its queue
func (c *Channel) requeueLocked(f inflight) {
	d := f.delivery
	d.Redelivered = true
	d.Acknowledger = nil
	d.DeliveryTag = 0
	f.queue.ready = append([]amqp.Delivery{d}, f.queue.ready...)
}

// closeLocked expects the caller to hold the lock
func (c *Channel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for tag, f := range c.unacked {
		c.requeueLocked(f)
		delete(c.unacked, tag)
	}
	close(c.done)
	c.broker.cond.Broadcast()
}

func (c *Channel) stopped(consumer string) bool {
	return c.closed || c.cancelled[consumer]
}

func (c *Channel) pump(q *queue, out chan<- amqp.Delivery, consumer string) {
	defer close(out)
	b := c.broker

	for {
		b.mu.Lock()
		for !c.stopped(consumer) && (len(q.ready) == 0 || (c.prefetch > 0 && len(c.unacked) >= c.prefetch)) {
			b.cond.Wait()
		}
		if c.stopped(consumer) {
			b.mu.Unlock()
			return
		}

		d := q.ready[0]
		q.ready = q.ready[1:]
		b.nextTag++
		d.DeliveryTag = b.nextTag
		d.ConsumerTag = consumer
		d.Acknowledger = c
		c.unacked[d.DeliveryTag] = inflight{queue: q, delivery: d}
		b.mu.Unlock()

		select {
		case out <- d:
		case <-c.done:
			return
		}
	}
}
