package rabbitmq

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/errors"
)

// Resolved is the outcome of a successful SetupChannel: the queue and
// exchange configuration together with the consumer tag to use.
type Resolved struct {
	Queue    config.QueueConfig
	Exchange config.ExchangeConfig

	consumerTag string
}

// ConsumerTag returns the configured tag or a generated consumer_<uuid>
func (r *Resolved) ConsumerTag() string {
	return r.consumerTag
}

// RoutingKey returns the binding key, falling back to the queue name
func (r *Resolved) RoutingKey() string {
	if r.Queue.RoutingKey == "" {
		return r.Queue.Name
	}
	return r.Queue.RoutingKey
}

// TopologyManager declares exchanges, queues and bindings and applies QoS
type TopologyManager struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewTopologyManager creates a topology manager over cfg
func NewTopologyManager(cfg *config.Config, opts ...Option) *TopologyManager {
	o := applyOptions(opts)
	return &TopologyManager{
		cfg:    cfg,
		logger: o.logger,
	}
}

// Resolve looks up a queue and its exchange without touching the broker
func (t *TopologyManager) Resolve(queueKey string) (*Resolved, error) {
	queue, err := t.cfg.Queue(queueKey)
	if err != nil {
		return nil, err
	}

	exchange, err := t.cfg.Exchange(queue.ExchangeKey())
	if err != nil {
		return nil, err
	}

	if !config.ValidExchangeType(exchange.Type) {
		return nil, errors.NewInvalidConfigError("exchange", queue.ExchangeKey(),
			fmt.Errorf("unknown exchange type %q", exchange.Type))
	}

	tag := queue.ConsumerTag
	if tag == "" {
		tag = "consumer_" + uuid.NewString()
	}

	return &Resolved{
		Queue:       queue,
		Exchange:    exchange,
		consumerTag: tag,
	}, nil
}

// SetupChannel declares the exchange and queue for queueKey, binds them
// and sets the prefetch on ch. Repeating it with unchanged configuration
// succeeds; a declaration that differs from an existing one returns a
// *errors.ConflictError. Configuration errors are returned before any
// broker call.
func (t *TopologyManager) SetupChannel(queueKey string, ch Channel) (*Resolved, error) {
	resolved, err := t.Resolve(queueKey)
	if err != nil {
		return nil, err
	}
	queue := resolved.Queue
	exchange := resolved.Exchange

	if err := t.declareExchange(ch, exchange, queue.Name); err != nil {
		return nil, err
	}

	if err := t.declareQueue(ch, queue); err != nil {
		return nil, err
	}

	if err := ch.QueueBind(queue.Name, resolved.RoutingKey(), exchange.Name, false, nil); err != nil {
		return nil, classify(err, "bind_queue", "binding", queue.Name)
	}

	if err := ch.Qos(queue.PrefetchCount(), queue.Prefetch.Size, false); err != nil {
		return nil, errors.NewBrokerError("qos", queue.Name, err)
	}

	t.logger.Debug("Topology ready",
		"queue", queue.Name,
		"exchange", exchange.Name,
		"routing_key", resolved.RoutingKey(),
		"prefetch", queue.PrefetchCount())

	return resolved, nil
}

func (t *TopologyManager) declareExchange(ch Channel, exchange config.ExchangeConfig, queueName string) error {
	declare := ch.ExchangeDeclare
	if exchange.Passive {
		declare = ch.ExchangeDeclarePassive
	}

	err := declare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		exchange.Internal,
		false, // no-wait
		amqp.Table(exchange.Arguments),
	)
	if err != nil {
		return classify(err, "declare_exchange", "exchange", exchange.Name)
	}
	return nil
}

func (t *TopologyManager) declareQueue(ch Channel, queue config.QueueConfig) error {
	declare := ch.QueueDeclare
	if queue.Passive {
		declare = ch.QueueDeclarePassive
	}

	_, err := declare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		amqp.Table(queue.Arguments),
	)
	if err != nil {
		return classify(err, "declare_queue", "queue", queue.Name)
	}
	return nil
}

// classify maps PRECONDITION_FAILED to a conflict and anything else to a broker error
func classify(err error, op, kind, name string) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return errors.NewConflictError(kind, name, err)
	}
	return errors.NewBrokerError(op, name, err)
}
