package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/errors"
)

// PublishOptions are the per-message publishing overrides
type PublishOptions struct {
	// RoutingKey overrides the queue's routing key
	RoutingKey    string
	Headers       map[string]interface{}
	MessageID     string
	CorrelationID string
}

// Publisher sends JSON messages to the exchange a queue is bound to
type Publisher struct {
	connections *ConnectionRegistry
	topology    *TopologyManager
	logger      *slog.Logger
	now         func() time.Time
}

// NewPublisher creates a publisher sharing the registry and topology manager
func NewPublisher(connections *ConnectionRegistry, topology *TopologyManager, opts ...Option) *Publisher {
	o := applyOptions(opts)
	return &Publisher{
		connections: connections,
		topology:    topology,
		logger:      o.logger,
		now:         o.now,
	}
}

// Publish declares the topology of queueKey and publishes payload as a
// persistent application/json message. Strings, byte slices and
// json.RawMessage are sent verbatim; any other value is JSON encoded.
func (p *Publisher) Publish(ctx context.Context, queueKey string, payload interface{}, opts PublishOptions) error {
	connName, err := p.connections.Config().ConnectionFor(queueKey)
	if err != nil {
		return err
	}

	body, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	ch, err := p.connections.GetChannel(ctx, connName)
	if err != nil {
		return err
	}

	resolved, err := p.topology.SetupChannel(queueKey, ch)
	if err != nil {
		return err
	}

	routingKey := opts.RoutingKey
	if routingKey == "" {
		routingKey = resolved.RoutingKey()
	}

	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	err = ch.PublishWithContext(
		ctx,
		resolved.Exchange.Name,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Headers:       amqp.Table(opts.Headers),
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Timestamp:     p.now(),
			MessageId:     messageID,
			CorrelationId: opts.CorrelationID,
			Body:          body,
		})
	if err != nil {
		return errors.NewBrokerError("publish", resolved.Queue.Name, err)
	}

	p.logger.Debug("Message published",
		"queue", resolved.Queue.Name,
		"exchange", resolved.Exchange.Name,
		"routing_key", routingKey,
		"message_id", messageID)
	return nil
}

// EncodePayload returns the message body for payload
func EncodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewSerializationError("json", err)
	}
	return body, nil
}
