package rabbitmq_test

import (
	"io"
	"log/slog"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/internal/amqptest"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// configBuilder helps build configurations for tests
type configBuilder struct {
	cfg *config.Config
}

func newConfigBuilder() *configBuilder {
	return &configBuilder{cfg: config.Default("app", "")}
}

func (b *configBuilder) WithConnection(name string) *configBuilder {
	conn := config.DefaultConnection()
	conn.Name = name
	b.cfg.Connections[name] = conn
	return b
}

func (b *configBuilder) WithExchange(key string, exchange config.ExchangeConfig) *configBuilder {
	b.cfg.Exchanges[key] = exchange
	return b
}

func (b *configBuilder) WithQueue(key string, queue config.QueueConfig) *configBuilder {
	b.cfg.Queues[key] = queue
	return b
}

func (b *configBuilder) Build() *config.Config {
	return b.cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stack is a registry, topology manager and publisher over one in-memory broker
type stack struct {
	broker    *amqptest.Broker
	registry  *rabbitmq.ConnectionRegistry
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
}

func newStack(cfg *config.Config) *stack {
	broker := amqptest.NewBroker()
	registry := rabbitmq.NewConnectionRegistry(cfg,
		rabbitmq.WithDialer(broker),
		rabbitmq.WithLogger(discardLogger()))
	topology := rabbitmq.NewTopologyManager(cfg, rabbitmq.WithLogger(discardLogger()))
	return &stack{
		broker:    broker,
		registry:  registry,
		topology:  topology,
		publisher: rabbitmq.NewPublisher(registry, topology, rabbitmq.WithLogger(discardLogger())),
	}
}
