package rmqworker

import (
	"context"
	"log/slog"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/consumer"
	"github.com/BranchIntl/rmqworker/core"
	"github.com/BranchIntl/rmqworker/rabbitmq"
	"github.com/BranchIntl/rmqworker/registry"
)

// Engine wires a connection registry, topology manager, publisher,
// handler registry and worker over one configuration
type Engine struct {
	cfg         *config.Config
	connections *rabbitmq.ConnectionRegistry
	topology    *rabbitmq.TopologyManager
	publisher   *rabbitmq.Publisher
	handlers    *registry.Registry
	worker      *core.Worker
	logger      *slog.Logger
}

type engineOptions struct {
	logger        *slog.Logger
	dialer        rabbitmq.Dialer
	workerOptions []core.WorkerOption
}

// Option configures an Engine
type Option func(*engineOptions)

// WithLogger sets the structured logger of every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(o *engineOptions) {
		o.dialer = dialer
	}
}

// WithStatistics adds a statistics backend to the worker
func WithStatistics(stats core.Statistics) Option {
	return WithWorkerOptions(core.WithStatistics(stats))
}

// WithListener adds a lifecycle listener to the worker
func WithListener(l core.Listener) Option {
	return WithWorkerOptions(core.WithListener(l))
}

// WithWorkerOptions passes options through to the worker
func WithWorkerOptions(opts ...core.WorkerOption) Option {
	return func(o *engineOptions) {
		o.workerOptions = append(o.workerOptions, opts...)
	}
}

// New validates cfg and builds an engine. No connection is opened until
// the first Publish or Work.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	rmqOpts := []rabbitmq.Option{rabbitmq.WithLogger(o.logger)}
	if o.dialer != nil {
		rmqOpts = append(rmqOpts, rabbitmq.WithDialer(o.dialer))
	}

	connections := rabbitmq.NewConnectionRegistry(cfg, rmqOpts...)
	topology := rabbitmq.NewTopologyManager(cfg, rmqOpts...)
	handlers := registry.NewRegistry()

	workerOpts := append([]core.WorkerOption{core.WithLogger(o.logger)}, o.workerOptions...)

	return &Engine{
		cfg:         cfg,
		connections: connections,
		topology:    topology,
		publisher:   rabbitmq.NewPublisher(connections, topology, rmqOpts...),
		handlers:    handlers,
		worker:      core.NewWorker(cfg, connections, topology, handlers, workerOpts...),
		logger:      o.logger,
	}, nil
}

// Config returns the engine configuration
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Register sets the handler of a queue key
func (e *Engine) Register(queueKey string, handler consumer.Handler) error {
	return e.handlers.Register(queueKey, handler)
}

// RegisterFunc sets a function as the handler of a queue key
func (e *Engine) RegisterFunc(queueKey string, fn consumer.Func) error {
	return e.handlers.RegisterFunc(queueKey, fn)
}

// Publish declares the topology of queueKey and publishes payload to it
func (e *Engine) Publish(ctx context.Context, queueKey string, payload interface{}, opts rabbitmq.PublishOptions) error {
	return e.publisher.Publish(ctx, queueKey, payload, opts)
}

// Work runs the worker loop on queueKey. See core.Worker.Work for the
// returned status.
func (e *Engine) Work(ctx context.Context, queueKey string, opts ...core.Option) (int, error) {
	return e.worker.Work(ctx, queueKey, opts...)
}

// Stop asks a running Work call to return after the current message
func (e *Engine) Stop() {
	e.worker.Stop()
}

// Stats returns a snapshot of the worker
func (e *Engine) Stats() core.Stats {
	return e.worker.Stats()
}

// Close closes every open connection
func (e *Engine) Close() error {
	return e.connections.Close()
}
