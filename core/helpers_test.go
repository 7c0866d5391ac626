package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/internal/amqptest"
	"github.com/BranchIntl/rmqworker/rabbitmq"
	"github.com/BranchIntl/rmqworker/registry"
)

const (
	testQueueKey  = config.DefaultName
	testQueueName = "default_queue"
)

// TestSetup provides common test dependencies
type TestSetup struct {
	Config      *config.Config
	Broker      *amqptest.Broker
	Connections *rabbitmq.ConnectionRegistry
	Topology    *rabbitmq.TopologyManager
	Handlers    *registry.Registry
	Clock       *MockClock
	Memory      *MockMemoryProbe
	Listener    *MockListener
	Logger      *slog.Logger
}

// NewTestSetup creates a worker stack over an in-memory broker
func NewTestSetup() *TestSetup {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default("test", "worker-1")
	broker := amqptest.NewBroker()

	return &TestSetup{
		Config: cfg,
		Broker: broker,
		Connections: rabbitmq.NewConnectionRegistry(cfg,
			rabbitmq.WithDialer(broker),
			rabbitmq.WithLogger(logger)),
		Topology: rabbitmq.NewTopologyManager(cfg, rabbitmq.WithLogger(logger)),
		Handlers: registry.NewRegistry(),
		Clock:    NewMockClock(),
		Memory:   NewMockMemoryProbe(),
		Listener: NewMockListener(),
		Logger:   logger,
	}
}

// NewWorker builds a worker with the mocks wired in. Signals are left
// to the test binary.
func (s *TestSetup) NewWorker(opts ...WorkerOption) *Worker {
	base := []WorkerOption{
		WithLogger(s.Logger),
		WithClock(s.Clock),
		WithMemoryProbe(s.Memory.Probe),
		WithListener(s.Listener),
		WithoutSignals(),
	}
	return NewWorker(s.Config, s.Connections, s.Topology, s.Handlers, append(base, opts...)...)
}

// Enqueue puts n JSON messages on the test queue
func (s *TestSetup) Enqueue(n int) {
	for i := 0; i < n; i++ {
		s.Broker.Inject(testQueueName, NewDelivery(fmt.Sprintf("msg-%d", i+1)))
	}
}

// NewDelivery creates a persistent JSON delivery
func NewDelivery(id string) amqp.Delivery {
	return amqp.Delivery{
		MessageId:    id,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

// ContextWithTimeout creates a context with standard timeout for tests
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// workResult carries the return values of Work run in the background
type workResult struct {
	status int
	err    error
}

// WorkAsync runs Work in a goroutine
func WorkAsync(ctx context.Context, w *Worker, queueKey string, opts ...Option) <-chan workResult {
	done := make(chan workResult, 1)
	go func() {
		status, err := w.Work(ctx, queueKey, opts...)
		done <- workResult{status: status, err: err}
	}()
	return done
}
