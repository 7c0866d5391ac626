package core

import (
	"context"
	"time"

	"github.com/BranchIntl/rmqworker/consumer"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// Connections is what the worker needs from a connection registry
type Connections interface {
	GetChannel(ctx context.Context, name string) (rabbitmq.Channel, error)
	Close() error
}

// Topology is what the worker needs from a topology manager
type Topology interface {
	SetupChannel(queueKey string, ch rabbitmq.Channel) (*rabbitmq.Resolved, error)
}

// Handlers resolves the handler of a queue key
type Handlers interface {
	Get(queueKey string) (consumer.Handler, bool)
}

// Listener receives lifecycle notifications for every dispatched message
type Listener interface {
	Processing(ctx context.Context, msg *rabbitmq.Message, queue string)
	Processed(ctx context.Context, msg *rabbitmq.Message, queue string)
	Failed(ctx context.Context, msg *rabbitmq.Message, queue string, err error)
}

// Statistics is a Listener backed by an external store
type Statistics interface {
	Listener

	// Health and connection
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}

// Clock is the time source of the worker loop
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// MemoryProbe returns the memory currently in use, in bytes
type MemoryProbe func() uint64
