package noop

import (
	"context"

	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// NoOpStatistics implements the Statistics interface with no-op operations
type NoOpStatistics struct{}

// NewStatistics creates a new no-op statistics backend
func NewStatistics() *NoOpStatistics {
	return &NoOpStatistics{}
}

// Connect establishes connection (no-op)
func (n *NoOpStatistics) Connect(ctx context.Context) error {
	return nil
}

// Close closes the connection (no-op)
func (n *NoOpStatistics) Close() error {
	return nil
}

// Health checks connection health
func (n *NoOpStatistics) Health() error {
	return nil
}

// Type returns the statistics backend type
func (n *NoOpStatistics) Type() string {
	return "noop"
}

func (n *NoOpStatistics) Processing(ctx context.Context, msg *rabbitmq.Message, queue string) {}

func (n *NoOpStatistics) Processed(ctx context.Context, msg *rabbitmq.Message, queue string) {}

func (n *NoOpStatistics) Failed(ctx context.Context, msg *rabbitmq.Message, queue string, err error) {}
