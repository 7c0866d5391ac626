package core

import (
	"time"

	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// Exit statuses returned by Work
const (
	StatusOK             = 0
	StatusStartupFailure = 1
	StatusMemoryLimit    = 12
)

// State is the phase of a worker run
type State int

const (
	StateStopped State = iota
	StateStarting
	StateDeclaringTopology
	StateWaiting
	StateProcessing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateDeclaringTopology:
		return "declaring_topology"
	case StateWaiting:
		return "waiting"
	case StateProcessing:
		return "processing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Stats is a snapshot of the current run
type Stats struct {
	State           State
	JobsProcessed   int
	LastMemoryCheck time.Time
	Current         *rabbitmq.Message
	Running         bool
}
