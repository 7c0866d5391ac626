package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/errors"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// RetryPolicy settles failed messages from their x-death history. Embed it
// in a handler to get the standard Failed behaviour.
type RetryPolicy struct {
	Logger *slog.Logger
}

// ShouldRequeue reports whether a message that already failed count times
// goes back to its queue
func ShouldRequeue(count int, retry config.RetryConfig) bool {
	return retry.Enabled && count < retry.MaxAttempts
}

// Failed rejects msg, requeueing it while the retry budget of its queue
// allows. When the failure history cannot be read the message is dropped
// and both errors are logged. Failed never panics.
func (p RetryPolicy) Failed(ctx context.Context, msg *rabbitmq.Message, cause error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			p.drop(logger, msg, &errors.RetryBookkeepingError{Original: cause, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if msg.Settled() {
		logger.Warn("Failed message already settled", "queue", msg.Queue().Name, "error", cause)
		return
	}
	queue := msg.Queue()

	count, err := msg.RetryCount()
	if err != nil {
		p.drop(logger, msg, &errors.RetryBookkeepingError{Original: cause, Err: err})
		return
	}

	requeue := ShouldRequeue(count, queue.Retry)
	if err := msg.Reject(requeue); err != nil {
		logger.Error("Failed to reject message", "queue", queue.Name, "error", err)
		return
	}

	logger.Warn("Message failed",
		"queue", queue.Name,
		"message_id", msg.MessageID(),
		"retry_count", count,
		"max_attempts", queue.Retry.MaxAttempts,
		"requeue", requeue,
		"error", cause)
}

func (p RetryPolicy) drop(logger *slog.Logger, msg *rabbitmq.Message, err *errors.RetryBookkeepingError) {
	if msg == nil {
		logger.Error("Retry bookkeeping failed", "error", err.Original, "bookkeeping_error", err.Err)
		return
	}
	if !msg.Settled() {
		if rejectErr := msg.Reject(false); rejectErr != nil {
			logger.Error("Failed to reject message", "queue", msg.Queue().Name, "error", rejectErr)
		}
	}
	logger.Error("Retry bookkeeping failed, message dropped",
		"queue", msg.Queue().Name,
		"message_id", msg.MessageID(),
		"error", err.Original,
		"bookkeeping_error", err.Err)
}
