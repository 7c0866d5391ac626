// Package consumer dispatches received messages to handlers and decides,
// on failure, whether a message is requeued or dropped.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BranchIntl/rmqworker/errors"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// Handler processes the messages of a queue.
//
// Process returns nil on success; Dispatch acknowledges the message unless
// Process already settled it. On error Dispatch calls Failed, which must
// settle the message with exactly one Reject.
type Handler interface {
	Process(ctx context.Context, msg *rabbitmq.Message) error
	Failed(ctx context.Context, msg *rabbitmq.Message, err error)
}

// Func adapts a function to Handler. Failures go through the default
// RetryPolicy.
type Func func(ctx context.Context, msg *rabbitmq.Message) error

func (f Func) Process(ctx context.Context, msg *rabbitmq.Message) error {
	return f(ctx, msg)
}

func (f Func) Failed(ctx context.Context, msg *rabbitmq.Message, err error) {
	RetryPolicy{}.Failed(ctx, msg, err)
}

// Dispatch runs h for msg, logging to logger (slog.Default when nil). A
// panic in Process is recovered and treated as a failure. The returned
// error is a *errors.HandlerError when Process failed, nil otherwise.
func Dispatch(ctx context.Context, logger *slog.Logger, h Handler, msg *rabbitmq.Message) error {
	if logger == nil {
		logger = slog.Default()
	}
	queue := msg.Queue().Name

	err := process(ctx, h, msg)
	if err == nil {
		if !msg.Settled() {
			if ackErr := msg.Ack(); ackErr != nil {
				logger.Error("Failed to ack message", "queue", queue, "error", ackErr)
			}
		}
		return nil
	}

	handlerErr := errors.NewHandlerError(queue, err)
	failed(ctx, logger, h, msg, handlerErr)

	// Failed must settle; never leave a delivery hanging
	if !msg.Settled() {
		logger.Warn("Handler did not settle failed message, rejecting", "queue", queue)
		if rejectErr := msg.Reject(false); rejectErr != nil {
			logger.Error("Failed to reject message", "queue", queue, "error", rejectErr)
		}
	}

	return handlerErr
}

// process runs Process with panic recovery
func process(ctx context.Context, h Handler, msg *rabbitmq.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return h.Process(ctx, msg)
}

// failed runs Failed with panic recovery
func failed(ctx context.Context, logger *slog.Logger, h Handler, msg *rabbitmq.Message, cause error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Failure handler panicked",
				"queue", msg.Queue().Name, "error", cause, "panic", r)
		}
	}()

	h.Failed(ctx, msg, cause)
}

// DefaultHandler logs the body, decoded as JSON when it is JSON and as a
// string otherwise, then acknowledges the message. It is used for queues
// without a registered handler.
type DefaultHandler struct {
	RetryPolicy
}

// NewDefaultHandler creates a DefaultHandler logging to logger
func NewDefaultHandler(logger *slog.Logger) DefaultHandler {
	return DefaultHandler{RetryPolicy: RetryPolicy{Logger: logger}}
}

func (h DefaultHandler) Process(ctx context.Context, msg *rabbitmq.Message) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var payload interface{}
	if err := json.Unmarshal(msg.Body(), &payload); err != nil {
		payload = string(msg.Body())
	}

	logger.Info("Message received",
		"queue", msg.Queue().Name,
		"message_id", msg.MessageID(),
		"payload", payload)

	return msg.Ack()
}
