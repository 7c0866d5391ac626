// Package rmqworker is a RabbitMQ message worker. It declares the
// exchange, queue and binding a consumer needs, publishes JSON messages,
// dispatches deliveries to handlers with manual acknowledgement and
// retries failed messages through the broker's dead-letter bookkeeping.
//
// rmqworker is made of:
//   - config: connections, exchanges and queues, loaded from code or
//     RABBITMQ_* environment variables
//   - rabbitmq: connection registry, topology manager, publisher and
//     the Message wrapper around a delivery
//   - consumer: handler dispatch and the x-death based retry policy
//   - core: the worker loop with job, memory and signal stop conditions
//   - statistics: Resque (Redis) and Prometheus observers
//
// # Example
//
//	package main
//
//	import (
//		"context"
//		"os"
//
//		"github.com/BranchIntl/rmqworker"
//		"github.com/BranchIntl/rmqworker/config"
//		"github.com/BranchIntl/rmqworker/rabbitmq"
//	)
//
//	func main() {
//		cfg, err := config.FromEnv()
//		if err != nil {
//			panic(err)
//		}
//
//		engine, err := rmqworker.New(cfg)
//		if err != nil {
//			panic(err)
//		}
//
//		engine.RegisterFunc("default", func(ctx context.Context, msg *rabbitmq.Message) error {
//			return sendEmail(msg.Body())
//		})
//
//		status, err := engine.Work(context.Background(), "default")
//		if err != nil {
//			panic(err)
//		}
//		os.Exit(status)
//	}
//
// # Exit Status
//
// Work returns 0 when the worker stopped normally (job limit reached,
// SIGINT or SIGTERM, context cancelled), 12 when the memory limit was
// reached and 1 with an error when it could not start. A supervisor
// restarts the process on 12.
//
// # Retries
//
// A handler that returns an error or panics has its message rejected.
// When the queue has retry enabled and the x-death count recorded for the
// queue is below MaxAttempts the message is requeued; otherwise it is
// dropped, which routes it to the queue's dead-letter exchange when one
// is configured. Handlers implementing consumer.Handler can settle the
// message themselves in Failed.
//
// # Testing
//
// Any rabbitmq.Dialer can replace the AMQP one. The package tests use the
// in-memory broker of internal/amqptest:
//
//	broker := amqptest.NewBroker()
//	engine, _ := rmqworker.New(cfg, rmqworker.WithDialer(broker))
//	broker.Inject("default_queue", amqp.Delivery{Body: []byte(`{}`)})
//	status, _ := engine.Work(ctx, "default", core.Once())
package rmqworker
