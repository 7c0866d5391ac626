package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/consumer"
	"github.com/BranchIntl/rmqworker/errors"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

const (
	memoryCheckInterval = 10 * time.Second
	transportRetryDelay = time.Second
)

// Worker consumes one queue at a time and dispatches each delivery to
// its handler until a stop condition is met
type Worker struct {
	cfg         *config.Config
	connections Connections
	topology    Topology
	handlers    Handlers
	fallback    consumer.Handler

	listeners  []Listener
	statistics []Statistics
	clock      Clock
	memory     MemoryProbe
	logger     *slog.Logger
	signals    bool

	mu    sync.Mutex
	state Stats
	stop  *StopFlag
}

// NewWorker creates a worker
func NewWorker(
	cfg *config.Config,
	connections Connections,
	topology Topology,
	handlers Handlers,
	options ...WorkerOption,
) *Worker {
	w := &Worker{
		cfg:         cfg,
		connections: connections,
		topology:    topology,
		handlers:    handlers,
		clock:       systemClock{},
		memory:      heapInUse,
		logger:      slog.Default(),
		signals:     true,
		stop:        NewStopFlag(),
	}
	for _, opt := range options {
		opt(w)
	}
	if w.fallback == nil {
		w.fallback = consumer.NewDefaultHandler(w.logger)
	}
	return w
}

// Stats returns a snapshot of the current run
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// State returns the current phase
func (w *Worker) State() State {
	return w.Stats().State
}

// Stop asks a running Work call to return after the current message
func (w *Worker) Stop() {
	w.mu.Lock()
	flag := w.stop
	w.mu.Unlock()
	flag.Stop()
}

// run holds the per-call state of Work
type run struct {
	ctx      context.Context
	queueKey string
	connName string
	options  config.WorkerOptions
	handler  consumer.Handler
	stop     *StopFlag
	logger   *slog.Logger

	resolved   *rabbitmq.Resolved
	deliveries <-chan amqp.Delivery
}

type waitResult int

const (
	waitDelivered waitResult = iota
	waitTimedOut
	waitStreamClosed
	waitStopped
)

// Work declares the topology of queueKey, consumes it and dispatches
// messages until a stop condition is met. It returns StatusOK on a
// normal stop, StatusMemoryLimit when the memory ceiling was reached and
// StatusStartupFailure with the error when the worker could not start.
func (w *Worker) Work(ctx context.Context, queueKey string, opts ...Option) (int, error) {
	if !w.begin() {
		return StatusStartupFailure, fmt.Errorf("worker already running")
	}

	r, err := w.start(ctx, queueKey, opts)
	if err != nil {
		return w.fail(err)
	}

	if w.signals {
		unwatch := WatchSignals(r.stop, r.logger)
		defer unwatch()
	}

	r.logger.Info("Worker started",
		"consumer_tag", r.resolved.ConsumerTag(),
		"memory_limit", r.options.MemoryLimit,
		"timeout", r.options.Timeout,
		"sleep", r.options.Sleep,
		"max_jobs", r.options.MaxJobs,
		"tries", r.options.Tries)

	return w.shutdown(r, w.loop(r)), nil
}

// begin marks the worker running and resets the stop flag
func (w *Worker) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Running {
		return false
	}
	w.stop = NewStopFlag()
	w.state = Stats{State: StateStarting, Running: true}
	return true
}

func (w *Worker) start(ctx context.Context, queueKey string, opts []Option) (*run, error) {
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()

	r := &run{
		ctx:      ctx,
		queueKey: queueKey,
		options:  mergeOptions(w.cfg.Worker, opts),
		stop:     stop,
		logger:   w.logger.With("queue", queueKey),
	}

	for _, s := range w.statistics {
		if err := s.Connect(ctx); err != nil {
			return nil, errors.NewConnectionError(s.Type(), fmt.Errorf("failed to connect statistics: %w", err))
		}
	}

	w.setState(StateDeclaringTopology)

	connName, err := w.cfg.ConnectionFor(queueKey)
	if err != nil {
		return nil, err
	}
	r.connName = connName

	if err := w.subscribe(r); err != nil {
		return nil, err
	}

	r.handler = w.handlerFor(queueKey)
	w.setState(StateWaiting)
	return r, nil
}

// subscribe opens (or reuses) the channel, declares the topology and
// starts consuming
func (w *Worker) subscribe(r *run) error {
	ch, err := w.connections.GetChannel(r.ctx, r.connName)
	if err != nil {
		return err
	}

	resolved, err := w.topology.SetupChannel(r.queueKey, ch)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		resolved.Queue.Name,
		resolved.ConsumerTag(),
		false, // auto-ack
		resolved.Queue.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.NewBrokerError("consume", resolved.Queue.Name, err)
	}

	r.resolved = resolved
	r.deliveries = deliveries
	return nil
}

func (w *Worker) handlerFor(queueKey string) consumer.Handler {
	if w.handlers != nil {
		if h, ok := w.handlers.Get(queueKey); ok {
			return h
		}
	}
	return w.fallback
}

func (w *Worker) loop(r *run) int {
	for {
		if r.stop.Stopped() || r.ctx.Err() != nil {
			return StatusOK
		}

		if r.deliveries == nil {
			if err := w.subscribe(r); err != nil {
				r.logger.Error("Failed to resubscribe", "error", errors.NewTransportError("subscribe", err))
				w.pause(r, transportRetryDelay)
				continue
			}
			r.logger.Info("Resubscribed", "consumer_tag", r.resolved.ConsumerTag())
		}

		delivery, result := w.wait(r)
		switch result {
		case waitStopped:
			return StatusOK
		case waitDelivered:
			w.handle(r, delivery)
		case waitStreamClosed:
			r.logger.Error("Delivery stream interrupted",
				"error", errors.NewTransportError("consume", errors.ErrStreamClosed))
			r.deliveries = nil
			w.pause(r, transportRetryDelay)
		}

		if status, stop := w.checkLimits(r); stop {
			return status
		}

		if result == waitTimedOut {
			w.pause(r, time.Duration(r.options.Sleep)*time.Second)
		}
	}
}

// wait blocks for the next delivery, the timeout, or a stop request
func (w *Worker) wait(r *run) (amqp.Delivery, waitResult) {
	var timeout <-chan time.Time
	if r.options.Timeout > 0 {
		timeout = w.clock.After(time.Duration(r.options.Timeout) * time.Second)
	}

	select {
	case d, ok := <-r.deliveries:
		if !ok {
			return amqp.Delivery{}, waitStreamClosed
		}
		return d, waitDelivered
	case <-timeout:
		return amqp.Delivery{}, waitTimedOut
	case <-r.stop.Done():
		return amqp.Delivery{}, waitStopped
	case <-r.ctx.Done():
		return amqp.Delivery{}, waitStopped
	}
}

// pause sleeps for d unless a stop is requested first
func (w *Worker) pause(r *run, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-w.clock.After(d):
	case <-r.stop.Done():
	case <-r.ctx.Done():
	}
}

func (w *Worker) handle(r *run, d amqp.Delivery) {
	msg := rabbitmq.NewMessage(d, r.resolved.Queue)
	queue := r.resolved.Queue.Name

	w.mu.Lock()
	w.state.State = StateProcessing
	w.state.Current = msg
	w.mu.Unlock()

	if r.options.Verbose {
		r.logger.Info("Processing message",
			"message_id", msg.MessageID(),
			"correlation_id", msg.CorrelationID(),
			"routing_key", msg.RoutingKey(),
			"content_type", msg.ContentType(),
			"redelivered", msg.Redelivered(),
			"headers", msg.Headers(),
			"body", string(msg.Body()))
	} else {
		r.logger.Debug("Processing message", "message_id", msg.MessageID())
	}

	w.notifyProcessing(r.ctx, msg, queue)

	if err := consumer.Dispatch(r.ctx, r.logger, r.handler, msg); err != nil {
		r.logger.Error("Message failed", "message_id", msg.MessageID(), "error", err)
		w.notifyFailed(r.ctx, msg, queue, err)
	} else {
		w.notifyProcessed(r.ctx, msg, queue)
	}

	w.mu.Lock()
	w.state.JobsProcessed++
	w.state.Current = nil
	w.state.State = StateWaiting
	w.mu.Unlock()
}

// checkLimits evaluates the job and memory ceilings in that order
func (w *Worker) checkLimits(r *run) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if r.options.MaxJobs > 0 && w.state.JobsProcessed >= r.options.MaxJobs {
		r.logger.Info("Job limit reached", "jobs_processed", w.state.JobsProcessed)
		return StatusOK, true
	}

	now := w.clock.Now()
	if !w.state.LastMemoryCheck.IsZero() && now.Sub(w.state.LastMemoryCheck) < memoryCheckInterval {
		return 0, false
	}
	w.state.LastMemoryCheck = now

	used := w.memory()
	limit := uint64(r.options.MemoryLimit) * 1024 * 1024
	if r.options.MemoryLimit > 0 && used >= limit {
		r.logger.Warn("Memory limit reached",
			"used_mb", used/1024/1024,
			"limit_mb", r.options.MemoryLimit)
		return StatusMemoryLimit, true
	}
	return 0, false
}

func (w *Worker) shutdown(r *run, status int) int {
	w.setState(StateStopping)
	r.logger.Info("Worker stopping", "status", status, "jobs_processed", w.Stats().JobsProcessed)

	w.closeResources()

	w.mu.Lock()
	w.state.State = StateStopped
	w.state.Running = false
	w.state.Current = nil
	w.mu.Unlock()

	r.logger.Info("Worker stopped", "status", status)
	return status
}

func (w *Worker) fail(err error) (int, error) {
	w.logger.Error("Worker failed to start", "error", err)

	w.closeResources()

	w.mu.Lock()
	w.state.State = StateStopped
	w.state.Running = false
	w.mu.Unlock()

	return StatusStartupFailure, err
}

func (w *Worker) closeResources() {
	if err := w.connections.Close(); err != nil {
		w.logger.Error("Error closing connections", "error", err)
	}
	for _, s := range w.statistics {
		if err := s.Close(); err != nil {
			w.logger.Error("Error closing statistics", "type", s.Type(), "error", err)
		}
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.State = s
}

func (w *Worker) notifyProcessing(ctx context.Context, msg *rabbitmq.Message, queue string) {
	for _, l := range w.listeners {
		l.Processing(ctx, msg, queue)
	}
	for _, s := range w.statistics {
		s.Processing(ctx, msg, queue)
	}
}

func (w *Worker) notifyProcessed(ctx context.Context, msg *rabbitmq.Message, queue string) {
	for _, l := range w.listeners {
		l.Processed(ctx, msg, queue)
	}
	for _, s := range w.statistics {
		s.Processed(ctx, msg, queue)
	}
}

func (w *Worker) notifyFailed(ctx context.Context, msg *rabbitmq.Message, queue string, err error) {
	for _, l := range w.listeners {
		l.Failed(ctx, msg, queue, err)
	}
	for _, s := range w.statistics {
		s.Failed(ctx, msg, queue, err)
	}
}
