package core

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/consumer"
)

// Option overrides a worker option for a single Work call
type Option func(*config.WorkerOptions)

// WithMemoryLimit sets the memory ceiling in megabytes
func WithMemoryLimit(mb int) Option {
	return func(o *config.WorkerOptions) {
		o.MemoryLimit = mb
	}
}

// WithTimeout sets how many seconds to wait for a delivery
func WithTimeout(seconds int) Option {
	return func(o *config.WorkerOptions) {
		o.Timeout = seconds
	}
}

// WithSleep sets how many seconds to sleep after an empty wait
func WithSleep(seconds int) Option {
	return func(o *config.WorkerOptions) {
		o.Sleep = seconds
	}
}

// WithMaxJobs stops the worker after n dispatched messages; 0 means no limit
func WithMaxJobs(n int) Option {
	return func(o *config.WorkerOptions) {
		o.MaxJobs = n
	}
}

// WithTries sets the tries option. It is reported but retries are
// governed by the queue's retry configuration.
func WithTries(n int) Option {
	return func(o *config.WorkerOptions) {
		o.Tries = n
	}
}

// WithVerbose logs every message before it is processed
func WithVerbose(verbose bool) Option {
	return func(o *config.WorkerOptions) {
		o.Verbose = verbose
	}
}

// Once processes a single message and stops
func Once() Option {
	return WithMaxJobs(1)
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock replaces the time source
func WithClock(clock Clock) WorkerOption {
	return func(w *Worker) {
		w.clock = clock
	}
}

// WithMemoryProbe replaces the memory usage probe
func WithMemoryProbe(probe MemoryProbe) WorkerOption {
	return func(w *Worker) {
		w.memory = probe
	}
}

// WithListener adds a lifecycle listener
func WithListener(l Listener) WorkerOption {
	return func(w *Worker) {
		w.listeners = append(w.listeners, l)
	}
}

// WithStatistics adds a statistics backend. It is connected when Work
// starts, notified like a listener and closed when Work stops.
func WithStatistics(s Statistics) WorkerOption {
	return func(w *Worker) {
		w.statistics = append(w.statistics, s)
	}
}

// WithDefaultHandler sets the handler for queues with no registered handler
func WithDefaultHandler(h consumer.Handler) WorkerOption {
	return func(w *Worker) {
		w.fallback = h
	}
}

// WithoutSignals disables SIGINT/SIGTERM handling during Work
func WithoutSignals() WorkerOption {
	return func(w *Worker) {
		w.signals = false
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// heapInUse reports the bytes of allocated heap objects
func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

func mergeOptions(base config.WorkerOptions, opts []Option) config.WorkerOptions {
	merged := base
	for _, opt := range opts {
		opt(&merged)
	}
	return merged
}
