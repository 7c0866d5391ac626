// Package prometheus exposes worker activity as Prometheus metrics.
package prometheus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BranchIntl/rmqworker/errors"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// Options for Prometheus statistics
type Options struct {
	// Namespace prefixes every metric name
	Namespace string

	// Registerer receives the collectors; Gatherer serves them
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Buckets of the processing duration histogram, in seconds
	Buckets []float64
}

// DefaultOptions returns options backed by a fresh registry
func DefaultOptions() Options {
	registry := prometheus.NewRegistry()
	return Options{
		Namespace:  "rmqworker",
		Registerer: registry,
		Gatherer:   registry,
		Buckets:    prometheus.DefBuckets,
	}
}

// PrometheusStatistics implements the Statistics interface with counters,
// an in-flight gauge and a duration histogram labelled by queue
type PrometheusStatistics struct {
	options Options
	now     func() time.Time

	started   *prometheus.CounterVec
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	duration  *prometheus.HistogramVec

	mu         sync.Mutex
	registered bool
	startedAt  map[*rabbitmq.Message]time.Time
}

// NewStatistics creates the collectors; Connect registers them
func NewStatistics(options Options) *PrometheusStatistics {
	if options.Registerer == nil {
		options.Registerer = prometheus.DefaultRegisterer
	}
	if options.Gatherer == nil {
		options.Gatherer = prometheus.DefaultGatherer
	}
	if len(options.Buckets) == 0 {
		options.Buckets = prometheus.DefBuckets
	}

	labels := []string{"queue"}
	return &PrometheusStatistics{
		options: options,
		now:     time.Now,
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: options.Namespace,
			Name:      "messages_started_total",
			Help:      "Messages handed to a handler.",
		}, labels),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: options.Namespace,
			Name:      "messages_processed_total",
			Help:      "Messages handled successfully.",
		}, labels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: options.Namespace,
			Name:      "messages_failed_total",
			Help:      "Messages whose handler failed.",
		}, labels),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: options.Namespace,
			Name:      "messages_in_flight",
			Help:      "Messages currently being handled.",
		}, labels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: options.Namespace,
			Name:      "message_duration_seconds",
			Help:      "Time spent handling a message.",
			Buckets:   options.Buckets,
		}, labels),
		startedAt: make(map[*rabbitmq.Message]time.Time),
	}
}

func (p *PrometheusStatistics) collectors() []prometheus.Collector {
	return []prometheus.Collector{p.started, p.processed, p.failed, p.inFlight, p.duration}
}

// Connect registers the collectors. Registering twice is a no-op.
func (p *PrometheusStatistics) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered {
		return nil
	}

	for i, c := range p.collectors() {
		if err := p.options.Registerer.Register(c); err != nil {
			for _, prev := range p.collectors()[:i] {
				p.options.Registerer.Unregister(prev)
			}
			return errors.NewConnectionError("prometheus", err)
		}
	}
	p.registered = true
	return nil
}

// Close unregisters the collectors
func (p *PrometheusStatistics) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.registered {
		return nil
	}
	for _, c := range p.collectors() {
		p.options.Registerer.Unregister(c)
	}
	p.registered = false
	return nil
}

// Health reports whether the collectors are registered
func (p *PrometheusStatistics) Health() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.registered {
		return errors.ErrNotConnected
	}
	return nil
}

// Type returns the statistics backend type
func (p *PrometheusStatistics) Type() string {
	return "prometheus"
}

// Handler serves the gathered metrics
func (p *PrometheusStatistics) Handler() http.Handler {
	return promhttp.HandlerFor(p.options.Gatherer, promhttp.HandlerOpts{})
}

func (p *PrometheusStatistics) Processing(ctx context.Context, msg *rabbitmq.Message, queue string) {
	p.started.WithLabelValues(queue).Inc()
	p.inFlight.WithLabelValues(queue).Inc()

	p.mu.Lock()
	p.startedAt[msg] = p.now()
	p.mu.Unlock()
}

func (p *PrometheusStatistics) Processed(ctx context.Context, msg *rabbitmq.Message, queue string) {
	p.processed.WithLabelValues(queue).Inc()
	p.finish(msg, queue)
}

func (p *PrometheusStatistics) Failed(ctx context.Context, msg *rabbitmq.Message, queue string, err error) {
	p.failed.WithLabelValues(queue).Inc()
	p.finish(msg, queue)
}

func (p *PrometheusStatistics) finish(msg *rabbitmq.Message, queue string) {
	p.mu.Lock()
	start, ok := p.startedAt[msg]
	delete(p.startedAt, msg)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.inFlight.WithLabelValues(queue).Dec()
	p.duration.WithLabelValues(queue).Observe(p.now().Sub(start).Seconds())
}
