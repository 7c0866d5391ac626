package rabbitmq

import (
	"log/slog"
	"time"
)

type options struct {
	logger *slog.Logger
	dialer Dialer
	now    func() time.Time
}

// Option configures a ConnectionRegistry, TopologyManager or Publisher
type Option func(*options)

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		now:    time.Now,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = NewAMQPDialer(DefaultDialerOptions(), o.logger)
	}
	return o
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the dialer used to open connections
func WithDialer(dialer Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithClock sets the time source used for publish timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
