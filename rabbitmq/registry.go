package rabbitmq

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/errors"
)

// ConnectionRegistry lazily opens and caches one connection and one
// channel per configured connection name.
type ConnectionRegistry struct {
	cfg    *config.Config
	dialer Dialer
	logger *slog.Logger

	mu          sync.Mutex
	connections map[string]Connection
	channels    map[string]Channel
}

// NewConnectionRegistry creates an empty registry over cfg
func NewConnectionRegistry(cfg *config.Config, opts ...Option) *ConnectionRegistry {
	o := applyOptions(opts)
	return &ConnectionRegistry{
		cfg:         cfg,
		dialer:      o.dialer,
		logger:      o.logger,
		connections: make(map[string]Connection),
		channels:    make(map[string]Channel),
	}
}

// Config returns the configuration the registry resolves names against
func (r *ConnectionRegistry) Config() *config.Config {
	return r.cfg
}

// GetConnection returns the cached connection for name, dialing it on first use
func (r *ConnectionRegistry) GetConnection(ctx context.Context, name string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connection(ctx, name)
}

// connection expects the caller to hold the lock
func (r *ConnectionRegistry) connection(ctx context.Context, name string) (Connection, error) {
	if conn, ok := r.connections[name]; ok {
		if !conn.IsClosed() {
			return conn, nil
		}
		r.logger.Warn("Cached connection closed, reconnecting", "connection", name)
		delete(r.connections, name)
		delete(r.channels, name)
	}

	connCfg, err := r.cfg.Connection(name)
	if err != nil {
		return nil, err
	}

	conn, err := r.dialer.Dial(ctx, connCfg)
	if err != nil {
		return nil, err
	}

	r.connections[name] = conn
	return conn, nil
}

// GetChannel returns the cached channel for name. A channel closed by the
// broker is replaced on the next call.
func (r *ConnectionRegistry) GetChannel(ctx context.Context, name string) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[name]; ok {
		if !ch.IsClosed() {
			return ch, nil
		}
		r.logger.Debug("Cached channel closed, opening a new one", "connection", name)
		delete(r.channels, name)
	}

	conn, err := r.connection(ctx, name)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.NewBrokerError("open_channel", "", err)
	}

	r.channels[name] = ch
	return ch, nil
}

// Names returns the names of the currently open connections
func (r *ConnectionRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.connections))
	for name := range r.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every open channel, then every open connection, and clears
// both caches. Calling Close on an empty registry is a no-op.
func (r *ConnectionRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, ch := range r.channels {
		if !ch.IsClosed() {
			if err := ch.Close(); err != nil {
				errs = append(errs, errors.NewBrokerError("close_channel", "", err))
			}
		}
		delete(r.channels, name)
	}

	for name, conn := range r.connections {
		if !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				errs = append(errs, errors.NewConnectionError(name, err))
			}
		}
		delete(r.connections, name)
	}

	if len(errs) > 0 {
		r.logger.Warn("Errors while closing RabbitMQ connections", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}
