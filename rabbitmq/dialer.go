package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/avast/retry-go/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BranchIntl/rmqworker/config"
	"github.com/BranchIntl/rmqworker/errors"
)

// Dialer opens broker connections from a connection configuration
type Dialer interface {
	Dial(ctx context.Context, cfg config.ConnectionConfig) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, cfg config.ConnectionConfig) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, cfg config.ConnectionConfig) (Connection, error) {
	return f(ctx, cfg)
}

// DialerOptions tunes connection establishment
type DialerOptions struct {
	// Attempts is the total number of dial attempts; 1 disables retries
	Attempts uint
	// Delay is the initial backoff between attempts
	Delay time.Duration
	// ConnectionName is reported to the broker as connection_name
	ConnectionName string
	Heartbeat      time.Duration
}

// DefaultDialerOptions returns single-attempt dialing with a 10s heartbeat
func DefaultDialerOptions() DialerOptions {
	return DialerOptions{
		Attempts:       1,
		Delay:          time.Second,
		ConnectionName: "rmqworker",
		Heartbeat:      10 * time.Second,
	}
}

// AMQPDialer dials RabbitMQ with amqp091-go
type AMQPDialer struct {
	options DialerOptions
	logger  *slog.Logger
	dial    func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

// NewAMQPDialer creates a dialer
func NewAMQPDialer(options DialerOptions, logger *slog.Logger) *AMQPDialer {
	if options.Attempts == 0 {
		options.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPDialer{
		options: options,
		logger:  logger,
		dial:    amqp.DialConfig,
	}
}

// Dial connects to the broker, retrying with exponential backoff
func (d *AMQPDialer) Dial(ctx context.Context, cfg config.ConnectionConfig) (Connection, error) {
	uri := BuildURI(cfg)
	safe := SanitizedURI(cfg)

	amqpCfg := amqp.Config{
		Vhost:     cfg.VHost,
		Heartbeat: d.options.Heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": d.options.ConnectionName,
		},
	}

	if cfg.TLS.Enabled {
		tlsCfg, err := NewTLSConfig(cfg.TLS, cfg.Host)
		if err != nil {
			return nil, errors.NewConnectionError(safe, err)
		}
		amqpCfg.TLSClientConfig = tlsCfg
	}

	var conn *amqp.Connection
	var lastErr error
	err := retry.New(
		retry.Attempts(d.options.Attempts),
		retry.Delay(d.options.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("Dial failed, retrying",
				"connection", cfg.Name, "uri", safe, "attempt", n+1, "error", err)
		}),
	).Do(func() error {
		c, err := d.dial(uri, amqpCfg)
		if err != nil {
			lastErr = err
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, errors.NewConnectionError(safe, lastErr)
	}

	d.logger.Info("Connected to RabbitMQ", "connection", cfg.Name, "uri", safe)
	return &amqpConnection{conn: conn}, nil
}

func buildURI(cfg config.ConnectionConfig, password string) string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: password,
		Vhost:    cfg.VHost,
	}
	if cfg.TLS.Enabled {
		uri.Scheme = "amqps"
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri.String()
}

// BuildURI returns the AMQP URI of a connection
func BuildURI(cfg config.ConnectionConfig) string {
	return buildURI(cfg, cfg.Password)
}

// SanitizedURI returns the AMQP URI with the password masked
func SanitizedURI(cfg config.ConnectionConfig) string {
	return buildURI(cfg, "redacted")
}

// NewTLSConfig builds the client TLS configuration for an amqps connection
func NewTLSConfig(cfg config.TLSConfig, serverName string) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !cfg.VerifyPeer,
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
