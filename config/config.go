// Package config holds the connection, exchange, queue and worker
// settings consumed by the rest of rmqworker.
//
// A Config is built once at startup, either with [Default] or with
// [FromEnv], and is treated as read-only afterwards.
package config

import (
	"fmt"

	"github.com/BranchIntl/rmqworker/errors"
)

// DefaultName is the key used when a queue or exchange does not name
// its exchange or connection explicitly.
const DefaultName = "default"

// Exchange types accepted by the broker
const (
	ExchangeDirect  = "direct"
	ExchangeTopic   = "topic"
	ExchangeFanout  = "fanout"
	ExchangeHeaders = "headers"
)

// TLSConfig holds the client TLS settings of a connection
type TLSConfig struct {
	Enabled    bool   `env:"SSL"             envDefault:"false"`
	CAFile     string `env:"SSL_CAFILE"`
	CertFile   string `env:"SSL_CERTFILE"`
	KeyFile    string `env:"SSL_KEYFILE"`
	VerifyPeer bool   `env:"SSL_VERIFY_PEER" envDefault:"true"`
}

// ConnectionConfig describes one named broker connection
type ConnectionConfig struct {
	Name     string
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5672"`
	User     string `env:"USER"     envDefault:"guest"`
	Password string `env:"PASSWORD" envDefault:"guest"`
	VHost    string `env:"VHOST"    envDefault:"/"`
	TLS      TLSConfig
}

// ExchangeConfig describes an exchange declaration
type ExchangeConfig struct {
	// Connection is the key of the connection used for this exchange
	Connection string
	Name       string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  map[string]interface{}
}

// PrefetchConfig is the channel QoS applied before consuming
type PrefetchConfig struct {
	Count int
	Size  int
}

// RetryConfig controls requeueing of failed messages.
// Delay is not applied by the worker; it is kept for a delayed-requeue
// topology (TTL + dead-letter exchange) declared outside rmqworker.
type RetryConfig struct {
	Enabled     bool
	MaxAttempts int
	Delay       int // milliseconds
}

// QueueConfig describes a queue, its binding and its consumer settings
type QueueConfig struct {
	// Exchange is the key of the exchange this queue is bound to
	Exchange    string
	Name        string
	RoutingKey  string
	ConsumerTag string
	Passive     bool
	Durable     bool
	Exclusive   bool
	AutoDelete  bool
	Arguments   map[string]interface{}
	Prefetch    PrefetchConfig
	// Retry left at its zero value is read as DefaultRetry. Set
	// MaxAttempts with Enabled false to turn retries off.
	Retry RetryConfig
}

// WorkerOptions are the lifecycle limits of a worker run
type WorkerOptions struct {
	MemoryLimit int  `env:"MEMORY_LIMIT" envDefault:"128"` // megabytes
	Timeout     int  `env:"TIMEOUT"      envDefault:"60"`  // seconds
	Sleep       int  `env:"SLEEP"        envDefault:"3"`   // seconds
	MaxJobs     int  `env:"MAX_JOBS"     envDefault:"0"`   // 0 = unlimited
	Tries       int  `env:"TRIES"        envDefault:"1"`
	Verbose     bool `env:"VERBOSE"      envDefault:"false"`
}

// Config is the complete rmqworker configuration
type Config struct {
	Connections map[string]ConnectionConfig
	Exchanges   map[string]ExchangeConfig
	Queues      map[string]QueueConfig
	Worker      WorkerOptions
}

// DefaultRetry returns the retry policy used when a queue sets none
func DefaultRetry() RetryConfig {
	return RetryConfig{
		Enabled:     true,
		MaxAttempts: 3,
		Delay:       60000,
	}
}

// DefaultWorkerOptions returns the default worker limits
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		MemoryLimit: 128,
		Timeout:     60,
		Sleep:       3,
		MaxJobs:     0,
		Tries:       1,
	}
}

// DefaultConnection returns a plain connection to a local broker
func DefaultConnection() ConnectionConfig {
	return ConnectionConfig{
		Name:     DefaultName,
		Host:     "localhost",
		Port:     5672,
		User:     "guest",
		Password: "guest",
		VHost:    "/",
		TLS: TLSConfig{
			VerifyPeer: true,
		},
	}
}

// Default returns a configuration with one connection, a direct and a
// fanout exchange prefixed with appName, and a single durable queue.
func Default(appName, consumerTag string) *Config {
	return &Config{
		Connections: map[string]ConnectionConfig{
			DefaultName: DefaultConnection(),
		},
		Exchanges: map[string]ExchangeConfig{
			DefaultName: {
				Connection: DefaultName,
				Name:       appName + ".default",
				Type:       ExchangeDirect,
				Durable:    true,
				Arguments:  map[string]interface{}{},
			},
			"notifications": {
				Connection: DefaultName,
				Name:       appName + ".notifications",
				Type:       ExchangeFanout,
				Durable:    true,
				Arguments:  map[string]interface{}{},
			},
		},
		Queues: map[string]QueueConfig{
			DefaultName: {
				Exchange:    DefaultName,
				Name:        "default_queue",
				RoutingKey:  "default_queue",
				ConsumerTag: consumerTag,
				Durable:     true,
				Arguments:   map[string]interface{}{},
				Prefetch:    PrefetchConfig{Count: 1, Size: 0},
				Retry:       DefaultRetry(),
			},
		},
		Worker: DefaultWorkerOptions(),
	}
}

// Connection returns the connection registered under name
func (c *Config) Connection(name string) (ConnectionConfig, error) {
	conn, ok := c.Connections[name]
	if !ok {
		return ConnectionConfig{}, errors.NewConfigurationError("connection", name)
	}
	if conn.Name == "" {
		conn.Name = name
	}
	return conn, nil
}

// Exchange returns the exchange registered under key
func (c *Config) Exchange(key string) (ExchangeConfig, error) {
	exchange, ok := c.Exchanges[key]
	if !ok {
		return ExchangeConfig{}, errors.NewConfigurationError("exchange", key)
	}
	return exchange, nil
}

// Queue returns the queue registered under key
func (c *Config) Queue(key string) (QueueConfig, error) {
	queue, ok := c.Queues[key]
	if !ok {
		return QueueConfig{}, errors.NewConfigurationError("queue", key)
	}
	if queue.Retry == (RetryConfig{}) {
		queue.Retry = DefaultRetry()
	}
	return queue, nil
}

// ExchangeKey returns the exchange key of a queue, falling back to DefaultName
func (q QueueConfig) ExchangeKey() string {
	if q.Exchange == "" {
		return DefaultName
	}
	return q.Exchange
}

// ConnectionKey returns the connection key of an exchange, falling back to DefaultName
func (e ExchangeConfig) ConnectionKey() string {
	if e.Connection == "" {
		return DefaultName
	}
	return e.Connection
}

// PrefetchCount returns the QoS prefetch count, 1 when unset
func (q QueueConfig) PrefetchCount() int {
	if q.Prefetch.Count <= 0 {
		return 1
	}
	return q.Prefetch.Count
}

// ConnectionFor resolves the connection used by a queue through its exchange
func (c *Config) ConnectionFor(queueKey string) (string, error) {
	queue, err := c.Queue(queueKey)
	if err != nil {
		return "", err
	}
	exchange, err := c.Exchange(queue.ExchangeKey())
	if err != nil {
		return "", err
	}
	return exchange.ConnectionKey(), nil
}

// ValidExchangeType reports whether kind is a broker exchange type
func ValidExchangeType(kind string) bool {
	switch kind {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return false
}

// Validate checks exchange types and the references between queues,
// exchanges and connections.
func (c *Config) Validate() error {
	for key, exchange := range c.Exchanges {
		if !ValidExchangeType(exchange.Type) {
			return errors.NewInvalidConfigError("exchange", key,
				fmt.Errorf("unknown exchange type %q", exchange.Type))
		}
		if exchange.Name == "" {
			return errors.NewInvalidConfigError("exchange", key, fmt.Errorf("empty exchange name"))
		}
		if _, err := c.Connection(exchange.ConnectionKey()); err != nil {
			return err
		}
	}

	for key, queue := range c.Queues {
		if queue.Name == "" {
			return errors.NewInvalidConfigError("queue", key, errors.ErrEmptyQueueName)
		}
		if _, err := c.Exchange(queue.ExchangeKey()); err != nil {
			return err
		}
		if queue.Retry.MaxAttempts < 0 {
			return errors.NewInvalidConfigError("queue", key,
				fmt.Errorf("negative max attempts %d", queue.Retry.MaxAttempts))
		}
	}

	return nil
}
