package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/BranchIntl/rmqworker/errors"
)

// Environment is the process-level configuration read from environment
// variables. Connection and worker settings use the RABBITMQ_ prefix.
type Environment struct {
	AppName   string `env:"APP_NAME"   envDefault:"rmqworker"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Connection ConnectionConfig `envPrefix:"RABBITMQ_"`
	Worker     WorkerOptions    `envPrefix:"RABBITMQ_WORKER_"`

	// Default queue overrides; empty keeps the built-in names
	QueueName   string `env:"RABBITMQ_QUEUE"`
	RoutingKey  string `env:"RABBITMQ_ROUTING_KEY"`
	ConsumerTag string `env:"RABBITMQ_CONSUMER_TAG"`

	DialAttempts uint `env:"RABBITMQ_DIAL_ATTEMPTS" envDefault:"1"`

	MetricsAddr   string `env:"METRICS_ADDR"`
	StatsRedisURI string `env:"STATS_REDIS_URI"`
}

// LoadEnvironment parses the process environment
func LoadEnvironment() (*Environment, error) {
	return parseEnvironment(env.Options{})
}

func parseEnvironment(opts env.Options) (*Environment, error) {
	e := &Environment{}
	if err := env.ParseWithOptions(e, opts); err != nil {
		return nil, errors.NewInvalidConfigError("environment", "RABBITMQ", err)
	}
	e.Connection.Name = DefaultName
	return e, nil
}

// Config builds a Config from the default layout with the environment
// overrides applied.
func (e *Environment) Config() *Config {
	tag := e.ConsumerTag
	if tag == "" {
		tag = defaultConsumerTag(e.AppName)
	}

	cfg := Default(e.AppName, tag)
	cfg.Connections[DefaultName] = e.Connection
	cfg.Worker = e.Worker

	queue := cfg.Queues[DefaultName]
	if e.QueueName != "" {
		queue.Name = e.QueueName
		queue.RoutingKey = e.QueueName
	}
	if e.RoutingKey != "" {
		queue.RoutingKey = e.RoutingKey
	}
	cfg.Queues[DefaultName] = queue

	return cfg
}

// FromEnv reads the environment and returns a validated Config
func FromEnv() (*Config, error) {
	e, err := LoadEnvironment()
	if err != nil {
		return nil, err
	}
	cfg := e.Config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConsumerTag(appName string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("consumer.%s.%s", appName, host)
}
