// Package statistics builds a statistics backend by name.
package statistics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BranchIntl/rmqworker/core"
	"github.com/BranchIntl/rmqworker/statistics/noop"
	"github.com/BranchIntl/rmqworker/statistics/prometheus"
	"github.com/BranchIntl/rmqworker/statistics/resque"
)

// StatsType represents the type of statistics backend
type StatsType string

const (
	// Resque statistics type, stored in Redis
	Resque StatsType = "resque"
	// Prometheus statistics type
	Prometheus StatsType = "prometheus"
	// NoOp statistics type
	NoOp StatsType = "noop"
)

// Config is a generic statistics configuration
type Config struct {
	Type      StatsType
	URI       string
	Namespace string
	Options   map[string]interface{}
	Logger    *slog.Logger
}

// NewStatistics creates a statistics backend based on the configuration
func NewStatistics(config Config) (core.Statistics, error) {
	switch config.Type {
	case Resque:
		opts := resque.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}

		// Apply custom options
		if maxConn, ok := config.Options["maxConnections"].(int); ok {
			opts.MaxConnections = maxConn
		}
		if useTLS, ok := config.Options["useTLS"].(bool); ok {
			opts.UseTLS = useTLS
		}
		if timeout, ok := config.Options["connectTimeout"].(time.Duration); ok {
			opts.ConnectTimeout = timeout
		}
		if workerID, ok := config.Options["workerID"].(string); ok {
			opts.WorkerID = workerID
		}

		return resque.NewStatistics(opts, config.Logger), nil

	case Prometheus:
		opts := prometheus.DefaultOptions()
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}
		if buckets, ok := config.Options["buckets"].([]float64); ok {
			opts.Buckets = buckets
		}
		return prometheus.NewStatistics(opts), nil

	case NoOp, "":
		return noop.NewStatistics(), nil

	default:
		return nil, fmt.Errorf("unknown statistics type: %s", config.Type)
	}
}
