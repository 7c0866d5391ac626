package resque

import (
	"fmt"
	"os"

	redisUtils "github.com/BranchIntl/rmqworker/internal/redis"
)

// Options for Resque statistics
type Options struct {
	redisUtils.Options

	// Namespace is the key prefix in Redis
	Namespace string

	// WorkerID identifies this process in the workers set
	WorkerID string
}

// DefaultOptions returns default Resque statistics options
func DefaultOptions() Options {
	return Options{
		Options:   redisUtils.DefaultOptions(),
		Namespace: "resque:",
		WorkerID:  defaultWorkerID(),
	}
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}
