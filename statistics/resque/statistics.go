// Package resque records worker activity in Redis using the key layout of
// the Resque web UI: stat:processed, stat:failed, the failed list and the
// workers set.
package resque

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/BranchIntl/rmqworker/errors"
	redisUtils "github.com/BranchIntl/rmqworker/internal/redis"
	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// ResqueStatistics implements the Statistics interface for Resque
type ResqueStatistics struct {
	options Options
	logger  *slog.Logger
	dial    func() (redis.Conn, error)
	now     func() time.Time

	mu   sync.Mutex
	pool *redis.Pool
}

// NewStatistics creates a new Resque statistics backend
func NewStatistics(options Options, logger *slog.Logger) *ResqueStatistics {
	if logger == nil {
		logger = slog.Default()
	}
	if options.WorkerID == "" {
		options.WorkerID = defaultWorkerID()
	}
	return &ResqueStatistics{
		options: options,
		logger:  logger,
		dial: func() (redis.Conn, error) {
			return redisUtils.Dial(options.Options)
		},
		now: time.Now,
	}
}

// Connect creates the pool, checks it with PING and registers the worker
func (r *ResqueStatistics) Connect(ctx context.Context) error {
	pool := redisUtils.NewPool(r.options.Options)
	pool.Dial = r.dial

	conn, err := pool.GetContext(ctx)
	if err != nil {
		pool.Close()
		return r.connectionError(err)
	}
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return r.connectionError(fmt.Errorf("ping failed: %w", err))
	}

	if err := conn.Send("SADD", r.workersKey(), r.options.WorkerID); err != nil {
		pool.Close()
		return r.connectionError(err)
	}
	if _, err := conn.Do("SET", r.workerStartedKey(), r.now().Format(time.RFC3339)); err != nil {
		pool.Close()
		return r.connectionError(fmt.Errorf("failed to register worker: %w", err))
	}

	r.mu.Lock()
	r.pool = pool
	r.mu.Unlock()
	return nil
}

// Close unregisters the worker and closes the pool
func (r *ResqueStatistics) Close() error {
	r.mu.Lock()
	pool := r.pool
	r.pool = nil
	r.mu.Unlock()

	if pool == nil {
		return nil
	}

	conn := pool.Get()
	conn.Send("SREM", r.workersKey(), r.options.WorkerID)
	conn.Send("DEL", r.workerKey(), r.workerStartedKey())
	if _, err := conn.Do(""); err != nil {
		r.logger.Warn("Failed to unregister worker", "worker", r.options.WorkerID, "error", err)
	}
	conn.Close()

	return pool.Close()
}

// Health checks the Redis connection health
func (r *ResqueStatistics) Health() error {
	conn, err := r.conn()
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return r.connectionError(fmt.Errorf("health check failed: %w", err))
	}
	return nil
}

// Type returns the statistics backend type
func (r *ResqueStatistics) Type() string {
	return "resque"
}

// Processing stores the message the worker is busy with
func (r *ResqueStatistics) Processing(ctx context.Context, msg *rabbitmq.Message, queue string) {
	work := map[string]interface{}{
		"queue":   queue,
		"run_at":  r.now().Format(time.RFC3339),
		"payload": payload(msg),
	}
	data, err := json.Marshal(work)
	if err != nil {
		r.logger.Warn("Failed to encode work record", "queue", queue, "error", err)
		return
	}

	r.do(queue, func(conn redis.Conn) error {
		_, err := conn.Do("SET", r.workerKey(), data)
		return err
	})
}

// Processed increments the processed counters
func (r *ResqueStatistics) Processed(ctx context.Context, msg *rabbitmq.Message, queue string) {
	r.do(queue, func(conn redis.Conn) error {
		conn.Send("MULTI")
		conn.Send("INCR", r.statKey("processed", ""))
		conn.Send("INCR", r.statKey("processed", r.options.WorkerID))
		conn.Send("DEL", r.workerKey())
		_, err := conn.Do("EXEC")
		return err
	})
}

// Failed appends the failure to the failed list and increments the
// failed counters
func (r *ResqueStatistics) Failed(ctx context.Context, msg *rabbitmq.Message, queue string, cause error) {
	failure := map[string]interface{}{
		"failed_at": r.now().Format(time.RFC3339),
		"payload":   payload(msg),
		"exception": exceptionName(cause),
		"error":     cause.Error(),
		"worker":    r.options.WorkerID,
		"queue":     queue,
	}
	data, err := json.Marshal(failure)
	if err != nil {
		r.logger.Warn("Failed to encode failure record", "queue", queue, "error", err)
		return
	}

	r.do(queue, func(conn redis.Conn) error {
		conn.Send("MULTI")
		conn.Send("RPUSH", r.failedKey(), data)
		conn.Send("INCR", r.statKey("failed", ""))
		conn.Send("INCR", r.statKey("failed", r.options.WorkerID))
		conn.Send("DEL", r.workerKey())
		_, err := conn.Do("EXEC")
		return err
	})
}

// Counts returns the global processed and failed counters
func (r *ResqueStatistics) Counts() (processed, failed int64, err error) {
	conn, err := r.conn()
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	values, err := redis.Values(conn.Do("MGET", r.statKey("processed", ""), r.statKey("failed", "")))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read counters: %w", err)
	}
	if _, err := redis.Scan(values, &processed, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to read counters: %w", err)
	}
	return processed, failed, nil
}

// do runs fn on a pooled connection. Statistics never fail a message, so
// errors are logged only.
func (r *ResqueStatistics) do(queue string, fn func(redis.Conn) error) {
	conn, err := r.conn()
	if err != nil {
		r.logger.Warn("Statistics not recorded", "queue", queue, "error", err)
		return
	}
	defer conn.Close()

	if err := fn(conn); err != nil {
		r.logger.Warn("Statistics not recorded", "queue", queue, "error", err)
	}
}

func (r *ResqueStatistics) conn() (redis.Conn, error) {
	r.mu.Lock()
	pool := r.pool
	r.mu.Unlock()

	if pool == nil {
		return nil, errors.ErrNotConnected
	}
	return pool.Get(), nil
}

func (r *ResqueStatistics) connectionError(err error) error {
	var connErr *errors.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return errors.NewConnectionError(redisUtils.Redact(r.options.URI), err)
}

func payload(msg *rabbitmq.Message) interface{} {
	var v interface{}
	if err := json.Unmarshal(msg.Body(), &v); err != nil {
		return string(msg.Body())
	}
	return v
}

func exceptionName(err error) string {
	var handlerErr *errors.HandlerError
	if errors.As(err, &handlerErr) {
		return fmt.Sprintf("%T", handlerErr.Err)
	}
	return fmt.Sprintf("%T", err)
}

// Helper methods for Redis keys

func (r *ResqueStatistics) workersKey() string {
	return r.options.Namespace + "workers"
}

func (r *ResqueStatistics) workerKey() string {
	return fmt.Sprintf("%sworker:%s", r.options.Namespace, r.options.WorkerID)
}

func (r *ResqueStatistics) workerStartedKey() string {
	return fmt.Sprintf("%sworker:%s:started", r.options.Namespace, r.options.WorkerID)
}

func (r *ResqueStatistics) statKey(stat, workerID string) string {
	if workerID == "" {
		return fmt.Sprintf("%sstat:%s", r.options.Namespace, stat)
	}
	return fmt.Sprintf("%sstat:%s:%s", r.options.Namespace, stat, workerID)
}

func (r *ResqueStatistics) failedKey() string {
	return r.options.Namespace + "failed"
}
