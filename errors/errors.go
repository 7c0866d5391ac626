// Package errors provides error types and utilities for the rmqworker library.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	ErrNotConfigured  = errors.New("not configured")
	ErrConflict       = errors.New("declaration conflicts with existing resource")
	ErrNotConnected   = errors.New("not connected")
	ErrTimeout        = errors.New("operation timed out")
	ErrShutdown       = errors.New("shutting down")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrAlreadySettled = errors.New("message already acknowledged or rejected")
	ErrEmptyQueueName = errors.New("queue name cannot be empty")
	ErrNilHandler     = errors.New("handler cannot be nil")
	ErrStreamClosed   = errors.New("delivery stream closed")
	ErrMalformedDeath = errors.New("malformed x-death header")
)

// New, Is, As and Join re-export the standard helpers so callers need a single import
var (
	New  = errors.New
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// ConfigurationError is returned when a connection, exchange or queue
// name is not present in the configuration.
type ConfigurationError struct {
	Kind string // connection, exchange or queue
	Name string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ErrNotConfigured) {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("%s [%s] not configured", e.Kind, e.Name)
}

func (e *ConfigurationError) Unwrap() error {
	if e.Err == nil {
		return ErrNotConfigured
	}
	return e.Err
}

// ConflictError represents a redeclaration that does not match the
// properties of an existing exchange or queue.
type ConflictError struct {
	Kind string // exchange, queue or binding
	Name string
	Err  error // broker error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s conflicts with existing declaration: %v", e.Kind, e.Name, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrConflict, e.Err}
}

// BrokerError represents broker-specific errors
type BrokerError struct {
	Op    string // operation being performed
	Queue string // queue name (if applicable)
	Err   error  // underlying error
}

func (e *BrokerError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("broker %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// TransportError represents a fault while waiting for deliveries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned (or a panic raised) by a handler
type HandlerError struct {
	Queue string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler on queue %s: %v", e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RetryBookkeepingError is reported when the retry decision itself
// could not be computed. Original is the handler failure that triggered it.
type RetryBookkeepingError struct {
	Original error
	Err      error
}

func (e *RetryBookkeepingError) Error() string {
	return fmt.Sprintf("retry bookkeeping failed: %v (original: %v)", e.Err, e.Original)
}

func (e *RetryBookkeepingError) Unwrap() error {
	return e.Err
}

// SerializationError represents serialization/deserialization errors
type SerializationError struct {
	Format string // serialization format
	Err    error  // underlying error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization (%s): %v", e.Format, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (credentials redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

func (e *ConnectionError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// Helper functions for creating errors

// NewConfigurationError creates a not-configured error for the given kind and name
func NewConfigurationError(kind, name string) error {
	return &ConfigurationError{Kind: kind, Name: name}
}

// NewInvalidConfigError creates a configuration error for a value that is
// present but unusable.
func NewInvalidConfigError(kind, name string, err error) error {
	return &ConfigurationError{Kind: kind, Name: name, Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
}

// NewConflictError creates a new conflict error
func NewConflictError(kind, name string, err error) error {
	return &ConflictError{Kind: kind, Name: name, Err: err}
}

// NewBrokerError creates a new broker error
func NewBrokerError(op, queue string, err error) error {
	return &BrokerError{Op: op, Queue: queue, Err: err}
}

// NewTransportError creates a new transport error
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// NewHandlerError creates a new handler error
func NewHandlerError(queue string, err error) error {
	return &HandlerError{Queue: queue, Err: err}
}

// NewRetryBookkeepingError creates a new retry bookkeeping error
func NewRetryBookkeepingError(original, err error) error {
	return &RetryBookkeepingError{Original: original, Err: err}
}

// NewSerializationError creates a new serialization error
func NewSerializationError(format string, err error) error {
	return &SerializationError{Format: format, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// IsConfiguration reports whether err is a startup configuration failure:
// an unknown name, an invalid value or a conflicting declaration.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr) || errors.Is(err, ErrConflict)
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	if t, ok := err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}

	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotConnected)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}
