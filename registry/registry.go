package registry

import (
	"sort"
	"sync"

	"github.com/BranchIntl/rmqworker/consumer"
	"github.com/BranchIntl/rmqworker/errors"
)

// Registry is a thread-safe table of queue key to handler
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]consumer.Handler
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]consumer.Handler),
	}
}

// Register sets the handler for a queue key, replacing any previous one
func (r *Registry) Register(queueKey string, handler consumer.Handler) error {
	if queueKey == "" {
		return errors.ErrEmptyQueueName
	}

	if handler == nil {
		return errors.ErrNilHandler
	}
	if f, ok := handler.(consumer.Func); ok && f == nil {
		return errors.ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[queueKey] = handler
	return nil
}

// RegisterFunc registers a function handler
func (r *Registry) RegisterFunc(queueKey string, fn consumer.Func) error {
	if fn == nil {
		return errors.ErrNilHandler
	}
	return r.Register(queueKey, fn)
}

// Get retrieves the handler of a queue key
func (r *Registry) Get(queueKey string) (consumer.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[queueKey]
	return handler, ok
}

// List returns the registered queue keys in order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

// Remove unregisters the handler of a queue key
func (r *Registry) Remove(queueKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, queueKey)
}

// Clear removes all registered handlers
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[string]consumer.Handler)
}
