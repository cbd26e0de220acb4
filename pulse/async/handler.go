package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/roster/errors"
)

// JobHandler executes one kind of job. Domain packages implement it so that
// the queue and worker pool stay unaware of domain payloads.
type JobHandler interface {
	// Execute runs the job. Handlers decode job.Payload themselves and return
	// nil on success. A returned error for which errors.IsRetryable holds
	// re-queues the job with backoff; any other error fails it.
	//
	// Handlers must honor ctx cancellation.
	Execute(ctx context.Context, job *Job) error

	// Name returns the handler name (e.g. "roster.continue-sync") used to route jobs.
	Name() string
}

// HandlerRegistry manages job handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler // Handler name -> handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names in sorted order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobExecutor runs a dequeued job.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// RegistryExecutor dispatches jobs to the handler registered under their HandlerName.
type RegistryExecutor struct {
	registry *HandlerRegistry
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// ErrNoHandler marks jobs whose handler is not registered in this process.
var ErrNoHandler = errors.New("no handler registered")

// Execute implements JobExecutor by dispatching to registered handlers.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return errors.New("job missing handler_name")
	}

	handler := e.registry.Get(job.HandlerName)
	if handler == nil {
		return errors.Wrapf(ErrNoHandler, "handler name %s", job.HandlerName)
	}
	return handler.Execute(ctx, job)
}
