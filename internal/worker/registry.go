package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc executes one job. It receives the payload exactly as enqueued.
// Handlers may run more than once for the same job and must tolerate it.
type HandlerFunc func(ctx context.Context, payload map[string]any) error

// Registry maps job types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type. A type can be bound once.
func (r *Registry) Register(jobType string, h HandlerFunc) error {
	if jobType == "" {
		return errors.New("job type is required")
	}
	if h == nil {
		return fmt.Errorf("nil handler for job type %q", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %q", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

func (r *Registry) Lookup(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
