package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the check executors available to the engine, keyed by
// service name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]CheckExecutor
}

// NewRegistry constructs a Registry with the given executors.
func NewRegistry(execs ...CheckExecutor) *Registry {
	r := &Registry{execs: make(map[string]CheckExecutor, len(execs))}
	for _, e := range execs {
		r.execs[e.Name()] = e
	}
	return r
}

// Register adds an executor, replacing any previous one with the same name.
func (r *Registry) Register(exec CheckExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[exec.Name()] = exec
}

// Get returns the executor for a service name.
func (r *Registry) Get(name string) (CheckExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[name]
	if !ok {
		return nil, fmt.Errorf("no executor registered for %q", name)
	}
	return exec, nil
}

// Has reports whether a service name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.execs[name]
	return ok
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.execs))
	for name := range r.execs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
