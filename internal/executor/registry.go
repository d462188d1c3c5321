package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an executor on first use, so transports that are never
// selected need no credentials.
type Factory func() (Executor, error)

// Registry maps transport names to executors.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	open      map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}, open: map[string]Executor{}}
}

// Register adds a ready executor under its own name.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[e.Name()] = e
	r.factories[e.Name()] = func() (Executor, error) { return e, nil }
}

// RegisterFactory adds a lazily built executor.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.open, name)
}

// Get returns the executor for name, building it if needed.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.open[name]; ok {
		return e, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("executor not registered: %s (have %v)", name, r.namesLocked())
	}
	e, err := f()
	if err != nil {
		return nil, fmt.Errorf("open executor %s: %w", name, err)
	}
	r.open[name] = e
	return e, nil
}

// Names returns the registered transports, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
