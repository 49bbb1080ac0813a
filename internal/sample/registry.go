package sample

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps body names to bodies. Conduits and workers resolve bodies by
// name so the same batch can run on any conduit.
type Registry struct {
	mu     sync.RWMutex
	bodies map[string]Body
}

// NewRegistry creates an empty body registry.
func NewRegistry() *Registry {
	return &Registry{
		bodies: make(map[string]Body),
	}
}

// Register adds a body under the given name, replacing any previous one.
func (r *Registry) Register(name string, b Body) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[name] = b
}

// Resolve returns the body registered under name.
func (r *Registry) Resolve(name string) (Body, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bodies[name]
	if !ok {
		return nil, fmt.Errorf("body %q is not registered", name)
	}
	return b, nil
}

// Names returns the registered body names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.bodies))
	for name := range r.bodies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
