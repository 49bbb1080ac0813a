package conduit

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps conduit names to factories. The engine opens exactly one
// conduit at construction.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the in-process variants.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
	}
	r.Register(NameCooperative, NewCooperative)
	r.Register(NameLocal, NewLocal)
	return r
}

// Register adds a factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open builds the conduit registered under name.
func (r *Registry) Open(name string, opts Options) (Conduit, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("conduit %q is not registered", name)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s conduit: %w", name, err)
	}
	return c, nil
}

// Names returns the registered conduit names, sorted for a stable API response.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
