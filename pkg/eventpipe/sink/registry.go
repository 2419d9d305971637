package sink

import (
	"fmt"
	"sort"
	"sync"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
)

// Factory builds a sink for one configured provider.
type Factory func(deps Deps, p config.Provider) (Sink, error)

// Registry maps provider types to factories.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in sinks:
// "http", "passthrough" and "nats".
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("http", NewHTTPSinkFromProvider)
	r.Register("passthrough", NewPassthroughSinkFromProvider)
	r.Register("nats", NewNATSSinkFromProvider)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the sink for p.
func (r *Registry) Build(deps Deps, p config.Provider) (Sink, error) {
	r.mu.RLock()
	f, ok := r.factories[p.Kind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (provider %s)", ErrUnknownProvider, p.Kind(), p.Name)
	}
	s, err := f(deps.WithDefaults(), p)
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", p.Name, err)
	}
	return s, nil
}
