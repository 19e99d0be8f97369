package plugin

import "fmt"

// Registry holds immutable plugin records keyed by integration type id.
// It is process-wide state, built once at boot and never mutated
// afterward, so lookups need no lock.
type Registry struct {
	plugins map[string]Plugin
	order   []string
}

// NewRegistry builds a Registry from a fixed slice of plugins, rejecting
// duplicate type ids.
func NewRegistry(plugins []Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if _, exists := r.plugins[p.ID]; exists {
			return nil, fmt.Errorf("plugin: duplicate type id %q", p.ID)
		}
		r.plugins[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	return r, nil
}

// Get returns the plugin registered for type, and whether it exists.
func (r *Registry) Get(typeID string) (Plugin, bool) {
	p, ok := r.plugins[typeID]
	return p, ok
}

// MustGet panics if typeID is not registered; intended for boot-time
// wiring where an unregistered type is a programmer error, not a
// runtime condition.
func (r *Registry) MustGet(typeID string) Plugin {
	p, ok := r.plugins[typeID]
	if !ok {
		panic(fmt.Sprintf("plugin: unregistered type %q", typeID))
	}
	return p
}

// All enumerates every registered plugin in registration order.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}
