// Package schema is the structured-type registry consumed by context
// extraction. Callers register Go type source for the generation backend to
// honor, optionally binding a type as the output of named symbols.
package schema

import "sync"

// Registry stores type schemas and symbol→output-type bindings.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]string // type name -> schema source
	outputs map[string]string // symbol name -> type name
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:   make(map[string]string),
		outputs: make(map[string]string),
	}
}

// Register stores the schema source for a type and optionally binds it as
// the output type of one or more symbols. Re-registering overwrites.
func (r *Registry) Register(name, source string, outputFor ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = source
	for _, sym := range outputFor {
		if sym != "" {
			r.outputs[sym] = name
		}
	}
}

// Schema returns the schema source registered under name.
func (r *Registry) Schema(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.types[name]
	return src, ok
}

// AllSchemas returns a copy of every registered schema.
func (r *Registry) AllSchemas() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.types))
	for name, src := range r.types {
		out[name] = src
	}
	return out
}

// OutputTypeFor returns the type name bound as the output of symbol.
func (r *Registry) OutputTypeFor(symbol string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.outputs[symbol]
	return name, ok
}

// Clear drops all registrations. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = make(map[string]string)
	r.outputs = make(map[string]string)
}
