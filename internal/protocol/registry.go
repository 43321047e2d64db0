package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the protocol factories available to sessions. It is created
// with NewRegistry and passed explicitly to its users.
type Registry struct {
	mu        sync.RWMutex
	factories map[Variant]Factory
	fallback  Variant
}

func NewRegistry() *Registry {
	return &Registry{factories: map[Variant]Factory{}}
}

// Register adds a factory. The first registered variant becomes the default.
func (r *Registry) Register(f Factory) error {
	if f == nil {
		return fmt.Errorf("factory is nil")
	}
	v := normalizeVariant(f.Descriptor().Variant.String())
	if v == "" {
		return fmt.Errorf("variant is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[v]; exists {
		return fmt.Errorf("variant already registered: %s", v)
	}
	r.factories[v] = f
	if r.fallback == "" {
		r.fallback = v
	}
	return nil
}

func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Get resolves a variant. An empty variant resolves to the default.
func (r *Registry) Get(v Variant) (Factory, bool) {
	key := normalizeVariant(v.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key == "" {
		key = r.fallback
	}
	f, ok := r.factories[key]
	return f, ok
}

// Resolve is Get with an error for unknown variants.
func (r *Registry) Resolve(raw string) (Factory, error) {
	f, ok := r.Get(Variant(raw))
	if !ok {
		return nil, fmt.Errorf("unsupported integration: %s", raw)
	}
	return f, nil
}

func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })
	return out
}

// Releasers returns the factories holding per-instance resources.
func (r *Registry) Releasers() []Releaser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Releaser, 0)
	for _, f := range r.factories {
		if rel, ok := f.(Releaser); ok {
			out = append(out, rel)
		}
	}
	return out
}
