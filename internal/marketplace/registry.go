package marketplace

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor returns a fresh, unconnected adapter
type Constructor func() Adapter

// Registry maps a marketplace type to the constructor of its adapter
type Registry struct {
	mu    sync.RWMutex
	ctors map[Type]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[Type]Constructor)}
}

func (r *Registry) Register(t Type, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[t] = ctor
}

// New builds a new adapter instance. Instances are never shared between
// jobs so request spacing of one job cannot delay another.
func (r *Registry) New(t Type) (Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMarketplace, t)
	}
	return ctor(), nil
}

func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.ctors))
	for t := range r.ctors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
