package node

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/config"
)

// Node is the launcher-facing handle every concrete node satisfies.
// [Runtime] implements it; nodes embedding Runtime inherit the contract.
type Node interface {
	Name() string
	SetBus(b *bus.Bus) error
	Start(ctx context.Context) error
	Stop() error
	Status() Status
}

var _ Node = (*Runtime)(nil)

// Factory builds a node from its descriptor. Factories are closures
// registered by the launcher wiring, capturing any hardware or service
// dependencies the node needs.
type Factory func(desc *config.NodeDescriptor) (Node, error)

// ErrNotRegistered is returned by Create for unknown node names.
var ErrNotRegistered = fmt.Errorf("node: not registered")

// Registry maps node names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a node name, replacing any previous binding.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Create instantiates the named node from its descriptor.
func (r *Registry) Create(name string, desc *config.NodeDescriptor) (Node, error) {
	r.mu.Lock()
	f, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return f(desc)
}

// Names returns the registered node names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
