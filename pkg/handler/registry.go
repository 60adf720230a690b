package handler

import (
	"errors"
	"sync"
)

// ErrFactoryNotFound is returned by New when no factory is registered
// for a capability.
var ErrFactoryNotFound = errors.New("no handler factory registered for capability")

// Factory constructs a fresh Handler instance for one capability. A
// new instance is built per Device so handlers never share state
// across peers.
type Factory func() Handler

// Registry is the process-wide table of capability handler factories.
// It is the module-level collaborator named HandlerRegistry; Device
// keeps its own per-peer map of capability to live Handler instance,
// built by calling New on this registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterFactory associates a capability string with a factory,
// replacing any prior factory for that capability.
func (r *Registry) RegisterFactory(capability string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[capability] = factory
}

// UnregisterFactory removes the factory for a capability, if any.
func (r *Registry) UnregisterFactory(capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, capability)
}

// New builds a fresh Handler for capability, or ErrFactoryNotFound if
// nothing is registered for it.
func (r *Registry) New(capability string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[capability]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrFactoryNotFound
	}
	return factory(), nil
}

// Capabilities returns every capability with a registered factory.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]string, 0, len(r.factories))
	for c := range r.factories {
		caps = append(caps, c)
	}
	return caps
}
