package state

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/logger"
)

// Factory opens a Store from configuration.
type Factory func(ctx context.Context, cfg Config) (Store, error)

// Registry maps backend names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a registry that already knows the memory backend.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		logger:    logger.Get().With(zap.String("component", "state_registry")),
	}
	r.factories["memory"] = func(context.Context, Config) (Store, error) {
		return NewMemory(nil), nil
	}
	return r
}

// Register adds a backend factory.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "state backend %s already registered", name)
	}
	r.factories[name] = factory
	r.logger.Debug("state backend registered", zap.String("name", name))
	return nil
}

// Open creates the Store selected by cfg.Backend.
func (r *Registry) Open(ctx context.Context, cfg Config) (Store, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Backend]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "state backend %q not found", cfg.Backend).
			WithDetail("available", r.Backends())
	}

	store, err := factory(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to open state backend "+cfg.Backend)
	}
	return store, nil
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a backend to the global registry.
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// Open opens a Store from the global registry.
func Open(ctx context.Context, cfg Config) (Store, error) {
	return globalRegistry.Open(ctx, cfg)
}

// Backends lists the global registry.
func Backends() []string {
	return globalRegistry.Backends()
}
