package adapter

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Factory constructs an adapter instance. Construction may fail when the
// family's configuration is incomplete.
type Factory func() (BackendAdapter, error)

// Resolver maps adapter names to lazily constructed singleton instances.
// Repeated Resolve calls for the same name return the same instance, so an
// adapter can hold shared state (a spawned server, a pooled connection)
// across sessions.
type Resolver struct {
	logger *logger.Logger

	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]BackendAdapter
}

// NewResolver creates an empty resolver.
func NewResolver(log *logger.Logger) *Resolver {
	return &Resolver{
		logger:    log.WithFields(zap.String("component", "adapter_resolver")),
		factories: make(map[string]Factory),
		cache:     make(map[string]BackendAdapter),
	}
}

// Register installs a factory under a name. Re-registering replaces the
// factory and drops any cached instance.
func (r *Resolver) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.cache, name)
}

// Resolve returns the adapter registered under name, constructing it on
// first use. Unknown names fail with a NoAdapter error.
func (r *Resolver) Resolve(name string) (BackendAdapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache[name]; ok {
		return a, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, apperr.E("resolver.resolve", apperr.KindNoAdapter, "unknown adapter: "+name)
	}
	a, err := factory()
	if err != nil {
		return nil, apperr.E("resolver.resolve", apperr.KindNoAdapter, err)
	}
	r.cache[name] = a
	r.logger.Debug("adapter instantiated", zap.String("adapter", name))
	return a, nil
}

// Names returns the registered adapter names, sorted.
func (r *Resolver) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll stops every instantiated adapter that implements Stopper and
// clears the cache.
func (r *Resolver) StopAll(ctx context.Context) {
	r.mu.Lock()
	instances := make(map[string]BackendAdapter, len(r.cache))
	for name, a := range r.cache {
		instances[name] = a
	}
	r.cache = make(map[string]BackendAdapter)
	r.mu.Unlock()

	for name, a := range instances {
		if stopper, ok := a.(Stopper); ok {
			if err := stopper.Stop(ctx); err != nil {
				r.logger.Warn("adapter stop failed", zap.String("adapter", name), zap.Error(err))
			}
		}
	}
}
