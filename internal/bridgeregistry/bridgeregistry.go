// Package bridgeregistry maps an AMB name ("layer-zero", "wormhole") to the
// factory that builds its collector scanner. Grounded on the teacher's
// provider.ProviderRegistry (src/chainadapter/provider/registry.go):
// {type → factory} registration plus a process-wide singleton, specialized
// here to bridge scanners instead of chain providers (no per-instance cache
// is needed since each chain+AMB pair constructs its own scanner once at
// startup).
package bridgeregistry

import (
	"context"
	"fmt"
	"sync"

	"github.com/yourusername/crossrelay/internal/config"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/monitor"
	"github.com/yourusername/crossrelay/internal/resolver"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/store"
	"go.uber.org/zap"
)

// Scanner is a running collector: it reads the monitor stream for its chain
// and populates the store with messages, proofs, and (LayerZero only)
// payload-hash-index entries, until ctx is cancelled.
type Scanner interface {
	Run(ctx context.Context)
}

// Deps bundles everything a Factory needs to build a Scanner for one chain.
type Deps struct {
	ChainId  model.ChainId
	AMB      config.AMBConfig
	Chain    config.ChainConfig
	EVM      *rpcprovider.EVMHelper
	Monitor  *monitor.Monitor
	Resolver resolver.Resolver
	Store    store.Store
	Log      *zap.SugaredLogger
}

// Factory builds a Scanner from Deps.
type Factory func(deps Deps) (Scanner, error)

// Registry is a {amb name → factory} table.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for an AMB name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build constructs the Scanner registered for deps.AMB.Name.
func (r *Registry) Build(deps Deps) (Scanner, error) {
	r.mu.RLock()
	factory, ok := r.factories[deps.AMB.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bridgeregistry: unregistered AMB %q", deps.AMB.Name)
	}
	return factory(deps)
}

// Names returns every registered AMB name, for startup diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
