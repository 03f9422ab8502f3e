// Package resolver implements the per-chain Resolver adapter (SPEC_FULL.md
// §4.2): mapping a monitor's observed block to a transaction block number,
// and estimating gas with chain-specific additional-fee handling. Selection
// is by string tag through a {tag → factory} registry, grounded on the
// teacher's provider.ProviderRegistry (src/chainadapter/provider/registry.go).
package resolver

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
)

// GasEstimate is the result of Resolver.EstimateGas.
type GasEstimate struct {
	GasEstimate         uint64
	ObservedGasEstimate uint64
	AdditionalFeeEstimate *big.Int
}

// Resolver is the polymorphic per-chain adapter named in SPEC_FULL.md §4.2.
type Resolver interface {
	TransactionBlockNumber(ctx context.Context, observedBlockNumber uint64) (uint64, error)
	EstimateGas(ctx context.Context, req model.TransactionRequest, from common.Address) (GasEstimate, error)
}

// Factory constructs a Resolver bound to a specific EVM helper.
type Factory func(helper *rpcprovider.EVMHelper) Resolver

// Registry is a {tag → factory} singleton, mirroring the teacher's
// ProviderRegistry cache/fallback bookkeeping but specialized to resolver
// selection, which needs no per-chain cache since each chain constructs its
// own resolver instance once at process startup (cmd/relayer's buildApp).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide resolver registry, built-ins registered.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultRegistry.Register("default", func(h *rpcprovider.EVMHelper) Resolver { return &identityResolver{helper: h} })
		defaultRegistry.Register("arbitrum", func(h *rpcprovider.EVMHelper) Resolver { return &arbitrumResolver{helper: h} })
		defaultRegistry.Register("optimism", func(h *rpcprovider.EVMHelper) Resolver { return &optimismResolver{helper: h} })
	})
	return defaultRegistry
}

// NewRegistry builds an empty registry, useful for tests that want to
// register fakes without touching the process-wide default.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for tag.
func (r *Registry) Register(tag string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = factory
}

// Build constructs a Resolver for tag. An empty tag resolves to "default".
func (r *Registry) Build(tag string, helper *rpcprovider.EVMHelper) (Resolver, error) {
	if tag == "" {
		tag = "default"
	}
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolver: unregistered tag %q", tag)
	}
	return factory(helper), nil
}

// identityResolver is the default Resolver: transaction block number is the
// observed block number, and gas estimation delegates straight to the RPC
// provider with zero additional fee.
type identityResolver struct {
	helper *rpcprovider.EVMHelper
}

func (r *identityResolver) TransactionBlockNumber(_ context.Context, observedBlockNumber uint64) (uint64, error) {
	return observedBlockNumber, nil
}

func (r *identityResolver) EstimateGas(ctx context.Context, req model.TransactionRequest, from common.Address) (GasEstimate, error) {
	gas, err := estimateGasViaRPC(ctx, r.helper, req, from)
	if err != nil {
		return GasEstimate{}, err
	}
	return GasEstimate{GasEstimate: gas, ObservedGasEstimate: gas, AdditionalFeeEstimate: big.NewInt(0)}, nil
}

func estimateGasViaRPC(ctx context.Context, helper *rpcprovider.EVMHelper, req model.TransactionRequest, from common.Address) (uint64, error) {
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	return helper.EstimateGas(ctx, from, req.To, value, req.Data)
}
