package strategy

import (
	"fmt"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

// Catalog is the read side of the zap configuration a registry is built from
type Catalog interface {
	EntryLookup
	BridgeLookup
	Chains() []uint64
	Entries(chainID uint64) []model.ZapEntry
}

// Registry holds strategies in registration order. Order is significant: it is the final
// tie-break when two quotes are otherwise equal.
type Registry struct {
	strategies []Strategy
	byID       map[string]Strategy
}

// NewRegistry registers the strategies in the given order
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	r := &Registry{byID: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		if _, exists := r.byID[s.ID()]; exists {
			return nil, fmt.Errorf("%w: duplicate strategy id %s", model.ErrConfig, s.ID())
		}
		r.byID[s.ID()] = s
		r.strategies = append(r.strategies, s)
	}
	return r, nil
}

// Build instantiates every strategy the catalog supports. Chain-independent strategies
// come first, then for each chain in ascending order and each AMM in file order a
// single-asset and an LP zap, and the bridge strategy last.
func Build(catalog Catalog, env Env) (*Registry, error) {
	strategies := []Strategy{NewDirectDeposit(env), NewLendingDeposit(env)}
	for _, chainID := range catalog.Chains() {
		for _, entry := range catalog.Entries(chainID) {
			strategies = append(strategies, NewSingleAssetZap(env, entry), NewLPBuildZap(env, entry))
		}
	}
	strategies = append(strategies, NewBridgeAssisted(env, catalog))
	return NewRegistry(strategies...)
}

// Strategies returns all registered strategies in registration order
func (r *Registry) Strategies() []Strategy {
	out := make([]Strategy, len(r.strategies))
	copy(out, r.strategies)
	return out
}

// Get returns a strategy by id
func (r *Registry) Get(id string) (Strategy, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Eligible returns the strategies that can serve the request, preserving registration order
func (r *Registry) Eligible(vault model.Vault, req model.QuoteRequest) []Strategy {
	var out []Strategy
	for _, s := range r.strategies {
		if !s.Handles(vault.StrategyTypeID) {
			continue
		}
		if s.ChainID() != 0 && s.ChainID() != vault.ChainID {
			continue
		}
		if !s.Supports(vault, req) {
			continue
		}
		out = append(out, s)
	}
	return out
}
