// Package types contains shared type definitions used across multiple packages
package types

import "fmt"

// SupportedChain is an EVM chain id the engine can route on
type SupportedChain uint64

// Supported blockchain networks
const (
	ChainEthereum  SupportedChain = 1
	ChainOptimism  SupportedChain = 10
	ChainBSC       SupportedChain = 56
	ChainPolygon   SupportedChain = 137
	ChainFantom    SupportedChain = 250
	ChainBase      SupportedChain = 8453
	ChainArbitrum  SupportedChain = 42161
	ChainAvalanche SupportedChain = 43114
)

var chainNames = map[SupportedChain]string{
	ChainEthereum:  "ethereum",
	ChainOptimism:  "optimism",
	ChainBSC:       "bsc",
	ChainPolygon:   "polygon",
	ChainFantom:    "fantom",
	ChainBase:      "base",
	ChainArbitrum:  "arbitrum",
	ChainAvalanche: "avax",
}

// String returns the short chain name used in logs and metric labels
func (c SupportedChain) String() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", uint64(c))
}

// ChainConfig holds configuration for a specific blockchain network
type ChainConfig struct {
	Enabled     bool    `json:"enabled"`
	RPCEndpoint string  `json:"rpc_endpoint"`
	RateLimit   float64 `json:"rate_limit"` // requests per second against the endpoint
	Burst       int     `json:"burst"`
}

// ChainConfigs builds enabled chain configs from an endpoint table
func ChainConfigs(endpoints map[uint64]string, rateLimit float64, burst int) map[SupportedChain]ChainConfig {
	out := make(map[SupportedChain]ChainConfig, len(endpoints))
	for id, url := range endpoints {
		out[SupportedChain(id)] = ChainConfig{
			Enabled:     url != "",
			RPCEndpoint: url,
			RateLimit:   rateLimit,
			Burst:       burst,
		}
	}
	return out
}
