package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/metrics"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/types"
)

// SupportedChain represents a blockchain network supported by the engine
type SupportedChain = types.SupportedChain

// ChainConfig holds configuration for a specific blockchain network
type ChainConfig = types.ChainConfig

// MultiChainReader routes ChainReader calls to the reader registered for each chain
type MultiChainReader struct {
	mutex   sync.RWMutex
	readers map[uint64]ChainReader
}

// NewMultiChainReader creates an empty router
func NewMultiChainReader() *MultiChainReader {
	return &MultiChainReader{readers: make(map[uint64]ChainReader)}
}

// DialMultiChainReader dials one EVMReader per enabled chain. Chains that fail to dial are
// logged and skipped; an error is returned only when none could be dialled.
func DialMultiChainReader(ctx context.Context, chains map[SupportedChain]ChainConfig, cacheTTL time.Duration, m *metrics.Metrics) (*MultiChainReader, error) {
	mc := NewMultiChainReader()
	var lastErr error
	for chain, cfg := range chains {
		if !cfg.Enabled {
			continue
		}
		reader, err := DialEVMReader(ctx, uint64(chain), cfg.RPCEndpoint, ReaderOptions{
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
			CacheTTL:  cacheTTL,
			Metrics:   m,
		})
		if err != nil {
			lastErr = err
			logrus.WithError(err).Warnf("Skipping chain %s", chain)
			continue
		}
		mc.Register(uint64(chain), reader)
	}
	if len(mc.Chains()) == 0 && lastErr != nil {
		return nil, fmt.Errorf("no chain reader available: %w", lastErr)
	}
	return mc, nil
}

// Register adds a reader for a specific chain
func (c *MultiChainReader) Register(chainID uint64, reader ChainReader) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.readers[chainID] = reader
	logrus.Infof("Registered chain reader for %s", SupportedChain(chainID))
}

// Chains returns the registered chain ids in ascending order
func (c *MultiChainReader) Chains() []uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]uint64, 0, len(c.readers))
	for id := range c.readers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *MultiChainReader) reader(chainID uint64) (ChainReader, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	r, ok := c.readers[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", SupportedChain(chainID), ErrChainNotConfigured)
	}
	return r, nil
}

// BlockNumber implements ChainReader
func (c *MultiChainReader) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	r, err := c.reader(chainID)
	if err != nil {
		return 0, err
	}
	return r.BlockNumber(ctx, chainID)
}

// BalanceOf implements ChainReader
func (c *MultiChainReader) BalanceOf(ctx context.Context, token model.Token, owner common.Address) (*uint256.Int, error) {
	r, err := c.reader(token.ChainID)
	if err != nil {
		return nil, err
	}
	return r.BalanceOf(ctx, token, owner)
}

// Allowance implements ChainReader
func (c *MultiChainReader) Allowance(ctx context.Context, token model.Token, owner, spender common.Address) (*uint256.Int, error) {
	r, err := c.reader(token.ChainID)
	if err != nil {
		return nil, err
	}
	return r.Allowance(ctx, token, owner, spender)
}

// PairReserves implements ChainReader
func (c *MultiChainReader) PairReserves(ctx context.Context, chainID uint64, pair common.Address) (PairState, error) {
	r, err := c.reader(chainID)
	if err != nil {
		return PairState{}, err
	}
	return r.PairReserves(ctx, chainID, pair)
}

// VaultState implements ChainReader
func (c *MultiChainReader) VaultState(ctx context.Context, vault model.Vault) (VaultState, error) {
	r, err := c.reader(vault.ChainID)
	if err != nil {
		return VaultState{}, err
	}
	return r.VaultState(ctx, vault)
}

// ChainHead is the result of probing one chain
type ChainHead struct {
	ChainID uint64 `json:"chain_id"`
	Name    string `json:"name"`
	Block   uint64 `json:"block,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Heads queries every registered chain concurrently, each under its own timeout.
// A failing chain is reported in its ChainHead rather than failing the whole call.
func (c *MultiChainReader) Heads(ctx context.Context, perChain time.Duration) []ChainHead {
	chains := c.Chains()

	var wg sync.WaitGroup
	resultCh := make(chan ChainHead, len(chains))

	for _, chain := range chains {
		wg.Add(1)
		go func(chain uint64) {
			defer wg.Done()

			chainCtx, cancel := context.WithTimeout(ctx, perChain)
			defer cancel()

			head := ChainHead{ChainID: chain, Name: SupportedChain(chain).String()}
			block, err := c.BlockNumber(chainCtx, chain)
			if err != nil {
				head.Error = err.Error()
				logrus.Warnf("Error probing chain %s: %v", head.Name, err)
			} else {
				head.Block = block
			}
			resultCh <- head
		}(chain)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	heads := make([]ChainHead, 0, len(chains))
	for head := range resultCh {
		heads = append(heads, head)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].ChainID < heads[j].ChainID })
	return heads
}
