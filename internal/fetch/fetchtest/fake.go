// Package fetchtest provides an in-memory ChainReader for tests.
package fetchtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Reader is a mutable fake chain. Unknown pairs and vaults report fetch.ErrNoContract.
type Reader struct {
	mu         sync.Mutex
	blocks     map[uint64]uint64
	pairs      map[common.Address]fetch.PairState
	vaults     map[common.Address]fetch.VaultState
	balances   map[allowanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int

	// Delay is applied to every call; calls honour ctx while waiting
	Delay time.Duration
	// Err, when set, is returned by every call
	Err error

	calls int
}

// New returns an empty fake chain
func New() *Reader {
	return &Reader{
		blocks:     make(map[uint64]uint64),
		pairs:      make(map[common.Address]fetch.PairState),
		vaults:     make(map[common.Address]fetch.VaultState),
		balances:   make(map[allowanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// SetBlock sets the head of a chain
func (r *Reader) SetBlock(chainID, block uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[chainID] = block
}

// SetPair installs reserves for a pair. Reserves are given in (tokenA, tokenB) order.
func (r *Reader) SetPair(pair common.Address, tokenA common.Address, reserveA, reserveB, totalSupply *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs[pair] = fetch.PairState{
		Token0:      tokenA,
		Reserve0:    reserveA,
		Reserve1:    reserveB,
		TotalSupply: totalSupply,
	}
}

// SetVault installs vault accounting
func (r *Reader) SetVault(vault common.Address, balance, totalSupply *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaults[vault] = fetch.VaultState{Balance: balance, TotalSupply: totalSupply}
}

// SetAllowance installs an allowance
func (r *Reader) SetAllowance(token, owner, spender common.Address, amount *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowances[allowanceKey{token, owner, spender}] = amount
}

// SetBalance installs a token balance
func (r *Reader) SetBalance(token, owner common.Address, amount *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[allowanceKey{token: token, owner: owner}] = amount
}

// Calls returns how many queries were served
func (r *Reader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *Reader) enter(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	delay, err := r.Delay, r.Err
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// BlockNumber implements fetch.ChainReader
func (r *Reader) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	if err := r.enter(ctx); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	block, ok := r.blocks[chainID]
	if !ok {
		return 0, fmt.Errorf("chain %d: %w", chainID, fetch.ErrChainNotConfigured)
	}
	return block, nil
}

// BalanceOf implements fetch.ChainReader
func (r *Reader) BalanceOf(ctx context.Context, token model.Token, owner common.Address) (*uint256.Int, error) {
	if err := r.enter(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.balances[allowanceKey{token: token.Address, owner: owner}]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

// Allowance implements fetch.ChainReader
func (r *Reader) Allowance(ctx context.Context, token model.Token, owner, spender common.Address) (*uint256.Int, error) {
	if err := r.enter(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.allowances[allowanceKey{token.Address, owner, spender}]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

// PairReserves implements fetch.ChainReader
func (r *Reader) PairReserves(ctx context.Context, chainID uint64, pair common.Address) (fetch.PairState, error) {
	if err := r.enter(ctx); err != nil {
		return fetch.PairState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.pairs[pair]
	if !ok {
		return fetch.PairState{}, fmt.Errorf("pair %s: %w", pair.Hex(), fetch.ErrNoContract)
	}
	state.Block = r.blocks[chainID]
	return state, nil
}

// VaultState implements fetch.ChainReader
func (r *Reader) VaultState(ctx context.Context, vault model.Vault) (fetch.VaultState, error) {
	if err := r.enter(ctx); err != nil {
		return fetch.VaultState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.vaults[vault.Address]
	if !ok {
		return fetch.VaultState{}, fmt.Errorf("vault %s: %w", vault.Address.Hex(), fetch.ErrNoContract)
	}
	state.Block = r.blocks[vault.ChainID]
	return state, nil
}
