// Package fetch provides read-only chain access for quoting and execution validation.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

var (
	// ErrChainNotConfigured is returned for chains without a registered reader
	ErrChainNotConfigured = errors.New("chain not configured")
	// ErrNoContract is returned when a call hits an address without code, e.g. an undeployed pair
	ErrNoContract = errors.New("no contract at address")
)

// ChainReader defines the read-only queries strategies and the executor rely on.
// Every call is I/O and may fail or block; implementations must honour ctx.
type ChainReader interface {
	// BlockNumber returns the current head of a chain
	BlockNumber(ctx context.Context, chainID uint64) (uint64, error)
	// BalanceOf returns the ERC-20 balance of owner
	BalanceOf(ctx context.Context, token model.Token, owner common.Address) (*uint256.Int, error)
	// Allowance returns how much spender may move on behalf of owner
	Allowance(ctx context.Context, token model.Token, owner, spender common.Address) (*uint256.Int, error)
	// PairReserves returns the reserves and LP supply of an AMM pair
	PairReserves(ctx context.Context, chainID uint64, pair common.Address) (PairState, error)
	// VaultState returns the want balance and share supply of a vault
	VaultState(ctx context.Context, vault model.Vault) (VaultState, error)
}

// PairState is a snapshot of an AMM pair
type PairState struct {
	Token0      common.Address
	Reserve0    *uint256.Int
	Reserve1    *uint256.Int
	TotalSupply *uint256.Int
	Block       uint64
}

// Oriented returns the reserves as (reserve of tokenIn, reserve of the other token)
func (p PairState) Oriented(tokenIn common.Address) (*uint256.Int, *uint256.Int) {
	if tokenIn == p.Token0 {
		return p.Reserve0, p.Reserve1
	}
	return p.Reserve1, p.Reserve0
}

// VaultState is a snapshot of a vault's accounting
type VaultState struct {
	Balance     *uint256.Int // want held by vault and strategy
	TotalSupply *uint256.Int // shares outstanding
	Block       uint64
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}
