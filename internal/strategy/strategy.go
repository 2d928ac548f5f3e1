// Package strategy implements the routing strategies that turn a quote request into a
// priced Quote with its ordered on-chain steps.
//
// The set of strategies is closed: DirectDeposit, SingleAssetZap, LPBuildZap,
// LendingDeposit and BridgeAssisted. Quote performs read-only chain queries through the
// injected fetch.ChainReader; BuildSteps is pure.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/amm"
	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// Strategy is one routing implementation
type Strategy interface {
	// ID is stable across restarts and unique within a registry
	ID() string
	// Handles reports whether the strategy serves vaults of this type
	Handles(t model.StrategyType) bool
	// ChainID is the only chain the strategy routes on, or 0 for any
	ChainID() uint64
	// Supports reports token compatibility for the vault and request
	Supports(vault model.Vault, req model.QuoteRequest) bool
	// Quote prices the request against live chain state
	Quote(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*model.Quote, error)
	// BuildSteps derives the ordered on-chain calls for a quote. It is deterministic.
	BuildSteps(q *model.Quote) ([]model.Step, error)
}

// Env carries the collaborators shared by every strategy
type Env struct {
	Reader fetch.ChainReader

	// TxDeadline is added to the quote time for router deadlines
	TxDeadline time.Duration

	// Now is overridable for tests
	Now func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) deadline() time.Duration {
	if e.TxDeadline > 0 {
		return e.TxDeadline
	}
	return 20 * time.Minute
}

// newQuote starts a quote with identity and freshness fields filled in
func (e Env) newQuote(strategyID string, vault model.Vault, req model.QuoteRequest, block uint64) *model.Quote {
	now := e.now()
	return &model.Quote{
		ID:             uuid.NewString(),
		StrategyID:     strategyID,
		Request:        req,
		Vault:          vault,
		FetchedAtBlock: block,
		FetchedAt:      now,
		Deadline:       now.Add(e.deadline()),
	}
}

// approval checks the current allowance of owner towards spender
func (e Env) approval(ctx context.Context, token model.Token, owner, spender common.Address, amount *uint256.Int) (model.Approval, error) {
	allowance, err := e.Reader.Allowance(ctx, token, owner, spender)
	if err != nil {
		return model.Approval{}, fmt.Errorf("allowance of %s: %w", token, err)
	}
	return model.Approval{
		Token:      token,
		Spender:    spender,
		Amount:     amount.Clone(),
		Sufficient: !allowance.Lt(amount),
	}, nil
}

// classify maps collaborator failures onto the strategy error taxonomy
func classify(strategyID string, err error) error {
	if err == nil {
		return nil
	}
	var (
		unsupported  *model.UnsupportedRouteError
		insufficient *model.InsufficientLiquidityError
		timeout      *model.StrategyTimeoutError
	)
	switch {
	case errors.As(err, &unsupported), errors.As(err, &insufficient), errors.As(err, &timeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &model.StrategyTimeoutError{Strategy: strategyID}
	case errors.Is(err, fetch.ErrNoContract):
		return &model.UnsupportedRouteError{Strategy: strategyID, Reason: err.Error()}
	case errors.Is(err, amm.ErrInvalidReserve):
		return &model.InsufficientLiquidityError{Strategy: strategyID, Reason: err.Error()}
	}
	return fmt.Errorf("strategy %s: %w", strategyID, err)
}

// sharesFor converts a deposit into vault shares: amount·totalSupply/balance.
// An empty vault mints shares 1:1.
func sharesFor(state fetch.VaultState, amount *uint256.Int) *uint256.Int {
	if state.TotalSupply == nil || state.TotalSupply.IsZero() || state.Balance == nil || state.Balance.IsZero() {
		return amount.Clone()
	}
	return mulDiv(amount, state.TotalSupply, state.Balance)
}

// wantFor converts vault shares into the deposit token: shares·balance/totalSupply
func wantFor(strategyID string, state fetch.VaultState, shares *uint256.Int) (*uint256.Int, error) {
	if state.TotalSupply == nil || state.TotalSupply.IsZero() {
		return nil, &model.InsufficientLiquidityError{Strategy: strategyID, Reason: "vault has no shares outstanding"}
	}
	if shares.Gt(state.TotalSupply) {
		return nil, &model.InsufficientLiquidityError{Strategy: strategyID, Reason: "shares exceed vault supply"}
	}
	return mulDiv(shares, state.Balance, state.TotalSupply), nil
}

// mulDiv computes a·b/c with a 512-bit intermediate. Callers guarantee the result fits.
func mulDiv(a, b, c *uint256.Int) *uint256.Int {
	out := new(big.Int).Mul(a.ToBig(), b.ToBig())
	out.Quo(out, c.ToBig())
	z, overflow := uint256.FromBig(out)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return z
}
