package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/amm"
	"github.com/yourorg/zap-quote-engine/internal/contracts"
	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// EntryLookup resolves AMM entries by chain and id
type EntryLookup interface {
	Entry(chainID uint64, id string) (model.ZapEntry, bool)
}

// priceSwap applies the curve of the pair to amountIn
func priceSwap(tokenIn, tokenOut model.Token, amountIn *uint256.Int, rIn, rOut *uint256.Int, stable bool, fee *uint256.Int) (*uint256.Int, error) {
	if stable {
		return amm.StableSwapOutput(amountIn, rIn, rOut, tokenIn.Decimals, tokenOut.Decimals, fee)
	}
	return amm.SwapOutput(amountIn, rIn, rOut, fee)
}

// bestHop prices tokenIn→tokenOut on the entry's pair. Solidly-style AMMs carry a volatile
// and a stable pair for the same tokens; both are tried and the higher output wins, with
// the volatile pair kept on a tie.
func (e Env) bestHop(ctx context.Context, strategyID string, entry model.ZapEntry, tokenIn, tokenOut model.Token, amountIn *uint256.Int, fee *uint256.Int, slippageBps uint64) (model.Hop, error) {
	candidates := []bool{false}
	if entry.Kind == model.AmmStable {
		candidates = append(candidates, true)
	}

	var (
		best    *model.Hop
		lastErr error
	)
	for _, stable := range candidates {
		pair := contracts.PairFor(entry, tokenIn.Address, tokenOut.Address, stable)
		state, err := e.Reader.PairReserves(ctx, entry.ChainID, pair)
		if err != nil {
			if errors.Is(err, fetch.ErrNoContract) {
				lastErr = err
				continue
			}
			return model.Hop{}, classify(strategyID, err)
		}

		rIn, rOut := state.Oriented(tokenIn.Address)
		out, err := priceSwap(tokenIn, tokenOut, amountIn, rIn, rOut, stable, fee)
		if err != nil {
			lastErr = err
			continue
		}
		if best != nil && !out.Gt(best.ExpectedAmountOut) {
			continue
		}
		best = &model.Hop{
			AmmID:             entry.ID,
			Pair:              pair,
			Stable:            stable,
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			AmountIn:          amountIn.Clone(),
			ExpectedAmountOut: out,
			MinAmountOut:      amm.ApplySlippage(out, slippageBps),
		}
	}

	if best == nil {
		if lastErr == nil || errors.Is(lastErr, fetch.ErrNoContract) {
			return model.Hop{}, &model.UnsupportedRouteError{
				Strategy: strategyID,
				Reason:   fmt.Sprintf("no %s pair for %s/%s", entry.ID, tokenIn, tokenOut),
			}
		}
		return model.Hop{}, classify(strategyID, lastErr)
	}
	if best.MinAmountOut.IsZero() {
		return model.Hop{}, &model.InsufficientLiquidityError{
			Strategy: strategyID,
			Reason:   fmt.Sprintf("swapping %s %s yields nothing on %s", amountIn.ToBig(), tokenIn, entry.ID),
		}
	}
	return *best, nil
}

// bestRoute prices tokenIn→tokenOut directly and through each of the entry's connector
// tokens. The second hop of a connector route spends the first hop's minimum output. The
// route with the highest guaranteed output wins; ties keep the shorter route. When nothing
// routes, the direct hop's error is returned.
func (e Env) bestRoute(ctx context.Context, strategyID string, entry model.ZapEntry, tokenIn, tokenOut model.Token, amountIn *uint256.Int, fee *uint256.Int, slippageBps uint64) ([]model.Hop, error) {
	direct, directErr := e.bestHop(ctx, strategyID, entry, tokenIn, tokenOut, amountIn, fee, slippageBps)
	var best []model.Hop
	if directErr == nil {
		best = []model.Hop{direct}
	} else if isTransient(directErr) {
		return nil, directErr
	}

	for _, via := range entry.Connectors {
		if via.Equal(tokenIn) || via.Equal(tokenOut) {
			continue
		}
		first, err := e.bestHop(ctx, strategyID, entry, tokenIn, via, amountIn, fee, slippageBps)
		if err != nil {
			continue
		}
		second, err := e.bestHop(ctx, strategyID, entry, via, tokenOut, first.MinAmountOut, fee, slippageBps)
		if err != nil {
			continue
		}
		if best != nil && !second.MinAmountOut.Gt(best[len(best)-1].MinAmountOut) {
			continue
		}
		best = []model.Hop{first, second}
	}

	if best == nil {
		return nil, directErr
	}
	return best, nil
}

// isTransient reports errors that are not about the route itself
func isTransient(err error) bool {
	return !errors.Is(err, model.ErrUnsupportedRoute) && !errors.Is(err, model.ErrInsufficientLiquidity)
}

// HopPricer reprices quoted hops against live reserves
type HopPricer struct {
	Entries EntryLookup
	Reader  fetch.ChainReader
}

// LiveOutput returns what the hop would yield right now, read past any reserve cache
func (p HopPricer) LiveOutput(ctx context.Context, hop model.Hop, direction model.Direction) (*uint256.Int, error) {
	entry, ok := p.Entries.Entry(hop.TokenIn.ChainID, hop.AmmID)
	if !ok {
		return nil, fmt.Errorf("amm %s not configured on chain %d", hop.AmmID, hop.TokenIn.ChainID)
	}
	state, err := p.Reader.PairReserves(fetch.Uncached(ctx), hop.TokenIn.ChainID, hop.Pair)
	if err != nil {
		return nil, err
	}
	fee := entry.LPProviderFee
	if direction == model.DirectionWithdraw {
		fee = entry.WithdrawFee()
	}
	rIn, rOut := state.Oriented(hop.TokenIn.Address)
	return priceSwap(hop.TokenIn, hop.TokenOut, hop.AmountIn, rIn, rOut, hop.Stable, fee)
}
