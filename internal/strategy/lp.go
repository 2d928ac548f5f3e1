package strategy

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/amm"
	"github.com/yourorg/zap-quote-engine/internal/contracts"
	"github.com/yourorg/zap-quote-engine/internal/fetch"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// LPBuildZap enters an LP vault from one of the pool tokens: part of the input is swapped
// for the other token, liquidity is added and the LP token deposited. Withdrawal removes
// liquidity and swaps the unwanted leg back.
type LPBuildZap struct {
	env   Env
	entry model.ZapEntry
}

// NewLPBuildZap binds the strategy to one AMM deployment
func NewLPBuildZap(env Env, entry model.ZapEntry) *LPBuildZap {
	return &LPBuildZap{env: env, entry: entry}
}

func (s *LPBuildZap) ID() string {
	return fmt.Sprintf("lp-zap/%s@%d", s.entry.ID, s.entry.ChainID)
}

func (s *LPBuildZap) Handles(t model.StrategyType) bool { return t == model.StrategyLP }

func (s *LPBuildZap) ChainID() uint64 { return s.entry.ChainID }

func (s *LPBuildZap) Supports(vault model.Vault, req model.QuoteRequest) bool {
	if vault.AmmID != s.entry.ID || vault.ChainID != s.entry.ChainID {
		return false
	}
	switch req.Direction {
	case model.DirectionDeposit:
		_, ok := lpIndex(vault, req.InputToken)
		return ok && req.OutputToken.Equal(vault.Shares())
	case model.DirectionWithdraw:
		_, ok := lpIndex(vault, req.OutputToken)
		return ok && req.InputToken.Equal(vault.Shares())
	}
	return false
}

func lpIndex(vault model.Vault, token model.Token) (int, bool) {
	for i, t := range vault.LPTokens {
		if t.Equal(token) {
			return i, true
		}
	}
	return 0, false
}

func (s *LPBuildZap) Quote(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*model.Quote, error) {
	if !s.Supports(vault, req) {
		return nil, &model.UnsupportedRouteError{Strategy: s.ID(), Reason: "token is not a leg of the vault pool"}
	}

	block, err := s.env.Reader.BlockNumber(ctx, vault.ChainID)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	pair := contracts.PairFor(s.entry, vault.LPTokens[0].Address, vault.LPTokens[1].Address, vault.Stable)
	pool, err := s.env.Reader.PairReserves(ctx, vault.ChainID, pair)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	state, err := s.env.Reader.VaultState(ctx, vault)
	if err != nil {
		return nil, classify(s.ID(), err)
	}

	q := s.env.newQuote(s.ID(), vault, req, block)
	if req.Direction == model.DirectionWithdraw {
		err = s.quoteWithdraw(ctx, q, pair, pool, state)
	} else {
		err = s.quoteDeposit(ctx, q, pair, pool, state)
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.BuildSteps(q)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	q.Steps = steps
	return q, nil
}

func (s *LPBuildZap) quoteDeposit(ctx context.Context, q *model.Quote, pair common.Address, pool fetch.PairState, state fetch.VaultState) error {
	req, vault := q.Request, q.Vault
	idx, _ := lpIndex(vault, req.InputToken)
	tokenIn, other := vault.LPTokens[idx], vault.LPTokens[1-idx]
	fee := s.entry.LPProviderFee

	rIn, rOut := pool.Oriented(tokenIn.Address)
	var (
		swapAmount *uint256.Int
		err        error
	)
	if vault.Stable {
		swapAmount, err = amm.StableZapSwapAmount(req.InputAmount, rIn, rOut, tokenIn.Decimals, other.Decimals, fee)
	} else {
		swapAmount, err = amm.ZapSwapAmount(req.InputAmount, rIn, rOut, fee)
	}
	if err != nil {
		return classify(s.ID(), err)
	}
	if swapAmount.IsZero() || !swapAmount.Lt(req.InputAmount) {
		return &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "input too small to split across both legs"}
	}

	out, err := priceSwap(tokenIn, other, swapAmount, rIn, rOut, vault.Stable, fee)
	if err != nil {
		return classify(s.ID(), err)
	}
	hop := model.Hop{
		AmmID:             s.entry.ID,
		Pair:              pair,
		Stable:            vault.Stable,
		TokenIn:           tokenIn,
		TokenOut:          other,
		AmountIn:          swapAmount,
		ExpectedAmountOut: out,
		MinAmountOut:      amm.ApplySlippage(out, req.MaxSlippageBps),
	}
	if hop.MinAmountOut.IsZero() {
		return &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "swap leg yields nothing"}
	}

	// the swap moves the pool before liquidity is added
	rInAfter := new(uint256.Int).Add(rIn, swapAmount)
	rOutAfter := new(uint256.Int).Sub(rOut, out)
	kept := new(uint256.Int).Sub(req.InputAmount, swapAmount)

	expectedLP, err := amm.LPTokensMinted(kept, out, rInAfter, rOutAfter, pool.TotalSupply)
	if err != nil {
		return classify(s.ID(), err)
	}
	legIn := model.LiquidityLeg{Token: tokenIn, Amount: kept, Min: amm.ApplySlippage(kept, req.MaxSlippageBps)}
	legOut := model.LiquidityLeg{Token: other, Amount: hop.MinAmountOut.Clone(), Min: amm.ApplySlippage(hop.MinAmountOut, req.MaxSlippageBps)}
	minLP, err := amm.LPTokensMinted(legIn.Min, legOut.Min, rInAfter, rOutAfter, pool.TotalSupply)
	if err != nil {
		return classify(s.ID(), err)
	}
	if minLP.IsZero() {
		return &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "deposit too small to mint liquidity"}
	}

	q.Route = []model.Hop{hop}
	q.Legs = []model.LiquidityLeg{legIn, legOut}
	q.Position = minLP
	q.OutputAmount = sharesFor(state, expectedLP)
	q.MinOutputAmount = sharesFor(state, minLP)
	if q.MinOutputAmount.IsZero() {
		return &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "deposit too small to mint a share"}
	}

	approvals := make([]model.Approval, 0, 3)
	for _, a := range []struct {
		token   model.Token
		spender common.Address
		amount  *uint256.Int
	}{
		{tokenIn, s.entry.Router, req.InputAmount},
		{other, s.entry.Router, legOut.Amount},
		{vault.Want, vault.Address, minLP},
	} {
		approval, err := s.env.approval(ctx, a.token, req.Wallet, a.spender, a.amount)
		if err != nil {
			return classify(s.ID(), err)
		}
		approvals = append(approvals, approval)
	}
	q.Approvals = approvals
	return nil
}

func (s *LPBuildZap) quoteWithdraw(ctx context.Context, q *model.Quote, pair common.Address, pool fetch.PairState, state fetch.VaultState) error {
	req, vault := q.Request, q.Vault
	idx, _ := lpIndex(vault, req.OutputToken)
	target, other := vault.LPTokens[idx], vault.LPTokens[1-idx]

	lp, err := wantFor(s.ID(), state, req.InputAmount)
	if err != nil {
		return err
	}
	if lp.IsZero() {
		return &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "withdrawal redeems nothing"}
	}

	rTarget, rOther := pool.Oriented(target.Address)
	amtTarget, amtOther, err := amm.LPTokensRedeemed(lp, pool.TotalSupply, rTarget, rOther)
	if err != nil {
		return classify(s.ID(), err)
	}
	legTarget := model.LiquidityLeg{Token: target, Amount: amtTarget, Min: amm.ApplySlippage(amtTarget, req.MaxSlippageBps)}
	legOther := model.LiquidityLeg{Token: other, Amount: amtOther, Min: amm.ApplySlippage(amtOther, req.MaxSlippageBps)}

	// the swap leg runs on the same pool after the removal, so a removal that takes a
	// whole reserve leaves nothing to swap into
	if !amtTarget.Lt(rTarget) || !amtOther.Lt(rOther) {
		return &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "withdrawal would empty the pool before the swap leg"}
	}

	// getAmountsOut prices against the pool as it is now; the other modes price against
	// the reserves left after the removal
	rIn, rOut := rOther, rTarget
	if s.entry.WithdrawEstimateMode != model.EstimateGetAmountsOut {
		rIn = new(uint256.Int).Sub(rOther, amtOther)
		rOut = new(uint256.Int).Sub(rTarget, amtTarget)
	}
	fee := s.entry.WithdrawFee()

	fullSwap, err := priceSwap(other, target, amtOther, rIn, rOut, vault.Stable, fee)
	if err != nil {
		return classify(s.ID(), err)
	}
	swapOut, err := priceSwap(other, target, legOther.Min, rIn, rOut, vault.Stable, fee)
	if err != nil {
		return classify(s.ID(), err)
	}
	hop := model.Hop{
		AmmID:             s.entry.ID,
		Pair:              pair,
		Stable:            vault.Stable,
		TokenIn:           other,
		TokenOut:          target,
		AmountIn:          legOther.Min.Clone(),
		ExpectedAmountOut: swapOut,
		MinAmountOut:      amm.ApplySlippage(swapOut, req.MaxSlippageBps),
	}

	q.Route = []model.Hop{hop}
	q.Legs = []model.LiquidityLeg{legTarget, legOther}
	q.Position = lp
	q.OutputAmount = new(uint256.Int).Add(amtTarget, fullSwap)
	q.MinOutputAmount = new(uint256.Int).Add(legTarget.Min, hop.MinAmountOut)
	if q.MinOutputAmount.IsZero() {
		return &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "withdrawal yields nothing"}
	}

	lpApproval, err := s.env.approval(ctx, vault.Want, req.Wallet, s.entry.Router, lp)
	if err != nil {
		return classify(s.ID(), err)
	}
	swapApproval, err := s.env.approval(ctx, other, req.Wallet, s.entry.Router, hop.AmountIn)
	if err != nil {
		return classify(s.ID(), err)
	}
	q.Approvals = []model.Approval{lpApproval, swapApproval}
	return nil
}

func (s *LPBuildZap) BuildSteps(q *model.Quote) ([]model.Step, error) {
	if len(q.Legs) != 2 {
		return nil, fmt.Errorf("lp zap expects two liquidity legs, got %d", len(q.Legs))
	}
	if err := checkRoute(q.Route); err != nil {
		return nil, err
	}
	last := q.Route[len(q.Route)-1]
	a := contracts.LiquidityLeg{Token: q.Legs[0].Token.Address, Amount: q.Legs[0].Amount, Min: q.Legs[0].Min}
	b := contracts.LiquidityLeg{Token: q.Legs[1].Token.Address, Amount: q.Legs[1].Amount, Min: q.Legs[1].Min}
	wallet := q.Request.Wallet
	lpToken := q.Vault.Want
	l := newStepList(q)

	if q.Request.Direction == model.DirectionWithdraw {
		l.vaultWithdraw(q.Vault, q.Request.InputAmount, q.Position)
		l.approve(lpToken, s.entry.Router)
		data, err := contracts.RemoveLiquidityCall(s.entry.Kind, q.Vault.Stable, q.Position, a, b, wallet, l.deadline())
		l.add(model.Step{
			Kind:   model.StepRemoveLP,
			Target: s.entry.Router,
			Token:  lpToken,
			Amount: q.Position.Clone(),
			Effect: fmt.Sprintf("remove liquidity from %s/%s", q.Legs[0].Token, q.Legs[1].Token),
		}, data, err)
		l.swapRoute(s.entry, q.Route)
		return l.result()
	}

	l.swapRoute(s.entry, q.Route)
	l.approve(last.TokenOut, s.entry.Router)
	data, err := contracts.AddLiquidityCall(s.entry.Kind, q.Vault.Stable, a, b, wallet, l.deadline())
	l.add(model.Step{
		Kind:         model.StepBuildLP,
		Target:       s.entry.Router,
		Token:        lpToken,
		Amount:       q.Position.Clone(),
		MinAmountOut: q.Position.Clone(),
		Effect:       fmt.Sprintf("add liquidity to %s/%s", q.Legs[0].Token, q.Legs[1].Token),
	}, data, err)
	l.approve(lpToken, q.Vault.Address)
	l.vaultDeposit(q.Vault, q.Position)
	return l.result()
}
