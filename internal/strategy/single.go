package strategy

import (
	"context"
	"fmt"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

// SingleAssetZap swaps into a single-token vault's want through one AMM, or out of it on
// withdrawal. The swap takes the direct pair or goes through one of the entry's connector
// tokens. One instance is registered per AMM entry.
type SingleAssetZap struct {
	env   Env
	entry model.ZapEntry
}

// NewSingleAssetZap binds the strategy to one AMM deployment
func NewSingleAssetZap(env Env, entry model.ZapEntry) *SingleAssetZap {
	return &SingleAssetZap{env: env, entry: entry}
}

func (s *SingleAssetZap) ID() string {
	return fmt.Sprintf("single-asset-zap/%s@%d", s.entry.ID, s.entry.ChainID)
}

func (s *SingleAssetZap) Handles(t model.StrategyType) bool { return t == model.StrategySingle }

func (s *SingleAssetZap) ChainID() uint64 { return s.entry.ChainID }

func (s *SingleAssetZap) Supports(vault model.Vault, req model.QuoteRequest) bool {
	if vault.ChainID != s.entry.ChainID || req.InputToken.ChainID != vault.ChainID || req.OutputToken.ChainID != vault.ChainID {
		return false
	}
	want := vault.DepositToken()
	switch req.Direction {
	case model.DirectionDeposit:
		return req.OutputToken.Equal(vault.Shares()) && !req.InputToken.Equal(want)
	case model.DirectionWithdraw:
		return req.InputToken.Equal(vault.Shares()) && !req.OutputToken.Equal(want)
	}
	return false
}

func (s *SingleAssetZap) Quote(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*model.Quote, error) {
	if !s.Supports(vault, req) {
		return nil, &model.UnsupportedRouteError{Strategy: s.ID(), Reason: "request does not zap through a foreign token"}
	}

	block, err := s.env.Reader.BlockNumber(ctx, vault.ChainID)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	state, err := s.env.Reader.VaultState(ctx, vault)
	if err != nil {
		return nil, classify(s.ID(), err)
	}

	q := s.env.newQuote(s.ID(), vault, req, block)
	want := vault.DepositToken()

	switch req.Direction {
	case model.DirectionDeposit:
		route, err := s.env.bestRoute(ctx, s.ID(), s.entry, req.InputToken, want, req.InputAmount, s.entry.LPProviderFee, req.MaxSlippageBps)
		if err != nil {
			return nil, err
		}
		last := route[len(route)-1]
		q.Route = route
		q.Position = last.MinAmountOut.Clone()
		q.OutputAmount = sharesFor(state, last.ExpectedAmountOut)
		q.MinOutputAmount = sharesFor(state, last.MinAmountOut)
		if q.MinOutputAmount.IsZero() {
			return nil, &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "deposit too small to mint a share"}
		}

		approvals, err := s.routeApprovals(ctx, req, route)
		if err != nil {
			return nil, err
		}
		dep, err := s.env.approval(ctx, want, req.Wallet, vault.Address, q.Position)
		if err != nil {
			return nil, classify(s.ID(), err)
		}
		q.Approvals = append(approvals, dep)

	case model.DirectionWithdraw:
		redeemed, err := wantFor(s.ID(), state, req.InputAmount)
		if err != nil {
			return nil, err
		}
		if redeemed.IsZero() {
			return nil, &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "withdrawal redeems nothing"}
		}
		route, err := s.env.bestRoute(ctx, s.ID(), s.entry, want, req.OutputToken, redeemed, s.entry.WithdrawFee(), req.MaxSlippageBps)
		if err != nil {
			return nil, err
		}
		last := route[len(route)-1]
		q.Route = route
		q.Position = redeemed
		q.OutputAmount = last.ExpectedAmountOut.Clone()
		q.MinOutputAmount = last.MinAmountOut.Clone()

		approvals, err := s.routeApprovals(ctx, req, route)
		if err != nil {
			return nil, err
		}
		q.Approvals = approvals
	}

	steps, err := s.BuildSteps(q)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	q.Steps = steps
	return q, nil
}

// routeApprovals checks the router allowance each hop spends
func (s *SingleAssetZap) routeApprovals(ctx context.Context, req model.QuoteRequest, route []model.Hop) ([]model.Approval, error) {
	approvals := make([]model.Approval, 0, len(route)+1)
	for _, hop := range route {
		a, err := s.env.approval(ctx, hop.TokenIn, req.Wallet, s.entry.Router, hop.AmountIn)
		if err != nil {
			return nil, classify(s.ID(), err)
		}
		approvals = append(approvals, a)
	}
	return approvals, nil
}

func (s *SingleAssetZap) BuildSteps(q *model.Quote) ([]model.Step, error) {
	if err := checkRoute(q.Route); err != nil {
		return nil, err
	}
	want := q.Vault.DepositToken()
	l := newStepList(q)

	if q.Request.Direction == model.DirectionWithdraw {
		l.vaultWithdraw(q.Vault, q.Request.InputAmount, q.Position)
		l.swapRoute(s.entry, q.Route)
		return l.result()
	}

	l.swapRoute(s.entry, q.Route)
	l.approve(want, q.Vault.Address)
	l.vaultDeposit(q.Vault, q.Position)
	return l.result()
}
