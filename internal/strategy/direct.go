package strategy

import (
	"context"

	"github.com/yourorg/zap-quote-engine/internal/amm"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// DirectDepositID identifies the direct vault strategy
const DirectDepositID = "direct-deposit"

// DirectDeposit moves the vault's own deposit token in or out with no swaps
type DirectDeposit struct {
	env Env
}

// NewDirectDeposit creates the strategy
func NewDirectDeposit(env Env) *DirectDeposit {
	return &DirectDeposit{env: env}
}

func (s *DirectDeposit) ID() string { return DirectDepositID }

func (s *DirectDeposit) Handles(model.StrategyType) bool { return true }

func (s *DirectDeposit) ChainID() uint64 { return 0 }

func (s *DirectDeposit) Supports(vault model.Vault, req model.QuoteRequest) bool {
	if req.InputToken.ChainID != vault.ChainID {
		return false
	}
	switch req.Direction {
	case model.DirectionDeposit:
		return req.InputToken.Equal(vault.DepositToken()) && req.OutputToken.Equal(vault.Shares())
	case model.DirectionWithdraw:
		return req.InputToken.Equal(vault.Shares()) && req.OutputToken.Equal(vault.DepositToken())
	}
	return false
}

func (s *DirectDeposit) Quote(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*model.Quote, error) {
	if !s.Supports(vault, req) {
		return nil, &model.UnsupportedRouteError{Strategy: s.ID(), Reason: "input is not the vault deposit or share token"}
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
	switch req.Direction {
	case model.DirectionDeposit:
		shares := sharesFor(state, req.InputAmount)
		if shares.IsZero() {
			return nil, &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "deposit too small to mint a share"}
		}
		q.Position = req.InputAmount.Clone()
		q.OutputAmount = shares
		q.MinOutputAmount = amm.ApplySlippage(shares, req.MaxSlippageBps)

		approval, err := s.env.approval(ctx, vault.DepositToken(), req.Wallet, vault.Address, req.InputAmount)
		if err != nil {
			return nil, classify(s.ID(), err)
		}
		q.Approvals = []model.Approval{approval}

	case model.DirectionWithdraw:
		want, err := wantFor(s.ID(), state, req.InputAmount)
		if err != nil {
			return nil, err
		}
		if want.IsZero() {
			return nil, &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "withdrawal redeems nothing"}
		}
		q.Position = want
		q.OutputAmount = want.Clone()
		q.MinOutputAmount = amm.ApplySlippage(want, req.MaxSlippageBps)
	}

	steps, err := s.BuildSteps(q)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	q.Steps = steps
	return q, nil
}

func (s *DirectDeposit) BuildSteps(q *model.Quote) ([]model.Step, error) {
	l := newStepList(q)
	if q.Request.Direction == model.DirectionWithdraw {
		l.vaultWithdraw(q.Vault, q.Request.InputAmount, q.MinOutputAmount)
		return l.result()
	}
	l.approve(q.Vault.DepositToken(), q.Vault.Address)
	l.vaultDeposit(q.Vault, q.Request.InputAmount)
	return l.result()
}
