package strategy

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/amm"
	"github.com/yourorg/zap-quote-engine/internal/contracts"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// LendingDepositID identifies the lending market strategy
const LendingDepositID = "lending-deposit"

// LendingDeposit supplies the underlying asset to the vault's lending pool and deposits
// the receipt token. Receipt tokens track the underlying 1:1, so no price is involved.
type LendingDeposit struct {
	env Env
}

// NewLendingDeposit creates the strategy
func NewLendingDeposit(env Env) *LendingDeposit {
	return &LendingDeposit{env: env}
}

func (s *LendingDeposit) ID() string { return LendingDepositID }

func (s *LendingDeposit) Handles(t model.StrategyType) bool { return t == model.StrategyLending }

func (s *LendingDeposit) ChainID() uint64 { return 0 }

func (s *LendingDeposit) Supports(vault model.Vault, req model.QuoteRequest) bool {
	if vault.StrategyTypeID != model.StrategyLending || req.InputToken.ChainID != vault.ChainID {
		return false
	}
	switch req.Direction {
	case model.DirectionDeposit:
		return req.InputToken.Equal(vault.Want) && req.OutputToken.Equal(vault.Shares())
	case model.DirectionWithdraw:
		return req.InputToken.Equal(vault.Shares()) && req.OutputToken.Equal(vault.Want)
	}
	return false
}

func (s *LendingDeposit) Quote(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*model.Quote, error) {
	if !s.Supports(vault, req) {
		return nil, &model.UnsupportedRouteError{Strategy: s.ID(), Reason: "input is not the lending market asset"}
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

		supply, err := s.env.approval(ctx, vault.Want, req.Wallet, vault.LendingPool, req.InputAmount)
		if err != nil {
			return nil, classify(s.ID(), err)
		}
		deposit, err := s.env.approval(ctx, vault.ReceiptToken, req.Wallet, vault.Address, req.InputAmount)
		if err != nil {
			return nil, classify(s.ID(), err)
		}
		q.Approvals = []model.Approval{supply, deposit}

	case model.DirectionWithdraw:
		receipt, err := wantFor(s.ID(), state, req.InputAmount)
		if err != nil {
			return nil, err
		}
		if receipt.IsZero() {
			return nil, &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "withdrawal redeems nothing"}
		}
		q.Position = receipt
		q.OutputAmount = receipt.Clone()
		q.MinOutputAmount = amm.ApplySlippage(receipt, req.MaxSlippageBps)
	}

	steps, err := s.BuildSteps(q)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	q.Steps = steps
	return q, nil
}

func (s *LendingDeposit) BuildSteps(q *model.Quote) ([]model.Step, error) {
	vault, wallet := q.Vault, q.Request.Wallet
	l := newStepList(q)

	if q.Request.Direction == model.DirectionWithdraw {
		l.vaultWithdraw(vault, q.Request.InputAmount, q.Position)
		data, err := contracts.LendingWithdrawCall(vault.Want.Address, q.Position, wallet)
		l.add(model.Step{
			Kind:         model.StepWithdraw,
			Target:       vault.LendingPool,
			Token:        vault.ReceiptToken,
			Amount:       q.Position.Clone(),
			MinAmountOut: q.MinOutputAmount.Clone(),
			Effect:       fmt.Sprintf("redeem %s for %s", vault.ReceiptToken, vault.Want),
		}, data, err)
		if vault.RewardsController != (common.Address{}) {
			data, err := contracts.ClaimAllRewardsCall([]common.Address{vault.ReceiptToken.Address}, wallet)
			l.add(model.Step{
				Kind:   model.StepClaim,
				Target: vault.RewardsController,
				Token:  vault.ReceiptToken,
				Amount: new(uint256.Int),
				Effect: fmt.Sprintf("claim lending rewards on %s", vault.ReceiptToken),
			}, data, err)
		}
		return l.result()
	}

	l.approve(vault.Want, vault.LendingPool)
	data, err := contracts.SupplyCall(vault.Want.Address, q.Position, wallet)
	l.add(model.Step{
		Kind:         model.StepDeposit,
		Target:       vault.LendingPool,
		Token:        vault.Want,
		Amount:       q.Position.Clone(),
		MinAmountOut: q.Position.Clone(),
		Effect:       fmt.Sprintf("supply %s to the lending pool", vault.Want),
	}, data, err)
	l.approve(vault.ReceiptToken, vault.Address)
	l.vaultDeposit(vault, q.Position)
	return l.result()
}
