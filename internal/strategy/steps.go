package strategy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/contracts"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// stepList accumulates steps in order and remembers the first packing error
type stepList struct {
	quote *model.Quote
	steps []model.Step
	err   error
}

func newStepList(q *model.Quote) *stepList {
	return &stepList{quote: q}
}

func (l *stepList) add(step model.Step, data []byte, err error) {
	if l.err != nil {
		return
	}
	if err != nil {
		l.err = fmt.Errorf("encode %s step: %w", step.Kind, err)
		return
	}
	step.Index = len(l.steps)
	step.DependsOnPrior = step.Index > 0
	step.Data = data
	if step.ChainID == 0 {
		step.ChainID = l.quote.ChainID()
	}
	l.steps = append(l.steps, step)
}

// approve emits an approve step only when the quote recorded an insufficient allowance
func (l *stepList) approve(token model.Token, spender common.Address) {
	for _, a := range l.quote.Approvals {
		if !a.Token.Equal(token) || a.Spender != spender {
			continue
		}
		if a.Sufficient {
			return
		}
		data, err := contracts.ApproveCall(spender, a.Amount)
		l.add(model.Step{
			Kind:    model.StepApprove,
			ChainID: token.ChainID,
			Target:  token.Address,
			Token:   token,
			Amount:  a.Amount.Clone(),
			Effect:  fmt.Sprintf("approve %s to spend %s", spender.Hex(), token),
		}, data, err)
		return
	}
}

func (l *stepList) result() ([]model.Step, error) {
	if l.err != nil {
		return nil, l.err
	}
	if len(l.steps) == 0 {
		return nil, fmt.Errorf("quote %s produced no steps", l.quote.ID)
	}
	return l.steps, nil
}

func (l *stepList) deadline() uint64 {
	return uint64(l.quote.Deadline.Unix())
}

// checkRoute requires a non-empty route whose hops chain token to token on one chain
func checkRoute(route []model.Hop) error {
	if len(route) == 0 {
		return fmt.Errorf("route has no hops")
	}
	for i := 1; i < len(route); i++ {
		if !route[i].TokenIn.Equal(route[i-1].TokenOut) {
			return fmt.Errorf("hop %d starts at %s, hop %d ends at %s", i, route[i].TokenIn, i-1, route[i-1].TokenOut)
		}
	}
	return nil
}

// swap emits one router swap for a hop
func (l *stepList) swap(entry model.ZapEntry, hop model.Hop) {
	data, err := contracts.SwapCall(entry.Kind, []model.Hop{hop}, hop.AmountIn, hop.MinAmountOut, l.quote.Request.Wallet, l.deadline())
	l.add(model.Step{
		Kind:         model.StepSwap,
		ChainID:      hop.TokenIn.ChainID,
		Target:       entry.Router,
		Token:        hop.TokenIn,
		Amount:       hop.AmountIn.Clone(),
		MinAmountOut: hop.MinAmountOut.Clone(),
		Effect:       fmt.Sprintf("swap %s for %s on %s", hop.TokenIn, hop.TokenOut, entry.ID),
	}, data, err)
}

// swapRoute approves and swaps each hop in order
func (l *stepList) swapRoute(entry model.ZapEntry, route []model.Hop) {
	for _, hop := range route {
		l.approve(hop.TokenIn, entry.Router)
		l.swap(entry, hop)
	}
}

// vaultDeposit emits vault.deposit(amount)
func (l *stepList) vaultDeposit(vault model.Vault, amount *uint256.Int) {
	data, err := contracts.VaultDepositCall(amount)
	l.add(model.Step{
		Kind:    model.StepDeposit,
		ChainID: vault.ChainID,
		Target:  vault.Address,
		Token:   vault.DepositToken(),
		Amount:  amount.Clone(),
		Effect:  fmt.Sprintf("deposit %s into vault %s", vault.DepositToken(), vault.ID),
	}, data, err)
}

// vaultWithdraw emits vault.withdraw(shares)
func (l *stepList) vaultWithdraw(vault model.Vault, shares, minOut *uint256.Int) {
	data, err := contracts.VaultWithdrawCall(shares)
	l.add(model.Step{
		Kind:         model.StepWithdraw,
		ChainID:      vault.ChainID,
		Target:       vault.Address,
		Token:        vault.Shares(),
		Amount:       shares.Clone(),
		MinAmountOut: minOut,
		Effect:       fmt.Sprintf("withdraw %s from vault %s", vault.DepositToken(), vault.ID),
	}, data, err)
}
