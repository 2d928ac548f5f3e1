package strategy

import (
	"context"
	"fmt"
	"sort"

	"github.com/yourorg/zap-quote-engine/internal/amm"
	"github.com/yourorg/zap-quote-engine/internal/contracts"
	"github.com/yourorg/zap-quote-engine/internal/model"
)

// BridgeAssistedID identifies the cross-chain strategy
const BridgeAssistedID = "bridge-assisted"

// BridgeLookup lists the configured bridge routes between two chains
type BridgeLookup interface {
	Bridges(fromChain, toChain uint64) []model.BridgeRoute
}

// BridgeAssisted deposits into a vault on another chain: the input is bridged to the
// vault's deposit token and deposited on arrival. Withdrawals are not bridged.
type BridgeAssisted struct {
	env     Env
	bridges BridgeLookup
}

// NewBridgeAssisted creates the strategy over the configured bridge routes
func NewBridgeAssisted(env Env, bridges BridgeLookup) *BridgeAssisted {
	return &BridgeAssisted{env: env, bridges: bridges}
}

func (s *BridgeAssisted) ID() string { return BridgeAssistedID }

func (s *BridgeAssisted) Handles(model.StrategyType) bool { return true }

func (s *BridgeAssisted) ChainID() uint64 { return 0 }

func (s *BridgeAssisted) Supports(vault model.Vault, req model.QuoteRequest) bool {
	if req.Direction != model.DirectionDeposit || req.InputToken.ChainID == vault.ChainID {
		return false
	}
	if !req.OutputToken.Equal(vault.Shares()) {
		return false
	}
	_, ok := s.route(vault, req.InputToken)
	return ok
}

// route picks the cheapest bridge delivering the vault's deposit token, ties broken by id
func (s *BridgeAssisted) route(vault model.Vault, input model.Token) (model.BridgeRoute, bool) {
	var candidates []model.BridgeRoute
	for _, r := range s.bridges.Bridges(input.ChainID, vault.ChainID) {
		if r.Token.Equal(input) && r.DestToken.Equal(vault.DepositToken()) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return model.BridgeRoute{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FeeBps != candidates[j].FeeBps {
			return candidates[i].FeeBps < candidates[j].FeeBps
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

func (s *BridgeAssisted) Quote(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*model.Quote, error) {
	if req.Direction != model.DirectionDeposit || req.InputToken.ChainID == vault.ChainID || !req.OutputToken.Equal(vault.Shares()) {
		return nil, &model.UnsupportedRouteError{Strategy: s.ID(), Reason: "only cross-chain deposits are bridged"}
	}
	route, ok := s.route(vault, req.InputToken)
	if !ok {
		return nil, &model.UnsupportedRouteError{
			Strategy: s.ID(),
			Reason:   fmt.Sprintf("no bridge from %s to %s", req.InputToken, vault.DepositToken()),
		}
	}

	block, err := s.env.Reader.BlockNumber(ctx, req.InputToken.ChainID)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	state, err := s.env.Reader.VaultState(ctx, vault)
	if err != nil {
		return nil, classify(s.ID(), err)
	}

	received := amm.ApplyFeeBps(req.InputAmount, route.FeeBps)
	minReceived := amm.ApplySlippage(received, req.MaxSlippageBps)
	if minReceived.IsZero() {
		return nil, &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "bridge fee consumes the whole input"}
	}

	q := s.env.newQuote(s.ID(), vault, req, block)
	q.Bridge = &route
	q.Position = minReceived
	q.OutputAmount = sharesFor(state, received)
	q.MinOutputAmount = sharesFor(state, minReceived)
	if q.MinOutputAmount.IsZero() {
		return nil, &model.InsufficientLiquidityError{Strategy: s.ID(), Reason: "deposit too small to mint a share"}
	}

	send, err := s.env.approval(ctx, req.InputToken, req.Wallet, route.Bridge, req.InputAmount)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	deposit, err := s.env.approval(ctx, route.DestToken, req.Wallet, vault.Address, minReceived)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	q.Approvals = []model.Approval{send, deposit}

	steps, err := s.BuildSteps(q)
	if err != nil {
		return nil, classify(s.ID(), err)
	}
	q.Steps = steps
	return q, nil
}

func (s *BridgeAssisted) BuildSteps(q *model.Quote) ([]model.Step, error) {
	if q.Bridge == nil {
		return nil, fmt.Errorf("quote %s carries no bridge route", q.ID)
	}
	route := *q.Bridge
	l := newStepList(q)

	l.approve(q.Request.InputToken, route.Bridge)
	data, err := contracts.BridgeCall(route.Token.Address, q.Request.InputAmount, q.Position, route.ToChain, q.Request.Wallet)
	l.add(model.Step{
		Kind:         model.StepBridge,
		ChainID:      route.FromChain,
		Target:       route.Bridge,
		Token:        route.Token,
		Amount:       q.Request.InputAmount.Clone(),
		MinAmountOut: q.Position.Clone(),
		Effect:       fmt.Sprintf("bridge %s to chain %d via %s", route.Token, route.ToChain, route.ID),
	}, data, err)
	l.approve(route.DestToken, q.Vault.Address)
	l.vaultDeposit(q.Vault, q.Position)
	return l.result()
}
