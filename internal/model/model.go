// Package model defines the core data structures of the zap quote engine.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is an ERC-20 reference on a specific chain.
// Decimals govern every fixed-point conversion for amounts of this token.
type Token struct {
	ChainID  uint64         `json:"chain_id"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol"`
}

// Equal reports whether both tokens point at the same contract on the same chain
func (t Token) Equal(o Token) bool {
	return t.ChainID == o.ChainID && t.Address == o.Address
}

func (t Token) String() string {
	if t.Symbol != "" {
		return fmt.Sprintf("%s@%d", t.Symbol, t.ChainID)
	}
	return fmt.Sprintf("%s@%d", t.Address.Hex(), t.ChainID)
}

// AmmKind selects the swap curve used by an AMM
type AmmKind string

const (
	AmmConstantProduct AmmKind = "constant-product"
	AmmStable          AmmKind = "stable"
)

// WithdrawEstimateMode describes how the router prices the swap leg of a withdrawal.
type WithdrawEstimateMode string

const (
	EstimateGetAmountOut        WithdrawEstimateMode = "getAmountOut"
	EstimateGetAmountsOut       WithdrawEstimateMode = "getAmountsOut"
	EstimateGetAmountOutWithFee WithdrawEstimateMode = "getAmountOutWithFee"
)

// ZapEntry is one AMM deployment on one chain. Entries are read-only after load.
type ZapEntry struct {
	ID           string         `json:"id"`
	ChainID      uint64         `json:"chain_id"`
	ZapAddress   common.Address `json:"zap_address"`
	Router       common.Address `json:"router"`
	Factory      common.Address `json:"factory"`
	PairInitHash common.Hash    `json:"pair_init_hash"`

	// LPProviderFee is a WAD (1e18) fraction in [0, 1e18)
	LPProviderFee *uint256.Int `json:"lp_provider_fee"`

	Kind                 AmmKind              `json:"kind"`
	WithdrawEstimateMode WithdrawEstimateMode `json:"withdraw_estimate_mode"`

	// WithdrawEstimateFee is only set for getAmountOutWithFee routers
	WithdrawEstimateFee *uint256.Int `json:"withdraw_estimate_fee,omitempty"`

	// Connectors are intermediate tokens tried when no direct pair serves a swap
	Connectors []Token `json:"connectors,omitempty"`
}

// WithdrawFee returns the fee used when estimating the swap leg of a withdrawal
func (e ZapEntry) WithdrawFee() *uint256.Int {
	if e.WithdrawEstimateMode == EstimateGetAmountOutWithFee && e.WithdrawEstimateFee != nil {
		return e.WithdrawEstimateFee
	}
	return e.LPProviderFee
}

// StrategyType identifies how a vault accepts deposits
type StrategyType string

const (
	StrategySingle  StrategyType = "single"
	StrategyLP      StrategyType = "lp"
	StrategyLending StrategyType = "lending"
	StrategyBridge  StrategyType = "bridge"
)

// Vault is a deposit target. ShareToken is the vault's own receipt token.
type Vault struct {
	ID             string         `json:"id"`
	ChainID        uint64         `json:"chain_id"`
	Address        common.Address `json:"address"`
	StrategyTypeID StrategyType   `json:"strategy_type_id"`
	Want           Token          `json:"want"`
	ShareToken     Token          `json:"share_token"`

	// LP vaults
	AmmID    string   `json:"amm_id,omitempty"`
	LPTokens [2]Token `json:"lp_tokens,omitempty"`
	Stable   bool     `json:"stable,omitempty"`

	// Lending vaults
	LendingPool       common.Address `json:"lending_pool,omitempty"`
	ReceiptToken      Token          `json:"receipt_token,omitempty"`
	RewardsController common.Address `json:"rewards_controller,omitempty"`
}

// DepositToken is the token vault.deposit() accepts. Lending vaults take the
// lending receipt token; every other vault takes its want.
func (v Vault) DepositToken() Token {
	if v.StrategyTypeID == StrategyLending {
		return v.ReceiptToken
	}
	return v.Want
}

// Shares is the vault's receipt token. Vaults that issue their own ERC-20 shares
// may omit ShareToken from config.
func (v Vault) Shares() Token {
	if v.ShareToken.Address != (common.Address{}) {
		return v.ShareToken
	}
	return Token{ChainID: v.ChainID, Address: v.Address, Decimals: 18, Symbol: v.ID}
}

// BridgeRoute moves one token between two chains for a flat basis-point fee.
type BridgeRoute struct {
	ID        string         `json:"id"`
	FromChain uint64         `json:"from_chain"`
	ToChain   uint64         `json:"to_chain"`
	Bridge    common.Address `json:"bridge"`
	Token     Token          `json:"token"`
	DestToken Token          `json:"dest_token"`
	FeeBps    uint64         `json:"fee_bps"`
}

// Direction of value relative to the vault
type Direction string

const (
	DirectionDeposit  Direction = "deposit"
	DirectionWithdraw Direction = "withdraw"
)

// MaxBps is the basis point denominator
const MaxBps = 10_000

// QuoteRequest asks how to move InputAmount of InputToken into (or out of) a vault.
type QuoteRequest struct {
	VaultID        string         `json:"vault_id"`
	Wallet         common.Address `json:"wallet"`
	InputToken     Token          `json:"input_token"`
	OutputToken    Token          `json:"output_token"`
	InputAmount    *uint256.Int   `json:"input_amount"`
	Direction      Direction      `json:"direction"`
	MaxSlippageBps uint64         `json:"max_slippage_bps"`
}

// Validate checks the request shape before any strategy sees it
func (r QuoteRequest) Validate() error {
	if strings.TrimSpace(r.VaultID) == "" {
		return fmt.Errorf("vault id required")
	}
	if r.InputAmount == nil || r.InputAmount.IsZero() {
		return fmt.Errorf("input amount must be positive")
	}
	if r.Direction != DirectionDeposit && r.Direction != DirectionWithdraw {
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	if r.MaxSlippageBps >= MaxBps {
		return fmt.Errorf("max slippage %d bps out of range", r.MaxSlippageBps)
	}
	if r.InputToken.Equal(r.OutputToken) {
		return fmt.Errorf("input and output token are identical")
	}
	return nil
}

// Hop is one AMM traversal inside a route.
type Hop struct {
	AmmID             string         `json:"amm_id"`
	Pair              common.Address `json:"pair"`
	Stable            bool           `json:"stable"`
	TokenIn           Token          `json:"token_in"`
	TokenOut          Token          `json:"token_out"`
	AmountIn          *uint256.Int   `json:"amount_in"`
	ExpectedAmountOut *uint256.Int   `json:"expected_amount_out"`
	MinAmountOut      *uint256.Int   `json:"min_amount_out"`
}

// StepKind is the on-chain operation a Step performs
type StepKind string

const (
	StepApprove  StepKind = "approve"
	StepSwap     StepKind = "swap"
	StepBuildLP  StepKind = "buildLp"
	StepRemoveLP StepKind = "removeLp"
	StepDeposit  StepKind = "deposit"
	StepWithdraw StepKind = "withdraw"
	StepClaim    StepKind = "claim"
	StepBridge   StepKind = "bridge"
)

// Step is one on-chain call. Step i may assume step i-1 is confirmed.
type Step struct {
	Index          int            `json:"index"`
	Kind           StepKind       `json:"kind"`
	ChainID        uint64         `json:"chain_id"`
	Target         common.Address `json:"target"`
	Token          Token          `json:"token"`
	Amount         *uint256.Int   `json:"amount"`
	MinAmountOut   *uint256.Int   `json:"min_amount_out,omitempty"`
	Effect         string         `json:"effect"`
	DependsOnPrior bool           `json:"depends_on_prior"`
	Data           []byte         `json:"data"`
}

// Approval records an allowance the route needs and whether the wallet already has it.
type Approval struct {
	Token      Token          `json:"token"`
	Spender    common.Address `json:"spender"`
	Amount     *uint256.Int   `json:"amount"`
	Sufficient bool           `json:"sufficient"`
}

// LiquidityLeg is one pool token of a liquidity build or removal
type LiquidityLeg struct {
	Token  Token        `json:"token"`
	Amount *uint256.Int `json:"amount"`
	Min    *uint256.Int `json:"min"`
}

// Quote is the result of one strategy for one request. It is never mutated after
// the producing strategy returns it; re-quoting creates a new Quote.
//
// Steps that consume the output of an earlier step move that step's guaranteed minimum,
// so OutputAmount is what the route yields at quoted prices and MinOutputAmount is what
// the steps guarantee.
type Quote struct {
	ID              string       `json:"id"`
	StrategyID      string       `json:"strategy_id"`
	Request         QuoteRequest `json:"request"`
	Vault           Vault        `json:"vault"`
	OutputAmount    *uint256.Int `json:"output_amount"`
	MinOutputAmount *uint256.Int `json:"min_output_amount"`
	Route           []Hop        `json:"route"`
	Steps           []Step       `json:"steps"`
	Approvals       []Approval   `json:"approvals,omitempty"`
	FetchedAtBlock  uint64       `json:"fetched_at_block"`
	FetchedAt       time.Time    `json:"fetched_at"`
	Deadline        time.Time    `json:"deadline"`

	// Position is the amount of the vault's deposit token entering or leaving the vault
	Position *uint256.Int `json:"position,omitempty"`
	// Legs are the pool tokens of an LP build or removal
	Legs []LiquidityLeg `json:"legs,omitempty"`
	// Bridge is set for cross-chain routes
	Bridge *BridgeRoute `json:"bridge,omitempty"`
}

// StalenessWindow bounds how long a quote may be executed after it was fetched.
// A zero field disables that dimension.
type StalenessWindow struct {
	Blocks   uint64
	Duration time.Duration
}

// IsStale reports whether the quote fell outside the window relative to the given chain state
func (q *Quote) IsStale(currentBlock uint64, now time.Time, w StalenessWindow) bool {
	if w.Blocks > 0 && currentBlock > q.FetchedAtBlock && currentBlock-q.FetchedAtBlock > w.Blocks {
		return true
	}
	if w.Duration > 0 && now.Sub(q.FetchedAt) > w.Duration {
		return true
	}
	return false
}

// ChainID is the chain the quote starts on
func (q *Quote) ChainID() uint64 {
	return q.Request.InputToken.ChainID
}
