package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

// SolidlyRoute is one element of a solidly router path
type SolidlyRoute struct {
	From   common.Address
	To     common.Address
	Stable bool
}

// ApproveCall encodes ERC20.approve(spender, amount)
func ApproveCall(spender common.Address, amount *uint256.Int) ([]byte, error) {
	return ERC20.Pack("approve", spender, toBig(amount))
}

// AllowanceCall encodes ERC20.allowance(owner, spender)
func AllowanceCall(owner, spender common.Address) ([]byte, error) {
	return ERC20.Pack("allowance", owner, spender)
}

// BalanceOfCall encodes ERC20.balanceOf(account)
func BalanceOfCall(account common.Address) ([]byte, error) {
	return ERC20.Pack("balanceOf", account)
}

// TotalSupplyCall encodes totalSupply(); the selector is shared by ERC20, pairs and vaults
func TotalSupplyCall() ([]byte, error) {
	return ERC20.Pack("totalSupply")
}

// GetReservesCall encodes pair.getReserves()
func GetReservesCall() ([]byte, error) {
	return Pair.Pack("getReserves")
}

// Token0Call encodes pair.token0()
func Token0Call() ([]byte, error) {
	return Pair.Pack("token0")
}

// VaultBalanceCall encodes vault.balance(), the want held by the vault and its strategy
func VaultBalanceCall() ([]byte, error) {
	return Vault.Pack("balance")
}

// SwapCall encodes a router swap along the route. Solidly routers take explicit
// (from, to, stable) legs, V2 routers an address path.
func SwapCall(kind model.AmmKind, route []model.Hop, amountIn, minOut *uint256.Int, to common.Address, deadline uint64) ([]byte, error) {
	if len(route) == 0 {
		return nil, fmt.Errorf("swap route is empty")
	}
	dl := new(big.Int).SetUint64(deadline)

	if kind == model.AmmStable {
		legs := make([]SolidlyRoute, len(route))
		for i, h := range route {
			legs[i] = SolidlyRoute{From: h.TokenIn.Address, To: h.TokenOut.Address, Stable: h.Stable}
		}
		return RouterSolidly.Pack("swapExactTokensForTokens", toBig(amountIn), toBig(minOut), legs, to, dl)
	}

	path := make([]common.Address, 0, len(route)+1)
	path = append(path, route[0].TokenIn.Address)
	for _, h := range route {
		path = append(path, h.TokenOut.Address)
	}
	return RouterV2.Pack("swapExactTokensForTokens", toBig(amountIn), toBig(minOut), path, to, dl)
}

// LiquidityLeg is one side of an addLiquidity/removeLiquidity call
type LiquidityLeg struct {
	Token  common.Address
	Amount *uint256.Int
	Min    *uint256.Int
}

// AddLiquidityCall encodes router.addLiquidity for either router flavour
func AddLiquidityCall(kind model.AmmKind, stable bool, a, b LiquidityLeg, to common.Address, deadline uint64) ([]byte, error) {
	dl := new(big.Int).SetUint64(deadline)
	if kind == model.AmmStable {
		return RouterSolidly.Pack("addLiquidity", a.Token, b.Token, stable,
			toBig(a.Amount), toBig(b.Amount), toBig(a.Min), toBig(b.Min), to, dl)
	}
	return RouterV2.Pack("addLiquidity", a.Token, b.Token,
		toBig(a.Amount), toBig(b.Amount), toBig(a.Min), toBig(b.Min), to, dl)
}

// RemoveLiquidityCall encodes router.removeLiquidity. a.Amount is ignored; liquidity is the LP amount burnt.
func RemoveLiquidityCall(kind model.AmmKind, stable bool, liquidity *uint256.Int, a, b LiquidityLeg, to common.Address, deadline uint64) ([]byte, error) {
	dl := new(big.Int).SetUint64(deadline)
	if kind == model.AmmStable {
		return RouterSolidly.Pack("removeLiquidity", a.Token, b.Token, stable,
			toBig(liquidity), toBig(a.Min), toBig(b.Min), to, dl)
	}
	return RouterV2.Pack("removeLiquidity", a.Token, b.Token,
		toBig(liquidity), toBig(a.Min), toBig(b.Min), to, dl)
}

// VaultDepositCall encodes vault.deposit(amount)
func VaultDepositCall(amount *uint256.Int) ([]byte, error) {
	return Vault.Pack("deposit", toBig(amount))
}

// VaultWithdrawCall encodes vault.withdraw(shares)
func VaultWithdrawCall(shares *uint256.Int) ([]byte, error) {
	return Vault.Pack("withdraw", toBig(shares))
}

// SupplyCall encodes pool.supply(asset, amount, onBehalfOf, 0)
func SupplyCall(asset common.Address, amount *uint256.Int, onBehalfOf common.Address) ([]byte, error) {
	return LendingPool.Pack("supply", asset, toBig(amount), onBehalfOf, uint16(0))
}

// LendingWithdrawCall encodes pool.withdraw(asset, amount, to)
func LendingWithdrawCall(asset common.Address, amount *uint256.Int, to common.Address) ([]byte, error) {
	return LendingPool.Pack("withdraw", asset, toBig(amount), to)
}

// ClaimAllRewardsCall encodes rewardsController.claimAllRewards(assets, to)
func ClaimAllRewardsCall(assets []common.Address, to common.Address) ([]byte, error) {
	return Rewards.Pack("claimAllRewards", assets, to)
}

// BridgeCall encodes bridge(token, amount, minAmountOut, dstChainId, recipient)
func BridgeCall(token common.Address, amount, minOut *uint256.Int, dstChain uint64, recipient common.Address) ([]byte, error) {
	return Bridge.Pack("bridge", token, toBig(amount), toBig(minOut), new(big.Int).SetUint64(dstChain), recipient)
}

// UnpackUint256 decodes a single uint256 return value
func UnpackUint256(contract abi.ABI, method string, data []byte) (*uint256.Int, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, out[0])
	}
	return fromBig(method, v)
}

// UnpackAddress decodes a single address return value
func UnpackAddress(contract abi.ABI, method string, data []byte) (common.Address, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("unpack %s: empty result", method)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unpack %s: unexpected type %T", method, out[0])
	}
	return addr, nil
}

// UnpackReserves decodes pair.getReserves() into (reserve0, reserve1)
func UnpackReserves(data []byte) (*uint256.Int, *uint256.Int, error) {
	out, err := Pair.Unpack("getReserves", data)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack getReserves: %w", err)
	}
	if len(out) < 2 {
		return nil, nil, fmt.Errorf("unpack getReserves: short result")
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("unpack getReserves: unexpected types %T, %T", out[0], out[1])
	}
	a, err := fromBig("getReserves", r0)
	if err != nil {
		return nil, nil, err
	}
	b, err := fromBig("getReserves", r1)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func fromBig(method string, v *big.Int) (*uint256.Int, error) {
	z, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("unpack %s: value overflows uint256", method)
	}
	return z, nil
}
