// Package amm implements the swap and liquidity math of the AMMs the engine routes through.
//
// Every function is pure and works on 256-bit unsigned integers with floor division, the
// way the pair contracts round. Intermediate products are computed with math/big because
// they can exceed 256 bits for legitimate inputs.
package amm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// WAD is the 1e18 fixed-point unit fees are expressed in
	WAD = uint256.NewInt(1_000_000_000_000_000_000)

	wadBig = WAD.ToBig()
	bpsBig = big.NewInt(10_000)
	three  = big.NewInt(3)

	ErrInvalidReserve = errors.New("invalid reserve")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidFee     = errors.New("invalid fee")
	ErrOverflow       = errors.New("uint256 overflow")
)

// InvalidReserveError is returned when a pool cannot be priced.
type InvalidReserveError struct {
	Reason string
}

func (e *InvalidReserveError) Error() string {
	return fmt.Sprintf("invalid reserve: %s", e.Reason)
}

func (e *InvalidReserveError) Is(target error) bool { return target == ErrInvalidReserve }

// SwapOutput prices a constant-product swap:
//
//	amountOut = amountIn·(1−fee)·reserveOut / (reserveIn + amountIn·(1−fee))
//
// fee is a WAD fraction. Numerator and denominator are both scaled by WAD so the result
// equals the router's 997/1000 form exactly.
func SwapOutput(amountIn, reserveIn, reserveOut, fee *uint256.Int) (*uint256.Int, error) {
	if err := checkReserves(reserveIn, reserveOut); err != nil {
		return nil, err
	}
	if amountIn == nil {
		return nil, ErrInvalidAmount
	}
	if err := CheckFee(fee); err != nil {
		return nil, err
	}

	inWithFee := new(big.Int).Mul(amountIn.ToBig(), new(big.Int).Sub(wadBig, fee.ToBig()))
	num := new(big.Int).Mul(inWithFee, reserveOut.ToBig())
	den := new(big.Int).Mul(reserveIn.ToBig(), wadBig)
	den.Add(den, inWithFee)

	return fromBig(num.Quo(num, den))
}

// Quote returns the amount of B worth amountA at the pool's current price, with no fee.
func Quote(amountA, reserveA, reserveB *uint256.Int) (*uint256.Int, error) {
	if err := checkReserves(reserveA, reserveB); err != nil {
		return nil, err
	}
	if amountA == nil {
		return nil, ErrInvalidAmount
	}
	out := new(big.Int).Mul(amountA.ToBig(), reserveB.ToBig())
	return fromBig(out.Quo(out, reserveA.ToBig()))
}

// LPTokensMinted applies the proportional-minimum rule of a pair's mint():
// min(amountA·totalSupply/reserveA, amountB·totalSupply/reserveB).
func LPTokensMinted(amountA, amountB, reserveA, reserveB, totalSupply *uint256.Int) (*uint256.Int, error) {
	if err := checkReserves(reserveA, reserveB); err != nil {
		return nil, err
	}
	if totalSupply == nil || totalSupply.IsZero() {
		return nil, &InvalidReserveError{Reason: "zero total supply"}
	}
	if amountA == nil || amountB == nil {
		return nil, ErrInvalidAmount
	}

	ts := totalSupply.ToBig()
	liqA := new(big.Int).Mul(amountA.ToBig(), ts)
	liqA.Quo(liqA, reserveA.ToBig())
	liqB := new(big.Int).Mul(amountB.ToBig(), ts)
	liqB.Quo(liqB, reserveB.ToBig())

	if liqA.Cmp(liqB) < 0 {
		return fromBig(liqA)
	}
	return fromBig(liqB)
}

// LPTokensRedeemed returns the proportional share of each reserve that lpAmount burns into.
func LPTokensRedeemed(lpAmount, totalSupply, reserveA, reserveB *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := checkReserves(reserveA, reserveB); err != nil {
		return nil, nil, err
	}
	if totalSupply == nil || totalSupply.IsZero() {
		return nil, nil, &InvalidReserveError{Reason: "zero total supply"}
	}
	if lpAmount == nil || lpAmount.Gt(totalSupply) {
		return nil, nil, ErrInvalidAmount
	}

	// lpAmount <= totalSupply so both shares fit in 256 bits
	lp, ts := lpAmount.ToBig(), totalSupply.ToBig()
	a := new(big.Int).Mul(lp, reserveA.ToBig())
	b := new(big.Int).Mul(lp, reserveB.ToBig())
	outA, _ := uint256.FromBig(a.Quo(a, ts))
	outB, _ := uint256.FromBig(b.Quo(b, ts))
	return outA, outB, nil
}

// ZapSwapAmount is the share of a single-sided deposit that must be swapped into the
// other pool token so the remainder and the proceeds match the pool ratio.
//
//	half  = investment/2
//	out   = SwapOutput(half)
//	ratio = Quote(half, reserveIn+half, reserveOut-out)
//	swap  = investment - sqrt(half·half·out/ratio)
func ZapSwapAmount(investment, reserveIn, reserveOut, fee *uint256.Int) (*uint256.Int, error) {
	if investment == nil {
		return nil, ErrInvalidAmount
	}
	half := new(uint256.Int).Rsh(investment, 1)
	if half.IsZero() {
		return new(uint256.Int), nil
	}
	out, err := SwapOutput(half, reserveIn, reserveOut, fee)
	if err != nil {
		return nil, err
	}
	reserveInAfter, overflow := new(uint256.Int).AddOverflow(reserveIn, half)
	if overflow {
		return nil, ErrOverflow
	}
	reserveOutAfter := new(uint256.Int).Sub(reserveOut, out)
	if reserveOutAfter.IsZero() {
		return nil, &InvalidReserveError{Reason: "swap drains reserve"}
	}
	denominator, err := Quote(half, reserveInAfter, reserveOutAfter)
	if err != nil {
		return nil, err
	}
	if denominator.IsZero() {
		return half, nil
	}

	h := half.ToBig()
	inner := new(big.Int).Mul(h, h)
	inner.Mul(inner, out.ToBig())
	inner.Quo(inner, denominator.ToBig())
	kept := new(big.Int).Sqrt(inner)

	swap := new(big.Int).Sub(investment.ToBig(), kept)
	if swap.Sign() < 0 {
		return half, nil
	}
	return fromBig(swap)
}

// ApplySlippage returns amount·(10000−bps)/10000, rounded down.
func ApplySlippage(amount *uint256.Int, bps uint64) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	if bps >= 10_000 {
		return new(uint256.Int)
	}
	out := new(big.Int).Mul(amount.ToBig(), new(big.Int).Sub(bpsBig, new(big.Int).SetUint64(bps)))
	out.Quo(out, bpsBig)
	// out <= amount, cannot overflow
	z, _ := uint256.FromBig(out)
	return z
}

// ApplyFeeBps deducts a flat basis-point fee, rounding the fee down.
func ApplyFeeBps(amount *uint256.Int, bps uint64) *uint256.Int {
	return ApplySlippage(amount, bps)
}

// CheckFee validates 0 <= fee < WAD
func CheckFee(fee *uint256.Int) error {
	if fee == nil {
		return fmt.Errorf("%w: missing", ErrInvalidFee)
	}
	if !fee.Lt(WAD) {
		return fmt.Errorf("%w: %s >= 1", ErrInvalidFee, FormatWAD(fee))
	}
	return nil
}

// ParseFee converts a decimal fraction such as "0.003" into WAD fixed point.
// Fractions that do not land on an integer WAD value are rejected rather than rounded.
func ParseFee(s string) (*uint256.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: cannot parse %q", ErrInvalidFee, s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative fee %q", ErrInvalidFee, s)
	}
	r.Mul(r, new(big.Rat).SetInt(wadBig))
	if !r.IsInt() {
		return nil, fmt.Errorf("%w: %q has more than 18 decimals", ErrInvalidFee, s)
	}
	fee, overflow := uint256.FromBig(r.Num())
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFee, s)
	}
	if err := CheckFee(fee); err != nil {
		return nil, err
	}
	return fee, nil
}

// FormatWAD renders a WAD fraction as a decimal string
func FormatWAD(v *uint256.Int) string {
	if v == nil {
		return "<nil>"
	}
	return new(big.Rat).SetFrac(v.ToBig(), wadBig).FloatString(18)
}

func checkReserves(a, b *uint256.Int) error {
	if a == nil || b == nil {
		return &InvalidReserveError{Reason: "missing reserve"}
	}
	if a.IsZero() || b.IsZero() {
		return &InvalidReserveError{Reason: "zero reserve"}
	}
	return nil
}

func fromBig(b *big.Int) (*uint256.Int, error) {
	if b.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	z, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}
