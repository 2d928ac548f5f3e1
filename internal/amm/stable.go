package amm

import (
	"math/big"

	"github.com/holiman/uint256"
)

// MaxNewtonIterations bounds the solver for the stable curve. It matches the loop bound of
// the solidly pair contract; the loop exits earlier once y moves by at most one unit.
const MaxNewtonIterations = 255

// StableSwapOutput prices a swap on a solidly-style stable pool (x³y + y³x = k).
//
// Reserves and the input are first normalised to 18 decimals, the fee is deducted from the
// input before the curve is applied, and y is solved with Newton's method exactly the way
// the pair contract does, so quotes round the same way as on-chain.
func StableSwapOutput(amountIn, reserveIn, reserveOut *uint256.Int, decimalsIn, decimalsOut uint8, fee *uint256.Int) (*uint256.Int, error) {
	if err := checkReserves(reserveIn, reserveOut); err != nil {
		return nil, err
	}
	if amountIn == nil {
		return nil, ErrInvalidAmount
	}
	if err := CheckFee(fee); err != nil {
		return nil, err
	}

	in := amountIn.ToBig()
	feeAmount := new(big.Int).Mul(in, fee.ToBig())
	feeAmount.Quo(feeAmount, wadBig)
	in.Sub(in, feeAmount)

	scaleIn := pow10(decimalsIn)
	scaleOut := pow10(decimalsOut)

	xy := stableK(reserveIn.ToBig(), reserveOut.ToBig(), scaleIn, scaleOut)
	rIn := normalise(reserveIn.ToBig(), scaleIn)
	rOut := normalise(reserveOut.ToBig(), scaleOut)
	in = normalise(in, scaleIn)

	y := solveY(new(big.Int).Add(in, rIn), xy, rOut)
	if y.Cmp(rOut) >= 0 {
		return new(uint256.Int), nil
	}
	dy := new(big.Int).Sub(rOut, y)
	dy.Mul(dy, scaleOut)
	dy.Quo(dy, wadBig)
	return fromBig(dy)
}

// StableZapSwapAmount splits a single-sided deposit into a stable pool. The price of the
// first half is measured on the curve and the input is divided so the two legs match the
// reserve ratio:
//
//	ratio = (out/half)·(reserveIn/reserveOut)   all normalised to 18 decimals
//	swap  = investment·1e18 / (ratio + 1e18)
func StableZapSwapAmount(investment, reserveIn, reserveOut *uint256.Int, decimalsIn, decimalsOut uint8, fee *uint256.Int) (*uint256.Int, error) {
	if investment == nil {
		return nil, ErrInvalidAmount
	}
	half := new(uint256.Int).Rsh(investment, 1)
	if half.IsZero() {
		return new(uint256.Int), nil
	}
	out, err := StableSwapOutput(half, reserveIn, reserveOut, decimalsIn, decimalsOut, fee)
	if err != nil {
		return nil, err
	}

	scaleIn := pow10(decimalsIn)
	scaleOut := pow10(decimalsOut)
	halfN := normalise(half.ToBig(), scaleIn)
	outN := normalise(out.ToBig(), scaleOut)
	rIn := normalise(reserveIn.ToBig(), scaleIn)
	rOut := normalise(reserveOut.ToBig(), scaleOut)
	if halfN.Sign() == 0 || rOut.Sign() == 0 {
		return half, nil
	}

	ratio := new(big.Int).Mul(outN, wadBig)
	ratio.Quo(ratio, halfN)
	ratio.Mul(ratio, rIn)
	ratio.Quo(ratio, rOut)

	swap := new(big.Int).Mul(investment.ToBig(), wadBig)
	swap.Quo(swap, ratio.Add(ratio, wadBig))
	return fromBig(swap)
}

// stableK is the curve invariant for normalised reserves: (x·y)·(x² + y²).
func stableK(x, y, scaleX, scaleY *big.Int) *big.Int {
	xn := normalise(x, scaleX)
	yn := normalise(y, scaleY)

	a := new(big.Int).Mul(xn, yn)
	a.Quo(a, wadBig)

	xx := new(big.Int).Mul(xn, xn)
	xx.Quo(xx, wadBig)
	yy := new(big.Int).Mul(yn, yn)
	yy.Quo(yy, wadBig)
	b := xx.Add(xx, yy)

	k := a.Mul(a, b)
	return k.Quo(k, wadBig)
}

// curveF evaluates x0·y³ + x0³·y with WAD truncation after every product.
func curveF(x0, y *big.Int) *big.Int {
	y3 := new(big.Int).Mul(y, y)
	y3.Quo(y3, wadBig)
	y3.Mul(y3, y)
	y3.Quo(y3, wadBig)
	left := y3.Mul(x0, y3)
	left.Quo(left, wadBig)

	x3 := new(big.Int).Mul(x0, x0)
	x3.Quo(x3, wadBig)
	x3.Mul(x3, x0)
	x3.Quo(x3, wadBig)
	right := x3.Mul(x3, y)
	right.Quo(right, wadBig)

	return left.Add(left, right)
}

// curveD is ∂f/∂y: 3·x0·y² + x0³.
func curveD(x0, y *big.Int) *big.Int {
	y2 := new(big.Int).Mul(y, y)
	y2.Quo(y2, wadBig)
	left := new(big.Int).Mul(three, x0)
	left.Mul(left, y2)
	left.Quo(left, wadBig)

	x3 := new(big.Int).Mul(x0, x0)
	x3.Quo(x3, wadBig)
	x3.Mul(x3, x0)
	x3.Quo(x3, wadBig)

	return left.Add(left, x3)
}

func solveY(x0, xy, y *big.Int) *big.Int {
	y = new(big.Int).Set(y)
	for i := 0; i < MaxNewtonIterations; i++ {
		prev := new(big.Int).Set(y)
		k := curveF(x0, y)
		d := curveD(x0, y)
		if d.Sign() == 0 {
			return y
		}
		if k.Cmp(xy) < 0 {
			dy := new(big.Int).Sub(xy, k)
			dy.Mul(dy, wadBig)
			dy.Quo(dy, d)
			y.Add(y, dy)
		} else {
			dy := new(big.Int).Sub(k, xy)
			dy.Mul(dy, wadBig)
			dy.Quo(dy, d)
			y.Sub(y, dy)
			if y.Sign() < 0 {
				y.SetInt64(0)
			}
		}
		diff := new(big.Int).Sub(y, prev)
		if diff.CmpAbs(big.NewInt(1)) <= 0 {
			return y
		}
	}
	return y
}

func normalise(v, scale *big.Int) *big.Int {
	out := new(big.Int).Mul(v, wadBig)
	return out.Quo(out, scale)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
