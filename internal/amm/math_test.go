package amm

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func mustFee(t *testing.T, s string) *uint256.Int {
	t.Helper()
	fee, err := ParseFee(s)
	require.NoError(t, err)
	return fee
}

func TestSwapOutput_ReferenceScenario(t *testing.T) {
	fee := mustFee(t, "0.003")

	out, err := SwapOutput(u(1_000), u(100_000), u(50_000), fee)
	require.NoError(t, err)

	// 1000*997*50000 / (100000*1000 + 1000*997), floored
	num := new(big.Int).Mul(big.NewInt(1000*997), big.NewInt(50_000))
	den := big.NewInt(100_000*1000 + 1000*997)
	want := new(big.Int).Quo(num, den)

	assert.Equal(t, want.Uint64(), out.Uint64())
	assert.Equal(t, uint64(493), out.Uint64())
}

func TestSwapOutput_Properties(t *testing.T) {
	fees := []string{"0", "0.0005", "0.003", "0.01", "0.5", "0.999999"}
	reserves := [][2]uint64{
		{1_000, 1_000},
		{100_000, 50_000},
		{1 << 40, 7},
		{3, 1 << 50},
	}

	for _, f := range fees {
		fee := mustFee(t, f)
		for _, r := range reserves {
			rIn, rOut := u(r[0]), u(r[1])
			prev := new(uint256.Int)
			for _, in := range []uint64{0, 1, 10, 1_000, 1_000_000, 1 << 40, 1 << 62} {
				out, err := SwapOutput(u(in), rIn, rOut, fee)
				require.NoError(t, err)
				assert.True(t, out.Lt(rOut), "output must stay below reserveOut (fee=%s in=%d)", f, in)
				assert.False(t, out.Lt(prev), "output must not decrease with amountIn (fee=%s in=%d)", f, in)
				prev = out
			}
		}
	}
}

func TestSwapOutput_StrictlyIncreasingForMeaningfulSteps(t *testing.T) {
	fee := mustFee(t, "0.003")
	rIn := new(uint256.Int).Mul(u(1_000_000), WAD)
	rOut := new(uint256.Int).Mul(u(2_000_000), WAD)

	a, err := SwapOutput(WAD, rIn, rOut, fee)
	require.NoError(t, err)
	b, err := SwapOutput(new(uint256.Int).Mul(WAD, u(2)), rIn, rOut, fee)
	require.NoError(t, err)
	assert.True(t, a.Lt(b))
}

func TestSwapOutput_HandlesFull256BitRange(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	fee := mustFee(t, "0.003")

	out, err := SwapOutput(max, max, max, fee)
	require.NoError(t, err)
	assert.True(t, out.Lt(max))
	assert.False(t, out.IsZero())
}

func TestSwapOutput_InvalidInputs(t *testing.T) {
	fee := mustFee(t, "0.003")

	_, err := SwapOutput(u(1), u(0), u(10), fee)
	assert.ErrorIs(t, err, ErrInvalidReserve)

	_, err = SwapOutput(u(1), u(10), u(0), fee)
	var reserveErr *InvalidReserveError
	assert.True(t, errors.As(err, &reserveErr))

	_, err = SwapOutput(nil, u(10), u(10), fee)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = SwapOutput(u(1), u(10), u(10), WAD)
	assert.ErrorIs(t, err, ErrInvalidFee)
}

func TestLPRoundTrip(t *testing.T) {
	tests := []struct {
		name                      string
		amountA, amountB          uint64
		reserveA, reserveB, total uint64
	}{
		{"balanced pool", 1_000, 1_000, 50_000, 50_000, 50_000},
		{"skewed pool", 3_333, 6_666, 1_000_000, 2_000_000, 1_414_213},
		{"dust", 1, 2, 1_000, 2_000, 1_414},
		{"large supply", 123_456_789, 987_654_321, 1 << 40, 1 << 43, 1 << 44},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minted, err := LPTokensMinted(u(tt.amountA), u(tt.amountB), u(tt.reserveA), u(tt.reserveB), u(tt.total))
			require.NoError(t, err)

			a, b, err := LPTokensRedeemed(minted, u(tt.total), u(tt.reserveA), u(tt.reserveB))
			require.NoError(t, err)

			// the limiting side comes back within one unit, the other never exceeds what went in
			limitingA := new(uint256.Int).Sub(u(tt.amountA), a)
			limitingB := new(uint256.Int).Sub(u(tt.amountB), b)
			assert.False(t, a.Gt(u(tt.amountA)))
			assert.False(t, b.Gt(u(tt.amountB)))
			assert.True(t, !limitingA.Gt(u(1)) || !limitingB.Gt(u(1)),
				"one side must round-trip within one unit: a=%s b=%s", a, b)
		})
	}
}

func TestLPRoundTrip_ProportionalDepositReturnsBothSides(t *testing.T) {
	minted, err := LPTokensMinted(u(2_000), u(4_000), u(100_000), u(200_000), u(141_421))
	require.NoError(t, err)

	a, b, err := LPTokensRedeemed(minted, u(141_421), u(100_000), u(200_000))
	require.NoError(t, err)
	assert.LessOrEqual(t, 2_000-a.Uint64(), uint64(1))
	assert.LessOrEqual(t, 4_000-b.Uint64(), uint64(2))
}

func TestLPMath_InvalidInputs(t *testing.T) {
	_, err := LPTokensMinted(u(1), u(1), u(0), u(1), u(1))
	assert.ErrorIs(t, err, ErrInvalidReserve)

	_, err = LPTokensMinted(u(1), u(1), u(1), u(1), u(0))
	assert.ErrorIs(t, err, ErrInvalidReserve)

	_, _, err = LPTokensRedeemed(u(11), u(10), u(5), u(5))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = LPTokensRedeemed(u(1), u(10), u(5), u(0))
	assert.ErrorIs(t, err, ErrInvalidReserve)
}

func TestZapSwapAmount_BalancesLegs(t *testing.T) {
	fee := mustFee(t, "0.003")
	rIn := new(uint256.Int).Mul(u(1_000), WAD)
	rOut := new(uint256.Int).Mul(u(4_000), WAD)
	investment := new(uint256.Int).Mul(u(10), WAD)

	swap, err := ZapSwapAmount(investment, rIn, rOut, fee)
	require.NoError(t, err)

	pct := new(uint256.Int).Div(investment, u(100))
	assert.True(t, swap.Gt(new(uint256.Int).Mul(u(49), pct)))
	assert.True(t, swap.Lt(new(uint256.Int).Mul(u(51), pct)))

	out, err := SwapOutput(swap, rIn, rOut, fee)
	require.NoError(t, err)
	kept := new(uint256.Int).Sub(investment, swap)
	newIn := new(uint256.Int).Add(rIn, swap)
	newOut := new(uint256.Int).Sub(rOut, out)

	// leftover of each leg after adding liquidity at the post-swap ratio is tiny
	needOut, err := Quote(kept, newIn, newOut)
	require.NoError(t, err)
	diff := new(big.Int).Sub(needOut.ToBig(), out.ToBig())
	tolerance := new(big.Int).Quo(out.ToBig(), big.NewInt(10_000))
	assert.True(t, diff.CmpAbs(tolerance) <= 0, "legs differ by %s", diff)
}

func TestApplySlippage(t *testing.T) {
	assert.Equal(t, uint64(995), ApplySlippage(u(1_000), 50).Uint64())
	assert.Equal(t, uint64(999), ApplySlippage(u(1_000), 1).Uint64())
	assert.Equal(t, uint64(1_000), ApplySlippage(u(1_000), 0).Uint64())
	assert.True(t, ApplySlippage(u(1_000), 10_000).IsZero())
	assert.Equal(t, uint64(9), ApplySlippage(u(10), 50).Uint64(), "rounds down")
}

func TestParseFee(t *testing.T) {
	fee, err := ParseFee("0.003")
	require.NoError(t, err)
	assert.Equal(t, "3000000000000000", fee.ToBig().String())

	fee, err = ParseFee("0")
	require.NoError(t, err)
	assert.True(t, fee.IsZero())

	for _, bad := range []string{"1", "1.5", "-0.1", "abc", "0.0000000000000000001"} {
		_, err := ParseFee(bad)
		assert.ErrorIs(t, err, ErrInvalidFee, bad)
	}
}
