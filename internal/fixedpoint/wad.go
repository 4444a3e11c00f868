// Package fixedpoint implements 18-decimal ("wad") fixed-point arithmetic on
// big integers. One is exactly representable and every operation rounds
// toward zero.
package fixedpoint

import (
	"math/big"
	"time"
)

// Decimals is the number of fractional decimal digits of a wad.
const Decimals = 18

var one = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// One returns a fresh wad equal to 1.0.
func One() *big.Int {
	return new(big.Int).Set(one)
}

// FromFraction returns num/den as a wad. den must be non-zero.
func FromFraction(num, den int64) *big.Int {
	return Div(big.NewInt(num), big.NewInt(den))
}

// Mul returns a*b/1e18.
func Mul(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, one)
}

// Div returns a*1e18/b. b must be non-zero.
func Div(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, one)
	return out.Quo(out, b)
}

// ClosingFeeFraction returns Y = 1 - (1 - X)^2 where X is remaining/period,
// clamped to [0, 1]. Y is zero when period or remaining is not positive.
func ClosingFeeFraction(remaining, period time.Duration) *big.Int {
	if period <= 0 || remaining <= 0 {
		return new(big.Int)
	}
	if remaining > period {
		remaining = period
	}

	x := Div(big.NewInt(int64(remaining)), big.NewInt(int64(period)))
	oneMinusX := new(big.Int).Sub(one, x)
	sq := Mul(oneMinusX, oneMinusX)
	return sq.Sub(one, sq)
}

// ClosingFee returns ClosingFeeFraction(remaining, period) applied to premium.
func ClosingFee(premium *big.Int, remaining, period time.Duration) *big.Int {
	return Mul(ClosingFeeFraction(remaining, period), premium)
}
