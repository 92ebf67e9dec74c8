package fixed

import (
	"math/big"
)

// Scales used across the engine. Quote-asset amounts (margin, notional,
// fees) carry 6 decimals and fit in int64. Base-asset quantities and
// liquidity shares carry 18 decimals and are kept in big.Int because a
// size times a price overflows 64 bits.
const (
	QuoteDecimals = 6
	BaseDecimals  = 18

	QuoteScale int64 = 1_000_000 // 10^6
	RatioScale int64 = 1_000_000 // margin fractions, weights, fee rates
)

var (
	BaseScale = Pow10(18) // 10^18
	Precision = Pow10(18) // curve-internal precision
)

// Pow10 returns 10^n as a fresh big.Int.
func Pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// Big returns v as a fresh big.Int.
func Big(v int64) *big.Int {
	return big.NewInt(v)
}

// MulDiv computes a*b/den with truncation toward zero.
// den must be non-zero.
func MulDiv(a, b, den *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Quo(r, den)
}

// MulDivCeil computes a*b/den rounding away from zero on any remainder.
// Used where the protocol must round against the caller.
func MulDivCeil(a, b, den *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if m.Sign() != 0 {
		if (num.Sign() < 0) != (den.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

// BaseToQuote converts a signed base quantity (1e18) at price (1e6)
// into a signed quote amount (1e6). Truncates toward zero.
func BaseToQuote(size *big.Int, price int64) int64 {
	q := MulDiv(size, big.NewInt(price), BaseScale)
	return q.Int64()
}

// QuoteToBase converts a quote amount (1e6) at price (1e6) into a base
// quantity (1e18).
func QuoteToBase(quote int64, price int64) *big.Int {
	if price == 0 {
		return new(big.Int)
	}
	return MulDiv(big.NewInt(quote), BaseScale, big.NewInt(price))
}

// Abs returns |v| as a fresh big.Int.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Neg returns -v as a fresh big.Int.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(v)
}

// AbsI64 returns |v|.
func AbsI64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// MinI64 returns the smaller of a and b.
func MinI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MaxI64 returns the larger of a and b.
func MaxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ClampI64 bounds v to [-limit, limit]. limit must be >= 0.
func ClampI64(v, limit int64) int64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// CmpAbs compares |a| against |b|.
func CmpAbs(a, b *big.Int) int {
	return new(big.Int).Abs(a).CmpAbs(b)
}

// Min returns the smaller of a and b (fresh copy).
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b (fresh copy).
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// MulRatio applies a 1e6-scaled ratio to a quote amount, truncating.
func MulRatio(amount, ratio int64) int64 {
	r := MulDiv(big.NewInt(amount), big.NewInt(ratio), big.NewInt(RatioScale))
	return r.Int64()
}

// DivRatio returns amount*1e6/den, truncating. den must be non-zero.
func DivRatio(amount, den int64) int64 {
	r := MulDiv(big.NewInt(amount), big.NewInt(RatioScale), big.NewInt(den))
	return r.Int64()
}
