package curve

import (
	"errors"
	"math/big"
)

// ErrNotConverged means the invariant solver hit its iteration cap. The
// caller must fail the whole operation; a stale or approximate price is
// never returned.
var ErrNotConverged = errors.New("invariant solver did not converge")

const (
	nCoins        = 2
	maxIterations = 255
)

var (
	one18  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	two18  = new(big.Int).Mul(big.NewInt(2), one18)
	ten10  = big.NewInt(10_000_000_000) // 1e10
	ten14  = big.NewInt(100_000_000_000_000)
	ten16  = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)
	aMult  = big.NewInt(10_000) // A_MULTIPLIER
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// geometricMean returns sqrt(x0*x1). Exact integer square root, so the
// result is deterministic across platforms.
func geometricMean(x0, x1 *big.Int) *big.Int {
	p := new(big.Int).Mul(x0, x1)
	return p.Sqrt(p)
}

// newtonD solves the 2-coin invariant for D given transformed balances.
// ann is A*N^N*A_MULTIPLIER, gamma is 1e18-scaled. Damped Newton with a
// hard iteration cap; convergence when |ΔD|*1e14 <= max(1e16, D).
func newtonD(ann, gamma *big.Int, x0, x1 *big.Int) (*big.Int, error) {
	if x0.Sign() <= 0 || x1.Sign() <= 0 {
		return nil, ErrNotConverged
	}
	// Sort so x0 >= x1.
	if x0.Cmp(x1) < 0 {
		x0, x1 = x1, x0
	}

	d := new(big.Int).Mul(bigTwo, geometricMean(x0, x1))
	s := new(big.Int).Add(x0, x1)

	for i := 0; i < maxIterations; i++ {
		dPrev := new(big.Int).Set(d)

		// K0 = 1e18 * N^N * x0 * x1 / D^2
		k0 := new(big.Int).Mul(one18, big.NewInt(nCoins*nCoins))
		k0.Mul(k0, x0)
		k0.Quo(k0, d)
		k0.Mul(k0, x1)
		k0.Quo(k0, d)

		// g1k0 = |gamma + 1e18 - K0| + 1
		g1k0 := new(big.Int).Add(gamma, one18)
		g1k0.Sub(g1k0, k0)
		g1k0.Abs(g1k0)
		g1k0.Add(g1k0, bigOne)

		// mul1 = 1e18 * D / gamma * g1k0 / gamma * g1k0 * A_MULT / ann
		mul1 := new(big.Int).Mul(one18, d)
		mul1.Quo(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Quo(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Mul(mul1, aMult)
		mul1.Quo(mul1, ann)

		// mul2 = (2e18) * N * K0 / g1k0
		mul2 := new(big.Int).Mul(two18, k0)
		mul2.Quo(mul2, g1k0)

		// negFprime = S + S*mul2/1e18 + mul1*N/K0 - mul2*D/1e18
		negFprime := new(big.Int).Set(s)
		t := new(big.Int).Mul(s, mul2)
		t.Quo(t, one18)
		negFprime.Add(negFprime, t)
		t = new(big.Int).Mul(mul1, big.NewInt(nCoins))
		t.Quo(t, k0)
		negFprime.Add(negFprime, t)
		t = new(big.Int).Mul(mul2, d)
		t.Quo(t, one18)
		negFprime.Sub(negFprime, t)
		if negFprime.Sign() <= 0 {
			return nil, ErrNotConverged
		}

		// D = (D_plus - D_minus), damped when negative
		dPlus := new(big.Int).Add(negFprime, s)
		dPlus.Mul(d, dPlus)
		dPlus.Quo(dPlus, negFprime)

		dMinus := new(big.Int).Mul(d, d)
		dMinus.Quo(dMinus, negFprime)

		adj := new(big.Int).Mul(d, new(big.Int).Quo(mul1, negFprime))
		adj.Quo(adj, one18)
		if one18.Cmp(k0) > 0 {
			diff := new(big.Int).Sub(one18, k0)
			adj.Mul(adj, diff)
			adj.Quo(adj, k0)
			dMinus.Add(dMinus, adj)
		} else {
			diff := new(big.Int).Sub(k0, one18)
			adj.Mul(adj, diff)
			adj.Quo(adj, k0)
			dMinus.Sub(dMinus, adj)
		}

		if dPlus.Cmp(dMinus) > 0 {
			d.Sub(dPlus, dMinus)
		} else {
			d.Sub(dMinus, dPlus)
			d.Quo(d, bigTwo)
		}

		diff := new(big.Int).Sub(d, dPrev)
		diff.Abs(diff)
		diff.Mul(diff, ten14)
		if diff.Cmp(bigMax(ten16, d)) < 0 {
			return d, nil
		}
	}
	return nil, ErrNotConverged
}

// newtonY solves the invariant for the balance of one coin given the other
// and D. xOther is the transformed balance of the fixed coin.
func newtonY(ann, gamma *big.Int, xOther, d *big.Int) (*big.Int, error) {
	if xOther.Sign() <= 0 || d.Sign() <= 0 {
		return nil, ErrNotConverged
	}

	// y0 = D^2 / (x_other * N^2)
	y := new(big.Int).Mul(d, d)
	y.Quo(y, new(big.Int).Mul(xOther, big.NewInt(nCoins*nCoins)))

	// K0_i = 1e18 * N * x_other / D
	k0i := new(big.Int).Mul(one18, big.NewInt(nCoins))
	k0i.Mul(k0i, xOther)
	k0i.Quo(k0i, d)

	convLimit := bigMax(bigMax(new(big.Int).Quo(xOther, ten14), new(big.Int).Quo(d, ten14)), big.NewInt(100))

	for i := 0; i < maxIterations; i++ {
		yPrev := new(big.Int).Set(y)

		// K0 = K0_i * y * N / D
		k0 := new(big.Int).Mul(k0i, y)
		k0.Mul(k0, big.NewInt(nCoins))
		k0.Quo(k0, d)

		s := new(big.Int).Add(xOther, y)

		g1k0 := new(big.Int).Add(gamma, one18)
		g1k0.Sub(g1k0, k0)
		g1k0.Abs(g1k0)
		g1k0.Add(g1k0, bigOne)

		mul1 := new(big.Int).Mul(one18, d)
		mul1.Quo(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Quo(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Mul(mul1, aMult)
		mul1.Quo(mul1, ann)

		// mul2 = 1e18 + 2e18*K0/g1k0
		mul2 := new(big.Int).Mul(two18, k0)
		mul2.Quo(mul2, g1k0)
		mul2.Add(mul2, one18)

		yfprime := new(big.Int).Mul(one18, y)
		t := new(big.Int).Mul(s, mul2)
		yfprime.Add(yfprime, t)
		yfprime.Add(yfprime, mul1)

		dyfprime := new(big.Int).Mul(d, mul2)
		if yfprime.Cmp(dyfprime) < 0 {
			y.Quo(yPrev, bigTwo)
			continue
		}
		yfprime.Sub(yfprime, dyfprime)
		fprime := new(big.Int).Quo(yfprime, y)
		if fprime.Sign() <= 0 {
			return nil, ErrNotConverged
		}

		yMinus := new(big.Int).Quo(mul1, fprime)
		yPlus := new(big.Int).Mul(one18, d)
		yPlus.Add(yPlus, yfprime)
		yPlus.Quo(yPlus, fprime)
		t = new(big.Int).Mul(yMinus, one18)
		t.Quo(t, k0)
		yPlus.Add(yPlus, t)
		t = new(big.Int).Mul(one18, s)
		t.Quo(t, fprime)
		yMinus.Add(yMinus, t)

		if yPlus.Cmp(yMinus) < 0 {
			y.Quo(yPrev, bigTwo)
		} else {
			y.Sub(yPlus, yMinus)
		}

		diff := new(big.Int).Sub(y, yPrev)
		diff.Abs(diff)
		if diff.Cmp(bigMax(convLimit, new(big.Int).Quo(y, ten14))) < 0 {
			return y, nil
		}
	}
	return nil, ErrNotConverged
}

// halfpow returns 0.5^(power/1e18), 1e18-scaled, via the binomial series.
// Bounded at 255 terms.
func halfpow(power *big.Int) (*big.Int, error) {
	intPow := new(big.Int).Quo(power, one18)
	otherPow := new(big.Int).Sub(power, new(big.Int).Mul(intPow, one18))
	if intPow.Cmp(big.NewInt(59)) > 0 {
		return new(big.Int), nil
	}
	result := new(big.Int).Quo(one18, new(big.Int).Lsh(bigOne, uint(intPow.Int64())))
	if otherPow.Sign() == 0 {
		return result, nil
	}

	term := new(big.Int).Set(one18)
	x := new(big.Int).Quo(one18, bigTwo) // 0.5
	s := new(big.Int).Set(one18)
	neg := false

	for i := int64(1); i < 256; i++ {
		k := new(big.Int).Mul(big.NewInt(i), one18)
		c := new(big.Int).Sub(k, one18)
		if otherPow.Cmp(c) > 0 {
			c.Sub(otherPow, c)
			neg = !neg
		} else {
			c.Sub(c, otherPow)
		}
		term.Mul(term, new(big.Int).Quo(new(big.Int).Mul(c, x), one18))
		term.Quo(term, k)
		if neg {
			s.Sub(s, term)
		} else {
			s.Add(s, term)
		}
		if term.Cmp(ten10) < 0 {
			result.Mul(result, s)
			return result.Quo(result, one18), nil
		}
	}
	return nil, ErrNotConverged
}

func bigMax(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
