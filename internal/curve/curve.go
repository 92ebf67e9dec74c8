package curve

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrPriceUnavailable wraps solver failures: the trade must fail rather
	// than execute at an approximate price.
	ErrPriceUnavailable = errors.New("price unavailable")

	ErrEmptyTrade        = errors.New("zero-size trade")
	ErrDrainedPool       = errors.New("trade would drain the pool")
	ErrInvariantDecrease = errors.New("invariant would decrease on add")
	ErrInsufficientShare = errors.New("dToken amount exceeds supply")
)

// Direction of a taker trade against the curve.
type Direction int

const (
	Long  Direction = iota // buy base, pay quote
	Short                  // sell base, receive quote
)

func (d Direction) String() string {
	if d == Long {
		return "Long"
	}
	return "Short"
}

// Config holds the immutable curve parameters.
type Config struct {
	A     *big.Int // amplification, pre-multiplied: A * N^N * 10000
	Gamma *big.Int // 1e18-scaled

	MidFee   int64 // 1e10-scaled, charged at perfect balance
	OutFee   int64 // 1e10-scaled, charged at full imbalance
	FeeGamma int64 // 1e10-scaled skew sensitivity

	AdjustmentStep     *big.Int // 1e18, min relative repeg move
	AllowedExtraProfit *big.Int // 1e18, profit buffer before repegging
	MAHalfTimeSecs     int64    // EMA half-life for the price oracle
}

// DefaultConfig mirrors the reference deployment for a crypto pair.
func DefaultConfig() Config {
	return Config{
		A:                  big.NewInt(400_000),
		Gamma:              big.NewInt(145_000_000_000_000), // 0.000145
		MidFee:             5_000_000,                       // 0.05%
		OutFee:             50_000_000,                      // 0.5%
		FeeGamma:           230_000_000,                     // 0.023
		AdjustmentStep:     big.NewInt(146_000_000_000),     // 0.000000146
		AllowedExtraProfit: big.NewInt(2_000_000_000),       // 2e-9
		MAHalfTimeSecs:     600,
	}
}

// Curve is a two-asset concentrated-liquidity invariant pool. Coin 0 is the
// quote asset, coin 1 the base asset. Internal balances are 1e18-scaled;
// the external quote surface is 1e6-scaled. The invariant D reconciles with
// balances and priceScale at every return from a mutating call.
type Curve struct {
	cfg Config

	balances [2]*big.Int // [quote, base], 1e18
	d        *big.Int

	priceScale  *big.Int // 1e18 quote per base
	priceOracle *big.Int // EMA of lastPrices
	lastPrices  *big.Int
	lastPriceTS int64

	xcpProfit    *big.Int // 1e18, accumulated pool profit
	virtualPrice *big.Int // 1e18
	totalSupply  *big.Int // dToken, 1e18
}

// quote 1e6 <-> internal 1e18
var quoteLift = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

// New creates an empty curve pegged at initialPrice (1e6).
func New(cfg Config, initialPrice int64, now int64) *Curve {
	p := new(big.Int).Mul(big.NewInt(initialPrice), quoteLift)
	return &Curve{
		cfg:          cfg,
		balances:     [2]*big.Int{new(big.Int), new(big.Int)},
		d:            new(big.Int),
		priceScale:   p,
		priceOracle:  new(big.Int).Set(p),
		lastPrices:   new(big.Int).Set(p),
		lastPriceTS:  now,
		xcpProfit:    new(big.Int).Set(one18),
		virtualPrice: new(big.Int).Set(one18),
		totalSupply:  new(big.Int),
	}
}

// feeRate returns the dynamic fee (1e10) for the given transformed balances,
// blending mid and out fee by the pool's distance from perfect balance.
func (c *Curve) feeRate(x0, x1 *big.Int) int64 {
	sum := new(big.Int).Add(x0, x1)
	if sum.Sign() == 0 {
		return c.cfg.MidFee
	}
	// B = N^N * x0*x1 / sum^2, 1e18-scaled: 1e18 at balance, ->0 at skew
	b := new(big.Int).Mul(big.NewInt(nCoins*nCoins), x0)
	b.Mul(b, one18)
	b.Quo(b, sum)
	b.Mul(b, x1)
	b.Quo(b, sum)

	fg := new(big.Int).Mul(big.NewInt(c.cfg.FeeGamma), big.NewInt(100_000_000)) // 1e10 -> 1e18
	den := new(big.Int).Add(fg, one18)
	den.Sub(den, b)
	f := new(big.Int).Mul(fg, one18)
	f.Quo(f, den) // 1e18, ->1e18 at balance

	rate := new(big.Int).Mul(big.NewInt(c.cfg.MidFee), f)
	out := new(big.Int).Sub(one18, f)
	out.Mul(out, big.NewInt(c.cfg.OutFee))
	rate.Add(rate, out)
	rate.Quo(rate, one18)
	return rate.Int64()
}

// swapResult is the outcome of pricing a taker trade.
type swapResult struct {
	quoteInternal *big.Int // 1e18, ex-fee
	feeInternal   *big.Int // 1e18
	newQuoteBal   *big.Int
	newBaseBal    *big.Int
	execPrice     *big.Int // 1e18 quote per base
}

// priceSwap solves the invariant for a signed base trade without mutating
// state. size is positive, 1e18.
func (c *Curve) priceSwap(dir Direction, size *big.Int) (*swapResult, error) {
	if size.Sign() <= 0 {
		return nil, ErrEmptyTrade
	}
	var newBase *big.Int
	if dir == Long {
		newBase = new(big.Int).Sub(c.balances[1], size)
		if newBase.Sign() <= 0 {
			return nil, ErrDrainedPool
		}
	} else {
		newBase = new(big.Int).Add(c.balances[1], size)
	}

	xBase := new(big.Int).Mul(newBase, c.priceScale)
	xBase.Quo(xBase, one18)

	newQuote, err := newtonY(c.cfg.A, c.cfg.Gamma, xBase, c.d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	var dq *big.Int
	if dir == Long {
		// Trader pays quote; round the pool's credit up.
		dq = new(big.Int).Sub(newQuote, c.balances[0])
		dq.Add(dq, bigOne)
	} else {
		dq = new(big.Int).Sub(c.balances[0], newQuote)
		dq.Sub(dq, bigOne)
	}
	if dq.Sign() <= 0 {
		return nil, fmt.Errorf("%w: degenerate quote", ErrPriceUnavailable)
	}

	x0 := new(big.Int).Set(newQuote)
	rate := c.feeRate(x0, xBase)
	fee := new(big.Int).Mul(dq, big.NewInt(rate))
	fee.Quo(fee, ten10)

	exec := new(big.Int).Mul(dq, one18)
	exec.Quo(exec, size)

	return &swapResult{
		quoteInternal: dq,
		feeInternal:   fee,
		newQuoteBal:   newQuote,
		newBaseBal:    newBase,
		execPrice:     exec,
	}, nil
}

// Quote prices a trade of `size` base units (1e18, positive) without
// touching state. The quote amount is what actually moves against the
// trader: cost including the curve fee for a long, proceeds net of the fee
// for a short. All returns are 1e6-scaled.
func (c *Curve) Quote(dir Direction, size *big.Int) (quote, fee, instPrice int64, err error) {
	res, err := c.priceSwap(dir, size)
	if err != nil {
		return 0, 0, 0, err
	}
	net := new(big.Int)
	if dir == Long {
		net.Add(res.quoteInternal, res.feeInternal)
	} else {
		net.Sub(res.quoteInternal, res.feeInternal)
	}
	return internalToQuote(net), internalToQuote(res.feeInternal), internalToQuote(res.execPrice), nil
}

// Exec performs the state-changing counterpart of Quote: applies the swap,
// keeps the fee in the pool for the makers, records the trade price, and
// updates the EMA oracle and (when profitable) the price scale.
func (c *Curve) Exec(now int64, dir Direction, size *big.Int) (quote, fee, instPrice int64, err error) {
	res, err := c.priceSwap(dir, size)
	if err != nil {
		return 0, 0, 0, err
	}

	newQuote := new(big.Int).Set(res.newQuoteBal)
	if dir == Long {
		// Trader pays dq + fee; the fee stays on the quote side.
		newQuote.Add(newQuote, res.feeInternal)
		quote = internalToQuote(new(big.Int).Add(res.quoteInternal, res.feeInternal))
	} else {
		// Trader receives dq - fee.
		newQuote.Add(newQuote, res.feeInternal)
		paid := new(big.Int).Sub(res.quoteInternal, res.feeInternal)
		quote = internalToQuote(paid)
	}

	tw, err := c.stageTweak(now, res.execPrice, newQuote, res.newBaseBal)
	if err != nil {
		return 0, 0, 0, err
	}
	c.balances[0] = newQuote
	c.balances[1] = res.newBaseBal
	c.applyTweak(tw)
	return quote, internalToQuote(res.feeInternal), internalToQuote(res.execPrice), nil
}

// curveTweak is the staged outcome of a post-trade oracle and repeg pass.
// Exec applies it together with the new balances only once every solver
// call has succeeded, so a non-converging solve leaves the pool untouched
// and D always reconciles with the stored balances.
type curveTweak struct {
	priceOracle  *big.Int
	lastPriceTS  int64
	lastPrices   *big.Int
	d            *big.Int
	virtualPrice *big.Int
	priceScale   *big.Int
	xcpProfit    *big.Int
}

// stageTweak computes lastPrices, the EMA oracle, profit counters, and a
// repeg of priceScale toward the oracle when accumulated profit covers the
// repeg cost. Value never leaks to the caller forcing the repeg. All math
// runs against the candidate post-trade balances; nothing on the curve is
// mutated.
func (c *Curve) stageTweak(now int64, lastPrice, newQuote, newBase *big.Int) (*curveTweak, error) {
	tw := &curveTweak{
		priceOracle:  c.priceOracle,
		lastPriceTS:  c.lastPriceTS,
		lastPrices:   new(big.Int).Set(lastPrice),
		d:            c.d,
		virtualPrice: c.virtualPrice,
		priceScale:   c.priceScale,
		xcpProfit:    c.xcpProfit,
	}
	if now > c.lastPriceTS && c.cfg.MAHalfTimeSecs > 0 {
		dt := now - c.lastPriceTS
		power := new(big.Int).Mul(big.NewInt(dt), one18)
		power.Quo(power, big.NewInt(c.cfg.MAHalfTimeSecs))
		alpha, err := halfpow(power)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
		}
		// oracle = last*(1-alpha) + oracle*alpha
		o := new(big.Int).Mul(c.lastPrices, new(big.Int).Sub(one18, alpha))
		o.Add(o, new(big.Int).Mul(c.priceOracle, alpha))
		o.Quo(o, one18)
		tw.priceOracle = o
		tw.lastPriceTS = now
	}

	x1 := new(big.Int).Mul(newBase, c.priceScale)
	x1.Quo(x1, one18)
	dUnadjusted, err := newtonD(c.cfg.A, c.cfg.Gamma, newQuote, x1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	if c.totalSupply.Sign() == 0 {
		tw.d = dUnadjusted
		return tw, nil
	}

	oldVP := c.virtualPrice
	vp := c.virtualPriceFor(dUnadjusted, c.priceScale)

	if oldVP.Sign() > 0 {
		tw.xcpProfit = new(big.Int).Quo(new(big.Int).Mul(c.xcpProfit, vp), oldVP)
	}

	// Repeg only if profit allows: 2*vp - 1 > xcpProfit + 2*buffer.
	threshold := new(big.Int).Add(tw.xcpProfit, new(big.Int).Mul(bigTwo, c.cfg.AllowedExtraProfit))
	gain := new(big.Int).Mul(bigTwo, vp)
	gain.Sub(gain, one18)
	if gain.Cmp(threshold) > 0 {
		// norm = |priceOracle/priceScale - 1|, 1e18
		norm := new(big.Int).Mul(tw.priceOracle, one18)
		norm.Quo(norm, c.priceScale)
		norm.Sub(norm, one18)
		norm.Abs(norm)

		if norm.Cmp(c.cfg.AdjustmentStep) > 0 {
			// pNew = (priceScale*(norm-step) + step*priceOracle) / norm
			step := c.cfg.AdjustmentStep
			pNew := new(big.Int).Mul(c.priceScale, new(big.Int).Sub(norm, step))
			pNew.Add(pNew, new(big.Int).Mul(step, tw.priceOracle))
			pNew.Quo(pNew, norm)

			xb := new(big.Int).Mul(newBase, pNew)
			xb.Quo(xb, one18)
			dNew, err := newtonD(c.cfg.A, c.cfg.Gamma, newQuote, xb)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
			}
			vpNew := c.virtualPriceFor(dNew, pNew)

			accept := new(big.Int).Mul(bigTwo, vpNew)
			accept.Sub(accept, one18)
			if vpNew.Cmp(one18) > 0 && accept.Cmp(tw.xcpProfit) > 0 {
				tw.priceScale = pNew
				tw.d = dNew
				tw.virtualPrice = vpNew
				return tw, nil
			}
		}
	}

	tw.d = dUnadjusted
	tw.virtualPrice = vp
	return tw, nil
}

func (c *Curve) applyTweak(tw *curveTweak) {
	c.priceOracle = tw.priceOracle
	c.lastPriceTS = tw.lastPriceTS
	c.lastPrices = tw.lastPrices
	c.d = tw.d
	c.virtualPrice = tw.virtualPrice
	c.priceScale = tw.priceScale
	c.xcpProfit = tw.xcpProfit
}

// virtualPriceFor computes 1e18 * xcp / totalSupply for a given invariant
// and price scale.
func (c *Curve) virtualPriceFor(d, priceScale *big.Int) *big.Int {
	// xp at equilibrium: [D/2, D*1e18/(2*priceScale)]
	half := new(big.Int).Quo(d, bigTwo)
	other := new(big.Int).Mul(d, one18)
	other.Quo(other, new(big.Int).Mul(bigTwo, priceScale))
	xcp := geometricMean(half, other)
	vp := new(big.Int).Mul(one18, xcp)
	return vp.Quo(vp, c.totalSupply)
}

// AddLiquidity deposits quoteAmount (1e6) plus the matching base amount at
// the current price scale, and mints dToken. D never decreases on add.
func (c *Curve) AddLiquidity(now int64, quoteAmount int64) (dToken, baseAmount *big.Int, err error) {
	if quoteAmount <= 0 {
		return nil, nil, ErrEmptyTrade
	}
	qi := quoteToInternal(quoteAmount)
	baseAmount = new(big.Int).Mul(qi, one18)
	baseAmount.Quo(baseAmount, c.priceScale)

	newQuote := new(big.Int).Add(c.balances[0], qi)
	newBase := new(big.Int).Add(c.balances[1], baseAmount)
	xb := new(big.Int).Mul(newBase, c.priceScale)
	xb.Quo(xb, one18)

	dNew, err := newtonD(c.cfg.A, c.cfg.Gamma, newQuote, xb)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	if c.totalSupply.Sign() == 0 {
		dToken = geometricMean(newQuote, xb)
	} else {
		if dNew.Cmp(c.d) < 0 {
			return nil, nil, ErrInvariantDecrease
		}
		dToken = new(big.Int).Sub(dNew, c.d)
		dToken.Mul(dToken, c.totalSupply)
		dToken.Quo(dToken, c.d)
	}
	if dToken.Sign() <= 0 {
		return nil, nil, ErrEmptyTrade
	}

	c.balances[0] = newQuote
	c.balances[1] = newBase
	c.d = dNew
	c.totalSupply = new(big.Int).Add(c.totalSupply, dToken)
	return dToken, baseAmount, nil
}

// RemoveLiquidity burns dToken and returns the proportional quote (1e6) and
// base (1e18) amounts. D is reduced proportionally, never beyond it.
func (c *Curve) RemoveLiquidity(now int64, dToken *big.Int) (quoteAmount int64, baseAmount *big.Int, err error) {
	if dToken.Sign() <= 0 {
		return 0, nil, ErrEmptyTrade
	}
	if dToken.Cmp(c.totalSupply) > 0 {
		return 0, nil, ErrInsufficientShare
	}

	qOut := new(big.Int).Mul(c.balances[0], dToken)
	qOut.Quo(qOut, c.totalSupply)
	bOut := new(big.Int).Mul(c.balances[1], dToken)
	bOut.Quo(bOut, c.totalSupply)
	// Round withdrawals down by one unit in the pool's favor.
	if qOut.Sign() > 0 {
		qOut.Sub(qOut, bigOne)
	}
	if bOut.Sign() > 0 {
		bOut.Sub(bOut, bigOne)
	}

	dCut := new(big.Int).Mul(c.d, dToken)
	dCut.Quo(dCut, c.totalSupply)

	c.balances[0] = new(big.Int).Sub(c.balances[0], qOut)
	c.balances[1] = new(big.Int).Sub(c.balances[1], bOut)
	c.d = new(big.Int).Sub(c.d, dCut)
	c.totalSupply = new(big.Int).Sub(c.totalSupply, dToken)

	return internalToQuote(qOut), bOut, nil
}

// MarkPrice returns the current trade price (1e6). Falls back to the price
// scale before any trade happens.
func (c *Curve) MarkPrice() int64 {
	if c.lastPrices.Sign() == 0 {
		return internalToQuote(c.priceScale)
	}
	return internalToQuote(c.lastPrices)
}

// OraclePrice returns the EMA price oracle (1e6).
func (c *Curve) OraclePrice() int64 {
	return internalToQuote(c.priceOracle)
}

// Reserves returns the current quote (1e6) and base (1e18) balances, used
// for TWAP snapshots and maker position derivation.
func (c *Curve) Reserves() (quote int64, base *big.Int) {
	return internalToQuote(c.balances[0]), new(big.Int).Set(c.balances[1])
}

// TotalSupply returns the outstanding dToken supply (1e18).
func (c *Curve) TotalSupply() *big.Int {
	return new(big.Int).Set(c.totalSupply)
}

// D returns the current invariant.
func (c *Curve) D() *big.Int {
	return new(big.Int).Set(c.d)
}

func quoteToInternal(q int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(q), quoteLift)
}

func internalToQuote(v *big.Int) int64 {
	return new(big.Int).Quo(v, quoteLift).Int64()
}
