package market

import (
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/curve"
	"PerpClear/internal/fixed"
)

var (
	ErrNoPosition  = errors.New("no open position")
	ErrNoLiquidity = errors.New("no maker liquidity")
)

// Market owns one synthetic market: its pricing curve, the per-trader
// position and maker-liquidity records, open-interest counters, the TWAP
// snapshot ring, and the cumulative funding-premium accumulator. Mutated
// only through the clearing house.
type Market struct {
	Name       string // e.g. "ETH-PERP"
	Underlying string // oracle asset, e.g. "ETH"

	curve     *curve.Curve
	positions map[common.Address]*Position
	makers    map[common.Address]*MakerLiquidity

	longOpenInterest  *big.Int // Σ long sizes, 1e18
	shortOpenInterest *big.Int // Σ |short sizes|, 1e18

	cumulativePremiumFraction  int64 // 1e6, quote per base unit
	cumulativePremiumPerDToken int64 // 1e6 quote per 1e18 dToken (maker side)
	nextFundingTime            int64

	ring *twapRing
}

func NewMarket(name, underlying string, c *curve.Curve) *Market {
	return &Market{
		Name:              name,
		Underlying:        underlying,
		curve:             c,
		positions:         make(map[common.Address]*Position),
		makers:            make(map[common.Address]*MakerLiquidity),
		longOpenInterest:  new(big.Int),
		shortOpenInterest: new(big.Int),
		ring:              newTwapRing(),
	}
}

// Curve exposes the pricing curve for read-only queries.
func (m *Market) Curve() *curve.Curve {
	return m.curve
}

// Position returns the trader's position, or nil when flat.
func (m *Market) Position(trader common.Address) *Position {
	return m.positions[trader]
}

// Maker returns the trader's maker-liquidity record, or nil.
func (m *Market) Maker(trader common.Address) *MakerLiquidity {
	return m.makers[trader]
}

// Traders returns all position holders in deterministic (address) order.
func (m *Market) Traders() []common.Address {
	out := make([]common.Address, 0, len(m.positions))
	for a := range m.positions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// OpenInterest returns the long and short open-interest counters.
func (m *Market) OpenInterest() (long, short *big.Int) {
	return new(big.Int).Set(m.longOpenInterest), new(big.Int).Set(m.shortOpenInterest)
}

// CumulativePremiumFraction returns the funding accumulator (1e6).
func (m *Market) CumulativePremiumFraction() int64 {
	return m.cumulativePremiumFraction
}

// TradeResult describes the ledger delta of one position adjustment.
type TradeResult struct {
	RealizedPnl    int64 // 1e6, signed
	FundingApplied int64 // 1e6, settled at the pre-trade size
	IsIncrease     bool  // grew |size| on the trader's existing side
	ClosedSize     *big.Int
	OpenedSize     *big.Int
	OpenNotional   int64 // position open notional after the trade
	RemainingSize  *big.Int
}

// Trade executes a signed base-quantity trade against the curve and applies
// it to the trader's position. quote semantics come from the curve: cost
// for a long leg, proceeds for a short leg. Returns the realized PnL to be
// settled against the margin ledger, plus the curve fee retained by makers.
// The curve trade is the only step that can fail; pending funding settles
// after it, at the pre-fill size, so a rejected trade leaves no trace.
func (m *Market) Trade(now int64, trader common.Address, signedQty *big.Int, partialRatio int64) (*TradeResult, int64, error) {
	if signedQty.Sign() == 0 {
		return nil, 0, curve.ErrEmptyTrade
	}
	dir := curve.Long
	if signedQty.Sign() < 0 {
		dir = curve.Short
	}
	quote, fee, _, err := m.curve.Exec(now, dir, fixed.Abs(signedQty))
	if err != nil {
		return nil, 0, err
	}
	m.snapshotReserves(now)
	funding := m.UpdatePosition(trader)

	res, err := m.applyFill(trader, signedQty, quote, partialRatio)
	if err != nil {
		return nil, 0, err
	}
	res.FundingApplied = funding
	return res, fee, nil
}

// ApplyMatchedFill books a fill settled off the curve at an externally
// agreed quote, as produced by matched signed orders. Curve reserves do
// not move: the two legs of a match net out.
func (m *Market) ApplyMatchedFill(trader common.Address, signedQty *big.Int, quote int64, partialRatio int64) (*TradeResult, error) {
	if signedQty.Sign() == 0 {
		return nil, curve.ErrEmptyTrade
	}
	return m.applyFill(trader, signedQty, quote, partialRatio)
}

// applyFill merges a signed fill into the trader's position.
// Same-direction fills average the open notional; opposite smaller fills
// realize proportional PnL; a sign flip closes fully then opens the rest.
func (m *Market) applyFill(trader common.Address, signedQty *big.Int, quote int64, partialRatio int64) (*TradeResult, error) {
	pos := m.positions[trader]
	if pos == nil {
		pos = newPosition()
		pos.LastPremiumFraction = m.cumulativePremiumFraction
		m.positions[trader] = pos
	}

	oldSize := new(big.Int).Set(pos.Size)
	res := &TradeResult{ClosedSize: new(big.Int), OpenedSize: new(big.Int)}

	switch {
	case oldSize.Sign() == 0 || oldSize.Sign() == signedQty.Sign():
		// Open or increase.
		pos.Size = new(big.Int).Add(oldSize, signedQty)
		pos.OpenNotional += quote
		res.IsIncrease = true
		res.OpenedSize.Set(signedQty)

	case fixed.CmpAbs(signedQty, oldSize) < 0:
		// Partial reduce: realize proportional PnL against the cost basis.
		closed := fixed.Abs(signedQty)
		costPortion := fixed.MulDiv(big.NewInt(pos.OpenNotional), closed, fixed.Abs(oldSize)).Int64()
		if oldSize.Sign() > 0 {
			res.RealizedPnl = quote - costPortion
		} else {
			res.RealizedPnl = costPortion - quote
		}
		pos.Size = new(big.Int).Add(oldSize, signedQty)
		pos.OpenNotional -= costPortion
		res.ClosedSize.Set(signedQty)

	case fixed.CmpAbs(signedQty, oldSize) == 0:
		// Full close.
		if oldSize.Sign() > 0 {
			res.RealizedPnl = quote - pos.OpenNotional
		} else {
			res.RealizedPnl = pos.OpenNotional - quote
		}
		pos.Size = new(big.Int)
		pos.OpenNotional = 0
		res.ClosedSize.Set(signedQty)

	default:
		// Flip: close the old side fully, open the remainder on the new side.
		closeQuote := fixed.MulDiv(big.NewInt(quote), fixed.Abs(oldSize), fixed.Abs(signedQty)).Int64()
		if oldSize.Sign() > 0 {
			res.RealizedPnl = closeQuote - pos.OpenNotional
		} else {
			res.RealizedPnl = pos.OpenNotional - closeQuote
		}
		remainder := new(big.Int).Add(oldSize, signedQty)
		pos.Size = remainder
		pos.OpenNotional = quote - closeQuote
		res.ClosedSize.Neg(oldSize)
		res.OpenedSize.Set(remainder)
	}

	m.adjustOpenInterest(oldSize, pos.Size)
	pos.refreshLiquidationThreshold(partialRatio)
	res.OpenNotional = pos.OpenNotional
	res.RemainingSize = new(big.Int).Set(pos.Size)

	if pos.Size.Sign() == 0 {
		delete(m.positions, trader)
	}
	return res, nil
}

func (m *Market) adjustOpenInterest(oldSize, newSize *big.Int) {
	if oldSize.Sign() > 0 {
		m.longOpenInterest.Sub(m.longOpenInterest, oldSize)
	} else if oldSize.Sign() < 0 {
		m.shortOpenInterest.Add(m.shortOpenInterest, oldSize)
	}
	if newSize.Sign() > 0 {
		m.longOpenInterest.Add(m.longOpenInterest, newSize)
	} else if newSize.Sign() < 0 {
		m.shortOpenInterest.Sub(m.shortOpenInterest, newSize)
	}
}

func (m *Market) snapshotReserves(now int64) {
	q, b := m.curve.Reserves()
	m.ring.add(snapshot{QuoteReserve: q, BaseReserve: b, Timestamp: now})
}

// MarkTwap returns the time-weighted curve spot price (1e6) over window.
func (m *Market) MarkTwap(now, windowSecs int64) int64 {
	if m.ring.len() == 0 {
		return m.curve.MarkPrice()
	}
	return m.ring.twap(now, windowSecs)
}

// FundingResult reports one funding settlement tick.
type FundingResult struct {
	Settled         bool
	PremiumFraction int64 // 1e6
	MarkTwap        int64
	IndexTwap       int64
}

const fundingPeriodsPerDay = 24

// SettleFunding advances the cumulative premium fraction at most once per
// interval. premiumFraction = clamp(markTwap-indexTwap, ±maxRate·index)/24.
// Calling again before the next interval elapses is a silent no-op.
func (m *Market) SettleFunding(now, intervalSecs, twapWindowSecs, indexTwap, maxFundingRate int64) FundingResult {
	if now < m.nextFundingTime {
		return FundingResult{}
	}

	markTwap := m.MarkTwap(now, twapWindowSecs)
	premium := markTwap - indexTwap
	bound := fixed.MulRatio(indexTwap, maxFundingRate)
	premium = fixed.ClampI64(premium, bound)
	premiumFraction := premium / fundingPeriodsPerDay

	m.cumulativePremiumFraction += premiumFraction
	m.nextFundingTime = (now/intervalSecs + 1) * intervalSecs

	// Makers collectively carry the mirror of the net taker exposure, so
	// the same premium accrues to them per dToken with opposite sign.
	supply := m.curve.TotalSupply()
	if supply.Sign() > 0 {
		netTaker := new(big.Int).Sub(m.longOpenInterest, m.shortOpenInterest)
		makerFunding := -fixed.BaseToQuote(netTaker, premiumFraction)
		perDToken := fixed.MulDiv(big.NewInt(makerFunding), fixed.BaseScale, supply).Int64()
		m.cumulativePremiumPerDToken += perDToken
	}

	return FundingResult{
		Settled:         true,
		PremiumFraction: premiumFraction,
		MarkTwap:        markTwap,
		IndexTwap:       indexTwap,
	}
}

// PendingFunding returns the funding a trader owes (positive = trader pays)
// since their watermark, without settling it.
func (m *Market) PendingFunding(trader common.Address) int64 {
	pos := m.positions[trader]
	if pos.IsFlat() {
		return 0
	}
	delta := m.cumulativePremiumFraction - pos.LastPremiumFraction
	return fixed.BaseToQuote(pos.Size, delta)
}

// UpdatePosition settles pending funding into the watermark and returns
// the owed amount (positive = trader pays). Applied lazily on each
// position touch instead of fanning out to every holder per tick.
func (m *Market) UpdatePosition(trader common.Address) int64 {
	pos := m.positions[trader]
	if pos.IsFlat() {
		return 0
	}
	owed := m.PendingFunding(trader)
	pos.LastPremiumFraction = m.cumulativePremiumFraction
	return owed
}

// AddLiquidity routes a maker deposit through the curve and records the
// maker's share. Returns pending maker funding (positive = maker pays) and
// the base amount locked alongside the quote.
func (m *Market) AddLiquidity(now int64, trader common.Address, quoteAmount int64) (dToken, baseAmount *big.Int, funding int64, err error) {
	mk := m.makers[trader]
	if mk == nil {
		mk = newMakerLiquidity()
		mk.LastPremiumPerDToken = m.cumulativePremiumPerDToken
		m.makers[trader] = mk
	}
	funding = m.settleMakerFunding(mk)

	dToken, baseAmount, err = m.curve.AddLiquidity(now, quoteAmount)
	if err != nil {
		return nil, nil, 0, err
	}
	m.snapshotReserves(now)

	mk.DToken.Add(mk.DToken, dToken)
	mk.VUSD += quoteAmount
	mk.VAsset.Add(mk.VAsset, baseAmount)
	return dToken, baseAmount, funding, nil
}

// RemoveLiquidity burns part of the maker's share. The maker's implicit
// position for the burned share is crystallized into a real position by
// merging it like any other fill, so crystallizing against an opposing
// taker position reduces or flips it and realizes PnL against the cost
// basis instead of stacking both notionals.
func (m *Market) RemoveLiquidity(now int64, trader common.Address, dToken *big.Int, partialRatio int64) (quoteOut int64, baseOut *big.Int, funding, realized int64, err error) {
	mk := m.makers[trader]
	if mk.isEmpty() {
		return 0, nil, 0, 0, ErrNoLiquidity
	}
	if dToken.Cmp(mk.DToken) > 0 {
		return 0, nil, 0, 0, curve.ErrInsufficientShare
	}

	// Share of the maker's book being withdrawn.
	shareVUSD := fixed.MulDiv(big.NewInt(mk.VUSD), dToken, mk.DToken).Int64()
	shareVAsset := fixed.MulDiv(mk.VAsset, dToken, mk.DToken)

	quoteOut, baseOut, err = m.curve.RemoveLiquidity(now, dToken)
	if err != nil {
		return 0, nil, 0, 0, err
	}
	m.snapshotReserves(now)
	funding = m.settleMakerFunding(mk)

	// Implicit position: the difference between what the share returns now
	// and what was supplied for it.
	impliedSize := new(big.Int).Sub(baseOut, shareVAsset)
	impliedNotional := shareVUSD - quoteOut

	if impliedSize.Sign() != 0 {
		// Settle taker funding at the old size before the fill changes it.
		funding += m.UpdatePosition(trader)
		res, _ := m.applyFill(trader, impliedSize, fixed.AbsI64(impliedNotional), partialRatio)
		realized = res.RealizedPnl
	}

	mk.DToken.Sub(mk.DToken, dToken)
	mk.VUSD -= shareVUSD
	mk.VAsset.Sub(mk.VAsset, shareVAsset)
	if mk.DToken.Sign() == 0 {
		delete(m.makers, trader)
	}
	return quoteOut, baseOut, funding, realized, nil
}

// MakerPosition derives the maker's implicit exposure from current curve
// balances and their dToken share: claim minus contribution.
func (m *Market) MakerPosition(trader common.Address) (size *big.Int, openNotional int64) {
	mk := m.makers[trader]
	if mk.isEmpty() {
		return new(big.Int), 0
	}
	supply := m.curve.TotalSupply()
	q, b := m.curve.Reserves()

	claimBase := fixed.MulDiv(b, mk.DToken, supply)
	claimQuote := fixed.MulDiv(big.NewInt(q), mk.DToken, supply).Int64()

	size = new(big.Int).Sub(claimBase, mk.VAsset)
	openNotional = mk.VUSD - claimQuote
	if openNotional < 0 {
		openNotional = -openNotional
	}
	return size, openNotional
}

// settleMakerFunding rolls the maker watermark forward and returns what
// they owe (positive = maker pays).
func (m *Market) settleMakerFunding(mk *MakerLiquidity) int64 {
	if mk.isEmpty() {
		mk.LastPremiumPerDToken = m.cumulativePremiumPerDToken
		return 0
	}
	delta := m.cumulativePremiumPerDToken - mk.LastPremiumPerDToken
	owed := fixed.MulDiv(mk.DToken, big.NewInt(delta), fixed.BaseScale).Int64()
	mk.LastPremiumPerDToken = m.cumulativePremiumPerDToken
	return owed
}

// NetTakerExposure returns Σ trader sizes (1e18, signed).
func (m *Market) NetTakerExposure() *big.Int {
	return new(big.Int).Sub(m.longOpenInterest, m.shortOpenInterest)
}
