package market

import (
	"math/big"

	"PerpClear/internal/fixed"
)

// Position is a trader's open exposure in one market. Size sign is the
// direction (positive long, negative short); OpenNotional is the quote cost
// basis and stays non-negative. LastPremiumFraction is the funding
// watermark settled lazily on the next position touch. The record is
// destroyed when size returns to zero.
type Position struct {
	Size                 *big.Int // 1e18, signed
	OpenNotional         int64    // 1e6
	LastPremiumFraction  int64    // 1e6, quote per base unit
	LiquidationThreshold *big.Int // 1e18, max size closed per liquidation call
}

func newPosition() *Position {
	return &Position{
		Size:                 new(big.Int),
		LiquidationThreshold: new(big.Int),
	}
}

// IsFlat reports whether the position has no exposure.
func (p *Position) IsFlat() bool {
	return p == nil || p.Size.Sign() == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int64 {
	return int64(p.Size.Sign())
}

// UnrealizedPnl marks the position at price (1e6).
func (p *Position) UnrealizedPnl(price int64) int64 {
	if p.IsFlat() {
		return 0
	}
	notionalNow := fixed.AbsI64(fixed.BaseToQuote(p.Size, price))
	if p.Size.Sign() > 0 {
		return notionalNow - p.OpenNotional
	}
	return p.OpenNotional - notionalNow
}

// NotionalAt returns |size| valued at price (1e6).
func (p *Position) NotionalAt(price int64) int64 {
	if p.IsFlat() {
		return 0
	}
	return fixed.AbsI64(fixed.BaseToQuote(p.Size, price))
}

// refreshLiquidationThreshold recomputes the per-call liquidation chunk
// from the live partial-liquidation ratio (1e6).
func (p *Position) refreshLiquidationThreshold(partialRatio int64) {
	t := fixed.MulDiv(fixed.Abs(p.Size), big.NewInt(partialRatio), big.NewInt(fixed.RatioScale))
	if t.Sign() == 0 && p.Size.Sign() != 0 {
		t = fixed.Abs(p.Size)
	}
	p.LiquidationThreshold = t
}

// MakerLiquidity is a maker's share of the curve. The maker's implicit
// position is never stored; it is derived from current curve balances and
// the dToken share (see Market.MakerPosition).
type MakerLiquidity struct {
	DToken               *big.Int // 1e18 liquidity shares
	VUSD                 int64    // quote supplied, 1e6
	VAsset               *big.Int // base supplied, 1e18
	LastPremiumPerDToken int64    // funding watermark, 1e6 quote per 1e18 dToken
}

func newMakerLiquidity() *MakerLiquidity {
	return &MakerLiquidity{
		DToken: new(big.Int),
		VAsset: new(big.Int),
	}
}

func (m *MakerLiquidity) isEmpty() bool {
	return m == nil || m.DToken.Sign() == 0
}
