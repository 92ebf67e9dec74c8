package insurance

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"PerpClear/internal/fixed"
)

var (
	ErrNoAuction      = errors.New("no ongoing auction for asset")
	ErrExceedsHolding = errors.New("amount exceeds auctioned holding")
	ErrAuctionExpired = errors.New("auction has expired")
	ErrNothingToSeize = errors.New("no holding to auction")
)

// auctionStartMarkup is the fixed markup over the oracle price at auction
// start: 1.05, 1e6-scaled.
const auctionStartMarkup = 1_050_000

// Auction is a time-decayed sale of one seized asset. Price starts at
// oracle x 1.05 and decays linearly to zero by ExpiryTime.
type Auction struct {
	Asset      string
	StartedAt  int64
	ExpiryTime int64
	StartPrice int64 // 1e6
}

func (a *Auction) ongoing(now int64) bool {
	return a != nil && now < a.ExpiryTime
}

// priceAt returns the linearly decayed price, clamped to zero after expiry.
func (a *Auction) priceAt(now int64) int64 {
	if a == nil || now >= a.ExpiryTime {
		return 0
	}
	remain := a.ExpiryTime - now
	return fixed.MulDiv(
		big.NewInt(a.StartPrice),
		big.NewInt(remain),
		big.NewInt(a.ExpiryTime-a.StartedAt),
	).Int64()
}

// Reserve is the shared backstop. It accumulates trading fees and
// liquidation penalties in the stable asset, absorbs bad debt, and runs at
// most one auction per seized asset to convert holdings back to stable.
type Reserve struct {
	stableBalance int64 // 1e6, may go negative while under-capitalized

	// Seized non-stable holdings, in the asset's own decimals.
	holdings map[string]*big.Int
	decimals map[string]uint8
	auctions map[string]*Auction
}

func NewReserve() *Reserve {
	return &Reserve{
		holdings: make(map[string]*big.Int),
		decimals: make(map[string]uint8),
		auctions: make(map[string]*Auction),
	}
}

// StableBalance returns the reserve's stable-asset balance (1e6, signed).
func (r *Reserve) StableBalance() int64 {
	return r.stableBalance
}

// CreditFee adds stable-asset revenue (fees, penalties) to the reserve.
func (r *Reserve) CreditFee(amount int64) {
	r.stableBalance += amount
}

// AbsorbBadDebt charges the reserve for a shortfall. The balance may go
// negative; recapitalization is a governance concern.
func (r *Reserve) AbsorbBadDebt(amount int64) {
	r.stableBalance -= amount
}

// Holding returns the reserve's seized balance of an asset.
func (r *Reserve) Holding(asset string) *big.Int {
	h := r.holdings[asset]
	if h == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(h)
}

// IsAuctionOngoing reports whether an auction for asset is live at now.
func (r *Reserve) IsAuctionOngoing(asset string, now int64) bool {
	return r.auctions[asset].ongoing(now)
}

// AuctionPrice returns the current auction price for asset (1e6), zero when
// no auction is live.
func (r *Reserve) AuctionPrice(asset string, now int64) int64 {
	a := r.auctions[asset]
	if !a.ongoing(now) {
		return 0
	}
	return a.priceAt(now)
}

// StartAuction takes custody of seized units and opens a fresh auction.
// A new auction cannot start while one is ongoing for the same asset;
// seized units from repeat settlements join the existing auction instead.
func (r *Reserve) StartAuction(asset string, decimals uint8, units *big.Int, oraclePrice, now, durationSecs int64) error {
	if units.Sign() <= 0 {
		return ErrNothingToSeize
	}
	h := r.holdings[asset]
	if h == nil {
		h = new(big.Int)
		r.holdings[asset] = h
	}
	h.Add(h, units)
	r.decimals[asset] = decimals

	if r.auctions[asset].ongoing(now) {
		return nil
	}
	r.auctions[asset] = &Auction{
		Asset:      asset,
		StartedAt:  now,
		ExpiryTime: now + durationSecs,
		StartPrice: fixed.MulRatio(oraclePrice, auctionStartMarkup),
	}
	return nil
}

// BuyCollateral sells `units` of the auctioned asset at the decayed price.
// An asset with no auction and one whose auction ran out report distinct
// errors. Buying the full remainder closes the auction. Returns the
// stable cost (1e6).
func (r *Reserve) BuyCollateral(asset string, units *big.Int, now int64) (cost int64, err error) {
	a := r.auctions[asset]
	if a == nil {
		return 0, ErrNoAuction
	}
	if !a.ongoing(now) {
		return 0, fmt.Errorf("%w: at %d", ErrAuctionExpired, a.ExpiryTime)
	}
	h := r.holdings[asset]
	if h == nil || units.Sign() <= 0 || units.Cmp(h) > 0 {
		return 0, ErrExceedsHolding
	}

	price := a.priceAt(now)
	scale := fixed.Pow10(int64(r.decimals[asset]))
	cost = fixed.MulDiv(units, big.NewInt(price), scale).Int64()

	h.Sub(h, units)
	r.stableBalance += cost
	if h.Sign() == 0 {
		delete(r.auctions, asset)
		delete(r.holdings, asset)
	}
	return cost, nil
}

// SeizedAssets lists assets currently held, in deterministic order.
func (r *Reserve) SeizedAssets() []string {
	out := make([]string, 0, len(r.holdings))
	for a := range r.holdings {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
