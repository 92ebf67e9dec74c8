package clearing

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/event"
	"PerpClear/internal/fixed"
	"PerpClear/internal/insurance"
	"PerpClear/internal/margin"
	"PerpClear/internal/market"
	"PerpClear/internal/oracle"
	"PerpClear/internal/params"
)

var (
	ErrUnknownMarket      = errors.New("unknown market")
	ErrMarketExists       = errors.New("market already registered")
	ErrInsufficientMargin = errors.New("margin fraction below minimum allowable")
	ErrPositionSolvent    = errors.New("position margin above maintenance requirement")
	ErrOverFill           = errors.New("liquidation fill exceeds the per-call bound")
	ErrPriceSlippage      = errors.New("execution price breaches the limit")
	ErrInProgress         = errors.New("another operation is in progress")
	ErrSelfReferral       = errors.New("trader cannot refer themselves")
)

// ClearingHouse is the only writer allowed to mutate market and margin
// state together. Every operation runs read-then-apply: all deltas are
// computed against the current snapshot and committed only once every
// check passes, so a failing operation leaves no partial state. The
// in-progress flag guards against re-entry through callbacks; the engine
// serializes operations, so there is no locking here.
type ClearingHouse struct {
	params  *params.Store
	oracle  oracle.Oracle
	margin  *margin.Ledger
	reserve *insurance.Reserve
	feed    event.Feed

	markets   map[string]*market.Market
	names     []string // deterministic iteration order
	referrers map[common.Address]common.Address

	inProgress bool
	seq        int64
}

func New(ps *params.Store, o oracle.Oracle, ml *margin.Ledger, rs *insurance.Reserve, feed event.Feed) *ClearingHouse {
	return &ClearingHouse{
		params:    ps,
		oracle:    o,
		margin:    ml,
		reserve:   rs,
		feed:      feed,
		markets:   make(map[string]*market.Market),
		referrers: make(map[common.Address]common.Address),
	}
}

// AddMarket registers a market. Explicit reconfiguration only; nothing
// registers markets implicitly.
func (c *ClearingHouse) AddMarket(m *market.Market) error {
	if _, ok := c.markets[m.Name]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.Name)
	}
	c.markets[m.Name] = m
	c.names = append(c.names, m.Name)
	sort.Strings(c.names)
	return nil
}

// Market returns a registered market.
func (c *ClearingHouse) Market(name string) (*market.Market, error) {
	m, ok := c.markets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, name)
	}
	return m, nil
}

// MarketNames returns the registered markets in deterministic order.
func (c *ClearingHouse) MarketNames() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// SetReferrer attaches a referral relation. Overwriting is allowed; the
// relation only discounts future fees.
func (c *ClearingHouse) SetReferrer(trader, referrer common.Address) error {
	if trader == referrer {
		return ErrSelfReferral
	}
	c.referrers[trader] = referrer
	return nil
}

func (c *ClearingHouse) begin() error {
	if c.inProgress {
		return ErrInProgress
	}
	c.inProgress = true
	return nil
}

func (c *ClearingHouse) end() {
	c.inProgress = false
}

func (c *ClearingHouse) nextSeq() int64 {
	c.seq++
	return c.seq
}

// takerFee splits the fee on a quote volume: the trader pays fee less any
// referral discount, the referrer is credited their share, and the rest
// goes to the insurance reserve.
func (c *ClearingHouse) takerFee(trader common.Address, quote int64, p params.Params) (fee, referrerCredit int64, referrer common.Address, hasReferrer bool) {
	fee = fixed.MulRatio(quote, p.TradeFeeRate)
	referrer, hasReferrer = c.referrers[trader]
	if hasReferrer {
		fee -= fixed.MulRatio(quote, p.ReferralDiscount)
		referrerCredit = fixed.MulRatio(quote, p.ReferrerShare)
	}
	return fee, referrerCredit, referrer, hasReferrer
}

func (c *ClearingHouse) routeFee(trader common.Address, quote int64, p params.Params) int64 {
	fee, credit, referrer, has := c.takerFee(trader, quote, p)
	if has && credit > 0 {
		c.margin.ChangeStable(referrer, credit)
	}
	c.reserve.CreditFee(fee - credit)
	return fee
}

// settleFundingFor applies the trader's pending funding in one market to
// their stable balance and returns the amount paid.
func (c *ClearingHouse) settleFundingFor(m *market.Market, trader common.Address) int64 {
	owed := m.UpdatePosition(trader)
	if owed != 0 {
		c.margin.ChangeStable(trader, -owed)
	}
	return owed
}

// hasOpenPositions reports whether the trader holds any position or maker
// share in any market. Gates collateral liquidation and bad-debt paths.
func (c *ClearingHouse) hasOpenPositions(trader common.Address) bool {
	for _, name := range c.names {
		m := c.markets[name]
		if !m.Position(trader).IsFlat() {
			return true
		}
		if mk := m.Maker(trader); mk != nil {
			return true
		}
	}
	return false
}

// HasOpenPositions is the exported read-surface counterpart of
// hasOpenPositions.
func (c *ClearingHouse) HasOpenPositions(trader common.Address) bool {
	return c.hasOpenPositions(trader)
}

// accountTotals aggregates a trader's exposure across markets: total
// notional, unrealized PnL, and pending funding, all 1e6.
//
// When the curve mark diverges from the index beyond maxOracleSpreadRatio
// the two pricings disagree; the pick follows who must be protected. For
// margin checks on new trades the less favorable PnL governs, so a
// manipulated curve cannot create phantom headroom. For liquidation the
// more favorable PnL governs, so a stale index cannot liquidate an
// account the curve says is solvent.
func (c *ClearingHouse) accountTotals(trader common.Address, forLiquidation bool) (notional, pnl, funding int64, err error) {
	for _, name := range c.names {
		m := c.markets[name]

		markPrice := m.Curve().MarkPrice()
		indexPrice, perr := c.oracle.Price(m.Underlying)
		if perr != nil {
			return 0, 0, 0, perr
		}
		price := markPrice
		if c.overSpread(markPrice, indexPrice) {
			price = c.pickPrice(m, trader, markPrice, indexPrice, forLiquidation)
		}

		if pos := m.Position(trader); !pos.IsFlat() {
			notional += pos.NotionalAt(price)
			pnl += pos.UnrealizedPnl(price)
			funding += m.PendingFunding(trader)
		}

		if size, open := m.MakerPosition(trader); size.Sign() != 0 {
			notional += fixed.AbsI64(fixed.BaseToQuote(size, price))
			if size.Sign() > 0 {
				pnl += fixed.BaseToQuote(size, price) - open
			} else {
				pnl += open - fixed.AbsI64(fixed.BaseToQuote(size, price))
			}
		}
	}
	return notional, pnl, funding, nil
}

func (c *ClearingHouse) overSpread(markPrice, indexPrice int64) bool {
	if indexPrice <= 0 {
		return false
	}
	spread := fixed.DivRatio(fixed.AbsI64(markPrice-indexPrice), indexPrice)
	return spread > c.params.Get().MaxOracleSpreadRatio
}

// pickPrice chooses mark vs index pricing for one diverged market. Longs
// profit from the higher price, shorts from the lower; forLiquidation
// keeps the trader-favorable side, margin checks the other.
func (c *ClearingHouse) pickPrice(m *market.Market, trader common.Address, markPrice, indexPrice int64, forLiquidation bool) int64 {
	pos := m.Position(trader)
	side := pos.SideSign()
	if side == 0 {
		if size, _ := m.MakerPosition(trader); size.Sign() != 0 {
			side = int64(size.Sign())
		}
	}
	hi := fixed.MaxI64(markPrice, indexPrice)
	lo := fixed.MinI64(markPrice, indexPrice)
	favorable := hi
	if side < 0 {
		favorable = lo
	}
	if forLiquidation {
		return favorable
	}
	if favorable == hi {
		return lo
	}
	return hi
}

// MarginFraction returns weighted margin plus unrealized PnL less pending
// funding, over total notional (1e6). MaxInt64 when the trader has no
// exposure.
func (c *ClearingHouse) MarginFraction(trader common.Address, forLiquidation bool) (int64, error) {
	notional, pnl, funding, err := c.accountTotals(trader, forLiquidation)
	if err != nil {
		return 0, err
	}
	if notional == 0 {
		return math.MaxInt64, nil
	}
	weighted, _, err := c.margin.WeightedAndSpotCollateral(trader)
	if err != nil {
		return 0, err
	}
	return fixed.DivRatio(weighted+pnl-funding, notional), nil
}

// NotionalPositionAndUnrealizedPnl is the read surface counterpart of
// accountTotals at AMM pricing.
func (c *ClearingHouse) NotionalPositionAndUnrealizedPnl(trader common.Address) (notional, pnl int64, err error) {
	notional, pnl, _, err = c.accountTotals(trader, false)
	return notional, pnl, err
}

// DepositMargin credits collateral into the trader's margin account.
func (c *ClearingHouse) DepositMargin(trader common.Address, asset string, amount *big.Int) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	idx, ok := c.margin.IndexOf(asset)
	if !ok {
		return fmt.Errorf("%w: %s", margin.ErrUnknownCollateral, asset)
	}
	if err := c.margin.Deposit(trader, idx, amount); err != nil {
		return err
	}
	c.feed.Emit(&event.MarginDeposited{
		Trader:   trader,
		Asset:    asset,
		Amount:   new(big.Int).Set(amount),
		Sequence: c.nextSeq(),
	})
	return nil
}

// WithdrawMargin debits collateral, refusing a withdrawal that would drop
// an account with open exposure below the minimum allowable margin.
func (c *ClearingHouse) WithdrawMargin(trader common.Address, asset string, amount *big.Int) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	idx, ok := c.margin.IndexOf(asset)
	if !ok {
		return fmt.Errorf("%w: %s", margin.ErrUnknownCollateral, asset)
	}
	if err := c.margin.Withdraw(trader, idx, amount); err != nil {
		return err
	}
	if c.hasOpenPositions(trader) {
		mf, err := c.MarginFraction(trader, false)
		if err == nil && mf < c.params.Get().MinAllowableMargin {
			err = fmt.Errorf("%w: fraction %d after withdrawal", ErrInsufficientMargin, mf)
		}
		if err != nil {
			// put it back; deposits of a just-withdrawn balance cannot fail
			_ = c.margin.Deposit(trader, idx, amount)
			return err
		}
	}
	c.feed.Emit(&event.MarginWithdrawn{
		Trader:   trader,
		Asset:    asset,
		Amount:   new(big.Int).Set(amount),
		Sequence: c.nextSeq(),
	})
	return nil
}

// UpdateParams applies a governance parameter change. The next operation
// reads the new values immediately.
func (c *ClearingHouse) UpdateParams(p params.Params) error {
	if err := c.params.Update(p); err != nil {
		return err
	}
	c.feed.Emit(&event.ParamsUpdated{
		MaintenanceMargin:       p.MaintenanceMargin,
		MinAllowableMargin:      p.MinAllowableMargin,
		TradeFeeRate:            p.TradeFeeRate,
		LiquidationPenalty:      p.LiquidationPenalty,
		MaxFundingRate:          p.MaxFundingRate,
		PartialLiquidationRatio: p.PartialLiquidationRatio,
		Sequence:                c.nextSeq(),
	})
	return nil
}

// UpdatePositions settles the trader's pending funding in every market
// into their stable margin. Trades do this implicitly on touch; this is
// the explicit form for holders who want funding realized without
// trading.
func (c *ClearingHouse) UpdatePositions(trader common.Address) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	for _, name := range c.names {
		c.settleFundingFor(c.markets[name], trader)
	}
	return nil
}

// SettleFunding drives one funding tick across all markets. Markets whose
// interval has not elapsed are silent no-ops.
func (c *ClearingHouse) SettleFunding(now int64) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	p := c.params.Get()
	for _, name := range c.names {
		m := c.markets[name]
		indexTwap, err := c.oracle.TwapPrice(m.Underlying, p.SpotTwapWindowSecs)
		if err != nil {
			return fmt.Errorf("index twap for %s: %w", m.Underlying, err)
		}
		res := m.SettleFunding(now, p.FundingIntervalSecs, p.SpotTwapWindowSecs, indexTwap, p.MaxFundingRate)
		if !res.Settled {
			continue
		}
		c.feed.Emit(&event.FundingRateUpdated{
			Market:                    m.Name,
			PremiumFraction:           res.PremiumFraction,
			MarkTwap:                  res.MarkTwap,
			IndexTwap:                 res.IndexTwap,
			CumulativePremiumFraction: m.CumulativePremiumFraction(),
			NextFundingTime:           (now/p.FundingIntervalSecs + 1) * p.FundingIntervalSecs,
		})
	}
	return nil
}
