package clearing

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/curve"
	"PerpClear/internal/event"
	"PerpClear/internal/fixed"
	"PerpClear/internal/margin"
	"PerpClear/internal/market"
	"PerpClear/internal/orderbook"
)

// OpenPosition trades signedQty through the market's curve. limitPrice
// (1e6) bounds the average execution price; 0 skips the bound. Position
// increases are gated on the minimum allowable margin using the quoted
// execution before anything mutates.
func (c *ClearingHouse) OpenPosition(now int64, trader common.Address, marketName string, signedQty *big.Int, limitPrice int64) (*market.TradeResult, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	m, err := c.Market(marketName)
	if err != nil {
		return nil, err
	}
	if signedQty == nil || signedQty.Sign() == 0 {
		return nil, curve.ErrEmptyTrade
	}
	p := c.params.Get()

	dir := curve.Long
	if signedQty.Sign() < 0 {
		dir = curve.Short
	}
	absQty := fixed.Abs(signedQty)

	// Pure quote first: every check below runs against it, and the later
	// Exec is deterministic on the same inputs.
	quote, _, _, err := m.Curve().Quote(dir, absQty)
	if err != nil {
		return nil, err
	}
	if err := checkLimit(dir, quote, absQty, limitPrice); err != nil {
		return nil, err
	}

	fee, _, _, _ := c.takerFee(trader, quote, p)
	if isIncrease(m.Position(trader), signedQty) {
		// Projected totals already carry the trader's pending funding, so
		// settling it can wait until the command is past rejection.
		if err := c.checkIncreaseMargin(trader, quote, fee, p.MinAllowableMargin); err != nil {
			return nil, err
		}
	}

	res, _, err := m.Trade(now, trader, signedQty, p.PartialLiquidationRatio)
	if err != nil {
		return nil, err
	}
	funding := res.FundingApplied
	c.margin.ChangeStable(trader, res.RealizedPnl-funding-fee)
	c.routeFee(trader, quote, p)

	c.feed.Emit(&event.PositionModified{
		Market:         m.Name,
		Trader:         trader,
		BaseQty:        new(big.Int).Set(signedQty),
		Quote:          quote,
		Fee:            fee,
		RealizedPnl:    res.RealizedPnl,
		FundingApplied: funding,
		OpenNotional:   res.OpenNotional,
		Size:           new(big.Int).Set(res.RemainingSize),
		MarkPrice:      m.Curve().MarkPrice(),
		Sequence:       c.nextSeq(),
	})
	return res, nil
}

// checkLimit bounds the average execution price by the caller's limit.
func checkLimit(dir curve.Direction, quote int64, absQty *big.Int, limitPrice int64) error {
	if limitPrice <= 0 {
		return nil
	}
	execPrice := fixed.MulDiv(fixed.Big(quote), fixed.BaseScale, absQty).Int64()
	if dir == curve.Long && execPrice > limitPrice {
		return fmt.Errorf("%w: paid %d, limit %d", ErrPriceSlippage, execPrice, limitPrice)
	}
	if dir == curve.Short && execPrice < limitPrice {
		return fmt.Errorf("%w: received %d, limit %d", ErrPriceSlippage, execPrice, limitPrice)
	}
	return nil
}

// isIncrease reports whether a fill grows exposure: opening, adding to
// the same side, or flipping past flat onto the other side.
func isIncrease(pos *market.Position, signedQty *big.Int) bool {
	if pos.IsFlat() {
		return true
	}
	if int64(signedQty.Sign()) == pos.SideSign() {
		return true
	}
	return fixed.CmpAbs(signedQty, pos.Size) > 0
}

// checkIncreaseMargin projects the account margin fraction after adding
// quote of notional at its execution price and paying fee.
func (c *ClearingHouse) checkIncreaseMargin(trader common.Address, quote, fee, minAllowable int64) error {
	notional, pnl, funding, err := c.accountTotals(trader, false)
	if err != nil {
		return err
	}
	weighted, _, err := c.margin.WeightedAndSpotCollateral(trader)
	if err != nil {
		return err
	}
	projected := fixed.DivRatio(weighted+pnl-funding-fee, notional+quote)
	if projected < minAllowable {
		return fmt.Errorf("%w: projected fraction %d, need %d", ErrInsufficientMargin, projected, minAllowable)
	}
	return nil
}

// PositionSize implements the order book's executor surface.
func (c *ClearingHouse) PositionSize(marketName string, trader common.Address) (*big.Int, error) {
	m, err := c.Market(marketName)
	if err != nil {
		return nil, err
	}
	pos := m.Position(trader)
	if pos.IsFlat() {
		return new(big.Int), nil
	}
	return new(big.Int).Set(pos.Size), nil
}

// ExecuteMatch settles both legs of a matched order pair at the agreed
// price, off the curve. All validation runs before either leg applies:
// booking a non-zero fill cannot fail, which is what makes the two-leg
// commit atomic.
func (c *ClearingHouse) ExecuteMatch(now int64, marketName string, fills [2]orderbook.Fill) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	m, err := c.Market(marketName)
	if err != nil {
		return err
	}
	p := c.params.Get()

	quotes := [2]int64{}
	fees := [2]int64{}
	for i, f := range fills {
		if f.BaseQty == nil || f.BaseQty.Sign() == 0 {
			return curve.ErrEmptyTrade
		}
		quotes[i] = fixed.AbsI64(fixed.BaseToQuote(f.BaseQty, f.LimitPrice))
		fees[i], _, _, _ = c.takerFee(f.Trader, quotes[i], p)
	}
	for i, f := range fills {
		// Projected totals carry each leg's pending funding; settling it
		// waits for the commit loop so a rejected leg leaves both stable
		// balances untouched.
		if isIncrease(m.Position(f.Trader), f.BaseQty) {
			if err := c.checkIncreaseMargin(f.Trader, quotes[i], fees[i], p.MinAllowableMargin); err != nil {
				return fmt.Errorf("leg %d (%s): %w", i, f.Trader, err)
			}
		}
	}

	for i, f := range fills {
		funding := c.settleFundingFor(m, f.Trader)
		res, err := m.ApplyMatchedFill(f.Trader, f.BaseQty, quotes[i], p.PartialLiquidationRatio)
		if err != nil {
			return err
		}
		c.margin.ChangeStable(f.Trader, res.RealizedPnl-fees[i])
		c.routeFee(f.Trader, quotes[i], p)

		c.feed.Emit(&event.PositionModified{
			Market:         m.Name,
			Trader:         f.Trader,
			BaseQty:        new(big.Int).Set(f.BaseQty),
			Quote:          quotes[i],
			Fee:            fees[i],
			RealizedPnl:    res.RealizedPnl,
			FundingApplied: funding,
			OpenNotional:   res.OpenNotional,
			Size:           new(big.Int).Set(res.RemainingSize),
			MarkPrice:      m.Curve().MarkPrice(),
			Sequence:       c.nextSeq(),
		})
	}
	return nil
}

// AddLiquidity moves quote from the maker's stable margin into the curve
// and records their share.
func (c *ClearingHouse) AddLiquidity(now int64, maker common.Address, marketName string, quoteAmount int64) (*big.Int, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	m, err := c.Market(marketName)
	if err != nil {
		return nil, err
	}
	if quoteAmount <= 0 {
		return nil, curve.ErrEmptyTrade
	}
	if c.margin.StableBalance(maker) < quoteAmount {
		return nil, fmt.Errorf("%w: stable balance below %d", margin.ErrInsufficientBalance, quoteAmount)
	}

	dToken, baseAmount, funding, err := m.AddLiquidity(now, maker, quoteAmount)
	if err != nil {
		return nil, err
	}
	c.margin.ChangeStable(maker, -quoteAmount-funding)

	c.feed.Emit(&event.LiquidityAdded{
		Market:   m.Name,
		Maker:    maker,
		Quote:    quoteAmount,
		Base:     baseAmount,
		DToken:   new(big.Int).Set(dToken),
		Sequence: c.nextSeq(),
	})
	return dToken, nil
}

// RemoveLiquidity burns dToken of the maker's share and returns the quote
// side to their stable margin. Any implicit position the withdrawal
// crystallizes stays in the market ledger.
func (c *ClearingHouse) RemoveLiquidity(now int64, maker common.Address, marketName string, dToken *big.Int) (int64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()

	m, err := c.Market(marketName)
	if err != nil {
		return 0, err
	}
	sizeBefore, _ := m.MakerPosition(maker)

	quoteOut, baseOut, funding, realized, err := m.RemoveLiquidity(now, maker, dToken, c.params.Get().PartialLiquidationRatio)
	if err != nil {
		return 0, err
	}
	c.margin.ChangeStable(maker, quoteOut+realized-funding)

	sizeAfter, _ := m.MakerPosition(maker)
	crystallized := new(big.Int).Sub(sizeBefore, sizeAfter)

	c.feed.Emit(&event.LiquidityRemoved{
		Market:          m.Name,
		Maker:           maker,
		Quote:           quoteOut,
		Base:            baseOut,
		DToken:          new(big.Int).Set(dToken),
		CrystallizedPos: crystallized,
		Sequence:        c.nextSeq(),
	})
	return quoteOut, nil
}
