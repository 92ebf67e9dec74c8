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

// LiquidatePosition force-closes part of an under-margined position
// through the curve. At most the position's liquidation threshold (a
// fixed fraction of |size|) closes per call; the penalty on the closed
// notional goes to the insurance reserve. Liquidation pricing always uses
// the AMM side of the margin fraction.
func (c *ClearingHouse) LiquidatePosition(now int64, liquidator common.Address, marketName string, trader common.Address) (*market.TradeResult, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	m, err := c.Market(marketName)
	if err != nil {
		return nil, err
	}
	pos := m.Position(trader)
	if pos.IsFlat() {
		return nil, market.ErrNoPosition
	}
	p := c.params.Get()

	mf, err := c.MarginFraction(trader, true)
	if err != nil {
		return nil, err
	}
	if mf >= p.MaintenanceMargin {
		return nil, fmt.Errorf("%w: fraction %d, maintenance %d", ErrPositionSolvent, mf, p.MaintenanceMargin)
	}

	closeQty := new(big.Int).Set(pos.LiquidationThreshold)
	dir := curve.Long
	if pos.Size.Sign() > 0 {
		closeQty.Neg(closeQty)
		dir = curve.Short
	}
	quote, _, _, err := m.Curve().Quote(dir, pos.LiquidationThreshold)
	if err != nil {
		return nil, err
	}
	c.settleFundingFor(m, trader)

	res, _, err := m.Trade(now, trader, closeQty, p.PartialLiquidationRatio)
	if err != nil {
		return nil, err
	}
	penalty := fixed.MulRatio(quote, p.LiquidationPenalty)
	c.margin.ChangeStable(trader, res.RealizedPnl-penalty)
	c.reserve.CreditFee(penalty)

	c.feed.Emit(&event.PositionLiquidated{
		Market:      m.Name,
		Trader:      trader,
		Liquidator:  liquidator,
		ClosedSize:  new(big.Int).Set(closeQty),
		Quote:       quote,
		RealizedPnl: res.RealizedPnl,
		Penalty:     penalty,
		Sequence:    c.nextSeq(),
	})
	return res, nil
}

// ExecuteLiquidation settles a liquidation against a counter order at its
// limit price: the trader sheds up to their liquidation threshold and the
// counter trader takes the same exposure over. Implements the order
// book's executor surface.
func (c *ClearingHouse) ExecuteLiquidation(now int64, marketName string, liquidator, trader common.Address, counter orderbook.Fill) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	m, err := c.Market(marketName)
	if err != nil {
		return err
	}
	pos := m.Position(trader)
	if pos.IsFlat() {
		return market.ErrNoPosition
	}
	p := c.params.Get()

	mf, err := c.MarginFraction(trader, true)
	if err != nil {
		return err
	}
	if mf >= p.MaintenanceMargin {
		return fmt.Errorf("%w: fraction %d, maintenance %d", ErrPositionSolvent, mf, p.MaintenanceMargin)
	}
	if fixed.CmpAbs(counter.BaseQty, pos.LiquidationThreshold) > 0 {
		return fmt.Errorf("%w: fill %s, threshold %s", ErrOverFill, counter.BaseQty, pos.LiquidationThreshold)
	}

	quote := fixed.AbsI64(fixed.BaseToQuote(counter.BaseQty, counter.LimitPrice))
	counterFee, _, _, _ := c.takerFee(counter.Trader, quote, p)
	penalty := fixed.MulRatio(quote, p.LiquidationPenalty)

	c.settleFundingFor(m, trader)
	counterFunding := c.settleFundingFor(m, counter.Trader)
	if isIncrease(m.Position(counter.Trader), counter.BaseQty) {
		if err := c.checkIncreaseMargin(counter.Trader, quote, counterFee, p.MinAllowableMargin); err != nil {
			return fmt.Errorf("counter trader: %w", err)
		}
	}

	traderQty := fixed.Neg(counter.BaseQty)
	traderRes, err := m.ApplyMatchedFill(trader, traderQty, quote, p.PartialLiquidationRatio)
	if err != nil {
		return err
	}
	counterRes, err := m.ApplyMatchedFill(counter.Trader, counter.BaseQty, quote, p.PartialLiquidationRatio)
	if err != nil {
		return err
	}

	c.margin.ChangeStable(trader, traderRes.RealizedPnl-penalty)
	c.reserve.CreditFee(penalty)
	c.margin.ChangeStable(counter.Trader, counterRes.RealizedPnl-counterFee)
	c.routeFee(counter.Trader, quote, p)

	c.feed.Emit(&event.PositionLiquidated{
		Market:      m.Name,
		Trader:      trader,
		Liquidator:  liquidator,
		ClosedSize:  traderQty,
		Quote:       quote,
		RealizedPnl: traderRes.RealizedPnl,
		Penalty:     penalty,
		Sequence:    c.nextSeq(),
	})
	c.feed.Emit(&event.PositionModified{
		Market:         m.Name,
		Trader:         counter.Trader,
		BaseQty:        new(big.Int).Set(counter.BaseQty),
		Quote:          quote,
		Fee:            counterFee,
		RealizedPnl:    counterRes.RealizedPnl,
		FundingApplied: counterFunding,
		OpenNotional:   counterRes.OpenNotional,
		Size:           new(big.Int).Set(counterRes.RemainingSize),
		MarkPrice:      m.Curve().MarkPrice(),
		Sequence:       c.nextSeq(),
	})
	return nil
}

// LiquidateCollateral runs one margin-account liquidation leg in the
// requested mode. Position holders must be unwound first; the ledger
// enforces the incentive math.
func (c *ClearingHouse) LiquidateCollateral(liquidator, trader common.Address, repay int64, asset string, minSeize *big.Int) (*big.Int, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	idx, ok := c.margin.IndexOf(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", margin.ErrUnknownCollateral, asset)
	}
	p := c.params.Get()
	seized, err := c.margin.LiquidateExactRepay(liquidator, trader, repay, idx, minSeize, c.hasOpenPositions(trader), p.MaxLiquidationIncentive)
	if err != nil {
		return nil, err
	}
	c.emitCollateralLiquidated(liquidator, trader, asset, repay, seized, p.MaxLiquidationIncentive)
	return seized, nil
}

// LiquidateCollateralExactSeize fixes the seized amount instead.
func (c *ClearingHouse) LiquidateCollateralExactSeize(liquidator, trader common.Address, maxRepay int64, asset string, seize *big.Int) (int64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()

	idx, ok := c.margin.IndexOf(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", margin.ErrUnknownCollateral, asset)
	}
	p := c.params.Get()
	repaid, err := c.margin.LiquidateExactSeize(liquidator, trader, maxRepay, idx, seize, c.hasOpenPositions(trader), p.MaxLiquidationIncentive)
	if err != nil {
		return 0, err
	}
	c.emitCollateralLiquidated(liquidator, trader, asset, repaid, seize, p.MaxLiquidationIncentive)
	return repaid, nil
}

// LiquidateCollateralFlexible walks the asset priority list.
func (c *ClearingHouse) LiquidateCollateralFlexible(liquidator, trader common.Address, maxRepay int64, assets []string) (int64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()

	idxs := make([]int, 0, len(assets))
	for _, a := range assets {
		idx, ok := c.margin.IndexOf(a)
		if !ok {
			return 0, fmt.Errorf("%w: %s", margin.ErrUnknownCollateral, a)
		}
		idxs = append(idxs, idx)
	}
	p := c.params.Get()
	repaid, err := c.margin.LiquidateFlexible(liquidator, trader, maxRepay, idxs, c.hasOpenPositions(trader), p.MaxLiquidationIncentive)
	if err != nil {
		return repaid, err
	}
	c.feed.Emit(&event.CollateralLiquidated{
		Trader:     trader,
		Liquidator: liquidator,
		Repaid:     repaid,
		Incentive:  p.MaxLiquidationIncentive,
		Sequence:   c.nextSeq(),
	})
	return repaid, nil
}

func (c *ClearingHouse) emitCollateralLiquidated(liquidator, trader common.Address, asset string, repaid int64, seized *big.Int, incentive int64) {
	c.feed.Emit(&event.CollateralLiquidated{
		Trader:     trader,
		Liquidator: liquidator,
		Asset:      asset,
		Repaid:     repaid,
		Seized:     new(big.Int).Set(seized),
		Incentive:  incentive,
		Sequence:   c.nextSeq(),
	})
}

// SettleBadDebt zeroes an insolvent account against the insurance
// reserve, auctioning everything seized.
func (c *ClearingHouse) SettleBadDebt(now int64, trader common.Address) (int64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()

	p := c.params.Get()
	debt, seized, err := c.margin.SettleBadDebt(trader, c.hasOpenPositions(trader), c.reserve, now, p.AuctionDurationSecs)
	if err != nil {
		return 0, err
	}

	assets := make([]string, 0, len(seized))
	for _, s := range seized {
		assets = append(assets, s.Asset)
		c.feed.Emit(&event.AuctionStarted{
			Asset:      s.Asset,
			Units:      new(big.Int).Set(s.Units),
			StartPrice: c.reserve.AuctionPrice(s.Asset, now),
			StartedAt:  now,
			ExpiryTime: now + p.AuctionDurationSecs,
		})
	}
	c.feed.Emit(&event.BadDebtSettled{
		Trader:   trader,
		Debt:     debt,
		Assets:   assets,
		Sequence: c.nextSeq(),
	})
	return debt, nil
}

// BuyCollateralFromAuction sells seized collateral to the buyer at the
// current decayed price, debiting their stable margin. The buyer must
// hold the full cost in stable; auction purchases never create debt.
func (c *ClearingHouse) BuyCollateralFromAuction(now int64, buyer common.Address, asset string, units *big.Int) (int64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()

	idx, ok := c.margin.IndexOf(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", margin.ErrUnknownCollateral, asset)
	}
	price := c.reserve.AuctionPrice(asset, now)
	cost := estimateAuctionCost(units, price, c.margin.Collaterals()[idx].Decimals)
	if c.margin.StableBalance(buyer) < cost {
		return 0, fmt.Errorf("%w: need %d stable", margin.ErrInsufficientBalance, cost)
	}

	cost, err := c.reserve.BuyCollateral(asset, units, now)
	if err != nil {
		return 0, err
	}
	c.margin.ChangeStable(buyer, -cost)
	if err := c.margin.Deposit(buyer, idx, units); err != nil {
		return 0, err
	}

	c.feed.Emit(&event.CollateralSold{
		Asset:    asset,
		Buyer:    buyer,
		Units:    new(big.Int).Set(units),
		Cost:     cost,
		Closed:   !c.reserve.IsAuctionOngoing(asset, now),
		Sequence: c.nextSeq(),
	})
	return cost, nil
}

func estimateAuctionCost(units *big.Int, price int64, decimals uint8) int64 {
	return fixed.MulDiv(units, fixed.Big(price), fixed.Pow10(int64(decimals))).Int64()
}
