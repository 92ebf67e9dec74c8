package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PositionLiquidated reports a forced partial close of an under-margined
// position.
type PositionLiquidated struct {
	Market      string
	Trader      common.Address
	Liquidator  common.Address
	ClosedSize  *big.Int // 1e18, signed
	Quote       int64    // 1e6, close proceeds or cost
	RealizedPnl int64    // 1e6, signed
	Penalty     int64    // 1e6, routed to the insurance reserve
	Sequence    int64
}

func (e *PositionLiquidated) IdempotencyKey() string {
	return fmt.Sprintf("pos-liq:%s:%s:%d", e.Market, e.Trader, e.Sequence)
}

func (e *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (e *PositionLiquidated) MarketID() *string {
	s := e.Market
	return &s
}

// CollateralLiquidated reports one margin-account liquidation leg: stable
// debt repaid against collateral seized at the incentive price.
type CollateralLiquidated struct {
	Trader     common.Address
	Liquidator common.Address
	Asset      string
	Repaid     int64    // 1e6
	Seized     *big.Int // asset units
	Incentive  int64    // 1e6 per dollar repaid
	Sequence   int64
}

func (e *CollateralLiquidated) IdempotencyKey() string {
	return fmt.Sprintf("col-liq:%s:%s:%d", e.Trader, e.Asset, e.Sequence)
}

func (e *CollateralLiquidated) EventType() EventType {
	return EventTypeCollateralLiquidated
}

func (e *CollateralLiquidated) MarketID() *string {
	return nil
}

// BadDebtSettled reports an insolvent account zeroed against the reserve.
type BadDebtSettled struct {
	Trader   common.Address
	Debt     int64 // 1e6 absorbed by the reserve
	Assets   []string
	Sequence int64
}

func (e *BadDebtSettled) IdempotencyKey() string {
	return fmt.Sprintf("bad-debt:%s:%d", e.Trader, e.Sequence)
}

func (e *BadDebtSettled) EventType() EventType {
	return EventTypeBadDebtSettled
}

func (e *BadDebtSettled) MarketID() *string {
	return nil
}
