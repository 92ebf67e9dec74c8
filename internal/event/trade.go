package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PositionModified reports the full ledger delta of one position change:
// the fill, its cost, the fee charged, realized PnL, the funding applied
// at the touch, and the state the position ended in.
type PositionModified struct {
	Market         string
	Trader         common.Address
	BaseQty        *big.Int // 1e18, signed fill
	Quote          int64    // 1e6, curve cost or proceeds
	Fee            int64    // 1e6, taker fee after referral discount
	RealizedPnl    int64    // 1e6, signed
	FundingApplied int64    // 1e6, positive = trader paid
	OpenNotional   int64    // 1e6, after the fill
	Size           *big.Int // 1e18, after the fill
	MarkPrice      int64    // 1e6, curve price after the fill
	Sequence       int64
}

func (e *PositionModified) IdempotencyKey() string {
	return fmt.Sprintf("position:%s:%s:%d", e.Market, e.Trader, e.Sequence)
}

func (e *PositionModified) EventType() EventType {
	return EventTypePositionModified
}

func (e *PositionModified) MarketID() *string {
	s := e.Market
	return &s
}
