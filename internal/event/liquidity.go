package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidityAdded reports a maker deposit into the pricing curve.
type LiquidityAdded struct {
	Market   string
	Maker    common.Address
	Quote    int64    // 1e6
	Base     *big.Int // 1e18 locked alongside the quote
	DToken   *big.Int // 1e18 share minted
	Sequence int64
}

func (e *LiquidityAdded) IdempotencyKey() string {
	return fmt.Sprintf("liq-add:%s:%s:%d", e.Market, e.Maker, e.Sequence)
}

func (e *LiquidityAdded) EventType() EventType {
	return EventTypeLiquidityAdded
}

func (e *LiquidityAdded) MarketID() *string {
	s := e.Market
	return &s
}

// LiquidityRemoved reports a maker share burn, including any implicit
// position crystallized by the withdrawal.
type LiquidityRemoved struct {
	Market          string
	Maker           common.Address
	Quote           int64    // 1e6 returned
	Base            *big.Int // 1e18 returned
	DToken          *big.Int // 1e18 share burned
	CrystallizedPos *big.Int // 1e18, signed, zero when balanced
	Sequence        int64
}

func (e *LiquidityRemoved) IdempotencyKey() string {
	return fmt.Sprintf("liq-rm:%s:%s:%d", e.Market, e.Maker, e.Sequence)
}

func (e *LiquidityRemoved) EventType() EventType {
	return EventTypeLiquidityRemoved
}

func (e *LiquidityRemoved) MarketID() *string {
	s := e.Market
	return &s
}
