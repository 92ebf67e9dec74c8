package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderPlaced mirrors a resting order admitted to the book.
type OrderPlaced struct {
	Market     string
	Trader     common.Address
	OrderHash  common.Hash
	BaseQty    *big.Int // 1e18, signed
	Price      int64    // 1e6
	Salt       uint64
	ReduceOnly bool
	ExpireAt   int64 // 0 for resting limit orders
}

func (e *OrderPlaced) IdempotencyKey() string {
	return fmt.Sprintf("order-placed:%s", e.OrderHash)
}

func (e *OrderPlaced) EventType() EventType {
	return EventTypeOrderPlaced
}

func (e *OrderPlaced) MarketID() *string {
	s := e.Market
	return &s
}

type OrderCancelled struct {
	Market    string
	Trader    common.Address
	OrderHash common.Hash
}

func (e *OrderCancelled) IdempotencyKey() string {
	return fmt.Sprintf("order-cancelled:%s", e.OrderHash)
}

func (e *OrderCancelled) EventType() EventType {
	return EventTypeOrderCancelled
}

func (e *OrderCancelled) MarketID() *string {
	s := e.Market
	return &s
}

// OrdersMatched reports one settled fill between two signed orders.
// FillAmount carries the sign of the maker order.
type OrdersMatched struct {
	Market     string
	MakerHash  common.Hash
	TakerHash  common.Hash
	Maker      common.Address
	Taker      common.Address
	FillAmount *big.Int // 1e18, signed
	Price      int64    // 1e6, maker limit
}

func (e *OrdersMatched) IdempotencyKey() string {
	return fmt.Sprintf("matched:%s:%s:%s", e.MakerHash, e.TakerHash, e.FillAmount)
}

func (e *OrdersMatched) EventType() EventType {
	return EventTypeOrdersMatched
}

func (e *OrdersMatched) MarketID() *string {
	s := e.Market
	return &s
}
