package orderbook

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Order is a signed off-band order. BaseQty is the signed base quantity at
// 1e18 (positive = long, negative = short) and Price is the 1e6 limit
// price. ExpireAt > 0 marks the order immediate-or-cancel: it must fill at
// or before that timestamp and never rests in the book.
type Order struct {
	Market     string
	Trader     common.Address
	BaseQty    *big.Int
	Price      int64
	Salt       uint64
	ReduceOnly bool
	ExpireAt   int64
}

// IsIOC reports whether the order is immediate-or-cancel.
func (o *Order) IsIOC() bool {
	return o.ExpireAt > 0
}

// Hash is the keccak of the packed order fields. Salt makes otherwise
// identical orders distinct; everything else pins the economic terms so a
// signature covers exactly what gets matched.
func (o *Order) Hash() common.Hash {
	buf := make([]byte, 0, 20+len(o.Market)+32+8+8+1+8)
	buf = append(buf, o.Trader.Bytes()...)
	buf = append(buf, []byte(o.Market)...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(o.BaseQty))...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Price))
	buf = binary.BigEndian.AppendUint64(buf, o.Salt)
	if o.ReduceOnly {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.ExpireAt))
	return crypto.Keccak256Hash(buf)
}

// OrderStatus is the order lifecycle state.
type OrderStatus int

const (
	Invalid OrderStatus = iota
	Placed
	PartiallyFilled
	Filled
	Cancelled
)

func (s OrderStatus) String() string {
	switch s {
	case Placed:
		return "Placed"
	case PartiallyFilled:
		return "PartiallyFilled"
	case Filled:
		return "Filled"
	case Cancelled:
		return "Cancelled"
	default:
		return "Invalid"
	}
}
