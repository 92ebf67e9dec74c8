package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AuctionStarted reports seized collateral put up for dutch-auction sale.
type AuctionStarted struct {
	Asset      string
	Units      *big.Int // asset units added to the lot
	StartPrice int64    // 1e6, oracle price at markup
	StartedAt  int64
	ExpiryTime int64
}

func (e *AuctionStarted) IdempotencyKey() string {
	return fmt.Sprintf("auction:%s:%d", e.Asset, e.StartedAt)
}

func (e *AuctionStarted) EventType() EventType {
	return EventTypeAuctionStarted
}

func (e *AuctionStarted) MarketID() *string {
	return nil
}

// CollateralSold reports an auction purchase.
type CollateralSold struct {
	Asset    string
	Buyer    common.Address
	Units    *big.Int // asset units
	Cost     int64    // 1e6 credited to the reserve
	Closed   bool     // full remaining lot bought, auction over
	Sequence int64
}

func (e *CollateralSold) IdempotencyKey() string {
	return fmt.Sprintf("auction-buy:%s:%d", e.Asset, e.Sequence)
}

func (e *CollateralSold) EventType() EventType {
	return EventTypeCollateralSold
}

func (e *CollateralSold) MarketID() *string {
	return nil
}
