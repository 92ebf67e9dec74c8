package event

import "fmt"

// FundingRateUpdated reports one funding settlement tick.
// Idempotency key: "{market}:{nextFundingTime}", one tick per interval.
type FundingRateUpdated struct {
	Market                    string
	PremiumFraction           int64 // 1e6, quote per base unit, signed
	MarkTwap                  int64 // 1e6
	IndexTwap                 int64 // 1e6
	CumulativePremiumFraction int64 // 1e6
	NextFundingTime           int64
}

func (e *FundingRateUpdated) IdempotencyKey() string {
	return fmt.Sprintf("funding:%s:%d", e.Market, e.NextFundingTime)
}

func (e *FundingRateUpdated) EventType() EventType {
	return EventTypeFundingRateUpdated
}

func (e *FundingRateUpdated) MarketID() *string {
	s := e.Market
	return &s
}
