package event

import "fmt"

// ParamsUpdated reports a governance parameter change. The next operation
// already reads the new values; indexers use this to explain rate shifts.
type ParamsUpdated struct {
	MaintenanceMargin       int64
	MinAllowableMargin      int64
	TradeFeeRate            int64
	LiquidationPenalty      int64
	MaxFundingRate          int64
	PartialLiquidationRatio int64
	Sequence                int64
}

func (e *ParamsUpdated) IdempotencyKey() string {
	return fmt.Sprintf("params:%d", e.Sequence)
}

func (e *ParamsUpdated) EventType() EventType {
	return EventTypeParamsUpdated
}

func (e *ParamsUpdated) MarketID() *string {
	return nil
}
