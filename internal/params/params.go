package params

import "fmt"

// Params holds the governance-configurable risk knobs. All fractions and
// rates are 1e6-scaled. The clearing house reads these at call time, never
// caches them, so an update takes effect on the next operation.
type Params struct {
	MaintenanceMargin       int64 // liquidation threshold, e.g. 100_000 = 10%
	MinAllowableMargin      int64 // open/increase threshold, stricter than MM
	TradeFeeRate            int64 // taker fee on quote volume, e.g. 500 = 0.05%
	LiquidationPenalty      int64 // share of closed notional routed as penalty
	ReferralDiscount        int64 // fee discount for a referred trader
	ReferrerShare           int64 // fee share credited to the referrer
	MaxFundingRate          int64 // premium clamp per day, e.g. 50_000 = 5%
	PartialLiquidationRatio int64 // share of |size| closed per liquidation call
	MaxOracleSpreadRatio    int64 // mark/index divergence before oracle pricing governs
	MaxLiquidationIncentive int64 // cap on incentivePerDollar, e.g. 1_050_000
	AuctionDurationSecs     int64 // dutch-auction decay window
	FundingIntervalSecs     int64 // min gap between funding settlements
	SpotTwapWindowSecs      int64 // window for mark/index TWAPs
}

// Defaults returns the launch parameter set.
func Defaults() Params {
	return Params{
		MaintenanceMargin:       100_000,   // 10%
		MinAllowableMargin:      200_000,   // 20% (5x max leverage)
		TradeFeeRate:            500,       // 0.05%
		LiquidationPenalty:      50_000,    // 5%
		ReferralDiscount:        50,        // 0.005%
		ReferrerShare:           100,       // 0.01%
		MaxFundingRate:          50_000,    // 5% of index per day
		PartialLiquidationRatio: 250_000,   // 25%
		MaxOracleSpreadRatio:    200_000,   // 20%
		MaxLiquidationIncentive: 1_050_000, // 1.05 per dollar repaid
		AuctionDurationSecs:     2 * 3600,
		FundingIntervalSecs:     3600,
		SpotTwapWindowSecs:      3600,
	}
}

// Validate checks that the knob set is internally consistent.
func Validate(p Params) error {
	if p.MaintenanceMargin <= 0 {
		return fmt.Errorf("maintenance_margin must be > 0, got %d", p.MaintenanceMargin)
	}
	if p.MinAllowableMargin <= p.MaintenanceMargin {
		return fmt.Errorf("min_allowable_margin (%d) must be > maintenance_margin (%d)",
			p.MinAllowableMargin, p.MaintenanceMargin)
	}
	if p.TradeFeeRate < 0 || p.TradeFeeRate >= 1_000_000 {
		return fmt.Errorf("trade_fee_rate out of range: %d", p.TradeFeeRate)
	}
	if p.ReferralDiscount+p.ReferrerShare > p.TradeFeeRate {
		return fmt.Errorf("referral bps (%d+%d) exceed trade fee (%d)",
			p.ReferralDiscount, p.ReferrerShare, p.TradeFeeRate)
	}
	if p.PartialLiquidationRatio <= 0 || p.PartialLiquidationRatio > 1_000_000 {
		return fmt.Errorf("partial_liquidation_ratio out of range: %d", p.PartialLiquidationRatio)
	}
	if p.MaxLiquidationIncentive < 1_000_000 {
		return fmt.Errorf("max_liquidation_incentive must be >= 1.0, got %d", p.MaxLiquidationIncentive)
	}
	if p.AuctionDurationSecs <= 0 {
		return fmt.Errorf("auction_duration must be > 0, got %d", p.AuctionDurationSecs)
	}
	if p.FundingIntervalSecs <= 0 {
		return fmt.Errorf("funding_interval must be > 0, got %d", p.FundingIntervalSecs)
	}
	return nil
}

// Store hands out the current parameter set. Writes come only through
// Update, which rejects inconsistent sets; the core never mutates it.
type Store struct {
	current Params
}

func NewStore(p Params) (*Store, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	return &Store{current: p}, nil
}

// Get returns the live parameter set.
func (s *Store) Get() Params {
	return s.current
}

// Update replaces the parameter set after validation.
func (s *Store) Update(p Params) error {
	if err := Validate(p); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	s.current = p
	return nil
}
