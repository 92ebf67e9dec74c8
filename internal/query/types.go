package query

// Response types for the read surface. Quote-denominated values are 1e6,
// base and collateral amounts are decimal strings in the asset's own
// scale. Every response carries AsOfSequence: the engine sequence the
// snapshot was taken at.

// AccountExposure aggregates a trader's cross-market exposure.
type AccountExposure struct {
	Trader        string `json:"trader"`
	Notional      int64  `json:"notional"`
	UnrealizedPnl int64  `json:"unrealized_pnl"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// MarginFractionView reports account health. HasExposure is false for a
// flat account, in which case Fraction is meaningless.
type MarginFractionView struct {
	Trader            string `json:"trader"`
	Fraction          int64  `json:"fraction"`
	HasExposure       bool   `json:"has_exposure"`
	MaintenanceMargin int64  `json:"maintenance_margin"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// PositionView is one market position.
type PositionView struct {
	Market               string `json:"market"`
	Size                 string `json:"size"`
	OpenNotional         int64  `json:"open_notional"`
	Notional             int64  `json:"notional"`
	UnrealizedPnl        int64  `json:"unrealized_pnl"`
	PendingFunding       int64  `json:"pending_funding"`
	LiquidationThreshold string `json:"liquidation_threshold"`
}

// MakerView is one market maker share.
type MakerView struct {
	Market       string `json:"market"`
	DToken       string `json:"dtoken"`
	Size         string `json:"size"`
	OpenNotional int64  `json:"open_notional"`
}

// PositionList is a trader's open positions and maker shares.
type PositionList struct {
	Trader       string         `json:"trader"`
	Positions    []PositionView `json:"positions"`
	MakerShares  []MakerView    `json:"maker_shares"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// LiquidationCheck classifies whether a trader can be liquidated.
// Mode is "position" when open exposure governs, "collateral" for the
// margin-account path on flat accounts.
type LiquidationCheck struct {
	Trader         string `json:"trader"`
	Mode           string `json:"mode"`
	Liquidatable   bool   `json:"liquidatable"`
	MarginFraction int64  `json:"margin_fraction,omitempty"`
	Status         string `json:"status,omitempty"`
	Incentive      int64  `json:"incentive,omitempty"`
	Debt           int64  `json:"debt,omitempty"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// AuctionQuote is the current Dutch-auction price for a seized asset.
type AuctionQuote struct {
	Asset        string `json:"asset"`
	Ongoing      bool   `json:"ongoing"`
	Price        int64  `json:"price"`
	Holding      string `json:"holding"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// CollateralBalance is one margin-account line.
type CollateralBalance struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
	Weight  int64  `json:"weight"`
}

// BalanceSheet is a trader's margin account plus bank holdings.
type BalanceSheet struct {
	Trader             string              `json:"trader"`
	Collateral         []CollateralBalance `json:"collateral"`
	WeightedCollateral int64               `json:"weighted_collateral"`
	SpotCollateral     int64               `json:"spot_collateral"`
	BankBalance        int64               `json:"bank_balance"`
	AsOfSequence       int64               `json:"as_of_sequence"`
}

// MarketView summarizes one market.
type MarketView struct {
	Name                      string `json:"name"`
	Underlying                string `json:"underlying"`
	MarkPrice                 int64  `json:"mark_price"`
	IndexPrice                int64  `json:"index_price"`
	OpenInterestLong          string `json:"open_interest_long"`
	OpenInterestShort         string `json:"open_interest_short"`
	CumulativePremiumFraction int64  `json:"cumulative_premium_fraction"`
}

// MarketList is the market directory.
type MarketList struct {
	Markets      []MarketView `json:"markets"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// WithdrawalView is one queued stable redemption.
type WithdrawalView struct {
	RequestID string `json:"request_id"`
	Trader    string `json:"trader"`
	Amount    int64  `json:"amount"`
	QueuedAt  int64  `json:"queued_at"`
}

// WithdrawalQueue is the bank's pending redemptions plus reserve totals.
type WithdrawalQueue struct {
	Pending      []WithdrawalView `json:"pending"`
	QueuedTotal  int64            `json:"queued_total"`
	Reserves     int64            `json:"reserves"`
	Supply       int64            `json:"supply"`
	AsOfSequence int64            `json:"as_of_sequence"`
}
