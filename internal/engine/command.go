package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/orderbook"
	"PerpClear/internal/params"
)

// Command is one state-changing operation submitted to the engine. Kind
// names the operation for metrics and the op log; IdempotencyKey dedupes
// redelivered commands. Timestamps ride on the commands themselves, the
// engine never reads the wall clock.
type Command interface {
	Kind() string
	IdempotencyKey() string
}

// PlaceOrder admits a resting limit order. Sender must match the order's
// trader.
type PlaceOrder struct {
	Sender common.Address
	Order  orderbook.Order
	Now    int64
}

func (c *PlaceOrder) Kind() string { return "place_order" }

func (c *PlaceOrder) IdempotencyKey() string {
	return fmt.Sprintf("place:%s", c.Order.Hash())
}

// CancelOrder removes the sender's open order.
type CancelOrder struct {
	Sender common.Address
	Hash   common.Hash
}

func (c *CancelOrder) Kind() string { return "cancel_order" }

func (c *CancelOrder) IdempotencyKey() string {
	return fmt.Sprintf("cancel:%s", c.Hash)
}

// MatchOrders crosses two signed orders for FillQty base units at the
// maker's (first order's) price.
type MatchOrders struct {
	Orders  [2]orderbook.Order
	Sigs    [2][]byte
	FillQty *big.Int
	Now     int64
}

func (c *MatchOrders) Kind() string { return "match_orders" }

func (c *MatchOrders) IdempotencyKey() string {
	return fmt.Sprintf("match:%s:%s:%s", c.Orders[0].Hash(), c.Orders[1].Hash(), c.FillQty)
}

// OpenPosition trades against the curve. Ref is the submitter's unique
// reference for redelivery dedup.
type OpenPosition struct {
	Ref        string
	Trader     common.Address
	Market     string
	BaseQty    *big.Int
	LimitPrice int64
	Now        int64
}

func (c *OpenPosition) Kind() string           { return "open_position" }
func (c *OpenPosition) IdempotencyKey() string { return "open:" + c.Ref }

// AddLiquidity deposits quote into a market's curve for dToken.
type AddLiquidity struct {
	Ref    string
	Maker  common.Address
	Market string
	Quote  int64
	Now    int64
}

func (c *AddLiquidity) Kind() string           { return "add_liquidity" }
func (c *AddLiquidity) IdempotencyKey() string { return "add-liq:" + c.Ref }

// RemoveLiquidity burns dToken for quote, crystallizing the maker's
// implied position.
type RemoveLiquidity struct {
	Ref    string
	Maker  common.Address
	Market string
	DToken *big.Int
	Now    int64
}

func (c *RemoveLiquidity) Kind() string           { return "remove_liquidity" }
func (c *RemoveLiquidity) IdempotencyKey() string { return "rm-liq:" + c.Ref }

// Liquidate closes part of an under-margined position against the curve.
type Liquidate struct {
	Ref        string
	Liquidator common.Address
	Market     string
	Trader     common.Address
	Now        int64
}

func (c *Liquidate) Kind() string           { return "liquidate" }
func (c *Liquidate) IdempotencyKey() string { return "liq:" + c.Ref }

// LiquidateWithOrder closes part of an under-margined position against a
// signed counter order instead of the curve.
type LiquidateWithOrder struct {
	Liquidator common.Address
	Trader     common.Address
	Counter    orderbook.Order
	Sig        []byte
	FillQty    *big.Int
	Now        int64
}

func (c *LiquidateWithOrder) Kind() string { return "liquidate_with_order" }

func (c *LiquidateWithOrder) IdempotencyKey() string {
	return fmt.Sprintf("liq-order:%s:%s:%s", c.Trader, c.Counter.Hash(), c.FillQty)
}

// CollateralMode selects how a collateral liquidation is sized.
type CollateralMode uint8

const (
	// CollateralModeExactRepay repays Repay exactly, seizing at least MinSeize.
	CollateralModeExactRepay CollateralMode = iota
	// CollateralModeExactSeize seizes Seize exactly, repaying at most MaxRepay.
	CollateralModeExactSeize
	// CollateralModeFlexible walks Assets in order until MaxRepay or the
	// debt is cleared.
	CollateralModeFlexible
)

// LiquidateCollateral repays an insolvent account's stable debt for a
// discount on its non-stable collateral.
type LiquidateCollateral struct {
	Ref        string
	Mode       CollateralMode
	Liquidator common.Address
	Trader     common.Address
	Asset      string
	Assets     []string
	Repay      int64
	MaxRepay   int64
	MinSeize   *big.Int
	Seize      *big.Int
}

func (c *LiquidateCollateral) Kind() string           { return "liquidate_collateral" }
func (c *LiquidateCollateral) IdempotencyKey() string { return "col-liq:" + c.Ref }

// SettleBadDebt absorbs an insolvent account into the insurance reserve.
type SettleBadDebt struct {
	Ref    string
	Trader common.Address
	Now    int64
}

func (c *SettleBadDebt) Kind() string           { return "settle_bad_debt" }
func (c *SettleBadDebt) IdempotencyKey() string { return "bad-debt:" + c.Ref }

// BuyCollateral purchases seized collateral from a running auction.
type BuyCollateral struct {
	Ref   string
	Buyer common.Address
	Asset string
	Units *big.Int
	Now   int64
}

func (c *BuyCollateral) Kind() string           { return "buy_collateral" }
func (c *BuyCollateral) IdempotencyKey() string { return "buy-col:" + c.Ref }

// FundingTick drives one funding settlement pass across all markets.
type FundingTick struct {
	Now int64
}

func (c *FundingTick) Kind() string { return "funding_tick" }

func (c *FundingTick) IdempotencyKey() string {
	return fmt.Sprintf("funding-tick:%d", c.Now)
}

// DepositCollateral credits margin collateral to a trader. For the stable
// asset the amount moves from the trader's bank balance into the house
// vault first.
type DepositCollateral struct {
	Ref    string
	Trader common.Address
	Asset  string
	Amount *big.Int
}

func (c *DepositCollateral) Kind() string           { return "deposit_collateral" }
func (c *DepositCollateral) IdempotencyKey() string { return "deposit:" + c.Ref }

// WithdrawCollateral debits margin collateral, subject to the margin gate.
type WithdrawCollateral struct {
	Ref    string
	Trader common.Address
	Asset  string
	Amount *big.Int
}

func (c *WithdrawCollateral) Kind() string           { return "withdraw_collateral" }
func (c *WithdrawCollateral) IdempotencyKey() string { return "withdraw:" + c.Ref }

// MintStable issues stable against confirmed backing deposits.
type MintStable struct {
	Ref    string
	To     common.Address
	Amount int64
}

func (c *MintStable) Kind() string           { return "mint_stable" }
func (c *MintStable) IdempotencyKey() string { return "mint:" + c.Ref }

// RedeemStable burns the trader's stable and queues the redemption.
type RedeemStable struct {
	Ref    string
	Trader common.Address
	Amount int64
	Now    int64
}

func (c *RedeemStable) Kind() string           { return "redeem_stable" }
func (c *RedeemStable) IdempotencyKey() string { return "redeem:" + c.Ref }

// ProcessWithdrawals pays queued redemptions oldest-first.
type ProcessWithdrawals struct {
	Ref         string
	MaxRequests int
}

func (c *ProcessWithdrawals) Kind() string           { return "process_withdrawals" }
func (c *ProcessWithdrawals) IdempotencyKey() string { return "process-wd:" + c.Ref }

// UpdateParams applies a governance parameter change.
type UpdateParams struct {
	Ref    string
	Params params.Params
}

func (c *UpdateParams) Kind() string           { return "update_params" }
func (c *UpdateParams) IdempotencyKey() string { return "params:" + c.Ref }

// SetReferrer records a referral link for fee sharing.
type SetReferrer struct {
	Ref      string
	Trader   common.Address
	Referrer common.Address
}

func (c *SetReferrer) Kind() string           { return "set_referrer" }
func (c *SetReferrer) IdempotencyKey() string { return "referrer:" + c.Ref }
