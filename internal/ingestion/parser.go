package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"PerpClear/internal/engine"
	"PerpClear/internal/orderbook"
	"PerpClear/internal/params"
)

// ParseCommand converts a wire payload into a typed engine command. The
// kind is the subject suffix and matches Command.Kind. Field names use
// snake_case; base quantities and collateral units are decimal strings,
// signatures are 0x-prefixed hex.
func ParseCommand(kind string, data []byte) (engine.Command, error) {
	switch kind {
	case "place_order":
		return parsePlaceOrder(data)
	case "cancel_order":
		return parseCancelOrder(data)
	case "match_orders":
		return parseMatchOrders(data)
	case "open_position":
		return parseOpenPosition(data)
	case "add_liquidity":
		return parseAddLiquidity(data)
	case "remove_liquidity":
		return parseRemoveLiquidity(data)
	case "liquidate":
		return parseLiquidate(data)
	case "liquidate_with_order":
		return parseLiquidateWithOrder(data)
	case "liquidate_collateral":
		return parseLiquidateCollateral(data)
	case "settle_bad_debt":
		return parseSettleBadDebt(data)
	case "buy_collateral":
		return parseBuyCollateral(data)
	case "funding_tick":
		return parseFundingTick(data)
	case "deposit_collateral":
		return parseDepositCollateral(data)
	case "withdraw_collateral":
		return parseWithdrawCollateral(data)
	case "mint_stable":
		return parseMintStable(data)
	case "redeem_stable":
		return parseRedeemStable(data)
	case "process_withdrawals":
		return parseProcessWithdrawals(data)
	case "update_params":
		return parseUpdateParams(data)
	case "set_referrer":
		return parseSetReferrer(data)
	default:
		return nil, fmt.Errorf("unknown command kind: %s", kind)
	}
}

// --- helpers ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: not a hex address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a decimal integer: %q", field, s)
	}
	return v, nil
}

func parseSig(field, s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return sig, nil
}

// --- JSON wire formats ---

type orderJSON struct {
	Market     string `json:"market"`
	Trader     string `json:"trader"`
	BaseQty    string `json:"base_qty"`
	Price      int64  `json:"price"`
	Salt       uint64 `json:"salt"`
	ReduceOnly bool   `json:"reduce_only"`
	ExpireAt   int64  `json:"expire_at"`
}

func (j orderJSON) toOrder() (orderbook.Order, error) {
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return orderbook.Order{}, err
	}
	qty, err := parseBig("base_qty", j.BaseQty)
	if err != nil {
		return orderbook.Order{}, err
	}
	return orderbook.Order{
		Market:     j.Market,
		Trader:     trader,
		BaseQty:    qty,
		Price:      j.Price,
		Salt:       j.Salt,
		ReduceOnly: j.ReduceOnly,
		ExpireAt:   j.ExpireAt,
	}, nil
}

type placeOrderJSON struct {
	Sender string    `json:"sender"`
	Order  orderJSON `json:"order"`
	Now    int64     `json:"now"`
}

func parsePlaceOrder(data []byte) (*engine.PlaceOrder, error) {
	var j placeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse place_order: %w", err)
	}
	sender, err := parseAddress("sender", j.Sender)
	if err != nil {
		return nil, err
	}
	order, err := j.Order.toOrder()
	if err != nil {
		return nil, err
	}
	return &engine.PlaceOrder{Sender: sender, Order: order, Now: j.Now}, nil
}

type cancelOrderJSON struct {
	Sender string `json:"sender"`
	Hash   string `json:"hash"`
}

func parseCancelOrder(data []byte) (*engine.CancelOrder, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse cancel_order: %w", err)
	}
	sender, err := parseAddress("sender", j.Sender)
	if err != nil {
		return nil, err
	}
	return &engine.CancelOrder{Sender: sender, Hash: common.HexToHash(j.Hash)}, nil
}

type matchOrdersJSON struct {
	Maker    orderJSON `json:"maker"`
	Taker    orderJSON `json:"taker"`
	MakerSig string    `json:"maker_sig"`
	TakerSig string    `json:"taker_sig"`
	FillQty  string    `json:"fill_qty"`
	Now      int64     `json:"now"`
}

func parseMatchOrders(data []byte) (*engine.MatchOrders, error) {
	var j matchOrdersJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse match_orders: %w", err)
	}
	maker, err := j.Maker.toOrder()
	if err != nil {
		return nil, err
	}
	taker, err := j.Taker.toOrder()
	if err != nil {
		return nil, err
	}
	makerSig, err := parseSig("maker_sig", j.MakerSig)
	if err != nil {
		return nil, err
	}
	takerSig, err := parseSig("taker_sig", j.TakerSig)
	if err != nil {
		return nil, err
	}
	fill, err := parseBig("fill_qty", j.FillQty)
	if err != nil {
		return nil, err
	}
	return &engine.MatchOrders{
		Orders:  [2]orderbook.Order{maker, taker},
		Sigs:    [2][]byte{makerSig, takerSig},
		FillQty: fill,
		Now:     j.Now,
	}, nil
}

type openPositionJSON struct {
	Ref        string `json:"ref"`
	Trader     string `json:"trader"`
	Market     string `json:"market"`
	BaseQty    string `json:"base_qty"`
	LimitPrice int64  `json:"limit_price"`
	Now        int64  `json:"now"`
}

func parseOpenPosition(data []byte) (*engine.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse open_position: %w", err)
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	qty, err := parseBig("base_qty", j.BaseQty)
	if err != nil {
		return nil, err
	}
	return &engine.OpenPosition{
		Ref: j.Ref, Trader: trader, Market: j.Market,
		BaseQty: qty, LimitPrice: j.LimitPrice, Now: j.Now,
	}, nil
}

type addLiquidityJSON struct {
	Ref    string `json:"ref"`
	Maker  string `json:"maker"`
	Market string `json:"market"`
	Quote  int64  `json:"quote"`
	Now    int64  `json:"now"`
}

func parseAddLiquidity(data []byte) (*engine.AddLiquidity, error) {
	var j addLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse add_liquidity: %w", err)
	}
	maker, err := parseAddress("maker", j.Maker)
	if err != nil {
		return nil, err
	}
	return &engine.AddLiquidity{Ref: j.Ref, Maker: maker, Market: j.Market, Quote: j.Quote, Now: j.Now}, nil
}

type removeLiquidityJSON struct {
	Ref    string `json:"ref"`
	Maker  string `json:"maker"`
	Market string `json:"market"`
	DToken string `json:"dtoken"`
	Now    int64  `json:"now"`
}

func parseRemoveLiquidity(data []byte) (*engine.RemoveLiquidity, error) {
	var j removeLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse remove_liquidity: %w", err)
	}
	maker, err := parseAddress("maker", j.Maker)
	if err != nil {
		return nil, err
	}
	dToken, err := parseBig("dtoken", j.DToken)
	if err != nil {
		return nil, err
	}
	return &engine.RemoveLiquidity{Ref: j.Ref, Maker: maker, Market: j.Market, DToken: dToken, Now: j.Now}, nil
}

type liquidateJSON struct {
	Ref        string `json:"ref"`
	Liquidator string `json:"liquidator"`
	Market     string `json:"market"`
	Trader     string `json:"trader"`
	Now        int64  `json:"now"`
}

func parseLiquidate(data []byte) (*engine.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidate: %w", err)
	}
	liquidator, err := parseAddress("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	return &engine.Liquidate{Ref: j.Ref, Liquidator: liquidator, Market: j.Market, Trader: trader, Now: j.Now}, nil
}

type liquidateWithOrderJSON struct {
	Liquidator string    `json:"liquidator"`
	Trader     string    `json:"trader"`
	Counter    orderJSON `json:"counter"`
	Sig        string    `json:"sig"`
	FillQty    string    `json:"fill_qty"`
	Now        int64     `json:"now"`
}

func parseLiquidateWithOrder(data []byte) (*engine.LiquidateWithOrder, error) {
	var j liquidateWithOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidate_with_order: %w", err)
	}
	liquidator, err := parseAddress("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	counter, err := j.Counter.toOrder()
	if err != nil {
		return nil, err
	}
	sig, err := parseSig("sig", j.Sig)
	if err != nil {
		return nil, err
	}
	fill, err := parseBig("fill_qty", j.FillQty)
	if err != nil {
		return nil, err
	}
	return &engine.LiquidateWithOrder{
		Liquidator: liquidator, Trader: trader, Counter: counter,
		Sig: sig, FillQty: fill, Now: j.Now,
	}, nil
}

type liquidateCollateralJSON struct {
	Ref        string   `json:"ref"`
	Mode       string   `json:"mode"` // exact_repay | exact_seize | flexible
	Liquidator string   `json:"liquidator"`
	Trader     string   `json:"trader"`
	Asset      string   `json:"asset"`
	Assets     []string `json:"assets"`
	Repay      int64    `json:"repay"`
	MaxRepay   int64    `json:"max_repay"`
	MinSeize   string   `json:"min_seize"`
	Seize      string   `json:"seize"`
}

func parseLiquidateCollateral(data []byte) (*engine.LiquidateCollateral, error) {
	var j liquidateCollateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidate_collateral: %w", err)
	}
	liquidator, err := parseAddress("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}

	cmd := &engine.LiquidateCollateral{
		Ref:        j.Ref,
		Liquidator: liquidator,
		Trader:     trader,
		Asset:      j.Asset,
		Assets:     j.Assets,
		Repay:      j.Repay,
		MaxRepay:   j.MaxRepay,
	}

	switch j.Mode {
	case "exact_repay":
		cmd.Mode = engine.CollateralModeExactRepay
		if cmd.MinSeize, err = parseBig("min_seize", j.MinSeize); err != nil {
			return nil, err
		}
	case "exact_seize":
		cmd.Mode = engine.CollateralModeExactSeize
		if cmd.Seize, err = parseBig("seize", j.Seize); err != nil {
			return nil, err
		}
	case "flexible":
		cmd.Mode = engine.CollateralModeFlexible
	default:
		return nil, fmt.Errorf("parse liquidate_collateral: unknown mode %q", j.Mode)
	}
	return cmd, nil
}

type settleBadDebtJSON struct {
	Ref    string `json:"ref"`
	Trader string `json:"trader"`
	Now    int64  `json:"now"`
}

func parseSettleBadDebt(data []byte) (*engine.SettleBadDebt, error) {
	var j settleBadDebtJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse settle_bad_debt: %w", err)
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	return &engine.SettleBadDebt{Ref: j.Ref, Trader: trader, Now: j.Now}, nil
}

type buyCollateralJSON struct {
	Ref   string `json:"ref"`
	Buyer string `json:"buyer"`
	Asset string `json:"asset"`
	Units string `json:"units"`
	Now   int64  `json:"now"`
}

func parseBuyCollateral(data []byte) (*engine.BuyCollateral, error) {
	var j buyCollateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse buy_collateral: %w", err)
	}
	buyer, err := parseAddress("buyer", j.Buyer)
	if err != nil {
		return nil, err
	}
	units, err := parseBig("units", j.Units)
	if err != nil {
		return nil, err
	}
	return &engine.BuyCollateral{Ref: j.Ref, Buyer: buyer, Asset: j.Asset, Units: units, Now: j.Now}, nil
}

type fundingTickJSON struct {
	Now int64 `json:"now"`
}

func parseFundingTick(data []byte) (*engine.FundingTick, error) {
	var j fundingTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse funding_tick: %w", err)
	}
	return &engine.FundingTick{Now: j.Now}, nil
}

type collateralMoveJSON struct {
	Ref    string `json:"ref"`
	Trader string `json:"trader"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func parseDepositCollateral(data []byte) (*engine.DepositCollateral, error) {
	var j collateralMoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse deposit_collateral: %w", err)
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	amount, err := parseBig("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &engine.DepositCollateral{Ref: j.Ref, Trader: trader, Asset: j.Asset, Amount: amount}, nil
}

func parseWithdrawCollateral(data []byte) (*engine.WithdrawCollateral, error) {
	var j collateralMoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdraw_collateral: %w", err)
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	amount, err := parseBig("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &engine.WithdrawCollateral{Ref: j.Ref, Trader: trader, Asset: j.Asset, Amount: amount}, nil
}

type mintStableJSON struct {
	Ref    string `json:"ref"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func parseMintStable(data []byte) (*engine.MintStable, error) {
	var j mintStableJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse mint_stable: %w", err)
	}
	to, err := parseAddress("to", j.To)
	if err != nil {
		return nil, err
	}
	return &engine.MintStable{Ref: j.Ref, To: to, Amount: j.Amount}, nil
}

type redeemStableJSON struct {
	Ref    string `json:"ref"`
	Trader string `json:"trader"`
	Amount int64  `json:"amount"`
	Now    int64  `json:"now"`
}

func parseRedeemStable(data []byte) (*engine.RedeemStable, error) {
	var j redeemStableJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse redeem_stable: %w", err)
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	return &engine.RedeemStable{Ref: j.Ref, Trader: trader, Amount: j.Amount, Now: j.Now}, nil
}

type processWithdrawalsJSON struct {
	Ref         string `json:"ref"`
	MaxRequests int    `json:"max_requests"`
}

func parseProcessWithdrawals(data []byte) (*engine.ProcessWithdrawals, error) {
	var j processWithdrawalsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse process_withdrawals: %w", err)
	}
	return &engine.ProcessWithdrawals{Ref: j.Ref, MaxRequests: j.MaxRequests}, nil
}

type updateParamsJSON struct {
	Ref                     string `json:"ref"`
	MaintenanceMargin       int64  `json:"maintenance_margin"`
	MinAllowableMargin      int64  `json:"min_allowable_margin"`
	TradeFeeRate            int64  `json:"trade_fee_rate"`
	LiquidationPenalty      int64  `json:"liquidation_penalty"`
	ReferralDiscount        int64  `json:"referral_discount"`
	ReferrerShare           int64  `json:"referrer_share"`
	MaxFundingRate          int64  `json:"max_funding_rate"`
	PartialLiquidationRatio int64  `json:"partial_liquidation_ratio"`
	MaxOracleSpreadRatio    int64  `json:"max_oracle_spread_ratio"`
	MaxLiquidationIncentive int64  `json:"max_liquidation_incentive"`
	AuctionDurationSecs     int64  `json:"auction_duration_secs"`
	FundingIntervalSecs     int64  `json:"funding_interval_secs"`
	SpotTwapWindowSecs      int64  `json:"spot_twap_window_secs"`
}

func parseUpdateParams(data []byte) (*engine.UpdateParams, error) {
	var j updateParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse update_params: %w", err)
	}
	return &engine.UpdateParams{
		Ref: j.Ref,
		Params: params.Params{
			MaintenanceMargin:       j.MaintenanceMargin,
			MinAllowableMargin:      j.MinAllowableMargin,
			TradeFeeRate:            j.TradeFeeRate,
			LiquidationPenalty:      j.LiquidationPenalty,
			ReferralDiscount:        j.ReferralDiscount,
			ReferrerShare:           j.ReferrerShare,
			MaxFundingRate:          j.MaxFundingRate,
			PartialLiquidationRatio: j.PartialLiquidationRatio,
			MaxOracleSpreadRatio:    j.MaxOracleSpreadRatio,
			MaxLiquidationIncentive: j.MaxLiquidationIncentive,
			AuctionDurationSecs:     j.AuctionDurationSecs,
			FundingIntervalSecs:     j.FundingIntervalSecs,
			SpotTwapWindowSecs:      j.SpotTwapWindowSecs,
		},
	}, nil
}

type setReferrerJSON struct {
	Ref      string `json:"ref"`
	Trader   string `json:"trader"`
	Referrer string `json:"referrer"`
}

func parseSetReferrer(data []byte) (*engine.SetReferrer, error) {
	var j setReferrerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse set_referrer: %w", err)
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return nil, err
	}
	referrer, err := parseAddress("referrer", j.Referrer)
	if err != nil {
		return nil, err
	}
	return &engine.SetReferrer{Ref: j.Ref, Trader: trader, Referrer: referrer}, nil
}
