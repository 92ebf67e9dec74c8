package ingestion

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/engine"
)

const (
	testTrader     = "0x1000000000000000000000000000000000000001"
	testLiquidator = "0x2000000000000000000000000000000000000002"
)

func TestParseOpenPositionRoundTrip(t *testing.T) {
	payload := []byte(`{
		"ref": "op-1",
		"trader": "` + testTrader + `",
		"market": "ETH-PERP",
		"base_qty": "2000000000000000000",
		"limit_price": 1001000000,
		"now": 1700000000
	}`)

	cmd, err := ParseCommand("open_position", payload)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	op, ok := cmd.(*engine.OpenPosition)
	if !ok {
		t.Fatalf("got %T, want *engine.OpenPosition", cmd)
	}
	if op.Ref != "op-1" {
		t.Errorf("Ref = %q, want op-1", op.Ref)
	}
	if op.Trader != common.HexToAddress(testTrader) {
		t.Errorf("Trader = %s, want %s", op.Trader, testTrader)
	}
	if op.Market != "ETH-PERP" {
		t.Errorf("Market = %q, want ETH-PERP", op.Market)
	}
	want, _ := new(big.Int).SetString("2000000000000000000", 10)
	if op.BaseQty.Cmp(want) != 0 {
		t.Errorf("BaseQty = %s, want %s", op.BaseQty, want)
	}
	if op.LimitPrice != 1001000000 {
		t.Errorf("LimitPrice = %d, want 1001000000", op.LimitPrice)
	}
	if op.Now != 1700000000 {
		t.Errorf("Now = %d, want 1700000000", op.Now)
	}
}

func TestParseMatchOrders(t *testing.T) {
	payload := []byte(`{
		"maker": {
			"market": "ETH-PERP",
			"trader": "` + testTrader + `",
			"base_qty": "1000000000000000000",
			"price": 1000000000,
			"salt": 7
		},
		"taker": {
			"market": "ETH-PERP",
			"trader": "` + testLiquidator + `",
			"base_qty": "-1000000000000000000",
			"price": 1000000000,
			"salt": 8
		},
		"maker_sig": "0x01",
		"taker_sig": "0x02",
		"fill_qty": "1000000000000000000",
		"now": 1700000000
	}`)

	cmd, err := ParseCommand("match_orders", payload)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	mo := cmd.(*engine.MatchOrders)
	if mo.Orders[0].Trader != common.HexToAddress(testTrader) {
		t.Errorf("maker trader = %s, want %s", mo.Orders[0].Trader, testTrader)
	}
	if mo.Orders[1].BaseQty.Sign() != -1 {
		t.Errorf("taker base qty sign = %d, want -1", mo.Orders[1].BaseQty.Sign())
	}
	if len(mo.Sigs[0]) != 1 || mo.Sigs[0][0] != 0x01 {
		t.Errorf("maker sig = %x, want 01", mo.Sigs[0])
	}
	if mo.FillQty.Cmp(mo.Orders[0].BaseQty) != 0 {
		t.Errorf("fill qty = %s, want %s", mo.FillQty, mo.Orders[0].BaseQty)
	}
}

func TestParseLiquidateCollateralModes(t *testing.T) {
	base := `"ref": "cl-1",
		"liquidator": "` + testLiquidator + `",
		"trader": "` + testTrader + `",`

	tests := []struct {
		name     string
		payload  string
		wantMode engine.CollateralMode
		wantErr  bool
	}{
		{
			name: "exact repay",
			payload: `{` + base + `
				"mode": "exact_repay",
				"asset": "ETH",
				"repay": 500000000,
				"min_seize": "400000000000000000"
			}`,
			wantMode: engine.CollateralModeExactRepay,
		},
		{
			name: "exact seize",
			payload: `{` + base + `
				"mode": "exact_seize",
				"asset": "ETH",
				"max_repay": 500000000,
				"seize": "400000000000000000"
			}`,
			wantMode: engine.CollateralModeExactSeize,
		},
		{
			name: "flexible",
			payload: `{` + base + `
				"mode": "flexible",
				"assets": ["ETH", "BTC"],
				"max_repay": 500000000
			}`,
			wantMode: engine.CollateralModeFlexible,
		},
		{
			name:    "unknown mode",
			payload: `{` + base + ` "mode": "partial"}`,
			wantErr: true,
		},
		{
			name: "exact repay without min seize",
			payload: `{` + base + `
				"mode": "exact_repay",
				"asset": "ETH",
				"repay": 500000000
			}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand("liquidate_collateral", []byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			lc := cmd.(*engine.LiquidateCollateral)
			if lc.Mode != tt.wantMode {
				t.Errorf("Mode = %d, want %d", lc.Mode, tt.wantMode)
			}
		})
	}
}

func TestParseUpdateParams(t *testing.T) {
	payload := []byte(`{
		"ref": "gov-1",
		"maintenance_margin": 100000,
		"min_allowable_margin": 200000,
		"trade_fee_rate": 500,
		"max_funding_rate": 50000,
		"funding_interval_secs": 3600
	}`)

	cmd, err := ParseCommand("update_params", payload)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	up := cmd.(*engine.UpdateParams)
	if up.Params.MaintenanceMargin != 100000 {
		t.Errorf("MaintenanceMargin = %d, want 100000", up.Params.MaintenanceMargin)
	}
	if up.Params.FundingIntervalSecs != 3600 {
		t.Errorf("FundingIntervalSecs = %d, want 3600", up.Params.FundingIntervalSecs)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload string
	}{
		{"unknown kind", "close_everything", `{}`},
		{"invalid json", "funding_tick", `{`},
		{"bad address", "open_position", `{"ref":"x","trader":"not-an-address","market":"ETH-PERP","base_qty":"1"}`},
		{"bad big int", "open_position", `{"ref":"x","trader":"` + testTrader + `","market":"ETH-PERP","base_qty":"1.5"}`},
		{"bad signature hex", "liquidate_with_order", `{
			"liquidator":"` + testLiquidator + `",
			"trader":"` + testTrader + `",
			"counter":{"market":"ETH-PERP","trader":"` + testLiquidator + `","base_qty":"1","price":1,"salt":1},
			"sig":"zz",
			"fill_qty":"1"
		}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCommand(tt.kind, []byte(tt.payload)); err == nil {
				t.Fatal("expected parse error, got nil")
			}
		})
	}
}

func TestKindFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"perp.clear.cmd.open_position", "open_position"},
		{"perp.clear.cmd.funding_tick", "funding_tick"},
		{"open_position", "open_position"},
	}
	for _, tt := range tests {
		if got := kindFromSubject(tt.subject); got != tt.want {
			t.Errorf("kindFromSubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}
