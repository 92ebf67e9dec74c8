package engine_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"PerpClear/internal/bank"
	"PerpClear/internal/clearing"
	"PerpClear/internal/curve"
	"PerpClear/internal/engine"
	"PerpClear/internal/event"
	"PerpClear/internal/fixed"
	"PerpClear/internal/insurance"
	"PerpClear/internal/margin"
	"PerpClear/internal/market"
	"PerpClear/internal/oracle"
	"PerpClear/internal/orderbook"
	"PerpClear/internal/params"
)

const (
	t0         = int64(1_000_000)
	marketName = "ETH-PERP"
)

type fixture struct {
	eng     *engine.Engine
	bank    *bank.Bank
	house   *clearing.ClearingHouse
	oracle  *oracle.FixedOracle
	persist chan event.Envelope
	publish chan event.Envelope
	cancel  context.CancelFunc

	makerKey, takerKey *ecdsa.PrivateKey
	maker, taker       common.Address
	lp                 common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := params.NewStore(params.Defaults())
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	o := oracle.NewFixedOracle()
	o.SetPrice("ETH", 1000*fixed.QuoteScale)
	ledger := margin.NewLedger("hUSD", o)
	if _, err := ledger.AddCollateral("ETH", 800_000, 18); err != nil {
		t.Fatalf("collateral: %v", err)
	}
	collector := engine.NewCollector()
	house := clearing.New(store, o, ledger, insurance.NewReserve(), collector)
	m := market.NewMarket(marketName, "ETH", curve.New(curve.DefaultConfig(), 1000*fixed.QuoteScale, t0))
	if err := house.AddMarket(m); err != nil {
		t.Fatalf("add market: %v", err)
	}
	book := orderbook.NewBook(house, orderbook.Secp256k1Authenticator{})
	bk := bank.New(collector)
	mint := bank.NewMintAuthority("gateway")

	persist := make(chan event.Envelope, 1024)
	publish := make(chan event.Envelope, 1024)
	eng := engine.New(engine.Config{
		House:       house,
		Book:        book,
		Bank:        bk,
		Mint:        mint,
		StableAsset: "hUSD",
		Collector:   collector,
		PersistChan: persist,
		PublishChan: publish,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	t.Cleanup(cancel)

	makerKey, _ := crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	takerKey, _ := crypto.HexToECDSA("289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032")

	return &fixture{
		eng:      eng,
		bank:     bk,
		house:    house,
		oracle:   o,
		persist:  persist,
		publish:  publish,
		cancel:   cancel,
		makerKey: makerKey,
		takerKey: takerKey,
		maker:    crypto.PubkeyToAddress(makerKey.PublicKey),
		taker:    crypto.PubkeyToAddress(takerKey.PublicKey),
		lp:       common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}
}

func (f *fixture) submit(t *testing.T, cmd engine.Command) any {
	t.Helper()
	v, err := f.eng.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.Kind(), err)
	}
	return v
}

// fund mints stable and deposits it as margin.
func (f *fixture) fund(t *testing.T, trader common.Address, amount int64, ref string) {
	t.Helper()
	f.submit(t, &engine.MintStable{Ref: "mint-" + ref, To: trader, Amount: amount})
	f.submit(t, &engine.DepositCollateral{
		Ref:    "dep-" + ref,
		Trader: trader,
		Asset:  "hUSD",
		Amount: fixed.Big(amount),
	})
}

func (f *fixture) drainPersist() []event.Envelope {
	var out []event.Envelope
	for {
		select {
		case env := <-f.persist:
			out = append(out, env)
		default:
			return out
		}
	}
}

func base(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), fixed.Pow10(15))
}

func signedOrder(t *testing.T, key *ecdsa.PrivateKey, qtyMilli int64, price int64, salt uint64) (orderbook.Order, []byte) {
	t.Helper()
	o := orderbook.Order{
		Market:  marketName,
		Trader:  crypto.PubkeyToAddress(key.PublicKey),
		BaseQty: base(qtyMilli),
		Price:   price,
		Salt:    salt,
	}
	sig, err := orderbook.SignOrder(&o, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return o, sig
}

// ============================================================================
// Write path
// ============================================================================

func TestEngineTradeFlow(t *testing.T) {
	f := newFixture(t)

	f.fund(t, f.lp, 2_100_000*fixed.QuoteScale, "lp")
	f.submit(t, &engine.AddLiquidity{
		Ref: "seed", Maker: f.lp, Market: marketName,
		Quote: 2_000_000 * fixed.QuoteScale, Now: t0,
	})
	f.fund(t, f.maker, 2000*fixed.QuoteScale, "maker")
	f.fund(t, f.taker, 2000*fixed.QuoteScale, "taker")

	long, longSig := signedOrder(t, f.makerKey, 5000, 1000*fixed.QuoteScale, 1)
	short, shortSig := signedOrder(t, f.takerKey, -5000, 1000*fixed.QuoteScale, 2)

	longHash := f.submit(t, &engine.PlaceOrder{Sender: f.maker, Order: long, Now: t0 + 5}).(common.Hash)
	f.submit(t, &engine.PlaceOrder{Sender: f.taker, Order: short, Now: t0 + 5})
	if longHash != long.Hash() {
		t.Errorf("place returned %s, want %s", longHash, long.Hash())
	}

	f.submit(t, &engine.MatchOrders{
		Orders:  [2]orderbook.Order{long, short},
		Sigs:    [2][]byte{longSig, shortSig},
		FillQty: base(5000),
		Now:     t0 + 10,
	})

	pos, err := f.house.PositionSize(marketName, f.maker)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Cmp(base(5000)) != 0 {
		t.Errorf("maker position got %s, want %s", pos, base(5000))
	}

	envs := f.drainPersist()
	counts := map[event.EventType]int{}
	for _, env := range envs {
		counts[env.EventType]++
	}
	for et, want := range map[event.EventType]int{
		event.EventTypeMarginDeposited:  3,
		event.EventTypeLiquidityAdded:   1,
		event.EventTypeOrderPlaced:      2,
		event.EventTypeOrdersMatched:    1,
		event.EventTypePositionModified: 2,
	} {
		if counts[et] != want {
			t.Errorf("%s envelopes got %d, want %d", et, counts[et], want)
		}
	}

	// The hash chain links every envelope and ends at the engine's tip.
	for i, env := range envs {
		if env.Sequence != int64(i) {
			t.Errorf("sequence[%d] got %d", i, env.Sequence)
		}
		if i > 0 && env.PrevHash != envs[i-1].StateHash {
			t.Errorf("envelope %d prev hash does not chain", i)
		}
	}
	if tip := f.eng.StateHash(); tip != envs[len(envs)-1].StateHash {
		t.Error("engine tip does not match last envelope state hash")
	}
	if got := f.eng.Sequence(); got != int64(len(envs)) {
		t.Errorf("sequence got %d, want %d", got, len(envs))
	}
}

func TestEngineDuplicateCommand(t *testing.T) {
	f := newFixture(t)

	f.submit(t, &engine.MintStable{Ref: "m1", To: f.maker, Amount: 1000})
	_, err := f.eng.Submit(context.Background(), &engine.MintStable{Ref: "m1", To: f.maker, Amount: 1000})
	if !errors.Is(err, engine.ErrDuplicateCommand) {
		t.Errorf("got %v, want ErrDuplicateCommand", err)
	}
	if got := f.bank.Balance(f.maker); got != 1000 {
		t.Errorf("balance got %d, want 1000 (single application)", got)
	}
}

func TestEngineRejectionEmitsNothing(t *testing.T) {
	f := newFixture(t)

	// No margin on file: the open must fail and produce no envelopes.
	_, err := f.eng.Submit(context.Background(), &engine.OpenPosition{
		Ref: "r1", Trader: f.maker, Market: marketName, BaseQty: base(5000), Now: t0,
	})
	if err == nil {
		t.Fatal("open with no margin should fail")
	}
	if envs := f.drainPersist(); len(envs) != 0 {
		t.Errorf("rejected command produced %d envelopes, want 0", len(envs))
	}

	// A rejected command is retryable: same ref succeeds after funding.
	f.fund(t, f.lp, 2_100_000*fixed.QuoteScale, "lp")
	f.submit(t, &engine.AddLiquidity{
		Ref: "seed", Maker: f.lp, Market: marketName,
		Quote: 2_000_000 * fixed.QuoteScale, Now: t0,
	})
	f.fund(t, f.maker, 10_000*fixed.QuoteScale, "maker")
	f.submit(t, &engine.OpenPosition{
		Ref: "r1", Trader: f.maker, Market: marketName, BaseQty: base(2000), Now: t0 + 5,
	})
}

func TestEngineStableRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.submit(t, &engine.MintStable{Ref: "m1", To: f.maker, Amount: 1000 * fixed.QuoteScale})
	f.submit(t, &engine.DepositCollateral{
		Ref: "d1", Trader: f.maker, Asset: "hUSD", Amount: fixed.Big(1000 * fixed.QuoteScale),
	})
	if got := f.bank.Balance(f.maker); got != 0 {
		t.Errorf("bank balance after deposit got %d, want 0", got)
	}
	if got := f.bank.Balance(engine.Vault); got != 1000*fixed.QuoteScale {
		t.Errorf("vault got %d, want %d", got, 1000*fixed.QuoteScale)
	}

	f.submit(t, &engine.WithdrawCollateral{
		Ref: "w1", Trader: f.maker, Asset: "hUSD", Amount: fixed.Big(400 * fixed.QuoteScale),
	})
	if got := f.bank.Balance(f.maker); got != 400*fixed.QuoteScale {
		t.Errorf("bank balance after withdrawal got %d, want %d", got, 400*fixed.QuoteScale)
	}

	id := f.submit(t, &engine.RedeemStable{
		Ref: "r1", Trader: f.maker, Amount: 400 * fixed.QuoteScale, Now: t0,
	}).(uuid.UUID)
	if id == uuid.Nil {
		t.Fatal("redeem returned nil request id")
	}
	paid := f.submit(t, &engine.ProcessWithdrawals{Ref: "p1", MaxRequests: 10}).(int64)
	if paid != 400*fixed.QuoteScale {
		t.Errorf("paid got %d, want %d", paid, 400*fixed.QuoteScale)
	}
}

func TestEngineFundingTick(t *testing.T) {
	f := newFixture(t)
	f.fund(t, f.lp, 2_100_000*fixed.QuoteScale, "lp")
	f.submit(t, &engine.AddLiquidity{
		Ref: "seed", Maker: f.lp, Market: marketName,
		Quote: 2_000_000 * fixed.QuoteScale, Now: t0,
	})
	f.drainPersist()

	f.oracle.SetPrice("ETH", 990*fixed.QuoteScale)
	f.submit(t, &engine.FundingTick{Now: t0 + 20})

	var funding int
	for _, env := range f.drainPersist() {
		if env.EventType == event.EventTypeFundingRateUpdated {
			funding++
		}
	}
	if funding != 1 {
		t.Errorf("funding envelopes got %d, want 1", funding)
	}

	// Same interval: silent no-op, and the distinct-timestamp key still
	// dedupes nothing.
	f.submit(t, &engine.FundingTick{Now: t0 + 30})
	if envs := f.drainPersist(); len(envs) != 0 {
		t.Errorf("second tick in interval produced %d envelopes, want 0", len(envs))
	}
}
