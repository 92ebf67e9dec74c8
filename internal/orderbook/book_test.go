package orderbook_test

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PerpClear/internal/orderbook"
)

const market = "ETH-PERP"

var (
	makerKey, _ = crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	takerKey, _ = crypto.HexToECDSA("289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032")
	makerAddr   = crypto.PubkeyToAddress(makerKey.PublicKey)
	takerAddr   = crypto.PubkeyToAddress(takerKey.PublicKey)
	liqAddr     = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

func base(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// fakeExecutor records clearing-house calls and serves position sizes.
type fakeExecutor struct {
	positions map[common.Address]*big.Int
	matches   int
	liqs      int
	fail      error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{positions: make(map[common.Address]*big.Int)}
}

func (f *fakeExecutor) ExecuteMatch(now int64, mkt string, fills [2]orderbook.Fill) error {
	if f.fail != nil {
		return f.fail
	}
	f.matches++
	return nil
}

func (f *fakeExecutor) ExecuteLiquidation(now int64, mkt string, liquidator, trader common.Address, counter orderbook.Fill) error {
	if f.fail != nil {
		return f.fail
	}
	f.liqs++
	return nil
}

func (f *fakeExecutor) PositionSize(mkt string, trader common.Address) (*big.Int, error) {
	if p, ok := f.positions[trader]; ok {
		return new(big.Int).Set(p), nil
	}
	return new(big.Int), nil
}

func signed(t *testing.T, o *orderbook.Order, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	sig, err := orderbook.SignOrder(o, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func limitOrder(trader common.Address, qty *big.Int, price int64, salt uint64) *orderbook.Order {
	return &orderbook.Order{Market: market, Trader: trader, BaseQty: qty, Price: price, Salt: salt}
}

func placedPair(t *testing.T, b *orderbook.Book) (*orderbook.Order, *orderbook.Order) {
	t.Helper()
	buy := limitOrder(makerAddr, base(10), 1000_000000, 1)
	sell := limitOrder(takerAddr, base(-10), 990_000000, 2)
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, buy); err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(takerAddr), 100, sell); err != nil {
		t.Fatalf("place sell: %v", err)
	}
	return buy, sell
}

// ============================================================================
// Placement and cancellation
// ============================================================================

func TestPlaceOrder(t *testing.T) {
	b := orderbook.NewBook(newFakeExecutor(), orderbook.Secp256k1Authenticator{})
	o := limitOrder(makerAddr, base(5), 1000_000000, 1)

	h, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, o)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := b.Status(h); got != orderbook.Placed {
		t.Errorf("status got %s, want Placed", got)
	}

	_, err = b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, o)
	if !errors.Is(err, orderbook.ErrOrderExists) {
		t.Errorf("duplicate: got %v, want ErrOrderExists", err)
	}

	_, err = b.PlaceOrder(orderbook.NewPlacerToken(takerAddr), 100, limitOrder(makerAddr, base(5), 1000_000000, 2))
	if !errors.Is(err, orderbook.ErrNotOrderOwner) {
		t.Errorf("wrong sender: got %v, want ErrNotOrderOwner", err)
	}

	ioc := limitOrder(makerAddr, base(5), 1000_000000, 3)
	ioc.ExpireAt = 50
	_, err = b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, ioc)
	if !errors.Is(err, orderbook.ErrOrderExpired) {
		t.Errorf("expired IOC: got %v, want ErrOrderExpired", err)
	}
}

func TestCancelOrder(t *testing.T) {
	b := orderbook.NewBook(newFakeExecutor(), orderbook.Secp256k1Authenticator{})
	o := limitOrder(makerAddr, base(5), 1000_000000, 1)
	h, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, o)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if err := b.CancelOrder(orderbook.NewPlacerToken(takerAddr), h); !errors.Is(err, orderbook.ErrNotOrderOwner) {
		t.Errorf("foreign cancel: got %v, want ErrNotOrderOwner", err)
	}
	if err := b.CancelOrder(orderbook.NewPlacerToken(makerAddr), h); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := b.Status(h); got != orderbook.Cancelled {
		t.Errorf("status got %s, want Cancelled", got)
	}
	if err := b.CancelOrder(orderbook.NewPlacerToken(makerAddr), h); !errors.Is(err, orderbook.ErrOrderDone) {
		t.Errorf("re-cancel: got %v, want ErrOrderDone", err)
	}
}

// ============================================================================
// Matching
// ============================================================================

func TestExecuteMatchedOrders(t *testing.T) {
	exec := newFakeExecutor()
	b := orderbook.NewBook(exec, orderbook.Secp256k1Authenticator{})
	buy, sell := placedPair(t, b)

	err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell},
		[2][]byte{signed(t, buy, makerKey), signed(t, sell, takerKey)}, base(4))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if exec.matches != 1 {
		t.Errorf("executor calls got %d, want 1", exec.matches)
	}
	if got := b.Status(buy.Hash()); got != orderbook.PartiallyFilled {
		t.Errorf("buy status got %s, want PartiallyFilled", got)
	}
	if got := b.FilledAmount(sell.Hash()); got.Cmp(base(4)) != 0 {
		t.Errorf("sell filled got %s, want %s", got, base(4))
	}

	// Fill the remainder: both orders terminal, a third match must fail.
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell},
		[2][]byte{signed(t, buy, makerKey), signed(t, sell, takerKey)}, base(6))
	if err != nil {
		t.Fatalf("second match: %v", err)
	}
	if got := b.Status(buy.Hash()); got != orderbook.Filled {
		t.Errorf("buy status got %s, want Filled", got)
	}
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell},
		[2][]byte{signed(t, buy, makerKey), signed(t, sell, takerKey)}, base(1))
	if !errors.Is(err, orderbook.ErrOrderDone) {
		t.Errorf("filled reuse: got %v, want ErrOrderDone", err)
	}
}

func TestExecuteMatchedOrders_Validation(t *testing.T) {
	exec := newFakeExecutor()
	b := orderbook.NewBook(exec, orderbook.Secp256k1Authenticator{})
	buy, sell := placedPair(t, b)
	sigs := [2][]byte{signed(t, buy, makerKey), signed(t, sell, takerKey)}

	// Wrong-signer signature.
	err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell},
		[2][]byte{signed(t, buy, takerKey), sigs[1]}, base(1))
	if !errors.Is(err, orderbook.ErrBadSignature) {
		t.Errorf("forged maker sig: got %v, want ErrBadSignature", err)
	}

	// Same direction.
	buy2 := limitOrder(takerAddr, base(3), 1000_000000, 7)
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(takerAddr), 100, buy2); err != nil {
		t.Fatalf("place: %v", err)
	}
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, buy2},
		[2][]byte{sigs[0], signed(t, buy2, takerKey)}, base(1))
	if !errors.Is(err, orderbook.ErrSameDirection) {
		t.Errorf("same direction: got %v, want ErrSameDirection", err)
	}

	// Fill sign must follow the maker order.
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell}, sigs, base(-1))
	if !errors.Is(err, orderbook.ErrInvalidFill) {
		t.Errorf("fill sign: got %v, want ErrInvalidFill", err)
	}

	// Fill exceeds the smaller remainder.
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell}, sigs, base(11))
	if !errors.Is(err, orderbook.ErrInvalidFill) {
		t.Errorf("oversize fill: got %v, want ErrInvalidFill", err)
	}

	// Uncrossed prices.
	lowBuy := limitOrder(makerAddr, base(2), 900_000000, 8)
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, lowBuy); err != nil {
		t.Fatalf("place: %v", err)
	}
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{lowBuy, sell},
		[2][]byte{signed(t, lowBuy, makerKey), sigs[1]}, base(1))
	if !errors.Is(err, orderbook.ErrPriceMismatch) {
		t.Errorf("uncrossed: got %v, want ErrPriceMismatch", err)
	}
}

func TestExecuteMatchedOrders_ReduceOnly(t *testing.T) {
	exec := newFakeExecutor()
	b := orderbook.NewBook(exec, orderbook.Secp256k1Authenticator{})

	// Taker is flat, so a reduce-only sell cannot execute.
	buy := limitOrder(makerAddr, base(10), 1000_000000, 1)
	sell := limitOrder(takerAddr, base(-10), 990_000000, 2)
	sell.ReduceOnly = true
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, buy); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(takerAddr), 100, sell); err != nil {
		t.Fatalf("place: %v", err)
	}
	sigs := [2][]byte{signed(t, buy, makerKey), signed(t, sell, takerKey)}

	err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell}, sigs, base(4))
	if !errors.Is(err, orderbook.ErrReduceOnly) {
		t.Errorf("flat reduce-only: got %v, want ErrReduceOnly", err)
	}

	// With a long position the reduce-only sell passes, but only up to
	// the position size.
	exec.positions[takerAddr] = base(5)
	if err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell}, sigs, base(4)); err != nil {
		t.Fatalf("reduce within position: %v", err)
	}
	exec.positions[takerAddr] = base(1)
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell}, sigs, base(4))
	if !errors.Is(err, orderbook.ErrReduceOnly) {
		t.Errorf("reduce past position: got %v, want ErrReduceOnly", err)
	}
}

func TestExecuteMatchedOrders_IOC(t *testing.T) {
	exec := newFakeExecutor()
	b := orderbook.NewBook(exec, orderbook.Secp256k1Authenticator{})

	// An IOC order matches straight from its signature without a prior
	// place, and its unfilled remainder is cancelled, never rested.
	buy := limitOrder(makerAddr, base(10), 1000_000000, 1)
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, buy); err != nil {
		t.Fatalf("place: %v", err)
	}
	ioc := limitOrder(takerAddr, base(-6), 990_000000, 2)
	ioc.ExpireAt = 150
	sigs := [2][]byte{signed(t, buy, makerKey), signed(t, ioc, takerKey)}

	if err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, ioc}, sigs, base(4)); err != nil {
		t.Fatalf("match: %v", err)
	}
	if got := b.Status(ioc.Hash()); got != orderbook.Cancelled {
		t.Errorf("IOC remainder status got %s, want Cancelled", got)
	}
	err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, ioc}, sigs, base(2))
	if !errors.Is(err, orderbook.ErrOrderDone) {
		t.Errorf("IOC reuse: got %v, want ErrOrderDone", err)
	}

	// Past expiry the IOC fails even though it would cross.
	ioc2 := limitOrder(takerAddr, base(-6), 990_000000, 3)
	ioc2.ExpireAt = 150
	err = b.ExecuteMatchedOrders(200, [2]*orderbook.Order{buy, ioc2},
		[2][]byte{sigs[0], signed(t, ioc2, takerKey)}, base(2))
	if !errors.Is(err, orderbook.ErrOrderExpired) {
		t.Errorf("expired IOC: got %v, want ErrOrderExpired", err)
	}
}

func TestExecuteMatchedOrders_FailedMatchRetainsNoIOC(t *testing.T) {
	exec := newFakeExecutor()
	b := orderbook.NewBook(exec, orderbook.Secp256k1Authenticator{})

	// Two never-placed IOC orders that cross but reference different
	// markets. The match must fail without leaving either order behind.
	buy := limitOrder(makerAddr, base(6), 1000_000000, 1)
	buy.ExpireAt = 150
	sell := &orderbook.Order{Market: "BTC-PERP", Trader: takerAddr, BaseQty: base(-6), Price: 990_000000, Salt: 2, ExpireAt: 150}
	sigs := [2][]byte{signed(t, buy, makerKey), signed(t, sell, takerKey)}

	err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell}, sigs, base(4))
	if !errors.Is(err, orderbook.ErrMarketMismatch) {
		t.Fatalf("mismatched markets: got %v, want ErrMarketMismatch", err)
	}
	if got := b.Status(buy.Hash()); got != orderbook.Invalid {
		t.Errorf("buy status got %s, want Invalid after failed match", got)
	}
	if got := b.Status(sell.Hash()); got != orderbook.Invalid {
		t.Errorf("sell status got %s, want Invalid after failed match", got)
	}

	// The rejected IOC must not have rested: matching the buy against a
	// placed opposite order still works only through a fresh admission,
	// and the book holds no record of it beforehand.
	if _, ok := b.Order(buy.Hash()); ok {
		t.Error("rejected IOC order should not be retained in the book")
	}

	// An executor rejection after a staged IOC admission leaves it
	// unrecorded too.
	rest := limitOrder(takerAddr, base(-6), 990_000000, 3)
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(takerAddr), 100, rest); err != nil {
		t.Fatalf("place: %v", err)
	}
	exec.fail = errors.New("insufficient margin")
	err = b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, rest},
		[2][]byte{sigs[0], signed(t, rest, takerKey)}, base(4))
	if err == nil {
		t.Fatal("expected executor failure to propagate")
	}
	if got := b.Status(buy.Hash()); got != orderbook.Invalid {
		t.Errorf("IOC status got %s, want Invalid after executor failure", got)
	}
}

func TestExecuteMatchedOrders_ExecutorFailureLeavesBookUntouched(t *testing.T) {
	exec := newFakeExecutor()
	b := orderbook.NewBook(exec, orderbook.Secp256k1Authenticator{})
	buy, sell := placedPair(t, b)
	sigs := [2][]byte{signed(t, buy, makerKey), signed(t, sell, takerKey)}

	exec.fail = errors.New("insufficient margin")
	if err := b.ExecuteMatchedOrders(100, [2]*orderbook.Order{buy, sell}, sigs, base(4)); err == nil {
		t.Fatal("expected executor failure to propagate")
	}
	if got := b.FilledAmount(buy.Hash()); got.Sign() != 0 {
		t.Errorf("buy filled got %s, want 0 after failed match", got)
	}
	if got := b.Status(sell.Hash()); got != orderbook.Placed {
		t.Errorf("sell status got %s, want Placed after failed match", got)
	}
}

// ============================================================================
// Liquidation composite
// ============================================================================

func TestLiquidateAndExecuteOrder(t *testing.T) {
	exec := newFakeExecutor()
	b := orderbook.NewBook(exec, orderbook.Secp256k1Authenticator{})
	tok := orderbook.NewLiquidatorToken(liqAddr)

	// Trader holds a 8-long; the counter order buys what the trader sheds.
	target := common.HexToAddress("0x1000000000000000000000000000000000000001")
	exec.positions[target] = base(8)
	counter := limitOrder(makerAddr, base(10), 1000_000000, 1)
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, counter); err != nil {
		t.Fatalf("place: %v", err)
	}
	sig := signed(t, counter, makerKey)

	if err := b.LiquidateAndExecuteOrder(tok, 100, target, counter, sig, base(2)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if exec.liqs != 1 {
		t.Errorf("liquidation calls got %d, want 1", exec.liqs)
	}
	if got := b.FilledAmount(counter.Hash()); got.Cmp(base(2)) != 0 {
		t.Errorf("counter filled got %s, want %s", got, base(2))
	}

	// A sell-side counter order cannot absorb a long trader's exposure.
	wrongSide := limitOrder(makerAddr, base(-10), 1000_000000, 2)
	if _, err := b.PlaceOrder(orderbook.NewPlacerToken(makerAddr), 100, wrongSide); err != nil {
		t.Fatalf("place: %v", err)
	}
	err := b.LiquidateAndExecuteOrder(tok, 100, target, wrongSide, signed(t, wrongSide, makerKey), base(-2))
	if !errors.Is(err, orderbook.ErrInvalidFill) {
		t.Errorf("wrong side: got %v, want ErrInvalidFill", err)
	}

	// The fill cannot exceed the trader's position.
	err = b.LiquidateAndExecuteOrder(tok, 100, target, counter, sig, base(9))
	if !errors.Is(err, orderbook.ErrInvalidFill) {
		t.Errorf("oversize: got %v, want ErrInvalidFill", err)
	}
}
