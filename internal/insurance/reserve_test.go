package insurance_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClear/internal/insurance"
)

const (
	ethPrice = 2000 * 1_000_000
	duration = 7200
)

func ethUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func seededReserve(t *testing.T, now int64) *insurance.Reserve {
	t.Helper()
	r := insurance.NewReserve()
	if err := r.StartAuction("ETH", 18, ethUnits(10), ethPrice, now, duration); err != nil {
		t.Fatalf("start auction: %v", err)
	}
	return r
}

func TestAuctionPrice_StartsAtMarkup(t *testing.T) {
	r := seededReserve(t, 1000)
	got := r.AuctionPrice("ETH", 1000)
	want := int64(2100 * 1_000_000) // 2000 * 1.05
	if got != want {
		t.Errorf("start price got %d, want %d", got, want)
	}
}

func TestAuctionPrice_DecaysLinearlyToZero(t *testing.T) {
	r := seededReserve(t, 1000)
	start := r.AuctionPrice("ETH", 1000)
	mid := r.AuctionPrice("ETH", 1000+duration/2)
	if mid != start/2 {
		t.Errorf("half-way price got %d, want %d", mid, start/2)
	}
	if end := r.AuctionPrice("ETH", 1000+duration); end != 0 {
		t.Errorf("price at expiry got %d, want 0", end)
	}

	prev := start
	for _, dt := range []int64{600, 1800, 3000, 5400} {
		p := r.AuctionPrice("ETH", 1000+dt)
		if p >= prev {
			t.Errorf("price not strictly decreasing at +%ds: %d >= %d", dt, p, prev)
		}
		prev = p
	}
}

func TestBuyCollateral_FullPurchaseClosesAuction(t *testing.T) {
	r := seededReserve(t, 1000)

	cost, err := r.BuyCollateral("ETH", ethUnits(10), 1000+duration/2)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// 10 units at half-decayed 1050.
	if want := int64(10 * 1050 * 1_000_000); cost != want {
		t.Errorf("cost got %d, want %d", cost, want)
	}
	if r.IsAuctionOngoing("ETH", 1000+duration/2) {
		t.Error("auction should close once the holding is emptied")
	}
	if r.StableBalance() != cost {
		t.Errorf("reserve should bank the proceeds, got %d", r.StableBalance())
	}
}

func TestBuyCollateral_Failures(t *testing.T) {
	r := seededReserve(t, 1000)

	if _, err := r.BuyCollateral("ETH", ethUnits(11), 2000); !errors.Is(err, insurance.ErrExceedsHolding) {
		t.Errorf("oversize buy: got %v, want ErrExceedsHolding", err)
	}
	if _, err := r.BuyCollateral("BTC", ethUnits(1), 2000); !errors.Is(err, insurance.ErrNoAuction) {
		t.Errorf("unauctioned asset: got %v, want ErrNoAuction", err)
	}
	// An expired auction is a distinct condition from a missing one.
	if _, err := r.BuyCollateral("ETH", ethUnits(1), 1000+duration+1); !errors.Is(err, insurance.ErrAuctionExpired) {
		t.Errorf("expired auction: got %v, want ErrAuctionExpired", err)
	}
}

func TestStartAuction_RepeatSeizureJoinsOngoingAuction(t *testing.T) {
	r := seededReserve(t, 1000)
	startPrice := r.AuctionPrice("ETH", 1000)

	if err := r.StartAuction("ETH", 18, ethUnits(5), ethPrice*2, 2000, duration); err != nil {
		t.Fatalf("second seizure: %v", err)
	}
	if got := r.Holding("ETH"); got.Cmp(ethUnits(15)) != 0 {
		t.Errorf("holding got %s, want 15e18", got)
	}
	// The ongoing auction's schedule is unchanged.
	if got := r.AuctionPrice("ETH", 1000); got != startPrice {
		t.Errorf("ongoing auction repriced: got %d, want %d", got, startPrice)
	}
}

func TestAbsorbBadDebt_MayGoNegative(t *testing.T) {
	r := insurance.NewReserve()
	r.CreditFee(500)
	r.AbsorbBadDebt(800)
	if got := r.StableBalance(); got != -300 {
		t.Errorf("balance got %d, want -300", got)
	}
}
