package margin

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/fixed"
	"PerpClear/internal/oracle"
)

var (
	ErrUnknownCollateral   = errors.New("unknown collateral index")
	ErrCollateralExists    = errors.New("collateral already registered")
	ErrInsufficientBalance = errors.New("insufficient collateral balance")
	ErrInvalidAmount       = errors.New("amount must be > 0")
)

// stableIdx is the protocol stable asset; the only balance allowed to go
// negative (unsecured debt).
const stableIdx = 0

// Collateral describes one margin asset. Weight (1e6) discounts the asset
// in weighted-collateral valuation; spot valuation always uses weight 1.
type Collateral struct {
	Asset    string
	Weight   int64
	Decimals uint8
}

// Ledger is the multi-asset margin ledger. Balances are per
// (trader, collateral index), in the asset's own decimals. Index 0 is the
// stable asset and is signed; all other indices must stay >= 0.
type Ledger struct {
	collaterals []Collateral
	balances    map[common.Address][]*big.Int
	oracle      oracle.Oracle
}

func NewLedger(stableAsset string, o oracle.Oracle) *Ledger {
	return &Ledger{
		collaterals: []Collateral{{Asset: stableAsset, Weight: fixed.RatioScale, Decimals: fixed.QuoteDecimals}},
		balances:    make(map[common.Address][]*big.Int),
		oracle:      o,
	}
}

// AddCollateral registers a new margin asset.
func (l *Ledger) AddCollateral(asset string, weight int64, decimals uint8) (int, error) {
	for _, c := range l.collaterals {
		if c.Asset == asset {
			return 0, fmt.Errorf("%w: %s", ErrCollateralExists, asset)
		}
	}
	if weight <= 0 || weight > fixed.RatioScale {
		return 0, fmt.Errorf("collateral weight out of range: %d", weight)
	}
	l.collaterals = append(l.collaterals, Collateral{Asset: asset, Weight: weight, Decimals: decimals})
	return len(l.collaterals) - 1, nil
}

// IndexOf resolves a collateral asset name to its index.
func (l *Ledger) IndexOf(asset string) (int, bool) {
	for i, c := range l.collaterals {
		if c.Asset == asset {
			return i, true
		}
	}
	return 0, false
}

// Collaterals returns the registered collateral set.
func (l *Ledger) Collaterals() []Collateral {
	out := make([]Collateral, len(l.collaterals))
	copy(out, l.collaterals)
	return out
}

func (l *Ledger) account(trader common.Address) []*big.Int {
	acct := l.balances[trader]
	for len(acct) < len(l.collaterals) {
		acct = append(acct, new(big.Int))
	}
	l.balances[trader] = acct
	return acct
}

// Balance returns the trader's balance for a collateral index.
func (l *Ledger) Balance(trader common.Address, idx int) (*big.Int, error) {
	if idx < 0 || idx >= len(l.collaterals) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCollateral, idx)
	}
	return new(big.Int).Set(l.account(trader)[idx]), nil
}

// Deposit credits collateral to a trader.
func (l *Ledger) Deposit(trader common.Address, idx int, amount *big.Int) error {
	if idx < 0 || idx >= len(l.collaterals) {
		return fmt.Errorf("%w: %d", ErrUnknownCollateral, idx)
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	acct := l.account(trader)
	acct[idx] = new(big.Int).Add(acct[idx], amount)
	return nil
}

// Withdraw debits collateral. The stable balance may not be pushed
// negative by a withdrawal (debt arises only from trading losses), and
// non-stable balances must stay >= 0. Margin-requirement gating is the
// clearing house's job before calling this.
func (l *Ledger) Withdraw(trader common.Address, idx int, amount *big.Int) error {
	if idx < 0 || idx >= len(l.collaterals) {
		return fmt.Errorf("%w: %d", ErrUnknownCollateral, idx)
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	acct := l.account(trader)
	next := new(big.Int).Sub(acct[idx], amount)
	if next.Sign() < 0 {
		return ErrInsufficientBalance
	}
	acct[idx] = next
	return nil
}

// ChangeStable applies a signed stable-asset delta (realized PnL, fees,
// funding). The stable balance may go negative here.
func (l *Ledger) ChangeStable(trader common.Address, delta int64) {
	acct := l.account(trader)
	acct[stableIdx] = new(big.Int).Add(acct[stableIdx], big.NewInt(delta))
}

// StableBalance returns the signed stable balance (1e6).
func (l *Ledger) StableBalance(trader common.Address) int64 {
	return l.account(trader)[stableIdx].Int64()
}

// value converts a balance of collateral idx into quote units (1e6) at the
// oracle price, applying weight when weighted is true.
func (l *Ledger) value(idx int, balance *big.Int, weighted bool) (int64, error) {
	c := l.collaterals[idx]
	var price int64 = fixed.QuoteScale
	if idx != stableIdx {
		p, err := l.oracle.Price(c.Asset)
		if err != nil {
			return 0, err
		}
		price = p
	}
	v := fixed.MulDiv(balance, big.NewInt(price), fixed.Pow10(int64(c.Decimals)))
	if weighted {
		return fixed.MulRatio(v.Int64(), c.Weight), nil
	}
	return v.Int64(), nil
}

// WeightedAndSpotCollateral values the account both ways: weighted applies
// per-asset weights, spot uses weight 1. The stable asset's signed balance
// is included in both.
func (l *Ledger) WeightedAndSpotCollateral(trader common.Address) (weighted, spot int64, err error) {
	acct := l.account(trader)
	for i := range l.collaterals {
		w, err := l.value(i, acct[i], true)
		if err != nil {
			return 0, 0, err
		}
		s, err := l.value(i, acct[i], false)
		if err != nil {
			return 0, 0, err
		}
		weighted += w
		spot += s
	}
	return weighted, spot, nil
}

// Accounts returns all traders with any recorded balance in deterministic
// order.
func (l *Ledger) Accounts() []common.Address {
	out := make([]common.Address, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}
