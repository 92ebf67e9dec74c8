package margin

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/fixed"
	"PerpClear/internal/insurance"
)

var (
	ErrNotLiquidatable  = errors.New("account is not liquidatable")
	ErrOpenPositions    = errors.New("trader has open positions; settle them first")
	ErrSeizeSlippage    = errors.New("seized amount below caller minimum")
	ErrRepayLimit       = errors.New("repay amount exceeds caller maximum")
	ErrRepayExceedsDebt = errors.New("repay amount exceeds outstanding debt")
	ErrStableSeize      = errors.New("cannot seize the stable asset")
	ErrNotBadDebt       = errors.New("collateral still covers the debt")
)

// LiquidationStatus is the 3-way margin-account outcome plus the guard
// state for accounts that must settle positions first.
type LiquidationStatus int

const (
	NoDebt LiquidationStatus = iota
	OpenPositions
	IsLiquidatable
	AboveThreshold
)

func (s LiquidationStatus) String() string {
	switch s {
	case NoDebt:
		return "NoDebt"
	case OpenPositions:
		return "OpenPositions"
	case IsLiquidatable:
		return "IsLiquidatable"
	case AboveThreshold:
		return "AboveThreshold"
	default:
		return "Unknown"
	}
}

// CheckLiquidatable classifies a margin account. When liquidatable it also
// returns the incentive per dollar repaid (1e6) and the outstanding stable
// debt. Zone A (weighted < 0 <= spot) pays the standard incentive; zone B
// (both < 0) is capped by what the collateral actually covers:
// incentive = min(maxIncentive, (spot+repay)/repay), so a liquidator can
// never be paid more than the remaining collateral value and the formula
// degrades gracefully as collateral approaches zero.
func (l *Ledger) CheckLiquidatable(trader common.Address, hasPositions bool, maxIncentive int64) (LiquidationStatus, int64, int64, error) {
	stable := l.StableBalance(trader)
	if stable >= 0 {
		return NoDebt, 0, 0, nil
	}
	if hasPositions {
		return OpenPositions, 0, 0, nil
	}

	weighted, spot, err := l.WeightedAndSpotCollateral(trader)
	if err != nil {
		return NoDebt, 0, 0, err
	}
	if weighted >= 0 {
		return AboveThreshold, 0, 0, nil
	}

	repay := -stable
	// spot includes the negative stable balance, so spot+repay is the value
	// of the non-stable collateral backing the debt.
	incentive := fixed.MinI64(maxIncentive, fixed.DivRatio(spot+repay, repay))
	if incentive < 0 {
		incentive = 0
	}
	return IsLiquidatable, incentive, repay, nil
}

// seizeFor converts a stable repay amount into collateral units at the
// oracle price plus incentive. Truncates in the trader's favor.
func (l *Ledger) seizeFor(repay int64, idx int, incentive int64) (*big.Int, error) {
	c := l.collaterals[idx]
	price, err := l.oracle.Price(c.Asset)
	if err != nil {
		return nil, err
	}
	value := fixed.MulRatio(repay, incentive) // 1e6
	units := fixed.MulDiv(big.NewInt(value), fixed.Pow10(int64(c.Decimals)), big.NewInt(price))
	return units, nil
}

// repayFor converts seized collateral units into the stable amount the
// liquidator must repay. Rounds up against the liquidator.
func (l *Ledger) repayFor(units *big.Int, idx int, incentive int64) (int64, error) {
	c := l.collaterals[idx]
	price, err := l.oracle.Price(c.Asset)
	if err != nil {
		return 0, err
	}
	value := fixed.MulDiv(units, big.NewInt(price), fixed.Pow10(int64(c.Decimals)))
	repay := fixed.MulDivCeil(value, big.NewInt(fixed.RatioScale), big.NewInt(incentive))
	return repay.Int64(), nil
}

// execute moves repay stable from the liquidator to the trader's debt and
// the seized units the other way. All three liquidation modes funnel
// through here so their final-state math is identical.
func (l *Ledger) execute(liquidator, trader common.Address, repay int64, idx int, units *big.Int) error {
	if idx == stableIdx {
		return ErrStableSeize
	}
	debt := -l.StableBalance(trader)
	if repay > debt {
		return fmt.Errorf("%w: repay %d, debt %d", ErrRepayExceedsDebt, repay, debt)
	}
	traderBal := l.account(trader)[idx]
	if units.Cmp(traderBal) > 0 {
		return fmt.Errorf("%w: seize %s, held %s", ErrInsufficientBalance, units, traderBal)
	}
	if l.StableBalance(liquidator) < repay {
		return fmt.Errorf("%w: liquidator stable", ErrInsufficientBalance)
	}

	l.ChangeStable(liquidator, -repay)
	l.ChangeStable(trader, repay)
	acctT := l.account(trader)
	acctL := l.account(liquidator)
	acctT[idx] = new(big.Int).Sub(acctT[idx], units)
	acctL[idx] = new(big.Int).Add(acctL[idx], units)
	return nil
}

// LiquidateExactRepay fixes the debt repaid; the output is the seized
// amount, which must meet the caller's stated minimum.
func (l *Ledger) LiquidateExactRepay(liquidator, trader common.Address, repay int64, idx int, minSeize *big.Int, hasPositions bool, maxIncentive int64) (*big.Int, error) {
	_, incentive, _, err := l.checkForLiquidation(trader, hasPositions, maxIncentive)
	if err != nil {
		return nil, err
	}
	units, err := l.seizeFor(repay, idx, incentive)
	if err != nil {
		return nil, err
	}
	if minSeize != nil && units.Cmp(minSeize) < 0 {
		return nil, fmt.Errorf("%w: got %s, want >= %s", ErrSeizeSlippage, units, minSeize)
	}
	if err := l.execute(liquidator, trader, repay, idx, units); err != nil {
		return nil, err
	}
	return units, nil
}

// LiquidateExactSeize fixes the collateral seized; the output is the debt
// repaid, which must not exceed the caller's maximum.
func (l *Ledger) LiquidateExactSeize(liquidator, trader common.Address, maxRepay int64, idx int, seize *big.Int, hasPositions bool, maxIncentive int64) (int64, error) {
	_, incentive, _, err := l.checkForLiquidation(trader, hasPositions, maxIncentive)
	if err != nil {
		return 0, err
	}
	repay, err := l.repayFor(seize, idx, incentive)
	if err != nil {
		return 0, err
	}
	if repay > maxRepay {
		return 0, fmt.Errorf("%w: need %d, max %d", ErrRepayLimit, repay, maxRepay)
	}
	if err := l.execute(liquidator, trader, repay, idx, seize); err != nil {
		return 0, err
	}
	return repay, nil
}

// LiquidateFlexible walks the caller's asset-priority list and picks
// exact-repay or exact-seize per asset, whichever fully clears that asset
// or the remaining debt. Stops when the debt is repaid or maxRepay is
// exhausted.
func (l *Ledger) LiquidateFlexible(liquidator, trader common.Address, maxRepay int64, idxs []int, hasPositions bool, maxIncentive int64) (int64, error) {
	totalRepaid := int64(0)
	for _, idx := range idxs {
		if idx <= stableIdx || idx >= len(l.collaterals) {
			return totalRepaid, fmt.Errorf("%w: %d", ErrUnknownCollateral, idx)
		}
		debt := -l.StableBalance(trader)
		if debt <= 0 || totalRepaid >= maxRepay {
			break
		}
		_, incentive, _, err := l.checkForLiquidation(trader, hasPositions, maxIncentive)
		if err != nil {
			if errors.Is(err, ErrNotLiquidatable) && totalRepaid > 0 {
				break // earlier rounds already cleared the account
			}
			return totalRepaid, err
		}

		held := l.account(trader)[idx]
		if held.Sign() == 0 {
			continue
		}
		fullRepay, err := l.repayFor(held, idx, incentive)
		if err != nil {
			return totalRepaid, err
		}

		budget := fixed.MinI64(debt, maxRepay-totalRepaid)
		if fullRepay <= budget {
			// Seizing the whole holding clears this asset.
			repaid, err := l.LiquidateExactSeize(liquidator, trader, budget, idx, new(big.Int).Set(held), hasPositions, maxIncentive)
			if err != nil {
				return totalRepaid, err
			}
			totalRepaid += repaid
		} else {
			// The holding more than covers what's left: fix the repay.
			if _, err := l.LiquidateExactRepay(liquidator, trader, budget, idx, nil, hasPositions, maxIncentive); err != nil {
				return totalRepaid, err
			}
			totalRepaid += budget
		}
	}
	return totalRepaid, nil
}

func (l *Ledger) checkForLiquidation(trader common.Address, hasPositions bool, maxIncentive int64) (LiquidationStatus, int64, int64, error) {
	status, incentive, repay, err := l.CheckLiquidatable(trader, hasPositions, maxIncentive)
	if err != nil {
		return status, 0, 0, err
	}
	switch status {
	case IsLiquidatable:
		return status, incentive, repay, nil
	case OpenPositions:
		return status, 0, 0, ErrOpenPositions
	default:
		return status, 0, 0, fmt.Errorf("%w: %s", ErrNotLiquidatable, status)
	}
}

// BadDebtSeizure reports one asset handed to the insurance reserve.
type BadDebtSeizure struct {
	Asset string
	Units *big.Int
}

// SettleBadDebt zeroes an insolvent account: the insurance reserve absorbs
// the stable shortfall and takes custody of every non-stable holding, each
// with a fresh auction. Only callable once the account's total collateral
// value cannot cover the debt.
func (l *Ledger) SettleBadDebt(trader common.Address, hasPositions bool, reserve *insurance.Reserve, now, auctionDurationSecs int64) (int64, []BadDebtSeizure, error) {
	if hasPositions {
		return 0, nil, ErrOpenPositions
	}
	stable := l.StableBalance(trader)
	if stable >= 0 {
		return 0, nil, fmt.Errorf("%w: no stable debt", ErrNotLiquidatable)
	}
	_, spot, err := l.WeightedAndSpotCollateral(trader)
	if err != nil {
		return 0, nil, err
	}
	if spot >= 0 {
		return 0, nil, ErrNotBadDebt
	}

	// Resolve every auction price before touching the reserve or the
	// account: a mid-loop oracle failure must not leave it half settled.
	acct := l.account(trader)
	prices := make(map[int]int64)
	for idx := 1; idx < len(l.collaterals); idx++ {
		if acct[idx].Sign() <= 0 {
			continue
		}
		price, err := l.oracle.Price(l.collaterals[idx].Asset)
		if err != nil {
			return 0, nil, err
		}
		prices[idx] = price
	}

	debt := -stable
	reserve.AbsorbBadDebt(debt)

	var seized []BadDebtSeizure
	for idx := 1; idx < len(l.collaterals); idx++ {
		price, ok := prices[idx]
		if !ok {
			continue
		}
		c := l.collaterals[idx]
		bal := acct[idx]
		// bal is positive here, so StartAuction cannot reject it.
		_ = reserve.StartAuction(c.Asset, c.Decimals, bal, price, now, auctionDurationSecs)
		seized = append(seized, BadDebtSeizure{Asset: c.Asset, Units: new(big.Int).Set(bal)})
		acct[idx] = new(big.Int)
	}
	acct[stableIdx] = new(big.Int)
	return debt, seized, nil
}
