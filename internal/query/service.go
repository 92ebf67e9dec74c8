// Package query is the read surface over engine state. Every query runs
// on the engine goroutine via engine.Read, so responses are consistent
// snapshots without locks on the domain structures.
package query

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/bank"
	"PerpClear/internal/clearing"
	"PerpClear/internal/engine"
	"PerpClear/internal/insurance"
	"PerpClear/internal/margin"
	"PerpClear/internal/oracle"
	"PerpClear/internal/params"
)

type Service struct {
	eng     *engine.Engine
	house   *clearing.ClearingHouse
	ledger  *margin.Ledger
	reserve *insurance.Reserve
	store   *params.Store
	bnk     *bank.Bank
	oracle  oracle.Oracle
}

func NewService(
	eng *engine.Engine,
	house *clearing.ClearingHouse,
	ledger *margin.Ledger,
	reserve *insurance.Reserve,
	store *params.Store,
	bnk *bank.Bank,
	o oracle.Oracle,
) *Service {
	return &Service{
		eng:     eng,
		house:   house,
		ledger:  ledger,
		reserve: reserve,
		store:   store,
		bnk:     bnk,
		oracle:  o,
	}
}

// NotionalPositionAndUnrealizedPnl returns the trader's cross-market
// exposure at AMM pricing.
func (s *Service) NotionalPositionAndUnrealizedPnl(ctx context.Context, trader common.Address) (*AccountExposure, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		notional, pnl, err := s.house.NotionalPositionAndUnrealizedPnl(trader)
		if err != nil {
			return nil, err
		}
		return &AccountExposure{
			Trader:        trader.Hex(),
			Notional:      notional,
			UnrealizedPnl: pnl,
			AsOfSequence:  s.eng.Sequence(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AccountExposure), nil
}

// MarginFraction returns the trader's margin fraction for ordinary margin
// checks (the trade-gating pricing, not the liquidation one).
func (s *Service) MarginFraction(ctx context.Context, trader common.Address) (*MarginFractionView, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		notional, _, err := s.house.NotionalPositionAndUnrealizedPnl(trader)
		if err != nil {
			return nil, err
		}
		view := &MarginFractionView{
			Trader:            trader.Hex(),
			HasExposure:       notional != 0,
			MaintenanceMargin: s.store.Get().MaintenanceMargin,
			AsOfSequence:      s.eng.Sequence(),
		}
		if view.HasExposure {
			mf, err := s.house.MarginFraction(trader, false)
			if err != nil {
				return nil, err
			}
			view.Fraction = mf
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MarginFractionView), nil
}

// UserPositions lists the trader's open positions and maker shares across
// all markets.
func (s *Service) UserPositions(ctx context.Context, trader common.Address) (*PositionList, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		list := &PositionList{
			Trader:       trader.Hex(),
			Positions:    []PositionView{},
			MakerShares:  []MakerView{},
			AsOfSequence: s.eng.Sequence(),
		}
		for _, name := range s.house.MarketNames() {
			m, err := s.house.Market(name)
			if err != nil {
				return nil, err
			}
			price := m.Curve().MarkPrice()

			if pos := m.Position(trader); !pos.IsFlat() {
				list.Positions = append(list.Positions, PositionView{
					Market:               name,
					Size:                 pos.Size.String(),
					OpenNotional:         pos.OpenNotional,
					Notional:             pos.NotionalAt(price),
					UnrealizedPnl:        pos.UnrealizedPnl(price),
					PendingFunding:       m.PendingFunding(trader),
					LiquidationThreshold: pos.LiquidationThreshold.String(),
				})
			}

			if mk := m.Maker(trader); mk != nil && mk.DToken.Sign() != 0 {
				size, open := m.MakerPosition(trader)
				list.MakerShares = append(list.MakerShares, MakerView{
					Market:       name,
					DToken:       mk.DToken.String(),
					Size:         size.String(),
					OpenNotional: open,
				})
			}
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PositionList), nil
}

// IsLiquidatable classifies the trader: open exposure is checked against
// the maintenance margin at liquidation pricing; flat accounts fall to
// the margin-account debt check.
func (s *Service) IsLiquidatable(ctx context.Context, trader common.Address) (*LiquidationCheck, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		p := s.store.Get()
		check := &LiquidationCheck{
			Trader:       trader.Hex(),
			AsOfSequence: s.eng.Sequence(),
		}

		if s.house.HasOpenPositions(trader) {
			mf, err := s.house.MarginFraction(trader, true)
			if err != nil {
				return nil, err
			}
			check.Mode = "position"
			check.MarginFraction = mf
			check.Liquidatable = mf < p.MaintenanceMargin
			return check, nil
		}

		status, incentive, debt, err := s.ledger.CheckLiquidatable(trader, false, p.MaxLiquidationIncentive)
		if err != nil {
			return nil, err
		}
		check.Mode = "collateral"
		check.Status = status.String()
		check.Liquidatable = status == margin.IsLiquidatable
		check.Incentive = incentive
		check.Debt = debt
		return check, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LiquidationCheck), nil
}

// AuctionPrice returns the Dutch-auction state for a seized asset at the
// given time.
func (s *Service) AuctionPrice(ctx context.Context, asset string, now int64) (*AuctionQuote, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		quote := &AuctionQuote{
			Asset:        asset,
			Ongoing:      s.reserve.IsAuctionOngoing(asset, now),
			Holding:      s.reserve.Holding(asset).String(),
			AsOfSequence: s.eng.Sequence(),
		}
		if quote.Ongoing {
			quote.Price = s.reserve.AuctionPrice(asset, now)
		}
		return quote, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuctionQuote), nil
}

// Balances returns the trader's margin account and bank holdings.
func (s *Service) Balances(ctx context.Context, trader common.Address) (*BalanceSheet, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		sheet := &BalanceSheet{
			Trader:       trader.Hex(),
			Collateral:   []CollateralBalance{},
			BankBalance:  s.bnk.Balance(trader),
			AsOfSequence: s.eng.Sequence(),
		}
		for i, c := range s.ledger.Collaterals() {
			bal, err := s.ledger.Balance(trader, i)
			if err != nil {
				return nil, err
			}
			sheet.Collateral = append(sheet.Collateral, CollateralBalance{
				Asset:   c.Asset,
				Balance: bal.String(),
				Weight:  c.Weight,
			})
		}
		weighted, spot, err := s.ledger.WeightedAndSpotCollateral(trader)
		if err != nil {
			return nil, err
		}
		sheet.WeightedCollateral = weighted
		sheet.SpotCollateral = spot
		return sheet, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BalanceSheet), nil
}

// Markets lists all registered markets with their current pricing.
func (s *Service) Markets(ctx context.Context) (*MarketList, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		list := &MarketList{
			Markets:      []MarketView{},
			AsOfSequence: s.eng.Sequence(),
		}
		for _, name := range s.house.MarketNames() {
			m, err := s.house.Market(name)
			if err != nil {
				return nil, err
			}
			index, err := s.oracle.Price(m.Underlying)
			if err != nil {
				index = 0
			}
			long, short := m.OpenInterest()
			list.Markets = append(list.Markets, MarketView{
				Name:                      name,
				Underlying:                m.Underlying,
				MarkPrice:                 m.Curve().MarkPrice(),
				IndexPrice:                index,
				OpenInterestLong:          long.String(),
				OpenInterestShort:         short.String(),
				CumulativePremiumFraction: m.CumulativePremiumFraction(),
			})
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MarketList), nil
}

// PendingWithdrawals returns the bank's redemption queue and reserve
// totals.
func (s *Service) PendingWithdrawals(ctx context.Context) (*WithdrawalQueue, error) {
	v, err := s.eng.Read(ctx, func() (any, error) {
		queue := &WithdrawalQueue{
			Pending:      []WithdrawalView{},
			QueuedTotal:  s.bnk.QueuedTotal(),
			Reserves:     s.bnk.Reserves(),
			Supply:       s.bnk.Supply(),
			AsOfSequence: s.eng.Sequence(),
		}
		for _, w := range s.bnk.PendingWithdrawals() {
			queue.Pending = append(queue.Pending, WithdrawalView{
				RequestID: w.RequestID.String(),
				Trader:    w.Trader.Hex(),
				Amount:    w.Amount,
				QueuedAt:  w.QueuedAt,
			})
		}
		return queue, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*WithdrawalQueue), nil
}
