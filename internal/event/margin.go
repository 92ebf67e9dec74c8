package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MarginDeposited reports collateral credited to a margin account.
type MarginDeposited struct {
	Trader   common.Address
	Asset    string
	Amount   *big.Int // asset units
	Sequence int64
}

func (e *MarginDeposited) IdempotencyKey() string {
	return fmt.Sprintf("deposit:%s:%s:%d", e.Trader, e.Asset, e.Sequence)
}

func (e *MarginDeposited) EventType() EventType {
	return EventTypeMarginDeposited
}

func (e *MarginDeposited) MarketID() *string {
	return nil
}

// MarginWithdrawn reports collateral debited from a margin account.
type MarginWithdrawn struct {
	Trader   common.Address
	Asset    string
	Amount   *big.Int
	Sequence int64
}

func (e *MarginWithdrawn) IdempotencyKey() string {
	return fmt.Sprintf("withdraw:%s:%s:%d", e.Trader, e.Asset, e.Sequence)
}

func (e *MarginWithdrawn) EventType() EventType {
	return EventTypeMarginWithdrawn
}

func (e *MarginWithdrawn) MarketID() *string {
	return nil
}

// WithdrawalQueued reports a stable-asset redemption deferred because the
// backing reserves could not fund it in full.
type WithdrawalQueued struct {
	RequestID uuid.UUID
	Trader    common.Address
	Amount    int64 // 1e6 still owed
}

func (e *WithdrawalQueued) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *WithdrawalQueued) EventType() EventType {
	return EventTypeWithdrawalQueued
}

func (e *WithdrawalQueued) MarketID() *string {
	return nil
}

// WithdrawalProcessed reports a queued redemption paid out, possibly
// partially.
type WithdrawalProcessed struct {
	RequestID uuid.UUID
	Trader    common.Address
	Paid      int64 // 1e6
	Remaining int64 // 1e6 still queued, 0 when fully funded
}

func (e *WithdrawalProcessed) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.RequestID, e.Remaining)
}

func (e *WithdrawalProcessed) EventType() EventType {
	return EventTypeWithdrawalProcessed
}

func (e *WithdrawalProcessed) MarketID() *string {
	return nil
}
