// Package bank is the stable-asset ledger backing the exchange. Trading
// margin is denominated in the bank's stable unit; minting and burning are
// gated by a capability token so only the clearing layer can move supply.
// Redemptions that the backing reserves cannot fund in full are queued and
// paid out oldest-first, partially when necessary.
package bank

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"PerpClear/internal/event"
)

var (
	ErrUnauthorized     = errors.New("caller lacks mint authority")
	ErrInvalidAmount    = errors.New("amount must be > 0")
	ErrInsufficientBank = errors.New("insufficient stable balance")
)

// MintAuthority authorizes supply changes. The zero value carries no
// authority; the holder is recorded for event attribution only.
type MintAuthority struct {
	holder string
	ok     bool
}

func NewMintAuthority(holder string) MintAuthority {
	return MintAuthority{holder: holder, ok: true}
}

// withdrawal is one queued redemption. Amount is what is still owed.
type withdrawal struct {
	id       uuid.UUID
	trader   common.Address
	amount   int64
	queuedAt int64
}

// Bank tracks stable balances (1e6), total supply, and the backing
// reserves available for redemption. Not safe for concurrent use; the
// engine serializes access.
type Bank struct {
	balances map[common.Address]int64
	supply   int64
	reserves int64
	queue    []*withdrawal
	feed     event.Feed
}

func New(feed event.Feed) *Bank {
	if feed == nil {
		feed = event.NopFeed{}
	}
	return &Bank{
		balances: make(map[common.Address]int64),
		feed:     feed,
	}
}

// Balance returns the holder's stable balance (1e6).
func (b *Bank) Balance(holder common.Address) int64 {
	return b.balances[holder]
}

// Supply returns the total stable supply (1e6).
func (b *Bank) Supply() int64 {
	return b.supply
}

// Reserves returns the backing available for redemptions (1e6).
func (b *Bank) Reserves() int64 {
	return b.reserves
}

// Mint credits freshly issued stable to the recipient. Deposits of the
// backing asset grow the reserves one-for-one.
func (b *Bank) Mint(auth MintAuthority, to common.Address, amount int64) error {
	if !auth.ok {
		return ErrUnauthorized
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	b.balances[to] += amount
	b.supply += amount
	b.reserves += amount
	return nil
}

// Burn destroys stable held by the holder without touching reserves.
// Used when trading losses are socialized, not for redemptions.
func (b *Bank) Burn(auth MintAuthority, from common.Address, amount int64) error {
	if !auth.ok {
		return ErrUnauthorized
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if b.balances[from] < amount {
		return fmt.Errorf("%w: have %d, burn %d", ErrInsufficientBank, b.balances[from], amount)
	}
	b.balances[from] -= amount
	b.supply -= amount
	return nil
}

// Transfer moves stable between holders.
func (b *Bank) Transfer(from, to common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if b.balances[from] < amount {
		return fmt.Errorf("%w: have %d, send %d", ErrInsufficientBank, b.balances[from], amount)
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}

// DebitReserves moves backing out of the redemption pool, e.g. to fund
// the insurance backstop. Redemptions queued while reserves are out wait
// for CreditReserves.
func (b *Bank) DebitReserves(auth MintAuthority, amount int64) error {
	if !auth.ok {
		return ErrUnauthorized
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if b.reserves < amount {
		return fmt.Errorf("%w: reserves %d, debit %d", ErrInsufficientBank, b.reserves, amount)
	}
	b.reserves -= amount
	return nil
}

// CreditReserves returns backing to the redemption pool.
func (b *Bank) CreditReserves(amount int64) {
	if amount > 0 {
		b.reserves += amount
	}
}

// withdrawalNamespace seeds request IDs: hashing the command ref under a
// fixed namespace keeps WithdrawalQueued payloads identical across replays
// of the same command stream.
var withdrawalNamespace = uuid.MustParse("8f1d2c6a-77b4-4f09-9d6e-3a5b10c4e8d2")

// Withdraw burns the trader's stable and queues the redemption under an ID
// derived from ref. The queue is drained by ProcessWithdrawals; nothing
// pays out synchronously, so a withdrawal observed in a block is final
// even when reserves are short.
func (b *Bank) Withdraw(auth MintAuthority, ref string, trader common.Address, amount, now int64) (uuid.UUID, error) {
	if !auth.ok {
		return uuid.Nil, ErrUnauthorized
	}
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	if b.balances[trader] < amount {
		return uuid.Nil, fmt.Errorf("%w: have %d, withdraw %d", ErrInsufficientBank, b.balances[trader], amount)
	}
	b.balances[trader] -= amount
	b.supply -= amount

	w := &withdrawal{
		id:       uuid.NewSHA1(withdrawalNamespace, []byte(ref)),
		trader:   trader,
		amount:   amount,
		queuedAt: now,
	}
	b.queue = append(b.queue, w)
	b.feed.Emit(&event.WithdrawalQueued{
		RequestID: w.id,
		Trader:    trader,
		Amount:    amount,
	})
	return w.id, nil
}

// ProcessWithdrawals pays queued redemptions oldest-first from the
// reserves, at most maxRequests of them. The head request is paid
// partially when the reserves cannot cover it in full and stays queued
// for the remainder. Returns the total paid out.
func (b *Bank) ProcessWithdrawals(maxRequests int) int64 {
	var paid int64
	for n := 0; len(b.queue) > 0 && n < maxRequests && b.reserves > 0; n++ {
		w := b.queue[0]
		pay := w.amount
		if pay > b.reserves {
			pay = b.reserves
		}
		b.reserves -= pay
		w.amount -= pay
		paid += pay

		b.feed.Emit(&event.WithdrawalProcessed{
			RequestID: w.id,
			Trader:    w.trader,
			Paid:      pay,
			Remaining: w.amount,
		})
		if w.amount > 0 {
			break
		}
		b.queue = b.queue[1:]
	}
	return paid
}

// PendingWithdrawal is a read-model view of one queued redemption.
type PendingWithdrawal struct {
	RequestID uuid.UUID
	Trader    common.Address
	Amount    int64
	QueuedAt  int64
}

// PendingWithdrawals lists the queue oldest-first.
func (b *Bank) PendingWithdrawals() []PendingWithdrawal {
	out := make([]PendingWithdrawal, len(b.queue))
	for i, w := range b.queue {
		out[i] = PendingWithdrawal{RequestID: w.id, Trader: w.trader, Amount: w.amount, QueuedAt: w.queuedAt}
	}
	return out
}

// QueuedTotal returns the stable still owed across the queue (1e6).
func (b *Bank) QueuedTotal() int64 {
	var total int64
	for _, w := range b.queue {
		total += w.amount
	}
	return total
}
