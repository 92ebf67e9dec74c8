package orderbook

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/fixed"
)

var (
	ErrNotOrderOwner  = errors.New("sender is not the order trader")
	ErrOrderExists    = errors.New("order hash already exists")
	ErrOrderNotFound  = errors.New("order not placed")
	ErrOrderExpired   = errors.New("order already expired")
	ErrOrderDone      = errors.New("order already filled or cancelled")
	ErrZeroQty        = errors.New("order quantity must be nonzero")
	ErrSameDirection  = errors.New("matched orders must take opposite directions")
	ErrMarketMismatch = errors.New("matched orders reference different markets")
	ErrPriceMismatch  = errors.New("long limit below short limit")
	ErrInvalidFill    = errors.New("fill amount inconsistent with order remainders")
	ErrReduceOnly     = errors.New("reduce-only order would increase the position")
)

// PlacerToken carries the authenticated identity of an order submitter.
// Issued by the transport layer once the caller is known; the book never
// does its own ambient sender lookup.
type PlacerToken struct {
	sender common.Address
}

func NewPlacerToken(sender common.Address) PlacerToken {
	return PlacerToken{sender: sender}
}

func (t PlacerToken) Sender() common.Address { return t.sender }

// LiquidatorToken marks a caller allowed to run the privileged
// liquidate-and-execute composite.
type LiquidatorToken struct {
	addr common.Address
}

func NewLiquidatorToken(addr common.Address) LiquidatorToken {
	return LiquidatorToken{addr: addr}
}

func (t LiquidatorToken) Address() common.Address { return t.addr }

// Fill is one side of a matched trade handed to the executor.
type Fill struct {
	Trader     common.Address
	BaseQty    *big.Int
	LimitPrice int64
}

// Executor is the clearing-house surface the book drives. Both sides of a
// match commit atomically inside ExecuteMatch or not at all; the book only
// mutates its own records after the executor returns.
type Executor interface {
	ExecuteMatch(now int64, market string, fills [2]Fill) error
	ExecuteLiquidation(now int64, market string, liquidator, trader common.Address, counter Fill) error
	PositionSize(market string, trader common.Address) (*big.Int, error)
}

type entry struct {
	order  *Order
	filled *big.Int // magnitude, 1e18
	status OrderStatus
}

func (e *entry) remaining() *big.Int {
	rem := fixed.Abs(e.order.BaseQty)
	rem.Sub(rem, e.filled)
	if e.order.BaseQty.Sign() < 0 {
		rem.Neg(rem)
	}
	return rem
}

func (e *entry) open() bool {
	return e.status == Placed || e.status == PartiallyFilled
}

func (e *entry) fill(amount *big.Int) {
	e.filled.Add(e.filled, fixed.Abs(amount))
	if e.filled.Cmp(fixed.Abs(e.order.BaseQty)) >= 0 {
		e.status = Filled
	} else {
		e.status = PartiallyFilled
	}
}

// Book validates, stores, and matches signed orders. Single-writer: the
// engine serializes every call, so there is no internal locking.
type Book struct {
	exec    Executor
	auth    Authenticator
	entries map[common.Hash]*entry
}

func NewBook(exec Executor, auth Authenticator) *Book {
	return &Book{
		exec:    exec,
		auth:    auth,
		entries: make(map[common.Hash]*entry),
	}
}

// PlaceOrder admits a resting limit order. The hash must be fresh: a
// filled or cancelled order cannot be placed again even with identical
// fields, since the salt is part of the hash.
func (b *Book) PlaceOrder(tok PlacerToken, now int64, order *Order) (common.Hash, error) {
	if order.BaseQty == nil || order.BaseQty.Sign() == 0 {
		return common.Hash{}, ErrZeroQty
	}
	if tok.Sender() != order.Trader {
		return common.Hash{}, fmt.Errorf("%w: sender %s, trader %s", ErrNotOrderOwner, tok.Sender(), order.Trader)
	}
	if order.IsIOC() && now > order.ExpireAt {
		return common.Hash{}, fmt.Errorf("%w: expireAt %d, now %d", ErrOrderExpired, order.ExpireAt, now)
	}
	h := order.Hash()
	if _, ok := b.entries[h]; ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrOrderExists, h)
	}
	b.entries[h] = &entry{order: order, filled: new(big.Int), status: Placed}
	return h, nil
}

// CancelOrder withdraws an open order. Filled and cancelled orders stay in
// the book as tombstones so their hashes cannot be reused.
func (b *Book) CancelOrder(tok PlacerToken, hash common.Hash) error {
	e, ok := b.entries[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, hash)
	}
	if tok.Sender() != e.order.Trader {
		return ErrNotOrderOwner
	}
	if !e.open() {
		return fmt.Errorf("%w: %s", ErrOrderDone, e.status)
	}
	e.status = Cancelled
	return nil
}

// Status returns the lifecycle state for an order hash, Invalid when the
// hash was never seen.
func (b *Book) Status(hash common.Hash) OrderStatus {
	e, ok := b.entries[hash]
	if !ok {
		return Invalid
	}
	return e.status
}

// Order returns the order recorded under a hash.
func (b *Book) Order(hash common.Hash) (*Order, bool) {
	e, ok := b.entries[hash]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// FilledAmount returns the matched magnitude for an order hash.
func (b *Book) FilledAmount(hash common.Hash) *big.Int {
	e, ok := b.entries[hash]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(e.filled)
}

// lookup resolves an order to its book entry, admitting IOC orders that
// were never placed. A fresh IOC entry is staged, not recorded: callers
// record it only once the match commits, so a failed match leaves no
// trace of it in the book. A consumed IOC order is found recorded and
// fails reuse like any other done order.
func (b *Book) lookup(now int64, order *Order, sig []byte) (*entry, error) {
	if order.BaseQty == nil || order.BaseQty.Sign() == 0 {
		return nil, ErrZeroQty
	}
	signer, err := b.auth.Recover(order.Hash(), sig)
	if err != nil {
		return nil, err
	}
	if signer != order.Trader {
		return nil, fmt.Errorf("%w: recovered %s, trader %s", ErrBadSignature, signer, order.Trader)
	}
	if order.IsIOC() && now > order.ExpireAt {
		return nil, fmt.Errorf("%w: expireAt %d, now %d", ErrOrderExpired, order.ExpireAt, now)
	}

	h := order.Hash()
	e, ok := b.entries[h]
	if !ok {
		if !order.IsIOC() {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, h)
		}
		return &entry{order: order, filled: new(big.Int), status: Placed}, nil
	}
	if !e.open() {
		return nil, fmt.Errorf("%w: %s", ErrOrderDone, e.status)
	}
	return e, nil
}

// checkReduceOnly rejects a fill that would grow the trader's position.
// A reduce-only fill must oppose the current position and stay within it.
func (b *Book) checkReduceOnly(order *Order, fill *big.Int) error {
	if !order.ReduceOnly {
		return nil
	}
	size, err := b.exec.PositionSize(order.Market, order.Trader)
	if err != nil {
		return err
	}
	if size.Sign() == 0 || size.Sign() == fill.Sign() {
		return fmt.Errorf("%w: position %s, fill %s", ErrReduceOnly, size, fill)
	}
	if fixed.CmpAbs(fill, size) > 0 {
		return fmt.Errorf("%w: fill %s exceeds position %s", ErrReduceOnly, fill, size)
	}
	return nil
}

// ExecuteMatchedOrders settles a crossed order pair. orders[0] is the
// maker: the trade executes at its limit price and fillAmount carries the
// sign of its remaining quantity. Book records update only after both
// clearing-house legs commit.
func (b *Book) ExecuteMatchedOrders(now int64, orders [2]*Order, sigs [2][]byte, fillAmount *big.Int) error {
	maker, err := b.lookup(now, orders[0], sigs[0])
	if err != nil {
		return fmt.Errorf("maker: %w", err)
	}
	taker, err := b.lookup(now, orders[1], sigs[1])
	if err != nil {
		return fmt.Errorf("taker: %w", err)
	}

	if orders[0].Market != orders[1].Market {
		return ErrMarketMismatch
	}
	if orders[0].BaseQty.Sign() == orders[1].BaseQty.Sign() {
		return ErrSameDirection
	}
	long, short := orders[0], orders[1]
	if long.BaseQty.Sign() < 0 {
		long, short = short, long
	}
	if long.Price < short.Price {
		return fmt.Errorf("%w: long %d, short %d", ErrPriceMismatch, long.Price, short.Price)
	}

	if fillAmount == nil || fillAmount.Sign() == 0 || fillAmount.Sign() != orders[0].BaseQty.Sign() {
		return fmt.Errorf("%w: fill sign must follow the maker order", ErrInvalidFill)
	}
	if fixed.CmpAbs(fillAmount, maker.remaining()) > 0 || fixed.CmpAbs(fillAmount, taker.remaining()) > 0 {
		return fmt.Errorf("%w: fill %s exceeds an unfilled remainder", ErrInvalidFill, fillAmount)
	}

	makerFill := new(big.Int).Set(fillAmount)
	takerFill := fixed.Neg(fillAmount)
	if err := b.checkReduceOnly(orders[0], makerFill); err != nil {
		return err
	}
	if err := b.checkReduceOnly(orders[1], takerFill); err != nil {
		return err
	}

	price := orders[0].Price
	err = b.exec.ExecuteMatch(now, orders[0].Market, [2]Fill{
		{Trader: orders[0].Trader, BaseQty: makerFill, LimitPrice: price},
		{Trader: orders[1].Trader, BaseQty: takerFill, LimitPrice: price},
	})
	if err != nil {
		return err
	}

	b.record(maker)
	b.record(taker)
	maker.fill(fillAmount)
	taker.fill(fillAmount)
	b.retire(maker)
	b.retire(taker)
	return nil
}

// record tracks an entry under its order hash. Staged IOC entries join the
// book here, after their match committed, so a consumed IOC order fails
// reuse while a rejected one is never retained.
func (b *Book) record(e *entry) {
	b.entries[e.order.Hash()] = e
}

// retire cancels the unfilled remainder of a partially matched IOC order
// so it never rests in the book.
func (b *Book) retire(e *entry) {
	if e.order.IsIOC() && e.status == PartiallyFilled {
		e.status = Cancelled
	}
}

// LiquidateAndExecuteOrder reduces an under-margined trader against a
// counter order at that order's limit price. fillAmount carries the sign
// of the counter order; the trader's position absorbs the opposite side.
// The clearing house enforces the margin check and the per-call partial
// liquidation bound.
func (b *Book) LiquidateAndExecuteOrder(tok LiquidatorToken, now int64, trader common.Address, counter *Order, sig []byte, fillAmount *big.Int) error {
	e, err := b.lookup(now, counter, sig)
	if err != nil {
		return fmt.Errorf("counter order: %w", err)
	}
	if fillAmount == nil || fillAmount.Sign() == 0 || fillAmount.Sign() != counter.BaseQty.Sign() {
		return fmt.Errorf("%w: fill sign must follow the counter order", ErrInvalidFill)
	}
	if fixed.CmpAbs(fillAmount, e.remaining()) > 0 {
		return fmt.Errorf("%w: fill %s exceeds the counter remainder", ErrInvalidFill, fillAmount)
	}

	size, err := b.exec.PositionSize(counter.Market, trader)
	if err != nil {
		return err
	}
	// The counter order takes over what the trader sheds, so it must sit
	// on the same side as the trader's position.
	if size.Sign() == 0 || size.Sign() != fillAmount.Sign() {
		return fmt.Errorf("%w: position %s, fill %s", ErrInvalidFill, size, fillAmount)
	}
	if fixed.CmpAbs(fillAmount, size) > 0 {
		return fmt.Errorf("%w: fill %s exceeds position %s", ErrInvalidFill, fillAmount, size)
	}
	if err := b.checkReduceOnly(counter, new(big.Int).Set(fillAmount)); err != nil {
		return err
	}

	err = b.exec.ExecuteLiquidation(now, counter.Market, tok.Address(), trader, Fill{
		Trader:     counter.Trader,
		BaseQty:    new(big.Int).Set(fillAmount),
		LimitPrice: counter.Price,
	})
	if err != nil {
		return err
	}

	b.record(e)
	e.fill(fillAmount)
	b.retire(e)
	return nil
}
