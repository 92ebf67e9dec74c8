// Package engine owns the serialized write path. All state-changing
// commands flow through one goroutine: validate, apply to the clearing
// house and order book, assign sequence numbers, chain state hashes, and
// hand the resulting envelopes to persistence and publishing.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpClear/internal/bank"
	"PerpClear/internal/clearing"
	"PerpClear/internal/event"
	"PerpClear/internal/observability"
	"PerpClear/internal/orderbook"
)

// ErrDuplicateCommand distinguishes "already applied" from a rejection:
// the submitter's intent took effect on an earlier delivery.
var ErrDuplicateCommand = errors.New("command already applied")

// Vault is the house account that custodies stable margin inside the bank.
var Vault = common.HexToAddress("0x00000000000000000000000000000000000c1ea5")

// Collector gathers the events one command produced. The clearing house
// and the engine both emit into it; the engine drains it per command.
type Collector struct {
	events []event.Event
}

func (c *Collector) Emit(e event.Event) {
	c.events = append(c.events, e)
}

func (c *Collector) drain() []event.Event {
	evs := c.events
	c.events = nil
	return evs
}

// NewCollector returns an empty collector to wire as the house's feed.
func NewCollector() *Collector {
	return &Collector{}
}

// Config wires the engine's collaborators.
type Config struct {
	House       *clearing.ClearingHouse
	Book        *orderbook.Book
	Bank        *bank.Bank
	Mint        bank.MintAuthority
	StableAsset string
	Collector   *Collector

	StartSequence  int64
	PersistChan    chan<- event.Envelope
	PublishChan    chan<- event.Envelope
	ProjectionChan chan<- event.Envelope
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics

	// QueueSize bounds pending submissions; 0 means 1024.
	QueueSize int
}

type result struct {
	value any
	err   error
}

type request struct {
	cmd   Command
	reply chan result
}

type readRequest struct {
	fn    func() (any, error)
	reply chan result
}

// Engine is the single-writer command processor. Submit is safe for
// concurrent use; everything else runs on the Run goroutine.
type Engine struct {
	house       *clearing.ClearingHouse
	book        *orderbook.Book
	bank        *bank.Bank
	mint        bank.MintAuthority
	stableAsset string
	collector   *Collector

	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics

	persistChan    chan<- event.Envelope
	publishChan    chan<- event.Envelope
	projectionChan chan<- event.Envelope
	requests       chan request
	reads          chan readRequest
}

func New(cfg Config) *Engine {
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = 1024
	}
	return &Engine{
		house:          cfg.House,
		book:           cfg.Book,
		bank:           cfg.Bank,
		mint:           cfg.Mint,
		stableAsset:    cfg.StableAsset,
		collector:      cfg.Collector,
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(1_000_000, cfg.DBChecker),
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		publishChan:    cfg.PublishChan,
		projectionChan: cfg.ProjectionChan,
		requests:       make(chan request, queueSize),
		reads:          make(chan readRequest, queueSize),
	}
}

// Sequence returns the next sequence the engine will assign.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// StateHash returns the hash-chain tip.
func (e *Engine) StateHash() [32]byte {
	return e.hasher.PrevHash()
}

// RestoreChain resets the sequence counter and hash-chain tip, e.g. after
// loading the op log on a warm restart.
func (e *Engine) RestoreChain(nextSequence int64, tip [32]byte) {
	e.sequence = nextSequence
	e.hasher.SetPrevHash(tip)
}

// WarmIdempotency preloads recently applied composite keys.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idempotency.Warm(keys)
}

// Submit hands a command to the engine goroutine and waits for the
// outcome. The returned value depends on the command kind, e.g. the order
// hash for PlaceOrder.
func (e *Engine) Submit(ctx context.Context, cmd Command) (any, error) {
	req := request{cmd: cmd, reply: make(chan result, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read runs fn on the engine goroutine, serialized with command
// processing. Query handlers use it to observe consistent state without
// locks on the domain structures.
func (e *Engine) Read(ctx context.Context, fn func() (any, error)) (any, error) {
	req := readRequest{fn: fn, reply: make(chan result, 1)}
	select {
	case e.reads <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes commands until the context is cancelled. Exactly one Run
// goroutine may exist per engine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			value, err := e.process(req.cmd)
			req.reply <- result{value: value, err: err}
		case req := <-e.reads:
			value, err := req.fn()
			req.reply <- result{value: value, err: err}
		}
	}
}

func (e *Engine) process(cmd Command) (any, error) {
	start := time.Now()
	kind, key := cmd.Kind(), cmd.IdempotencyKey()

	if e.idempotency.IsDuplicate(kind, key) {
		if e.metrics != nil {
			e.metrics.EngineOpsRejected.WithLabelValues(kind, "duplicate").Inc()
		}
		return nil, ErrDuplicateCommand
	}

	value, err := e.dispatch(cmd)
	if err != nil {
		// Handlers commit state and emit only after full validation, so a
		// failed command leaves nothing to drain.
		e.collector.drain()
		if e.metrics != nil {
			e.metrics.EngineOpsRejected.WithLabelValues(kind, "rejected").Inc()
		}
		return nil, err
	}

	ts := time.Unix(commandTimestamp(cmd), 0).UTC()
	for _, ev := range e.collector.drain() {
		e.observe(ev)
		payload, merr := json.Marshal(ev)
		if merr != nil {
			payload = []byte("{}")
		}
		prev := e.hasher.PrevHash()
		env := event.Envelope{
			Sequence:       e.sequence,
			IdempotencyKey: ev.IdempotencyKey(),
			CommandKey:     compositeKey(kind, key),
			EventType:      ev.EventType(),
			MarketID:       ev.MarketID(),
			Timestamp:      ts,
			Payload:        payload,
			StateHash:      e.hasher.ComputeHash(e.sequence, payload),
			PrevHash:       prev,
		}
		e.sequence++

		// Persistence blocks: no envelope may be lost. Publishing and
		// projections drop on a full channel; both rebuild from the op log.
		select {
		case e.persistChan <- env:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- env
		}
		select {
		case e.publishChan <- env:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- env:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.Inc()
				}
			}
		}
	}

	e.idempotency.MarkApplied(kind, key)
	if e.metrics != nil {
		e.metrics.EngineOpsApplied.WithLabelValues(kind).Inc()
		e.metrics.EngineOpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
	return value, nil
}

// observe updates per-market gauges and counters from an emitted event.
func (e *Engine) observe(ev event.Event) {
	if e.metrics == nil {
		return
	}
	switch v := ev.(type) {
	case *event.PositionModified:
		e.metrics.TradesExecuted.WithLabelValues(v.Market).Inc()
		e.metrics.MarkPrice.WithLabelValues(v.Market).Set(float64(v.MarkPrice))
	case *event.OrdersMatched:
		e.metrics.OrdersMatched.WithLabelValues(v.Market).Inc()
	case *event.FundingRateUpdated:
		e.metrics.FundingSettled.WithLabelValues(v.Market).Inc()
		e.metrics.PremiumFraction.WithLabelValues(v.Market).Set(float64(v.PremiumFraction))
	case *event.PositionLiquidated:
		e.metrics.PositionsLiquidated.WithLabelValues(v.Market).Inc()
	case *event.CollateralLiquidated:
		e.metrics.CollateralSeized.WithLabelValues(v.Asset).Inc()
	case *event.BadDebtSettled:
		e.metrics.BadDebtSettledTotal.Add(float64(v.Debt))
	case *event.AuctionStarted:
		e.metrics.AuctionsStarted.WithLabelValues(v.Asset).Inc()
	}
}

// commandTimestamp extracts the versioned operation time. Commands
// without a time component stamp their envelopes at zero; the op-log
// sequence orders them regardless.
func commandTimestamp(cmd Command) int64 {
	switch c := cmd.(type) {
	case *PlaceOrder:
		return c.Now
	case *MatchOrders:
		return c.Now
	case *OpenPosition:
		return c.Now
	case *AddLiquidity:
		return c.Now
	case *RemoveLiquidity:
		return c.Now
	case *Liquidate:
		return c.Now
	case *LiquidateWithOrder:
		return c.Now
	case *SettleBadDebt:
		return c.Now
	case *BuyCollateral:
		return c.Now
	case *FundingTick:
		return c.Now
	case *RedeemStable:
		return c.Now
	default:
		return 0
	}
}

func (e *Engine) dispatch(cmd Command) (any, error) {
	switch c := cmd.(type) {
	case *PlaceOrder:
		hash, err := e.book.PlaceOrder(orderbook.NewPlacerToken(c.Sender), c.Now, &c.Order)
		if err != nil {
			return nil, err
		}
		e.collector.Emit(&event.OrderPlaced{
			Market:     c.Order.Market,
			Trader:     c.Order.Trader,
			OrderHash:  hash,
			BaseQty:    c.Order.BaseQty,
			Price:      c.Order.Price,
			Salt:       c.Order.Salt,
			ReduceOnly: c.Order.ReduceOnly,
			ExpireAt:   c.Order.ExpireAt,
		})
		return hash, nil

	case *CancelOrder:
		order, ok := e.book.Order(c.Hash)
		if err := e.book.CancelOrder(orderbook.NewPlacerToken(c.Sender), c.Hash); err != nil {
			return nil, err
		}
		cancelled := &event.OrderCancelled{OrderHash: c.Hash, Trader: c.Sender}
		if ok {
			cancelled.Market = order.Market
		}
		e.collector.Emit(cancelled)
		return nil, nil

	case *MatchOrders:
		orders := [2]*orderbook.Order{&c.Orders[0], &c.Orders[1]}
		if err := e.book.ExecuteMatchedOrders(c.Now, orders, c.Sigs, c.FillQty); err != nil {
			return nil, err
		}
		e.collector.Emit(&event.OrdersMatched{
			Market:     c.Orders[0].Market,
			MakerHash:  c.Orders[0].Hash(),
			TakerHash:  c.Orders[1].Hash(),
			Maker:      c.Orders[0].Trader,
			Taker:      c.Orders[1].Trader,
			FillAmount: c.FillQty,
			Price:      c.Orders[0].Price,
		})
		return nil, nil

	case *OpenPosition:
		return e.house.OpenPosition(c.Now, c.Trader, c.Market, c.BaseQty, c.LimitPrice)

	case *AddLiquidity:
		return e.house.AddLiquidity(c.Now, c.Maker, c.Market, c.Quote)

	case *RemoveLiquidity:
		return e.house.RemoveLiquidity(c.Now, c.Maker, c.Market, c.DToken)

	case *Liquidate:
		return e.house.LiquidatePosition(c.Now, c.Liquidator, c.Market, c.Trader)

	case *LiquidateWithOrder:
		tok := orderbook.NewLiquidatorToken(c.Liquidator)
		return nil, e.book.LiquidateAndExecuteOrder(tok, c.Now, c.Trader, &c.Counter, c.Sig, c.FillQty)

	case *LiquidateCollateral:
		switch c.Mode {
		case CollateralModeExactRepay:
			return e.house.LiquidateCollateral(c.Liquidator, c.Trader, c.Repay, c.Asset, c.MinSeize)
		case CollateralModeExactSeize:
			return e.house.LiquidateCollateralExactSeize(c.Liquidator, c.Trader, c.MaxRepay, c.Asset, c.Seize)
		case CollateralModeFlexible:
			return e.house.LiquidateCollateralFlexible(c.Liquidator, c.Trader, c.MaxRepay, c.Assets)
		default:
			return nil, fmt.Errorf("unknown collateral liquidation mode: %d", c.Mode)
		}

	case *SettleBadDebt:
		return e.house.SettleBadDebt(c.Now, c.Trader)

	case *BuyCollateral:
		return e.house.BuyCollateralFromAuction(c.Now, c.Buyer, c.Asset, c.Units)

	case *FundingTick:
		return nil, e.house.SettleFunding(c.Now)

	case *DepositCollateral:
		if c.Asset == e.stableAsset {
			if err := e.bank.Transfer(c.Trader, Vault, c.Amount.Int64()); err != nil {
				return nil, err
			}
		}
		return nil, e.house.DepositMargin(c.Trader, c.Asset, c.Amount)

	case *WithdrawCollateral:
		if err := e.house.WithdrawMargin(c.Trader, c.Asset, c.Amount); err != nil {
			return nil, err
		}
		if c.Asset == e.stableAsset {
			// The vault held the backing since the deposit; this cannot fail
			// unless margin and bank balances diverged.
			if err := e.bank.Transfer(Vault, c.Trader, c.Amount.Int64()); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case *MintStable:
		return nil, e.bank.Mint(e.mint, c.To, c.Amount)

	case *RedeemStable:
		return e.bank.Withdraw(e.mint, c.Ref, c.Trader, c.Amount, c.Now)

	case *ProcessWithdrawals:
		return e.bank.ProcessWithdrawals(c.MaxRequests), nil

	case *UpdateParams:
		return nil, e.house.UpdateParams(c.Params)

	case *SetReferrer:
		return nil, e.house.SetReferrer(c.Trader, c.Referrer)

	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}
