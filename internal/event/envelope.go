package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderPlaced
	EventTypeOrderCancelled
	EventTypeOrdersMatched
	EventTypePositionModified
	EventTypePositionLiquidated
	EventTypeCollateralLiquidated
	EventTypeBadDebtSettled
	EventTypeFundingRateUpdated
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
	EventTypeMarginDeposited
	EventTypeMarginWithdrawn
	EventTypeWithdrawalQueued
	EventTypeWithdrawalProcessed
	EventTypeAuctionStarted
	EventTypeCollateralSold
	EventTypeParamsUpdated
)

// Envelope wraps every notification in the outbound log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable dedup key for downstream consumers
	IdempotencyKey string

	// Composite key of the originating command, for restart dedup
	CommandKey string

	// Event type discriminator
	EventType EventType

	// Market context (nil for global events)
	MarketID *string

	// Operation timestamp (versioned input, NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous envelope's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all notification payloads implement. Each event
// carries enough fields for an indexer to reconstruct the ledger delta
// without querying state.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string
}

// Feed receives the notifications an operation produced. Implementations
// must not block: the engine emits inline on its single write path.
type Feed interface {
	Emit(e Event)
}

// NopFeed discards everything. Used by tests and read-only tooling.
type NopFeed struct{}

func (NopFeed) Emit(Event) {}

func (et EventType) String() string {
	switch et {
	case EventTypeOrderPlaced:
		return "OrderPlaced"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeOrdersMatched:
		return "OrdersMatched"
	case EventTypePositionModified:
		return "PositionModified"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeCollateralLiquidated:
		return "CollateralLiquidated"
	case EventTypeBadDebtSettled:
		return "BadDebtSettled"
	case EventTypeFundingRateUpdated:
		return "FundingRateUpdated"
	case EventTypeLiquidityAdded:
		return "LiquidityAdded"
	case EventTypeLiquidityRemoved:
		return "LiquidityRemoved"
	case EventTypeMarginDeposited:
		return "MarginDeposited"
	case EventTypeMarginWithdrawn:
		return "MarginWithdrawn"
	case EventTypeWithdrawalQueued:
		return "WithdrawalQueued"
	case EventTypeWithdrawalProcessed:
		return "WithdrawalProcessed"
	case EventTypeAuctionStarted:
		return "AuctionStarted"
	case EventTypeCollateralSold:
		return "CollateralSold"
	case EventTypeParamsUpdated:
		return "ParamsUpdated"
	default:
		return "Unknown"
	}
}
