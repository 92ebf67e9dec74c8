package oracle

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrZeroWindow   = errors.New("twap window must be > 0")
	ErrUnknownAsset = errors.New("no price for asset")
)

// Oracle is the external price-feed contract. Prices are quote-scaled
// (6 decimals). Staleness handling belongs to the feed, not this core.
type Oracle interface {
	// Price returns the current underlying price for an asset.
	Price(asset string) (int64, error)

	// TwapPrice returns the time-weighted price over windowSecs.
	// Fails if windowSecs == 0.
	TwapPrice(asset string, windowSecs int64) (int64, error)
}

// FixedOracle serves prices set by an operator. Used in tests and as the
// default wiring until a real aggregator is attached.
type FixedOracle struct {
	mu     sync.RWMutex
	prices map[string]int64
}

func NewFixedOracle() *FixedOracle {
	return &FixedOracle{prices: make(map[string]int64)}
}

// SetPrice sets both the spot and TWAP price for an asset.
func (o *FixedOracle) SetPrice(asset string, price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = price
}

func (o *FixedOracle) Price(asset string) (int64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return p, nil
}

func (o *FixedOracle) TwapPrice(asset string, windowSecs int64) (int64, error) {
	if windowSecs <= 0 {
		return 0, ErrZeroWindow
	}
	return o.Price(asset)
}
