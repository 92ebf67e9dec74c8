package market

import (
	"math/big"

	"PerpClear/internal/fixed"
)

// snapshot records the curve reserves at one instant. The ring is
// append-only; TWAP queries walk it backwards.
type snapshot struct {
	QuoteReserve int64    // 1e6
	BaseReserve  *big.Int // 1e18
	Timestamp    int64
}

const twapRingCapacity = 256

type twapRing struct {
	buf  []snapshot
	next int
	full bool
}

func newTwapRing() *twapRing {
	return &twapRing{buf: make([]snapshot, twapRingCapacity)}
}

func (r *twapRing) add(s snapshot) {
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *twapRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// at returns the i-th newest snapshot (0 = newest).
func (r *twapRing) at(i int) snapshot {
	idx := r.next - 1 - i
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx]
}

func spotPrice(s snapshot) int64 {
	if s.BaseReserve.Sign() == 0 {
		return 0
	}
	p := fixed.MulDiv(big.NewInt(s.QuoteReserve), fixed.BaseScale, s.BaseReserve)
	return p.Int64()
}

// twap computes the time-weighted spot price over [now-window, now].
// Each snapshot's price is weighted by the time it was in force; the newest
// snapshot contributes zero weight when it shares the query timestamp.
// Windows longer than the recorded history stop at the oldest snapshot.
func (r *twapRing) twap(now, windowSecs int64) int64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	windowStart := now - windowSecs

	var weightedSum, totalWeight big.Int
	end := now
	for i := 0; i < n; i++ {
		s := r.at(i)
		start := s.Timestamp
		if start < windowStart {
			start = windowStart
		}
		if start >= end {
			// Same-instant snapshot: zero weight, keep walking.
			if s.Timestamp <= windowStart {
				break
			}
			continue
		}
		dt := end - start
		var term big.Int
		term.Mul(big.NewInt(spotPrice(s)), big.NewInt(dt))
		weightedSum.Add(&weightedSum, &term)
		totalWeight.Add(&totalWeight, big.NewInt(dt))
		end = s.Timestamp
		if s.Timestamp <= windowStart {
			break
		}
	}

	if totalWeight.Sign() == 0 {
		// No elapsed time in the window: fall back to the newest spot.
		return spotPrice(r.at(0))
	}
	return new(big.Int).Quo(&weightedSum, &totalWeight).Int64()
}
