package depth

import (
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Book aggregates full-depth batches into a canonical bid/ask ladder. It is
// the single mutation point for live book state; everything downstream reads
// copies returned by Snapshot.
type Book struct {
	precision int32
	depth     int

	mu   sync.RWMutex
	bids map[string]PriceLevel
	asks map[string]PriceLevel
	snap Snapshot
	err  error
}

func NewBook(precision int32, depth int) *Book {
	if depth < 1 {
		depth = 20
	}
	return &Book{
		precision: precision,
		depth:     depth,
		bids:      map[string]PriceLevel{},
		asks:      map[string]PriceLevel{},
		err:       ErrNoData,
	}
}

// Apply rebuilds both sides from up and returns the number of rows dropped
// as feed noise (non-positive price or size).
func (b *Book) Apply(up Update) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := b.rebuild(b.bids, Bid, up.Bids)
	dropped += b.rebuild(b.asks, Ask, up.Asks)
	b.publish(up.Symbol, up.Time)
	return dropped
}

// ApplySide rebuilds a single side from rows, leaving the other side as is.
func (b *Book) ApplySide(symbol string, side Side, rows []DepthLevel, at time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.asks
	if side == Bid {
		m = b.bids
	}
	dropped := b.rebuild(m, side, rows)
	b.publish(symbol, at)
	return dropped
}

// Snapshot returns a copy of the last fully rebuilt book, or ErrNoData /
// ErrCrossed when the book is not in a valid state.
func (b *Book) Snapshot() (Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.err != nil {
		return Snapshot{}, b.err
	}
	return b.snap.Clone(), nil
}

// Reset drops all state, e.g. on symbol change.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.bids)
	clear(b.asks)
	b.snap = Snapshot{}
	b.err = ErrNoData
}

// rebuild clears m and re-aggregates rows into it.
// decimal.Decimal values that are numerically equal can carry different
// exponents ("100" vs "100.00"), so the rounded PriceKey is the key.
func (b *Book) rebuild(m map[string]PriceLevel, side Side, rows []DepthLevel) int {
	clear(m)
	dropped := 0
	for _, r := range rows {
		if r.Side != "" && r.Side != side {
			continue
		}
		p := r.Price.Round(b.precision)
		// sub-tick prices round to zero
		if !p.IsPositive() || r.Size <= 0 {
			dropped++
			continue
		}
		k := PriceKey(p)
		lvl, ok := m[k]
		if !ok {
			lvl = PriceLevel{Price: p}
		}
		lvl.Size += r.Size
		m[k] = lvl
	}
	return dropped
}

// publish builds the sorted, truncated snapshot. Callers hold mu.
func (b *Book) publish(symbol string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	if len(b.bids) == 0 || len(b.asks) == 0 {
		b.snap, b.err = Snapshot{}, ErrNoData
		return
	}
	bids := ladder(b.bids, b.depth, func(x, y PriceLevel) int { return y.Price.Cmp(x.Price) })
	asks := ladder(b.asks, b.depth, func(x, y PriceLevel) int { return x.Price.Cmp(y.Price) })
	if bids[0].Price.Cmp(asks[0].Price) >= 0 {
		b.snap, b.err = Snapshot{}, ErrCrossed
		return
	}
	b.snap = Snapshot{
		Symbol: symbol,
		Bids:   bids,
		Asks:   asks,
		Time:   at.UTC(),
		Depth:  b.depth,
	}
	b.err = nil
}

func ladder(m map[string]PriceLevel, depth int, cmp func(a, b PriceLevel) int) []PriceLevel {
	out := make([]PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	slices.SortFunc(out, cmp)
	if len(out) > depth {
		out = out[:depth]
	}
	return out
}

// PriceKey normalizes a Decimal so numerically equal values hash to the same key.
// String() drops redundant trailing zeros (e.g., "100.00" -> "100").
func PriceKey(p decimal.Decimal) string {
	return p.String()
}
