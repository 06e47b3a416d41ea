// Package tape keeps a bounded time & sales history and the windowed
// buy/sell volume and price-change statistics derived from it.
package tape

import (
	"time"

	"level2-signal/internal/ring"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Print is a raw trade print as delivered by the feed; the aggressor side is
// not known.
type Print struct {
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
	Time  time.Time `json:"time"`
}

type Trade struct {
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
	Side  Side      `json:"side"`
	Time  time.Time `json:"time"`
}

type PricePoint struct {
	Price float64
	Time  time.Time
}

type VolumeMetrics struct {
	BuyVolume  float64 `json:"buyVolume"`
	SellVolume float64 `json:"sellVolume"`
	NetVolume  float64 `json:"netVolume"`
	BuyTrades  int     `json:"buyTrades"`
	SellTrades int     `json:"sellTrades"`
}

// Tape is not safe for concurrent use; the engine serializes access.
type Tape struct {
	trades  *ring.Buffer[Trade]
	prices  *ring.Buffer[PricePoint]
	last    float64
	hasLast bool
	now     func() time.Time
}

func New(tradeCap, priceCap int) *Tape {
	return &Tape{
		trades: ring.New[Trade](tradeCap),
		prices: ring.New[PricePoint](priceCap),
		now:    time.Now,
	}
}

// WithClock overrides the clock used to anchor trailing windows.
func (t *Tape) WithClock(now func() time.Time) *Tape {
	t.now = now
	return t
}

// Record classifies p with the tick rule and stores it. A print above the
// previous print is a buy, below is a sell, unchanged (or first) defaults to
// buy. This is an approximation of aggressor side, not a true identity.
func (t *Tape) Record(p Print) Trade {
	if p.Time.IsZero() {
		p.Time = t.now()
	}
	side := Buy
	if t.hasLast && p.Price < t.last {
		side = Sell
	}
	t.last, t.hasLast = p.Price, true

	tr := Trade{Price: p.Price, Size: p.Size, Side: side, Time: p.Time.UTC()}
	t.trades.Push(tr)
	t.prices.Push(PricePoint{Price: p.Price, Time: tr.Time})
	return tr
}

// Window copies the current buffers so statistics can be computed without
// holding the engine lock.
func (t *Tape) Window() Window {
	return Window{Trades: t.trades.Slice(), Prices: t.prices.Slice(), Now: t.now()}
}

func (t *Tape) VolumeMetrics(window time.Duration) (VolumeMetrics, bool) {
	return t.Window().VolumeMetrics(window)
}

func (t *Tape) PriceChange(window time.Duration) (float64, bool) {
	return t.Window().PriceChange(window)
}

func (t *Tape) Len() int { return t.trades.Len() }

func (t *Tape) Reset() {
	t.trades.Reset()
	t.prices.Reset()
	t.last, t.hasLast = 0, false
}

// Window is a detached copy of the tape anchored at Now.
type Window struct {
	Trades []Trade
	Prices []PricePoint
	Now    time.Time
}

// VolumeMetrics aggregates trades at or after Now-window. ok is false when
// the tape is empty or nothing falls in the window.
func (w Window) VolumeMetrics(window time.Duration) (vm VolumeMetrics, ok bool) {
	cutoff := w.Now.Add(-window)
	for _, tr := range w.Trades {
		if tr.Time.Before(cutoff) {
			continue
		}
		ok = true
		if tr.Side == Buy {
			vm.BuyVolume += tr.Size
			vm.BuyTrades++
		} else {
			vm.SellVolume += tr.Size
			vm.SellTrades++
		}
	}
	vm.NetVolume = vm.BuyVolume - vm.SellVolume
	return vm, ok
}

// PriceChange is the fractional change between the first and last print in
// the window. It needs at least two in-window prints.
func (w Window) PriceChange(window time.Duration) (float64, bool) {
	cutoff := w.Now.Add(-window)
	var first, last PricePoint
	n := 0
	for _, p := range w.Prices {
		if p.Time.Before(cutoff) {
			continue
		}
		if n == 0 {
			first = p
		}
		last = p
		n++
	}
	if n < 2 || first.Price == 0 {
		return 0, false
	}
	return (last.Price - first.Price) / first.Price, true
}
