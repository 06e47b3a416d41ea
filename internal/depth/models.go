package depth

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side of the book. Values match the gateway's row side strings.
type Side string

const (
	Bid Side = "BID"
	Ask Side = "ASK"
)

var (
	// ErrNoData means the book cannot produce a usable snapshot yet.
	ErrNoData = errors.New("no data")
	// ErrCrossed is a feed anomaly (best bid >= best ask); callers treat it as no data.
	ErrCrossed = fmt.Errorf("%w: crossed book", ErrNoData)
)

type DepthLevel struct {
	Side  Side            `json:"side"`  // "ASK" or "BID"
	Price decimal.Decimal `json:"price"` // raw venue price, rounded during aggregation
	Size  float64         `json:"size"`  // quantity at this venue at this price
	Venue string          `json:"venue"` // exchange/venue
	Level int             `json:"level"` // optional: source-reported level index
}

// Update is one full-depth batch from the feed. Each side replaces the
// previous state for that side; rows at the same rounded price are summed.
type Update struct {
	Symbol string
	Asks   []DepthLevel
	Bids   []DepthLevel
	Time   time.Time
}

type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  float64         `json:"size"`
}

// PriceFloat is the level price as float64 for feature math.
func (l PriceLevel) PriceFloat() float64 { return l.Price.InexactFloat64() }

// Snapshot is an immutable view of the aggregated book: bids descending,
// asks ascending, both truncated to Depth.
type Snapshot struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	Time   time.Time    `json:"time"`
	Depth  int          `json:"depth"`
}

func (s Snapshot) BestBid() PriceLevel { return s.Bids[0] }
func (s Snapshot) BestAsk() PriceLevel { return s.Asks[0] }

// Mid is the arithmetic midpoint of the touch.
func (s Snapshot) Mid() float64 {
	return (s.BestBid().PriceFloat() + s.BestAsk().PriceFloat()) / 2
}

// Spread is best ask minus best bid.
func (s Snapshot) Spread() float64 {
	return s.BestAsk().PriceFloat() - s.BestBid().PriceFloat()
}

// Side returns the ladder for side.
func (s Snapshot) Side(side Side) []PriceLevel {
	if side == Bid {
		return s.Bids
	}
	return s.Asks
}

// Clone returns a deep copy; ladders are not shared with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Bids = append([]PriceLevel(nil), s.Bids...)
	out.Asks = append([]PriceLevel(nil), s.Asks...)
	return out
}
