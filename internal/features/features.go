// Package features derives microstructure features from a book snapshot.
// Everything here is a pure function of its inputs.
package features

import (
	"time"

	"level2-signal/internal/depth"
	"level2-signal/internal/session"
)

// Options controls how many levels feed the imbalance measures.
type Options struct {
	Levels     int // top-K for weighted/queue imbalance, default 5
	ThinLevels int // K cap during PREMARKET/AFTERHOURS, default 3
}

func DefaultOptions() Options { return Options{Levels: 5, ThinLevels: 3} }

type Features struct {
	Time    time.Time       `json:"time"`
	Session session.Session `json:"session"`
	Levels  int             `json:"levels"`

	Microprice float64 `json:"microprice"`
	MidPrice   float64 `json:"midPrice"`
	Spread     float64 `json:"spread"`
	SpreadBps  float64 `json:"spreadBps"`

	BestBid     float64 `json:"bestBid"`
	BestAsk     float64 `json:"bestAsk"`
	BestBidSize float64 `json:"bestBidSize"`
	BestAskSize float64 `json:"bestAskSize"`

	BidVolume       float64 `json:"bidVolume"`
	AskVolume       float64 `json:"askVolume"`
	VolumeImbalance float64 `json:"volumeImbalance"`

	WeightedBidPressure float64 `json:"weightedBidPressure"`
	WeightedAskPressure float64 `json:"weightedAskPressure"`
	WeightedImbalance   float64 `json:"weightedImbalance"`
	QueueImbalance      float64 `json:"queueImbalance"`
	SizeImbalanceTop    float64 `json:"sizeImbalanceTop"`

	BidDepth10 float64 `json:"bidDepth10"`
	AskDepth10 float64 `json:"askDepth10"`
	BidLevels  int     `json:"bidLevels"`
	AskLevels  int     `json:"askLevels"`

	SessionWarning string `json:"sessionWarning,omitempty"`
}

// Extract computes Features for a valid (non-empty, uncrossed) snapshot.
func Extract(snap depth.Snapshot, sess session.Session, opts Options) Features {
	bb, ba := snap.BestBid(), snap.BestAsk()
	bid, ask := bb.PriceFloat(), ba.PriceFloat()

	k := EffectiveLevels(len(snap.Bids), len(snap.Asks), sess, opts)
	micro := Microprice(bid, ask, bb.Size, ba.Size)

	f := Features{
		Time:        snap.Time,
		Session:     sess,
		Levels:      k,
		Microprice:  micro,
		MidPrice:    (bid + ask) / 2,
		Spread:      ask - bid,
		BestBid:     bid,
		BestAsk:     ask,
		BestBidSize: bb.Size,
		BestAskSize: ba.Size,
		BidLevels:   len(snap.Bids),
		AskLevels:   len(snap.Asks),

		SizeImbalanceTop: Imbalance(bb.Size, ba.Size),
		SessionWarning:   sess.Warning(),
	}
	f.SpreadBps = SpreadBps(bid, ask, micro)

	f.BidVolume = sumSizes(snap.Bids, k)
	f.AskVolume = sumSizes(snap.Asks, k)
	f.VolumeImbalance = Imbalance(f.BidVolume, f.AskVolume)

	f.WeightedBidPressure = rankWeighted(snap.Bids, k)
	f.WeightedAskPressure = rankWeighted(snap.Asks, k)
	f.WeightedImbalance = Imbalance(f.WeightedBidPressure, f.WeightedAskPressure)
	f.QueueImbalance = QueueImbalance(snap.Bids, snap.Asks, k)

	d10 := min(10, len(snap.Bids), len(snap.Asks))
	f.BidDepth10 = sumSizes(snap.Bids, d10)
	f.AskDepth10 = sumSizes(snap.Asks, d10)
	return f
}

// EffectiveLevels narrows K to the available depth, and further during
// thin-liquidity sessions.
func EffectiveLevels(bidLevels, askLevels int, sess session.Session, opts Options) int {
	k := opts.Levels
	if k < 1 {
		k = 5
	}
	if sess.Extended() && opts.ThinLevels > 0 {
		k = min(k, opts.ThinLevels)
	}
	return min(k, bidLevels, askLevels)
}

// Microprice is the size-weighted fair price between the touch; the midpoint
// when both top sizes are zero.
func Microprice(bid, ask, bidSize, askSize float64) float64 {
	total := bidSize + askSize
	if total == 0 {
		return (bid + ask) / 2
	}
	return (bid*askSize + ask*bidSize) / total
}

func SpreadBps(bid, ask, micro float64) float64 {
	if micro == 0 {
		return 0
	}
	return (ask - bid) / micro * 10000
}

// Imbalance is (a-b)/(a+b), 0 when both are zero.
func Imbalance(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return (a - b) / (a + b)
}

// WeightedImbalance weights the top k levels k..1 by rank.
func WeightedImbalance(bids, asks []depth.PriceLevel, k int) float64 {
	return Imbalance(rankWeighted(bids, k), rankWeighted(asks, k))
}

// QueueImbalance weights the top k levels by 1/(i+1).
func QueueImbalance(bids, asks []depth.PriceLevel, k int) float64 {
	return Imbalance(reciprocalWeighted(bids, k), reciprocalWeighted(asks, k))
}

func rankWeighted(levels []depth.PriceLevel, k int) float64 {
	k = min(k, len(levels))
	var sum float64
	for i := 0; i < k; i++ {
		sum += levels[i].Size * float64(k-i)
	}
	return sum
}

func reciprocalWeighted(levels []depth.PriceLevel, k int) float64 {
	k = min(k, len(levels))
	var sum float64
	for i := 0; i < k; i++ {
		sum += levels[i].Size / float64(i+1)
	}
	return sum
}

func sumSizes(levels []depth.PriceLevel, k int) float64 {
	k = min(k, len(levels))
	var sum float64
	for i := 0; i < k; i++ {
		sum += levels[i].Size
	}
	return sum
}
