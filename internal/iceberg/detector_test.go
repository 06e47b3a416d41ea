package iceberg

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"level2-signal/internal/depth"
	"level2-signal/internal/tape"
)

var t0 = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func lv(p, s float64) depth.PriceLevel {
	return depth.PriceLevel{Price: decimal.NewFromFloat(p), Size: s}
}

func TestCountRefillsReferenceSequence(t *testing.T) {
	sizes := []float64{100, 40, 85, 90, 45, 95}
	assert.Equal(t, 2, CountRefills(sizes, 0.5, 0.8))
}

func TestCountRefillsShortAndFlat(t *testing.T) {
	assert.Equal(t, 0, CountRefills(nil, 0.5, 0.8))
	assert.Equal(t, 0, CountRefills([]float64{100, 10}, 0.5, 0.8))
	assert.Equal(t, 0, CountRefills([]float64{100, 100, 100, 100}, 0.5, 0.8))
	// drop without recovery is not a refill
	assert.Equal(t, 0, CountRefills([]float64{100, 40, 60, 55}, 0.5, 0.8))
}

func observeSeries(d *Detector, side depth.Side, price float64, sizes []float64) {
	for i, s := range sizes {
		snap := depth.Snapshot{Time: t0.Add(time.Duration(i) * time.Second)}
		other := lv(50, 1)
		if side == depth.Bid {
			snap.Bids = []depth.PriceLevel{lv(price, s)}
			snap.Asks = []depth.PriceLevel{other}
		} else {
			snap.Asks = []depth.PriceLevel{lv(price, s)}
			snap.Bids = []depth.PriceLevel{other}
		}
		d.Observe(snap)
	}
}

func TestScanReportsIceberg(t *testing.T) {
	d := NewDetector(50, 500)
	observeSeries(d, depth.Bid, 10.25, []float64{100, 40, 90, 100, 30, 95, 100, 20, 100})

	got := Scan(d.Histories(), d.Snapshots(), DefaultConfig())
	require.Len(t, got, 1)
	assert.Equal(t, depth.Bid, got[0].Side)
	assert.Equal(t, 10.25, got[0].Price)
	assert.Equal(t, 3, got[0].Refills)
	assert.Equal(t, Medium, got[0].Strength)
	assert.InDelta(t, 75.0, got[0].AvgSize, 1e-9)
}

func TestScanStrengthAndOrdering(t *testing.T) {
	d := NewDetector(50, 500)
	strong := []float64{100}
	for i := 0; i < 5; i++ {
		strong = append(strong, 10, 100)
	}
	observeSeries(d, depth.Ask, 11.00, strong)
	observeSeries(d, depth.Bid, 10.00, []float64{100, 40, 90, 100, 30, 95, 100, 20, 100})

	cfg := DefaultConfig()
	got := Scan(d.Histories(), d.Snapshots(), cfg)
	require.Len(t, got, 2)
	assert.Equal(t, depth.Ask, got[0].Side)
	assert.Equal(t, High, got[0].Strength)
	assert.Equal(t, 5, got[0].Refills)
	assert.Equal(t, depth.Bid, got[1].Side)
}

func TestScanNeedsEnoughHistory(t *testing.T) {
	d := NewDetector(50, 500)
	observeSeries(d, depth.Bid, 10, []float64{100, 10, 100, 10})
	assert.Empty(t, Scan(d.Histories(), d.Snapshots(), DefaultConfig()))
}

func TestScanIsStatelessAcrossCalls(t *testing.T) {
	d := NewDetector(50, 500)
	observeSeries(d, depth.Bid, 10, []float64{100, 40, 90, 100, 30, 95, 100, 20, 100})
	first := Scan(d.Histories(), d.Snapshots(), DefaultConfig())
	second := Scan(d.Histories(), d.Snapshots(), DefaultConfig())
	assert.Equal(t, first, second)
}

func TestSensitivityProfiles(t *testing.T) {
	d := NewDetector(50, 500)
	observeSeries(d, depth.Bid, 10, []float64{100, 40, 90, 100, 30, 95})

	cfg := DefaultConfig()
	assert.Empty(t, Scan(d.Histories(), d.Snapshots(), cfg), "medium needs 3 refills")

	cfg.Profile, _ = ProfileFor("high")
	assert.Len(t, Scan(d.Histories(), d.Snapshots(), cfg), 1)

	_, err := ProfileFor("extreme")
	assert.Error(t, err)
}

func TestHistoryAndLevelCaps(t *testing.T) {
	d := NewDetector(5, 3)
	for i := 0; i < 10; i++ {
		d.Observe(depth.Snapshot{
			Time: t0,
			Bids: []depth.PriceLevel{lv(10, float64(i+1))},
			Asks: []depth.PriceLevel{lv(11, 1)},
		})
	}
	for _, h := range d.Histories() {
		assert.LessOrEqual(t, len(h.Samples), 5)
	}

	// two new levels push past the cap of 3; the stale one goes first
	d.Observe(depth.Snapshot{Time: t0, Bids: []depth.PriceLevel{lv(9, 1)}, Asks: []depth.PriceLevel{lv(12, 1)}})
	assert.Equal(t, 3, d.Levels())

	d.Reset()
	assert.Equal(t, 0, d.Levels())
	assert.Equal(t, 0, d.Snapshots())
}

func TestObserveMergesEqualPricesWithDifferentScale(t *testing.T) {
	d := NewDetector(50, 10)
	d.Observe(depth.Snapshot{
		Time: t0,
		Bids: []depth.PriceLevel{{Price: decimal.RequireFromString("100.00"), Size: 5}},
		Asks: []depth.PriceLevel{lv(101, 1)},
	})
	d.Observe(depth.Snapshot{
		Time: t0.Add(time.Second),
		Bids: []depth.PriceLevel{{Price: decimal.RequireFromString("100"), Size: 6}},
		Asks: []depth.PriceLevel{lv(101, 1)},
	})
	require.Equal(t, 2, d.Levels())
	for _, h := range d.Histories() {
		if h.Side == depth.Bid {
			assert.Len(t, h.Samples, 2)
		}
	}
}

func TestHiddenBuyerMedium(t *testing.T) {
	buyer, seller := DetectHidden(tape.VolumeMetrics{BuyVolume: 10, SellVolume: 20}, 0.001, DefaultConfig())
	require.NotNil(t, buyer)
	assert.Equal(t, Medium, buyer.Strength)
	assert.Equal(t, 20.0, buyer.Absorbed)
	assert.Nil(t, seller)
}

func TestHiddenSellerHighOnRealDrop(t *testing.T) {
	buyer, seller := DetectHidden(tape.VolumeMetrics{BuyVolume: 40, SellVolume: 10}, -0.02, DefaultConfig())
	assert.Nil(t, buyer)
	require.NotNil(t, seller)
	assert.Equal(t, High, seller.Strength)
}

func TestHiddenSuppressedWhenPriceFollowsFlow(t *testing.T) {
	// heavy selling and price fell beyond tolerance: nothing hidden
	buyer, _ := DetectHidden(tape.VolumeMetrics{BuyVolume: 10, SellVolume: 30}, -0.01, DefaultConfig())
	assert.Nil(t, buyer)
}

func TestAnalyzeGatesOnTapeSize(t *testing.T) {
	now := t0.Add(time.Minute)
	tp := tape.New(1000, 200).WithClock(func() time.Time { return now })
	for i := 0; i < 5; i++ {
		tp.Record(tape.Print{Price: 10, Size: 1, Time: now.Add(-time.Second)})
	}
	a := Analyze(tp.Window(), nil, 0, 30*time.Second, DefaultConfig())
	assert.False(t, a.Measured)
	assert.Nil(t, a.HiddenBuyer)

	// falling prints, all in window: 1 buy then sells
	for i := 0; i < 10; i++ {
		tp.Record(tape.Print{Price: 10 - float64(i)*0.001, Size: 10, Time: now.Add(-time.Second)})
	}
	a = Analyze(tp.Window(), nil, 0, 30*time.Second, DefaultConfig())
	require.True(t, a.Measured)
	assert.Greater(t, a.SellVolume, a.BuyVolume)
	assert.NotNil(t, a.HiddenBuyer)
}
