// Package iceberg detects hidden liquidity: per-level refill patterns in the
// depth history (icebergs) and trade flow absorbed without the expected price
// move (hidden buyers and sellers).
package iceberg

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"level2-signal/internal/depth"
	"level2-signal/internal/ring"
)

type Strength string

const (
	High   Strength = "HIGH"
	Medium Strength = "MEDIUM"
)

type LevelKey struct {
	Side  depth.Side
	Price string // canonical decimal string
}

type Sample struct {
	Time time.Time
	Size float64
}

type LevelHistory struct {
	Side    depth.Side
	Price   decimal.Decimal
	Samples []Sample
}

type Iceberg struct {
	Side     depth.Side `json:"side"`
	Price    float64    `json:"price"`
	AvgSize  float64    `json:"avgSize"`
	Refills  int        `json:"refills"`
	Strength Strength   `json:"strength"`
}

type level struct {
	price   decimal.Decimal
	samples *ring.Buffer[Sample]
	touched uint64
}

// Detector retains a capped size history for every observed (side, price)
// level. The number of tracked levels is capped too; the least recently
// updated level is evicted first. Not safe for concurrent use.
type Detector struct {
	historyCap int
	maxLevels  int
	levels     map[LevelKey]*level
	seq        uint64
	snapshots  int
}

func NewDetector(historyCap, maxLevels int) *Detector {
	if historyCap < 3 {
		historyCap = 50
	}
	if maxLevels < 1 {
		maxLevels = 500
	}
	return &Detector{
		historyCap: historyCap,
		maxLevels:  maxLevels,
		levels:     map[LevelKey]*level{},
	}
}

// Observe records the size at every level of snap.
func (d *Detector) Observe(snap depth.Snapshot) {
	d.snapshots++
	d.seq++
	for _, side := range []depth.Side{depth.Bid, depth.Ask} {
		for _, l := range snap.Side(side) {
			d.sample(side, l, snap.Time)
		}
	}
}

func (d *Detector) sample(side depth.Side, pl depth.PriceLevel, at time.Time) {
	k := LevelKey{Side: side, Price: depth.PriceKey(pl.Price)}
	lv, ok := d.levels[k]
	if !ok {
		if len(d.levels) >= d.maxLevels {
			d.evictOldest()
		}
		lv = &level{price: pl.Price, samples: ring.New[Sample](d.historyCap)}
		d.levels[k] = lv
	}
	lv.touched = d.seq
	lv.samples.Push(Sample{Time: at, Size: pl.Size})
}

func (d *Detector) evictOldest() {
	var (
		oldest LevelKey
		seq    uint64
		found  bool
	)
	for k, lv := range d.levels {
		if !found || lv.touched < seq {
			oldest, seq, found = k, lv.touched, true
		}
	}
	if found {
		delete(d.levels, oldest)
	}
}

// Histories copies every tracked level's samples.
func (d *Detector) Histories() []LevelHistory {
	out := make([]LevelHistory, 0, len(d.levels))
	for k, lv := range d.levels {
		out = append(out, LevelHistory{Side: k.Side, Price: lv.price, Samples: lv.samples.Slice()})
	}
	return out
}

func (d *Detector) Snapshots() int { return d.snapshots }
func (d *Detector) Levels() int    { return len(d.levels) }

func (d *Detector) Reset() {
	clear(d.levels)
	d.snapshots = 0
	d.seq = 0
}

// CountRefills scans sizes with a 3-sample window and counts every collapse
// to <= drop of the preceding sample followed by a recovery to >= recover of
// that same preceding sample.
func CountRefills(sizes []float64, drop, recover float64) int {
	refills := 0
	for i := 1; i+1 < len(sizes); i++ {
		prev := sizes[i-1]
		if sizes[i] <= prev*drop && sizes[i+1] >= prev*recover {
			refills++
		}
	}
	return refills
}

// Scan re-evaluates every retained level history. Nothing is carried across
// calls, so thresholds always apply to the full retained window. Results are
// ordered by refill count, then price.
func Scan(histories []LevelHistory, snapshots int, cfg Config) []Iceberg {
	if snapshots < cfg.MinSnapshots {
		return nil
	}
	var out []Iceberg
	sizes := make([]float64, 0, 64)
	for _, h := range histories {
		if len(h.Samples) < cfg.MinSamples {
			continue
		}
		sizes = sizes[:0]
		var total float64
		for _, s := range h.Samples {
			sizes = append(sizes, s.Size)
			total += s.Size
		}
		refills := CountRefills(sizes, cfg.DropRatio, cfg.RecoverRatio)
		if refills < cfg.Profile.MinRefills {
			continue
		}
		strength := Medium
		if refills >= cfg.StrongRefills {
			strength = High
		}
		out = append(out, Iceberg{
			Side:     h.Side,
			Price:    h.Price.InexactFloat64(),
			AvgSize:  total / float64(len(sizes)),
			Refills:  refills,
			Strength: strength,
		})
	}
	slices.SortFunc(out, func(a, b Iceberg) int {
		if a.Refills != b.Refills {
			return b.Refills - a.Refills
		}
		switch {
		case a.Price < b.Price:
			return -1
		case a.Price > b.Price:
			return 1
		}
		return 0
	})
	return out
}
