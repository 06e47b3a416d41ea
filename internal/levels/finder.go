// Package levels finds support and resistance from a trailing microprice
// window. Levels have no lifecycle of their own; they are recomputed from
// the live window on every evaluation.
package levels

import (
	"slices"

	"level2-signal/internal/ring"
)

type Options struct {
	MinSamples int     // fewer samples yields no levels, default 20
	Tolerance  float64 // relative clustering gap, default 0.01
}

func DefaultOptions() Options { return Options{MinSamples: 20, Tolerance: 0.01} }

type Levels struct {
	Support    []float64 `json:"support"`
	Resistance []float64 `json:"resistance"`
}

// Finder holds the trailing microprice window. Not safe for concurrent use.
type Finder struct {
	prices *ring.Buffer[float64]
}

func NewFinder(window int) *Finder {
	if window < 5 {
		window = 50
	}
	return &Finder{prices: ring.New[float64](window)}
}

func (f *Finder) Add(price float64) { f.prices.Push(price) }
func (f *Finder) Prices() []float64 { return f.prices.Slice() }
func (f *Finder) Reset()            { f.prices.Reset() }

// Find returns clustered local minima (support) and maxima (resistance).
// A sample is an extremum when it is strictly beyond both neighbors on
// each side.
func Find(prices []float64, opts Options) Levels {
	if opts.MinSamples < 5 {
		opts.MinSamples = 5
	}
	if len(prices) < opts.MinSamples {
		return Levels{}
	}
	var support, resistance []float64
	for i := 2; i < len(prices)-2; i++ {
		p := prices[i]
		if p < prices[i-1] && p < prices[i-2] && p < prices[i+1] && p < prices[i+2] {
			support = append(support, p)
		}
		if p > prices[i-1] && p > prices[i-2] && p > prices[i+1] && p > prices[i+2] {
			resistance = append(resistance, p)
		}
	}
	return Levels{
		Support:    Cluster(support, opts.Tolerance),
		Resistance: Cluster(resistance, opts.Tolerance),
	}
}

// Cluster sorts values and merges runs whose relative gap to the current
// cluster's last member is below tol, replacing each run by its mean.
func Cluster(values []float64, tol float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var out []float64
	cur := []float64{sorted[0]}
	for _, v := range sorted[1:] {
		last := cur[len(cur)-1]
		if last != 0 && abs(v-last)/last < tol {
			cur = append(cur, v)
			continue
		}
		out = append(out, mean(cur))
		cur = []float64{v}
	}
	return append(out, mean(cur))
}

// Nearest returns the level closest to price.
func Nearest(levels []float64, price float64) (float64, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	best := levels[0]
	for _, l := range levels[1:] {
		if abs(l-price) < abs(best-price) {
			best = l
		}
	}
	return best, true
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
