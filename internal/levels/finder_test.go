package levels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vShape() []float64 {
	prices := make([]float64, 0, 25)
	for i := 12; i > 0; i-- {
		prices = append(prices, 100+float64(i)*0.1)
	}
	prices = append(prices, 100)
	for i := 1; i <= 12; i++ {
		prices = append(prices, 100+float64(i)*0.1)
	}
	return prices
}

func TestFindVShapeSupportOnly(t *testing.T) {
	lv := Find(vShape(), DefaultOptions())
	require.Len(t, lv.Support, 1)
	assert.Equal(t, 100.0, lv.Support[0])
	assert.Empty(t, lv.Resistance)
}

func TestFindInvertedVShapeResistanceOnly(t *testing.T) {
	v := vShape()
	inv := make([]float64, len(v))
	for i, p := range v {
		inv[i] = 200 - p
	}
	lv := Find(inv, DefaultOptions())
	assert.Empty(t, lv.Support)
	require.Len(t, lv.Resistance, 1)
	assert.Equal(t, 100.0, lv.Resistance[0])
}

func TestFindNeedsMinSamples(t *testing.T) {
	lv := Find(vShape()[:19], DefaultOptions())
	assert.Empty(t, lv.Support)
	assert.Empty(t, lv.Resistance)
}

func TestFindRequiresStrictExtremum(t *testing.T) {
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 50
	}
	lv := Find(flat, DefaultOptions())
	assert.Empty(t, lv.Support)
	assert.Empty(t, lv.Resistance)
}

func TestCluster(t *testing.T) {
	got := Cluster([]float64{100.5, 100, 110, 100.2, 111}, 0.01)
	require.Len(t, got, 2)
	assert.InDelta(t, (100+100.2+100.5)/3, got[0], 1e-9)
	assert.InDelta(t, 110.5, got[1], 1e-9)
	assert.Nil(t, Cluster(nil, 0.01))
}

func TestNearest(t *testing.T) {
	n, ok := Nearest([]float64{90, 99, 120}, 100)
	require.True(t, ok)
	assert.Equal(t, 99.0, n)
	_, ok = Nearest(nil, 100)
	assert.False(t, ok)
}

func TestFinderWindowIsBounded(t *testing.T) {
	f := NewFinder(10)
	for i := 0; i < 25; i++ {
		f.Add(float64(i))
	}
	p := f.Prices()
	assert.Len(t, p, 10)
	assert.Equal(t, 15.0, p[0])
	f.Reset()
	assert.Empty(t, f.Prices())
}
