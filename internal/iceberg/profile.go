package iceberg

import (
	"fmt"
	"strings"
)

// Profile trades detection latency against strictness.
type Profile struct {
	Name string
	// MinRefills is how many refill events mark a level as an iceberg.
	MinRefills int
	// StrongMove is the fractional price move in the unexpected direction
	// that upgrades a hidden buyer/seller to HIGH strength.
	StrongMove float64
}

var profiles = map[string]Profile{
	"low":    {Name: "low", MinRefills: 5, StrongMove: 0.02},
	"medium": {Name: "medium", MinRefills: 3, StrongMove: 0.015},
	"high":   {Name: "high", MinRefills: 2, StrongMove: 0.01},
}

// ProfileFor resolves a sensitivity name (low, medium, high).
func ProfileFor(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return profiles["medium"], fmt.Errorf("unknown sensitivity %q", name)
	}
	return p, nil
}

// Config bundles every tunable threshold used by the detectors.
type Config struct {
	Profile Profile

	// Refill pattern: middle sample <= DropRatio of the previous one and the
	// next sample >= RecoverRatio of the previous one.
	DropRatio    float64
	RecoverRatio float64
	// MinSnapshots and MinSamples gate the iceberg scan.
	MinSnapshots  int
	MinSamples    int
	StrongRefills int

	// Hidden buyer/seller.
	VolumeRatio    float64
	PriceTolerance float64
	MinTrades      int
	MinPrices      int
}

func DefaultConfig() Config {
	return Config{
		Profile:        profiles["medium"],
		DropRatio:      0.5,
		RecoverRatio:   0.8,
		MinSnapshots:   5,
		MinSamples:     5,
		StrongRefills:  5,
		VolumeRatio:    1.5,
		PriceTolerance: 0.005,
		MinTrades:      10,
		MinPrices:      10,
	}
}
