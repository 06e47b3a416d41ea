package iceberg

import (
	"time"

	"level2-signal/internal/tape"
)

// HiddenFlow flags one side persistently absorbing the other side's flow
// without the price move that flow should have caused.
type HiddenFlow struct {
	Strength Strength `json:"strength"`
	// Absorbed is the opposing volume that was soaked up.
	Absorbed    float64 `json:"absorbed"`
	PriceChange float64 `json:"priceChange"`
}

// DetectHidden compares trailing buy/sell volume against trailing price
// change. A hidden buyer shows as sell volume exceeding buy volume by
// cfg.VolumeRatio while price has not fallen beyond -cfg.PriceTolerance; a
// hidden seller is the mirror.
func DetectHidden(vm tape.VolumeMetrics, change float64, cfg Config) (buyer, seller *HiddenFlow) {
	if vm.SellVolume > vm.BuyVolume*cfg.VolumeRatio && change > -cfg.PriceTolerance {
		s := Medium
		if change >= cfg.Profile.StrongMove {
			s = High
		}
		buyer = &HiddenFlow{Strength: s, Absorbed: vm.SellVolume, PriceChange: change}
	}
	if vm.BuyVolume > vm.SellVolume*cfg.VolumeRatio && change < cfg.PriceTolerance {
		s := Medium
		if change <= -cfg.Profile.StrongMove {
			s = High
		}
		seller = &HiddenFlow{Strength: s, Absorbed: vm.BuyVolume, PriceChange: change}
	}
	return buyer, seller
}

// Analysis is the combined hidden-order view consumed by the scorer.
type Analysis struct {
	HiddenBuyer    *HiddenFlow `json:"hiddenBuyer,omitempty"`
	HiddenSeller   *HiddenFlow `json:"hiddenSeller,omitempty"`
	Icebergs       []Iceberg   `json:"icebergs"`
	BuyVolume      float64     `json:"buyVolume"`
	SellVolume     float64     `json:"sellVolume"`
	PriceChangePct float64     `json:"priceChangePct"`
	Measured       bool        `json:"measured"`
}

// Analyze runs both detectors over detached copies of the tape and level
// histories. Directional detection is skipped until the tape holds
// cfg.MinTrades trades and cfg.MinPrices prints.
func Analyze(w tape.Window, histories []LevelHistory, snapshots int, window time.Duration, cfg Config) Analysis {
	var a Analysis
	if len(w.Trades) >= cfg.MinTrades && len(w.Prices) >= cfg.MinPrices {
		vm, okVol := w.VolumeMetrics(window)
		change, okChange := w.PriceChange(window)
		if okVol && okChange {
			a.Measured = true
			a.BuyVolume = vm.BuyVolume
			a.SellVolume = vm.SellVolume
			a.PriceChangePct = change * 100
			a.HiddenBuyer, a.HiddenSeller = DetectHidden(vm, change, cfg)
		}
	}
	a.Icebergs = Scan(histories, snapshots, cfg)
	return a
}
