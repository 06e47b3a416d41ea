// Package signal turns features, hidden-order analysis and support/resistance
// into a BUY/NEUTRAL/SELL call. Scoring is an ordered list of independent
// rules evaluated fresh on every call; nothing is carried between calls.
package signal

import (
	"math"
	"time"

	"level2-signal/internal/features"
	"level2-signal/internal/iceberg"
	"level2-signal/internal/levels"
)

type Direction string

const (
	Buy     Direction = "BUY"
	Neutral Direction = "NEUTRAL"
	Sell    Direction = "SELL"
)

// Input is the frozen view a rule evaluates against. Analysis is nil when
// hidden-order detection is disabled or not yet available.
type Input struct {
	Features features.Features
	Analysis *iceberg.Analysis
	Levels   levels.Levels
}

// Price is the reference price for proximity checks.
func (in Input) Price() float64 {
	if in.Features.Microprice != 0 {
		return in.Features.Microprice
	}
	return in.Features.MidPrice
}

type Signal struct {
	Direction  Direction         `json:"direction"`
	Confidence float64           `json:"confidence"`
	Score      float64           `json:"score"`
	Reasons    []string          `json:"reasons"`
	Price      float64           `json:"price"`
	Features   features.Features `json:"features"`
	Analysis   *iceberg.Analysis `json:"analysis,omitempty"`
	Levels     levels.Levels     `json:"levels"`
	Time       time.Time         `json:"time"`
}

// Thresholds maps the running score onto a direction and confidence.
type Thresholds struct {
	Entry             float64 // |score| needed for BUY/SELL, default 3
	FullScale         float64 // |score| that maps to 100% confidence, default 8
	NeutralConfidence float64 // default 30
}

func DefaultThresholds() Thresholds {
	return Thresholds{Entry: 3, FullScale: 8, NeutralConfidence: 30}
}

type Scorer struct {
	rules []Rule
	th    Thresholds
}

// NewScorer builds a scorer over rules applied in order.
func NewScorer(rules []Rule, th Thresholds) *Scorer {
	return &Scorer{rules: rules, th: th}
}

func (s *Scorer) Rules() []Rule { return s.rules }

// Evaluate applies every rule to in and maps the final score.
func (s *Scorer) Evaluate(in Input) Signal {
	var (
		score   float64
		reasons = []string{}
	)
	for _, r := range s.rules {
		for _, e := range r.Eval(in) {
			score = e.apply(score)
			reasons = append(reasons, e.Reason)
		}
	}

	sig := Signal{
		Score:    score,
		Reasons:  reasons,
		Price:    in.Price(),
		Features: in.Features,
		Analysis: in.Analysis,
		Levels:   in.Levels,
		Time:     in.Features.Time,
	}
	switch {
	case score >= s.th.Entry:
		sig.Direction = Buy
		sig.Confidence = s.confidence(score)
	case score <= -s.th.Entry:
		sig.Direction = Sell
		sig.Confidence = s.confidence(score)
	default:
		sig.Direction = Neutral
		sig.Confidence = s.th.NeutralConfidence
	}
	return sig
}

func (s *Scorer) confidence(score float64) float64 {
	c := math.Min(math.Abs(score)/s.th.FullScale*100, 100)
	return math.Round(c*10) / 10
}
