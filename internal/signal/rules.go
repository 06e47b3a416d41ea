package signal

import (
	"fmt"

	"level2-signal/internal/depth"
	"level2-signal/internal/levels"
)

// Effect is one contribution to the running score: either an additive
// Delta or, when Scale is set, a multiplier.
type Effect struct {
	Delta  float64
	Scale  float64
	Reason string
}

func (e Effect) apply(score float64) float64 {
	if e.Scale != 0 {
		return score * e.Scale
	}
	return score + e.Delta
}

func add(delta float64, format string, args ...any) Effect {
	return Effect{Delta: delta, Reason: fmt.Sprintf(format, args...)}
}

func scale(f float64, format string, args ...any) Effect {
	return Effect{Scale: f, Reason: fmt.Sprintf(format, args...)}
}

// Rule is a named predicate over Input returning zero or more effects.
type Rule struct {
	Name string
	Eval func(Input) []Effect
}

type RuleConfig struct {
	QueueStrong     float64 // default 0.30
	QueueModerate   float64 // default 0.15
	WeightedTrigger float64 // default 0.20
	WideSpreadBps   float64 // default 50
	WideSpreadScale float64 // default 0.7
	Proximity       float64 // fraction of price, default 0.005
	MaxIcebergs     int     // default 2
	SessionScale    float64 // default 0.8
}

func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		QueueStrong:     0.30,
		QueueModerate:   0.15,
		WeightedTrigger: 0.20,
		WideSpreadBps:   50,
		WideSpreadScale: 0.7,
		Proximity:       0.005,
		MaxIcebergs:     2,
		SessionScale:    0.8,
	}
}

// DefaultRules returns the scoring rules in evaluation order.
func DefaultRules(c RuleConfig) []Rule {
	return []Rule{
		QueueImbalanceRule(c),
		WeightedImbalanceRule(c),
		SpreadRule(c),
		ProximityRule(c),
		HiddenOrderRule(c),
		SessionRule(c),
	}
}

func QueueImbalanceRule(c RuleConfig) Rule {
	return Rule{Name: "queue_imbalance", Eval: func(in Input) []Effect {
		q := in.Features.QueueImbalance
		switch {
		case q >= c.QueueStrong:
			return []Effect{add(3, "Strong buy pressure (queue: %.2f)", q)}
		case q >= c.QueueModerate:
			return []Effect{add(1, "Moderate buy pressure (queue: %.2f)", q)}
		case q <= -c.QueueStrong:
			return []Effect{add(-3, "Strong sell pressure (queue: %.2f)", q)}
		case q <= -c.QueueModerate:
			return []Effect{add(-1, "Moderate sell pressure (queue: %.2f)", q)}
		}
		return nil
	}}
}

func WeightedImbalanceRule(c RuleConfig) Rule {
	return Rule{Name: "weighted_imbalance", Eval: func(in Input) []Effect {
		w := in.Features.WeightedImbalance
		switch {
		case w >= c.WeightedTrigger:
			return []Effect{add(1, "Weighted buy imbalance: %.2f", w)}
		case w <= -c.WeightedTrigger:
			return []Effect{add(-1, "Weighted sell imbalance: %.2f", w)}
		}
		return nil
	}}
}

// SpreadRule damps the score in thin markets without flipping its sign.
func SpreadRule(c RuleConfig) Rule {
	return Rule{Name: "spread", Eval: func(in Input) []Effect {
		if in.Features.SpreadBps >= c.WideSpreadBps {
			return []Effect{scale(c.WideSpreadScale, "Wide spread (%.0f bps)", in.Features.SpreadBps)}
		}
		return nil
	}}
}

// ProximityRule checks the nearest support and nearest resistance
// independently; both may fire.
func ProximityRule(c RuleConfig) Rule {
	return Rule{Name: "support_resistance", Eval: func(in Input) []Effect {
		price := in.Price()
		if price <= 0 {
			return nil
		}
		var out []Effect
		if s, ok := levels.Nearest(in.Levels.Support, price); ok && near(price, s, c.Proximity) {
			out = append(out, add(2, "Near support at $%.2f", s))
		}
		if r, ok := levels.Nearest(in.Levels.Resistance, price); ok && near(price, r, c.Proximity) {
			out = append(out, add(-2, "Near resistance at $%.2f", r))
		}
		return out
	}}
}

func near(price, level, tol float64) bool {
	d := price - level
	if d < 0 {
		d = -d
	}
	return d/price < tol
}

func HiddenOrderRule(c RuleConfig) Rule {
	return Rule{Name: "hidden_orders", Eval: func(in Input) []Effect {
		a := in.Analysis
		if a == nil {
			return nil
		}
		var out []Effect
		if a.HiddenBuyer != nil {
			out = append(out, add(2, "Hidden buyer detected (%s)", a.HiddenBuyer.Strength))
		}
		if a.HiddenSeller != nil {
			out = append(out, add(-2, "Hidden seller detected (%s)", a.HiddenSeller.Strength))
		}
		for i, ice := range a.Icebergs {
			if i >= c.MaxIcebergs {
				break
			}
			if ice.Side == depth.Bid {
				out = append(out, add(1, "Iceberg buy at $%.2f", ice.Price))
			} else {
				out = append(out, add(-1, "Iceberg sell at $%.2f", ice.Price))
			}
		}
		return out
	}}
}

func SessionRule(c RuleConfig) Rule {
	return Rule{Name: "session", Eval: func(in Input) []Effect {
		if in.Features.Session.Extended() {
			return []Effect{scale(c.SessionScale, "%s session - use caution", in.Features.Session)}
		}
		return nil
	}}
}
