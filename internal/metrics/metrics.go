// Package metrics exposes pipeline counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	reg *prometheus.Registry

	DepthUpdates   prometheus.Counter
	DroppedLevels  prometheus.Counter
	NoDataUpdates  *prometheus.CounterVec
	Trades         *prometheus.CounterVec
	Signals        *prometheus.CounterVec
	SignalScore    prometheus.Gauge
	Confidence     prometheus.Gauge
	ObserverErrors prometheus.Counter
	EvalSeconds    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		DepthUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "level2_depth_updates_total", Help: "Full-depth batches applied to the book",
		}),
		DroppedLevels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "level2_dropped_levels_total", Help: "Depth rows dropped for non-positive price or size",
		}),
		NoDataUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "level2_unusable_books_total", Help: "Depth batches that left the book without a snapshot",
		}, []string{"reason"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "level2_trades_total", Help: "Trade prints recorded, by inferred side",
		}, []string{"side"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "level2_signals_total", Help: "Signals evaluated, by direction",
		}, []string{"direction"}),
		SignalScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "level2_signal_score", Help: "Score of the last evaluated signal",
		}),
		Confidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "level2_signal_confidence", Help: "Confidence of the last evaluated signal",
		}),
		ObserverErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "level2_observer_errors_total", Help: "Book observers that returned an error or panicked",
		}),
		EvalSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "level2_signal_eval_seconds",
			Help:    "Time spent evaluating a signal outside the engine lock",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
	}
	m.reg.MustRegister(
		m.DepthUpdates, m.DroppedLevels, m.NoDataUpdates, m.Trades, m.Signals,
		m.SignalScore, m.Confidence, m.ObserverErrors, m.EvalSeconds,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) DepthApplied(dropped int) {
	if m == nil {
		return
	}
	m.DepthUpdates.Inc()
	m.DroppedLevels.Add(float64(dropped))
}

func (m *Metrics) Unusable(reason string) {
	if m == nil {
		return
	}
	m.NoDataUpdates.WithLabelValues(reason).Inc()
}

func (m *Metrics) Trade(side string) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(side).Inc()
}

func (m *Metrics) Signal(direction string, score, confidence, seconds float64) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(direction).Inc()
	m.SignalScore.Set(score)
	m.Confidence.Set(confidence)
	m.EvalSeconds.Observe(seconds)
}

func (m *Metrics) ObserverFailed() {
	if m == nil {
		return
	}
	m.ObserverErrors.Inc()
}
