// Package engine owns all mutable pipeline state and is the only place the
// feed writes to. One mutex serializes every depth and trade update; reads
// copy state out under the same mutex and compute after releasing it.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"level2-signal/internal/depth"
	"level2-signal/internal/features"
	"level2-signal/internal/iceberg"
	"level2-signal/internal/levels"
	"level2-signal/internal/metrics"
	"level2-signal/internal/session"
	"level2-signal/internal/signal"
	"level2-signal/internal/tape"
)

type Options struct {
	Precision int32
	BookDepth int

	Features features.Options

	TradeHistory     int
	PriceHistory     int
	LevelHistory     int
	MaxLevels        int
	MicropriceWindow int
	Levels           levels.Options

	DetectHidden bool
	HiddenWindow time.Duration
	Iceberg      iceberg.Config

	Rules      signal.RuleConfig
	Thresholds signal.Thresholds
}

func DefaultOptions() Options {
	return Options{
		Precision:        2,
		BookDepth:        20,
		Features:         features.DefaultOptions(),
		TradeHistory:     1000,
		PriceHistory:     200,
		LevelHistory:     50,
		MaxLevels:        500,
		MicropriceWindow: 50,
		Levels:           levels.DefaultOptions(),
		DetectHidden:     true,
		HiddenWindow:     30 * time.Second,
		Iceberg:          iceberg.DefaultConfig(),
		Rules:            signal.DefaultRuleConfig(),
		Thresholds:       signal.DefaultThresholds(),
	}
}

// BookObserver is called with a private copy of every valid snapshot after
// the update that produced it has been committed.
type BookObserver func(depth.Snapshot) error

type Engine struct {
	opts Options
	log  *slog.Logger
	m    *metrics.Metrics

	now       func() time.Time
	sessionOf func(time.Time) session.Session
	scorer    *signal.Scorer

	mu        sync.Mutex
	symbol    string
	book      *depth.Book
	tape      *tape.Tape
	detector  *iceberg.Detector
	finder    *levels.Finder
	observers []BookObserver
}

func New(opts Options, log *slog.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		opts:      opts,
		log:       log,
		m:         m,
		now:       time.Now,
		sessionOf: session.Of,
		scorer:    signal.NewScorer(signal.DefaultRules(opts.Rules), opts.Thresholds),
		book:      depth.NewBook(opts.Precision, opts.BookDepth),
		tape:      tape.New(opts.TradeHistory, opts.PriceHistory),
		detector:  iceberg.NewDetector(opts.LevelHistory, opts.MaxLevels),
		finder:    levels.NewFinder(opts.MicropriceWindow),
	}
	e.tape.WithClock(e.clock)
	return e
}

// WithClock replaces the wall clock used for sessions and trailing windows.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithSession replaces the session classifier.
func (e *Engine) WithSession(fn func(time.Time) session.Session) *Engine {
	e.sessionOf = fn
	return e
}

func (e *Engine) clock() time.Time { return e.now() }

// OnBook registers an observer. Observers run in registration order; one
// failing or panicking does not stop delivery to the rest.
func (e *Engine) OnBook(fn BookObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// ApplyDepth commits a full-depth batch. On a valid book the level
// histories and the microprice window are advanced in the same critical
// section, then observers are notified. It returns the book's no-data
// error when the batch left no usable snapshot.
func (e *Engine) ApplyDepth(up depth.Update) error {
	if up.Time.IsZero() {
		up.Time = e.now()
	}

	e.mu.Lock()
	dropped := e.book.Apply(up)
	snap, err := e.book.Snapshot()
	if err == nil {
		e.detector.Observe(snap)
		bb, ba := snap.BestBid(), snap.BestAsk()
		e.finder.Add(features.Microprice(bb.PriceFloat(), ba.PriceFloat(), bb.Size, ba.Size))
	}
	observers := append([]BookObserver(nil), e.observers...)
	e.mu.Unlock()

	e.m.DepthApplied(dropped)
	if err != nil {
		if errors.Is(err, depth.ErrCrossed) {
			e.m.Unusable("crossed")
		} else {
			e.m.Unusable("empty")
		}
		return err
	}
	e.notify(snap, observers)
	return nil
}

// RecordTrade appends a print to the tape and returns it with its inferred side.
func (e *Engine) RecordTrade(p tape.Print) tape.Trade {
	e.mu.Lock()
	tr := e.tape.Record(p)
	e.mu.Unlock()

	e.m.Trade(string(tr.Side))
	return tr
}

// CurrentSnapshot returns a copy of the book or depth.ErrNoData.
func (e *Engine) CurrentSnapshot() (depth.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Snapshot()
}

// Features computes microstructure features for the current book.
func (e *Engine) Features() (features.Features, error) {
	snap, err := e.CurrentSnapshot()
	if err != nil {
		return features.Features{}, err
	}
	return features.Extract(snap, e.sessionOf(e.now()), e.opts.Features), nil
}

// Signal evaluates the scorer against a consistent copy of book, tape,
// level histories and microprice window. Only the copy happens under the
// lock.
func (e *Engine) Signal() (signal.Signal, error) {
	e.mu.Lock()
	snap, err := e.book.Snapshot()
	var (
		w         tape.Window
		histories []iceberg.LevelHistory
		snapshots int
		prices    []float64
	)
	if err == nil {
		w = e.tape.Window()
		histories = e.detector.Histories()
		snapshots = e.detector.Snapshots()
		prices = e.finder.Prices()
	}
	e.mu.Unlock()
	if err != nil {
		return signal.Signal{}, err
	}

	start := time.Now()
	in := signal.Input{
		Features: features.Extract(snap, e.sessionOf(e.now()), e.opts.Features),
		Levels:   levels.Find(prices, e.opts.Levels),
	}
	if e.opts.DetectHidden {
		a := iceberg.Analyze(w, histories, snapshots, e.opts.HiddenWindow, e.opts.Iceberg)
		in.Analysis = &a
	}
	sig := e.scorer.Evaluate(in)
	e.m.Signal(string(sig.Direction), sig.Score, sig.Confidence, time.Since(start).Seconds())
	return sig, nil
}

// Stats is a cheap view of buffer occupancy for health reporting.
type Stats struct {
	Symbol        string `json:"symbol"`
	Trades        int    `json:"trades"`
	Snapshots     int    `json:"snapshots"`
	TrackedLevels int    `json:"trackedLevels"`
	Microprices   int    `json:"microprices"`
	BookReady     bool   `json:"bookReady"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.book.Snapshot()
	return Stats{
		Symbol:        e.symbol,
		Trades:        e.tape.Len(),
		Snapshots:     e.detector.Snapshots(),
		TrackedLevels: e.detector.Levels(),
		Microprices:   len(e.finder.Prices()),
		BookReady:     err == nil,
	}
}

// Reset clears all state and tags subsequent data with symbol.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbol = symbol
	e.book.Reset()
	e.tape.Reset()
	e.detector.Reset()
	e.finder.Reset()
}

func (e *Engine) notify(snap depth.Snapshot, observers []BookObserver) {
	for i, fn := range observers {
		if err := deliver(fn, snap.Clone()); err != nil {
			e.m.ObserverFailed()
			e.log.Warn("book observer failed", slog.Int("observer", i), slog.Any("err", err))
		}
	}
}

func deliver(fn BookObserver, snap depth.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return fn(snap)
}
