// Package pipeline pumps feed events into the engine and fans evaluated
// signals out to the browser hub and the Redis bus.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"level2-signal/internal/bus"
	"level2-signal/internal/depth"
	"level2-signal/internal/engine"
	"level2-signal/internal/ibkrcp"
	"level2-signal/internal/signal"
	"level2-signal/internal/state"
)

type Broadcaster interface {
	BroadcastStatus()
	BroadcastBook(depth.Snapshot)
	BroadcastSignal(signal.Signal)
	BroadcastAlert(symbol string, sig signal.Signal)
	BroadcastError(msg string)
}

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	PublishSignal(ctx context.Context, symbol string, sig signal.Signal) (bus.Envelope, error)
	StoreSnapshot(ctx context.Context, snap depth.Snapshot) error
}

type Runner struct {
	eng  *engine.Engine
	feed ibkrcp.Feed
	st   *state.State
	out  Broadcaster
	pub  Publisher
	log  *slog.Logger

	signalEvery   time.Duration
	snapshotEvery time.Duration
	now           func() time.Time
}

// New wires a runner. pub may be nil when Redis is not configured.
func New(eng *engine.Engine, feed ibkrcp.Feed, st *state.State, out Broadcaster, pub Publisher,
	signalEvery, snapshotEvery time.Duration, logger *slog.Logger) *Runner {
	r := &Runner{
		eng:           eng,
		feed:          feed,
		st:            st,
		out:           out,
		pub:           pub,
		log:           logger,
		signalEvery:   signalEvery,
		snapshotEvery: snapshotEvery,
		now:           time.Now,
	}
	eng.OnBook(func(s depth.Snapshot) error {
		out.BroadcastBook(s)
		return nil
	})
	return r
}

// Run starts the feed and pumps until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	go r.feed.Run(ctx, func(connected bool) {
		r.st.SetConnected(connected)
		r.out.BroadcastStatus()
	})

	sigTick := time.NewTicker(r.signalEvery)
	defer sigTick.Stop()
	snapTick := time.NewTicker(r.snapshotEvery)
	defer snapTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case up := <-r.feed.Updates():
			r.applyDepth(up)
		case p := <-r.feed.Trades():
			if r.st.Running() {
				r.eng.RecordTrade(p)
			}
		case err := <-r.feed.Errors():
			if err != nil {
				r.log.Error("feed error", slog.String("err", err.Error()))
				r.out.BroadcastError(err.Error())
			}
		case <-sigTick.C:
			r.Evaluate(ctx)
		case <-snapTick.C:
			r.storeSnapshot(ctx)
		}
	}
}

func (r *Runner) applyDepth(up depth.Update) {
	if !r.st.Running() {
		return
	}
	// batches still in flight from the previous symbol
	if sym := r.st.Symbol(); up.Symbol != "" && up.Symbol != sym {
		return
	}
	if err := r.eng.ApplyDepth(up); err != nil && !errors.Is(err, depth.ErrNoData) {
		r.log.Warn("apply depth", slog.Any("err", err))
	}
}

// Evaluate runs one signal tick. It returns the signal and whether it was
// raised as an alert.
func (r *Runner) Evaluate(ctx context.Context) (signal.Signal, bool) {
	if !r.st.Running() {
		return signal.Signal{}, false
	}
	sig, err := r.eng.Signal()
	if err != nil {
		if !errors.Is(err, depth.ErrNoData) {
			r.log.Error("signal", slog.Any("err", err))
		}
		return signal.Signal{}, false
	}
	r.out.BroadcastSignal(sig)

	sym := r.st.Symbol()
	if sig.Direction == signal.Neutral || sig.Confidence < r.st.MinConfidence() {
		return sig, false
	}
	if !r.st.AllowAlert(sym, string(sig.Direction), r.now()) {
		return sig, false
	}
	r.log.Info("signal alert",
		slog.String("symbol", sym),
		slog.String("direction", string(sig.Direction)),
		slog.Float64("confidence", sig.Confidence),
		slog.Float64("price", sig.Price),
	)
	r.out.BroadcastAlert(sym, sig)
	if r.pub != nil {
		if _, err := r.pub.PublishSignal(ctx, sym, sig); err != nil {
			r.log.Warn("publish signal", slog.Any("err", err))
		}
	}
	return sig, true
}

func (r *Runner) storeSnapshot(ctx context.Context) {
	if r.pub == nil || !r.st.Running() {
		return
	}
	snap, err := r.eng.CurrentSnapshot()
	if err != nil {
		return
	}
	if err := r.pub.StoreSnapshot(ctx, snap); err != nil {
		r.log.Warn("store snapshot", slog.Any("err", err))
	}
}
