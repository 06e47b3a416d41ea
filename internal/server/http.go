package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"level2-signal/internal/config"
	"level2-signal/internal/depth"
	"level2-signal/internal/engine"
	"level2-signal/internal/features"
	"level2-signal/internal/ibkrcp"
	"level2-signal/internal/signal"
	"level2-signal/internal/state"
)

// Pipeline is the read side of the engine plus the reset used on symbol change.
type Pipeline interface {
	CurrentSnapshot() (depth.Snapshot, error)
	Features() (features.Features, error)
	Signal() (signal.Signal, error)
	Stats() engine.Stats
	Reset(symbol string)
}

type HTTPServer struct {
	cfg     config.Config
	st      *state.State
	feed    ibkrcp.Feed
	pipe    Pipeline
	metrics http.Handler
	hub     *hub
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewHTTPServer wires the API and WebSocket hub. metrics may be nil.
func NewHTTPServer(cfg config.Config, st *state.State, feed ibkrcp.Feed, pipe Pipeline, metrics http.Handler, logger *slog.Logger) *HTTPServer {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	s := &HTTPServer{
		cfg:     cfg,
		st:      st,
		feed:    feed,
		pipe:    pipe,
		metrics: metrics,
		hub:     newHub(logger),
		log:     logger,
		mux:     http.NewServeMux(),
	}
	s.hub.greet = s.statusMessage
	s.routes()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// --------- WS broadcasts ----------

func (s *HTTPServer) statusMessage() []byte {
	return marshalWS("status", map[string]any{
		"connected":     s.st.Connected(),
		"running":       s.st.Running(),
		"symbol":        s.st.Symbol(),
		"minConfidence": s.st.MinConfidence(),
	})
}

func (s *HTTPServer) BroadcastStatus() { s.hub.publish(s.statusMessage()) }

func (s *HTTPServer) BroadcastBook(snap depth.Snapshot) {
	s.hub.publish(marshalWS("book", snap))
}

func (s *HTTPServer) BroadcastSignal(sig signal.Signal) {
	s.hub.publish(marshalWS("signal", sig))
}

func (s *HTTPServer) BroadcastAlert(symbol string, sig signal.Signal) {
	s.hub.publish(marshalWS("alert", map[string]any{
		"symbol":     symbol,
		"direction":  sig.Direction,
		"confidence": sig.Confidence,
		"price":      sig.Price,
		"reasons":    sig.Reasons,
		"timeISO":    sig.Time.UTC().Format(time.RFC3339Nano),
	}))
}

func (s *HTTPServer) BroadcastError(msg string) {
	s.hub.publish(marshalWS("error", map[string]string{"message": msg}))
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	s.mux.HandleFunc("/ws", s.hub.serveWS)
	s.mux.Handle("/metrics", s.metrics)

	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/config", s.apiConfig)
	s.mux.HandleFunc("/api/start", s.apiStart)
	s.mux.HandleFunc("/api/stop", s.apiStop)
	s.mux.HandleFunc("/api/threshold", s.apiThreshold)
	s.mux.HandleFunc("/api/snapshot", s.apiSnapshot)
	s.mux.HandleFunc("/api/features", s.apiFeatures)
	s.mux.HandleFunc("/api/signal", s.apiSignal)
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok":        true,
		"connected": s.st.Connected(),
		"running":   s.st.Running(),
		"pipeline":  s.pipe.Stats(),
		"wsClients": s.hub.count(),
	})
}

func (s *HTTPServer) apiConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"symbol":               s.st.Symbol(),
		"bookDepth":            s.cfg.BookDepth,
		"pricePrecision":       s.cfg.PricePrecision,
		"featureLevels":        s.cfg.FeatureLevels,
		"detectHiddenOrders":   s.cfg.DetectHiddenOrders,
		"sensitivity":          s.cfg.Sensitivity,
		"alertCooldownSeconds": s.cfg.AlertCooldownSeconds,
		"minAlertConfidence":   s.cfg.MinAlertConfidence,
		"currentMinConfidence": s.st.MinConfidence(),
		"signalIntervalMs":     s.cfg.SignalIntervalMS,
		"smartDepth":           s.cfg.SmartDepth,
		"redisEnabled":         s.cfg.RedisAddr != "",
	})
}

func (s *HTTPServer) apiStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Symbol        string   `json:"symbol"`
		MinConfidence *float64 `json:"minConfidence,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if sym == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}

	if !s.st.Connected() && !isLocalDev() {
		http.Error(w, "gateway not connected", http.StatusServiceUnavailable)
		s.BroadcastError("Client Portal Gateway not connected. Is it running at the configured ibkr_gateway_url?")
		return
	}

	if req.MinConfidence != nil {
		s.st.SetMinConfidence(*req.MinConfidence)
	}
	if err := s.feed.SubscribeSymbol(sym); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.pipe.Reset(sym)
	s.st.Start(sym)
	s.log.Info("stream started", slog.String("symbol", sym))
	s.BroadcastStatus()
	writeJSON(w, map[string]any{"ok": true, "symbol": s.st.Symbol(), "minConfidence": s.st.MinConfidence()})
}

func (s *HTTPServer) apiStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.feed.Unsubscribe()
	s.st.Stop()
	s.BroadcastStatus()
	writeJSON(w, map[string]any{"ok": true})
}

// POST /api/threshold { "minConfidence": 0..100 }
func (s *HTTPServer) apiThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		MinConfidence *float64 `json:"minConfidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MinConfidence == nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if *req.MinConfidence < 0 || *req.MinConfidence > 100 {
		http.Error(w, "minConfidence must be within 0..100", http.StatusBadRequest)
		return
	}
	s.st.SetMinConfidence(*req.MinConfidence)
	writeJSON(w, map[string]any{"ok": true, "minConfidence": s.st.MinConfidence()})
}

func (s *HTTPServer) apiSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipe.CurrentSnapshot()
	s.writeRead(w, "snapshot", snap, err)
}

func (s *HTTPServer) apiFeatures(w http.ResponseWriter, r *http.Request) {
	f, err := s.pipe.Features()
	s.writeRead(w, "features", f, err)
}

func (s *HTTPServer) apiSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.pipe.Signal()
	s.writeRead(w, "signal", sig, err)
}

// writeRead answers pipeline reads. Insufficient state is a normal answer,
// not a failure, so it is reported as available=false with 200.
func (s *HTTPServer) writeRead(w http.ResponseWriter, key string, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"available": true, key: v})
	case errors.Is(err, depth.ErrNoData):
		writeJSON(w, map[string]any{"available": false, "reason": err.Error()})
	default:
		s.log.Error("pipeline read", slog.String("what", key), slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func isLocalDev() bool {
	// Set LEVEL2_ALLOW_START=1 to use /api/start before the Gateway connects in local dev.
	return os.Getenv("LEVEL2_ALLOW_START") == "1"
}
