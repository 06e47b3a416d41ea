package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"level2-signal/internal/config"
	"level2-signal/internal/depth"
	"level2-signal/internal/engine"
	"level2-signal/internal/ibkrcp"
	"level2-signal/internal/metrics"
	"level2-signal/internal/signal"
	"level2-signal/internal/state"
)

type fixture struct {
	srv  *HTTPServer
	ts   *httptest.Server
	st   *state.State
	feed *ibkrcp.MockFeed
	eng  *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	st := state.NewState(time.Second, 60)
	feed := ibkrcp.NewMockFeed()
	eng := engine.New(engine.DefaultOptions(), log, m)
	cfg, err := config.Load("does-not-exist.yaml")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewHTTPServer(cfg, st, feed, eng, m.Handler(), log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, st: st, feed: feed, eng: eng}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode, out
}

func applyBook(t *testing.T, eng *engine.Engine) {
	t.Helper()
	up := depth.Update{
		Symbol: "AAPL",
		Bids:   []depth.DepthLevel{{Side: depth.Bid, Price: decimal.RequireFromString("99.99"), Size: 100}},
		Asks:   []depth.DepthLevel{{Side: depth.Ask, Price: decimal.RequireFromString("100.01"), Size: 100}},
	}
	if err := eng.ApplyDepth(up); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/health", "")
	if code != 200 || body["ok"] != true || body["connected"] != false {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestReadsWithoutDataAreNotErrors(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/api/snapshot", "/api/features", "/api/signal"} {
		code, body := f.do(t, http.MethodGet, p, "")
		if code != 200 || body["available"] != false {
			t.Fatalf("%s code=%d body=%v", p, code, body)
		}
	}
}

func TestReadsWithBook(t *testing.T) {
	f := newFixture(t)
	applyBook(t, f.eng)

	code, body := f.do(t, http.MethodGet, "/api/snapshot", "")
	if code != 200 || body["available"] != true || body["snapshot"] == nil {
		t.Fatalf("snapshot code=%d body=%v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/api/signal", "")
	if code != 200 || body["available"] != true {
		t.Fatalf("signal code=%d body=%v", code, body)
	}
	sig := body["signal"].(map[string]any)
	if sig["direction"] != "NEUTRAL" || sig["confidence"] != 30.0 {
		t.Fatalf("signal=%v", sig)
	}
}

func TestStartRequiresGateway(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/start", `{"symbol":"aapl"}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503", code)
	}
	if f.st.Running() {
		t.Fatal("should not be running")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.st.SetConnected(true)
	applyBook(t, f.eng)

	code, body := f.do(t, http.MethodPost, "/api/start", `{"symbol":" msft ","minConfidence":75}`)
	if code != 200 || body["symbol"] != "MSFT" || body["minConfidence"] != 75.0 {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if f.feed.Symbol() != "MSFT" || !f.st.Running() {
		t.Fatalf("feed=%s running=%v", f.feed.Symbol(), f.st.Running())
	}
	if st := f.eng.Stats(); st.Symbol != "MSFT" || st.BookReady {
		t.Fatalf("engine not reset on start: %+v", st)
	}

	code, _ = f.do(t, http.MethodPost, "/api/stop", "")
	if code != 200 || f.st.Running() || f.feed.Symbol() != "" {
		t.Fatalf("stop code=%d running=%v", code, f.st.Running())
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	f.st.SetConnected(true)
	if code, _ := f.do(t, http.MethodGet, "/api/start", ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code=%d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/start", `{`); code != http.StatusBadRequest {
		t.Fatalf("bad json code=%d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/start", `{"symbol":"  "}`); code != http.StatusBadRequest {
		t.Fatalf("blank symbol code=%d", code)
	}
}

func TestThreshold(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/threshold", `{"minConfidence":42.5}`)
	if code != 200 || body["minConfidence"] != 42.5 || f.st.MinConfidence() != 42.5 {
		t.Fatalf("code=%d body=%v", code, body)
	}
	for _, b := range []string{`{"minConfidence":101}`, `{"minConfidence":-1}`, `{}`, `nope`} {
		if code, _ := f.do(t, http.MethodPost, "/api/threshold", b); code != http.StatusBadRequest {
			t.Fatalf("%s code=%d", b, code)
		}
	}
}

func TestConfig(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/config", "")
	if code != 200 || body["bookDepth"] != 20.0 || body["sensitivity"] != "medium" {
		t.Fatalf("code=%d body=%v", code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	applyBook(t, f.eng)
	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "level2_depth_updates_total 1") {
		t.Fatalf("metrics body:\n%s", b)
	}
}

func readWS(t *testing.T, c *websocket.Conn) wsMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var m wsMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestWebSocketGreetingAndBroadcast(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if m := readWS(t, c); m.Type != "status" {
		t.Fatalf("greeting type=%s", m.Type)
	}
	if _, body := f.do(t, http.MethodGet, "/api/health", ""); body["wsClients"] != float64(1) {
		t.Fatalf("wsClients=%v", body["wsClients"])
	}

	f.srv.BroadcastSignal(signal.Signal{Direction: signal.Sell, Confidence: 50, Reasons: []string{"x"}})
	m := readWS(t, c)
	if m.Type != "signal" {
		t.Fatalf("type=%s", m.Type)
	}
	if d := m.Data.(map[string]any); d["direction"] != "SELL" {
		t.Fatalf("data=%v", d)
	}

	f.srv.BroadcastAlert("AAPL", signal.Signal{Direction: signal.Buy, Confidence: 80, Time: time.Unix(0, 0)})
	if m := readWS(t, c); m.Type != "alert" || m.Data.(map[string]any)["symbol"] != "AAPL" {
		t.Fatalf("alert=%+v", m)
	}
}
