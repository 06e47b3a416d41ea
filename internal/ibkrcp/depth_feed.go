package ibkrcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"level2-signal/internal/depth"
	"level2-signal/internal/session"
	"level2-signal/internal/tape"
)

// Feed delivers full-depth batches and trade prints for one symbol.
type Feed interface {
	Run(ctx context.Context, onStatus func(connected bool))
	SubscribeSymbol(symbol string) error
	Unsubscribe()
	Updates() <-chan depth.Update
	Trades() <-chan tape.Print
	Errors() <-chan error
	Connected() bool
	Close()
}

// extendedRows caps each side outside regular hours, when the gateway's
// deeper rows are mostly stale quotes.
const extendedRows = 10

// GatewayFeed implements Feed against the Client Portal Gateway.
// It maintains a single subscription (one active symbol at a time), with reconnect & resubscribe.
type GatewayFeed struct {
	client   *Client
	log      *slog.Logger
	limiter  *rate.Limiter
	now      func() time.Time
	exchange string

	// latest batch held back by the limiter, flushed by a timer
	pendMu  sync.Mutex
	pending *depth.Update
	flushAt *time.Timer

	mu        sync.RWMutex
	symbol    string
	conid     int64
	acctID    string
	connected bool
	wsConn    *websocket.Conn
	lastPrice float64

	updCh   chan depth.Update
	tradeCh chan tape.Print
	errCh   chan error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewGatewayFeed coalesces depth messages to at most maxPerSecond batches.
// Batches are full books, so a batch over the rate replaces any held one and
// the newest is delivered once the limiter allows.
func NewGatewayFeed(client *Client, logger *slog.Logger, maxPerSecond float64) *GatewayFeed {
	if maxPerSecond <= 0 {
		maxPerSecond = 20
	}
	return &GatewayFeed{
		client:   client,
		log:      logger,
		limiter:  rate.NewLimiter(rate.Limit(maxPerSecond), 1),
		now:      time.Now,
		exchange: smartExchange,
		updCh:    make(chan depth.Update, 1024),
		tradeCh:  make(chan tape.Print, 4096),
		errCh:    make(chan error, 16),
	}
}

const smartExchange = "SMART"

// WithSmartDepth selects SMART aggregated depth (default) or the
// gateway's primary-exchange book.
func (f *GatewayFeed) WithSmartDepth(on bool) *GatewayFeed {
	if on {
		f.exchange = smartExchange
	} else {
		f.exchange = ""
	}
	return f
}

func (f *GatewayFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *GatewayFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *GatewayFeed) Updates() <-chan depth.Update { return f.updCh }
func (f *GatewayFeed) Trades() <-chan tape.Print    { return f.tradeCh }
func (f *GatewayFeed) Errors() <-chan error         { return f.errCh }

func (f *GatewayFeed) SubscribeSymbol(symbol string) error {
	canon := strings.ToUpper(strings.TrimSpace(symbol))
	if canon == "" {
		return fmt.Errorf("empty symbol")
	}
	f.mu.Lock()
	f.symbol = canon
	f.conid = 0
	f.lastPrice = 0
	ws := f.wsConn
	f.mu.Unlock()
	f.dropPending()
	// Closing the socket makes the run loop reconnect and resubscribe.
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "resub"), time.Now().Add(time.Second))
		_ = ws.Close()
	}
	return nil
}

func (f *GatewayFeed) Unsubscribe() {
	f.mu.Lock()
	ws := f.wsConn
	conid := f.conid
	acct := f.acctID
	f.symbol = ""
	f.conid = 0
	f.mu.Unlock()
	f.dropPending()

	if ws != nil && conid != 0 {
		for _, m := range unsubscribeTopics(acct, conid, f.exchange) {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(m))
		}
	}
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"), time.Now().Add(time.Second))
		_ = ws.Close()
	}
}

func (f *GatewayFeed) Close() {
	f.mu.RLock()
	cancel := f.cancel
	f.mu.RUnlock()
	f.dropPending()
	if cancel != nil {
		cancel()
	}
}

func (f *GatewayFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	backoff := time.Second
	fail := func(err error) bool {
		onStatus(false)
		f.setConnected(false)
		f.emitErr(err)
		select {
		case <-f.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
		return true
	}

	for f.ctx.Err() == nil {
		if err := f.client.Connect(f.ctx); err != nil {
			if !fail(fmt.Errorf("connect: %w", err)) {
				return
			}
			continue
		}

		acct, err := f.client.GetAccountID(f.ctx)
		if err != nil {
			if !fail(fmt.Errorf("get account id: %w", err)) {
				return
			}
			continue
		}
		f.mu.Lock()
		f.acctID = acct
		f.mu.Unlock()

		if sym := f.currentSymbol(); sym != "" {
			conid, err := f.client.ConidForSymbol(f.ctx, sym)
			if err != nil {
				if !fail(fmt.Errorf("secdef for %s: %w", sym, err)) {
					return
				}
				continue
			}
			f.mu.Lock()
			f.conid = conid
			f.mu.Unlock()
		}

		ws, err := f.openWS()
		if err != nil {
			if !fail(fmt.Errorf("ws open: %w", err)) {
				return
			}
			continue
		}
		f.mu.Lock()
		f.wsConn = ws
		conid := f.conid
		f.mu.Unlock()
		f.setConnected(true)
		onStatus(true)
		backoff = time.Second

		if conid != 0 {
			if err := f.subscribe(ws, acct, conid); err != nil {
				f.emitErr(fmt.Errorf("subscribe: %w", err))
				_ = ws.Close()
				continue
			}
			f.log.Info("subscribed", slog.String("symbol", f.currentSymbol()), slog.Int64("conid", conid))
		}

		if err := f.readLoop(ws); err != nil {
			onStatus(false)
			f.setConnected(false)
			f.emitErr(err)
		}
	}
}

func (f *GatewayFeed) currentSymbol() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.symbol
}

func (f *GatewayFeed) openWS() (*websocket.Conn, error) {
	u, err := url.Parse(f.client.BaseURL())
	if err != nil {
		return nil, err
	}
	u.Scheme = "wss"
	u.Path = "/v1/api/ws"
	d := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 local gateway
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "tcp4", addr)
		},
		Jar:              f.client.jar,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := d.DialContext(f.ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	// The socket is authenticated by echoing the tickle session id.
	sid, err := f.client.Tickle(f.ctx)
	if err != nil {
		f.log.Warn("tickle failed", slog.Any("err", err))
	}
	if sid != "" {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"session":"`+sid+`"}`))
	}
	return ws, nil
}

// subscribe sends depth and last-trade topics. Topic formats differ across
// gateway builds, so both depth variants are sent.
func (f *GatewayFeed) subscribe(ws *websocket.Conn, acct string, conid int64) error {
	for _, m := range subscribeTopics(acct, conid, f.exchange) {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			return err
		}
	}
	return nil
}

func subscribeTopics(acct string, conid int64, exchange string) []string {
	var out []string
	if acct != "" {
		out = append(out, depthTopic("sbd+"+acct, conid, exchange))
	}
	return append(out,
		depthTopic("sbd", conid, exchange),
		fmt.Sprintf(`smd+%d+{"fields":["%s","%s"]}`, conid, fieldLastPrice, fieldLastSize),
	)
}

func unsubscribeTopics(acct string, conid int64, exchange string) []string {
	var out []string
	if acct != "" {
		out = append(out, depthTopic("ubd+"+acct, conid, exchange))
	}
	return append(out,
		depthTopic("ubd", conid, exchange),
		fmt.Sprintf("umd+%d+{}", conid),
	)
}

func depthTopic(prefix string, conid int64, exchange string) string {
	if exchange == "" {
		return fmt.Sprintf("%s+%d", prefix, conid)
	}
	return fmt.Sprintf("%s+%d+%s", prefix, conid, exchange)
}

func (f *GatewayFeed) readLoop(ws *websocket.Conn) error {
	defer ws.Close()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(25 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-f.ctx.Done():
				_ = ws.Close()
				return
			case <-ticker.C:
				_ = ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if f.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		f.handle(data)
	}
}

// handle routes one inbound frame. Unknown frames (acks, heartbeats,
// system messages) are ignored.
func (f *GatewayFeed) handle(data []byte) {
	now := f.now()
	if md, ok := parseMarketData(data); ok {
		f.handleMarketData(md, now)
		return
	}
	bids, asks, ok := parseDepth(data)
	if !ok {
		return
	}
	if session.Of(now).Extended() {
		bids, asks = capRows(bids, extendedRows), capRows(asks, extendedRows)
	}
	f.offer(depth.Update{Symbol: f.currentSymbol(), Bids: bids, Asks: asks, Time: now})
}

// offer emits u when the limiter allows, otherwise holds it as the pending
// batch and arms a flush for the next token.
func (f *GatewayFeed) offer(u depth.Update) {
	f.pendMu.Lock()
	defer f.pendMu.Unlock()
	if f.limiter.AllowN(f.now(), 1) {
		f.pending = nil
		f.emitUpdate(u)
		return
	}
	f.pending = &u
	if f.flushAt == nil {
		f.flushAt = time.AfterFunc(f.tokenInterval(), f.flushPending)
	}
}

func (f *GatewayFeed) flushPending() {
	f.pendMu.Lock()
	defer f.pendMu.Unlock()
	f.flushAt = nil
	if f.pending == nil {
		return
	}
	if !f.limiter.AllowN(f.now(), 1) {
		f.flushAt = time.AfterFunc(f.tokenInterval(), f.flushPending)
		return
	}
	u := *f.pending
	f.pending = nil
	f.emitUpdate(u)
}

func (f *GatewayFeed) dropPending() {
	f.pendMu.Lock()
	defer f.pendMu.Unlock()
	f.pending = nil
	if f.flushAt != nil {
		f.flushAt.Stop()
		f.flushAt = nil
	}
}

func (f *GatewayFeed) tokenInterval() time.Duration {
	return time.Duration(float64(time.Second) / float64(f.limiter.Limit()))
}

func (f *GatewayFeed) handleMarketData(md marketData, now time.Time) {
	f.mu.Lock()
	if md.HasPrice {
		f.lastPrice = md.Price
	}
	price := f.lastPrice
	f.mu.Unlock()

	if !md.HasSize || price <= 0 {
		return
	}
	at := md.Updated
	if at.IsZero() {
		at = now
	}
	select {
	case f.tradeCh <- tape.Print{Price: price, Size: md.Size, Time: at}:
	default:
		f.emitErr(fmt.Errorf("trade buffer full, print dropped"))
	}
}

func (f *GatewayFeed) emitUpdate(u depth.Update) {
	select {
	case f.updCh <- u:
	default:
		f.emitErr(fmt.Errorf("depth buffer full, batch dropped"))
	}
}

func (f *GatewayFeed) emitErr(err error) {
	select {
	case f.errCh <- err:
	default:
		// drop if buffer full
	}
}

func capRows(rows []depth.DepthLevel, n int) []depth.DepthLevel {
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}

// ---------- Test/mock feed (handy for integration tests & demos) ----------
type MockFeed struct {
	updates chan depth.Update
	trades  chan tape.Print
	errors  chan error

	mu        sync.Mutex
	connected bool
	subSymbol string
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewMockFeed() *MockFeed {
	return &MockFeed{
		updates:   make(chan depth.Update, 64),
		trades:    make(chan tape.Print, 64),
		errors:    make(chan error, 10),
		connected: true,
	}
}

func (m *MockFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	c, done := m.connected, m.ctx.Done()
	m.mu.Unlock()
	onStatus(c)
	<-done
}

func (m *MockFeed) SubscribeSymbol(symbol string) error {
	canon := strings.ToUpper(strings.TrimSpace(symbol))
	if canon == "" {
		return fmt.Errorf("empty symbol")
	}
	m.mu.Lock()
	m.subSymbol = canon
	m.mu.Unlock()
	return nil
}

func (m *MockFeed) Unsubscribe() {
	m.mu.Lock()
	m.subSymbol = ""
	m.mu.Unlock()
}

func (m *MockFeed) Symbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subSymbol
}

func (m *MockFeed) Updates() <-chan depth.Update { return m.updates }
func (m *MockFeed) Trades() <-chan tape.Print    { return m.trades }
func (m *MockFeed) Errors() <-chan error         { return m.errors }

func (m *MockFeed) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockFeed) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

// Helpers for tests
func (m *MockFeed) SendUpdate(u depth.Update) { m.updates <- u }
func (m *MockFeed) SendTrade(p tape.Print)    { m.trades <- p }
func (m *MockFeed) SendError(e error)         { m.errors <- e }

func (m *MockFeed) SetConnected(c bool) {
	m.mu.Lock()
	m.connected = c
	m.mu.Unlock()
}
