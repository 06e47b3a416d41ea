package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	peerQueue  = 256
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// hub fans dashboard messages out to every connected browser. A peer whose
// queue is full is cut off rather than allowed to stall the publisher.
type hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}

	// greet, when set, produces the first message every new peer gets.
	greet func() []byte
}

type peer struct {
	conn *websocket.Conn
	out  chan []byte
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, peers: map[*peer]struct{}{}}
}

func (h *hub) publish(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		select {
		case p.out <- msg:
		default:
			h.logger.Warn("ws peer too slow, disconnecting", slog.String("remote", p.conn.RemoteAddr().String()))
			h.dropLocked(p)
		}
	}
}

// attach queues the greeting and registers p under one lock, so the greeting
// always precedes any broadcast.
func (h *hub) attach(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.greet != nil {
		p.out <- h.greet()
	}
	h.peers[p] = struct{}{}
}

func (h *hub) detach(p *peer) {
	h.mu.Lock()
	h.dropLocked(p)
	h.mu.Unlock()
}

func (h *hub) dropLocked(p *peer) {
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.out)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout:  10 * time.Second,
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	CheckOrigin:       func(r *http.Request) bool { return true }, // local dashboard
	EnableCompression: true,
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade", slog.String("err", err.Error()))
		return
	}
	p := &peer{conn: conn, out: make(chan []byte, peerQueue)}
	h.attach(p)
	go p.pump()
	// the dashboard never sends anything; reading only services pongs and close
	p.drain()
	h.detach(p)
	_ = conn.Close()
}

func (p *peer) drain() {
	p.conn.SetReadLimit(4096)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.conn.NextReader(); err != nil {
			return
		}
	}
}

// pump owns all writes on the connection. It exits when the hub closes out
// or a write fails.
func (p *peer) pump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer p.conn.Close()
	for {
		var (
			kind = websocket.PingMessage
			body []byte
		)
		select {
		case msg, ok := <-p.out:
			if !ok {
				_ = p.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			kind, body = websocket.TextMessage, msg
		case <-ping.C:
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(kind, body); err != nil {
			return
		}
	}
}

func marshalWS(t string, v any) []byte {
	b, _ := json.Marshal(wsMessage{Type: t, Data: v})
	return b
}
