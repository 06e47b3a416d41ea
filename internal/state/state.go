package state

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the presentation-side state shared between the HTTP handlers and
// the signal loop. Analytics state lives in the engine.
type State struct {
	activeMu     sync.RWMutex
	activeSymbol string
	running      bool

	minConfidence atomic.Uint64 // float64 bits
	connected     atomic.Bool

	alertMu   sync.Mutex
	lastAlert map[string]time.Time // key: "SYMBOL:DIRECTION"
	cooldown  time.Duration
}

func NewState(cooldown time.Duration, minConfidence float64) *State {
	s := &State{
		lastAlert: make(map[string]time.Time),
		cooldown:  cooldown,
	}
	s.SetMinConfidence(minConfidence)
	return s
}

func (s *State) SetSymbol(sym string) string {
	canon := strings.ToUpper(strings.TrimSpace(sym))
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.activeSymbol = canon
	return canon
}

func (s *State) Symbol() string {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.activeSymbol
}

// Start marks sym as the running stream and returns its canonical form.
func (s *State) Start(sym string) string {
	canon := s.SetSymbol(sym)
	s.activeMu.Lock()
	s.running = canon != ""
	s.activeMu.Unlock()
	return canon
}

func (s *State) Stop() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.running = false
}

func (s *State) Running() bool {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.running
}

// MinConfidence is the confidence a BUY/SELL needs before it is alerted.
func (s *State) MinConfidence() float64 {
	return math.Float64frombits(s.minConfidence.Load())
}

// SetMinConfidence clamps v to [0,100] and returns the stored value.
func (s *State) SetMinConfidence(v float64) float64 {
	v = math.Max(0, math.Min(100, v))
	s.minConfidence.Store(math.Float64bits(v))
	return v
}

func (s *State) SetConnected(v bool) { s.connected.Store(v) }
func (s *State) Connected() bool     { return s.connected.Load() }

func (s *State) key(symbol, direction string) string {
	return fmt.Sprintf("%s:%s", strings.ToUpper(symbol), strings.ToUpper(direction))
}

// AllowAlert rate-limits alerts per symbol and direction.
func (s *State) AllowAlert(symbol, direction string, now time.Time) bool {
	k := s.key(symbol, direction)
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	last, ok := s.lastAlert[k]
	if !ok || now.Sub(last) >= s.cooldown {
		s.lastAlert[k] = now
		return true
	}
	return false
}
