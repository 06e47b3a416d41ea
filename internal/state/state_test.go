package state

import (
	"testing"
	"time"
)

func TestSymbolNormalization(t *testing.T) {
	s := NewState(time.Second, 60)
	c := s.SetSymbol(" aapl ")
	if c != "AAPL" {
		t.Fatalf("canon got %s want AAPL", c)
	}
	if got := s.Symbol(); got != "AAPL" {
		t.Fatalf("state symbol got %s", got)
	}
}

func TestStartStop(t *testing.T) {
	s := NewState(time.Second, 60)
	if s.Running() {
		t.Fatal("should not be running initially")
	}
	if got := s.Start("msft"); got != "MSFT" || !s.Running() {
		t.Fatalf("start got %s running=%v", got, s.Running())
	}
	s.Stop()
	if s.Running() {
		t.Fatal("should stop")
	}
	if s.Symbol() != "MSFT" {
		t.Fatal("stop keeps last symbol")
	}
	if s.Start("  "); s.Running() {
		t.Fatal("blank symbol must not start")
	}
}

func TestAllowAlertCooldown(t *testing.T) {
	s := NewState(30*time.Second, 60)
	t0 := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	if !s.AllowAlert("AAPL", "BUY", t0) {
		t.Fatal("first should allow")
	}
	if s.AllowAlert("aapl", "buy", t0.Add(10*time.Second)) {
		t.Fatal("should block within cooldown (case-insensitive key)")
	}
	if !s.AllowAlert("AAPL", "SELL", t0.Add(10*time.Second)) {
		t.Fatal("direction is part of the key")
	}
	if !s.AllowAlert("AAPL", "BUY", t0.Add(30*time.Second)) {
		t.Fatal("should allow after cooldown")
	}
}

func TestMinConfidence(t *testing.T) {
	s := NewState(time.Second, 60)
	if s.MinConfidence() != 60 {
		t.Fatalf("want 60 got %v", s.MinConfidence())
	}
	if got := s.SetMinConfidence(-5); got != 0 {
		t.Fatalf("clamped low got %v", got)
	}
	if got := s.SetMinConfidence(150); got != 100 || s.MinConfidence() != 100 {
		t.Fatalf("clamped high got %v", got)
	}
	s.SetMinConfidence(42.5)
	if s.MinConfidence() != 42.5 {
		t.Fatalf("set failed")
	}
}

func TestConnected(t *testing.T) {
	s := NewState(time.Second, 60)
	s.SetConnected(true)
	if !s.Connected() {
		t.Fatal("connected flag")
	}
}
