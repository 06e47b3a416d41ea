package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8086 || cfg.BookDepth != 20 || cfg.Sensitivity != "medium" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadOverridesAndNormalizes(t *testing.T) {
	p := writeYAML(t, `
port: 9000
symbol: " tsla "
sensitivity: HIGH
book_depth: 10
detect_hidden_orders: false
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 || cfg.Symbol != "TSLA" || cfg.Sensitivity != "high" || cfg.BookDepth != 10 {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.DetectHiddenOrders {
		t.Fatal("detect_hidden_orders should be false")
	}
	if cfg.TradeHistory != 1000 {
		t.Fatal("unset fields keep defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvGatewayURL, "https://gw:5000")
	t.Setenv(EnvRedisAddr, "localhost:6379")
	t.Setenv(EnvSymbol, "nvda")
	cfg, err := Load(writeYAML(t, "ibkr_gateway_url: https://other:1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IBKRGatewayURL != "https://gw:5000" || cfg.RedisAddr != "localhost:6379" || cfg.Symbol != "NVDA" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"sensitivity": "sensitivity: extreme\n",
		"port":        "port: 70000\n",
		"depth":       "book_depth: 0\n",
		"tracked":     "max_tracked_levels: 10\n",
		"ratio":       "hidden_volume_ratio: 1\n",
		"confidence":  "min_alert_confidence: 101\n",
		"interval":    "signal_interval_ms: 1\n",
		"redis":       "redis_addr: localhost:6379\nredis_channel: \"\"\n",
		"bad yaml":    "port: [\n",
	}
	for name, body := range cases {
		if _, err := Load(writeYAML(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := defaults()
	cfg.Sensitivity = "low"
	cfg.HiddenWindowSeconds = 30
	cfg.ProximityPct = 0.01
	o, err := cfg.Engine()
	if err != nil {
		t.Fatal(err)
	}
	if o.Iceberg.Profile.MinRefills != 5 || o.HiddenWindow != 30*time.Second || o.Rules.Proximity != 0.01 {
		t.Fatalf("options=%+v", o)
	}
	if o.BookDepth != 20 || o.Precision != 2 || o.Levels.MinSamples != 20 {
		t.Fatalf("options=%+v", o)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	l := NewLogger("DEBUG")
	if !l.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug logger should enable debug")
	}
	if NewLogger("bogus").Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("unknown level falls back to info")
	}
}
