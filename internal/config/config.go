package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"level2-signal/internal/engine"
	"level2-signal/internal/iceberg"
)

type Config struct {
	Port             int    `yaml:"port"`
	LogLevel         string `yaml:"log_level"`
	IBKRGatewayURL   string `yaml:"ibkr_gateway_url"`
	SessionStorePath string `yaml:"session_store_path"`
	Symbol           string `yaml:"symbol"`
	SmartDepth       bool   `yaml:"smart_depth"`

	DepthUpdatesPerSecond float64 `yaml:"depth_updates_per_second"`

	PricePrecision    int `yaml:"price_precision"`
	BookDepth         int `yaml:"book_depth"`
	FeatureLevels     int `yaml:"feature_levels"`
	ThinSessionLevels int `yaml:"thin_session_levels"`

	TradeHistory     int     `yaml:"trade_history"`
	PriceHistory     int     `yaml:"price_history"`
	LevelHistory     int     `yaml:"level_history"`
	MaxTrackedLevels int     `yaml:"max_tracked_levels"`
	MicropriceWindow int     `yaml:"microprice_window"`
	MinSRSamples     int     `yaml:"min_sr_samples"`
	ClusterTolerance float64 `yaml:"cluster_tolerance"`
	ProximityPct     float64 `yaml:"proximity_pct"`

	DetectHiddenOrders   bool    `yaml:"detect_hidden_orders"`
	Sensitivity          string  `yaml:"sensitivity"`
	HiddenWindowSeconds  int     `yaml:"hidden_window_seconds"`
	HiddenVolumeRatio    float64 `yaml:"hidden_volume_ratio"`
	HiddenPriceTolerance float64 `yaml:"hidden_price_tolerance"`

	AlertCooldownSeconds int     `yaml:"alert_cooldown_seconds"`
	MinAlertConfidence   float64 `yaml:"min_alert_confidence"`
	SignalIntervalMS     int     `yaml:"signal_interval_ms"`
	SnapshotIntervalMS   int     `yaml:"snapshot_interval_ms"`

	RedisAddr          string `yaml:"redis_addr"`
	RedisChannel       string `yaml:"redis_channel"`
	RedisKeyPrefix     string `yaml:"redis_key_prefix"`
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`
}

func defaults() Config {
	return Config{
		Port:                  8086,
		LogLevel:              "info",
		IBKRGatewayURL:        "https://127.0.0.1:5000",
		SessionStorePath:      "./data/session.json",
		SmartDepth:            true,
		DepthUpdatesPerSecond: 20,
		PricePrecision:        2,
		BookDepth:             20,
		FeatureLevels:         5,
		ThinSessionLevels:     3,
		TradeHistory:          1000,
		PriceHistory:          200,
		LevelHistory:          50,
		MaxTrackedLevels:      500,
		MicropriceWindow:      50,
		MinSRSamples:          20,
		ClusterTolerance:      0.01,
		ProximityPct:          0.005,
		DetectHiddenOrders:    true,
		Sensitivity:           "medium",
		HiddenWindowSeconds:   30,
		HiddenVolumeRatio:     1.5,
		HiddenPriceTolerance:  0.005,
		AlertCooldownSeconds:  30,
		MinAlertConfidence:    60,
		SignalIntervalMS:      1000,
		SnapshotIntervalMS:    250,
		RedisChannel:          "level2:signals",
		RedisKeyPrefix:        "level2",
		SnapshotTTLSeconds:    10,
	}
}

// Environment overrides applied after the YAML file.
const (
	EnvGatewayURL = "LEVEL2_GATEWAY_URL"
	EnvRedisAddr  = "LEVEL2_REDIS_ADDR"
	EnvSymbol     = "LEVEL2_SYMBOL"
)

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvGatewayURL)); v != "" {
		c.IBKRGatewayURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		c.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSymbol)); v != "" {
		c.Symbol = v
	}
}

// Validate checks ranges and normalizes enum-like fields.
func (c *Config) Validate() error {
	c.Sensitivity = strings.ToLower(strings.TrimSpace(c.Sensitivity))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if _, err := iceberg.ProfileFor(c.Sensitivity); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port")
	}
	if c.PricePrecision < 0 || c.PricePrecision > 8 {
		return errors.New("price_precision must be within 0..8")
	}
	if c.DepthUpdatesPerSecond <= 0 {
		return errors.New("depth_updates_per_second must be >0")
	}
	if c.BookDepth < 1 {
		return errors.New("book_depth must be >=1")
	}
	if c.FeatureLevels < 1 || c.ThinSessionLevels < 1 {
		return errors.New("feature_levels and thin_session_levels must be >=1")
	}
	if c.TradeHistory < 1 || c.PriceHistory < 2 || c.LevelHistory < 3 || c.MicropriceWindow < 5 {
		return errors.New("history sizes too small")
	}
	if c.MaxTrackedLevels < 2*c.BookDepth {
		return fmt.Errorf("max_tracked_levels must be >= 2*book_depth (%d)", 2*c.BookDepth)
	}
	if c.ClusterTolerance <= 0 || c.ProximityPct <= 0 {
		return errors.New("cluster_tolerance and proximity_pct must be >0")
	}
	if c.HiddenWindowSeconds < 1 || c.HiddenVolumeRatio <= 1 {
		return errors.New("hidden_window_seconds must be >=1 and hidden_volume_ratio >1")
	}
	if c.MinAlertConfidence < 0 || c.MinAlertConfidence > 100 {
		return errors.New("min_alert_confidence must be within 0..100")
	}
	if c.SignalIntervalMS < 50 || c.SnapshotIntervalMS < 10 {
		return errors.New("signal_interval_ms >=50 and snapshot_interval_ms >=10 required")
	}
	if c.RedisAddr != "" && (c.RedisChannel == "" || c.RedisKeyPrefix == "") {
		return errors.New("redis_channel and redis_key_prefix required with redis_addr")
	}
	return nil
}

// Engine maps the config onto pipeline options.
func (c Config) Engine() (engine.Options, error) {
	profile, err := iceberg.ProfileFor(c.Sensitivity)
	if err != nil {
		return engine.Options{}, err
	}
	o := engine.DefaultOptions()
	o.Precision = int32(c.PricePrecision)
	o.BookDepth = c.BookDepth
	o.Features.Levels = c.FeatureLevels
	o.Features.ThinLevels = c.ThinSessionLevels
	o.TradeHistory = c.TradeHistory
	o.PriceHistory = c.PriceHistory
	o.LevelHistory = c.LevelHistory
	o.MaxLevels = c.MaxTrackedLevels
	o.MicropriceWindow = c.MicropriceWindow
	o.Levels.MinSamples = c.MinSRSamples
	o.Levels.Tolerance = c.ClusterTolerance
	o.DetectHidden = c.DetectHiddenOrders
	o.HiddenWindow = time.Duration(c.HiddenWindowSeconds) * time.Second
	o.Iceberg.Profile = profile
	o.Iceberg.VolumeRatio = c.HiddenVolumeRatio
	o.Iceberg.PriceTolerance = c.HiddenPriceTolerance
	o.Rules.Proximity = c.ProximityPct
	return o, nil
}

func (c Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}

func (c Config) SignalInterval() time.Duration {
	return time.Duration(c.SignalIntervalMS) * time.Millisecond
}

func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMS) * time.Millisecond
}

func (c Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSeconds) * time.Second
}

func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
