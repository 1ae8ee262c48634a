// Package config defines all configuration for the liquidation hunter.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ASTER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"aster-hunter/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Paper   bool                    `mapstructure:"paper"`
	API     APIConfig               `mapstructure:"api"`
	Global  GlobalConfig            `mapstructure:"global"`
	Symbols map[string]SymbolConfig `mapstructure:"symbols"`
	Logging LoggingConfig           `mapstructure:"logging"`
	Store   StoreConfig             `mapstructure:"store"`
}

// APIConfig holds venue endpoints and the API credential pair.
type APIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	WSBaseURL string `mapstructure:"ws_base_url"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// GlobalConfig holds account-wide trading policy and rate-limit tuning.
//
//   - RiskPercent: fraction of available balance a single entry's initial
//     margin may consume.
//   - PositionMode: ONE_WAY or HEDGE; must match the venue-side setting
//     (the startup check reconciles them).
//   - MaxPositions: cap on concurrently open positions.
type GlobalConfig struct {
	RiskPercent  float64            `mapstructure:"risk_percent"`
	PositionMode types.PositionMode `mapstructure:"position_mode"`
	MaxPositions int                `mapstructure:"max_positions"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
}

// RateLimitConfig tunes the request scheduler.
//
//   - MaxWeightPerMin / MaxOrdersPerMin: sliding-window budgets.
//   - ReservePercent: share of each budget only CRITICAL requests may use.
//   - QueueTimeout: a queued request failing to dispatch within this window
//     fails with a TIMEOUT error without being sent.
//   - DedupWindow: identical keyed requests inside this window share one
//     in-flight result.
//   - MaxConcurrent: admitted requests executing at once.
type RateLimitConfig struct {
	MaxWeightPerMin int           `mapstructure:"max_weight_per_min"`
	MaxOrdersPerMin int           `mapstructure:"max_orders_per_min"`
	ReservePercent  float64       `mapstructure:"reserve_percent"`
	QueueTimeout    time.Duration `mapstructure:"queue_timeout"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
}

// SymbolConfig holds per-symbol hunting parameters. Immutable after load.
//
//   - LongVolumeUSDT / ShortVolumeUSDT: minimum liquidation notional that
//     triggers a LONG-biased (SELL liquidation) or SHORT-biased (BUY
//     liquidation) entry.
//   - TradeSize is the base entry quantity; LongTradeSize/ShortTradeSize
//     override it per direction when non-zero.
//   - PriceOffsetBps shifts limit prices off best bid/ask toward the maker
//     side; MaxSlippageBps rejects prices too far from mid.
//   - VWAP protection rejects entries on the wrong side of the rolling VWAP
//     by more than VWAPBandPct.
//   - MaxPositionMarginUSDT caps the symbol's margin commitment; notional
//     exposure may reach MaxPositionMarginUSDT × Leverage.
type SymbolConfig struct {
	LongVolumeUSDT  float64 `mapstructure:"long_volume_usdt"`
	ShortVolumeUSDT float64 `mapstructure:"short_volume_usdt"`

	TradeSize      float64 `mapstructure:"trade_size"`
	LongTradeSize  float64 `mapstructure:"long_trade_size"`
	ShortTradeSize float64 `mapstructure:"short_trade_size"`

	Leverage  int     `mapstructure:"leverage"`
	TPPercent float64 `mapstructure:"tp_percent"`
	SLPercent float64 `mapstructure:"sl_percent"`

	OrderType      types.OrderType `mapstructure:"order_type"`
	PriceOffsetBps float64         `mapstructure:"price_offset_bps"`
	MaxSlippageBps float64         `mapstructure:"max_slippage_bps"`
	PostOnly       bool            `mapstructure:"post_only"`

	VWAPProtection bool    `mapstructure:"vwap_protection"`
	VWAPTimeframe  string  `mapstructure:"vwap_timeframe"`
	VWAPLookback   int     `mapstructure:"vwap_lookback"`
	VWAPBandPct    float64 `mapstructure:"vwap_band_pct"`

	MaxPositionMarginUSDT float64 `mapstructure:"max_position_margin_usdt"`
}

// SizeFor returns the entry quantity for a direction, falling back to the
// base trade size.
func (s SymbolConfig) SizeFor(direction types.PositionSide) float64 {
	if direction == types.PositionLong && s.LongTradeSize > 0 {
		return s.LongTradeSize
	}
	if direction == types.PositionShort && s.ShortTradeSize > 0 {
		return s.ShortTradeSize
	}
	return s.TradeSize
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig sets where runtime state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Defaults from the venue documentation and the request scheduler design.
const (
	DefaultBaseURL   = "https://fapi.asterdex.com"
	DefaultWSBaseURL = "wss://fstream.asterdex.com/ws"

	DefaultMaxWeightPerMin = 2400
	DefaultMaxOrdersPerMin = 1200
	DefaultReservePercent  = 30
	DefaultQueueTimeout    = 30 * time.Second
	DefaultDedupWindow     = time.Second
	DefaultMaxConcurrent   = 3
)

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ASTER_API_KEY, ASTER_SECRET_KEY, ASTER_PAPER.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.base_url", DefaultBaseURL)
	v.SetDefault("api.ws_base_url", DefaultWSBaseURL)
	v.SetDefault("global.position_mode", string(types.OneWayMode))
	v.SetDefault("global.max_positions", 5)
	v.SetDefault("global.risk_percent", 100)
	v.SetDefault("global.rate_limit.max_weight_per_min", DefaultMaxWeightPerMin)
	v.SetDefault("global.rate_limit.max_orders_per_min", DefaultMaxOrdersPerMin)
	v.SetDefault("global.rate_limit.reserve_percent", DefaultReservePercent)
	v.SetDefault("global.rate_limit.queue_timeout", DefaultQueueTimeout)
	v.SetDefault("global.rate_limit.dedup_window", DefaultDedupWindow)
	v.SetDefault("global.rate_limit.max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("store.data_dir", "data")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ASTER_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("ASTER_SECRET_KEY"); secret != "" {
		cfg.API.SecretKey = secret
	}
	if paper := os.Getenv("ASTER_PAPER"); paper == "true" || paper == "1" {
		cfg.Paper = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Paper {
		if c.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required (set ASTER_API_KEY)")
		}
		if c.API.SecretKey == "" {
			return fmt.Errorf("api.secret_key is required (set ASTER_SECRET_KEY)")
		}
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	switch c.Global.PositionMode {
	case types.OneWayMode, types.HedgeMode:
	default:
		return fmt.Errorf("global.position_mode must be ONE_WAY or HEDGE, got %q", c.Global.PositionMode)
	}
	if c.Global.MaxPositions <= 0 {
		return fmt.Errorf("global.max_positions must be > 0")
	}
	if c.Global.RiskPercent < 0 || c.Global.RiskPercent > 100 {
		return fmt.Errorf("global.risk_percent must be in [0, 100]")
	}
	rl := c.Global.RateLimit
	if rl.MaxWeightPerMin <= 0 || rl.MaxOrdersPerMin <= 0 {
		return fmt.Errorf("rate_limit budgets must be > 0")
	}
	if rl.ReservePercent < 0 || rl.ReservePercent >= 100 {
		return fmt.Errorf("rate_limit.reserve_percent must be in [0, 100)")
	}
	if rl.MaxConcurrent <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent must be > 0")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol must be configured")
	}
	for sym, sc := range c.Symbols {
		if err := sc.validate(); err != nil {
			return fmt.Errorf("symbol %s: %w", sym, err)
		}
	}
	return nil
}

func (s SymbolConfig) validate() error {
	if s.TradeSize <= 0 && s.LongTradeSize <= 0 && s.ShortTradeSize <= 0 {
		return fmt.Errorf("trade_size must be > 0")
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0")
	}
	if s.TPPercent <= 0 || s.SLPercent <= 0 {
		return fmt.Errorf("tp_percent and sl_percent must be > 0")
	}
	switch s.OrderType {
	case types.OrderLimit, types.OrderMarket:
	default:
		return fmt.Errorf("order_type must be LIMIT or MARKET, got %q", s.OrderType)
	}
	if s.MaxSlippageBps < 0 || s.PriceOffsetBps < 0 {
		return fmt.Errorf("bps values must be >= 0")
	}
	if s.VWAPProtection {
		if s.VWAPTimeframe == "" || s.VWAPLookback <= 0 {
			return fmt.Errorf("vwap_protection requires vwap_timeframe and vwap_lookback")
		}
	}
	return nil
}
