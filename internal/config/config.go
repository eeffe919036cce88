// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BITHUMB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bithumb-trader/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
}

// ExchangeConfig holds Bithumb API credentials and transport tuning.
// ConnectKey/SecretKey are only required in live mode; public endpoints
// work without them.
type ExchangeConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	WSURL           string        `mapstructure:"ws_url"`
	ConnectKey      string        `mapstructure:"connect_key"`
	SecretKey       string        `mapstructure:"secret_key"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`    // requests per window
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"` // window the rps applies to
	Timeout         time.Duration `mapstructure:"timeout"`
	FeeRate         float64       `mapstructure:"fee_rate"` // taker fee fraction, used when a fill reports no fee
}

// PortfolioConfig sets the coin basket and the hard trading limits.
//
//   - Coins: order currencies traded against KRW, e.g. ["BTC", "ETH"].
//   - MaxPositions: cap on simultaneously open positions.
//   - MaxDailyTrades: cap on order dispatches per calendar day.
//   - MaxDailyLossPct: realized daily loss (percent of BaseTradeKRW total)
//     that halts new entries until the daily reset.
//   - BaseTradeKRW: KRW notional of a fresh entry; pyramids scale down
//     from it.
//   - MaxPyramids: total entries allowed per position, the initial buy
//     included.
//   - MinOrderKRW: exchange minimum order value; intents below it are
//     skipped.
type PortfolioConfig struct {
	Coins           []string `mapstructure:"coins"`
	MaxPositions    int      `mapstructure:"max_positions"`
	MaxDailyTrades  int      `mapstructure:"max_daily_trades"`
	MaxDailyLossPct float64  `mapstructure:"max_daily_loss_pct"`
	BaseTradeKRW    float64  `mapstructure:"base_trade_krw"`
	MaxPyramids     int      `mapstructure:"max_pyramids"`
	MinOrderKRW     float64  `mapstructure:"min_order_krw"`
}

// StrategyConfig tunes the indicator-driven entry/exit strategy.
//
//   - Interval: candlestick interval the whole pipeline runs on.
//   - WarmupBars: minimum closed bars before the evaluator emits anything
//     but Hold.
//   - ChandelierMult: ATR multiple for the trailing chandelier stop.
//   - ProfitTargetMode: "percent_based" (tp1_pct/tp2_pct above the
//     weighted-average entry) or "bb_based" (Bollinger mid / upper band).
//   - Weights: per-signal score weights for entry scoring.
//   - SignalThreshold: minimum weighted score before regime gates apply.
//   - RegimeMinScores: per-regime minimum score required to enter.
type StrategyConfig struct {
	Interval            string         `mapstructure:"interval"`
	WarmupBars          int            `mapstructure:"warmup_bars"`
	ChandelierMult      float64        `mapstructure:"chandelier_mult"`
	ProfitTargetMode    string         `mapstructure:"profit_target_mode"`
	TP1Pct              float64        `mapstructure:"tp1_pct"`
	TP2Pct              float64        `mapstructure:"tp2_pct"`
	Weights             WeightsConfig  `mapstructure:"weights"`
	SignalThreshold     int            `mapstructure:"signal_threshold"`
	ConfidenceThreshold float64        `mapstructure:"confidence_threshold"`
	RegimeMinScores     map[string]int `mapstructure:"regime_min_scores"`
}

// WeightsConfig assigns score weight to each entry signal.
type WeightsConfig struct {
	MACD   int `mapstructure:"macd"`
	MA     int `mapstructure:"ma"`
	RSI    int `mapstructure:"rsi"`
	BB     int `mapstructure:"bb"`
	Volume int `mapstructure:"volume"`
}

// SafetyConfig holds the operator kill switches.
type SafetyConfig struct {
	DryRun               bool `mapstructure:"dry_run"`
	EmergencyStop        bool `mapstructure:"emergency_stop"`
	MaxConsecutiveLosses int  `mapstructure:"max_consecutive_losses"`
}

// SchedulerConfig times the trading cycle.
//
//   - CyclePeriodSec: seconds between cycle starts.
//   - CallDeadlineSec: deadline for a single exchange call.
//   - StepDeadlineSec: deadline for one pipeline step (fetch, evaluate,
//     execute) across the whole basket.
type SchedulerConfig struct {
	CyclePeriodSec  int `mapstructure:"cycle_period_sec"`
	CallDeadlineSec int `mapstructure:"call_deadline_sec"`
	StepDeadlineSec int `mapstructure:"step_deadline_sec"`
}

// StoreConfig sets where position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// NotifyConfig configures the Telegram notification sink.
type NotifyConfig struct {
	TelegramEnabled bool   `mapstructure:"telegram_enabled"`
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  int64  `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the read-only status HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// CyclePeriod returns the cycle period as a duration.
func (c *SchedulerConfig) CyclePeriod() time.Duration {
	return time.Duration(c.CyclePeriodSec) * time.Second
}

// CallDeadline returns the per-exchange-call deadline as a duration.
func (c *SchedulerConfig) CallDeadline() time.Duration {
	return time.Duration(c.CallDeadlineSec) * time.Second
}

// StepDeadline returns the per-step deadline as a duration.
func (c *SchedulerConfig) StepDeadline() time.Duration {
	return time.Duration(c.StepDeadlineSec) * time.Second
}

// CoinList returns the configured basket as typed coins.
func (c *PortfolioConfig) CoinList() []types.Coin {
	out := make([]types.Coin, 0, len(c.Coins))
	for _, s := range c.Coins {
		out = append(out, types.Coin(strings.ToUpper(s)))
	}
	return out
}

// MinScore returns the entry-score threshold for a regime. Regimes absent
// from the map are closed to entries.
func (c *StrategyConfig) MinScore(r types.Regime) (int, bool) {
	score, ok := c.RegimeMinScores[string(r)]
	return score, ok
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BITHUMB_CONNECT_KEY, BITHUMB_SECRET_KEY,
// BITHUMB_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BITHUMB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("BITHUMB_CONNECT_KEY"); key != "" {
		cfg.Exchange.ConnectKey = key
	}
	if secret := os.Getenv("BITHUMB_SECRET_KEY"); secret != "" {
		cfg.Exchange.SecretKey = secret
	}
	if token := os.Getenv("BITHUMB_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.TelegramToken = token
	}
	if os.Getenv("BITHUMB_DRY_RUN") == "true" || os.Getenv("BITHUMB_DRY_RUN") == "1" {
		cfg.Safety.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.base_url", "https://api.bithumb.com")
	v.SetDefault("exchange.ws_url", "wss://pubwss.bithumb.com/pub/ws")
	v.SetDefault("exchange.rate_limit_rps", 20)
	v.SetDefault("exchange.rate_limit_window", "60s")
	v.SetDefault("exchange.timeout", "15s")
	v.SetDefault("exchange.fee_rate", 0.0025)
	v.SetDefault("portfolio.max_positions", 2)
	v.SetDefault("portfolio.max_daily_trades", 10)
	v.SetDefault("portfolio.max_daily_loss_pct", 5.0)
	v.SetDefault("portfolio.max_pyramids", 3)
	v.SetDefault("portfolio.min_order_krw", 5000)
	v.SetDefault("strategy.interval", "1h")
	v.SetDefault("strategy.warmup_bars", 200)
	v.SetDefault("strategy.chandelier_mult", 3.0)
	v.SetDefault("strategy.profit_target_mode", "percent_based")
	v.SetDefault("strategy.tp1_pct", 1.5)
	v.SetDefault("strategy.tp2_pct", 2.5)
	// strong_bearish is deliberately absent: no entries at all.
	v.SetDefault("strategy.regime_min_scores", map[string]int{
		string(types.RegimeStrongBullish): 2,
		string(types.RegimeBullish):       3,
		string(types.RegimeNeutral):       3,
		string(types.RegimeRanging):       3,
		string(types.RegimeBearish):       4,
	})
	v.SetDefault("safety.dry_run", true)
	v.SetDefault("safety.max_consecutive_losses", 3)
	v.SetDefault("scheduler.cycle_period_sec", 900)
	v.SetDefault("scheduler.call_deadline_sec", 10)
	v.SetDefault("scheduler.step_deadline_sec", 30)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("api.port", 8090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Safety.DryRun {
		if c.Exchange.ConnectKey == "" {
			return fmt.Errorf("exchange.connect_key is required in live mode (set BITHUMB_CONNECT_KEY)")
		}
		if c.Exchange.SecretKey == "" {
			return fmt.Errorf("exchange.secret_key is required in live mode (set BITHUMB_SECRET_KEY)")
		}
	}
	if len(c.Portfolio.Coins) == 0 {
		return fmt.Errorf("portfolio.coins must list at least one coin")
	}
	if c.Portfolio.MaxPositions <= 0 {
		return fmt.Errorf("portfolio.max_positions must be > 0")
	}
	if c.Portfolio.MaxDailyTrades <= 0 {
		return fmt.Errorf("portfolio.max_daily_trades must be > 0")
	}
	if c.Portfolio.BaseTradeKRW <= 0 {
		return fmt.Errorf("portfolio.base_trade_krw must be > 0")
	}
	if !types.Interval(c.Strategy.Interval).Valid() {
		return fmt.Errorf("strategy.interval %q is not a supported candlestick interval", c.Strategy.Interval)
	}
	if c.Strategy.WarmupBars <= 0 {
		return fmt.Errorf("strategy.warmup_bars must be > 0")
	}
	switch c.Strategy.ProfitTargetMode {
	case "percent_based", "bb_based":
	default:
		return fmt.Errorf("strategy.profit_target_mode must be \"percent_based\" or \"bb_based\"")
	}
	if c.Strategy.ChandelierMult <= 0 {
		return fmt.Errorf("strategy.chandelier_mult must be > 0")
	}
	if c.Scheduler.CyclePeriodSec <= 0 {
		return fmt.Errorf("scheduler.cycle_period_sec must be > 0")
	}
	if c.Notify.TelegramEnabled && c.Notify.TelegramToken == "" {
		return fmt.Errorf("notify.telegram_token is required when telegram is enabled (set BITHUMB_TELEGRAM_TOKEN)")
	}
	return nil
}
