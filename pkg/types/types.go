// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — coins, candlestick
// bars, indicator snapshots, market regimes, trade intents, and lifecycle
// events. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Coin is an order-currency symbol on the KRW market, e.g. "BTC".
type Coin string

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Interval is a Bithumb candlestick interval.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval10m Interval = "10m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval6h  Interval = "6h"
	Interval12h Interval = "12h"
	Interval24h Interval = "24h"
)

// Valid reports whether the interval is one the exchange accepts.
func (i Interval) Valid() bool {
	switch i {
	case Interval1m, Interval3m, Interval5m, Interval10m, Interval30m,
		Interval1h, Interval6h, Interval12h, Interval24h:
		return true
	}
	return false
}

// Duration returns the bar length of the interval, or 0 if unknown.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval3m:
		return 3 * time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval10m:
		return 10 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval6h:
		return 6 * time.Hour
	case Interval12h:
		return 12 * time.Hour
	case Interval24h:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is one immutable OHLCV candlestick. Timestamps within a series are
// strictly increasing.
type Bar struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Ticker is the coerced response of the public ticker endpoint.
type Ticker struct {
	Coin      Coin      `json:"coin"`
	Price     float64   `json:"price"`      // most recent trade price
	Open24h   float64   `json:"open_24h"`   // opening price of the 24h window
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Volume24h float64   `json:"volume_24h"` // units traded over the window
	Change24h float64   `json:"change_24h"` // fluctuation rate, percent
	TS        time.Time `json:"ts"`
}

// OrderAck is the acknowledgement of a placed market order.
// Dry-run orders carry the literal OrderID "DRY_RUN".
type OrderAck struct {
	OrderID string  `json:"order_id"`
	Coin    Coin    `json:"coin"`
	Side    Side    `json:"side"`
	Qty     float64 `json:"qty"`   // filled quantity in coin units
	Price   float64 `json:"price"` // effective fill price
	Fee     float64 `json:"fee"`   // total fee charged on the fill, in KRW
}

// ————————————————————————————————————————————————————————————————————————
// Indicators and regime
// ————————————————————————————————————————————————————————————————————————

// IndicatorSnapshot bundles every indicator value the strategy consumes,
// computed on the most recent closed bar of a series. All fields are
// sanitized: no NaN or Inf survives once warmup is over.
type IndicatorSnapshot struct {
	Coin Coin
	TS   time.Time // timestamp of the last closed bar

	Price float64 // close of the last bar

	MAShort float64
	MALong  float64
	EMA50   float64
	EMA200  float64

	RSI float64 // [0, 100], neutral fill 50

	BBUpper float64
	BBMid   float64
	BBLower float64

	MACD       float64
	MACDSignal float64
	MACDHist   float64

	ATR       float64
	ATRPct    float64 // ATR / price * 100
	AvgATRPct float64 // rolling mean of ATRPct

	StochK     float64
	StochD     float64
	PrevStochK float64 // previous bar, for cross detection
	PrevStochD float64

	ADX float64 // [0, 100], neutral fill 0

	VolumeRatio float64 // current volume / rolling average volume

	LastBar Bar // high/low of this bar drive stop and target checks
}

// Regime labels the broad market state that gates entries.
type Regime string

const (
	RegimeStrongBullish Regime = "strong_bullish"
	RegimeBullish       Regime = "bullish"
	RegimeNeutral       Regime = "neutral"
	RegimeBearish       Regime = "bearish"
	RegimeStrongBearish Regime = "strong_bearish"
	RegimeRanging       Regime = "ranging"
)

// Volatility is the coarse volatility label attached to a regime.
type Volatility string

const (
	VolLow    Volatility = "low"
	VolNormal Volatility = "normal"
	VolHigh   Volatility = "high"
)

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

// IntentKind enumerates the actions the strategy can request.
type IntentKind string

const (
	IntentEnter       IntentKind = "enter"
	IntentPyramid     IntentKind = "pyramid"
	IntentPartialExit IntentKind = "partial_exit"
	IntentFullExit    IntentKind = "full_exit"
	IntentHold        IntentKind = "hold"
)

// Priority orders intents for dispatch within a cycle. Exits outrank
// entries so risk is shed before new risk is taken.
func (k IntentKind) Priority() int {
	switch k {
	case IntentFullExit:
		return 4
	case IntentPartialExit:
		return 3
	case IntentPyramid:
		return 2
	case IntentEnter:
		return 1
	default:
		return 0
	}
}

// Intent is the strategy's decision for one coin in one cycle.
// AmountKRW is set for enter/pyramid, Fraction for partial exits.
type Intent struct {
	Coin       Coin
	Kind       IntentKind
	AmountKRW  float64 // KRW to spend (enter, pyramid)
	Fraction   float64 // fraction of position quantity to sell (partial exit)
	Price      float64 // reference price when the intent was formed
	Score      int     // entry score that produced the intent (enter only)
	Confidence float64 // weighted confirmation strength in [0, 1]
	Reason     string  // reason code, e.g. "tp1", "stop_loss", "entry_score_3"
}

// ————————————————————————————————————————————————————————————————————————
// Accounting
// ————————————————————————————————————————————————————————————————————————

// Transaction is one record of the append-only trade log
// (transactions.jsonl). Records are never mutated or deleted.
type Transaction struct {
	TS      time.Time `json:"ts"`
	Coin    Coin      `json:"coin"`
	Side    Side      `json:"side"`
	Qty     float64   `json:"qty"`
	Price   float64   `json:"price"`
	Fee     float64   `json:"fee"`
	Reason  string    `json:"reason_code"`
	OrderID string    `json:"order_id"`
	CycleID string    `json:"cycle_id"`
}

// DailyCounters tracks per-day trading limits. Reset at local midnight.
type DailyCounters struct {
	Date              string  `json:"date"` // YYYY-MM-DD in the configured zone
	TradesToday       int     `json:"trades_today"`
	RealizedPnLToday  float64 `json:"realized_pnl_today"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// ————————————————————————————————————————————————————————————————————————
// Cycle plumbing
// ————————————————————————————————————————————————————————————————————————

// CycleContext carries per-cycle identity through the pipeline.
type CycleContext struct {
	CycleID   string
	StartedAt time.Time
	DryRun    bool
}

// Heartbeat is written at the end of every cycle; external supervisors
// use its freshness as a liveness signal.
type Heartbeat struct {
	TS                time.Time `json:"ts"`
	CycleID           string    `json:"cycle_id"`
	CoinsOK           int       `json:"coins_ok"`
	CoinsFailed       int       `json:"coins_failed"`
	IntentsDispatched int       `json:"intents_dispatched"`
}

// ————————————————————————————————————————————————————————————————————————
// Notification events
// ————————————————————————————————————————————————————————————————————————

// EventKind enumerates notification event types.
type EventKind string

const (
	EventBotStarted   EventKind = "bot_started"
	EventBotStopped   EventKind = "bot_stopped"
	EventTradeOpened  EventKind = "trade_opened"
	EventTradeAdded   EventKind = "trade_added"
	EventPartialExit  EventKind = "partial_exit"
	EventFullExit     EventKind = "full_exit"
	EventError        EventKind = "error"
	EventDailySummary EventKind = "daily_summary"
)

// Critical events are never dropped by the notification queue; exits and
// errors must reach the operator.
func (k EventKind) Critical() bool {
	switch k {
	case EventPartialExit, EventFullExit, EventError:
		return true
	}
	return false
}

// Event is one outbound notification. The core fires and forgets;
// delivery failures never affect trading state.
type Event struct {
	TS      time.Time `json:"ts"`
	Kind    EventKind `json:"kind"`
	Coin    Coin      `json:"coin,omitempty"`
	Qty     float64   `json:"qty,omitempty"`
	Price   float64   `json:"price,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	PnL     float64   `json:"pnl,omitempty"`
	Message string    `json:"message,omitempty"`
}
