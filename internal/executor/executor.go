// Package executor applies trade intents: preflight checks, order
// placement, position and counter mutation, the transaction log, and
// notification events.
//
// The executor is the single writer of position state. Everything else
// reads snapshots. Order of operations on a fill is fixed: mutate and
// persist state first, append the transaction record, then notify —
// a crash after the exchange ack but before persist is recovered at
// startup via the balance reconciliation check.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bithumb-trader/internal/config"
	"bithumb-trader/internal/exchange"
	"bithumb-trader/internal/store"
	"bithumb-trader/internal/strategy"
	"bithumb-trader/pkg/types"
)

// Exchange is the slice of the exchange client the executor needs.
type Exchange interface {
	Balance(ctx context.Context, coin types.Coin) (*exchange.Balance, error)
	MarketBuy(ctx context.Context, coin types.Coin, krwAmount float64) (*types.OrderAck, error)
	MarketSell(ctx context.Context, coin types.Coin, qty float64) (*types.OrderAck, error)
}

// Publisher accepts notification events without blocking.
type Publisher interface {
	Publish(ev types.Event)
}

// Executor owns in-memory position state and daily counters, mirroring
// both to the store on every mutation.
type Executor struct {
	client Exchange
	store  *store.Store
	events Publisher
	logger *slog.Logger

	minOrderKRW    float64
	feeRate        float64
	emergencyStop  bool
	targetMode     string
	tp1Pct, tp2Pct float64
	chandelierMult float64

	mu        sync.Mutex
	positions map[types.Coin]*strategy.Position
	counters  types.DailyCounters

	// authFailed latches on a non-retryable credential error; further
	// private calls are pointless until the operator restarts with
	// fixed keys.
	authFailed bool
}

// New creates an executor. Call Load before the first cycle.
func New(cfg *config.Config, client Exchange, st *store.Store, events Publisher, logger *slog.Logger) *Executor {
	mode := strategy.TargetPercent
	if cfg.Strategy.ProfitTargetMode == strategy.TargetBB {
		mode = strategy.TargetBB
	}
	return &Executor{
		client:         client,
		store:          st,
		events:         events,
		logger:         logger.With("component", "executor"),
		minOrderKRW:    cfg.Portfolio.MinOrderKRW,
		feeRate:        cfg.Exchange.FeeRate,
		emergencyStop:  cfg.Safety.EmergencyStop,
		targetMode:     mode,
		tp1Pct:         cfg.Strategy.TP1Pct,
		tp2Pct:         cfg.Strategy.TP2Pct,
		chandelierMult: cfg.Strategy.ChandelierMult,
		positions:      map[types.Coin]*strategy.Position{},
	}
}

// Load restores positions and daily counters from disk.
func (e *Executor) Load() error {
	positions, err := e.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	counters, err := e.store.LoadCounters()
	if err != nil {
		return fmt.Errorf("load counters: %w", err)
	}

	e.mu.Lock()
	e.positions = positions
	e.counters = counters
	e.mu.Unlock()

	e.logger.Info("state restored", "open_positions", len(positions),
		"trades_today", counters.TradesToday)
	return nil
}

// Apply executes one intent. Preflight failures skip the intent with a
// warning and no state change; order failures surface as errors after
// an Error event has been published.
func (e *Executor) Apply(ctx context.Context, cycle types.CycleContext, intent types.Intent, snap types.IndicatorSnapshot) error {
	switch intent.Kind {
	case types.IntentHold:
		return e.applyHold(intent.Coin, snap)
	case types.IntentEnter:
		return e.applyBuy(ctx, cycle, intent, snap, false)
	case types.IntentPyramid:
		return e.applyBuy(ctx, cycle, intent, snap, true)
	case types.IntentPartialExit, types.IntentFullExit:
		return e.applySell(ctx, cycle, intent)
	default:
		return fmt.Errorf("apply: unknown intent kind %q", intent.Kind)
	}
}

// applyHold advances the trailing stop from the latest bar and persists
// the change. Flat coins are a no-op.
func (e *Executor) applyHold(coin types.Coin, snap types.IndicatorSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[coin]
	if !ok {
		return nil
	}
	// Warmup holds carry an empty snapshot; feeding a zero ATR to the
	// trail would snap the stop up to the highest high and force a stop
	// exit on the next bar.
	if snap.ATR <= 0 || snap.LastBar.High <= 0 {
		return nil
	}
	before := pos.ChandelierStop
	pos.UpdateTrail(snap.LastBar.High, snap.ATR)
	if err := e.store.SavePositions(e.positions); err != nil {
		return fmt.Errorf("persist trail update: %w", err)
	}
	if pos.ChandelierStop > before {
		e.logger.Debug("trailing stop raised", "coin", coin,
			"from", before, "to", pos.ChandelierStop)
	}
	return nil
}

func (e *Executor) applyBuy(ctx context.Context, cycle types.CycleContext, intent types.Intent, snap types.IndicatorSnapshot, pyramid bool) error {
	if e.authAlerted(intent.Coin) {
		return nil
	}
	if e.emergencyStop {
		e.logger.Warn("emergency stop active, skipping buy", "coin", intent.Coin)
		return nil
	}
	if intent.AmountKRW < e.minOrderKRW {
		e.logger.Warn("buy below exchange minimum, skipping",
			"coin", intent.Coin, "amount_krw", intent.AmountKRW, "min", e.minOrderKRW)
		return nil
	}
	bal, err := e.client.Balance(ctx, "KRW")
	if err != nil {
		return e.orderFailed(intent, fmt.Errorf("preflight balance: %w", err))
	}
	if bal.AvailableKRW < intent.AmountKRW {
		e.logger.Warn("insufficient KRW balance, skipping buy",
			"coin", intent.Coin, "available", bal.AvailableKRW, "needed", intent.AmountKRW)
		return nil
	}

	ack, err := e.client.MarketBuy(ctx, intent.Coin, intent.AmountKRW)
	if err != nil {
		return e.orderFailed(intent, err)
	}
	price, qty := fillOrFallback(ack, intent.Price, intent.AmountKRW/intent.Price)
	fee := orderFee(ack, price*qty*e.feeRate)

	e.mu.Lock()
	if pyramid {
		pos, ok := e.positions[intent.Coin]
		if !ok {
			e.mu.Unlock()
			return fmt.Errorf("pyramid %s: no open position", intent.Coin)
		}
		pos.AddLot(time.Now().UnixMilli(), price, qty)
	} else {
		e.positions[intent.Coin] = strategy.NewPosition(intent.Coin,
			time.Now().UnixMilli(), price, qty,
			e.targetMode, e.tp1Pct, e.tp2Pct, e.chandelierMult, snap.ATR)
	}
	e.counters.TradesToday++
	err = e.persistLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	txn := types.Transaction{
		TS: time.Now().UTC(), Coin: intent.Coin, Side: types.BUY,
		Qty: qty, Price: price, Fee: fee, Reason: intent.Reason,
		OrderID: ack.OrderID, CycleID: cycle.CycleID,
	}
	if err := e.store.AppendTransaction(txn); err != nil {
		return fmt.Errorf("log buy: %w", err)
	}

	kind := types.EventTradeOpened
	if pyramid {
		kind = types.EventTradeAdded
	}
	e.events.Publish(types.Event{
		TS: time.Now().UTC(), Kind: kind, Coin: intent.Coin,
		Qty: qty, Price: price, Reason: intent.Reason,
	})
	e.logger.Info("buy executed", "coin", intent.Coin, "qty", qty,
		"price", price, "pyramid", pyramid, "order_id", ack.OrderID)
	return nil
}

func (e *Executor) applySell(ctx context.Context, cycle types.CycleContext, intent types.Intent) error {
	if e.authAlerted(intent.Coin) {
		return nil
	}
	e.mu.Lock()
	pos, ok := e.positions[intent.Coin]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("exit intent for flat coin, skipping", "coin", intent.Coin)
		return nil
	}
	qty := pos.Size
	if intent.Kind == types.IntentPartialExit {
		qty = intent.Fraction * pos.Size
		// A remainder below the exchange minimum would be stranded
		// dust; take the whole position instead.
		if (pos.Size-qty)*intent.Price < e.minOrderKRW {
			qty = pos.Size
		}
	}
	avgEntry := pos.AvgEntryPrice
	e.mu.Unlock()

	ack, err := e.client.MarketSell(ctx, intent.Coin, qty)
	if err != nil {
		return e.orderFailed(intent, err)
	}
	price, qty := fillOrFallback(ack, intent.Price, qty)
	fee := orderFee(ack, price*qty*e.feeRate)

	e.mu.Lock()
	realized, err := pos.ConsumeFIFO(qty, price, fee)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("fifo %s: %w", intent.Coin, err)
	}

	closed := pos.Size == 0
	switch {
	case closed:
		delete(e.positions, intent.Coin)
	case intent.Reason == "tp1":
		pos.FirstTargetHit = true
		pos.PositionPct *= 1 - intent.Fraction
		pos.RaiseStopTo(avgEntry)
	default:
		pos.PositionPct *= 1 - intent.Fraction
	}
	if intent.Reason == "tp2" {
		pos.SecondTargetHit = true // recorded even as the position closes
	}

	e.counters.TradesToday++
	e.counters.RealizedPnLToday += realized
	if closed {
		if realized < 0 {
			e.counters.ConsecutiveLosses++
		} else if realized > 0 {
			e.counters.ConsecutiveLosses = 0
		}
	}
	err = e.persistLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	txn := types.Transaction{
		TS: time.Now().UTC(), Coin: intent.Coin, Side: types.SELL,
		Qty: qty, Price: price, Fee: fee, Reason: intent.Reason,
		OrderID: ack.OrderID, CycleID: cycle.CycleID,
	}
	if err := e.store.AppendTransaction(txn); err != nil {
		return fmt.Errorf("log sell: %w", err)
	}

	kind := types.EventPartialExit
	if closed {
		kind = types.EventFullExit
	}
	e.events.Publish(types.Event{
		TS: time.Now().UTC(), Kind: kind, Coin: intent.Coin,
		Qty: qty, Price: price, PnL: realized, Reason: intent.Reason,
	})
	e.logger.Info("sell executed", "coin", intent.Coin, "qty", qty,
		"price", price, "realized", realized, "reason", intent.Reason,
		"closed", closed, "order_id", ack.OrderID)
	return nil
}

// orderFailed publishes an Error event and wraps the cause. Trading
// state is untouched: no order, no mutation. A credential error
// latches authFailed so the bot stops hammering private endpoints.
func (e *Executor) orderFailed(intent types.Intent, err error) error {
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) && apiErr.AuthFailure() {
		e.mu.Lock()
		e.authFailed = true
		e.mu.Unlock()
		e.logger.Error("credential failure, private calls disabled until restart",
			"code", apiErr.Code)
	}
	e.events.Publish(types.Event{
		TS: time.Now().UTC(), Kind: types.EventError, Coin: intent.Coin,
		Message: fmt.Sprintf("%s %s: %v", intent.Kind, intent.Coin, err),
	})
	return fmt.Errorf("%s %s: %w", intent.Kind, intent.Coin, err)
}

// authAlerted reports whether the credential latch is set, logging the
// skipped intent.
func (e *Executor) authAlerted(coin types.Coin) bool {
	e.mu.Lock()
	failed := e.authFailed
	e.mu.Unlock()
	if failed {
		e.logger.Warn("skipping order: credentials rejected earlier", "coin", coin)
	}
	return failed
}

// persistLocked writes positions then counters. Callers hold e.mu.
func (e *Executor) persistLocked() error {
	if err := e.store.SavePositions(e.positions); err != nil {
		return fmt.Errorf("persist positions: %w", err)
	}
	if err := e.store.SaveCounters(e.counters); err != nil {
		return fmt.Errorf("persist counters: %w", err)
	}
	return nil
}

// fillOrFallback prefers the exchange-reported fill; dry-run acks carry
// no fill, so the intent's reference price sizes the position instead.
func fillOrFallback(ack *types.OrderAck, refPrice, refQty float64) (price, qty float64) {
	price, qty = ack.Price, ack.Qty
	if price == 0 {
		price = refPrice
	}
	if qty == 0 {
		qty = refQty
	}
	return price, qty
}

// orderFee prefers the exchange-reported fill fee; acks without one
// (dry-run included) fall back to the configured rate.
func orderFee(ack *types.OrderAck, fallback float64) float64 {
	if ack.Fee > 0 {
		return ack.Fee
	}
	return fallback
}

// ————————————————————————————————————————————————————————————————————————
// Read access
// ————————————————————————————————————————————————————————————————————————

// Position returns the live position for a coin, or nil when flat. The
// cycle pipeline is sequential; only the executor mutates the result.
func (e *Executor) Position(coin types.Coin) *strategy.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[coin]
}

// Positions returns a deep-copied snapshot for status readers.
func (e *Executor) Positions() map[types.Coin]*strategy.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.Coin]*strategy.Position, len(e.positions))
	for coin, pos := range e.positions {
		out[coin] = pos.Clone()
	}
	return out
}

// OpenCount reports the number of open positions.
func (e *Executor) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// Counters returns a copy of today's counters.
func (e *Executor) Counters() types.DailyCounters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// Rollover archives the finished day and resets counters for today.
// It returns the archived counters for the daily summary.
func (e *Executor) Rollover(today string) (types.DailyCounters, error) {
	e.mu.Lock()
	old := e.counters
	e.counters = types.DailyCounters{Date: today}
	fresh := e.counters
	e.mu.Unlock()

	if err := e.store.ArchiveCounters(old); err != nil {
		return old, fmt.Errorf("archive counters: %w", err)
	}
	if err := e.store.SaveCounters(fresh); err != nil {
		return old, fmt.Errorf("reset counters: %w", err)
	}
	e.logger.Info("daily rollover", "archived", old.Date, "today", today,
		"trades", old.TradesToday, "realized", old.RealizedPnLToday)
	return old, nil
}
