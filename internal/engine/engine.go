// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The exchange client (REST) and the public WS ticker feed.
//  2. The store, restored at startup and reconciled against exchange
//     balances.
//  3. The executor (single writer of position state) and the portfolio
//     manager that runs the per-cycle pipeline across the coin basket.
//  4. The notification dispatcher draining events to the configured
//     sinks.
//
// Lifecycle: New() → Start() → [runs until SIGINT/SIGTERM] → Stop().
// The cycle loop ticks at the configured period; each cycle gets a
// budget of 80% of the period, a fresh cycle ID, and panic recovery so
// one bad cycle never takes the process down.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"bithumb-trader/internal/config"
	"bithumb-trader/internal/exchange"
	"bithumb-trader/internal/executor"
	"bithumb-trader/internal/notify"
	"bithumb-trader/internal/portfolio"
	"bithumb-trader/internal/store"
	"bithumb-trader/internal/strategy"
	"bithumb-trader/pkg/types"
)

// cycleBudgetFraction of the cycle period is the hard ceiling for one
// cycle's work; the remainder is slack before the next tick.
const cycleBudgetFraction = 0.8

// Engine owns the lifecycle of all goroutines and the cycle loop.
type Engine struct {
	cfg        *config.Config
	client     *exchange.Client
	feed       *exchange.TickerFeed
	store      *store.Store
	executor   *executor.Executor
	portfolio  *portfolio.Manager
	dispatcher *notify.Dispatcher
	logger     *slog.Logger

	hbMu   sync.RWMutex
	lastHB types.Heartbeat

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	auth := exchange.NewAuth(cfg.Exchange.ConnectKey, cfg.Exchange.SecretKey)
	client := exchange.NewClient(cfg, auth, logger)
	feed := exchange.NewTickerFeed(cfg.Exchange.WSURL, cfg.Portfolio.CoinList(), logger)

	st, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var sinks []notify.Sink
	if cfg.Notify.TelegramEnabled {
		tg, err := notify.NewTelegramSink(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram sink: %w", err)
		}
		sinks = append(sinks, tg)
	}
	dispatcher := notify.NewDispatcher(logger, sinks...)

	exec := executor.New(cfg, client, st, dispatcher, logger)
	mgr := portfolio.New(cfg, client, exec, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		client:     client,
		feed:       feed,
		store:      st,
		executor:   exec,
		portfolio:  mgr,
		dispatcher: dispatcher,
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start restores state, reconciles it against the exchange, and
// launches the background goroutines: dispatcher, ticker feed, cycle
// loop.
func (e *Engine) Start() error {
	if err := e.executor.Load(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	e.rolloverIfNeeded()
	e.reconcileBalances()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatcher.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("ticker feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cycleLoop()
	}()

	mode := "LIVE"
	if e.cfg.Safety.DryRun {
		mode = "DRY-RUN"
	}
	e.dispatcher.Publish(types.Event{
		TS: time.Now().UTC(), Kind: types.EventBotStarted,
		Message: fmt.Sprintf("mode=%s coins=%v interval=%s", mode,
			e.cfg.Portfolio.CoinList(), e.cfg.Strategy.Interval),
	})
	e.logger.Info("engine started", "mode", mode,
		"cycle_period", e.cfg.Scheduler.CyclePeriod())
	return nil
}

// Stop finishes the in-flight cycle, persists, notifies, and shuts
// down. The dispatcher flushes its queue before its goroutine exits.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.dispatcher.Publish(types.Event{
		TS: time.Now().UTC(), Kind: types.EventBotStopped,
		Message: fmt.Sprintf("open_positions=%d", e.executor.OpenCount()),
	})

	e.cancel()
	e.wg.Wait()

	e.feed.Close()
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// cycleLoop runs the first cycle immediately, then ticks at the
// configured period.
func (e *Engine) cycleLoop() {
	period := e.cfg.Scheduler.CyclePeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	e.runCycle()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// runCycle executes one full cycle under the cycle budget, with panic
// recovery, and writes the heartbeat at the end.
func (e *Engine) runCycle() {
	budget := time.Duration(cycleBudgetFraction * float64(e.cfg.Scheduler.CyclePeriod()))
	ctx, cancel := context.WithTimeout(e.ctx, budget)
	defer cancel()

	cycle := types.CycleContext{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now(),
		DryRun:    e.cfg.Safety.DryRun,
	}

	var stats portfolio.CycleStats
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("cycle panic recovered",
					"cycle", cycle.CycleID, "panic", r, "stack", string(debug.Stack()))
				e.dispatcher.Publish(types.Event{
					TS: time.Now().UTC(), Kind: types.EventError,
					Message: fmt.Sprintf("cycle %s panicked: %v", cycle.CycleID, r),
				})
			}
		}()
		e.rolloverIfNeeded()
		stats = e.portfolio.RunCycle(ctx, cycle)
	}()

	hb := types.Heartbeat{
		TS:                time.Now().UTC(),
		CycleID:           cycle.CycleID,
		CoinsOK:           stats.CoinsOK,
		CoinsFailed:       stats.CoinsFailed,
		IntentsDispatched: stats.Dispatched,
	}
	if err := e.store.SaveHeartbeat(hb); err != nil {
		e.logger.Error("heartbeat write failed", "error", err)
	}
	e.hbMu.Lock()
	e.lastHB = hb
	e.hbMu.Unlock()

	e.logger.Info("cycle complete", "cycle", cycle.CycleID,
		"coins_ok", stats.CoinsOK, "coins_failed", stats.CoinsFailed,
		"dispatched", stats.Dispatched, "took", time.Since(cycle.StartedAt))
}

// rolloverIfNeeded archives and resets the daily counters on the first
// activity after local midnight, emitting the daily summary.
func (e *Engine) rolloverIfNeeded() {
	today := time.Now().Format("2006-01-02")
	counters := e.executor.Counters()
	if counters.Date == today {
		return
	}

	old, err := e.executor.Rollover(today)
	if err != nil {
		e.logger.Error("daily rollover failed", "error", err)
		return
	}
	if old.Date == "" {
		return // first ever start, nothing to summarize
	}
	e.dispatcher.Publish(types.Event{
		TS: time.Now().UTC(), Kind: types.EventDailySummary,
		Message: fmt.Sprintf("%s: trades=%d realized=%+.0f KRW losses_in_row=%d",
			old.Date, old.TradesToday, old.RealizedPnLToday, old.ConsecutiveLosses),
	})
}

// reconcileBalances warns about positions larger than the exchange
// balance backing them — the footprint of a crash between an order ack
// and the persist that should have followed.
func (e *Engine) reconcileBalances() {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Scheduler.CallDeadline())
	defer cancel()

	for coin, pos := range e.executor.Positions() {
		bal, err := e.client.Balance(ctx, coin)
		if err != nil {
			e.logger.Warn("balance reconciliation failed", "coin", coin, "error", err)
			continue
		}
		if !e.cfg.Safety.DryRun && bal.Total < pos.Size {
			e.logger.Warn("stored position exceeds exchange balance",
				"coin", coin, "stored", pos.Size, "exchange", bal.Total)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Status reads (consumed by the HTTP status server)
// ————————————————————————————————————————————————————————————————————————

// Heartbeat returns the most recent cycle heartbeat.
func (e *Engine) Heartbeat() types.Heartbeat {
	e.hbMu.RLock()
	defer e.hbMu.RUnlock()
	return e.lastHB
}

// Healthy reports whether the last cycle completed within twice the
// cycle period.
func (e *Engine) Healthy() bool {
	hb := e.Heartbeat()
	if hb.TS.IsZero() {
		return false
	}
	return time.Since(hb.TS) < 2*e.cfg.Scheduler.CyclePeriod()
}

// Positions returns a deep-copied snapshot of open positions.
func (e *Engine) Positions() map[types.Coin]*strategy.Position {
	return e.executor.Positions()
}

// Counters returns today's counters.
func (e *Engine) Counters() types.DailyCounters {
	return e.executor.Counters()
}

// LatestTicker exposes the WS feed's freshest price for a coin.
func (e *Engine) LatestTicker(coin types.Coin) (types.Ticker, bool) {
	return e.feed.Latest(coin)
}
