// Package portfolio runs the per-cycle pipeline across the coin basket:
// fetch bars, build indicators, classify the regime, evaluate intents,
// then dispatch them through the executor in priority order under the
// portfolio caps.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"bithumb-trader/internal/config"
	"bithumb-trader/internal/indicators"
	"bithumb-trader/internal/regime"
	"bithumb-trader/internal/strategy"
	"bithumb-trader/pkg/types"
)

// MarketData is the slice of the exchange client the manager needs.
type MarketData interface {
	Candles(ctx context.Context, coin types.Coin, interval types.Interval, limit int) ([]types.Bar, error)
}

// Applier dispatches intents and exposes the executor's state reads.
type Applier interface {
	Apply(ctx context.Context, cycle types.CycleContext, intent types.Intent, snap types.IndicatorSnapshot) error
	Position(coin types.Coin) *strategy.Position
	OpenCount() int
	Counters() types.DailyCounters
}

// CycleStats summarizes one cycle for the heartbeat.
type CycleStats struct {
	CoinsOK     int
	CoinsFailed int
	Dispatched  int
}

// Manager owns the basket-level trading loop of one cycle.
type Manager struct {
	coins      []types.Coin
	interval   types.Interval
	warmupBars int
	params     indicators.Params

	maxPositions  int
	maxDailyTrade int
	lossBudgetKRW float64
	maxConsecLoss int
	stepDeadline  func() (context.Context, context.CancelFunc)

	market     MarketData
	classifier *regime.Classifier
	evaluator  *strategy.Evaluator
	executor   Applier
	logger     *slog.Logger
}

// New wires a manager from configuration and the shared components.
func New(cfg *config.Config, market MarketData, exec Applier, logger *slog.Logger) *Manager {
	return &Manager{
		coins:         cfg.Portfolio.CoinList(),
		interval:      types.Interval(cfg.Strategy.Interval),
		warmupBars:    cfg.Strategy.WarmupBars,
		params:        indicators.DefaultParams(),
		maxPositions:  cfg.Portfolio.MaxPositions,
		maxDailyTrade: cfg.Portfolio.MaxDailyTrades,
		lossBudgetKRW: cfg.Portfolio.MaxDailyLossPct / 100 * cfg.Portfolio.BaseTradeKRW * float64(cfg.Portfolio.MaxPositions),
		maxConsecLoss: cfg.Safety.MaxConsecutiveLosses,
		stepDeadline: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), cfg.Scheduler.StepDeadline())
		},
		market:     market,
		classifier: regime.NewClassifier(),
		evaluator:  strategy.NewEvaluator(cfg, logger),
		executor:   exec,
		logger:     logger.With("component", "portfolio"),
	}
}

// evaluation pairs an intent with the snapshot that produced it.
type evaluation struct {
	intent types.Intent
	snap   types.IndicatorSnapshot
	order  int // collection order, tiebreaker for the priority sort
}

// RunCycle evaluates every coin, then dispatches the collected intents
// in priority order. A failing coin is logged and skipped; the cycle
// never aborts because of one coin.
func (m *Manager) RunCycle(ctx context.Context, cycle types.CycleContext) CycleStats {
	var stats CycleStats
	var evals []evaluation

	for _, coin := range m.coins {
		ev, err := m.evaluateCoin(ctx, coin)
		if err != nil {
			stats.CoinsFailed++
			m.logger.Error("coin step failed", "coin", coin, "cycle", cycle.CycleID, "error", err)
			continue
		}
		stats.CoinsOK++
		ev.order = len(evals)
		evals = append(evals, ev)
	}

	stats.Dispatched = m.dispatch(ctx, cycle, evals)
	return stats
}

// dispatch orders the evaluations by intent priority and applies each
// one that passes the caps. It returns the number of non-hold intents
// executed.
func (m *Manager) dispatch(ctx context.Context, cycle types.CycleContext, evals []evaluation) int {
	sort.SliceStable(evals, func(i, j int) bool {
		pi, pj := evals[i].intent.Kind.Priority(), evals[j].intent.Kind.Priority()
		if pi != pj {
			return pi > pj
		}
		return evals[i].order < evals[j].order
	})

	dispatched := 0
	for _, ev := range evals {
		if !m.admit(ev.intent) {
			continue
		}
		if err := m.applyOne(ctx, cycle, ev); err != nil {
			m.logger.Error("intent failed", "coin", ev.intent.Coin,
				"kind", ev.intent.Kind, "error", err)
			continue
		}
		if ev.intent.Kind != types.IntentHold {
			dispatched++
		}
	}
	return dispatched
}

// applyOne dispatches a single intent. A panic inside the executor is
// contained here so the remaining intents of the cycle still run.
func (m *Manager) applyOne(ctx context.Context, cycle types.CycleContext, ev evaluation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panic: %v\n%s", r, debug.Stack())
		}
	}()
	return m.executor.Apply(ctx, cycle, ev.intent, ev.snap)
}

// evaluateCoin runs fetch → indicators → regime → evaluator for one
// coin under its own step deadline. A panic in any step fails only
// this coin.
func (m *Manager) evaluateCoin(ctx context.Context, coin types.Coin) (ev evaluation, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = evaluation{}, fmt.Errorf("step panic: %v\n%s", r, debug.Stack())
		}
	}()

	stepCtx, cancel := m.stepDeadline()
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		// Never outlive the cycle budget.
		var c context.CancelFunc
		stepCtx, c = context.WithDeadline(stepCtx, deadline)
		defer c()
	}

	bars, err := m.market.Candles(stepCtx, coin, m.interval, m.warmupBars)
	if err != nil {
		return evaluation{}, fmt.Errorf("candles: %w", err)
	}
	if len(bars) < m.warmupBars || len(bars) < m.params.MinBars() {
		m.logger.Debug("warming up", "coin", coin, "bars", len(bars))
		return evaluation{
			intent: types.Intent{Coin: coin, Kind: types.IntentHold},
			snap:   types.IndicatorSnapshot{Coin: coin},
		}, nil
	}

	snap, ok := indicators.BuildSnapshot(coin, bars, m.params)
	if !ok {
		return evaluation{}, fmt.Errorf("snapshot: series too short (%d bars)", len(bars))
	}

	reg, vol := m.classifier.Classify(coin, snap)
	pos := m.executor.Position(coin)
	intent := m.evaluator.Evaluate(snap, pos, reg)
	m.logger.Debug("evaluated", "coin", coin, "regime", reg, "volatility", vol,
		"intent", intent.Kind, "score", intent.Score)
	return evaluation{intent: intent, snap: snap}, nil
}

// admit applies the portfolio caps. Only entries and pyramids are
// gated; exits and holds always pass.
func (m *Manager) admit(intent types.Intent) bool {
	switch intent.Kind {
	case types.IntentEnter, types.IntentPyramid:
	default:
		return true
	}

	counters := m.executor.Counters()
	if intent.Kind == types.IntentEnter && m.executor.OpenCount() >= m.maxPositions {
		m.logger.Info("entry blocked: position cap", "coin", intent.Coin,
			"open", m.executor.OpenCount(), "max", m.maxPositions)
		return false
	}
	if counters.TradesToday >= m.maxDailyTrade {
		m.logger.Info("entry blocked: daily trade cap", "coin", intent.Coin,
			"trades", counters.TradesToday)
		return false
	}
	if m.lossBudgetKRW > 0 && counters.RealizedPnLToday <= -m.lossBudgetKRW {
		m.logger.Warn("entry blocked: daily loss cap", "coin", intent.Coin,
			"realized", counters.RealizedPnLToday, "budget", m.lossBudgetKRW)
		return false
	}
	if m.maxConsecLoss > 0 && counters.ConsecutiveLosses >= m.maxConsecLoss {
		m.logger.Warn("entry blocked: consecutive-loss breaker", "coin", intent.Coin,
			"losses", counters.ConsecutiveLosses)
		return false
	}
	return true
}
