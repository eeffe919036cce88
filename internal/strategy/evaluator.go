package strategy

import (
	"errors"
	"fmt"
	"log/slog"

	"bithumb-trader/internal/config"
	"bithumb-trader/pkg/types"
)

// ErrWarmup signals that a coin's bar history is still shorter than the
// configured warmup; callers treat it as Hold, not as a failure.
var ErrWarmup = errors.New("indicator history still warming up")

// pyramidDiscount is the minimum relative improvement over the weighted
// average entry before an additional buy is considered.
const pyramidDiscount = 0.005

// entryMultipliers scales later entries down: the first buy takes the
// full base notional, pyramids take half and a quarter.
var entryMultipliers = []float64{1.0, 0.5, 0.25}

// oversoldRSI and oversoldStoch bound the entry-scoring conditions.
const (
	oversoldRSI   = 30.0
	oversoldStoch = 20.0
)

// Evaluator turns one coin's snapshot, position, and committed regime
// into a trade intent. It is stateless; all position state lives in the
// store and all classifier state in the regime package.
type Evaluator struct {
	strat      config.StrategyConfig
	baseKRW    float64
	maxEntries int
	logger     *slog.Logger
}

// NewEvaluator creates an evaluator from configuration.
func NewEvaluator(cfg *config.Config, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		strat:      cfg.Strategy,
		baseKRW:    cfg.Portfolio.BaseTradeKRW,
		maxEntries: cfg.Portfolio.MaxPyramids,
		logger:     logger.With("component", "evaluator"),
	}
}

// Evaluate emits exactly one intent per coin per cycle. Exit conditions
// are checked before anything else so risk is shed first; the evaluator
// never mutates the position.
func (e *Evaluator) Evaluate(snap types.IndicatorSnapshot, pos *Position, reg types.Regime) types.Intent {
	if pos != nil && pos.Size > 0 {
		return e.evaluateHeld(snap, pos, reg)
	}
	return e.evaluateFlat(snap, reg)
}

func (e *Evaluator) evaluateHeld(snap types.IndicatorSnapshot, pos *Position, reg types.Regime) types.Intent {
	bar := snap.LastBar

	// Stop breach wins over everything, including a TP the same bar
	// would have reached.
	if bar.Low <= pos.ChandelierStop {
		return types.Intent{
			Coin:   snap.Coin,
			Kind:   types.IntentFullExit,
			Price:  pos.ChandelierStop,
			Reason: "stop",
		}
	}

	if reg == types.RegimeStrongBearish {
		return types.Intent{
			Coin:   snap.Coin,
			Kind:   types.IntentFullExit,
			Price:  snap.Price,
			Reason: "regime",
		}
	}

	if !pos.FirstTargetHit && bar.High >= pos.TP1Price(snap) {
		return types.Intent{
			Coin:     snap.Coin,
			Kind:     types.IntentPartialExit,
			Fraction: 0.5,
			Price:    pos.TP1Price(snap),
			Reason:   "tp1",
		}
	}
	if pos.FirstTargetHit && !pos.SecondTargetHit && bar.High >= pos.TP2Price(snap) {
		return types.Intent{
			Coin:     snap.Coin,
			Kind:     types.IntentPartialExit,
			Fraction: 1.0,
			Price:    pos.TP2Price(snap),
			Reason:   "tp2",
		}
	}

	if intent, ok := e.pyramidIntent(snap, pos, reg); ok {
		return intent
	}

	return types.Intent{Coin: snap.Coin, Kind: types.IntentHold}
}

func (e *Evaluator) pyramidIntent(snap types.IndicatorSnapshot, pos *Position, reg types.Regime) (types.Intent, bool) {
	if pos.EntryCount >= e.maxEntries {
		return types.Intent{}, false
	}
	if snap.Price > pos.AvgEntryPrice*(1-pyramidDiscount) {
		return types.Intent{}, false
	}

	score := EntryScore(snap)
	minScore, open := e.strat.MinScore(reg)
	if !open || score < minScore || score < e.strat.SignalThreshold {
		return types.Intent{}, false
	}

	mult := entryMultipliers[len(entryMultipliers)-1]
	if pos.EntryCount < len(entryMultipliers) {
		mult = entryMultipliers[pos.EntryCount]
	}

	return types.Intent{
		Coin:       snap.Coin,
		Kind:       types.IntentPyramid,
		AmountKRW:  e.baseKRW * mult,
		Price:      snap.Price,
		Score:      score,
		Confidence: e.confidence(snap),
		Reason:     fmt.Sprintf("pyramid_score_%d", score),
	}, true
}

func (e *Evaluator) evaluateFlat(snap types.IndicatorSnapshot, reg types.Regime) types.Intent {
	score := EntryScore(snap)
	minScore, open := e.strat.MinScore(reg)
	if !open {
		return types.Intent{Coin: snap.Coin, Kind: types.IntentHold}
	}
	if score < minScore || score < e.strat.SignalThreshold {
		return types.Intent{Coin: snap.Coin, Kind: types.IntentHold}
	}

	conf := e.confidence(snap)
	if conf < e.strat.ConfidenceThreshold {
		e.logger.Debug("entry score passed but confidence low",
			"coin", snap.Coin, "score", score, "confidence", conf)
		return types.Intent{Coin: snap.Coin, Kind: types.IntentHold}
	}

	return types.Intent{
		Coin:       snap.Coin,
		Kind:       types.IntentEnter,
		AmountKRW:  e.baseKRW * entryMultipliers[0],
		Price:      snap.Price,
		Score:      score,
		Confidence: conf,
		Reason:     fmt.Sprintf("entry_score_%d", score),
	}
}

// EntryScore sums the independent oversold conditions:
// +1 bar low touched the lower Bollinger band,
// +1 RSI below 30,
// +2 %K crossed above %D while both sat under 20.
func EntryScore(snap types.IndicatorSnapshot) int {
	score := 0
	if snap.LastBar.Low <= snap.BBLower {
		score++
	}
	if snap.RSI < oversoldRSI {
		score++
	}
	if stochCrossUp(snap) {
		score += 2
	}
	return score
}

func stochCrossUp(snap types.IndicatorSnapshot) bool {
	return snap.PrevStochK < oversoldStoch &&
		snap.PrevStochD < oversoldStoch &&
		snap.PrevStochK <= snap.PrevStochD &&
		snap.StochK > snap.StochD
}

// confidence is the weighted share of bullish confirmations, in [0, 1].
// It rides along on intents for notification context and, when a
// threshold is configured, filters marginal entries.
func (e *Evaluator) confidence(snap types.IndicatorSnapshot) float64 {
	w := e.strat.Weights
	total := w.MACD + w.MA + w.RSI + w.BB + w.Volume
	if total == 0 {
		return 1
	}

	hit := 0
	if snap.MACDHist > 0 {
		hit += w.MACD
	}
	if snap.MAShort > snap.MALong {
		hit += w.MA
	}
	if snap.RSI < oversoldRSI {
		hit += w.RSI
	}
	if snap.LastBar.Low <= snap.BBLower {
		hit += w.BB
	}
	if snap.VolumeRatio > 1.2 {
		hit += w.Volume
	}
	return float64(hit) / float64(total)
}
