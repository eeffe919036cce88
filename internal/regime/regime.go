// Package regime classifies the broad market state that gates entries.
//
// The raw classification is a top-down table over trend EMAs and ADX:
// a weak ADX reads as Ranging regardless of trend, otherwise the relative
// spread of EMA50 over EMA200 buckets the trend from StrongBullish to
// StrongBearish. A volatility label rides along from ATR% against its
// rolling average.
//
// The classifier is stateful: a raw regime change must repeat on two
// consecutive cycles before it is committed; until then the previous
// committed regime keeps being reported. State is held per coin.
package regime

import (
	"bithumb-trader/pkg/types"
)

const (
	// adxRangingCeiling: below this the trend reading is noise.
	adxRangingCeiling = 20.0

	strongTrendSpread = 0.05 // ±5% EMA spread
	trendSpread       = 0.02 // ±2% EMA spread

	highVolMult = 1.5
	lowVolMult  = 0.7

	// commitStreak is how many consecutive cycles a new raw regime must
	// repeat before it replaces the committed one.
	commitStreak = 2
)

type coinState struct {
	committed types.Regime
	pending   types.Regime
	streak    int
}

// Classifier maps indicator snapshots to committed regimes with
// per-coin hysteresis.
type Classifier struct {
	states map[types.Coin]*coinState
}

// NewClassifier creates an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{states: make(map[types.Coin]*coinState)}
}

// Classify returns the committed regime and current volatility label for
// one coin. The very first observation for a coin commits immediately;
// afterwards changes are held back until they repeat.
func (c *Classifier) Classify(coin types.Coin, snap types.IndicatorSnapshot) (types.Regime, types.Volatility) {
	raw := rawRegime(snap)
	vol := volatility(snap)

	st, ok := c.states[coin]
	if !ok {
		c.states[coin] = &coinState{committed: raw}
		return raw, vol
	}

	switch raw {
	case st.committed:
		st.pending = ""
		st.streak = 0
	case st.pending:
		st.streak++
		if st.streak >= commitStreak {
			st.committed = raw
			st.pending = ""
			st.streak = 0
		}
	default:
		st.pending = raw
		st.streak = 1
	}

	return st.committed, vol
}

// Committed returns the current committed regime for a coin, if any.
func (c *Classifier) Committed(coin types.Coin) (types.Regime, bool) {
	st, ok := c.states[coin]
	if !ok {
		return "", false
	}
	return st.committed, true
}

// rawRegime evaluates the decision table top-down; first match wins.
func rawRegime(snap types.IndicatorSnapshot) types.Regime {
	if snap.ADX < adxRangingCeiling {
		return types.RegimeRanging
	}
	if snap.EMA200 == 0 {
		return types.RegimeNeutral
	}

	spread := (snap.EMA50 - snap.EMA200) / snap.EMA200
	switch {
	case spread > strongTrendSpread:
		return types.RegimeStrongBullish
	case spread > trendSpread:
		return types.RegimeBullish
	case spread >= -trendSpread:
		return types.RegimeNeutral
	case spread >= -strongTrendSpread:
		return types.RegimeBearish
	default:
		return types.RegimeStrongBearish
	}
}

func volatility(snap types.IndicatorSnapshot) types.Volatility {
	if snap.AvgATRPct <= 0 {
		return types.VolNormal
	}
	switch {
	case snap.ATRPct > highVolMult*snap.AvgATRPct:
		return types.VolHigh
	case snap.ATRPct < lowVolMult*snap.AvgATRPct:
		return types.VolLow
	default:
		return types.VolNormal
	}
}
