package indicators

import (
	"math"

	"bithumb-trader/pkg/types"
)

// Params fixes every indicator window used to build a snapshot.
type Params struct {
	MAShort      int
	MALong       int
	EMAFastTrend int // trend EMA pair feeding the regime classifier
	EMASlowTrend int
	RSIPeriod    int
	BBWindow     int
	BBStdDev     float64
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	ATRPeriod    int
	AvgATRWindow int // rolling mean window over ATR%
	StochK       int
	StochD       int
	ADXPeriod    int
	VolumeWindow int
}

// DefaultParams returns the standard parameter set.
func DefaultParams() Params {
	return Params{
		MAShort:      20,
		MALong:       60,
		EMAFastTrend: 50,
		EMASlowTrend: 200,
		RSIPeriod:    14,
		BBWindow:     20,
		BBStdDev:     2.0,
		MACDFast:     8,
		MACDSlow:     17,
		MACDSignal:   9,
		ATRPeriod:    14,
		AvgATRWindow: 50,
		StochK:       14,
		StochD:       3,
		ADXPeriod:    14,
		VolumeWindow: 20,
	}
}

// MinBars is the number of closed bars needed before every indicator in
// the snapshot has a finished value.
func (p Params) MinBars() int {
	need := p.EMASlowTrend
	candidates := []int{
		p.MALong,
		p.MACDSlow + p.MACDSignal,
		2*p.ADXPeriod + 1,
		p.ATRPeriod + p.AvgATRWindow,
		p.BBWindow,
		p.StochK + p.StochD,
		p.RSIPeriod + 1,
		p.VolumeWindow,
	}
	for _, c := range candidates {
		if c > need {
			need = c
		}
	}
	return need
}

// BuildSnapshot computes every indicator over the bar series and returns
// the values at the most recent closed bar. The caller guarantees
// len(bars) >= MinBars(); ok is false otherwise.
//
// Rolling inputs (closes, volumes) are extracted once and shared by all
// indicator calls.
func BuildSnapshot(coin types.Coin, bars []types.Bar, p Params) (types.IndicatorSnapshot, bool) {
	n := len(bars)
	if n < p.MinBars() {
		return types.IndicatorSnapshot{}, false
	}

	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	maShort := MA(closes, p.MAShort)
	maLong := MA(closes, p.MALong)
	emaFast := EMA(closes, p.EMAFastTrend)
	emaSlow := EMA(closes, p.EMASlowTrend)
	rsi := Sanitize(RSI(closes, p.RSIPeriod), p.RSIPeriod, 0, 100, 50)
	bbUpper, bbMid, bbLower := Bollinger(closes, p.BBWindow, p.BBStdDev)
	macd, macdSig, macdHist := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	atr, atrPct := ATR(bars, p.ATRPeriod)
	avgATRPct := MA(Sanitize(atrPct, p.ATRPeriod, 0, math.MaxFloat64, 0)[p.ATRPeriod:], p.AvgATRWindow)
	stochK, stochD := Stochastic(bars, p.StochK, p.StochD)
	stochK = Sanitize(stochK, p.StochK-1, 0, 100, 50)
	stochD = Sanitize(stochD, p.StochK+p.StochD-2, 0, 100, 50)
	adx := Sanitize(ADX(bars, p.ADXPeriod), 2*p.ADXPeriod, 0, 100, 0)
	volRatio := Sanitize(VolumeRatio(volumes, p.VolumeWindow), p.VolumeWindow-1, 0, math.MaxFloat64, 1)

	last := n - 1
	snap := types.IndicatorSnapshot{
		Coin:        coin,
		TS:          bars[last].TS,
		Price:       closes[last],
		MAShort:     maShort[last],
		MALong:      maLong[last],
		EMA50:       emaFast[last],
		EMA200:      emaSlow[last],
		RSI:         rsi[last],
		BBUpper:     bbUpper[last],
		BBMid:       bbMid[last],
		BBLower:     bbLower[last],
		MACD:        macd[last],
		MACDSignal:  macdSig[last],
		MACDHist:    macdHist[last],
		ATR:         atr[last],
		ATRPct:      atrPct[last],
		AvgATRPct:   avgATRPct[len(avgATRPct)-1],
		StochK:      stochK[last],
		StochD:      stochD[last],
		PrevStochK:  stochK[last-1],
		PrevStochD:  stochD[last-1],
		ADX:         adx[last],
		VolumeRatio: volRatio[last],
		LastBar:     bars[last],
	}

	// Final scrub so one bad input bar cannot leak NaN downstream.
	scrub := func(v *float64, neutral float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = neutral
		}
	}
	scrub(&snap.MAShort, snap.Price)
	scrub(&snap.MALong, snap.Price)
	scrub(&snap.EMA50, snap.Price)
	scrub(&snap.EMA200, snap.Price)
	scrub(&snap.BBUpper, snap.Price)
	scrub(&snap.BBMid, snap.Price)
	scrub(&snap.BBLower, snap.Price)
	scrub(&snap.MACD, 0)
	scrub(&snap.MACDSignal, 0)
	scrub(&snap.MACDHist, 0)
	scrub(&snap.ATR, 0)
	scrub(&snap.ATRPct, 0)
	scrub(&snap.AvgATRPct, 0)

	return snap, true
}
