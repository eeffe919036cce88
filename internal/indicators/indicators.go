// Package indicators implements pure technical-indicator functions over
// OHLCV series.
//
// Every function returns a series aligned index-for-index with its input:
// positions before the indicator's warmup period hold NaN, positions at or
// after it hold finished values. Sanitize normalizes ±Inf, clips to the
// indicator's valid range, and substitutes a neutral fill so downstream
// consumers never see NaN past warmup.
package indicators

import (
	"math"

	"bithumb-trader/pkg/types"
)

// lossGuard keeps Wilder's RS division defined on loss-free streaks.
const lossGuard = 1e-10

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// MA computes the simple moving average. Valid from index window-1.
func MA(values []float64, window int) []float64 {
	out := nanSeries(len(values))
	if window <= 0 || len(values) < window {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// EMA computes the exponential moving average with smoothing
// α = 2/(window+1), seeded with the SMA of the first window.
// Valid from index window-1.
func EMA(values []float64, window int) []float64 {
	out := nanSeries(len(values))
	if window <= 0 || len(values) < window {
		return out
	}

	sum := 0.0
	for i := 0; i < window; i++ {
		sum += values[i]
	}
	ema := sum / float64(window)
	out[window-1] = ema

	alpha := 2.0 / float64(window+1)
	for i := window; i < len(values); i++ {
		ema += alpha * (values[i] - ema)
		out[i] = ema
	}
	return out
}

// RSI computes Wilder's Relative Strength Index over closes.
// Valid from index period.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	rs := avgGain / math.Max(avgLoss, lossGuard)
	return 100 - 100/(1+rs)
}

// Bollinger computes Bollinger Bands: mid = SMA(window),
// upper/lower = mid ± k·σ (population standard deviation).
// Valid from index window-1.
func Bollinger(closes []float64, window int, k float64) (upper, mid, lower []float64) {
	n := len(closes)
	upper, mid, lower = nanSeries(n), nanSeries(n), nanSeries(n)
	if window <= 0 || n < window {
		return upper, mid, lower
	}

	var sum, sumSq float64
	for i, v := range closes {
		sum += v
		sumSq += v * v
		if i >= window {
			old := closes[i-window]
			sum -= old
			sumSq -= old * old
		}
		if i >= window-1 {
			m := sum / float64(window)
			variance := sumSq/float64(window) - m*m
			if variance < 0 {
				variance = 0
			}
			sigma := math.Sqrt(variance)
			mid[i] = m
			upper[i] = m + k*sigma
			lower[i] = m - k*sigma
		}
	}
	return upper, mid, lower
}

// MACD computes the MACD line (fast EMA − slow EMA), its signal line
// (EMA of the line), and the histogram (line − signal).
// The line is valid from index slow-1, the signal and histogram from
// index slow-1+signalPeriod-1.
func MACD(closes []float64, fast, slow, signalPeriod int) (line, signal, hist []float64) {
	n := len(closes)
	line, signal, hist = nanSeries(n), nanSeries(n), nanSeries(n)
	if n < slow {
		return line, signal, hist
	}

	fastE := EMA(closes, fast)
	slowE := EMA(closes, slow)
	for i := slow - 1; i < n; i++ {
		line[i] = fastE[i] - slowE[i]
	}

	sigValid := EMA(line[slow-1:], signalPeriod)
	for i, v := range sigValid {
		idx := slow - 1 + i
		signal[idx] = v
		hist[idx] = line[idx] - v
	}
	return line, signal, hist
}

// ATR computes Wilder's Average True Range and its percent-of-close
// form (ATR/close × 100). Valid from index period.
func ATR(bars []types.Bar, period int) (atr, atrPct []float64) {
	n := len(bars)
	atr, atrPct = nanSeries(n), nanSeries(n)
	if period <= 0 || n < period+1 {
		return atr, atrPct
	}

	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	val := sum / float64(period)
	atr[period] = val

	for i := period + 1; i < n; i++ {
		val = (val*float64(period-1) + tr[i]) / float64(period)
		atr[i] = val
	}
	for i := period; i < n; i++ {
		if bars[i].Close != 0 {
			atrPct[i] = atr[i] / bars[i].Close * 100
		}
	}
	return atr, atrPct
}

// Stochastic computes the %K/%D oscillator:
// %K = 100·(close − minLow)/(maxHigh − minLow) over kPeriod,
// %D = SMA(%K, dPeriod). Flat windows yield the neutral 50.
// %K is valid from index kPeriod-1, %D from kPeriod-1+dPeriod-1.
func Stochastic(bars []types.Bar, kPeriod, dPeriod int) (k, d []float64) {
	n := len(bars)
	k, d = nanSeries(n), nanSeries(n)
	if kPeriod <= 0 || n < kPeriod {
		return k, d
	}

	for i := kPeriod - 1; i < n; i++ {
		lo, hi := bars[i].Low, bars[i].High
		for j := i - kPeriod + 1; j < i; j++ {
			lo = math.Min(lo, bars[j].Low)
			hi = math.Max(hi, bars[j].High)
		}
		if hi == lo {
			k[i] = 50
			continue
		}
		k[i] = 100 * (bars[i].Close - lo) / (hi - lo)
	}

	dValid := MA(k[kPeriod-1:], dPeriod)
	for i, v := range dValid {
		d[kPeriod-1+i] = v
	}
	return k, d
}

// ADX computes Wilder's Average Directional Index.
// Valid from index 2·period.
func ADX(bars []types.Bar, period int) []float64 {
	n := len(bars)
	out := nanSeries(n)
	if period <= 0 || n < 2*period+1 {
		return out
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))

		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothing of TR and DM, then DX, then ADX as the Wilder
	// average of DX.
	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	dx := nanSeries(n)
	dx[period] = dxValue(plusS, minusS, trS)
	for i := period + 1; i < n; i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		dx[i] = dxValue(plusS, minusS, trS)
	}

	sum := 0.0
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	adx := sum / float64(period)
	out[2*period] = adx
	for i := 2*period + 1; i < n; i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}

func dxValue(plusS, minusS, trS float64) float64 {
	if trS == 0 {
		return 0
	}
	plusDI := 100 * plusS / trS
	minusDI := 100 * minusS / trS
	if plusDI+minusDI == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

// VolumeRatio computes volume[i] / SMA(volume, window)[i].
// Valid from index window-1; zero average yields NaN.
func VolumeRatio(volumes []float64, window int) []float64 {
	out := nanSeries(len(volumes))
	avg := MA(volumes, window)
	for i := range volumes {
		if !math.IsNaN(avg[i]) && avg[i] != 0 {
			out[i] = volumes[i] / avg[i]
		}
	}
	return out
}

// Sanitize normalizes a series in place-order: ±Inf becomes NaN, finite
// values are clipped to [lo, hi], and NaN at or past warmup is replaced
// with the neutral fill. Indices before warmup keep their NaN so callers
// can still detect insufficient history.
func Sanitize(series []float64, warmup int, lo, hi, neutral float64) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		if !math.IsNaN(v) {
			if v < lo {
				v = lo
			}
			if v > hi {
				v = hi
			}
		} else if i >= warmup {
			v = neutral
		}
		out[i] = v
	}
	return out
}
