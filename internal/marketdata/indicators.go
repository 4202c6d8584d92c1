package marketdata

import "math"

// EMA returns the exponential moving average of values over period, seeded with the SMA of
// the first period values. ok is false when there is not enough data.
func EMA(values []float64, period int) (float64, bool) {
	series := emaSeries(values, period)
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	out := make([]float64, 0, len(values)-period+1)
	ema := sum / float64(period)
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// RSI is Wilder's relative strength index.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain, avgLoss := gain/float64(period), loss/float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// ATR is Wilder's average true range.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || n <= period || len(highs) != n || len(lows) != n {
		return 0, false
	}
	tr := func(i int) float64 {
		return math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr(i)
	}
	atr := sum / float64(period)
	for i := period + 1; i < n; i++ {
		atr = (atr*float64(period-1) + tr(i)) / float64(period)
	}
	return atr, true
}

// MACD returns the 12/26 MACD line, its 9 period signal and the histogram.
func MACD(closes []float64) (macd, signal, hist float64, ok bool) {
	fast := emaSeries(closes, 12)
	slow := emaSeries(closes, 26)
	if len(slow) == 0 {
		return 0, 0, 0, false
	}
	// Align the fast series with the slow one; both end at the last close.
	fast = fast[len(fast)-len(slow):]
	line := make([]float64, len(slow))
	for i := range slow {
		line[i] = fast[i] - slow[i]
	}
	sig, ok := EMA(line, 9)
	if !ok {
		return 0, 0, 0, false
	}
	macd = line[len(line)-1]
	return macd, sig, macd - sig, true
}

// Volatility is the standard deviation of log returns.
func Volatility(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)-1))
}
