package marketdata

import (
	"math"

	"stocksim/internal/models"
)

// Technical indicators over in-memory bar windows.
//
// All series functions return slices aligned to the input; positions
// without a full lookback hold NaN. Callers treat NaN as "insufficient
// data" and record a no-action with reason instead of trading on it.

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA returns the n-period simple moving average of Close, aligned to bars.
func SMA(bars []models.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if n <= 0 || len(bars) == 0 {
		return out
	}
	var sum float64
	for i := range bars {
		sum += bars[i].Close
		if i >= n {
			sum -= bars[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the n-period exponential moving average of Close, seeded
// with the SMA of the first n closes.
func EMA(bars []models.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if n <= 0 || len(bars) < n {
		return out
	}
	var seed float64
	for i := 0; i < n; i++ {
		seed += bars[i].Close
	}
	seed /= float64(n)
	out[n-1] = seed
	k := 2.0 / float64(n+1)
	prev := seed
	for i := n; i < len(bars); i++ {
		prev = bars[i].Close*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's
// smoothing.
func RSI(bars []models.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if n <= 0 || len(bars) <= n {
		return out
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := bars[i].Close - bars[i-1].Close
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	out[n] = rsiValue(avgGain, avgLoss)
	for i := n + 1; i < len(bars); i++ {
		d := bars[i].Close - bars[i-1].Close
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		avgGain = (avgGain*float64(n-1) + up) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + down) / float64(n)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the n-period Average True Range with Wilder's smoothing.
func ATR(bars []models.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if n <= 0 || len(bars) <= n {
		return out
	}
	tr := func(i int) float64 {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		return math.Max(hl, math.Max(hc, lc))
	}
	var sum float64
	for i := 1; i <= n; i++ {
		sum += tr(i)
	}
	prev := sum / float64(n)
	out[n] = prev
	for i := n + 1; i < len(bars); i++ {
		prev = (prev*float64(n-1) + tr(i)) / float64(n)
		out[i] = prev
	}
	return out
}

// Donchian returns the n-period channel: highest high and lowest low over
// the trailing n bars (inclusive of the current bar).
func Donchian(bars []models.Bar, n int) (upper, lower []float64) {
	upper = nanSlice(len(bars))
	lower = nanSlice(len(bars))
	if n <= 0 || len(bars) < n {
		return upper, lower
	}
	for i := n - 1; i < len(bars); i++ {
		hi := bars[i].High
		lo := bars[i].Low
		for j := i - n + 1; j < i; j++ {
			hi = math.Max(hi, bars[j].High)
			lo = math.Min(lo, bars[j].Low)
		}
		upper[i] = hi
		lower[i] = lo
	}
	return upper, lower
}

// Bollinger returns the n-period middle band (SMA) with upper/lower bands
// k standard deviations away (population stdev, matching the classic
// definition).
func Bollinger(bars []models.Bar, n int, k float64) (mid, upper, lower []float64) {
	mid = SMA(bars, n)
	upper = nanSlice(len(bars))
	lower = nanSlice(len(bars))
	if n <= 1 || len(bars) < n {
		return mid, upper, lower
	}
	for i := n - 1; i < len(bars); i++ {
		m := mid[i]
		var ss float64
		for j := i - n + 1; j <= i; j++ {
			d := bars[j].Close - m
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(n))
		upper[i] = m + k*sd
		lower[i] = m - k*sd
	}
	return mid, upper, lower
}

// MACD returns the MACD line (EMA(fast)-EMA(slow)), its signal EMA and
// the histogram.
func MACD(bars []models.Bar, fast, slow, signal int) (macd, sig, hist []float64) {
	macd = nanSlice(len(bars))
	sig = nanSlice(len(bars))
	hist = nanSlice(len(bars))
	if fast <= 0 || slow <= fast || len(bars) < slow {
		return macd, sig, hist
	}
	emaFast := EMA(bars, fast)
	emaSlow := EMA(bars, slow)
	for i := slow - 1; i < len(bars); i++ {
		macd[i] = emaFast[i] - emaSlow[i]
	}
	// Signal: EMA of the MACD line, seeded with its first `signal` values.
	first := slow - 1
	if len(bars)-first < signal {
		return macd, sig, hist
	}
	var seed float64
	for i := first; i < first+signal; i++ {
		seed += macd[i]
	}
	seed /= float64(signal)
	idx := first + signal - 1
	sig[idx] = seed
	hist[idx] = macd[idx] - seed
	k := 2.0 / float64(signal+1)
	prev := seed
	for i := idx + 1; i < len(bars); i++ {
		prev = macd[i]*k + prev*(1-k)
		sig[i] = prev
		hist[i] = macd[i] - prev
	}
	return macd, sig, hist
}

// Stochastic returns %K over kPeriod and its dPeriod SMA (%D).
func Stochastic(bars []models.Bar, kPeriod, dPeriod int) (kOut, dOut []float64) {
	kOut = nanSlice(len(bars))
	dOut = nanSlice(len(bars))
	if kPeriod <= 0 || dPeriod <= 0 || len(bars) < kPeriod {
		return kOut, dOut
	}
	for i := kPeriod - 1; i < len(bars); i++ {
		hi := bars[i].High
		lo := bars[i].Low
		for j := i - kPeriod + 1; j < i; j++ {
			hi = math.Max(hi, bars[j].High)
			lo = math.Min(lo, bars[j].Low)
		}
		if hi == lo {
			kOut[i] = 50
		} else {
			kOut[i] = (bars[i].Close - lo) / (hi - lo) * 100
		}
	}
	for i := kPeriod + dPeriod - 2; i < len(bars); i++ {
		var sum float64
		ok := true
		for j := i - dPeriod + 1; j <= i; j++ {
			if math.IsNaN(kOut[j]) {
				ok = false
				break
			}
			sum += kOut[j]
		}
		if ok {
			dOut[i] = sum / float64(dPeriod)
		}
	}
	return kOut, dOut
}

// AvgVolume returns the mean volume of the trailing n bars, NaN when the
// window is short.
func AvgVolume(bars []models.Bar, n int) float64 {
	if n <= 0 || len(bars) < n {
		return math.NaN()
	}
	var sum float64
	for i := len(bars) - n; i < len(bars); i++ {
		sum += float64(bars[i].Volume)
	}
	return sum / float64(n)
}

// Last returns the final value of an aligned series, NaN when empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}
