// Package indicator derives the technical indicator set from a close-price
// series. Everything here is pure and synchronous.
package indicator

import (
	"fmt"
	"math"

	"github.com/camuig/crypto-trader/internal/trading"
)

// MinHistory is the number of closes needed for the 50-period average.
const MinHistory = 50

const (
	rsiPeriod  = 14
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// Compute returns the indicator set for closes, oldest first.
func Compute(closes []float64) (trading.IndicatorSet, error) {
	if len(closes) < MinHistory {
		return trading.IndicatorSet{}, fmt.Errorf("%w: have %d closes, need %d",
			trading.ErrInsufficientHistory, len(closes), MinHistory)
	}

	set := trading.IndicatorSet{
		RSI:  RSI(closes, rsiPeriod),
		MACD: MACD(closes, macdFast, macdSlow, macdSignal),
		MA5:  SMA(closes, 5),
		MA20: SMA(closes, 20),
		MA50: SMA(closes, 50),
	}

	if set.MA20 > 0 {
		set.Volatility = stddev(closes[len(closes)-20:], set.MA20) / set.MA20 * 100
	}
	set.TrendScore = trendScore(set, closes[len(closes)-1])
	return set, nil
}

// SMA is the simple average of the last period closes.
func SMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	var sum float64
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

// RSI uses Wilder smoothing. Short series read as neutral (50).
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns DIF, DEA and the histogram (DIF-DEA)*2 at the last close.
func MACD(closes []float64, fast, slow, signal int) trading.MACD {
	if len(closes) < slow+signal {
		return trading.MACD{}
	}
	emaFast := ema(closes, fast)
	emaSlow := ema(closes, slow)

	dif := make([]float64, len(closes))
	for i := range closes {
		dif[i] = emaFast[i] - emaSlow[i]
	}
	dea := ema(dif, signal)

	last := len(closes) - 1
	return trading.MACD{
		DIF:       dif[last],
		DEA:       dea[last],
		Histogram: (dif[last] - dea[last]) * 2,
	}
}

func ema(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if len(data) == 0 {
		return out
	}
	k := 2 / float64(period+1)
	out[0] = data[0]
	for i := 1; i < len(data); i++ {
		out[i] = data[i]*k + out[i-1]*(1-k)
	}
	return out
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func stddev(values []float64, mean float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// trendScore: 40 for stacked averages, 20 each for price above MA5,
// positive histogram and RSI in the 30-70 band.
func trendScore(set trading.IndicatorSet, last float64) int {
	score := 0
	if set.MA5 > set.MA20 && set.MA20 > set.MA50 {
		score += 40
	}
	if last > set.MA5 {
		score += 20
	}
	if set.MACD.Histogram > 0 {
		score += 20
	}
	if set.RSI > 30 && set.RSI < 70 {
		score += 20
	}
	return score
}
