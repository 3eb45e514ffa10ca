package backtest

import (
	"math"
	"time"

	"meanrevert-research/libs/store"
)

const secondsPerYear = 365.0 * 24 * 3600

// computeMetrics derives the fixed set of per-window metrics from
// sim.trades and sim.equitySamples.
func computeMetrics(sim *simulator, candles []store.Candle, cfg Config) store.WindowMetrics {
	finalEquity := cfg.InitialCapital
	if len(sim.equitySamples) > 0 {
		finalEquity = sim.equitySamples[len(sim.equitySamples)-1].equity
	}
	totalReturn := finalEquity/cfg.InitialCapital - 1

	elapsed := candles[len(candles)-1].CloseTime.Sub(candles[0].OpenTime).Seconds()
	annualized := annualize(totalReturn, elapsed)

	benchmarkReturn := candles[len(candles)-1].Close/candles[0].Close - 1
	annualizedBenchmark := annualize(benchmarkReturn, elapsed)
	alpha := annualized - annualizedBenchmark

	periodReturns := equityPeriodReturns(sim.equitySamples)
	sharpe := sharpeRatio(periodReturns, cfg.PeriodsPerYear)
	sortino := sortinoRatio(periodReturns, cfg.PeriodsPerYear)
	maxDD := maxDrawdown(sim.equitySamples)

	winRatio, profitFactor, avgDuration := tradeStats(sim.trades)

	return store.WindowMetrics{
		TotalReturn:      totalReturn,
		AnnualizedReturn: annualized,
		BenchmarkReturn:  benchmarkReturn,
		Alpha:            alpha,
		Sharpe:           sharpe,
		Sortino:          sortino,
		MaxDrawdown:      maxDD,
		WinRatio:         winRatio,
		TotalTrades:      len(sim.trades),
		ProfitFactor:     profitFactor,
		AvgTradeDuration: avgDuration,
		Consistency:      consistencyIndicator(totalReturn),
	}
}

// consistencyIndicator is 1 for a profitable window and 0 otherwise.
// Averaged across a parameter set's windows by walkforward.aggregate,
// this mean is exactly positive_window_ratio: the fraction of windows
// that closed with total_return > 0.
func consistencyIndicator(totalReturn float64) float64 {
	if totalReturn > 0 {
		return 1
	}
	return 0
}

func annualize(totalReturn float64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return math.Pow(1+totalReturn, secondsPerYear/elapsedSeconds) - 1
}

func equityPeriodReturns(samples []equitySample) []float64 {
	if len(samples) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].equity
		if prev == 0 {
			continue
		}
		returns = append(returns, samples[i].equity/prev-1)
	}
	return returns
}

func sharpeRatio(returns []float64, periodsPerYear float64) float64 {
	mean, std := meanStd(returns)
	if std < stabilityEps {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

func sortinoRatio(returns []float64, periodsPerYear float64) float64 {
	mean, _ := meanStd(returns)
	downside := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	_, downsideStd := meanStd(downside)
	if downsideStd < stabilityEps {
		return 0
	}
	return mean / downsideStd * math.Sqrt(periodsPerYear)
}

const stabilityEps = 1e-10
const profitFactorSentinel = 1e9

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	std = math.Sqrt(sumSq / float64(len(values)))
	return mean, std
}

func maxDrawdown(samples []equitySample) float64 {
	if len(samples) == 0 {
		return 0
	}
	peak := samples[0].equity
	maxDD := 0.0
	for _, s := range samples {
		if s.equity > peak {
			peak = s.equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - s.equity) / peak
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

func tradeStats(trades []store.Trade) (winRatio, profitFactor float64, avgDuration time.Duration) {
	if len(trades) == 0 {
		return 0, 0, 0
	}

	wins := 0
	var gains, losses float64
	var totalDuration time.Duration
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
			gains += t.PnL
		} else {
			losses += -t.PnL
		}
		totalDuration += t.CloseTime.Sub(t.OpenTime)
	}

	winRatio = float64(wins) / float64(len(trades))
	avgDuration = totalDuration / time.Duration(len(trades))

	if losses == 0 {
		if gains == 0 {
			profitFactor = 0
		} else {
			profitFactor = profitFactorSentinel
		}
	} else {
		profitFactor = gains / losses
	}
	return winRatio, profitFactor, avgDuration
}
