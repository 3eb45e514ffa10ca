// Package walkforward implements C4: splitting a global [start, end) range
// into overlapping windows, invoking the backtest simulator (C3) once per
// window, and aggregating the resulting metrics for one parameter set
// using a sliding window-size/step rule with plain per-metric mean/std
// aggregation.
package walkforward

import (
	"context"
	"fmt"
	"math"
	"time"

	"meanrevert-research/libs/backtest"
	"meanrevert-research/libs/errkind"
	"meanrevert-research/libs/store"
)

// Config defines a single walk-forward run for one (symbol, params) pair.
type Config struct {
	Symbol      string
	Base        string
	Quote       string
	Params      store.ParameterSet
	FullStart   time.Time
	FullEnd     time.Time
	WindowSize  time.Duration // default: months converted by caller
	Step        time.Duration // default: WindowSize / 2
	BacktestCfg backtest.Config
}

// Window describes one [Start, End) slice of the full range.
type Window struct {
	Index int
	Start time.Time
	End   time.Time
}

// WindowResult holds one window's backtest outcome.
type WindowResult struct {
	Window
	Outcome backtest.Outcome
	Err     error
	Trades  []store.Trade
	Metrics store.WindowMetrics
}

// Result is the aggregate output of a walk-forward run.
type Result struct {
	Config  Config
	Windows []WindowResult

	Aggregate            store.AggregateMetrics
	PositiveWindowRatio  float64
	EvaluatedWindowCount int
	SkippedWindowCount   int
}

// Engine runs C4 against a pair of read-only candle/rating stores.
type Engine struct {
	candles store.CandleStore
	ratings store.RatingStore
}

// New constructs an Engine from its explicitly-owned collaborators.
func New(candles store.CandleStore, ratings store.RatingStore) *Engine {
	return &Engine{candles: candles, ratings: ratings}
}

// Run executes every window of cfg in sequence, invoking C3 for each and
// aggregating the results. A window whose C3 invocation returns
// InsufficientData is recorded and skipped, not treated as fatal.
func (e *Engine) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("walkforward: window size must be positive")
	}
	if cfg.Step <= 0 {
		cfg.Step = cfg.WindowSize / 2
	}

	windows := buildWindows(cfg.FullStart, cfg.FullEnd, cfg.WindowSize, cfg.Step)
	if len(windows) == 0 {
		return nil, fmt.Errorf("walkforward: range too short to form a single window of size %v", cfg.WindowSize)
	}

	candles, err := e.candles.Query(ctx, cfg.Symbol, cfg.FullStart, cfg.FullEnd)
	if err != nil {
		return nil, fmt.Errorf("walkforward: query candles: %w", err)
	}
	ratings, err := e.ratings.Query(ctx, cfg.Symbol, cfg.FullStart, cfg.FullEnd)
	if err != nil {
		return nil, fmt.Errorf("walkforward: query ratings: %w", err)
	}

	result := &Result{Config: cfg}
	var metricsForAgg []store.WindowMetrics

	for _, w := range windows {
		res := backtest.Run(cfg.Symbol, candles, ratings, cfg.Params, w.Start, w.End, cfg.BacktestCfg)
		wr := WindowResult{Window: w, Outcome: res.Outcome, Err: res.Err, Trades: res.Trades, Metrics: res.Metrics}
		result.Windows = append(result.Windows, wr)

		switch res.Outcome {
		case backtest.Success:
			result.EvaluatedWindowCount++
			metricsForAgg = append(metricsForAgg, res.Metrics)
			if res.Metrics.TotalReturn > 0 {
				result.PositiveWindowRatio++
			}
		default:
			result.SkippedWindowCount++
			if errkind.Of(res.Err) != errkind.InsufficientData {
				return nil, fmt.Errorf("walkforward: window %d: %w", w.Index, res.Err)
			}
		}
	}

	if result.EvaluatedWindowCount == 0 {
		return nil, fmt.Errorf("walkforward: all %d windows were insufficient-data", len(windows))
	}

	result.PositiveWindowRatio /= float64(result.EvaluatedWindowCount)
	result.Aggregate = aggregate(metricsForAgg)
	return result, nil
}

// buildWindows generates [start+i*step, start+i*step+size) windows while
// the interval fits within [fullStart, fullEnd).
func buildWindows(fullStart, fullEnd time.Time, size, step time.Duration) []Window {
	var windows []Window
	for i := 0; ; i++ {
		wStart := fullStart.Add(time.Duration(i) * step)
		wEnd := wStart.Add(size)
		if wEnd.After(fullEnd) {
			break
		}
		windows = append(windows, Window{Index: i, Start: wStart, End: wEnd})
	}
	return windows
}

// aggregate computes the mean and population standard deviation of each
// WindowMetrics field across ms.
func aggregate(ms []store.WindowMetrics) store.AggregateMetrics {
	n := float64(len(ms))
	if n == 0 {
		return store.AggregateMetrics{}
	}

	field := func(f func(store.WindowMetrics) float64) (mean, std float64) {
		var sum float64
		for _, m := range ms {
			sum += f(m)
		}
		mean = sum / n
		var sumSq float64
		for _, m := range ms {
			d := f(m) - mean
			sumSq += d * d
		}
		std = math.Sqrt(sumSq / n)
		return mean, std
	}

	meanTR, stdTR := field(func(m store.WindowMetrics) float64 { return m.TotalReturn })
	meanAR, stdAR := field(func(m store.WindowMetrics) float64 { return m.AnnualizedReturn })
	meanBR, stdBR := field(func(m store.WindowMetrics) float64 { return m.BenchmarkReturn })
	meanAlpha, stdAlpha := field(func(m store.WindowMetrics) float64 { return m.Alpha })
	meanSharpe, stdSharpe := field(func(m store.WindowMetrics) float64 { return m.Sharpe })
	meanSortino, stdSortino := field(func(m store.WindowMetrics) float64 { return m.Sortino })
	meanDD, stdDD := field(func(m store.WindowMetrics) float64 { return m.MaxDrawdown })
	meanWR, stdWR := field(func(m store.WindowMetrics) float64 { return m.WinRatio })
	meanPF, stdPF := field(func(m store.WindowMetrics) float64 { return m.ProfitFactor })
	meanTrades, stdTrades := field(func(m store.WindowMetrics) float64 { return float64(m.TotalTrades) })
	meanDur, stdDur := field(func(m store.WindowMetrics) float64 { return float64(m.AvgTradeDuration) })
	// Consistency is 1/0 per window (see backtest.consistencyIndicator);
	// its mean across windows is exactly positive_window_ratio, matching
	// result.PositiveWindowRatio above.
	meanCons, stdCons := field(func(m store.WindowMetrics) float64 { return m.Consistency })

	return store.AggregateMetrics{
		Mean: store.WindowMetrics{
			TotalReturn: meanTR, AnnualizedReturn: meanAR, BenchmarkReturn: meanBR, Alpha: meanAlpha,
			Sharpe: meanSharpe, Sortino: meanSortino, MaxDrawdown: meanDD, WinRatio: meanWR,
			ProfitFactor: meanPF, TotalTrades: int(meanTrades), AvgTradeDuration: time.Duration(meanDur),
			Consistency: meanCons,
		},
		Std: store.WindowMetrics{
			TotalReturn: stdTR, AnnualizedReturn: stdAR, BenchmarkReturn: stdBR, Alpha: stdAlpha,
			Sharpe: stdSharpe, Sortino: stdSortino, MaxDrawdown: stdDD, WinRatio: stdWR,
			ProfitFactor: stdPF, TotalTrades: int(stdTrades), AvgTradeDuration: time.Duration(stdDur),
			Consistency: stdCons,
		},
	}
}
