// Package store defines the logical persistence contracts for candles,
// ratings, backtest runs, trades, and window metrics, plus a Postgres
// implementation of each. Callers in libs/backtest, libs/walkforward, and
// libs/optimizer depend only on the interfaces in this package; the
// relational schema itself is an external collaborator per the system's
// scope.
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Candle is one fixed-interval OHLCV bar for a symbol. Immutable once
// ingested; (Symbol, OpenTime) is the uniqueness key.
type Candle struct {
	Symbol         string
	OpenTime       time.Time
	CloseTime      time.Time
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	QuoteVolume    float64
	TradeCount     int64
	TakerBuyBase   float64
	TakerBuyQuote  float64
}

// Rating is a per-asset skill-like score at a point in time, produced
// upstream and treated here as an opaque time series input to the
// z-score kernel. (Symbol, Timestamp) is the uniqueness key.
type Rating struct {
	Symbol           string
	Timestamp        time.Time
	Rating           float64
	RatingDeviation  float64
	Volatility       float64
	PerformanceScore float64
}

// RatingSummary answers "what range of ratings do we have for symbol".
type RatingSummary struct {
	MinTimestamp time.Time
	MaxTimestamp time.Time
	Count        int64
}

// ParameterSet is the four-dimensional tuple the optimizer searches over.
// Equality is exact on all four fields; Fingerprint is the canonical
// six-decimal encoding used as a dedupe key.
type ParameterSet struct {
	ZScoreThreshold float64
	MAPeriod        int
	ProfitPct       float64
	StopLossPct     float64
}

// Fingerprint returns a canonical fixed-decimal encoding of p (six
// decimal places per float field), suitable as a map key or a persisted
// dedupe key. Unlike a hash, it is human-diffable. It is lossless for
// values with at most six decimal places, which is what the optimizer's
// step snapping produces; tuples that differ only beyond the sixth
// decimal share a fingerprint.
func (p ParameterSet) Fingerprint() string {
	return strings.Join([]string{
		formatFixed(p.ZScoreThreshold),
		strconv.Itoa(p.MAPeriod),
		formatFixed(p.ProfitPct),
		formatFixed(p.StopLossPct),
	}, "|")
}

func formatFixed(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// BacktestRun is one (params, window) backtest invocation, owned by the
// walk-forward driver.
type BacktestRun struct {
	ID             string
	Symbol         string
	Base           string
	Quote          string
	Params         ParameterSet
	StartTime      time.Time
	EndTime        time.Time
	WindowSizeMo   int
	CreatedAt      time.Time
}

// ExitReason classifies why a Trade was closed.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TakeProfit"
	ExitStopLoss   ExitReason = "StopLoss"
	ExitWindowEnd  ExitReason = "WindowEnd"
)

// Trade is a single closed long position.
type Trade struct {
	RunID      string
	OpenTime   time.Time
	CloseTime  time.Time
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	ExitReason ExitReason
	PnL        float64
	PnLPct     float64
}

// WindowMetrics is the fixed set of per-window performance numbers
// produced by a single backtest invocation.
type WindowMetrics struct {
	TotalReturn      float64
	AnnualizedReturn float64
	BenchmarkReturn  float64
	Alpha            float64
	Sharpe           float64
	Sortino          float64
	MaxDrawdown      float64
	WinRatio         float64
	TotalTrades      int
	ProfitFactor     float64
	AvgTradeDuration time.Duration
	Consistency      float64
}

// AggregateMetrics holds the mean and standard deviation of each
// WindowMetrics field across a set of windows for one parameter set.
type AggregateMetrics struct {
	Mean WindowMetrics
	Std  WindowMetrics
}

// ProgressState tracks resumable progress of a long-running chunked
// operation (ingest per-symbol download, or an optimizer sweep).
type ProgressState struct {
	TaskKey           string
	CompletedChunks   int
	TotalChunks       int
	LastCompletedTime time.Time
	CumulativeRecords int64
	StartedAt         time.Time
}

func (p ProgressState) String() string {
	return fmt.Sprintf("%s: %d/%d chunks, %d records, last=%s",
		p.TaskKey, p.CompletedChunks, p.TotalChunks, p.CumulativeRecords, p.LastCompletedTime.Format(time.RFC3339))
}
