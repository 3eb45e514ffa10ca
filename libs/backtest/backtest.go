// Package backtest implements C3: simulating the mean-reversion strategy
// over exactly one (symbol, window, params) invocation. It wraps
// libs/kernel's sliding z-score computation in a thin, deterministic
// runner producing a typed result for a single-symbol equity-curve sim
// under the fixed z-score entry/exit rule.
package backtest

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"meanrevert-research/libs/errkind"
	"meanrevert-research/libs/kernel"
	"meanrevert-research/libs/store"
)

// Config holds the fixed, non-parameter-swept knobs of a single run.
type Config struct {
	InitialCapital float64 // default 10_000
	FeeFraction    float64 // symmetric, applied at entry and exit; default 0
	LotStep        float64 // quantity snapping granularity; default 0.0001
	MinNotional    float64 // minimum entry notional; default 10
	PeriodsPerYear float64 // for sharpe/sortino annualization; default 365 (daily equity samples)
}

// DefaultConfig holds the standard non-swept run defaults.
func DefaultConfig() Config {
	return Config{
		InitialCapital: 10_000,
		FeeFraction:    0,
		LotStep:        0.0001,
		MinNotional:    10,
		PeriodsPerYear: 365,
	}
}

// Outcome tags how a Run invocation concluded: a window can fail to
// produce a result without that being a program error.
type Outcome int

const (
	unknownOutcome Outcome = iota
	Success
	InsufficientDataOutcome
	Failed
)

// Result is everything C4 needs from one C3 invocation.
type Result struct {
	Outcome Outcome
	Err     error
	Trades  []store.Trade
	Metrics store.WindowMetrics
}

// Run simulates params over candles (ordered ascending by OpenTime) and
// the z-score series derived from ratings (ordered ascending by
// Timestamp) within [start, end). candles and ratings may span slightly
// beyond the window; Run filters internally.
func Run(symbol string, candles []store.Candle, ratings []store.Rating, params store.ParameterSet, start, end time.Time, cfg Config) Result {
	winCandles := filterCandles(candles, start, end)
	if len(winCandles) < 2 {
		return insufficientData(errInsufficientCandles(len(winCandles)))
	}

	winRatings := filterRatings(ratings, start, end)
	points := make([]kernel.Point, len(winRatings))
	for i, r := range winRatings {
		points[i] = kernel.Point{Timestamp: r.Timestamp.UnixNano(), Value: r.Rating}
	}

	zres, err := kernel.ComputeWindowMetrics(points, params.MAPeriod)
	if err != nil {
		if errkind.Of(err) == errkind.InsufficientData {
			return insufficientData(err)
		}
		return Result{Outcome: Failed, Err: err}
	}

	// zres is aligned to winRatings[window-1:]; build a lookup from rating
	// timestamp to its z-score for the simulation loop below.
	zAt := make(map[int64]float64, len(zres.ZScore))
	for i, z := range zres.ZScore {
		ratingIdx := i + params.MAPeriod - 1
		zAt[winRatings[ratingIdx].Timestamp.UnixNano()] = z
	}

	sim := newSimulator(symbol, params, cfg)
	for _, c := range winCandles {
		if math.IsNaN(c.Open) || math.IsNaN(c.High) || math.IsNaN(c.Low) || math.IsNaN(c.Close) {
			return Result{Outcome: Failed, Err: errNonFiniteCandle(c)}
		}
		sim.onCandle(c)

		if z, ok := lookupZScore(zAt, winRatings, c); ok {
			sim.onZScore(z, c)
		}
	}
	sim.closeAtWindowEnd(winCandles[len(winCandles)-1], end)

	metrics := computeMetrics(sim, winCandles, cfg)
	return Result{Outcome: Success, Trades: sim.trades, Metrics: metrics}
}

func lookupZScore(zAt map[int64]float64, ratings []store.Rating, c store.Candle) (float64, bool) {
	// A rating is "at or just before" c.OpenTime: find the latest rating
	// timestamp not after the candle open.
	idx := sort.Search(len(ratings), func(i int) bool { return ratings[i].Timestamp.After(c.OpenTime) }) - 1
	if idx < 0 {
		return 0, false
	}
	z, ok := zAt[ratings[idx].Timestamp.UnixNano()]
	return z, ok
}

func insufficientData(err error) Result {
	return Result{Outcome: InsufficientDataOutcome, Err: errkind.New(errkind.InsufficientData, err)}
}

func filterCandles(candles []store.Candle, start, end time.Time) []store.Candle {
	var out []store.Candle
	for _, c := range candles {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	return out
}

func filterRatings(ratings []store.Rating, start, end time.Time) []store.Rating {
	var out []store.Rating
	for _, r := range ratings {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out
}

// simulator holds the single-position entry/exit state machine.
type simulator struct {
	symbol string
	params store.ParameterSet
	cfg    Config

	cash     float64
	position *openPosition
	trades   []store.Trade

	equitySamples []equitySample
	lastSampleDay string
}

type openPosition struct {
	entryTime  time.Time
	entryPrice float64
	quantity   float64
}

type equitySample struct {
	t      time.Time
	equity float64
}

func newSimulator(symbol string, params store.ParameterSet, cfg Config) *simulator {
	return &simulator{symbol: symbol, params: params, cfg: cfg, cash: cfg.InitialCapital}
}

// onCandle evaluates exits (TakeProfit / StopLoss, StopLoss wins ties)
// and records a daily equity sample.
func (s *simulator) onCandle(c store.Candle) {
	if s.position != nil {
		entry := s.position.entryPrice
		takeProfitPrice := entry * (1 + s.params.ProfitPct/100)
		stopPrice := entry * (1 - s.params.StopLossPct/100)

		hitStop := c.Low <= stopPrice
		hitTakeProfit := c.High >= takeProfitPrice

		switch {
		case hitStop:
			s.closePosition(c.CloseTime, stopPrice, store.ExitStopLoss)
		case hitTakeProfit:
			s.closePosition(c.CloseTime, takeProfitPrice, store.ExitTakeProfit)
		}
	}

	s.sampleEquity(c.CloseTime, c.Close)
}

// onZScore evaluates entry on the z-score aligned to this candle.
func (s *simulator) onZScore(z float64, c store.Candle) {
	if s.position != nil {
		return
	}
	if z > -s.params.ZScoreThreshold {
		return
	}

	entryPrice := c.Close
	notional := s.cash
	quantity := snapQuantity(notional/entryPrice, s.cfg.LotStep)
	if quantity <= 0 || quantity*entryPrice < s.cfg.MinNotional {
		return
	}

	fee := quantity * entryPrice * s.cfg.FeeFraction
	s.cash -= quantity*entryPrice + fee
	s.position = &openPosition{entryTime: c.OpenTime, entryPrice: entryPrice, quantity: quantity}
}

func (s *simulator) closePosition(t time.Time, exitPrice float64, reason store.ExitReason) {
	p := s.position
	s.position = nil

	fee := p.quantity * exitPrice * s.cfg.FeeFraction
	proceeds := p.quantity*exitPrice - fee
	s.cash += proceeds

	cost := p.quantity * p.entryPrice
	pnl := proceeds - cost
	pnlPct := 0.0
	if cost > 0 {
		pnlPct = pnl / cost
	}

	s.trades = append(s.trades, store.Trade{
		OpenTime:   p.entryTime,
		CloseTime:  t,
		EntryPrice: p.entryPrice,
		ExitPrice:  exitPrice,
		Quantity:   p.quantity,
		ExitReason: reason,
		PnL:        pnl,
		PnLPct:     pnlPct,
	})
}

func (s *simulator) closeAtWindowEnd(lastCandle store.Candle, windowEnd time.Time) {
	if s.position == nil {
		return
	}
	s.closePosition(windowEnd, lastCandle.Close, store.ExitWindowEnd)
}

func (s *simulator) sampleEquity(t time.Time, lastPrice float64) {
	equity := s.cash
	if s.position != nil {
		equity += s.position.quantity * lastPrice
	}
	day := t.UTC().Format("2006-01-02")
	if day == s.lastSampleDay && len(s.equitySamples) > 0 {
		s.equitySamples[len(s.equitySamples)-1] = equitySample{t: t, equity: equity}
		return
	}
	s.lastSampleDay = day
	s.equitySamples = append(s.equitySamples, equitySample{t: t, equity: equity})
}

// snapQuantity floors notional/step to a multiple of step.
func snapQuantity(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	snapped := q.Div(s).Floor().Mul(s)
	f, _ := snapped.Float64()
	return f
}
