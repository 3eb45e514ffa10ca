package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"meanrevert-research/libs/errkind"
)

// MemoryStore is an in-process, mutex-guarded implementation of all five
// logical store interfaces, backed by plain maps of slices. Used by
// package tests in libs/ingest, libs/walkforward, and libs/optimizer,
// and by cmd/research when no database DSN is given, in place of a live
// Postgres instance.
type MemoryStore struct {
	mu      sync.RWMutex
	candles map[string][]Candle
	ratings map[string][]Rating
	runs    []BacktestRun
	trades  map[string][]Trade
	metrics map[string]*paramMetrics // fingerprint -> params + per-window metrics
}

// paramMetrics groups every window's metrics persisted for one parameter
// set, keyed by fingerprint in MemoryStore.metrics.
type paramMetrics struct {
	params  ParameterSet
	windows map[string]WindowMetrics
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles: make(map[string][]Candle),
		ratings: make(map[string][]Rating),
		trades:  make(map[string][]Trade),
		metrics: make(map[string]*paramMetrics),
	}
}

func (m *MemoryStore) Candles() CandleStore   { return memCandleAdapter{m} }
func (m *MemoryStore) Ratings() RatingStore   { return memRatingAdapter{m} }
func (m *MemoryStore) Runs() RunStore         { return memRunAdapter{m} }
func (m *MemoryStore) Trades() TradeStore     { return memTradeAdapter{m} }
func (m *MemoryStore) Metrics() MetricsStore  { return memMetricsAdapter{m} }

// SeedRatings installs a rating series for symbol directly, bypassing the
// insert path (ratings have no ingest contract of their own; they are
// produced upstream).
func (m *MemoryStore) SeedRatings(symbol string, ratings []Rating) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]Rating(nil), ratings...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
	m.ratings[symbol] = cp
}

type memCandleAdapter struct{ m *MemoryStore }

func (a memCandleAdapter) InsertMany(_ context.Context, candles []Candle) (int, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	inserted := 0
	for _, c := range candles {
		existing := a.m.candles[c.Symbol]
		dup := false
		for _, e := range existing {
			if e.OpenTime.Equal(c.OpenTime) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		a.m.candles[c.Symbol] = append(a.m.candles[c.Symbol], c)
		inserted++
	}
	for sym := range a.m.candles {
		sort.Slice(a.m.candles[sym], func(i, j int) bool {
			return a.m.candles[sym][i].OpenTime.Before(a.m.candles[sym][j].OpenTime)
		})
	}
	return inserted, nil
}

func (a memCandleAdapter) Query(_ context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	var out []Candle
	for _, c := range a.m.candles[symbol] {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

type memRatingAdapter struct{ m *MemoryStore }

func (a memRatingAdapter) Query(_ context.Context, symbol string, start, end time.Time) ([]Rating, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	var out []Rating
	for _, r := range a.m.ratings[symbol] {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (a memRatingAdapter) Summarize(_ context.Context, symbol string) (RatingSummary, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	series := a.m.ratings[symbol]
	if len(series) == 0 {
		return RatingSummary{}, errkind.New(errkind.InsufficientData, errNoRatings(symbol))
	}
	return RatingSummary{
		MinTimestamp: series[0].Timestamp,
		MaxTimestamp: series[len(series)-1].Timestamp,
		Count:        int64(len(series)),
	}, nil
}

type memRunAdapter struct{ m *MemoryStore }

func (a memRunAdapter) Create(_ context.Context, run BacktestRun) (string, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.runs = append(a.m.runs, run)
	return run.ID, nil
}

func (a memRunAdapter) ListByParams(_ context.Context, params ParameterSet, base, quote string) ([]BacktestRun, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	var out []BacktestRun
	for _, r := range a.m.runs {
		if r.Base == base && r.Quote == quote && r.Params == params {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memTradeAdapter struct{ m *MemoryStore }

func (a memTradeAdapter) InsertMany(_ context.Context, trades []Trade) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	for _, t := range trades {
		a.m.trades[t.RunID] = append(a.m.trades[t.RunID], t)
	}
	return nil
}

func (a memTradeAdapter) Query(_ context.Context, runID string) ([]Trade, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()
	return append([]Trade(nil), a.m.trades[runID]...), nil
}

type memMetricsAdapter struct{ m *MemoryStore }

func (a memMetricsAdapter) Upsert(_ context.Context, params ParameterSet, windowKey string, metrics WindowMetrics) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	fp := params.Fingerprint()
	entry := a.m.metrics[fp]
	if entry == nil {
		entry = &paramMetrics{params: params, windows: make(map[string]WindowMetrics)}
		a.m.metrics[fp] = entry
	}
	entry.windows[windowKey] = metrics
	return nil
}

func (a memMetricsAdapter) TopN(_ context.Context, objective string, n int, _ map[string]string) ([]RankedResult, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()

	var all []RankedResult
	for _, entry := range a.m.metrics {
		for wk, metrics := range entry.windows {
			obj, ok := objectiveValue(objective, metrics)
			if !ok {
				continue
			}
			all = append(all, RankedResult{
				Params:    entry.params,
				WindowKey: wk,
				Metrics:   metrics,
				Objective: obj,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Objective > all[j].Objective })
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}

func (a memMetricsAdapter) HasResult(_ context.Context, params ParameterSet) (bool, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()
	_, ok := a.m.metrics[params.Fingerprint()]
	return ok, nil
}

func objectiveValue(objective string, m WindowMetrics) (float64, bool) {
	switch objective {
	case "alpha":
		return m.Alpha, true
	case "sharpe":
		return m.Sharpe, true
	case "annualized_return":
		return m.AnnualizedReturn, true
	default:
		return 0, false
	}
}
