package store

import (
	"context"
	"time"
)

// Each logical store interface names its methods after its own contract
// (InsertMany, Query, ...), but a single Postgres connection
// naturally implements all five contracts and some method names collide
// across interfaces with different signatures (CandleStore.Query vs.
// RatingStore.Query, CandleStore.InsertMany vs. TradeStore.InsertMany).
// These thin adapters give PostgresStore's uniquely-named methods the
// exact interface shape each consumer expects.

// Candles returns a CandleStore view over s.
func (s *PostgresStore) Candles() CandleStore { return candleAdapter{s} }

// Ratings returns a RatingStore view over s.
func (s *PostgresStore) Ratings() RatingStore { return ratingAdapter{s} }

// Runs returns a RunStore view over s.
func (s *PostgresStore) Runs() RunStore { return runAdapter{s} }

// Trades returns a TradeStore view over s.
func (s *PostgresStore) Trades() TradeStore { return tradeAdapter{s} }

// Metrics returns a MetricsStore view over s.
func (s *PostgresStore) Metrics() MetricsStore { return metricsAdapter{s} }

type candleAdapter struct{ s *PostgresStore }

func (a candleAdapter) InsertMany(ctx context.Context, candles []Candle) (int, error) {
	return a.s.InsertCandles(ctx, candles)
}
func (a candleAdapter) Query(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	return a.s.QueryCandles(ctx, symbol, start, end)
}

type ratingAdapter struct{ s *PostgresStore }

func (a ratingAdapter) Query(ctx context.Context, symbol string, start, end time.Time) ([]Rating, error) {
	return a.s.QueryRatings(ctx, symbol, start, end)
}
func (a ratingAdapter) Summarize(ctx context.Context, symbol string) (RatingSummary, error) {
	return a.s.Summarize(ctx, symbol)
}

type runAdapter struct{ s *PostgresStore }

func (a runAdapter) Create(ctx context.Context, run BacktestRun) (string, error) {
	return a.s.CreateRun(ctx, run)
}
func (a runAdapter) ListByParams(ctx context.Context, params ParameterSet, base, quote string) ([]BacktestRun, error) {
	return a.s.ListRunsByParams(ctx, params, base, quote)
}

type tradeAdapter struct{ s *PostgresStore }

func (a tradeAdapter) InsertMany(ctx context.Context, trades []Trade) error {
	return a.s.InsertTrades(ctx, trades)
}
func (a tradeAdapter) Query(ctx context.Context, runID string) ([]Trade, error) {
	return a.s.QueryTrades(ctx, runID)
}

type metricsAdapter struct{ s *PostgresStore }

func (a metricsAdapter) Upsert(ctx context.Context, params ParameterSet, windowKey string, metrics WindowMetrics) error {
	return a.s.UpsertMetrics(ctx, params, windowKey, metrics)
}
func (a metricsAdapter) TopN(ctx context.Context, objective string, n int, filters map[string]string) ([]RankedResult, error) {
	return a.s.TopN(ctx, objective, n, filters)
}
func (a metricsAdapter) HasResult(ctx context.Context, params ParameterSet) (bool, error) {
	return a.s.HasResult(ctx, params)
}
