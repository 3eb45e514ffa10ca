package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meanrevert-research/libs/store"
)

func tsAt(step int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(step) * time.Hour)
}

// buildSeries constructs a flat-price candle series with a z-score dip
// (and subsequent recovery) at dipStep, followed by an explicit post-entry
// price path.
func buildSeries(dipStep int, postEntryPrices []float64) ([]store.Candle, []store.Rating) {
	const n = 260
	candles := make([]store.Candle, 0, n)
	ratings := make([]store.Rating, 0, n)

	price := 100.0
	for step := 0; step < n; step++ {
		t := tsAt(step)
		rating := 1500.0
		if step == dipStep {
			rating = 1400.0 // strong negative z against a tight recent mean
		}

		p := price
		if step > dipStep && step-dipStep-1 < len(postEntryPrices) {
			p = postEntryPrices[step-dipStep-1]
		}

		candles = append(candles, store.Candle{
			Symbol: "BTCUSDT", OpenTime: t, CloseTime: t.Add(time.Hour),
			Open: p, High: p, Low: p, Close: p, Volume: 1,
		})
		ratings = append(ratings, store.Rating{Symbol: "BTCUSDT", Timestamp: t, Rating: rating})
	}
	return candles, ratings
}

func TestRunSingleWinningTradeTakesProfit(t *testing.T) {
	// Candles jump to 107, 110, 115 after entry at close 100; take-profit at +5%.
	candles, ratings := buildSeries(200, []float64{107, 110, 115})
	// Give the jump candles real high/low so TakeProfit triggers on the first one.
	for i := range candles {
		if candles[i].Close == 107 {
			candles[i].High = 107
			candles[i].Low = 100
		}
	}
	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}

	res := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(260), DefaultConfig())
	require.Equal(t, Success, res.Outcome)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	require.Equal(t, store.ExitTakeProfit, tr.ExitReason)
	require.InDelta(t, 100.0, tr.EntryPrice, 1e-9)
	require.InDelta(t, 0.05, tr.PnLPct, 1e-9)
	require.Equal(t, 1.0, res.Metrics.Consistency, "a profitable window must report Consistency = 1")
}

func TestRunSingleLosingTradeStopsOut(t *testing.T) {
	candles, ratings := buildSeries(200, []float64{99, 98, 97})
	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}

	res := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(260), DefaultConfig())
	require.Equal(t, Success, res.Outcome)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	require.Equal(t, store.ExitStopLoss, tr.ExitReason)
	require.LessOrEqual(t, tr.ExitPrice, 97.5+1e-9)
	require.InDelta(t, -0.025, tr.PnLPct, 1e-9)
	require.Equal(t, 0.0, res.Metrics.Consistency, "a losing window must report Consistency = 0")
}

func TestRunStopLossWinsOnSimultaneousHit(t *testing.T) {
	candles, ratings := buildSeries(200, nil)
	// The candle immediately after entry spans both the take-profit and
	// stop-loss thresholds in one bar.
	candles[201].High = 110
	candles[201].Low = 90
	candles[201].Close = 100

	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}
	res := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(260), DefaultConfig())

	require.Equal(t, Success, res.Outcome)
	require.Len(t, res.Trades, 1)
	require.Equal(t, store.ExitStopLoss, res.Trades[0].ExitReason, "StopLoss must win when both conditions fire in the same candle")
}

func TestRunClosesOpenPositionAtWindowEnd(t *testing.T) {
	candles, ratings := buildSeries(200, nil) // price stays flat; never hits TP or SL
	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}

	res := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(260), DefaultConfig())
	require.Equal(t, Success, res.Outcome)
	require.Len(t, res.Trades, 1)
	require.Equal(t, store.ExitWindowEnd, res.Trades[0].ExitReason)
}

func TestRunNeverHoldsMoreThanOnePositionAtATime(t *testing.T) {
	// Two separate dips; a second entry must not occur while the first
	// trade from the first dip is still open.
	const n = 400
	candles := make([]store.Candle, 0, n)
	ratings := make([]store.Rating, 0, n)
	price := 100.0
	for step := 0; step < n; step++ {
		t := tsAt(step)
		rating := 1500.0
		if step == 100 || step == 150 {
			rating = 1400.0
		}
		candles = append(candles, store.Candle{
			Symbol: "BTCUSDT", OpenTime: t, CloseTime: t.Add(time.Hour),
			Open: price, High: price, Low: price, Close: price, Volume: 1,
		})
		ratings = append(ratings, store.Rating{Symbol: "BTCUSDT", Timestamp: t, Rating: rating})
	}
	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}

	res := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(n), DefaultConfig())
	require.Equal(t, Success, res.Outcome)
	require.LessOrEqual(t, len(res.Trades), 2)
	for i := 1; i < len(res.Trades); i++ {
		require.False(t, res.Trades[i].OpenTime.Before(res.Trades[i-1].CloseTime), "a new position must not open before the prior one closed")
	}
}

func TestRunIsDeterministic(t *testing.T) {
	candles, ratings := buildSeries(200, []float64{107, 110, 115})
	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}

	r1 := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(260), DefaultConfig())
	r2 := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(260), DefaultConfig())
	require.Equal(t, r1.Metrics, r2.Metrics)
	require.Equal(t, r1.Trades, r2.Trades)
}

func TestRunTooFewCandlesIsInsufficientData(t *testing.T) {
	candles := []store.Candle{{Symbol: "BTCUSDT", OpenTime: tsAt(0), CloseTime: tsAt(1), Open: 1, High: 1, Low: 1, Close: 1}}
	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}

	res := Run("BTCUSDT", candles, nil, params, tsAt(0), tsAt(1), DefaultConfig())
	require.Equal(t, InsufficientDataOutcome, res.Outcome)
}

func TestRunNonFinitePriceIsFailed(t *testing.T) {
	candles, ratings := buildSeries(200, nil)
	candles[5].Close = math.NaN()

	params := store.ParameterSet{ZScoreThreshold: 2.5, MAPeriod: 50, ProfitPct: 5.0, StopLossPct: 2.5}
	res := Run("BTCUSDT", candles, ratings, params, tsAt(0), tsAt(260), DefaultConfig())
	require.Equal(t, Failed, res.Outcome)
}

func TestSnapQuantityFloorsToLotStep(t *testing.T) {
	require.InDelta(t, 1.2300, snapQuantity(1.2349, 0.01), 1e-9)
	require.InDelta(t, 0, snapQuantity(0.004, 0.01), 1e-9)
}
