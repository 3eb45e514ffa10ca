package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements CandleStore, RatingStore, RunStore, TradeStore,
// and MetricsStore against a single Postgres connection pool. Candle
// inserts use a prepared statement with ON CONFLICT DO NOTHING, since the
// candle contract is skip-duplicates; metrics upserts overwrite an
// existing (fingerprint, window_key) row with ON CONFLICT DO UPDATE.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-connected *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertCandleQuery = `
	INSERT INTO candles (
		symbol, open_time, close_time, open, high, low, close,
		volume, quote_volume, trade_count, taker_buy_base, taker_buy_quote
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (symbol, open_time) DO NOTHING
`

func (s *PostgresStore) InsertCandles(ctx context.Context, candles []Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin candle insert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, insertCandleQuery)
	if err != nil {
		return 0, fmt.Errorf("store: prepare candle insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx,
			c.Symbol, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.TradeCount, c.TakerBuyBase, c.TakerBuyQuote,
		)
		if err != nil {
			return inserted, fmt.Errorf("store: insert candle %s@%s: %w", c.Symbol, c.OpenTime, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit candle insert tx: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) QueryCandles(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	const q = `
		SELECT symbol, open_time, close_time, open, high, low, close,
		       volume, quote_volume, trade_count, taker_buy_base, taker_buy_quote
		FROM candles
		WHERE symbol = $1 AND open_time >= $2 AND open_time < $3
		ORDER BY open_time ASC
	`
	var rows []candleRow
	if err := s.db.SelectContext(ctx, &rows, q, symbol, start, end); err != nil {
		return nil, fmt.Errorf("store: query candles for %s: %w", symbol, err)
	}
	out := make([]Candle, len(rows))
	for i, r := range rows {
		out[i] = r.toCandle()
	}
	return out, nil
}

// candleRow mirrors Candle with sqlx db tags; Candle itself stays free of
// persistence concerns.
type candleRow struct {
	Symbol        string    `db:"symbol"`
	OpenTime      time.Time `db:"open_time"`
	CloseTime     time.Time `db:"close_time"`
	Open          float64   `db:"open"`
	High          float64   `db:"high"`
	Low           float64   `db:"low"`
	Close         float64   `db:"close"`
	Volume        float64   `db:"volume"`
	QuoteVolume   float64   `db:"quote_volume"`
	TradeCount    int64     `db:"trade_count"`
	TakerBuyBase  float64   `db:"taker_buy_base"`
	TakerBuyQuote float64   `db:"taker_buy_quote"`
}

func (r candleRow) toCandle() Candle {
	return Candle{
		Symbol: r.Symbol, OpenTime: r.OpenTime, CloseTime: r.CloseTime,
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
		Volume: r.Volume, QuoteVolume: r.QuoteVolume, TradeCount: r.TradeCount,
		TakerBuyBase: r.TakerBuyBase, TakerBuyQuote: r.TakerBuyQuote,
	}
}

func (s *PostgresStore) QueryRatings(ctx context.Context, symbol string, start, end time.Time) ([]Rating, error) {
	const q = `
		SELECT symbol, timestamp, rating, rating_deviation, volatility, performance_score
		FROM ratings
		WHERE symbol = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC
	`
	var rows []ratingRow
	if err := s.db.SelectContext(ctx, &rows, q, symbol, start, end); err != nil {
		return nil, fmt.Errorf("store: query ratings for %s: %w", symbol, err)
	}
	out := make([]Rating, len(rows))
	for i, r := range rows {
		out[i] = Rating{
			Symbol: r.Symbol, Timestamp: r.Timestamp, Rating: r.Rating,
			RatingDeviation: r.RatingDeviation, Volatility: r.Volatility,
			PerformanceScore: r.PerformanceScore,
		}
	}
	return out, nil
}

type ratingRow struct {
	Symbol           string    `db:"symbol"`
	Timestamp        time.Time `db:"timestamp"`
	Rating           float64   `db:"rating"`
	RatingDeviation  float64   `db:"rating_deviation"`
	Volatility       float64   `db:"volatility"`
	PerformanceScore float64   `db:"performance_score"`
}

func (s *PostgresStore) Summarize(ctx context.Context, symbol string) (RatingSummary, error) {
	const q = `
		SELECT MIN(timestamp) AS min_ts, MAX(timestamp) AS max_ts, COUNT(*) AS count
		FROM ratings WHERE symbol = $1
	`
	var row struct {
		MinTS time.Time `db:"min_ts"`
		MaxTS time.Time `db:"max_ts"`
		Count int64     `db:"count"`
	}
	if err := s.db.GetContext(ctx, &row, q, symbol); err != nil {
		return RatingSummary{}, fmt.Errorf("store: summarize ratings for %s: %w", symbol, err)
	}
	return RatingSummary{MinTimestamp: row.MinTS, MaxTimestamp: row.MaxTS, Count: row.Count}, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run BacktestRun) (string, error) {
	const q = `
		INSERT INTO backtest_runs (
			id, symbol, base, quote, z_score_threshold, ma_period, profit_pct,
			stop_loss_pct, start_time, end_time, window_size_months, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, q,
		run.ID, run.Symbol, run.Base, run.Quote,
		run.Params.ZScoreThreshold, run.Params.MAPeriod, run.Params.ProfitPct, run.Params.StopLossPct,
		run.StartTime, run.EndTime, run.WindowSizeMo, run.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("store: create run: %w", err)
	}
	return run.ID, nil
}

func (s *PostgresStore) ListRunsByParams(ctx context.Context, params ParameterSet, base, quote string) ([]BacktestRun, error) {
	const q = `
		SELECT id, symbol, base, quote, z_score_threshold, ma_period, profit_pct,
		       stop_loss_pct, start_time, end_time, window_size_months, created_at
		FROM backtest_runs
		WHERE base = $1 AND quote = $2 AND z_score_threshold = $3 AND ma_period = $4
		  AND profit_pct = $5 AND stop_loss_pct = $6
		ORDER BY created_at DESC
	`
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, q, base, quote,
		params.ZScoreThreshold, params.MAPeriod, params.ProfitPct, params.StopLossPct)
	if err != nil {
		return nil, fmt.Errorf("store: list runs by params: %w", err)
	}
	out := make([]BacktestRun, len(rows))
	for i, r := range rows {
		out[i] = r.toRun()
	}
	return out, nil
}

type runRow struct {
	ID              string    `db:"id"`
	Symbol          string    `db:"symbol"`
	Base            string    `db:"base"`
	Quote           string    `db:"quote"`
	ZScoreThreshold float64   `db:"z_score_threshold"`
	MAPeriod        int       `db:"ma_period"`
	ProfitPct       float64   `db:"profit_pct"`
	StopLossPct     float64   `db:"stop_loss_pct"`
	StartTime       time.Time `db:"start_time"`
	EndTime         time.Time `db:"end_time"`
	WindowSizeMo    int       `db:"window_size_months"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r runRow) toRun() BacktestRun {
	return BacktestRun{
		ID: r.ID, Symbol: r.Symbol, Base: r.Base, Quote: r.Quote,
		Params: ParameterSet{
			ZScoreThreshold: r.ZScoreThreshold, MAPeriod: r.MAPeriod,
			ProfitPct: r.ProfitPct, StopLossPct: r.StopLossPct,
		},
		StartTime: r.StartTime, EndTime: r.EndTime, WindowSizeMo: r.WindowSizeMo, CreatedAt: r.CreatedAt,
	}
}

func (s *PostgresStore) InsertTrades(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	const q = `
		INSERT INTO trades (
			run_id, open_time, close_time, entry_price, exit_price,
			quantity, exit_reason, pnl, pnl_pct
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin trade insert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, q)
	if err != nil {
		return fmt.Errorf("store: prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, t.RunID, t.OpenTime, t.CloseTime, t.EntryPrice, t.ExitPrice,
			t.Quantity, string(t.ExitReason), t.PnL, t.PnLPct); err != nil {
			return fmt.Errorf("store: insert trade for run %s: %w", t.RunID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) QueryTrades(ctx context.Context, runID string) ([]Trade, error) {
	const q = `
		SELECT run_id, open_time, close_time, entry_price, exit_price,
		       quantity, exit_reason, pnl, pnl_pct
		FROM trades WHERE run_id = $1 ORDER BY open_time ASC
	`
	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, q, runID); err != nil {
		return nil, fmt.Errorf("store: query trades for run %s: %w", runID, err)
	}
	out := make([]Trade, len(rows))
	for i, r := range rows {
		out[i] = Trade{
			RunID: r.RunID, OpenTime: r.OpenTime, CloseTime: r.CloseTime,
			EntryPrice: r.EntryPrice, ExitPrice: r.ExitPrice, Quantity: r.Quantity,
			ExitReason: ExitReason(r.ExitReason), PnL: r.PnL, PnLPct: r.PnLPct,
		}
	}
	return out, nil
}

type tradeRow struct {
	RunID      string    `db:"run_id"`
	OpenTime   time.Time `db:"open_time"`
	CloseTime  time.Time `db:"close_time"`
	EntryPrice float64   `db:"entry_price"`
	ExitPrice  float64   `db:"exit_price"`
	Quantity   float64   `db:"quantity"`
	ExitReason string    `db:"exit_reason"`
	PnL        float64   `db:"pnl"`
	PnLPct     float64   `db:"pnl_pct"`
}

func (s *PostgresStore) UpsertMetrics(ctx context.Context, params ParameterSet, windowKey string, metrics WindowMetrics) error {
	const q = `
		INSERT INTO metrics (
			fingerprint, window_key, z_score_threshold, ma_period, profit_pct, stop_loss_pct,
			total_return, annualized_return, benchmark_return, alpha, sharpe, sortino,
			max_drawdown, win_ratio, total_trades, profit_factor, avg_trade_duration_sec, consistency
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (fingerprint, window_key) DO UPDATE SET
			total_return = EXCLUDED.total_return,
			annualized_return = EXCLUDED.annualized_return,
			benchmark_return = EXCLUDED.benchmark_return,
			alpha = EXCLUDED.alpha,
			sharpe = EXCLUDED.sharpe,
			sortino = EXCLUDED.sortino,
			max_drawdown = EXCLUDED.max_drawdown,
			win_ratio = EXCLUDED.win_ratio,
			total_trades = EXCLUDED.total_trades,
			profit_factor = EXCLUDED.profit_factor,
			avg_trade_duration_sec = EXCLUDED.avg_trade_duration_sec,
			consistency = EXCLUDED.consistency
	`
	_, err := s.db.ExecContext(ctx, q,
		params.Fingerprint(), windowKey, params.ZScoreThreshold, params.MAPeriod, params.ProfitPct, params.StopLossPct,
		metrics.TotalReturn, metrics.AnnualizedReturn, metrics.BenchmarkReturn, metrics.Alpha, metrics.Sharpe, metrics.Sortino,
		metrics.MaxDrawdown, metrics.WinRatio, metrics.TotalTrades, metrics.ProfitFactor,
		metrics.AvgTradeDuration.Seconds(), metrics.Consistency,
	)
	if err != nil {
		return fmt.Errorf("store: upsert metrics for %s/%s: %w", params.Fingerprint(), windowKey, err)
	}
	return nil
}

func (s *PostgresStore) TopN(ctx context.Context, objective string, n int, filters map[string]string) ([]RankedResult, error) {
	col, ok := objectiveColumn(objective)
	if !ok {
		return nil, fmt.Errorf("store: unrecognized objective %q", objective)
	}
	q := fmt.Sprintf(`
		SELECT z_score_threshold, ma_period, profit_pct, stop_loss_pct, window_key,
		       total_return, annualized_return, benchmark_return, alpha, sharpe, sortino,
		       max_drawdown, win_ratio, total_trades, profit_factor, avg_trade_duration_sec, consistency,
		       %s AS objective
		FROM metrics
		ORDER BY objective DESC
		LIMIT $1
	`, col)
	var rows []rankedRow
	if err := s.db.SelectContext(ctx, &rows, q, n); err != nil {
		return nil, fmt.Errorf("store: top_n: %w", err)
	}
	out := make([]RankedResult, len(rows))
	for i, r := range rows {
		out[i] = r.toRanked()
	}
	return out, nil
}

// objectiveColumn maps a user-facing objective name to its persisted
// column, guarding against SQL injection through the objective parameter.
func objectiveColumn(objective string) (string, bool) {
	switch objective {
	case "alpha":
		return "alpha", true
	case "sharpe":
		return "sharpe", true
	case "annualized_return":
		return "annualized_return", true
	default:
		return "", false
	}
}

type rankedRow struct {
	ZScoreThreshold     float64 `db:"z_score_threshold"`
	MAPeriod            int     `db:"ma_period"`
	ProfitPct           float64 `db:"profit_pct"`
	StopLossPct         float64 `db:"stop_loss_pct"`
	WindowKey           string  `db:"window_key"`
	TotalReturn         float64 `db:"total_return"`
	AnnualizedReturn    float64 `db:"annualized_return"`
	BenchmarkReturn     float64 `db:"benchmark_return"`
	Alpha               float64 `db:"alpha"`
	Sharpe              float64 `db:"sharpe"`
	Sortino             float64 `db:"sortino"`
	MaxDrawdown         float64 `db:"max_drawdown"`
	WinRatio            float64 `db:"win_ratio"`
	TotalTrades         int     `db:"total_trades"`
	ProfitFactor        float64 `db:"profit_factor"`
	AvgTradeDurationSec float64 `db:"avg_trade_duration_sec"`
	Consistency         float64 `db:"consistency"`
	Objective           float64 `db:"objective"`
}

func (r rankedRow) toRanked() RankedResult {
	return RankedResult{
		Params: ParameterSet{
			ZScoreThreshold: r.ZScoreThreshold, MAPeriod: r.MAPeriod,
			ProfitPct: r.ProfitPct, StopLossPct: r.StopLossPct,
		},
		WindowKey: r.WindowKey,
		Metrics: WindowMetrics{
			TotalReturn: r.TotalReturn, AnnualizedReturn: r.AnnualizedReturn, BenchmarkReturn: r.BenchmarkReturn,
			Alpha: r.Alpha, Sharpe: r.Sharpe, Sortino: r.Sortino, MaxDrawdown: r.MaxDrawdown,
			WinRatio: r.WinRatio, TotalTrades: r.TotalTrades, ProfitFactor: r.ProfitFactor,
			AvgTradeDuration: time.Duration(r.AvgTradeDurationSec * float64(time.Second)),
			Consistency:      r.Consistency,
		},
		Objective: r.Objective,
	}
}

func (s *PostgresStore) HasResult(ctx context.Context, params ParameterSet) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM metrics WHERE fingerprint = $1)`
	var exists bool
	if err := s.db.GetContext(ctx, &exists, q, params.Fingerprint()); err != nil {
		return false, fmt.Errorf("store: has_result for %s: %w", params.Fingerprint(), err)
	}
	return exists, nil
}
