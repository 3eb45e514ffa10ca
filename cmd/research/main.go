// cmd/research is the thin CLI entrypoint wiring the numeric kernel (C1),
// ingest & rate limiter (C2), backtest simulator (C3), walk-forward driver
// (C4), and optimizer scheduler (C5) into one process. It owns only
// argument parsing, collaborator construction, and process lifecycle;
// all domain logic lives in libs/*.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"

	"meanrevert-research/libs/backtest"
	"meanrevert-research/libs/cache"
	"meanrevert-research/libs/config"
	"meanrevert-research/libs/database"
	"meanrevert-research/libs/errkind"
	"meanrevert-research/libs/ingest"
	"meanrevert-research/libs/observability"
	"meanrevert-research/libs/optimizer"
	"meanrevert-research/libs/ratelimit"
	"meanrevert-research/libs/store"
	"meanrevert-research/libs/walkforward"
)

// exit codes per the process contract: 0 success, 1 non-retryable
// error, 2 invalid arguments, 130 SIGINT with progress flushed.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidArgs = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type cliArgs struct {
	mode          string // "ingest" | "optimize" | "all"
	symbols       []string
	base          string
	quote         string
	start, end    time.Time
	configPath    string
	resume        bool
	force         bool
	progressPath  string
	upstreamURL   string
	dbDSN         string
	redisURL      string
	metricsAddr   string
	seed          int64
}

func run(argv []string) int {
	args, err := parseArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "research:", err)
		return exitInvalidArgs
	}

	cfg, err := loadConfig(args.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "research: config:", err)
		return exitFailure
	}
	if args.force {
		cfg.Optimizer.Force = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := observability.NewRunID()
	ctx = observability.WithRunInfo(ctx, observability.RunInfo{RunID: runID})
	observability.LogEvent(ctx, "info", "startup", map[string]any{
		"mode": args.mode, "symbols": args.symbols,
	})

	registry := observability.NewRegistry()
	promMetrics := observability.NewResearchMetrics(registry)
	if args.metricsAddr != "" {
		serveMetrics(args.metricsAddr, registry)
	}

	candleStore, metricsStore, ratingStore, runStore, tradeStore, dbHandle, err := openStores(ctx, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "research: store setup:", err)
		return exitFailure
	}
	if dbHandle != nil {
		defer dbHandle.DB.Close()
	}

	var exitCode int
	switch args.mode {
	case "ingest":
		exitCode = runIngest(ctx, args, cfg, candleStore, promMetrics)
	case "optimize":
		exitCode = runOptimize(ctx, args, cfg, candleStore, ratingStore, runStore, tradeStore, metricsStore, promMetrics)
	case "all":
		exitCode = runIngest(ctx, args, cfg, candleStore, promMetrics)
		if exitCode == exitOK {
			exitCode = runOptimize(ctx, args, cfg, candleStore, ratingStore, runStore, tradeStore, metricsStore, promMetrics)
		}
	default:
		fmt.Fprintf(os.Stderr, "research: unknown mode %q\n", args.mode)
		return exitInvalidArgs
	}

	if ctx.Err() != nil {
		observability.LogEvent(ctx, "warn", "interrupted", map[string]any{"mode": args.mode})
		return exitInterrupted
	}
	return exitCode
}

// parseArgs validates the CLI surface and returns exitInvalidArgs-worthy
// errors for anything malformed, never for missing optional inputs.
func parseArgs(argv []string) (cliArgs, error) {
	fs := flag.NewFlagSet("research", flag.ContinueOnError)
	var a cliArgs
	var symbolsCSV, startStr, endStr string

	fs.StringVar(&a.mode, "mode", "all", "ingest | optimize | all")
	fs.StringVar(&symbolsCSV, "symbols", "", "comma-separated symbols, e.g. BTCUSDT,ETHUSDT")
	fs.StringVar(&a.base, "base", "", "base asset, for run bookkeeping")
	fs.StringVar(&a.quote, "quote", "USDT", "quote asset, for run bookkeeping")
	fs.StringVar(&startStr, "start", "", "range start, RFC3339")
	fs.StringVar(&endStr, "end", "", "range end, RFC3339")
	fs.StringVar(&a.configPath, "config", "", "optional YAML config overlay")
	fs.BoolVar(&a.resume, "resume", false, "resume ingest from persisted progress")
	fs.BoolVar(&a.force, "force", false, "re-run optimizer tasks already persisted")
	fs.StringVar(&a.progressPath, "progress", "./ingest-progress.json", "ingest progress file path")
	fs.StringVar(&a.upstreamURL, "upstream", envOrDefault("UPSTREAM_URL", ""), "upstream kline REST base URL")
	fs.StringVar(&a.dbDSN, "db", envOrDefault("DATABASE_URL", ""), "Postgres DSN; empty uses an in-memory store")
	fs.StringVar(&a.redisURL, "redis", envOrDefault("REDIS_URL", ""), "optional Redis address for the candle read-through cache")
	fs.StringVar(&a.metricsAddr, "metrics-addr", envOrDefault("METRICS_ADDR", ""), "optional Prometheus listen address, e.g. :9090")
	fs.Int64Var(&a.seed, "seed", 0, "EDA sampling seed; 0 derives one from the current time")

	if err := fs.Parse(argv); err != nil {
		return a, err
	}

	if symbolsCSV == "" {
		return a, fmt.Errorf("-symbols is required")
	}
	for _, s := range strings.Split(symbolsCSV, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			a.symbols = append(a.symbols, s)
		}
	}
	if len(a.symbols) == 0 {
		return a, fmt.Errorf("-symbols must name at least one symbol")
	}

	if startStr == "" || endStr == "" {
		return a, fmt.Errorf("-start and -end are required")
	}
	var err error
	a.start, err = time.Parse(time.RFC3339, startStr)
	if err != nil {
		return a, fmt.Errorf("-start: %w", err)
	}
	a.end, err = time.Parse(time.RFC3339, endStr)
	if err != nil {
		return a, fmt.Errorf("-end: %w", err)
	}
	if !a.end.After(a.start) {
		return a, fmt.Errorf("-end must be after -start")
	}

	switch a.mode {
	case "ingest", "optimize", "all":
	default:
		return a, fmt.Errorf("-mode must be one of ingest, optimize, all (got %q)", a.mode)
	}

	if a.seed == 0 {
		a.seed = time.Now().UnixNano()
	}
	return a, nil
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	var err error
	if path != "" {
		cfg, err = config.LoadYAML(path)
		if err != nil {
			return cfg, err
		}
	}
	return config.ApplyEnv(cfg)
}

// openStores wires the candle/rating/run/trade/metrics stores against
// Postgres when a DSN is configured, or an in-memory store otherwise
// (useful for a dry run against a live upstream without a database).
func openStores(ctx context.Context, a cliArgs) (store.CandleStore, store.MetricsStore, store.RatingStore, store.RunStore, store.TradeStore, *database.DB, error) {
	if a.dbDSN == "" {
		mem := store.NewMemoryStore()
		return mem.Candles(), mem.Metrics(), mem.Ratings(), mem.Runs(), mem.Trades(), nil, nil
	}

	dbCfg := database.DefaultConfig()
	dbCfg.DSN = a.dbDSN
	db, err := database.ConnectWithMigrations(ctx, dbCfg, "")
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("connect: %w", err)
	}

	sdb := sqlx.NewDb(db.DB, "pgx")
	pg := store.NewPostgresStore(sdb)

	var candles store.CandleStore = pg.Candles()
	if a.redisURL != "" {
		cached, cerr := cache.New(pg.Candles(), cache.Config{RedisURL: a.redisURL})
		if cerr != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("candle cache: %w", cerr)
		}
		candles = cached
	}

	return candles, pg.Metrics(), pg.Ratings(), pg.Runs(), pg.Trades(), db, nil
}

// runIngest drives C2 over the requested symbols and range.
func runIngest(ctx context.Context, a cliArgs, cfg config.Config, candles store.CandleStore, promMetrics *observability.ResearchMetrics) int {
	if a.upstreamURL == "" {
		fmt.Fprintln(os.Stderr, "research: -upstream (or UPSTREAM_URL) is required for ingest")
		return exitInvalidArgs
	}

	progress, err := ingest.OpenProgressStore(a.progressPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "research: progress store:", err)
		return exitFailure
	}

	provider := ingest.NewKlineProvider(a.upstreamURL)
	limiter := ratelimit.New(ratelimitConfig(cfg.RateLimit))
	defer limiter.Close()

	downloader := ingest.NewDownloader(provider, limiter, candles, progress, cfg.Ingest, promMetrics)

	report, err := downloader.DownloadSymbols(ctx, a.symbols, a.start, a.end, a.resume)
	observability.LogEvent(ctx, "info", "ingest_complete", map[string]any{
		"requests": report.RequestsIssued, "inserted": report.RecordsInserted, "failed": len(report.Failed),
	})
	for _, f := range report.Failed {
		observability.LogEvent(ctx, "error", "ingest_symbol_failed", map[string]any{
			"symbol": f.Symbol, "error": f.Err.Error(),
		})
	}

	if err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		return exitFailure
	}
	if len(report.Failed) > 0 && len(report.Failed) == len(a.symbols) {
		return exitFailure
	}
	return exitOK
}

// runOptimize drives C5 (grid or EDA search) over C4, which in turn
// invokes C3 once per walk-forward window.
func runOptimize(ctx context.Context, a cliArgs, cfg config.Config, candles store.CandleStore, ratings store.RatingStore, runs store.RunStore, trades store.TradeStore, metrics store.MetricsStore, promMetrics *observability.ResearchMetrics) int {
	engine := walkforward.New(candles, ratings)
	windowSize := monthsToDuration(cfg.WalkForward.WindowMonths)
	step := monthsToDuration(cfg.WalkForward.StepMonths)

	runner := optimizer.TaskRunnerFunc(func(ctx context.Context, params store.ParameterSet) (store.AggregateMetrics, error) {
		var agg store.AggregateMetrics
		for _, symbol := range a.symbols {
			result, err := engine.Run(ctx, walkforward.Config{
				Symbol:      symbol,
				Base:        a.base,
				Quote:       a.quote,
				Params:      params,
				FullStart:   a.start,
				FullEnd:     a.end,
				WindowSize:  windowSize,
				Step:        step,
				BacktestCfg: backtest.DefaultConfig(),
			})
			if err != nil {
				return agg, err
			}
			agg = result.Aggregate

			runID, rerr := runs.Create(ctx, store.BacktestRun{
				ID: uuid.NewString(), Symbol: symbol, Base: a.base, Quote: a.quote, Params: params,
				StartTime: a.start, EndTime: a.end, WindowSizeMo: cfg.WalkForward.WindowMonths,
				CreatedAt: time.Now().UTC(),
			})
			if rerr != nil {
				return agg, errkind.New(errkind.PersistenceError, rerr)
			}
			for _, w := range result.Windows {
				if len(w.Trades) == 0 {
					continue
				}
				for i := range w.Trades {
					w.Trades[i].RunID = runID
				}
				if terr := trades.InsertMany(ctx, w.Trades); terr != nil {
					return agg, errkind.New(errkind.PersistenceError, terr)
				}
			}
		}
		return agg, nil
	})

	sched := optimizer.NewScheduler(runner, metrics, cfg.Optimizer, promMetrics)
	workers := optimizer.ResolveConcurrency(cfg)

	var report optimizer.Report
	var err error
	switch cfg.Optimizer.Mode {
	case "eda":
		report, err = sched.RunEDA(ctx, workers, cfg.Optimizer.Ranges, a.seed)
	default:
		tasks := optimizer.GridTasks(cfg.Optimizer.Ranges, nil)
		report, err = sched.Run(ctx, workers, tasks)
	}

	observability.LogEvent(ctx, "info", "optimize_complete", map[string]any{
		"total": report.Total, "completed": report.Completed, "failed": report.Failed, "skipped": report.Skipped,
	})
	if report.Best != nil {
		observability.LogEvent(ctx, "info", "optimize_best", map[string]any{
			"params": report.Best.Params, "objective": report.Best.Objective,
		})
	}

	if err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		return exitFailure
	}
	return exitOK
}

func ratelimitConfig(c config.RateLimitConfig) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if c.InitialDelayMs > 0 {
		cfg.InitialDelay = time.Duration(c.InitialDelayMs) * time.Millisecond
	}
	if c.MaxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	if c.WindowMs > 0 {
		cfg.WindowSize = time.Duration(c.WindowMs) * time.Millisecond
	}
	if c.MaxRequestsPerWindow > 0 {
		cfg.MaxRequestsPerWindow = c.MaxRequestsPerWindow
	}
	return cfg
}

func monthsToDuration(months int) time.Duration {
	if months <= 0 {
		months = 6
	}
	return time.Duration(months) * 30 * 24 * time.Hour
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// serveMetrics starts a background HTTP listener exposing Prometheus
// text-format metrics; failures are logged but never fatal since
// scraping is observability, not a correctness dependency.
func serveMetrics(addr string, registry *observability.Registry) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if err := registry.WriteText(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observability.LogEvent(context.Background(), "warn", "metrics_server_stopped", map[string]any{"error": err.Error()})
		}
	}()
}
