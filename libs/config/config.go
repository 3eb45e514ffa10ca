// Package config loads the recognized configuration surface: scalar
// operational knobs from environment variables, and the optimizer's
// nested parameter ranges from an optional YAML overlay, since ranges
// are structured data env vars express poorly.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface.
type Config struct {
	Concurrency int `yaml:"concurrency"`

	Ingest IngestConfig `yaml:"ingest"`

	RateLimit RateLimitConfig `yaml:"ratelimit"`

	Optimizer OptimizerConfig `yaml:"optimizer"`

	WalkForward WalkForwardConfig `yaml:"walk_forward"`
}

// IngestConfig controls the ingest & chunking behavior of C2.
type IngestConfig struct {
	BatchSize            int `yaml:"batch_size"`
	ChunkDays            int `yaml:"chunk_days"`
	MaxConcurrentSymbols int `yaml:"max_concurrent_symbols"`
	MaxConcurrentChunks  int `yaml:"max_concurrent_chunks"`
	FlushBatch           int `yaml:"flush_batch"`
	MaxRetries           int `yaml:"max_retries"`
}

// RateLimitConfig controls the adaptive per-symbol rate limiter.
type RateLimitConfig struct {
	InitialDelayMs       int `yaml:"initial_delay_ms"`
	MaxDelayMs           int `yaml:"max_delay_ms"`
	WindowMs             int `yaml:"window_ms"`
	MaxRequestsPerWindow int `yaml:"max_requests_per_window"`
}

// Range describes a [min, max] sweep with a step granularity, used by the
// optimizer's grid and EDA modes.
type Range struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Step float64 `yaml:"step"`
}

// OptimizerRanges is the YAML-friendly nested structure for every
// parameter dimension the optimizer searches over.
type OptimizerRanges struct {
	Z      Range `yaml:"z"`
	MA     Range `yaml:"ma"`
	Profit Range `yaml:"profit"`
	Stop   Range `yaml:"stop"`
}

// OptimizerConfig controls C5's grid/EDA search strategy.
type OptimizerConfig struct {
	Mode            string          `yaml:"mode"`      // "grid" | "eda"
	Objective       string          `yaml:"objective"` // "alpha" | "sharpe" | "annualized_return"
	Phase1Samples   int             `yaml:"phase1_samples"`
	Phase2Samples   int             `yaml:"phase2_samples"`
	Ranges          OptimizerRanges `yaml:"ranges"`
	TaskTimeoutSec  int             `yaml:"task_timeout_sec"`
	MaxRetries      int             `yaml:"max_retries"`
	GracePeriodSec  int             `yaml:"grace_period_sec"`
	UIRefreshMillis int             `yaml:"ui_refresh_ms"`
	Force           bool            `yaml:"force"`
}

// WalkForwardConfig controls C4's windowing.
type WalkForwardConfig struct {
	WindowMonths int    `yaml:"window_months"`
	StepMonths   int    `yaml:"step_months"`
	Interval     string `yaml:"interval"` // rating cadence, e.g. "5m"
}

// Default returns the configuration with every operational default.
func Default() Config {
	return Config{
		Concurrency: 0, // 0 means min(CPU_cores, 8), resolved by the caller
		Ingest: IngestConfig{
			BatchSize:            1000,
			ChunkDays:            30,
			MaxConcurrentSymbols: 3,
			MaxConcurrentChunks:  2,
			FlushBatch:           5000,
			MaxRetries:           3,
		},
		RateLimit: RateLimitConfig{
			InitialDelayMs:       50,
			MaxDelayMs:           2000,
			WindowMs:             60_000,
			MaxRequestsPerWindow: 1200,
		},
		Optimizer: OptimizerConfig{
			Mode:            "grid",
			Objective:       "alpha",
			Phase1Samples:   20,
			Phase2Samples:   10,
			TaskTimeoutSec:  600,
			MaxRetries:      2,
			GracePeriodSec:  30,
			UIRefreshMillis: 1000,
			Ranges: OptimizerRanges{
				Z:      Range{Min: 1.5, Max: 4.5, Step: 0.1},
				MA:     Range{Min: 2, Max: 20, Step: 2},
				Profit: Range{Min: 1, Max: 15, Step: 0.5},
				Stop:   Range{Min: 1, Max: 10, Step: 0.5},
			},
		},
		WalkForward: WalkForwardConfig{
			WindowMonths: 6,
			StepMonths:   3,
			Interval:     "5m",
		},
	}
}

// LoadYAML overlays a YAML document at path onto a Default() config.
// A missing file is not an error; callers that want YAML to be required
// should stat the path themselves first.
func LoadYAML(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays recognized environment variables onto cfg: each
// variable is optional, malformed values are reported immediately
// rather than silently ignored.
func ApplyEnv(cfg Config) (Config, error) {
	if err := envInt("CONCURRENCY", &cfg.Concurrency); err != nil {
		return cfg, err
	}
	if err := envInt("INGEST_BATCH_SIZE", &cfg.Ingest.BatchSize); err != nil {
		return cfg, err
	}
	if err := envInt("INGEST_CHUNK_DAYS", &cfg.Ingest.ChunkDays); err != nil {
		return cfg, err
	}
	if err := envInt("INGEST_MAX_CONCURRENT_SYMBOLS", &cfg.Ingest.MaxConcurrentSymbols); err != nil {
		return cfg, err
	}
	if err := envInt("INGEST_MAX_CONCURRENT_CHUNKS", &cfg.Ingest.MaxConcurrentChunks); err != nil {
		return cfg, err
	}
	if err := envInt("INGEST_FLUSH_BATCH", &cfg.Ingest.FlushBatch); err != nil {
		return cfg, err
	}
	if err := envInt("INGEST_MAX_RETRIES", &cfg.Ingest.MaxRetries); err != nil {
		return cfg, err
	}
	if err := envInt("RATELIMIT_INITIAL_DELAY_MS", &cfg.RateLimit.InitialDelayMs); err != nil {
		return cfg, err
	}
	if err := envInt("RATELIMIT_MAX_DELAY_MS", &cfg.RateLimit.MaxDelayMs); err != nil {
		return cfg, err
	}
	if err := envInt("RATELIMIT_WINDOW_MS", &cfg.RateLimit.WindowMs); err != nil {
		return cfg, err
	}
	if err := envInt("RATELIMIT_MAX_REQUESTS_PER_WINDOW", &cfg.RateLimit.MaxRequestsPerWindow); err != nil {
		return cfg, err
	}
	if v := os.Getenv("OPTIMIZER_MODE"); v != "" {
		cfg.Optimizer.Mode = v
	}
	if v := os.Getenv("OPTIMIZER_OBJECTIVE"); v != "" {
		cfg.Optimizer.Objective = v
	}
	if err := envInt("OPTIMIZER_PHASE1_SAMPLES", &cfg.Optimizer.Phase1Samples); err != nil {
		return cfg, err
	}
	if err := envInt("OPTIMIZER_PHASE2_SAMPLES", &cfg.Optimizer.Phase2Samples); err != nil {
		return cfg, err
	}
	if err := envInt("OPTIMIZER_TASK_TIMEOUT_SEC", &cfg.Optimizer.TaskTimeoutSec); err != nil {
		return cfg, err
	}
	if err := envInt("OPTIMIZER_MAX_RETRIES", &cfg.Optimizer.MaxRetries); err != nil {
		return cfg, err
	}
	if err := envInt("OPTIMIZER_GRACE_PERIOD_SEC", &cfg.Optimizer.GracePeriodSec); err != nil {
		return cfg, err
	}
	if v := os.Getenv("OPTIMIZER_FORCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("config: OPTIMIZER_FORCE: %w", err)
		}
		cfg.Optimizer.Force = b
	}
	if err := envInt("WALK_FORWARD_WINDOW_MONTHS", &cfg.WalkForward.WindowMonths); err != nil {
		return cfg, err
	}
	if err := envInt("WALK_FORWARD_STEP_MONTHS", &cfg.WalkForward.StepMonths); err != nil {
		return cfg, err
	}
	if v := os.Getenv("WALK_FORWARD_INTERVAL"); v != "" {
		cfg.WalkForward.Interval = v
	}
	return cfg, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = n
	return nil
}

// Load resolves the full configuration: defaults, overlaid by an optional
// YAML file (primarily for optimizer.ranges), overlaid by environment
// variables, which take precedence for operational knobs.
func Load(yamlPath string) (Config, error) {
	cfg, err := LoadYAML(yamlPath)
	if err != nil {
		return Config{}, err
	}
	return ApplyEnv(cfg)
}
