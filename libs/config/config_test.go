package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1000, cfg.Ingest.BatchSize)
	require.Equal(t, 30, cfg.Ingest.ChunkDays)
	require.Equal(t, 3, cfg.Ingest.MaxConcurrentSymbols)
	require.Equal(t, 2, cfg.Ingest.MaxConcurrentChunks)
	require.Equal(t, 5000, cfg.Ingest.FlushBatch)
	require.Equal(t, 50, cfg.RateLimit.InitialDelayMs)
	require.Equal(t, 2000, cfg.RateLimit.MaxDelayMs)
	require.Equal(t, 60_000, cfg.RateLimit.WindowMs)
	require.Equal(t, 1200, cfg.RateLimit.MaxRequestsPerWindow)
	require.Equal(t, "grid", cfg.Optimizer.Mode)
	require.Equal(t, "alpha", cfg.Optimizer.Objective)
	require.Equal(t, 20, cfg.Optimizer.Phase1Samples)
	require.Equal(t, 10, cfg.Optimizer.Phase2Samples)
	require.Equal(t, 600, cfg.Optimizer.TaskTimeoutSec)
	require.Equal(t, 2, cfg.Optimizer.MaxRetries)
	require.Equal(t, 30, cfg.Optimizer.GracePeriodSec)
	require.Equal(t, 6, cfg.WalkForward.WindowMonths)
	require.Equal(t, 3, cfg.WalkForward.StepMonths)
}

func TestLoadYAMLOverlaysRanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "optimizer.yaml")
	yamlBody := `
optimizer:
  mode: eda
  ranges:
    z:
      min: 1.0
      max: 5.0
      step: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := LoadYAML(path)
	require.NoError(t, err)
	require.Equal(t, "eda", cfg.Optimizer.Mode)
	require.Equal(t, 1.0, cfg.Optimizer.Ranges.Z.Min)
	require.Equal(t, 0.25, cfg.Optimizer.Ranges.Z.Step)
	// Unspecified fields retain their defaults.
	require.Equal(t, 2.0, cfg.Optimizer.Ranges.MA.Min)
}

func TestLoadYAMLMissingFileIsDefault(t *testing.T) {
	cfg, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestApplyEnvOverridesAndTakesPrecedence(t *testing.T) {
	t.Setenv("INGEST_BATCH_SIZE", "500")
	t.Setenv("OPTIMIZER_MODE", "eda")
	t.Setenv("OPTIMIZER_FORCE", "true")

	cfg, err := ApplyEnv(Default())
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Ingest.BatchSize)
	require.Equal(t, "eda", cfg.Optimizer.Mode)
	require.True(t, cfg.Optimizer.Force)
}

func TestApplyEnvRejectsMalformedInt(t *testing.T) {
	t.Setenv("INGEST_BATCH_SIZE", "not-a-number")
	_, err := ApplyEnv(Default())
	require.Error(t, err)
}
