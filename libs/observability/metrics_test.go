package observability

import (
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, m *ResearchMetrics, label string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := m.IngestRequestsTotal.WithLabelValues(label).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestRecordIngestRequestIncrementsByResult(t *testing.T) {
	reg := NewRegistry()
	m := NewResearchMetrics(reg)

	RecordIngestRequest(m, "ok")
	RecordIngestRequest(m, "ok")
	RecordIngestRequest(m, "rate_limited")

	if v := counterValue(t, m, "ok"); v != 2 {
		t.Errorf("expected 2 ok results, got %v", v)
	}
	if v := counterValue(t, m, "rate_limited"); v != 1 {
		t.Errorf("expected 1 rate_limited result, got %v", v)
	}
}

func TestRecordIngestRequestNilMetricsIsNoop(t *testing.T) {
	RecordIngestRequest(nil, "ok") // must not panic
}

func TestRecordRateLimiterDelaySetsGaugeBySymbol(t *testing.T) {
	reg := NewRegistry()
	m := NewResearchMetrics(reg)

	RecordRateLimiterDelay(m, "BTCUSDT", 150*time.Millisecond)

	metric := &dto.Metric{}
	if err := m.RateLimiterDelayMs.WithLabelValues("BTCUSDT").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 150 {
		t.Errorf("expected 150ms, got %v", got)
	}
}

func TestRecordOptimizerTaskTracksStatusAndDuration(t *testing.T) {
	reg := NewRegistry()
	m := NewResearchMetrics(reg)

	RecordOptimizerTask(m, "completed", 250*time.Millisecond)
	RecordOptimizerTask(m, "failed", 0)

	completed := &dto.Metric{}
	if err := m.OptimizerTasksTotal.WithLabelValues("completed").Write(completed); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if v := completed.GetCounter().GetValue(); v != 1 {
		t.Errorf("expected 1 completed task, got %v", v)
	}

	failed := &dto.Metric{}
	if err := m.OptimizerTasksTotal.WithLabelValues("failed").Write(failed); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if v := failed.GetCounter().GetValue(); v != 1 {
		t.Errorf("expected 1 failed task, got %v", v)
	}

	histogram := &dto.Metric{}
	if err := m.OptimizerTaskDuration.Write(histogram); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if got := histogram.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("expected 1 observation (failed task has zero duration and is not observed), got %d", got)
	}
}

func TestRecordBestObjectiveSetsGauge(t *testing.T) {
	reg := NewRegistry()
	m := NewResearchMetrics(reg)

	RecordBestObjective(m, 0.42)

	metric := &dto.Metric{}
	if err := m.OptimizerBestObjective.Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 0.42 {
		t.Errorf("expected 0.42, got %v", got)
	}
}

func TestRegistryWriteTextIncludesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewResearchMetrics(reg)
	RecordIngestRequest(m, "ok")

	var buf strings.Builder
	if err := reg.WriteText(&buf); err != nil {
		t.Fatalf("write text: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ingest_requests_total") {
		t.Errorf("expected output to mention ingest_requests_total, got:\n%s", out)
	}
}
