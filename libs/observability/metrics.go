package observability

import "time"

// RecordIngestRequest increments ingest_requests_total for one upstream
// page fetch outcome ("ok", "rate_limited", "transient_network", "failed").
// m may be nil when metrics are disabled; calls are then no-ops.
func RecordIngestRequest(m *ResearchMetrics, result string) {
	if m == nil {
		return
	}
	m.IngestRequestsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimiterDelay sets the current adaptive delay for symbol.
func RecordRateLimiterDelay(m *ResearchMetrics, symbol string, delay time.Duration) {
	if m == nil {
		return
	}
	m.RateLimiterDelayMs.WithLabelValues(symbol).Set(float64(delay.Milliseconds()))
}

// RecordOptimizerTask increments optimizer_tasks_total for status
// ("dispatched", "completed", "failed", "skipped") and, for a completed
// task, observes its wall-clock duration.
func RecordOptimizerTask(m *ResearchMetrics, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OptimizerTasksTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		m.OptimizerTaskDuration.Observe(duration.Seconds())
	}
}

// RecordBestObjective sets the best-objective gauge to value
// unconditionally; callers pass only a value that improves on the prior
// best (the scheduler's recordOutcome does this comparison).
func RecordBestObjective(m *ResearchMetrics, value float64) {
	if m == nil {
		return
	}
	m.OptimizerBestObjective.Set(value)
}
