// prometheus.go wires the research engine's metrics onto a real
// github.com/prometheus/client_golang registry: one process-local
// Registry wrapping a *prometheus.Registry, exposition handled by
// github.com/prometheus/common/expfmt rather than a hand-rolled text
// writer.
package observability

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry is the root metrics registry. Create one per process (or per
// test); the zero value is not valid, use NewRegistry.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates an empty registry with the standard process and Go
// runtime collectors attached, matching client_golang's own convention.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	return &Registry{reg: reg}
}

// WriteText writes every registered metric family in Prometheus text
// exposition format to w.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// NewCounterVec registers and returns a labeled counter.
func (r *Registry) NewCounterVec(name, help string, labelNames ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(c)
	return c
}

// NewGauge registers and returns an unlabeled gauge.
func (r *Registry) NewGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.reg.MustRegister(g)
	return g
}

// NewGaugeVec registers and returns a labeled gauge.
func (r *Registry) NewGaugeVec(name, help string, labelNames ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(g)
	return g
}

// NewHistogram registers and returns an unlabeled histogram. A nil
// buckets slice falls back to DefaultBuckets.
func (r *Registry) NewHistogram(name, help string, buckets []float64) prometheus.Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	r.reg.MustRegister(h)
	return h
}

// DefaultBuckets are log-spaced latency buckets (1ms to 10s) suitable for
// backtest task durations and rate-limiter wait times.
var DefaultBuckets = []float64{
	0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// ResearchMetrics is the pre-wired set of collectors shared across C2
// (ingest), C5 (optimizer scheduler), and the rate limiter.
type ResearchMetrics struct {
	// OptimizerTasksTotal counts tasks by terminal status: dispatched,
	// completed, failed, skipped.
	OptimizerTasksTotal *prometheus.CounterVec
	// OptimizerTaskDuration tracks per-task backtest wall-clock time.
	OptimizerTaskDuration prometheus.Histogram
	// OptimizerBestObjective is the best objective value seen so far in
	// the current optimizer run.
	OptimizerBestObjective prometheus.Gauge
	// IngestRequestsTotal counts upstream page fetches by outcome: ok,
	// rate_limited, transient_network, failed.
	IngestRequestsTotal *prometheus.CounterVec
	// RateLimiterDelayMs is the rate limiter's current per-symbol delay.
	RateLimiterDelayMs *prometheus.GaugeVec
}

// NewResearchMetrics registers all standard research-engine metrics into reg.
func NewResearchMetrics(reg *Registry) *ResearchMetrics {
	return &ResearchMetrics{
		OptimizerTasksTotal: reg.NewCounterVec(
			"optimizer_tasks_total",
			"Total optimizer tasks by terminal status.",
			"status"),
		OptimizerTaskDuration: reg.NewHistogram(
			"optimizer_task_duration_seconds",
			"Backtest task wall-clock duration in seconds.",
			DefaultBuckets),
		OptimizerBestObjective: reg.NewGauge(
			"optimizer_best_objective",
			"Best objective value observed so far in the current optimizer run."),
		IngestRequestsTotal: reg.NewCounterVec(
			"ingest_requests_total",
			"Total upstream page fetches by outcome.",
			"result"),
		RateLimiterDelayMs: reg.NewGaugeVec(
			"ratelimiter_current_delay_ms",
			"Current adaptive delay applied by the rate limiter, by symbol.",
			"symbol"),
	}
}
