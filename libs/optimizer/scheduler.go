package optimizer

import (
	"context"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"meanrevert-research/libs/config"
	"meanrevert-research/libs/errkind"
	"meanrevert-research/libs/observability"
	"meanrevert-research/libs/store"
)

// TaskRunner evaluates one parameter set across every walk-forward window
// for a (symbol, base, quote) and persists the run + metrics. Implemented
// by a thin adapter over libs/walkforward.Engine in cmd/research; kept as
// an interface here so the scheduler's worker pool is testable without a
// live store.
type TaskRunner interface {
	RunTask(ctx context.Context, params store.ParameterSet) (store.AggregateMetrics, error)
}

// TaskRunnerFunc adapts a plain function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, params store.ParameterSet) (store.AggregateMetrics, error)

func (f TaskRunnerFunc) RunTask(ctx context.Context, params store.ParameterSet) (store.AggregateMetrics, error) {
	return f(ctx, params)
}

// TaskOutcome records one task's terminal state for the final report.
type TaskOutcome struct {
	Params    store.ParameterSet
	Metrics   store.AggregateMetrics
	Objective float64
	Err       error
	Retries   int
}

// Report is the scheduler's final summary.
type Report struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int // deduplicated, already-persisted results
	Best      *TaskOutcome
	Outcomes  []TaskOutcome
}

// Scheduler is the fixed-size worker pool that dispatches backtest tasks
// with dedup-before-dispatch, bounded retry, and graceful cancellation.
type Scheduler struct {
	runner      TaskRunner
	metrics     store.MetricsStore
	promMetrics *observability.ResearchMetrics // optional; nil disables Prometheus recording
	cfg         config.OptimizerConfig

	mu       sync.Mutex
	progress Progress
}

// Progress is the live state exposed to a dashboard through Snapshot,
// updated whenever a task is skipped, starts, or completes.
type Progress struct {
	Total      int
	Completed  int
	Failed     int
	Skipped    int
	BestObj    float64
	HasBest    bool
	InFlight   map[string]string // worker label -> fingerprint currently running
	StartedAt  time.Time
}

// NewScheduler wires a Scheduler from its collaborators. promMetrics may
// be nil to disable Prometheus recording.
func NewScheduler(runner TaskRunner, metrics store.MetricsStore, cfg config.OptimizerConfig, promMetrics *observability.ResearchMetrics) *Scheduler {
	return &Scheduler{runner: runner, metrics: metrics, promMetrics: promMetrics, cfg: cfg, progress: Progress{InFlight: make(map[string]string)}}
}

// ResolveConcurrency returns min(CPU_cores, 8), unless cfg.Concurrency
// overrides it explicitly.
func ResolveConcurrency(cfg config.Config) int {
	if cfg.Concurrency > 0 {
		return cfg.Concurrency
	}
	if n := runtime.NumCPU(); n < 8 {
		return n
	}
	return 8
}

// Run dispatches the given tasks to the worker pool (cfg.Mode is not
// consulted here; RunEDA calls Run once per phase), honoring
// dedup-before-dispatch, per-task timeout/retry, and graceful
// cancellation with a grace deadline before forced termination.
func (s *Scheduler) Run(ctx context.Context, workers int, tasks []Task) (Report, error) {
	if workers <= 0 {
		workers = 1
	}
	s.mu.Lock()
	s.progress = Progress{Total: len(tasks), InFlight: make(map[string]string), StartedAt: time.Now()}
	s.mu.Unlock()

	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	var outMu sync.Mutex
	outcomes := make([]TaskOutcome, 0, len(tasks))

	for i, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		if !s.cfg.Force {
			has, err := s.metrics.HasResult(ctx, task.Params)
			if err == nil && has {
				s.mu.Lock()
				s.progress.Skipped++
				s.mu.Unlock()
				continue
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		workerLabel := "worker-" + task.Params.Fingerprint()[:8]
		go func(idx int, t Task) {
			defer wg.Done()
			defer sem.Release(1)

			s.setInFlight(workerLabel, t.Params.Fingerprint())
			outcome := s.runWithRetry(ctx, t)
			s.clearInFlight(workerLabel)

			outMu.Lock()
			outcomes = append(outcomes, outcome)
			outMu.Unlock()

			s.recordOutcome(outcome)
		}(i, task)
	}

	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Objective > outcomes[j].Objective })
	report := Report{Total: len(tasks), Outcomes: outcomes}
	for i := range outcomes {
		if outcomes[i].Err != nil {
			report.Failed++
		} else {
			report.Completed++
		}
	}
	s.mu.Lock()
	report.Skipped = s.progress.Skipped
	s.mu.Unlock()
	report.Best = bestOf(outcomes)
	return report, nil
}

// bestOf ranks only the successful outcomes by Objective and returns the
// top one, or nil if none succeeded. A failed TaskOutcome's Objective is
// the unset zero value, so failures must never compete with successes
// here, the same rule topSurvivors applies when selecting phase-2 seeds.
func bestOf(outcomes []TaskOutcome) *TaskOutcome {
	var best *TaskOutcome
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err != nil {
			continue
		}
		if best == nil || o.Objective > best.Objective {
			best = o
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// runWithRetry invokes the runner under a per-task timeout, retrying up
// to cfg.MaxRetries times on error; it stops retrying early on a
// ShuttingDown error or once the parent ctx is cancelled.
func (s *Scheduler) runWithRetry(ctx context.Context, t Task) TaskOutcome {
	timeout := time.Duration(s.cfg.TaskTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	maxRetries := s.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	grace := time.Duration(s.cfg.GracePeriodSec) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		taskCtx, cancel := gracefulTaskContext(ctx, timeout, grace)
		start := time.Now()
		observability.LogTaskStart(taskCtx, t.Params.Fingerprint(), t.Params)
		metrics, err := s.runner.RunTask(taskCtx, t.Params)
		observability.LogTaskEnd(taskCtx, t.Params.Fingerprint(), time.Since(start), err)
		cancel()

		if err == nil {
			observability.RecordOptimizerTask(s.promMetrics, "completed", time.Since(start))
			return TaskOutcome{Params: t.Params, Metrics: metrics, Objective: objectiveValue(s.cfg.Objective, metrics), Retries: attempt}
		}
		lastErr = err
		if errkind.Of(err) == errkind.ShuttingDown || ctx.Err() != nil {
			break
		}
	}
	observability.RecordOptimizerTask(s.promMetrics, "failed", 0)
	return TaskOutcome{Params: t.Params, Err: lastErr, Retries: maxRetries}
}

// gracefulTaskContext derives a task-scoped context bounded by timeout,
// but does not propagate parent's cancellation immediately: when parent
// is cancelled (e.g. SIGINT), the task gets grace to finish on its own
// before the returned context is forcibly cancelled. The returned cancel
// func must always be called to release the background goroutine.
func gracefulTaskContext(parent context.Context, timeout, grace time.Duration) (context.Context, context.CancelFunc) {
	taskCtx, cancel := context.WithTimeout(context.Background(), timeout)
	stop := make(chan struct{})

	go func() {
		select {
		case <-parent.Done():
		case <-stop:
			return
		}
		select {
		case <-time.After(grace):
			cancel()
		case <-stop:
		}
	}()

	return taskCtx, func() {
		close(stop)
		cancel()
	}
}

func objectiveValue(objective string, m store.AggregateMetrics) float64 {
	switch objective {
	case "sharpe":
		return m.Mean.Sharpe
	case "annualized_return":
		return m.Mean.AnnualizedReturn
	default:
		return m.Mean.Alpha
	}
}

func (s *Scheduler) recordOutcome(o TaskOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Err != nil {
		s.progress.Failed++
		return
	}
	s.progress.Completed++
	if !s.progress.HasBest || o.Objective > s.progress.BestObj {
		s.progress.HasBest = true
		s.progress.BestObj = o.Objective
		observability.RecordBestObjective(s.promMetrics, o.Objective)
	}
}

func (s *Scheduler) setInFlight(worker, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.InFlight[worker] = fingerprint
}

func (s *Scheduler) clearInFlight(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress.InFlight, worker)
}

// Snapshot returns a copy of the current progress, safe for a dashboard
// goroutine polling every UIRefreshMillis.
func (s *Scheduler) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.progress
	cp.InFlight = make(map[string]string, len(s.progress.InFlight))
	for k, v := range s.progress.InFlight {
		cp.InFlight[k] = v
	}
	return cp
}

// RunEDA executes the two-phase Estimation of Distribution Algorithm: a
// uniform exploration phase, ranking, survivor selection, and a Gaussian
// refinement phase, then returns the combined report across both phases.
func (s *Scheduler) RunEDA(ctx context.Context, workers int, ranges config.OptimizerRanges, seed int64) (Report, error) {
	rng := rand.New(rand.NewSource(seed))
	n1 := s.cfg.Phase1Samples
	if n1 <= 0 {
		n1 = 20
	}
	n2 := s.cfg.Phase2Samples
	if n2 <= 0 {
		n2 = 10
	}

	phase1 := Phase1Tasks(ranges, n1, rng)
	report1, err := s.Run(ctx, workers, phase1)
	if err != nil {
		return Report{}, err
	}

	k := TopK(n1)
	survivors := topSurvivors(report1.Outcomes, k)

	phase2 := Phase2Tasks(ranges, survivors, n2, rng)
	report2, err := s.Run(ctx, workers, phase2)
	if err != nil {
		return Report{}, err
	}

	combined := Report{
		Total:     report1.Total + report2.Total,
		Completed: report1.Completed + report2.Completed,
		Failed:    report1.Failed + report2.Failed,
		Skipped:   report1.Skipped + report2.Skipped,
		Outcomes:  append(append([]TaskOutcome{}, report1.Outcomes...), report2.Outcomes...),
	}
	sort.Slice(combined.Outcomes, func(i, j int) bool { return combined.Outcomes[i].Objective > combined.Outcomes[j].Objective })
	combined.Best = bestOf(combined.Outcomes)
	return combined, nil
}

func topSurvivors(outcomes []TaskOutcome, k int) []store.ParameterSet {
	successful := make([]TaskOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			successful = append(successful, o)
		}
	}
	sort.Slice(successful, func(i, j int) bool { return successful[i].Objective > successful[j].Objective })
	if k > len(successful) {
		k = len(successful)
	}
	out := make([]store.ParameterSet, k)
	for i := 0; i < k; i++ {
		out[i] = successful[i].Params
	}
	return out
}
