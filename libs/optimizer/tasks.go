// Package optimizer implements C5: enumerating or sampling the parameter
// space, dispatching backtests (via C4) to a bounded worker pool,
// deduplicating against persisted results, and reporting progress.
package optimizer

import (
	"math"
	"math/rand"
	"sort"

	"meanrevert-research/libs/config"
	"meanrevert-research/libs/store"
)

// Task is one (params) unit of dispatch; the walk-forward window set is
// fixed per run and supplied separately to the scheduler.
type Task struct {
	Params store.ParameterSet
}

// GridTasks enumerates the Cartesian product of the configured ranges,
// ordered by historic request frequency first (when freq is non-nil),
// then lexicographically.
func GridTasks(ranges config.OptimizerRanges, freq map[string]int) []Task {
	zs := steps(ranges.Z)
	mas := intSteps(ranges.MA)
	profits := steps(ranges.Profit)
	stops := steps(ranges.Stop)

	tasks := make([]Task, 0, len(zs)*len(mas)*len(profits)*len(stops))
	for _, z := range zs {
		for _, ma := range mas {
			for _, p := range profits {
				for _, s := range stops {
					tasks = append(tasks, Task{Params: store.ParameterSet{
						ZScoreThreshold: z, MAPeriod: ma, ProfitPct: p, StopLossPct: s,
					}})
				}
			}
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		fi := freq[tasks[i].Params.Fingerprint()]
		fj := freq[tasks[j].Params.Fingerprint()]
		if fi != fj {
			return fi > fj // higher historic frequency first
		}
		return tasks[i].Params.Fingerprint() < tasks[j].Params.Fingerprint()
	})
	return tasks
}

// steps enumerates r.Min, r.Min+r.Step, ... up to and including r.Max
// (within floating-point tolerance).
func steps(r config.Range) []float64 {
	if r.Step <= 0 {
		return []float64{r.Min}
	}
	var out []float64
	for v := r.Min; v <= r.Max+r.Step*1e-9; v += r.Step {
		out = append(out, math.Round(v*1e6)/1e6)
	}
	return out
}

func intSteps(r config.Range) []int {
	fs := steps(r)
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(math.Round(f))
	}
	return out
}

// dimensionStats holds the (mean, std) of one parameter dimension over a
// set of survivors, with std floored to avoid degenerate exploration
// when survivors cluster tightly.
type dimensionStats struct {
	mean, std float64
}

// stdFloors are the per-dimension minimum standard deviations.
var stdFloors = struct{ z, ma, profit, stop float64 }{z: 0.5, ma: 5, profit: 1.0, stop: 0.5}

// Phase1Tasks draws n parameter sets uniformly from ranges, snapped to
// each dimension's step, using rng for reproducibility.
func Phase1Tasks(ranges config.OptimizerRanges, n int, rng *rand.Rand) []Task {
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = Task{Params: store.ParameterSet{
			ZScoreThreshold: uniformSnap(ranges.Z, rng),
			MAPeriod:        int(uniformSnap(ranges.MA, rng)),
			ProfitPct:       uniformSnap(ranges.Profit, rng),
			StopLossPct:     uniformSnap(ranges.Stop, rng),
		}}
	}
	return tasks
}

func uniformSnap(r config.Range, rng *rand.Rand) float64 {
	v := r.Min + rng.Float64()*(r.Max-r.Min)
	return snapToStep(v, r)
}

// Phase2Tasks fits an independent Gaussian per dimension over survivors
// and draws n new clamped, step-snapped samples.
func Phase2Tasks(ranges config.OptimizerRanges, survivors []store.ParameterSet, n int, rng *rand.Rand) []Task {
	zStats := fitDimension(survivors, func(p store.ParameterSet) float64 { return p.ZScoreThreshold }, stdFloors.z)
	maStats := fitDimension(survivors, func(p store.ParameterSet) float64 { return float64(p.MAPeriod) }, stdFloors.ma)
	profitStats := fitDimension(survivors, func(p store.ParameterSet) float64 { return p.ProfitPct }, stdFloors.profit)
	stopStats := fitDimension(survivors, func(p store.ParameterSet) float64 { return p.StopLossPct }, stdFloors.stop)

	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = Task{Params: store.ParameterSet{
			ZScoreThreshold: clampSnap(gaussianSample(zStats, rng), ranges.Z),
			MAPeriod:        int(clampSnap(gaussianSample(maStats, rng), ranges.MA)),
			ProfitPct:       clampSnap(gaussianSample(profitStats, rng), ranges.Profit),
			StopLossPct:     clampSnap(gaussianSample(stopStats, rng), ranges.Stop),
		}}
	}
	return tasks
}

func fitDimension(survivors []store.ParameterSet, f func(store.ParameterSet) float64, floor float64) dimensionStats {
	n := float64(len(survivors))
	if n == 0 {
		return dimensionStats{std: floor}
	}
	var sum float64
	for _, p := range survivors {
		sum += f(p)
	}
	mean := sum / n

	var sumSq float64
	for _, p := range survivors {
		d := f(p) - mean
		sumSq += d * d
	}
	std := math.Sqrt(sumSq / n)
	if std < floor {
		std = floor
	}
	return dimensionStats{mean: mean, std: std}
}

func gaussianSample(d dimensionStats, rng *rand.Rand) float64 {
	return d.mean + rng.NormFloat64()*d.std
}

func clampSnap(v float64, r config.Range) float64 {
	if v < r.Min {
		v = r.Min
	}
	if v > r.Max {
		v = r.Max
	}
	return snapToStep(v, r)
}

func snapToStep(v float64, r config.Range) float64 {
	if r.Step <= 0 {
		return v
	}
	snapped := r.Min + math.Round((v-r.Min)/r.Step)*r.Step
	if snapped > r.Max {
		snapped = r.Max
	}
	if snapped < r.Min {
		snapped = r.Min
	}
	return math.Round(snapped*1e6) / 1e6
}

// TopK returns max(3, ceil(0.2*n1)).
func TopK(n1 int) int {
	k := int(math.Ceil(0.2 * float64(n1)))
	if k < 3 {
		k = 3
	}
	return k
}
