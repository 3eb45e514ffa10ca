// Package kernel implements the sliding-window numeric core shared by the
// backtest simulator: single-pass mean, variance, z-score, and Bollinger
// band computation over an ordered time series.
package kernel

import (
	"math"

	"meanrevert-research/libs/errkind"
)

// stabilityEps is the floor below which a standard deviation is treated as
// zero to avoid dividing by (near) zero when computing a z-score.
const stabilityEps = 1e-10

// welfordSumThreshold and welfordWindowThreshold select the Welford
// incremental-update path over the plain running-sum path: either very
// large magnitudes or very long windows make sum-of-squares accumulation
// numerically unreliable.
const (
	welfordSumThreshold    = 1e12
	welfordWindowThreshold = 1e4
)

// Point is a single (timestamp, value) observation. Timestamp is opaque to
// the kernel; it is carried through only for the caller's alignment.
type Point struct {
	Timestamp int64
	Value     float64
}

// Bollinger holds the three Bollinger band values for one window position.
type Bollinger struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Result holds the four aligned output sequences produced by
// ComputeWindowMetrics, each of length len(data) - window + 1, aligned by
// the right edge of the window.
type Result struct {
	ZScore        []float64
	MovingAverage []float64
	RollingStd    []float64
	Bands         []Bollinger
}

// ComputeWindowMetrics computes z-score, moving average, rolling standard
// deviation (population variance), and Bollinger bands over data using a
// sliding window of size window, in O(N) time and O(window) extra memory.
//
// Returns InsufficientData if len(data) < window, and InvalidInput if
// window <= 0 or any value is NaN or infinite.
func ComputeWindowMetrics(data []Point, window int) (Result, error) {
	if window <= 0 {
		return Result{}, errkind.New(errkind.InvalidInput, errInvalidWindow(window))
	}
	n := len(data)
	if n < window {
		return Result{}, errkind.New(errkind.InsufficientData, errTooFewPoints(n, window))
	}
	for _, p := range data {
		if !isFinite(p.Value) {
			return Result{}, errkind.New(errkind.InvalidInput, errNonFinite())
		}
	}

	outLen := n - window + 1
	res := Result{
		ZScore:        make([]float64, outLen),
		MovingAverage: make([]float64, outLen),
		RollingStd:    make([]float64, outLen),
		Bands:         make([]Bollinger, outLen),
	}

	useWelford := useWelfordPath(data, window)

	if useWelford {
		computeWelford(data, window, res)
	} else {
		computeRunningSum(data, window, res)
	}

	for i := 0; i < outLen; i++ {
		ma := res.MovingAverage[i]
		std := res.RollingStd[i]
		res.Bands[i] = Bollinger{
			Upper:  ma + 2*std,
			Middle: ma,
			Lower:  ma - 2*std,
		}
		value := data[i+window-1].Value
		if std < stabilityEps {
			res.ZScore[i] = 0
		} else {
			res.ZScore[i] = (value - ma) / std
		}
	}

	return res, nil
}

// useWelfordPath decides the numerically-sensitive path based on the
// running sum magnitude over the first window or the window size itself.
func useWelfordPath(data []Point, window int) bool {
	if float64(window) > welfordWindowThreshold {
		return true
	}
	sum := 0.0
	for i := 0; i < window; i++ {
		sum += data[i].Value
	}
	return math.Abs(sum) > welfordSumThreshold
}

// computeRunningSum maintains sum and sum-of-squares incrementally,
// recomputing mean and population variance in O(1) per step.
func computeRunningSum(data []Point, window int, res Result) {
	var sum, sumSq float64
	for i := 0; i < window; i++ {
		v := data[i].Value
		sum += v
		sumSq += v * v
	}

	w := float64(window)
	writeStep := func(idx int, sum, sumSq float64) {
		mean := sum / w
		variance := sumSq/w - mean*mean
		if variance < 0 {
			variance = 0
		}
		res.MovingAverage[idx] = mean
		res.RollingStd[idx] = math.Sqrt(variance)
	}

	writeStep(0, sum, sumSq)
	for i := 1; i < len(res.MovingAverage); i++ {
		leaving := data[i-1].Value
		entering := data[i+window-1].Value
		sum += entering - leaving
		sumSq += entering*entering - leaving*leaving
		writeStep(i, sum, sumSq)
	}
}

// computeWelford maintains (mean, M2) via Welford's online algorithm,
// removing the departing element with the decremental form, for
// numerically sensitive windows (large magnitude sums or long windows).
func computeWelford(data []Point, window int, res Result) {
	var mean, m2 float64
	for i := 0; i < window; i++ {
		welfordAdd(&mean, &m2, float64(i+1), data[i].Value)
	}

	w := float64(window)
	writeStep := func(idx int) {
		variance := m2 / w
		if variance < 0 {
			variance = 0
		}
		res.MovingAverage[idx] = mean
		res.RollingStd[idx] = math.Sqrt(variance)
	}

	writeStep(0)
	for i := 1; i < len(res.MovingAverage); i++ {
		leaving := data[i-1].Value
		entering := data[i+window-1].Value
		welfordRemove(&mean, &m2, w, leaving)
		welfordAddFixedCount(&mean, &m2, w, entering)
		writeStep(i)
	}
}

// welfordAdd applies Welford's forward update for the nth sample added to
// an empty-to-n-sized accumulator (used only while filling the first
// window, where count grows from 1 to window).
func welfordAdd(mean, m2 *float64, count, value float64) {
	delta := value - *mean
	*mean += delta / count
	delta2 := value - *mean
	*m2 += delta * delta2
}

// welfordAddFixedCount applies Welford's update for adding value to an
// accumulator holding n-1 values, bringing it back to n (used once the
// window is full, right after welfordRemove drops the leaving element).
func welfordAddFixedCount(mean, m2 *float64, n, value float64) {
	oldMean := *mean
	*mean = oldMean + (value-oldMean)/n
	*m2 += (value - oldMean) * (value - *mean)
}

// welfordRemove applies the decremental Welford update, removing value
// from an accumulator currently holding a fixed count n.
func welfordRemove(mean, m2 *float64, n, value float64) {
	oldMean := *mean
	*mean = oldMean + (oldMean-value)/(n-1)
	*m2 -= (value - oldMean) * (value - *mean)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
