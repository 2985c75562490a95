// Copyright 2025 James Ross
package stats

import (
	"math"
	"math/rand"
)

// ReservoirCapacity bounds the number of raw samples a Running retains for
// the t-test. Moments stay exact regardless of how many samples have been
// seen; only the retained subset used for Welch is capped.
const ReservoirCapacity = 10_000

// Running tracks the incremental (Welford) moments of a scalar stream plus a
// bounded uniform-random reservoir of the raw values, per (version, scorer).
// It is not safe for concurrent use; callers serialize access (the monitor
// owns one Running per version per scorer and only ever touches it from its
// own tick goroutine).
type Running struct {
	n         int64
	mean      float64
	m2        float64
	reservoir []float64
	rng       *rand.Rand
}

// NewRunning returns a zeroed Running ready to accept samples.
func NewRunning() *Running {
	return &Running{rng: rand.New(rand.NewSource(1))}
}

// Add folds x into the running moments and offers it to the reservoir.
func (r *Running) Add(x float64) {
	r.n++
	delta := x - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (x - r.mean)

	switch {
	case int64(len(r.reservoir)) < ReservoirCapacity:
		r.reservoir = append(r.reservoir, x)
	default:
		j := r.rng.Int63n(r.n)
		if j < ReservoirCapacity {
			r.reservoir[j] = x
		}
	}
}

// N returns the total number of samples folded in, including ones no
// longer present in the reservoir.
func (r *Running) N() int64 { return r.n }

// Mean returns the running mean.
func (r *Running) Mean() float64 { return r.mean }

// Variance returns the Bessel-corrected sample variance, or 0 for n<=1.
func (r *Running) Variance() float64 {
	if r.n < 2 {
		return 0
	}
	return r.m2 / float64(r.n-1)
}

// StdDev returns the sample standard deviation.
func (r *Running) StdDev() float64 {
	v := r.Variance()
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Samples returns a copy of the retained raw samples, safe for a caller to
// hand off to Welch without racing a subsequent Add.
func (r *Running) Samples() []float64 {
	out := make([]float64, len(r.reservoir))
	copy(out, r.reservoir)
	return out
}

// Reset clears the moments and reservoir, as when a stage boundary is
// crossed and old samples no longer describe the current canary weight.
func (r *Running) Reset() {
	r.n = 0
	r.mean = 0
	r.m2 = 0
	r.reservoir = r.reservoir[:0]
}
