// Copyright 2025 James Ross
package stats

// tCDF evaluates F_T(t; df), the Student-t cumulative distribution
// function, via the regularized incomplete beta function.
func tCDF(t, df float64) float64 {
	x := df / (df + t*t)
	ib := regularizedIncompleteBeta(x, df/2, 0.5)
	if t >= 0 {
		return 1 - 0.5*ib
	}
	return 0.5 * ib
}

const (
	tQuantileLo    = -50.0
	tQuantileHi    = 50.0
	tQuantileIters = 120
)

// tQuantile inverts tCDF by bisection on [-50, 50]; 120 iterations is far
// more precision than the 95% CI this package uses it for requires.
func tQuantile(p, df float64) float64 {
	lo, hi := tQuantileLo, tQuantileHi
	for i := 0; i < tQuantileIters; i++ {
		mid := (lo + hi) / 2
		if tCDF(mid, df) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}
