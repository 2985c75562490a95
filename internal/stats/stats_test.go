// Copyright 2025 James Ross
package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWelchIdenticalValuesIsDegenerate(t *testing.T) {
	b := []float64{0.9, 0.9, 0.9, 0.9}
	c := []float64{0.9, 0.9, 0.9, 0.9}

	res, err := Welch(b, c)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.T)
	assert.Equal(t, 1.0, res.PTwoSided)
	assert.Equal(t, 0.5, res.POneSided)
	assert.Equal(t, 0.0, res.CILow)
	assert.Equal(t, 0.0, res.CIHigh)
}

func TestWelchInsufficientSamples(t *testing.T) {
	_, err := Welch([]float64{0.9}, []float64{0.8, 0.7})
	assert.ErrorIs(t, err, ErrInsufficientSamples)

	_, err = Welch([]float64{0.9, 0.8}, []float64{0.7})
	assert.ErrorIs(t, err, ErrInsufficientSamples)
}

func TestWelchDetectsLowerCanary(t *testing.T) {
	baseline := []float64{0.9, 0.91, 0.89, 0.9, 0.91, 0.88, 0.9, 0.9, 0.91, 0.89}
	canary := []float64{0.78, 0.75, 0.8, 0.76, 0.79, 0.77, 0.75, 0.78, 0.76, 0.77}

	res, err := Welch(baseline, canary)
	require.NoError(t, err)
	assert.Less(t, res.POneSided, 0.01)
	assert.Less(t, res.Mean2, res.Mean1)
}

func TestRunningMomentsAgreeWithNaive(t *testing.T) {
	r := NewRunning()
	var naive []float64
	for i := 0; i < 5000; i++ {
		x := math.Sin(float64(i)) + float64(i%7)
		r.Add(x)
		naive = append(naive, x)
	}

	var sum float64
	for _, x := range naive {
		sum += x
	}
	naiveMean := sum / float64(len(naive))
	var sumSq float64
	for _, x := range naive {
		sumSq += (x - naiveMean) * (x - naiveMean)
	}
	naiveVar := sumSq / float64(len(naive)-1)
	assert.InEpsilon(t, naiveMean, r.Mean(), 1e-9)
	if naiveVar > 0 {
		assert.InEpsilon(t, naiveVar, r.Variance(), 1e-9)
	}
}

func TestReservoirCapsRetainedSamples(t *testing.T) {
	r := NewRunning()
	for i := 0; i < ReservoirCapacity+5000; i++ {
		r.Add(float64(i))
	}
	assert.Equal(t, int64(ReservoirCapacity+5000), r.N())
	assert.Len(t, r.Samples(), ReservoirCapacity)
}

func TestResetClearsMomentsAndReservoir(t *testing.T) {
	r := NewRunning()
	r.Add(1)
	r.Add(2)
	r.Reset()
	assert.Equal(t, int64(0), r.N())
	assert.Equal(t, 0.0, r.Mean())
	assert.Empty(t, r.Samples())
}

func TestTQuantileRoundTripsThroughCDF(t *testing.T) {
	df := 18.0
	p := 0.975
	x := tQuantile(p, df)
	got := tCDF(x, df)
	assert.InDelta(t, p, got, 1e-3)
}

func TestRegularizedIncompleteBetaBoundaries(t *testing.T) {
	assert.Equal(t, 0.0, regularizedIncompleteBeta(0, 2, 3))
	assert.Equal(t, 1.0, regularizedIncompleteBeta(1, 2, 3))
}
