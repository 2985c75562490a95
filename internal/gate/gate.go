// Copyright 2025 James Ross

// Package gate evaluates a single quality gate against baseline and
// canary sample sets. It is a pure function of its inputs: no I/O, no
// clock, no shared state, grounded on the evaluatePromotionConditions
// shape in the canary deployment manager this module was generalized
// from, but reduced to exactly the (gate, baseline, canary) -> result
// mapping the rollout controller needs.
package gate

import "github.com/jamesross/canarypilot/internal/stats"

// Comparison names the statistical relationship a gate requires between
// canary and baseline, beyond the absolute threshold check.
type Comparison string

const (
	NotWorseThanBaseline Comparison = "not_worse_than_baseline"
	BetterThanBaseline   Comparison = "better_than_baseline"
	AbsoluteOnly         Comparison = "absolute_only"
)

// Status is the outcome of evaluating a gate for the current stage.
type Status string

const (
	Passing           Status = "passing"
	Failing           Status = "failing"
	InsufficientData  Status = "insufficient_data"
)

// Spec describes one quality gate as configured on a stage.
type Spec struct {
	Scorer     string
	Threshold  float64
	Comparison Comparison
	Confidence float64
}

// Samples is the raw-sample input for one side (baseline or canary) of a
// gate evaluation, carrying both the sufficient statistics and the raw
// reservoir needed for Welch.
type Samples struct {
	N       int64
	Mean    float64
	Std     float64
	Raw     []float64
}

// Result is the outcome of evaluating one gate, matching the spec's
// GateResult shape exactly.
type Result struct {
	Scorer           string
	Status           Status
	PValue           *float64
	BaselineMean     float64
	CanaryMean       float64
	BaselineN        int64
	CanaryN          int64
	AbsoluteCheck    bool
	ComparisonCheck  bool
	ConfidenceRequired float64
}

// minBaselineSamples is the absolute floor on baseline sample count below
// which a gate cannot be evaluated regardless of min_samples, since
// Welch itself needs at least two baseline observations and the spec
// additionally requires ten before trusting the comparison.
const minBaselineSamples = 10

// Evaluate implements §4.2 of the rollout specification: it never
// mutates its inputs and never touches the clock, Store, or QueryClient.
func Evaluate(spec Spec, baseline, canary Samples, minSamples int64) Result {
	result := Result{
		Scorer:             spec.Scorer,
		BaselineMean:       baseline.Mean,
		CanaryMean:         canary.Mean,
		BaselineN:          baseline.N,
		CanaryN:            canary.N,
		ConfidenceRequired: spec.Confidence,
	}

	if canary.N < minSamples || baseline.N < minBaselineSamples {
		result.Status = InsufficientData
		return result
	}

	result.AbsoluteCheck = canary.Mean >= spec.Threshold

	if spec.Comparison == AbsoluteOnly {
		result.ComparisonCheck = true
	} else {
		welchResult, err := stats.Welch(baseline.Raw, canary.Raw)
		if err != nil {
			result.Status = InsufficientData
			return result
		}
		pValue := welchResult.POneSided
		result.PValue = &pValue

		switch spec.Comparison {
		case NotWorseThanBaseline:
			result.ComparisonCheck = pValue >= 1-spec.Confidence
		case BetterThanBaseline:
			result.ComparisonCheck = (1 - pValue) >= spec.Confidence
		}
	}

	if result.AbsoluteCheck && result.ComparisonCheck {
		result.Status = Passing
	} else {
		result.Status = Failing
	}
	return result
}
