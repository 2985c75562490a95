// Copyright 2025 James Ross
package rollout

import (
	"strconv"

	"github.com/jamesross/canarypilot/internal/gate"
)

// Validate checks the invariants §3 places on a DeploymentConfig:
// strictly increasing stage weights in [1,100], a final weight of 100,
// and at least one gate on every non-final stage. Adapted from the
// Validate-method-on-config shape in internal/canary-deployments/config.go.
func (c DeploymentConfig) Validate() error {
	if c.Name == "" {
		return NewInvalidConfig("name must be non-empty")
	}
	if c.Project == "" {
		return NewInvalidConfig("project must be non-empty")
	}
	if len(c.Stages) == 0 {
		return NewInvalidConfig("stages must be non-empty")
	}

	prevWeight := 0
	for i, stage := range c.Stages {
		if stage.Weight < 1 || stage.Weight > 100 {
			return NewInvalidConfig("stage weight must be in [1,100]").WithDetail("stage_index", strconv.Itoa(i))
		}
		if stage.Weight <= prevWeight {
			return NewInvalidConfig("stage weights must be strictly increasing").WithDetail("stage_index", strconv.Itoa(i))
		}
		prevWeight = stage.Weight

		isFinal := i == len(c.Stages)-1
		if !isFinal && len(stage.Gates) == 0 {
			return NewInvalidConfig("non-final stages must define at least one gate").WithDetail("stage_index", strconv.Itoa(i))
		}
		if stage.MinSamples < 1 {
			return NewInvalidConfig("stage min_samples must be >= 1").WithDetail("stage_index", strconv.Itoa(i))
		}
		for _, g := range stage.Gates {
			if err := validateGate(g); err != nil {
				return err
			}
		}
	}

	if c.Stages[len(c.Stages)-1].Weight != 100 {
		return NewInvalidConfig("final stage weight must equal 100")
	}

	if c.Rollback.OnScoreDrop < 0 || c.Rollback.OnScoreDrop > 1 {
		return NewInvalidConfig("rollback.on_score_drop must be in [0,1]")
	}
	if c.Rollback.OnErrorRate < 0 || c.Rollback.OnErrorRate > 1 {
		return NewInvalidConfig("rollback.on_error_rate must be in [0,1]")
	}
	if c.Monitor.PollInterval <= 0 {
		return NewInvalidConfig("monitor.poll_interval must be positive")
	}

	return nil
}

func validateGate(g gate.Spec) error {
	if g.Scorer == "" {
		return NewInvalidConfig("gate scorer must be non-empty")
	}
	if g.Threshold < 0 || g.Threshold > 1 {
		return NewInvalidConfig("gate threshold must be in [0,1]").WithDetail("scorer", g.Scorer)
	}
	switch g.Comparison {
	case gate.NotWorseThanBaseline, gate.BetterThanBaseline, gate.AbsoluteOnly:
	default:
		return NewInvalidConfig("unknown gate comparison").WithDetail("scorer", g.Scorer)
	}
	if g.Comparison != gate.AbsoluteOnly {
		if g.Confidence < 0.5 || g.Confidence > 0.999 {
			return NewInvalidConfig("gate confidence must be in [0.5,0.999]").WithDetail("scorer", g.Scorer)
		}
	}
	return nil
}

