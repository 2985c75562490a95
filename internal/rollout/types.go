// Copyright 2025 James Ross

// Package rollout owns the stage controller (C6): the sole mutable
// DeploymentSnapshot, the state machine in §4.5/§4.6 of the rollout
// specification, and the glue that runs gate evaluation against monitor
// snapshots. It is adapted from the Manager type in
// internal/canary-deployments/canary-deployments.go, generalized from a
// job-queue canary (percentage-based worker routing) to a quality-gated
// prompt/model rollout, and from its types.go/config.go/errors.go
// siblings for the surrounding shapes.
package rollout

import (
	"time"

	"github.com/jamesross/canarypilot/internal/gate"
)

// State is one of the controller's finite-state-machine states.
type State string

const (
	Idle         State = "IDLE"
	Pending      State = "PENDING"
	Stage        State = "STAGE"
	Paused       State = "PAUSED"
	RollingBack  State = "ROLLING_BACK"
	RolledBack   State = "ROLLED_BACK"
	Promoted     State = "PROMOTED"
)

// FinalState is the terminal outcome of a completed deployment.
type FinalState string

const (
	FinalPromoted   FinalState = "PROMOTED"
	FinalRolledBack FinalState = "ROLLED_BACK"
)

// Variant describes one side (baseline or canary) of a deployment config.
type Variant struct {
	Model        string
	Prompt       string
	SystemPrompt string
}

// StageSpec is one step in a rollout's weight/gate schedule.
type StageSpec struct {
	Weight     int
	Duration   time.Duration
	MinSamples int64
	Gates      []gate.Spec
}

// RollbackConfig names the absolute thresholds that trigger an automatic
// rollback, independent of any per-gate statistical check.
type RollbackConfig struct {
	OnScoreDrop float64
	OnErrorRate float64
	// Cooldown is carried for forward compatibility but gates nothing
	// today: no promote/re-attempt flow consumes it yet.
	// TODO: wire into a re-attempt flow once one exists.
	Cooldown time.Duration
}

// MonitorConfig configures the score monitor attached to a deployment.
type MonitorConfig struct {
	PollInterval   time.Duration
	StickyKey      string
	ScorerLagGrace time.Duration
}

// DeploymentConfig is the immutable input describing one rollout.
// Controller.StartDeployment checks it with Validate before using it;
// the core never loads or parses configuration itself (see
// internal/config).
type DeploymentConfig struct {
	Name     string
	Project  string
	Baseline Variant
	Canary   Variant
	Stages   []StageSpec
	Rollback RollbackConfig
	Monitor  MonitorConfig
}

// ScorerNames returns the deduplicated set of scorer names referenced by
// any stage's gates, in first-seen order — what the monitor needs to
// know to maintain running stats.
func (c DeploymentConfig) ScorerNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range c.Stages {
		for _, g := range s.Gates {
			if !seen[g.Scorer] {
				seen[g.Scorer] = true
				names = append(names, g.Scorer)
			}
		}
	}
	return names
}

// Snapshot is the controller's single source of truth for one
// deployment: the only thing persisted, the only thing a router reads.
type Snapshot struct {
	ID               string
	Name             string
	Config           DeploymentConfig
	State            State
	StageIndex       int
	StageEnteredAt   time.Time
	StartedAt        time.Time
	CompletedAt      *time.Time
	FinalState       *FinalState
	PausedStageIndex *int
	CanaryWeight     int
	Reason           string
}

// Clone returns a deep-enough copy safe for a reader to retain without
// racing a subsequent controller mutation (config/stages are immutable
// for the snapshot's lifetime so a shallow copy of them is sufficient).
func (s Snapshot) Clone() Snapshot {
	clone := s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		clone.CompletedAt = &t
	}
	if s.FinalState != nil {
		fs := *s.FinalState
		clone.FinalState = &fs
	}
	if s.PausedStageIndex != nil {
		p := *s.PausedStageIndex
		clone.PausedStageIndex = &p
	}
	return clone
}

// CurrentStage returns the stage the snapshot currently points at.
func (s Snapshot) CurrentStage() StageSpec {
	return s.Config.Stages[s.StageIndex]
}

// GateResult mirrors gate.Result for callers that only import rollout.
type GateResult = gate.Result

// ScoreSnapshot is the monitor-to-controller message: scorer -> the
// baseline/canary sufficient statistics and raw samples the gate
// evaluator needs (the stricter, raw-sample-carrying contract chosen in
// the open-question resolution over the lossy moment-reconstruction
// shortcut).
type ScoreSnapshot map[string]ScorerSamples

// ScorerSamples is one scorer's baseline and canary sample sets at
// snapshot time.
type ScorerSamples struct {
	Baseline gate.Samples
	Canary   gate.Samples
}

// StageDecision is the controller's verdict after evaluating gates for
// the current stage on one score update.
type StageDecision string

const (
	ActionHold        StageDecision = "hold"
	ActionAutoPromote StageDecision = "auto_promote"
	ActionRollback    StageDecision = "rollback"
)
