// Copyright 2025 James Ross
package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jamesross/canarypilot/internal/clock"
	"github.com/jamesross/canarypilot/internal/eventbus"
	"github.com/jamesross/canarypilot/internal/gate"
	"github.com/jamesross/canarypilot/internal/obs"
)

// Monitor is the subset of the score monitor (C5) the controller drives
// directly: resetting its running stats on a stage boundary. The
// controller never reaches further into the monitor than this.
type Monitor interface {
	ResetForStage(t time.Time)
}

// ScoreUpdate is what the monitor hands the controller on every tick:
// the raw per-scorer sample sets (the stricter contract chosen over
// moment reconstruction) plus the canary error rate needed by
// evaluateRollback.
type ScoreUpdate struct {
	DeploymentID    string
	Scores          ScoreSnapshot
	CanaryErrorRate float64
}

var allowedTransitions = map[State]map[State]bool{
	Idle:        {Pending: true},
	Pending:     {Stage: true, RollingBack: true},
	Stage:       {Stage: true, Paused: true, RollingBack: true, Promoted: true},
	Paused:      {Stage: true, RollingBack: true},
	RollingBack: {RolledBack: true},
	RolledBack:  {},
	Promoted:    {},
}

// Controller is the stage controller (C6): owns the sole mutable
// DeploymentSnapshot for one deployment, evaluates gates on every score
// update, and drives the state machine in §4.5/§4.6. Adapted from the
// Manager's CreateDeployment/PromoteDeployment/RollbackDeployment/
// checkAutoPromotion methods in internal/canary-deployments/canary-deployments.go.
type Controller struct {
	mu sync.Mutex

	snapshot *Snapshot
	store    Store
	bus      *eventbus.Bus
	clk      clock.Clock
	logger   *slog.Logger
	newID    func() string
	monitor  Monitor

	latestGates   []GateResult
	latestErrRate float64
}

// New constructs a Controller with no active deployment. Call Recover
// before serving traffic so an in-progress deployment from a prior
// process lifetime is adopted rather than silently orphaned.
func New(store Store, bus *eventbus.Bus, clk clock.Clock, logger *slog.Logger, newID func() string) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Controller{store: store, bus: bus, clk: clk, logger: logger, newID: newID}
}

// AttachMonitor wires the monitor the controller resets on stage
// transitions. Stage transitions made while no monitor is attached
// reset nothing.
func (c *Controller) AttachMonitor(m Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitor = m
}

// Recover adopts the most recent non-terminal deployment from the
// store, if one exists, as the in-memory snapshot.
func (c *Controller) Recover(ctx context.Context) error {
	snap, err := c.store.LoadActiveSnapshot(ctx)
	if err != nil {
		return NewStoreFatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
	return nil
}

// Snapshot returns a safe-to-retain copy of the current snapshot, or
// nil if no deployment is active.
func (c *Controller) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return nil
	}
	clone := c.snapshot.Clone()
	return &clone
}

// StartDeployment validates cfg, allocates a fresh deployment, persists
// it, emits deployment_started, then immediately enters STAGE at index 0.
func (c *Controller) StartDeployment(ctx context.Context, cfg DeploymentConfig) (*Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	id := c.newID()
	snap := Snapshot{
		ID:             id,
		Name:           cfg.Name,
		Config:         cfg,
		State:          Pending,
		StageIndex:     0,
		StageEnteredAt: now,
		StartedAt:      now,
		CanaryWeight:   cfg.Stages[0].Weight,
	}

	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, NewStoreFatal(err)
	}
	if err := c.store.AppendTransition(ctx, Transition{DeploymentID: id, FromState: Idle, ToState: Pending, Reason: "start", Timestamp: now}); err != nil {
		return nil, NewStoreFatal(err)
	}
	c.snapshot = &snap

	c.publish(ctx, eventbus.Event{
		Type: eventbus.DeploymentStarted, DeploymentID: id, Timestamp: now,
		Data: eventbus.DeploymentStartedData{DeploymentID: id, Name: cfg.Name, StageIndex: 0, CanaryWeight: snap.CanaryWeight},
	})

	entering := *c.snapshot
	entering.State = Stage
	if err := c.store.SaveSnapshot(ctx, entering); err != nil {
		return nil, NewStoreFatal(err)
	}
	if err := c.store.AppendTransition(ctx, Transition{DeploymentID: id, FromState: Pending, ToState: Stage, Reason: "start", Timestamp: now}); err != nil {
		return nil, NewStoreFatal(err)
	}
	c.snapshot = &entering

	result := entering.Clone()
	return &result, nil
}

// HandleScoreUpdate implements the on-score_update sequence of §4.5.
// deploymentID must match the controller's current deployment; stale
// updates from a deployment that has since ended are ignored.
func (c *Controller) HandleScoreUpdate(ctx context.Context, update ScoreUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot == nil || c.snapshot.ID != update.DeploymentID {
		return nil
	}

	stageIndex := c.snapshot.StageIndex
	for scorer, samples := range update.Scores {
		if err := c.store.AppendScoreSnapshot(ctx, update.DeploymentID, stageIndex, scorer, samples); err != nil {
			return NewStoreFatal(err)
		}
	}

	if c.snapshot.State != Stage {
		return nil
	}

	stage := c.snapshot.CurrentStage()
	gates := make([]GateResult, 0, len(stage.Gates))
	for _, g := range stage.Gates {
		samples, ok := update.Scores[g.Scorer]
		var baseline, canary gate.Samples
		if ok {
			baseline, canary = samples.Baseline, samples.Canary
		}
		result := gate.Evaluate(g, baseline, canary, stage.MinSamples)
		obs.GateEvaluations.WithLabelValues(result.Scorer, string(result.Status)).Inc()
		gates = append(gates, result)
	}
	c.latestGates = gates
	c.latestErrRate = update.CanaryErrorRate

	decision, rollbackReason := c.computeDecision(gates, update.CanaryErrorRate)

	now := c.clk.Now()
	elapsed := now.Sub(c.snapshot.StageEnteredAt)
	remaining := stage.Duration - elapsed
	if remaining < 0 {
		remaining = 0
	}

	c.publish(ctx, eventbus.Event{
		Type: eventbus.GateStatus, DeploymentID: update.DeploymentID, Timestamp: now,
		Data: eventbus.GateStatusData{Gates: toGateResultViews(gates), NextAction: string(decision), TimeRemainingMs: remaining.Milliseconds()},
	})

	switch decision {
	case ActionRollback:
		return c.rollbackLocked(ctx, rollbackReason)
	case ActionAutoPromote:
		return c.advanceStageLocked(ctx, "auto_promote")
	}
	return nil
}

// computeDecision implements stageDecision and evaluateRollback from §4.5.
func (c *Controller) computeDecision(gates []GateResult, errRate float64) (StageDecision, string) {
	stage := c.snapshot.CurrentStage()
	now := c.clk.Now()

	durationElapsed := stage.Duration <= 0 || now.Sub(c.snapshot.StageEnteredAt) >= stage.Duration

	samplesReached := true
	// A stage with no gates (only the final, fully-rolled-out stage is
	// allowed to have none, per Validate) is vacuously passing.
	allPassing := true
	for _, g := range gates {
		if g.CanaryN < stage.MinSamples {
			samplesReached = false
		}
		if g.Status != gate.Passing {
			allPassing = false
		}
	}

	if reason := evaluateRollback(gates, errRate, c.snapshot.Config.Rollback); reason != "" {
		return ActionRollback, reason
	}
	if allPassing && durationElapsed && samplesReached {
		return ActionAutoPromote, ""
	}
	return ActionHold, ""
}

// evaluateRollback implements §4.5's evaluateRollback exactly.
func evaluateRollback(gates []GateResult, errRate float64, cfg RollbackConfig) string {
	for _, g := range gates {
		if g.Status == gate.Failing && g.PValue != nil && *g.PValue < 0.01 {
			return fmt.Sprintf("score_regression:%s", g.Scorer)
		}
	}
	for _, g := range gates {
		if g.BaselineMean-g.CanaryMean > cfg.OnScoreDrop {
			return fmt.Sprintf("absolute_drop:%s", g.Scorer)
		}
	}
	if errRate > cfg.OnErrorRate {
		return "error_rate_exceeded"
	}
	return ""
}

// advanceStageLocked implements advanceStage from §4.5. Caller holds c.mu.
func (c *Controller) advanceStageLocked(ctx context.Context, reason string) error {
	prior := *c.snapshot
	now := c.clk.Now()

	if prior.StageIndex+1 >= len(prior.Config.Stages) {
		next := prior
		next.State = Promoted
		next.CanaryWeight = 100
		final := FinalPromoted
		next.FinalState = &final
		next.CompletedAt = &now

		if err := c.transitionLocked(ctx, prior.State, next, reason); err != nil {
			return err
		}
		c.publish(ctx, eventbus.Event{
			Type: eventbus.DeploymentComplete, DeploymentID: next.ID, Timestamp: now,
			Data: eventbus.DeploymentCompleteData{FinalState: string(FinalPromoted)},
		})
		return nil
	}

	nextIndex := prior.StageIndex + 1
	next := prior
	next.State = Stage
	next.StageIndex = nextIndex
	next.StageEnteredAt = now
	next.CanaryWeight = prior.Config.Stages[nextIndex].Weight

	if err := c.transitionLocked(ctx, prior.State, next, reason); err != nil {
		return err
	}

	if c.monitor != nil {
		c.monitor.ResetForStage(now)
	}

	c.publish(ctx, eventbus.Event{
		Type: eventbus.StageChange, DeploymentID: next.ID, Timestamp: now,
		Data: eventbus.StageChangeData{From: prior.StageIndex, To: nextIndex, CanaryWeight: next.CanaryWeight},
	})

	// A newly-entered stage with no gates and no minimum duration (only
	// ever the final stage, per Validate) is already trivially satisfied:
	// cascade straight through rather than waiting on a score update that
	// would have nothing to evaluate.
	enteredStage := next.Config.Stages[nextIndex]
	if len(enteredStage.Gates) == 0 && enteredStage.Duration <= 0 {
		return c.advanceStageLocked(ctx, reason)
	}
	return nil
}

// rollbackLocked implements rollback(reason) from §4.5. Caller holds c.mu.
func (c *Controller) rollbackLocked(ctx context.Context, reason string) error {
	prior := *c.snapshot
	now := c.clk.Now()
	obs.Rollbacks.WithLabelValues(reason).Inc()

	rollingBack := prior
	rollingBack.State = RollingBack
	rollingBack.CanaryWeight = 0
	rollingBack.Reason = reason
	if err := c.transitionLocked(ctx, prior.State, rollingBack, reason); err != nil {
		return err
	}

	c.publish(ctx, eventbus.Event{
		Type: eventbus.RollbackTriggered, DeploymentID: rollingBack.ID, Timestamp: now,
		Data: eventbus.RollbackTriggeredData{Reason: reason, StageIndex: rollingBack.StageIndex, CanaryWeight: 0},
	})

	rolledBack := rollingBack
	rolledBack.State = RolledBack
	final := FinalRolledBack
	rolledBack.FinalState = &final
	rolledBack.CompletedAt = &now
	if err := c.transitionLocked(ctx, RollingBack, rolledBack, reason); err != nil {
		return err
	}

	c.publish(ctx, eventbus.Event{
		Type: eventbus.DeploymentComplete, DeploymentID: rolledBack.ID, Timestamp: now,
		Data: eventbus.DeploymentCompleteData{FinalState: string(FinalRolledBack)},
	})
	return nil
}

// transitionLocked asserts the edge is allowed, persists next, appends
// the transition record, and swaps it in as the current snapshot.
// Caller holds c.mu.
func (c *Controller) transitionLocked(ctx context.Context, from State, next Snapshot, reason string) error {
	if !allowedTransitions[from][next.State] {
		return NewInvalidTransition(from, next.State)
	}

	ctx, span := obs.StartTransitionSpan(ctx, next.ID, string(from), string(next.State))
	defer span.End()

	if err := c.store.SaveSnapshot(ctx, next); err != nil {
		obs.RecordError(ctx, err)
		return NewStoreFatal(err)
	}
	if err := c.store.AppendTransition(ctx, Transition{
		DeploymentID: next.ID, FromState: from, ToState: next.State, Reason: reason, Timestamp: c.clk.Now(),
	}); err != nil {
		obs.RecordError(ctx, err)
		return NewStoreFatal(err)
	}
	obs.SetSpanSuccess(ctx)

	obs.StageTransitions.WithLabelValues(string(from), string(next.State)).Inc()
	obs.CanaryWeight.WithLabelValues(next.ID).Set(float64(next.CanaryWeight))

	snap := next
	c.snapshot = &snap
	return nil
}

// Pause implements pause() from §4.5: STAGE only.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return NewInvalidTransition(Idle, Paused)
	}
	prior := *c.snapshot
	if prior.State != Stage {
		return NewInvalidTransition(prior.State, Paused)
	}

	next := prior
	next.State = Paused
	idx := prior.StageIndex
	next.PausedStageIndex = &idx
	if err := c.transitionLocked(ctx, Stage, next, "pause"); err != nil {
		return err
	}
	c.publish(ctx, eventbus.Event{Type: eventbus.Paused, DeploymentID: next.ID, Timestamp: c.clk.Now(), Data: eventbus.PausedData{StageIndex: idx}})
	return nil
}

// Resume implements resume() from §4.5: PAUSED only, timer restarts.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return NewInvalidTransition(Idle, Stage)
	}
	prior := *c.snapshot
	if prior.State != Paused {
		return NewInvalidTransition(prior.State, Stage)
	}

	now := c.clk.Now()
	next := prior
	next.State = Stage
	next.StageEnteredAt = now
	next.PausedStageIndex = nil
	if err := c.transitionLocked(ctx, Paused, next, "resume"); err != nil {
		return err
	}
	c.publish(ctx, eventbus.Event{Type: eventbus.Resumed, DeploymentID: next.ID, Timestamp: now, Data: eventbus.ResumedData{StageIndex: next.StageIndex}})
	return nil
}

// Promote implements promote(force) from §4.5.
func (c *Controller) Promote(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return NewInvalidTransition(Idle, Stage)
	}

	switch c.snapshot.State {
	case Stage:
		if !force {
			decision, _ := c.computeDecision(c.latestGates, c.latestErrRate)
			if decision != ActionAutoPromote {
				return NewPromotionNotReady(c.snapshot.StageIndex)
			}
		}
		return c.advanceStageLocked(ctx, "manual_promote")
	case Paused:
		return c.advanceStageLocked(ctx, "manual_promote")
	default:
		return NewInvalidTransition(c.snapshot.State, Stage)
	}
}

// Rollback implements rollback(reason) from §4.5: allowed from any
// non-terminal state, including PENDING, which it terminates without
// ever having entered STAGE.
func (c *Controller) Rollback(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return NewInvalidTransition(Idle, RollingBack)
	}
	switch c.snapshot.State {
	case RolledBack, Promoted:
		return NewInvalidTransition(c.snapshot.State, RollingBack)
	}
	return c.rollbackLocked(ctx, reason)
}

// publish fans an event out to the bus and appends it to the Store's
// event history in the same call, so RecentEvents reflects exactly
// what subscribers saw. A history-write failure is logged, not
// propagated: the state machine has already committed the transition
// by the time publish runs, and a deployment shouldn't fail on an
// events-table write after its real state change has landed.
func (c *Controller) publish(ctx context.Context, ev eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
	if c.store == nil {
		return
	}
	if err := c.store.AppendEvent(ctx, ev.DeploymentID, string(ev.Type), ev.Data); err != nil {
		c.logger.Warn("failed to persist event", "deployment_id", ev.DeploymentID, "event_type", string(ev.Type), "error", err)
	}
}

func toGateResultViews(gates []GateResult) []eventbus.GateResultView {
	views := make([]eventbus.GateResultView, len(gates))
	for i, g := range gates {
		views[i] = eventbus.GateResultView{
			Scorer: g.Scorer, Status: string(g.Status), PValue: g.PValue,
			BaselineMean: g.BaselineMean, CanaryMean: g.CanaryMean,
			BaselineN: g.BaselineN, CanaryN: g.CanaryN,
			AbsoluteCheck: g.AbsoluteCheck, ComparisonCheck: g.ComparisonCheck,
			ConfidenceRequired: g.ConfidenceRequired,
		}
	}
	return views
}
