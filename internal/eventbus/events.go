// Copyright 2025 James Ross
package eventbus

import "time"

// Type names one of the rollout lifecycle event kinds.
type Type string

const (
	DeploymentStarted  Type = "deployment_started"
	ScoreUpdate        Type = "score_update"
	GateStatus         Type = "gate_status"
	StageChange        Type = "stage_change"
	RollbackTriggered  Type = "rollback_triggered"
	DeploymentComplete Type = "deployment_complete"
	Paused             Type = "paused"
	Resumed            Type = "resumed"
	MonitorHealth      Type = "monitor_health"
)

// Event is the typed envelope every publish carries. Data holds one of
// the payload structs below, matching the event's Type.
type Event struct {
	Type         Type
	DeploymentID string
	Timestamp    time.Time
	Data         any
}

// DeploymentStartedData is the payload for DeploymentStarted.
type DeploymentStartedData struct {
	DeploymentID string
	Name         string
	StageIndex   int
	CanaryWeight int
}

// ScorerSnapshot is one scorer's baseline/canary pair inside a score_update.
type ScorerSnapshot struct {
	BaselineMean float64
	BaselineStd  float64
	BaselineN    int64
	CanaryMean   float64
	CanaryStd    float64
	CanaryN      int64
}

// ScoreUpdateData is the payload for ScoreUpdate: scorer name -> snapshot.
type ScoreUpdateData map[string]ScorerSnapshot

// GateStatusData is the payload for GateStatus.
type GateStatusData struct {
	Gates          []GateResultView
	NextAction     string
	TimeRemainingMs int64
}

// GateResultView is the event-bus projection of a gate evaluation result;
// it mirrors internal/gate.Result without importing it, keeping the bus
// free of a dependency on the gate package's internals.
type GateResultView struct {
	Scorer             string
	Status             string
	PValue             *float64
	BaselineMean       float64
	CanaryMean         float64
	BaselineN          int64
	CanaryN            int64
	AbsoluteCheck      bool
	ComparisonCheck    bool
	ConfidenceRequired float64
}

// StageChangeData is the payload for StageChange.
type StageChangeData struct {
	From         int
	To           int
	CanaryWeight int
}

// PausedData is the payload for Paused.
type PausedData struct {
	StageIndex int
}

// ResumedData is the payload for Resumed.
type ResumedData struct {
	StageIndex int
}

// RollbackTriggeredData is the payload for RollbackTriggered.
type RollbackTriggeredData struct {
	Reason       string
	StageIndex   int
	CanaryWeight int
}

// DeploymentCompleteData is the payload for DeploymentComplete.
type DeploymentCompleteData struct {
	FinalState string
}

// MonitorHealthData is the payload for MonitorHealth.
type MonitorHealthData struct {
	Status            string
	ConsecutiveFailures int
	TotalRequests     int64
	TotalRateLimited  int64
	LastError         string
	LastErrorAt       *time.Time
	LastSuccessAt     *time.Time
	LastBackoffMs     *int64
}
