// Copyright 2025 James Ross
package rollout

import (
	"context"
	"time"
)

// Store is the persistence capability (C7) the controller depends on,
// narrowed to exactly the methods §6 names: atomic snapshot writes,
// append-only transitions/score-snapshots/events, and the point queries
// recovery and history need. Concrete implementations live in
// internal/store; the controller never knows which one it is talking
// to.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadActiveSnapshot(ctx context.Context) (*Snapshot, error)
	LoadSnapshot(ctx context.Context, id string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error)

	AppendTransition(ctx context.Context, t Transition) error
	AppendScoreSnapshot(ctx context.Context, deploymentID string, stageIndex int, scorer string, s ScorerSamples) error
	AppendEvent(ctx context.Context, deploymentID string, eventType string, payload any) error

	RecentEvents(ctx context.Context, deploymentID string, limit int) ([]StoredEvent, error)
}

// Transition is one state_transitions row.
type Transition struct {
	DeploymentID string
	FromState    State
	ToState      State
	Reason       string
	Timestamp    time.Time
}

// StoredEvent is one events row as returned by history queries.
type StoredEvent struct {
	DeploymentID string
	EventType    string
	Payload      []byte
	Timestamp    time.Time
}
