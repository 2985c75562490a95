// Copyright 2025 James Ross

// Package store implements the Store capability (C7) the rollout
// controller depends on: atomic snapshot writes, append-only
// transitions/score-snapshots/events, and the point queries recovery
// and history need. RedisStore is adapted from the saveDeployment,
// loadDeployments, and saveEventToRedis methods in
// internal/canary-deployments/canary-deployments.go, generalized from a
// job-queue canary's Redis key layout to the rollout specification's
// logical schema (§6): deployments, state_transitions, score_snapshots,
// events.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jamesross/canarypilot/internal/obs"
	"github.com/jamesross/canarypilot/internal/rollout"
)

const (
	deploymentKeyPrefix   = "rollout:deployment:"
	activeDeploymentsSet  = "rollout:deployments:active"
	allDeploymentsZSet    = "rollout:deployments:by_time"
	transitionsListPrefix = "rollout:transitions:"
	scoreSnapshotsPrefix  = "rollout:score_snapshots:"
	eventsListPrefix      = "rollout:events:"
	defaultHistoryTTL     = 30 * 24 * time.Hour
)

// RedisStore persists deployment snapshots, transitions, score
// snapshots, and events in Redis: one JSON string key per deployment, a
// sorted set by start time, a set of active deployment ids, and one list
// per history stream.
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (creation and Close).
func New(rdb *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, logger: logger}
}

type snapshotRow struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Config           rollout.DeploymentConfig `json:"config"`
	State            rollout.State       `json:"state"`
	StageIndex       int                 `json:"stage_index"`
	StageEnteredAt   time.Time           `json:"stage_entered_at"`
	StartedAt        time.Time           `json:"started_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	FinalState       *rollout.FinalState `json:"final_state,omitempty"`
	PausedStageIndex *int                `json:"paused_stage_index,omitempty"`
	CanaryWeight     int                 `json:"canary_weight"`
	Reason           string              `json:"reason,omitempty"`
}

func toRow(s rollout.Snapshot) snapshotRow {
	return snapshotRow{
		ID: s.ID, Name: s.Name, Config: s.Config, State: s.State, StageIndex: s.StageIndex,
		StageEnteredAt: s.StageEnteredAt, StartedAt: s.StartedAt, CompletedAt: s.CompletedAt,
		FinalState: s.FinalState, PausedStageIndex: s.PausedStageIndex, CanaryWeight: s.CanaryWeight,
		Reason: s.Reason,
	}
}

func (r snapshotRow) toSnapshot() rollout.Snapshot {
	return rollout.Snapshot{
		ID: r.ID, Name: r.Name, Config: r.Config, State: r.State, StageIndex: r.StageIndex,
		StageEnteredAt: r.StageEnteredAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		FinalState: r.FinalState, PausedStageIndex: r.PausedStageIndex, CanaryWeight: r.CanaryWeight,
		Reason: r.Reason,
	}
}

func isTerminal(s rollout.State) bool {
	return s == rollout.Idle || s == rollout.Promoted || s == rollout.RolledBack
}

// SaveSnapshot writes the deployment row atomically and maintains the
// active-deployments index used by LoadActiveSnapshot.
func (r *RedisStore) SaveSnapshot(ctx context.Context, snap rollout.Snapshot) error {
	ctx, span := obs.StartStoreSpan(ctx, "save_snapshot", snap.ID)
	defer span.End()

	payload, err := json.Marshal(toRow(snap))
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := deploymentKeyPrefix + snap.ID
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, key, payload, 0)
	pipe.ZAdd(ctx, allDeploymentsZSet, redis.Z{Score: float64(snap.StartedAt.UnixNano()), Member: snap.ID})
	if isTerminal(snap.State) {
		pipe.SRem(ctx, activeDeploymentsSet, snap.ID)
	} else {
		pipe.SAdd(ctx, activeDeploymentsSet, snap.ID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	obs.SetSpanSuccess(ctx)
	return nil
}

// LoadActiveSnapshot returns the most recently started non-terminal
// deployment, or nil if none exists.
func (r *RedisStore) LoadActiveSnapshot(ctx context.Context) (*rollout.Snapshot, error) {
	ids, err := r.rdb.SMembers(ctx, activeDeploymentsSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list active deployments: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var latest *rollout.Snapshot
	for _, id := range ids {
		snap, err := r.LoadSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			continue
		}
		if latest == nil || snap.StartedAt.After(latest.StartedAt) {
			latest = snap
		}
	}
	return latest, nil
}

// LoadSnapshot fetches one deployment row by id.
func (r *RedisStore) LoadSnapshot(ctx context.Context, id string) (*rollout.Snapshot, error) {
	payload, err := r.rdb.Get(ctx, deploymentKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}

	var row snapshotRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
	}
	snap := row.toSnapshot()
	return &snap, nil
}

// ListSnapshots returns the most recent deployments by start time, most
// recent first, bounded by limit.
func (r *RedisStore) ListSnapshots(ctx context.Context, limit int) ([]rollout.Snapshot, error) {
	ids, err := r.rdb.ZRevRange(ctx, allDeploymentsZSet, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}

	snapshots := make([]rollout.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := r.LoadSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			snapshots = append(snapshots, *snap)
		}
	}
	return snapshots, nil
}

type transitionRow struct {
	ID           string         `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	FromState    rollout.State  `json:"from_state"`
	ToState      rollout.State  `json:"to_state"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    time.Time      `json:"ts"`
}

// AppendTransition appends one state_transitions row.
func (r *RedisStore) AppendTransition(ctx context.Context, t rollout.Transition) error {
	ctx, span := obs.StartStoreSpan(ctx, "append_transition", t.DeploymentID)
	defer span.End()

	row := transitionRow{
		ID: uuid.NewString(), DeploymentID: t.DeploymentID, FromState: t.FromState,
		ToState: t.ToState, Reason: t.Reason, Timestamp: t.Timestamp,
	}
	payload, err := json.Marshal(row)
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("marshal transition: %w", err)
	}

	key := transitionsListPrefix + t.DeploymentID
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, defaultHistoryTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("append transition: %w", err)
	}
	obs.SetSpanSuccess(ctx)
	return nil
}

type scoreSnapshotRow struct {
	ID           string  `json:"id"`
	DeploymentID string  `json:"deployment_id"`
	StageIndex   int     `json:"stage_index"`
	Scorer       string  `json:"scorer"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	BaselineN    int64   `json:"baseline_n"`
	CanaryMean   float64 `json:"canary_mean"`
	CanaryStd    float64 `json:"canary_std"`
	CanaryN      int64   `json:"canary_n"`
	Timestamp    time.Time `json:"ts"`
}

// AppendScoreSnapshot appends one score_snapshots row keyed by
// (deploymentID, stageIndex).
func (r *RedisStore) AppendScoreSnapshot(ctx context.Context, deploymentID string, stageIndex int, scorer string, s rollout.ScorerSamples) error {
	row := scoreSnapshotRow{
		ID: uuid.NewString(), DeploymentID: deploymentID, StageIndex: stageIndex, Scorer: scorer,
		BaselineMean: s.Baseline.Mean, BaselineStd: s.Baseline.Std, BaselineN: s.Baseline.N,
		CanaryMean: s.Canary.Mean, CanaryStd: s.Canary.Std, CanaryN: s.Canary.N, Timestamp: time.Now(),
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal score snapshot: %w", err)
	}

	key := fmt.Sprintf("%s%s:%d", scoreSnapshotsPrefix, deploymentID, stageIndex)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, defaultHistoryTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("append score snapshot: %w", err)
	}
	return nil
}

// AppendEvent appends one events row.
func (r *RedisStore) AppendEvent(ctx context.Context, deploymentID string, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	row := rollout.StoredEvent{DeploymentID: deploymentID, EventType: eventType, Payload: body, Timestamp: time.Now()}
	rowPayload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal event row: %w", err)
	}

	key := eventsListPrefix + deploymentID
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, rowPayload)
	pipe.Expire(ctx, key, defaultHistoryTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent events for a deployment, oldest
// first within the returned window, bounded by limit.
func (r *RedisStore) RecentEvents(ctx context.Context, deploymentID string, limit int) ([]rollout.StoredEvent, error) {
	key := eventsListPrefix + deploymentID
	raw, err := r.rdb.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}

	events := make([]rollout.StoredEvent, 0, len(raw))
	for _, item := range raw {
		var row rollout.StoredEvent
		if err := json.Unmarshal([]byte(item), &row); err != nil {
			r.logger.Warn("failed to decode event row", "deployment_id", deploymentID, "error", err)
			continue
		}
		events = append(events, row)
	}
	return events, nil
}
