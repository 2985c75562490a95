// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jamesross/canarypilot/internal/gate"
	"github.com/jamesross/canarypilot/internal/rollout"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, nil)
}

func sampleSnapshot(id string, state rollout.State) rollout.Snapshot {
	return rollout.Snapshot{
		ID:         id,
		Name:       "checkout-copilot",
		State:      state,
		StageIndex: 0,
		Config: rollout.DeploymentConfig{
			Name:    "checkout-copilot",
			Project: "commerce",
			Stages:  []rollout.StageSpec{{Weight: 10, MinSamples: 10}},
		},
		StageEnteredAt: time.Now(),
		StartedAt:      time.Now(),
		CanaryWeight:   10,
	}
}

func TestSaveAndLoadSnapshotRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	snap := sampleSnapshot("dep-1", rollout.Stage)
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	loaded, err := s.LoadSnapshot(ctx, "dep-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, snap.Name, loaded.Name)
	require.Equal(t, snap.State, loaded.State)
	require.Equal(t, snap.Config.Project, loaded.Config.Project)
}

func TestLoadSnapshotMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadSnapshot(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoadActiveSnapshotSkipsTerminalStates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	terminal := sampleSnapshot("dep-done", rollout.Promoted)
	require.NoError(t, s.SaveSnapshot(ctx, terminal))

	active := sampleSnapshot("dep-live", rollout.Stage)
	active.StartedAt = time.Now().Add(time.Second)
	require.NoError(t, s.SaveSnapshot(ctx, active))

	found, err := s.LoadActiveSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "dep-live", found.ID)
}

func TestSaveSnapshotRemovesFromActiveOnTerminalTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	snap := sampleSnapshot("dep-2", rollout.Stage)
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	found, err := s.LoadActiveSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, found)

	snap.State = rollout.RolledBack
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	found, err = s.LoadActiveSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestListSnapshotsOrdersMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := sampleSnapshot("dep-a", rollout.Promoted)
	first.StartedAt = time.Now()
	require.NoError(t, s.SaveSnapshot(ctx, first))

	second := sampleSnapshot("dep-b", rollout.Stage)
	second.StartedAt = first.StartedAt.Add(time.Minute)
	require.NoError(t, s.SaveSnapshot(ctx, second))

	list, err := s.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "dep-b", list[0].ID)
	require.Equal(t, "dep-a", list[1].ID)
}

func TestAppendTransitionAccumulates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1 := rollout.Transition{DeploymentID: "dep-3", FromState: rollout.Idle, ToState: rollout.Pending, Timestamp: time.Now()}
	t2 := rollout.Transition{DeploymentID: "dep-3", FromState: rollout.Pending, ToState: rollout.Stage, Timestamp: time.Now()}
	require.NoError(t, s.AppendTransition(ctx, t1))
	require.NoError(t, s.AppendTransition(ctx, t2))

	n, err := s.rdb.LLen(ctx, transitionsListPrefix+"dep-3").Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestAppendScoreSnapshotDoesNotError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	samples := rollout.ScorerSamples{
		Baseline: gate.Samples{N: 20, Mean: 0.9, Std: 0.05},
		Canary:   gate.Samples{N: 20, Mean: 0.91, Std: 0.05},
	}
	require.NoError(t, s.AppendScoreSnapshot(ctx, "dep-4", 0, "helpfulness", samples))
}

func TestAppendAndRecentEventsRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendEvent(ctx, "dep-5", "deployment_started", map[string]any{"stage_index": 0}))
	require.NoError(t, s.AppendEvent(ctx, "dep-5", "stage_change", map[string]any{"from": "STAGE", "to": "PROMOTED"}))

	events, err := s.RecentEvents(ctx, "dep-5", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "deployment_started", events[0].EventType)
	require.Equal(t, "stage_change", events[1].EventType)
}
