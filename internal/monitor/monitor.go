// Copyright 2025 James Ross

// Package monitor implements the score monitor (C5): a single
// periodic, non-overlapping tick that pulls fresh rows from a
// QueryClient, folds them into per-(version,scorer) running stats, and
// hands the controller a ScoreSnapshot. Adapted in spirit from the
// teacher's worker-pool tick loop (a single goroutine driven by
// time.Ticker, guarded against overlap by an in-flight flag) but
// reduced to the one-tick-at-a-time shape §4.4 requires.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamesross/canarypilot/internal/clock"
	"github.com/jamesross/canarypilot/internal/eventbus"
	"github.com/jamesross/canarypilot/internal/gate"
	"github.com/jamesross/canarypilot/internal/obs"
	"github.com/jamesross/canarypilot/internal/queryclient"
	"github.com/jamesross/canarypilot/internal/rollout"
	"github.com/jamesross/canarypilot/internal/stats"
)

// version names which side of the deployment a row belongs to.
type version string

const (
	baselineVersion version = "baseline"
	canaryVersion   version = "canary"
)

// Querier is the subset of queryclient.Client the monitor depends on,
// narrowed to the one method and diagnostics it calls.
type Querier interface {
	Query(ctx context.Context, sql string) ([]queryclient.Row, error)
	Diagnostics() queryclient.Diagnostics
}

// Sink is what the monitor hands its score updates to; health reports
// go only to the event bus. *rollout.Controller implements it directly.
type Sink interface {
	HandleScoreUpdate(ctx context.Context, update rollout.ScoreUpdate) error
}

// Config is the construction-time parameter set named in §4.4.
type Config struct {
	DeploymentID   string
	Project        string
	PollInterval   time.Duration
	StageStartTime time.Time
	ScorerNames    []string
	ScorerLagGrace time.Duration
}

// Monitor implements rollout.Monitor (ResetForStage) and drives periodic
// ticks against a Querier, publishing score_update and monitor_health
// events and calling Sink.HandleScoreUpdate with the raw-sample
// contract the controller's gate evaluation needs.
type Monitor struct {
	cfg     Config
	query   Querier
	sink    Sink
	bus     *eventbus.Bus
	clk     clock.Clock
	logger  *slog.Logger

	mu                sync.Mutex
	watermarkBaseline time.Time
	watermarkCanary   time.Time
	canaryTotal       int64
	canaryErrors      int64
	running           map[version]map[string]*stats.Running
	seenBaseline      map[string]time.Time
	seenCanary        map[string]time.Time

	inFlight atomic.Bool
	ticker   *time.Ticker
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Monitor. Start must be called separately to begin
// ticking.
func New(cfg Config, query Querier, sink Sink, bus *eventbus.Bus, clk clock.Clock, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{cfg: cfg, query: query, sink: sink, bus: bus, clk: clk, logger: logger}
	m.resetLocked(cfg.StageStartTime)
	return m
}

func (m *Monitor) resetLocked(t time.Time) {
	m.watermarkBaseline = t
	m.watermarkCanary = t
	m.canaryTotal = 0
	m.canaryErrors = 0
	running := make(map[version]map[string]*stats.Running, 2)
	for _, v := range []version{baselineVersion, canaryVersion} {
		perScorer := make(map[string]*stats.Running, len(m.cfg.ScorerNames))
		for _, name := range m.cfg.ScorerNames {
			perScorer[name] = stats.NewRunning()
		}
		running[v] = perScorer
	}
	m.running = running
	m.seenBaseline = make(map[string]time.Time)
	m.seenCanary = make(map[string]time.Time)
}

// ResetForStage implements rollout.Monitor: watermarks reset to t, all
// counters and running stats zeroed.
func (m *Monitor) ResetForStage(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(t)
}

// Start begins the periodic tick loop: an immediate first tick, then
// one every PollInterval, with overlapping ticks dropped.
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.ticker = time.NewTicker(m.cfg.PollInterval)

	go func() {
		defer close(m.doneCh)
		m.tick(ctx)
		for {
			select {
			case <-m.stopCh:
				return
			case <-m.ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop cancels the periodic tick and joins any in-flight request.
func (m *Monitor) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
	}
}

// tick implements the per-tick sequence from §4.4. Overlapping calls are
// dropped via the inFlight flag.
func (m *Monitor) tick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer m.inFlight.Store(false)

	if err := m.runTick(ctx); err != nil {
		m.logger.Warn("monitor tick failed", "deployment_id", m.cfg.DeploymentID, "error", err)
		m.publishHealth(true)
		return
	}
	m.publishHealth(false)
}

func (m *Monitor) runTick(ctx context.Context) error {
	start := m.clk.Now()
	defer func() { obs.MonitorTickDuration.Observe(m.clk.Now().Sub(start).Seconds()) }()

	m.mu.Lock()
	baselineWatermark := m.watermarkBaseline
	canaryWatermark := m.watermarkCanary
	m.mu.Unlock()

	baselineRows, err := m.fetch(ctx, "baseline", baselineWatermark)
	if err != nil {
		return fmt.Errorf("fetch baseline rows: %w", err)
	}
	canaryRows, err := m.fetch(ctx, "canary", canaryWatermark)
	if err != nil {
		return fmt.Errorf("fetch canary rows: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newBaselineWatermark, _, _ := m.ingestLocked(baselineVersion, baselineRows, baselineWatermark, m.seenBaseline)
	m.watermarkBaseline = newBaselineWatermark

	newCanaryWatermark, canaryTotal, canaryErrors := m.ingestLocked(canaryVersion, canaryRows, canaryWatermark, m.seenCanary)
	m.canaryTotal += canaryTotal
	m.canaryErrors += canaryErrors
	m.watermarkCanary = newCanaryWatermark

	snapshot := m.buildSnapshotLocked()
	errRate := 0.0
	if m.canaryTotal > 0 {
		errRate = float64(m.canaryErrors) / float64(m.canaryTotal)
	}

	m.publish(eventbus.Event{
		Type: eventbus.ScoreUpdate, DeploymentID: m.cfg.DeploymentID, Timestamp: m.clk.Now(),
		Data: toPublicSnapshot(snapshot),
	})

	if m.sink != nil {
		if err := m.sink.HandleScoreUpdate(ctx, rollout.ScoreUpdate{
			DeploymentID:    m.cfg.DeploymentID,
			Scores:          snapshot,
			CanaryErrorRate: errRate,
		}); err != nil {
			return fmt.Errorf("handle score update: %w", err)
		}
	}
	return nil
}

// ingestLocked folds rows into the running stats for one version,
// de-duplicating by row id against seen (the per-watermark-window set
// SPEC_FULL.md §12 requires: fetch's query re-asks for anything within
// scorer_lag_grace of the watermark on every tick, so a row already
// folded on a prior tick must be skipped rather than counted twice).
// It returns the advanced watermark and, for error-rate accounting,
// the count of newly-seen rows and how many carried an error. Entries
// in seen older than the grace window behind the new watermark are
// pruned, since fetch's WHERE clause can never re-return them. Caller
// holds m.mu.
func (m *Monitor) ingestLocked(v version, rows []queryclient.Row, watermark time.Time, seen map[string]time.Time) (newWatermark time.Time, total, errors int64) {
	newWatermark = watermark
	for _, row := range rows {
		if _, dup := seen[row.ID]; dup {
			continue
		}
		seen[row.ID] = row.Created
		total++
		if row.Error != nil {
			errors++
		}
		m.foldRow(v, row)
		if row.Created.After(newWatermark) {
			newWatermark = row.Created
		}
	}
	cutoff := newWatermark.Add(-m.cfg.ScorerLagGrace)
	for id, created := range seen {
		if !created.After(cutoff) {
			delete(seen, id)
		}
	}
	return newWatermark, total, errors
}

// foldRow adds every finite configured scorer value in row into the
// corresponding Running. Caller holds m.mu.
func (m *Monitor) foldRow(v version, row queryclient.Row) {
	perScorer := m.running[v]
	for name, running := range perScorer {
		val, ok := row.Scores[name]
		if !ok || val == nil {
			continue
		}
		running.Add(*val)
	}
}

func (m *Monitor) buildSnapshotLocked() rollout.ScoreSnapshot {
	snapshot := make(rollout.ScoreSnapshot, len(m.cfg.ScorerNames))
	for _, name := range m.cfg.ScorerNames {
		baseline := m.running[baselineVersion][name]
		canary := m.running[canaryVersion][name]
		snapshot[name] = rollout.ScorerSamples{
			Baseline: gate.Samples{N: baseline.N(), Mean: baseline.Mean(), Std: baseline.StdDev(), Raw: baseline.Samples()},
			Canary:   gate.Samples{N: canary.N(), Mean: canary.Mean(), Std: canary.StdDev(), Raw: canary.Samples()},
		}
	}
	return snapshot
}

func toPublicSnapshot(snapshot rollout.ScoreSnapshot) eventbus.ScoreUpdateData {
	data := make(eventbus.ScoreUpdateData, len(snapshot))
	for name, s := range snapshot {
		data[name] = eventbus.ScorerSnapshot{
			BaselineMean: s.Baseline.Mean, BaselineStd: s.Baseline.Std, BaselineN: s.Baseline.N,
			CanaryMean: s.Canary.Mean, CanaryStd: s.Canary.Std, CanaryN: s.Canary.N,
		}
	}
	return data
}

func (m *Monitor) publishHealth(degraded bool) {
	diag := m.query.Diagnostics()
	status := string(diag.Status)
	if degraded {
		status = "degraded"
	}
	m.publish(eventbus.Event{
		Type: eventbus.MonitorHealth, DeploymentID: m.cfg.DeploymentID, Timestamp: m.clk.Now(),
		Data: eventbus.MonitorHealthData{
			Status: status, ConsecutiveFailures: diag.ConsecutiveFailures,
			TotalRequests: diag.TotalRequests, TotalRateLimited: diag.TotalRateLimited,
			LastError: diag.LastError, LastErrorAt: diag.LastErrorAt, LastSuccessAt: diag.LastSuccessAt,
			LastBackoffMs: nonZeroPtr(diag.LastBackoffMs),
		},
	})
}

func nonZeroPtr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func (m *Monitor) publish(ev eventbus.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ev)
}

// fetch runs the §6 monitor query template for one version against the
// watermark, applying the conservative scorer_lag_grace interpretation:
// query created > watermark - grace, so a row within the grace window
// of the watermark can be (and is expected to be) returned again on a
// later tick. The watermark itself still only advances by the max
// created seen; ingestLocked is what keeps the re-fetched rows from
// being double-counted.
func (m *Monitor) fetch(ctx context.Context, ver string, watermark time.Time) ([]queryclient.Row, error) {
	spanCtx, span := obs.StartQuerySpan(ctx, m.cfg.DeploymentID, ver)
	defer span.End()

	effective := watermark.Add(-m.cfg.ScorerLagGrace)
	sql := fmt.Sprintf(
		`SELECT id, scores, metadata, created, error FROM project_logs('%s', shape => 'traces') WHERE metadata."braincanary.deployment_id" = '%s' AND metadata."braincanary.version" = '%s' AND created > '%s' ORDER BY created ASC`,
		m.cfg.Project, m.cfg.DeploymentID, ver, effective.UTC().Format(time.RFC3339Nano),
	)
	rows, err := m.query.Query(spanCtx, sql)
	if err != nil {
		obs.RecordError(spanCtx, err)
		return nil, err
	}
	obs.SetSpanSuccess(spanCtx)
	return rows, nil
}
