// Copyright 2025 James Ross

// Package router makes the one decision on the request path: given the
// controller's current snapshot and an optional sticky key, which variant
// does this request see. It is adapted from the RedisRouter's
// hashBasedRouting/routeWithSplitter split in the canary deployment
// manager this module started from, reduced to a pure function — no
// Redis, no stats counters, since the rollout controller owns the
// snapshot and the event bus owns observability.
package router

import "hash/fnv"

// Variant is the chosen side of a routing decision.
type Variant string

const (
	Baseline Variant = "baseline"
	Canary   Variant = "canary"
)

// State is the subset of the controller's state machine the router cares
// about: whether the snapshot is currently splitting live traffic at all.
type State string

const (
	Pending State = "PENDING"
	Stage   State = "STAGE"
	Paused  State = "PAUSED"
)

var routableStates = map[State]bool{Pending: true, Stage: true, Paused: true}

// Snapshot is the minimal read-only view of the controller's snapshot the
// router needs; it never mutates or retains it.
type Snapshot struct {
	State        State
	StageIndex   int
	CanaryWeight int
}

// Decision is the outcome of Route: which variant, and the weight/stage
// the decision was made against (useful for logging/metrics, not for
// control flow).
type Decision struct {
	Variant      Variant
	CanaryWeight int
	StageIndex   int
}

// Route implements §4.3: deterministic sticky-hash routing when a sticky
// key is supplied, weighted-random otherwise. random must be in [0,1);
// callers pass their own source so the decision stays pure and testable.
func Route(snapshot *Snapshot, stickyKey string, random float64) Decision {
	if snapshot == nil || !routableStates[snapshot.State] {
		stageIndex := 0
		if snapshot != nil {
			stageIndex = snapshot.StageIndex
		}
		return Decision{Variant: Baseline, CanaryWeight: 0, StageIndex: stageIndex}
	}

	if snapshot.CanaryWeight <= 0 {
		return Decision{Variant: Baseline, CanaryWeight: snapshot.CanaryWeight, StageIndex: snapshot.StageIndex}
	}

	var bucket int
	if stickyKey != "" {
		bucket = int(stableHash(stickyKey) % 100)
	} else {
		bucket = int(random * 100)
	}

	variant := Baseline
	if bucket < snapshot.CanaryWeight {
		variant = Canary
	}
	return Decision{Variant: variant, CanaryWeight: snapshot.CanaryWeight, StageIndex: snapshot.StageIndex}
}

// stableHash is a fixed, non-cryptographic, process-restart-stable string
// hash (FNV-1a), matching the hashBasedRouting technique this package is
// grounded on: the same sticky key must always land in the same bucket.
func stableHash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// StableHash exposes the bucketing hash for callers (tests, the hash
// ring alternate strategy) that need the raw value rather than a routing
// decision.
func StableHash(key string) uint32 { return stableHash(key) }
