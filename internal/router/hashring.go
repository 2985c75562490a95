// Copyright 2025 James Ross
package router

import (
	"fmt"
	"sort"
	"sync"
)

// node is one point on the ring.
type node struct {
	hash  uint32
	value Variant
}

// HashRing is an alternate sticky-bucketing strategy adapted from the
// HashRing/ConsistentHashRouter pair in the canary deployment manager
// this package started from. It is not wired into Route's default path
// (the spec mandates a single fixed string hash), but offers the same
// stableHash contract through a ring that redistributes more gracefully
// than mod-100 when weights change, for a deployer who opts into it.
type HashRing struct {
	mu    sync.RWMutex
	nodes []node
}

// NewHashRing returns an empty ring.
func NewHashRing() *HashRing {
	return &HashRing{}
}

// UpdateNodes rebuilds the ring with baselineWeight and canaryWeight
// points (weights are replica counts, not percentages, so a larger value
// buys a variant finer-grained, more evenly distributed coverage).
func (h *HashRing) UpdateNodes(baselineWeight, canaryWeight int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nodes = h.nodes[:0]
	for i := 0; i < baselineWeight; i++ {
		h.nodes = append(h.nodes, node{hash: stableHash(fmt.Sprintf("baseline-%d", i)), value: Baseline})
	}
	for i := 0; i < canaryWeight; i++ {
		h.nodes = append(h.nodes, node{hash: stableHash(fmt.Sprintf("canary-%d", i)), value: Canary})
	}
	sort.Slice(h.nodes, func(i, j int) bool { return h.nodes[i].hash < h.nodes[j].hash })
}

// Get returns the variant responsible for key, wrapping around the ring.
func (h *HashRing) Get(key string) Variant {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return Baseline
	}

	hash := stableHash(key)
	i := sort.Search(len(h.nodes), func(i int) bool { return h.nodes[i].hash >= hash })
	if i == len(h.nodes) {
		i = 0
	}
	return h.nodes[i].value
}
