// Package policy implements the Scheduling Policy: pure functions that pick
// a target node for a task type given a Device Registry snapshot. Nothing
// here mutates the registry.
package policy

import (
	"errors"
	"sort"
	"sync"

	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

// ErrNoSchedulableNode is returned when the candidate set for a task type is
// empty.
var ErrNoSchedulableNode = errors.New("policy: no schedulable node for task type")

// candidates builds the candidate node list for tt out of snap, following
// the three-tier fallback: nodes actively serving tt, then nodes with a
// slot for tt, then every node with a status entry.
func candidates(tt types.TaskType, snap registry.Snapshot) []types.NodeID {
	var tier1, tier2 []types.NodeID

	for _, nodeID := range snap.NodeIDs() {
		if serving, ok := snap.ActiveServices[nodeID]; ok {
			if _, ok := serving[tt]; ok {
				tier1 = append(tier1, nodeID)
			}
		}
	}
	if len(tier1) > 0 {
		return tier1
	}

	if byNode, ok := snap.Slots[tt]; ok {
		for _, nodeID := range snap.NodeIDs() {
			if _, ok := byNode[nodeID]; ok {
				if _, hasStatus := snap.Status[nodeID]; hasStatus {
					tier2 = append(tier2, nodeID)
				}
			}
		}
	}
	if len(tier2) > 0 {
		return tier2
	}

	var tier3 []types.NodeID
	for _, nodeID := range snap.NodeIDs() {
		if _, ok := snap.Status[nodeID]; ok {
			tier3 = append(tier3, nodeID)
		}
	}
	return tier3
}

// loadScore is the load-weighted scoring formula. Lower is better.
func loadScore(s types.NodeStatus) float64 {
	return 0.3*s.CPUUsed + 0.1*s.MemUsed + 0.4*s.XPUUsed + 1.0*s.NetBandwidth + 1.0*s.NetLatencyMS
}

// SelectLoadWeighted picks the candidate with the lowest loadScore among
// those with known status, ties broken by iteration order. If no candidate
// has a status entry it falls back to round-robin.
func SelectLoadWeighted(tt types.TaskType, snap registry.Snapshot, rr *RoundRobin) (types.NodeID, error) {
	cands := candidates(tt, snap)
	if len(cands) == 0 {
		return "", ErrNoSchedulableNode
	}

	var best types.NodeID
	bestScore := 0.0
	found := false

	for _, nodeID := range cands {
		status, ok := snap.Status[nodeID]
		if !ok || !status.HasData {
			continue
		}
		score := loadScore(status)
		if !found || score < bestScore {
			best = nodeID
			bestScore = score
			found = true
		}
	}

	if !found {
		return rr.Select(tt, cands)
	}
	return best, nil
}

// RoundRobin holds the single persistent cursor shared across every task
// type, matching the original scheduler's one static rr_index advanced
// regardless of task type. Safe for concurrent use.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

// NewRoundRobin creates a cursor starting at 0.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select sorts a copy of candidates by NodeID bytes, returns
// sorted[cursor mod len(candidates)], and advances the single shared
// cursor, so the caller's ordering of candidates does not matter. tt does not
// scope the cursor; it is accepted so callers don't need to special-case
// round-robin's signature against SelectLoadWeighted's.
func (rr *RoundRobin) Select(tt types.TaskType, candidates []types.NodeID) (types.NodeID, error) {
	if len(candidates) == 0 {
		return "", ErrNoSchedulableNode
	}

	sorted := make([]types.NodeID, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rr.mu.Lock()
	defer rr.mu.Unlock()

	idx := rr.cursor % len(sorted)
	rr.cursor++
	return sorted[idx], nil
}

// SelectRoundRobin builds the candidate set for tt from snap and resolves it
// through rr.
func SelectRoundRobin(tt types.TaskType, snap registry.Snapshot, rr *RoundRobin) (types.NodeID, error) {
	cands := candidates(tt, snap)
	if len(cands) == 0 {
		return "", ErrNoSchedulableNode
	}
	return rr.Select(tt, cands)
}

// Select resolves tt to a target node under the requested strategy.
func Select(strategy types.ScheduleStrategy, tt types.TaskType, snap registry.Snapshot, rr *RoundRobin) (types.NodeID, error) {
	switch strategy {
	case types.StrategyRoundRobin:
		return SelectRoundRobin(tt, snap, rr)
	default:
		return SelectLoadWeighted(tt, snap, rr)
	}
}
