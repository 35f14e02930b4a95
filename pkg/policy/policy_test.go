package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

func snapWithStatus(statuses map[types.NodeID]types.NodeStatus) registry.Snapshot {
	nodes := make(map[types.NodeID]types.Node, len(statuses))
	for id := range statuses {
		nodes[id] = types.Node{GlobalID: id}
	}
	return registry.Snapshot{
		Nodes:          nodes,
		Status:         statuses,
		ActiveServices: map[types.NodeID]map[types.TaskType]struct{}{},
		Slots:          map[types.TaskType]map[types.NodeID]registry.Slot{},
	}
}

func TestSelectLoadWeightedPicksLowestScore(t *testing.T) {
	snap := snapWithStatus(map[types.NodeID]types.NodeStatus{
		"node-a": {HasData: true, CPUUsed: 0.9, NetLatencyMS: 1, NetBandwidth: 1},
		"node-b": {HasData: true, CPUUsed: 0.1, NetLatencyMS: 1, NetBandwidth: 1},
	})

	target, err := SelectLoadWeighted(types.TaskTypeYoloV5, snap, NewRoundRobin())
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("node-b"), target)
}

func TestSelectLoadWeightedFallsBackToRoundRobinWithNoData(t *testing.T) {
	snap := snapWithStatus(map[types.NodeID]types.NodeStatus{
		"node-a": {HasData: false},
		"node-b": {HasData: false},
	})

	rr := NewRoundRobin()
	first, err := SelectLoadWeighted(types.TaskTypeYoloV5, snap, rr)
	require.NoError(t, err)
	second, err := SelectLoadWeighted(types.TaskTypeYoloV5, snap, rr)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestSelectFailsOnEmptyCandidateSet(t *testing.T) {
	snap := snapWithStatus(nil)

	_, err := Select(types.StrategyLoad, types.TaskTypeYoloV5, snap, NewRoundRobin())
	assert.ErrorIs(t, err, ErrNoSchedulableNode)
}

func TestRoundRobinAdvancesCursorDeterministically(t *testing.T) {
	rr := NewRoundRobin()
	candidates := []types.NodeID{"node-c", "node-a", "node-b"}

	first, err := rr.Select(types.TaskTypeBert, candidates)
	require.NoError(t, err)
	second, err := rr.Select(types.TaskTypeBert, candidates)
	require.NoError(t, err)
	third, err := rr.Select(types.TaskTypeBert, candidates)
	require.NoError(t, err)
	fourth, err := rr.Select(types.TaskTypeBert, candidates)
	require.NoError(t, err)

	assert.Equal(t, types.NodeID("node-a"), first)
	assert.Equal(t, types.NodeID("node-b"), second)
	assert.Equal(t, types.NodeID("node-c"), third)
	assert.Equal(t, first, fourth)
}

func TestRoundRobinCursorIsSharedAcrossTaskTypes(t *testing.T) {
	rr := NewRoundRobin()
	candidates := []types.NodeID{"node-c", "node-a", "node-b"}

	first, err := rr.Select(types.TaskTypeBert, candidates)
	require.NoError(t, err)
	second, err := rr.Select(types.TaskTypeYoloV5, candidates)
	require.NoError(t, err)
	third, err := rr.Select(types.TaskTypeBert, candidates)
	require.NoError(t, err)
	fourth, err := rr.Select(types.TaskTypeYoloV5, candidates)
	require.NoError(t, err)

	// One interleaved sequence, not one cursor per task type: node-a,
	// node-b, node-c, node-a regardless of which TaskType asked.
	assert.Equal(t, types.NodeID("node-a"), first)
	assert.Equal(t, types.NodeID("node-b"), second)
	assert.Equal(t, types.NodeID("node-c"), third)
	assert.Equal(t, first, fourth)
}

func TestCandidateTierFallback(t *testing.T) {
	snap := registry.Snapshot{
		Nodes: map[types.NodeID]types.Node{"node-a": {GlobalID: "node-a"}},
		Status: map[types.NodeID]types.NodeStatus{
			"node-a": {HasData: true},
		},
		ActiveServices: map[types.NodeID]map[types.TaskType]struct{}{},
		Slots:          map[types.TaskType]map[types.NodeID]registry.Slot{},
	}

	cands := candidates(types.TaskTypeYoloV5, snap)
	assert.Equal(t, []types.NodeID{"node-a"}, cands)
}
