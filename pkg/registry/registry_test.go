package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgefleet/scheduler/pkg/types"
)

func testNode(id string) types.Node {
	return types.Node{
		GlobalID:  types.NodeID(id),
		Type:      types.DeviceRK3588,
		IPAddress: "10.0.0.1",
		AgentPort: 7000,
	}
}

func TestRegisterAndSnapshot(t *testing.T) {
	r := New()
	r.Register(testNode("node-a"))

	snap := r.Snapshot()
	assert.Len(t, snap.Nodes, 1)
	assert.Contains(t, snap.Nodes, types.NodeID("node-a"))
}

func TestRegisterResetsStatus(t *testing.T) {
	r := New()
	r.Register(testNode("node-a"))
	r.UpdateStatus("node-a", types.NodeStatus{CPUUsed: 0.9})

	r.Register(testNode("node-a"))

	snap := r.Snapshot()
	status := snap.Status["node-a"]
	assert.False(t, status.HasData)
	assert.Equal(t, 0.0, status.CPUUsed)
}

func TestUpdateStatusIgnoresUnknownNode(t *testing.T) {
	r := New()
	r.UpdateStatus("ghost", types.NodeStatus{CPUUsed: 0.5})

	snap := r.Snapshot()
	assert.NotContains(t, snap.Status, types.NodeID("ghost"))
}

func TestRemoveReturnsHeldSlots(t *testing.T) {
	r := New()
	r.Register(testNode("node-a"))
	r.EnsureSlot(types.TaskTypeYoloV5, "node-a")
	r.EnsureSlot(types.TaskTypeBert, "node-a")

	held := r.Remove("node-a")

	assert.ElementsMatch(t, []types.TaskType{types.TaskTypeYoloV5, types.TaskTypeBert}, held)

	snap := r.Snapshot()
	assert.NotContains(t, snap.Nodes, types.NodeID("node-a"))
	assert.NotContains(t, snap.Slots[types.TaskTypeYoloV5], types.NodeID("node-a"))
}

func TestTransitionSlotCreatesOnFirstUse(t *testing.T) {
	r := New()

	slot := r.TransitionSlot(types.TaskTypeYoloV5, "node-a", func(s *Slot) {
		s.State = types.SlotCreating
	})

	assert.Equal(t, types.SlotCreating, slot.State)
	assert.Equal(t, types.SlotCreating, r.Slot(types.TaskTypeYoloV5, "node-a").State)
}

func TestNodeIDsSortedByBytes(t *testing.T) {
	snap := Snapshot{
		Nodes: map[types.NodeID]types.Node{
			"node-c": testNode("node-c"),
			"node-a": testNode("node-a"),
			"node-b": testNode("node-b"),
		},
	}

	ids := snap.NodeIDs()
	assert.Equal(t, []types.NodeID{"node-a", "node-b", "node-c"}, ids)
}

func TestCountByDeviceType(t *testing.T) {
	r := New()
	r.Register(testNode("node-a"))
	n2 := testNode("node-b")
	n2.Type = types.DeviceOrin
	r.Register(n2)

	counts := r.CountByDeviceType()
	assert.Equal(t, 1, counts[string(types.DeviceRK3588)])
	assert.Equal(t, 1, counts[string(types.DeviceOrin)])
}
