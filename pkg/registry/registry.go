// Package registry implements the Device Registry: the authoritative,
// in-memory set of known nodes, their last-known dynamic status, which task
// types they're actively serving, and the container service slots
// allocated on them.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/types"
)

// ErrNodeNotFound identifies a missing node. No Registry method returns it:
// UpdateStatus and UpdateActiveServices ignore unknown nodes, and Node
// reports absence through its bool result.
var ErrNodeNotFound = errors.New("registry: node not found")

// Slot is the mutable per-(TaskType, Node) container state, tracked
// alongside the rest of the registry tables under the same lock.
type Slot struct {
	State     types.ServiceSlotState
	Instances []types.SrvInfo
	// IdleDeadline is when the Running slot's idle timer fires; each
	// refresh pushes it forward. It is zero until the slot first runs.
	IdleDeadline time.Time
}

// Snapshot is a point-in-time, read-only copy of the registry tables handed
// to C4 (the scheduling policy) and to the debug introspection endpoint.
type Snapshot struct {
	Nodes          map[types.NodeID]types.Node
	Status         map[types.NodeID]types.NodeStatus
	ActiveServices map[types.NodeID]map[types.TaskType]struct{}
	Slots          map[types.TaskType]map[types.NodeID]Slot
}

// Registry is the Device Registry. All tables are protected by a single
// reader-preferred lock, matching the teacher's convention of one mutex per
// cohesive piece of shared state.
type Registry struct {
	mu sync.RWMutex

	nodes          map[types.NodeID]types.Node
	status         map[types.NodeID]types.NodeStatus
	activeServices map[types.NodeID]map[types.TaskType]struct{}
	slots          map[types.TaskType]map[types.NodeID]*Slot

	logger zerolog.Logger
}

// New creates an empty Device Registry.
func New() *Registry {
	return &Registry{
		nodes:          make(map[types.NodeID]types.Node),
		status:         make(map[types.NodeID]types.NodeStatus),
		activeServices: make(map[types.NodeID]map[types.TaskType]struct{}),
		slots:          make(map[types.TaskType]map[types.NodeID]*Slot),
		logger:         log.WithComponent("registry"),
	}
}

// Register adds node to the registry, or updates it in place if the same
// GlobalID is already registered. Re-registration resets the node's status
// to zero (HasData=false) since the agent presumably just restarted.
func (r *Registry) Register(node types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[node.GlobalID] = node
	r.status[node.GlobalID] = types.NodeStatus{}
	if r.activeServices[node.GlobalID] == nil {
		r.activeServices[node.GlobalID] = make(map[types.TaskType]struct{})
	}

	r.logger.Info().Str("node_id", string(node.GlobalID)).Str("device_type", string(node.Type)).Msg("node registered")
}

// EnsureSlot creates a NoExist slot for (tt, nodeID) if one doesn't already
// exist. Called at registration time for every task type the Static-Profile
// Store marks as supported for the node's device type.
func (r *Registry) EnsureSlot(tt types.TaskType, nodeID types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[tt] == nil {
		r.slots[tt] = make(map[types.NodeID]*Slot)
	}
	if _, ok := r.slots[tt][nodeID]; !ok {
		r.slots[tt][nodeID] = &Slot{State: types.SlotNoExist}
	}
}

// Remove erases nodeID from all tables and returns the set of TaskTypes
// that had a slot on it, so the caller (the container lifecycle controller)
// can let any in-flight idle timers expire naturally instead of racing a
// forced teardown.
func (r *Registry) Remove(nodeID types.NodeID) []types.TaskType {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, nodeID)
	delete(r.status, nodeID)
	delete(r.activeServices, nodeID)

	var hadSlots []types.TaskType
	for tt, byNode := range r.slots {
		if _, ok := byNode[nodeID]; ok {
			hadSlots = append(hadSlots, tt)
			delete(byNode, nodeID)
		}
	}

	r.logger.Info().Str("node_id", string(nodeID)).Msg("node removed")
	return hadSlots
}

// UpdateStatus overwrites the NodeStatus for nodeID, marking it as having
// live data. No-op if the node isn't registered.
func (r *Registry) UpdateStatus(nodeID types.NodeID, status types.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	status.HasData = true
	r.status[nodeID] = status
}

// UpdateActiveServices replaces the set of task types nodeID is reported to
// be actively serving.
func (r *Registry) UpdateActiveServices(nodeID types.NodeID, serving []types.TaskType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	set := make(map[types.TaskType]struct{}, len(serving))
	for _, tt := range serving {
		set[tt] = struct{}{}
	}
	r.activeServices[nodeID] = set
}

// Node returns the registration record for nodeID.
func (r *Registry) Node(nodeID types.NodeID) (types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// Snapshot returns a point-in-time copy of every table, safe to read
// without holding the registry's lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Nodes:          make(map[types.NodeID]types.Node, len(r.nodes)),
		Status:         make(map[types.NodeID]types.NodeStatus, len(r.status)),
		ActiveServices: make(map[types.NodeID]map[types.TaskType]struct{}, len(r.activeServices)),
		Slots:          make(map[types.TaskType]map[types.NodeID]Slot, len(r.slots)),
	}
	for id, n := range r.nodes {
		snap.Nodes[id] = n
	}
	for id, s := range r.status {
		snap.Status[id] = s
	}
	for id, set := range r.activeServices {
		copied := make(map[types.TaskType]struct{}, len(set))
		for tt := range set {
			copied[tt] = struct{}{}
		}
		snap.ActiveServices[id] = copied
	}
	for tt, byNode := range r.slots {
		copied := make(map[types.NodeID]Slot, len(byNode))
		for id, slot := range byNode {
			copied[id] = *slot
		}
		snap.Slots[tt] = copied
	}
	return snap
}

// NodeIDs returns every registered NodeID sorted by byte value, the
// deterministic ordering the round-robin policy requires.
func (s Snapshot) NodeIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Slot returns the current state of the (tt, nodeID) slot, or the zero
// value (NoExist) if none has been created yet.
func (r *Registry) Slot(tt types.TaskType, nodeID types.NodeID) Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byNode, ok := r.slots[tt]; ok {
		if slot, ok := byNode[nodeID]; ok {
			return *slot
		}
	}
	return Slot{State: types.SlotNoExist}
}

// TransitionSlot atomically applies mutate to the (tt, nodeID) slot,
// creating it first if absent. Used by the container lifecycle controller
// to drive the Slot state machine under the registry's lock.
func (r *Registry) TransitionSlot(tt types.TaskType, nodeID types.NodeID, mutate func(*Slot)) Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[tt] == nil {
		r.slots[tt] = make(map[types.NodeID]*Slot)
	}
	slot, ok := r.slots[tt][nodeID]
	if !ok {
		slot = &Slot{State: types.SlotNoExist}
		r.slots[tt][nodeID] = slot
	}
	mutate(slot)
	return *slot
}

// CountByDeviceType implements metrics.RegistrySource.
func (r *Registry) CountByDeviceType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, n := range r.nodes {
		counts[string(n.Type)]++
	}
	return counts
}

// CountStale implements metrics.RegistrySource.
func (r *Registry) CountStale() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.status {
		if !s.HasData {
			n++
		}
	}
	return n
}

// CountSlotsByState implements metrics.RegistrySource.
func (r *Registry) CountSlotsByState() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, byNode := range r.slots {
		for _, slot := range byNode {
			counts[string(slot.State)]++
		}
	}
	return counts
}
