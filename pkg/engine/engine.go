// Package engine implements the Container Lifecycle Controller: the
// per-(TaskType, Node) ServiceSlot state machine and the Docker Engine REST
// client that brings backend containers up and idle-reaps them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/health"
	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/metrics"
	"github.com/edgefleet/scheduler/pkg/profile"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

// ErrSlotDeleting is returned when a caller asks for a slot that is
// currently being torn down.
var ErrSlotDeleting = errors.New("engine: slot is deleting")

// ErrSlotCreateFailed is returned when a Creating slot never reaches
// Running within the poll budget.
var ErrSlotCreateFailed = errors.New("engine: slot did not reach Running")

// pollAttempts/pollInterval bound how long a caller waits for a concurrent
// Creating slot to finish coming up.
const (
	pollAttempts = 10
	pollInterval = time.Second
)

// readinessAttempts/readinessInterval bound how long create() waits for a
// freshly-started container to answer its ReadinessPath before giving up.
const (
	readinessAttempts = 10
	readinessInterval = 500 * time.Millisecond
)

// ContainerEngine is the narrow collaborator this controller needs from a
// container runtime. The Docker Engine REST client satisfies it; a fake can
// be substituted in tests.
type ContainerEngine interface {
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, nodeIP string, spec types.ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
}

// Controller is the Container Lifecycle Controller (C8).
type Controller struct {
	engine   ContainerEngine
	registry *registry.Registry
	profiles *profile.Store
	logger   zerolog.Logger
}

// New creates a Controller wired to eng, reg, and profiles.
func New(eng ContainerEngine, reg *registry.Registry, profiles *profile.Store) *Controller {
	return &Controller{
		engine:   eng,
		registry: reg,
		profiles: profiles,
		logger:   log.WithComponent("engine"),
	}
}

// GetOrCreate brings up the (tt, node) ServiceSlot on demand and returns its
// live SrvInfo, following the NoExist -> Creating -> Running state machine.
func (c *Controller) GetOrCreate(ctx context.Context, tt types.TaskType, node types.Node) (types.SrvInfo, error) {
	current := c.registry.Slot(tt, node.GlobalID)

	switch current.State {
	case types.SlotRunning:
		c.refreshIdleTimer(tt, node.GlobalID)
		return current.Instances[0], nil

	case types.SlotCreating:
		return c.pollUntilRunning(tt, node.GlobalID)

	case types.SlotDeleting:
		return types.SrvInfo{}, ErrSlotDeleting

	default: // NoExist
		return c.create(ctx, tt, node)
	}
}

func (c *Controller) create(ctx context.Context, tt types.TaskType, node types.Node) (types.SrvInfo, error) {
	c.registry.TransitionSlot(tt, node.GlobalID, func(s *Slot) { s.State = types.SlotCreating })

	p, err := c.profiles.Profile(tt, node.Type)
	if err != nil {
		c.registry.TransitionSlot(tt, node.GlobalID, func(s *Slot) { s.State = types.SlotNoExist })
		return types.SrvInfo{}, fmt.Errorf("engine: resolving profile: %w", err)
	}

	timer := metrics.NewTimer()

	containerID, err := c.engine.CreateContainer(ctx, node.IPAddress, p.Spec)
	if err != nil || containerID == "" {
		c.registry.TransitionSlot(tt, node.GlobalID, func(s *Slot) { s.State = types.SlotNoExist })
		if err == nil {
			err = errors.New("engine: CreateContainer returned empty id")
		}
		return types.SrvInfo{}, fmt.Errorf("engine: creating container: %w", err)
	}

	if err := c.engine.StartContainer(ctx, containerID); err != nil {
		c.registry.TransitionSlot(tt, node.GlobalID, func(s *Slot) { s.State = types.SlotNoExist })
		return types.SrvInfo{}, fmt.Errorf("engine: starting container: %w", err)
	}

	if p.Spec.ReadinessPath != "" {
		if err := c.waitReady(ctx, node.IPAddress, p.Spec.HostPort, p.Spec.ReadinessPath); err != nil {
			c.registry.TransitionSlot(tt, node.GlobalID, func(s *Slot) { s.State = types.SlotNoExist })
			_ = c.engine.RemoveContainer(context.Background(), containerID)
			return types.SrvInfo{}, fmt.Errorf("engine: container never became ready: %w", err)
		}
	}

	timer.ObserveDuration(metrics.ContainerCreateDuration)

	info := types.SrvInfo{ContainerID: containerID, IP: node.IPAddress, Port: p.Spec.HostPort}
	c.registry.TransitionSlot(tt, node.GlobalID, func(s *Slot) {
		s.State = types.SlotRunning
		s.Instances = []types.SrvInfo{info}
		s.IdleDeadline = time.Now().Add(types.IdleTimeout)
	})

	go c.armIdleTimer(tt, node.GlobalID, containerID)

	return info, nil
}

// waitReady polls path on ip:port with an HTTPChecker until it reports
// healthy or the attempt budget is exhausted.
func (c *Controller) waitReady(ctx context.Context, ip string, port int, path string) error {
	checker := health.NewHTTPChecker(fmt.Sprintf("http://%s:%d%s", ip, port, path)).
		WithTimeout(readinessInterval)

	var lastErr string
	for i := 0; i < readinessAttempts; i++ {
		result := checker.Check(ctx)
		if result.Healthy {
			return nil
		}
		lastErr = result.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
	return fmt.Errorf("not ready after %d attempts: %s", readinessAttempts, lastErr)
}

func (c *Controller) pollUntilRunning(tt types.TaskType, nodeID types.NodeID) (types.SrvInfo, error) {
	for i := 0; i < pollAttempts; i++ {
		time.Sleep(pollInterval)
		slot := c.registry.Slot(tt, nodeID)
		if slot.State == types.SlotRunning && len(slot.Instances) > 0 {
			return slot.Instances[0], nil
		}
	}
	return types.SrvInfo{}, ErrSlotCreateFailed
}

func (c *Controller) refreshIdleTimer(tt types.TaskType, nodeID types.NodeID) {
	c.registry.TransitionSlot(tt, nodeID, func(s *Slot) {
		s.IdleDeadline = time.Now().Add(types.IdleTimeout)
	})
}

// armIdleTimer waits for the slot's idle deadline, then drains and removes
// the container. Re-armed implicitly every time refreshIdleTimer pushes the
// deadline forward; this goroutine just keeps checking until the deadline
// has actually passed without being pushed out again.
func (c *Controller) armIdleTimer(tt types.TaskType, nodeID types.NodeID, containerID string) {
	for {
		slot := c.registry.Slot(tt, nodeID)
		if slot.State != types.SlotRunning {
			return
		}
		wait := time.Until(slot.IdleDeadline)
		if wait > 0 {
			time.Sleep(wait)
			continue
		}

		slot = c.registry.TransitionSlot(tt, nodeID, func(s *Slot) {
			if s.State == types.SlotRunning && time.Now().After(s.IdleDeadline) {
				s.State = types.SlotDeleting
			}
		})
		if slot.State != types.SlotDeleting {
			return
		}

		time.Sleep(types.DrainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.engine.RemoveContainer(ctx, containerID)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("container_id", containerID).Msg("removing idle container")
			metrics.ContainerRemovalsTotal.WithLabelValues("error").Inc()
		} else {
			metrics.ContainerRemovalsTotal.WithLabelValues("idle").Inc()
		}

		c.registry.TransitionSlot(tt, nodeID, func(s *Slot) {
			s.State = types.SlotNoExist
			s.Instances = nil
		})
		return
	}
}

// HotStartAllNodesForTaskType brings up a ServiceSlot for tt on every node
// that already has one, returning how many nodes it succeeded on and how
// many failed.
func (c *Controller) HotStartAllNodesForTaskType(ctx context.Context, tt types.TaskType) (started int, failed int) {
	snap := c.registry.Snapshot()
	byNode, ok := snap.Slots[tt]
	if !ok {
		return 0, 0
	}

	for nodeID := range byNode {
		node, ok := snap.Nodes[nodeID]
		if !ok {
			continue
		}
		if _, err := c.GetOrCreate(ctx, tt, node); err != nil {
			c.logger.Warn().Err(err).Str("node_id", string(nodeID)).Msg("hot start failed")
			failed++
			continue
		}
		started++
	}
	return started, failed
}

// Slot is a type alias so this package can reach into registry.Slot's
// mutate callback signature without importing it twice under different
// names at call sites.
type Slot = registry.Slot
