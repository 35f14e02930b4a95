// Package recovery implements the Health/Recovery Monitor: a background
// worker that scans the Device Registry for unreachable nodes and recovers
// their in-flight tasks back onto the queue.
package recovery

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/metrics"
	"github.com/edgefleet/scheduler/pkg/queue"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

// ScanInterval is how often the monitor sweeps the registry.
const ScanInterval = 5 * time.Second

// LatencyThresholdSeconds is the net_latency/1000 threshold (in seconds)
// past which a node is considered unreachable.
const LatencyThresholdSeconds = 10.0

// Cooldown is the minimum time between two recoveries for the same node, to
// avoid thrashing while an agent is still reconnecting.
const Cooldown = 30 * time.Second

// Monitor is the Health/Recovery Monitor (C7).
type Monitor struct {
	registry *registry.Registry
	queue    *queue.Queue
	logger   zerolog.Logger
	stopCh   chan struct{}

	lastRecovery map[types.NodeID]time.Time
}

// New creates a Monitor wired to reg and q.
func New(reg *registry.Registry, q *queue.Queue) *Monitor {
	return &Monitor{
		registry:     reg,
		queue:        q,
		logger:       log.WithComponent("recovery"),
		stopCh:       make(chan struct{}),
		lastRecovery: make(map[types.NodeID]time.Time),
	}
}

// Start begins the scan loop in the background.
func (m *Monitor) Start() {
	go m.run()
}

// Stop signals the scan loop to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scan()
		case <-m.stopCh:
			return
		}
	}
}

// scan reads the registry snapshot (a reader-lock equivalent, since
// Snapshot copies every table under a read lock) to pick nodes needing
// recovery, then calls Recover on each outside of any lock.
func (m *Monitor) scan() {
	snap := m.registry.Snapshot()
	now := time.Now()

	var needsRecovery []types.NodeID
	for nodeID, status := range snap.Status {
		if !status.HasData {
			continue
		}
		if status.NetLatencyMS/1000.0 <= LatencyThresholdSeconds {
			continue
		}
		if last, ok := m.lastRecovery[nodeID]; ok && now.Sub(last) < Cooldown {
			continue
		}
		needsRecovery = append(needsRecovery, nodeID)
	}

	for _, nodeID := range needsRecovery {
		m.lastRecovery[nodeID] = now
		m.logger.Warn().Str("node_id", string(nodeID)).Msg("recovering unreachable node")
		m.queue.Recover(nodeID)
		metrics.RecoveriesTotal.Inc()
	}
}
