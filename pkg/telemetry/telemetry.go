// Package telemetry implements the Telemetry Poller: a single background
// worker that periodically pulls live resource usage from every registered
// agent and writes it into the Device Registry.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

// PollInterval is how often the poller sweeps every registered node.
const PollInterval = 250 * time.Millisecond

// requestTimeout bounds a single agent's /usage/device_info call. Nodes are
// polled one after another, so an unreachable node delays the rest of the
// sweep by at most this long.
const requestTimeout = 2 * time.Second

type deviceInfoResponse struct {
	Status string `json:"status"`
	Result struct {
		Mem            float64  `json:"mem"`
		CPUUsed        float64  `json:"cpu_used"`
		XPUUsed        float64  `json:"xpu_used"`
		NetLatency     float64  `json:"net_latency"`
		NetBandwidth   float64  `json:"net_bandwidth"`
		DisconnectTime float64  `json:"disconnectTime"`
		ReconnectTime  float64  `json:"reconnectTime"`
		TimeWindow     float64  `json:"timeWindow"`
		Services       []string `json:"services,omitempty"`
	} `json:"result"`
}

// Poller is the Telemetry Poller.
type Poller struct {
	registry *registry.Registry
	client   *http.Client
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a Poller that writes into reg.
func New(reg *registry.Registry) *Poller {
	return &Poller{
		registry: reg,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   log.WithComponent("telemetry"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the polling loop in the background. It is not idempotent:
// calling it more than once starts multiple loops.
func (p *Poller) Start() {
	go p.run()
}

// Stop signals the polling loop to exit after its current sweep.
func (p *Poller) Stop() {
	close(p.stopCh)
}

func (p *Poller) run() {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) sweep() {
	snap := p.registry.Snapshot()
	for nodeID, node := range snap.Nodes {
		p.pollOne(nodeID, node)
	}
}

func (p *Poller) pollOne(nodeID types.NodeID, node types.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/usage/device_info", node.IPAddress, node.AgentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Warn().Err(err).Str("node_id", string(nodeID)).Msg("building telemetry request")
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Str("node_id", string(nodeID)).Msg("telemetry poll failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Debug().Int("status", resp.StatusCode).Str("node_id", string(nodeID)).Msg("telemetry poll non-200")
		return
	}

	var body deviceInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.logger.Warn().Err(err).Str("node_id", string(nodeID)).Msg("decoding telemetry response")
		return
	}
	if body.Status != "success" {
		p.logger.Debug().Str("node_id", string(nodeID)).Str("status", body.Status).Msg("telemetry poll reported failure")
		return
	}

	p.registry.UpdateStatus(nodeID, types.NodeStatus{
		CPUUsed:        body.Result.CPUUsed,
		MemUsed:        body.Result.Mem,
		XPUUsed:        body.Result.XPUUsed,
		NetLatencyMS:   body.Result.NetLatency,
		NetBandwidth:   body.Result.NetBandwidth,
		DisconnectTime: body.Result.DisconnectTime,
		ReconnectTime:  body.Result.ReconnectTime,
		TimeWindow:     body.Result.TimeWindow,
	})

	if body.Result.Services != nil {
		serving := make([]types.TaskType, 0, len(body.Result.Services))
		for _, s := range body.Result.Services {
			if tt, ok := types.ParseTaskType(s); ok {
				serving = append(serving, tt)
			}
		}
		p.registry.UpdateActiveServices(nodeID, serving)
	}
}
