// Package agent implements the worker-side Agent Collector (resource
// sampling) and Agent Supervisor (registration, disconnect/reconnect,
// child-process lifecycle, on-demand service launch).
package agent

import (
	"bufio"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/types"
)

// SampleInterval is the sampling loop frequency (20 Hz per spec).
const SampleInterval = 50 * time.Millisecond

// cpuSampleWindow is how many samples the CPU moving average spans.
const cpuSampleWindow = 5

// NodeIdentity holds a node's persisted global ID.
type NodeIdentity struct {
	GlobalID string `koanf:"global_id"`
}

// LoadOrCreateIdentity reads global_id from path (typically
// ~/.agent_config.json); if the file is missing or lacks global_id, it
// generates a fresh UUID and persists it back to path.
func LoadOrCreateIdentity(path string) (types.NodeID, error) {
	k := koanf.New(".")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), json.Parser()); err == nil {
			if id := k.String("global_id"); id != "" {
				return types.NodeID(id), nil
			}
		}
	}

	id := uuid.NewString()
	if err := persistIdentity(path, id); err != nil {
		return "", fmt.Errorf("agent: persisting node identity: %w", err)
	}
	return types.NodeID(id), nil
}

func persistIdentity(path, id string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data := fmt.Sprintf("{\n  \"global_id\": %q\n}\n", id)
	return os.WriteFile(path, []byte(data), 0o600)
}

// cpuSample is one /proc/stat observation.
type cpuSample struct {
	idle  uint64
	total uint64
}

// Collector is the Agent Collector (C10): it samples CPU, memory,
// accelerator, and network metrics for the node it runs on.
type Collector struct {
	deviceType types.DeviceType
	masterURL  string
	fluctuate  bool

	accel AcceleratorSampler

	mu          sync.Mutex
	cpuSamples  []cpuSample
	lastCPU     float64
	lastLatency float64
	lastBW      float64

	client *http.Client
	logger zerolog.Logger
	stopCh chan struct{}
}

// AcceleratorSampler is the platform-specific xpu usage source. Implemented
// separately per DeviceType so the Collector itself stays hardware-agnostic.
type AcceleratorSampler interface {
	XPUUsage() float64
}

// NewCollector creates a Collector for deviceType, polling masterURL for
// net-latency measurements. fluctuate simulates bandwidth in [50,500] Mbps
// instead of reporting a fixed value, matching --bandwidth-fluctuate.
func NewCollector(deviceType types.DeviceType, masterURL string, fluctuate bool) *Collector {
	return &Collector{
		deviceType: deviceType,
		masterURL:  masterURL,
		fluctuate:  fluctuate,
		accel:      acceleratorSamplerFor(deviceType),
		client:     &http.Client{Timeout: 3 * time.Second},
		logger:     log.WithComponent("agent.collector"),
		stopCh:     make(chan struct{}),
		lastBW:     100.0,
	}
}

// Start begins the 20Hz sampling loop in the background.
func (c *Collector) Start() {
	go c.run()
}

// Stop signals the sampling loop to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) run() {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sampleCPU()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) sampleCPU() {
	sample, err := readCPUSample()
	if err != nil {
		c.logger.Debug().Err(err).Msg("reading /proc/stat")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cpuSamples = append(c.cpuSamples, sample)
	if len(c.cpuSamples) > cpuSampleWindow {
		c.cpuSamples = c.cpuSamples[len(c.cpuSamples)-cpuSampleWindow:]
	}
	if len(c.cpuSamples) < 2 {
		return
	}

	var sum float64
	n := 0
	for i := 1; i < len(c.cpuSamples); i++ {
		prev, cur := c.cpuSamples[i-1], c.cpuSamples[i]
		dTotal := float64(cur.total - prev.total)
		dIdle := float64(cur.idle - prev.idle)
		if dTotal <= 0 {
			continue
		}
		sum += 1 - dIdle/dTotal
		n++
	}
	if n > 0 {
		c.lastCPU = sum / float64(n)
	}
}

// readCPUSample parses the first line of /proc/stat. Nice time is excluded
// from total by design, so time spent in niced processes counts neither as
// busy nor as idle.
func readCPUSample() (cpuSample, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuSample{}, fmt.Errorf("agent: empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}, fmt.Errorf("agent: unexpected /proc/stat format")
	}

	user, _ := strconv.ParseUint(fields[1], 10, 64)
	system, _ := strconv.ParseUint(fields[3], 10, 64)
	idle, _ := strconv.ParseUint(fields[4], 10, 64)

	return cpuSample{idle: idle, total: user + system + idle}, nil
}

// MemUsage parses /proc/meminfo fresh on every call and returns
// 1 - MemAvailable/MemTotal.
func MemUsage() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("agent: MemTotal not found in /proc/meminfo")
	}
	return 1 - available/total, nil
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[1], 64)
	return v
}

// CPUUsage returns the current moving-average CPU utilization.
func (c *Collector) CPUUsage() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCPU
}

// XPUUsage delegates to the platform-specific accelerator sampler.
func (c *Collector) XPUUsage() float64 {
	if c.accel == nil {
		return 0
	}
	return c.accel.XPUUsage()
}

// NetLatencyMS measures the round trip of a GET / against the master.
func (c *Collector) NetLatencyMS() float64 {
	start := time.Now()
	resp, err := c.client.Get(c.masterURL + "/")
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		c.logger.Debug().Err(err).Msg("measuring net latency")
		return latency
	}
	defer resp.Body.Close()
	return latency
}

// NetBandwidthMbps returns the configured/simulated link bandwidth.
func (c *Collector) NetBandwidthMbps() float64 {
	if !c.fluctuate {
		return c.lastBW
	}
	return 50 + rand.Float64()*450
}

// Snapshot assembles the full usage payload returned by
// GET /usage/device_info.
func (c *Collector) Snapshot() types.NodeStatus {
	return types.NodeStatus{
		CPUUsed:      c.CPUUsage(),
		MemUsed:      memUsageOrZero(),
		XPUUsed:      c.XPUUsage(),
		NetLatencyMS: c.NetLatencyMS(),
		NetBandwidth: c.NetBandwidthMbps(),
	}
}

func memUsageOrZero() float64 {
	v, err := MemUsage()
	if err != nil {
		return 0
	}
	return v
}
