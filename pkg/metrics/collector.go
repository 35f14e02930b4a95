package metrics

import "time"

// RegistrySource is the slice of pkg/registry.Registry that the collector
// needs. Kept as a local interface so this package never imports registry
// or queue directly.
type RegistrySource interface {
	CountByDeviceType() map[string]int
	CountStale() int
	CountSlotsByState() map[string]int
}

// QueueSource is the slice of pkg/queue.Queue the collector needs.
type QueueSource interface {
	Depths() (pending, running, failed int)
}

// Collector samples registry and queue state on a ticker and writes it into
// the package's gauges.
type Collector struct {
	registry RegistrySource
	queue    QueueSource
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil if
// that subsystem isn't wired up yet (e.g. an agent process with no queue).
func NewCollector(registry RegistrySource, queue QueueSource) *Collector {
	return &Collector{
		registry: registry,
		queue:    queue,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.registry != nil {
		c.collectRegistryMetrics()
	}
	if c.queue != nil {
		c.collectQueueMetrics()
	}
}

func (c *Collector) collectRegistryMetrics() {
	for deviceType, count := range c.registry.CountByDeviceType() {
		NodesTotal.WithLabelValues(deviceType).Set(float64(count))
	}

	NodesStale.Set(float64(c.registry.CountStale()))

	for state, count := range c.registry.CountSlotsByState() {
		ServiceSlotsTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectQueueMetrics() {
	pending, running, failed := c.queue.Depths()
	QueuePendingDepth.Set(float64(pending))
	QueueRunningDepth.Set(float64(running))
	QueueFailedDepth.Set(float64(failed))
}
