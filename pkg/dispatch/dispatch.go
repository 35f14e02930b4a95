// Package dispatch implements the Scheduler Loop: the single background
// worker that pops pending tasks, consults the Scheduling Policy, and POSTs
// each task to its chosen worker's receive endpoint.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/metrics"
	"github.com/edgefleet/scheduler/pkg/policy"
	"github.com/edgefleet/scheduler/pkg/queue"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

// WorkerReceivePort is the fixed port every worker's receive endpoint
// listens on.
const WorkerReceivePort = 20810

// retryBackoff is the pause between a dispatch failure and the loop's next
// iteration.
const retryBackoff = 100 * time.Millisecond

type recvInfo struct {
	IP       string `json:"ip"`
	FileName string `json:"file_name"`
	TaskType string `json:"tasktype"`
}

// Dispatcher is the Scheduler Loop (C6).
type Dispatcher struct {
	queue      *queue.Queue
	registry   *registry.Registry
	roundRobin *policy.RoundRobin
	client     *http.Client
	logger     zerolog.Logger
	stopCh     chan struct{}
	started    bool

	// workerURL builds the receive-endpoint base URL for a node's IP.
	// Overridable in tests so they don't depend on the fixed production
	// port.
	workerURL func(ip string) string
}

// New creates a Dispatcher wired to q and reg.
func New(q *queue.Queue, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{
		queue:      q,
		registry:   reg,
		roundRobin: policy.NewRoundRobin(),
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     log.WithComponent("dispatch"),
		stopCh:     make(chan struct{}),
		workerURL: func(ip string) string {
			return fmt.Sprintf("http://%s:%d", ip, WorkerReceivePort)
		},
	}
}

// Start begins the scheduler loop in the background. Idempotent: a second
// call is a no-op so callers can start it unconditionally during startup.
func (d *Dispatcher) Start() {
	if d.started {
		return
	}
	d.started = true
	go d.run()
}

// Stop signals the loop to exit after its current iteration.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		task := d.queue.Pop()
		d.dispatchOne(task)
	}
}

// retry applies the retry rule shared by every failure point in the loop:
// increment retry_count, push back high-priority if still within budget,
// otherwise move to the failed history.
func (d *Dispatcher) retry(task *types.Task, outcome string) {
	task.RetryCount++
	if task.RetryCount > types.MaxRetries {
		d.queue.MoveToFailed(task)
		metrics.DispatchResultsTotal.WithLabelValues("parked").Inc()
		d.logger.Warn().Str("task_id", task.TaskID).Str("reason", outcome).Msg("task exhausted retries, parked")
	} else {
		d.queue.Push(task, true)
		metrics.DispatchResultsTotal.WithLabelValues("retry").Inc()
	}
	time.Sleep(retryBackoff)
}

func (d *Dispatcher) dispatchOne(task *types.Task) {
	timer := metrics.NewTimer()
	cycleTimer := metrics.NewTimer()

	snap := d.registry.Snapshot()
	nodeID, err := policy.Select(task.ScheduleStrategy, task.TaskType, snap, d.roundRobin)
	cycleTimer.ObserveDuration(metrics.SchedulingCycleLatency)
	if err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("no schedulable node")
		d.retry(task, "no_schedulable_node")
		return
	}

	node, ok := d.registry.Node(nodeID)
	if !ok {
		d.retry(task, "node_vanished")
		return
	}

	data, err := os.ReadFile(task.FilePath)
	if err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("reading task file")
		d.retry(task, "read_failed")
		return
	}

	if err := d.post(node, task, data); err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.TaskID).Str("node_id", string(nodeID)).Msg("dispatch failed")
		d.retry(task, "post_failed")
		return
	}

	timer.ObserveDuration(metrics.DispatchLatency)
	metrics.DispatchResultsTotal.WithLabelValues("success").Inc()
	d.queue.AddRunning(nodeID, task)
}

func (d *Dispatcher) post(node types.Node, task *types.Task, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fileWriter, err := writer.CreateFormFile("pic_file", task.TaskID)
	if err != nil {
		return fmt.Errorf("creating pic_file part: %w", err)
	}
	if _, err := io.Copy(fileWriter, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing pic_file part: %w", err)
	}

	info := recvInfo{IP: task.ClientIP, FileName: task.TaskID, TaskType: string(task.TaskType)}
	infoBytes, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshalling pic_info: %w", err)
	}
	if err := writer.WriteField("pic_info", string(infoBytes)); err != nil {
		return fmt.Errorf("writing pic_info part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	url := d.workerURL(node.IPAddress) + "/recv_task"
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker responded with status %d", resp.StatusCode)
	}
	return nil
}
