// Package queue implements the Task Queue Manager: the pending deque,
// per-node running index, and failed history that the scheduler loop and
// health/recovery monitor drive.
package queue

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/types"
)

// FailedHistoryLimit bounds the in-memory failed history. Once exceeded,
// the oldest entries are dropped by the periodic compaction job.
const FailedHistoryLimit = 1000

// Queue is the Task Queue Manager.
type Queue struct {
	mu      sync.Mutex
	notify  chan struct{}
	pending []*types.Task
	running map[types.NodeID][]*types.Task
	failed  []*types.Task

	cron   *cron.Cron
	logger zerolog.Logger
}

// New creates an empty Task Queue Manager and starts its failed-history
// compaction job.
func New() *Queue {
	q := &Queue{
		notify:  make(chan struct{}, 1),
		running: make(map[types.NodeID][]*types.Task),
		cron:    cron.New(),
		logger:  log.WithComponent("queue"),
	}
	// Compact the failed history once an hour; bounds unbounded growth of
	// parked tasks without adding persistence.
	_, err := q.cron.AddFunc("0 * * * *", q.compactFailed)
	if err != nil {
		q.logger.Error().Err(err).Msg("registering failed-history compaction job")
	}
	q.cron.Start()
	return q
}

// Stop stops the compaction job. The queue itself has no other background
// work to stop.
func (q *Queue) Stop() {
	<-q.cron.Stop().Done()
}

// Push appends task to the pending deque. highPriority pushes to the front
// (used for retries), otherwise it's appended to the back.
func (q *Queue) Push(task *types.Task, highPriority bool) {
	q.mu.Lock()
	if highPriority {
		q.pending = append([]*types.Task{task}, q.pending...)
	} else {
		q.pending = append(q.pending, task)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until the pending deque is non-empty, then removes and returns
// its front.
func (q *Queue) Pop() *types.Task {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return task
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// AddRunning marks task as RUNNING and appends it to nodeID's running list.
func (q *Queue) AddRunning(nodeID types.NodeID, task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = types.TaskRunning
	q.running[nodeID] = append(q.running[nodeID], task)
}

// Complete searches every running list for a task whose TaskID matches
// reportedID, or whose TaskID's stem matches the reported id's stem (so
// either "foo.png" or "foo" completes the task). The first match is removed
// and returned. A nil result is the normal outcome for a late or duplicate
// completion callback.
func (q *Queue) Complete(reportedID string) (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reportedStem := stem(reportedID)

	for nodeID, tasks := range q.running {
		for i, task := range tasks {
			if task.TaskID == reportedID || stem(task.TaskID) == reportedStem {
				q.running[nodeID] = append(tasks[:i], tasks[i+1:]...)
				return task, true
			}
		}
	}
	return nil, false
}

// Recover moves every task in running[nodeID] back to the front of pending,
// in original order, after incrementing retry_count. A task whose
// retry_count exceeds MaxRetries is sent to the failed history instead.
// nodeID is erased from running regardless.
func (q *Queue) Recover(nodeID types.NodeID) {
	q.mu.Lock()
	tasks := q.running[nodeID]
	delete(q.running, nodeID)
	q.mu.Unlock()

	// Walk in reverse so repeated front-pushes preserve original order.
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		task.RetryCount++
		if task.RetryCount > types.MaxRetries {
			q.MoveToFailed(task)
			continue
		}
		task.Status = types.TaskPending
		q.Push(task, true)
	}
}

// MoveToFailed appends task to the failed history.
func (q *Queue) MoveToFailed(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, task)
}

// Depths implements metrics.QueueSource.
func (q *Queue) Depths() (pending, running, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending = len(q.pending)
	for _, tasks := range q.running {
		running += len(tasks)
	}
	failed = len(q.failed)
	return pending, running, failed
}

func (q *Queue) compactFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.failed) <= FailedHistoryLimit {
		return
	}
	dropped := len(q.failed) - FailedHistoryLimit
	q.failed = q.failed[dropped:]
	q.logger.Info().Int("dropped", dropped).Msg("compacted failed task history")
}

// stem returns the file name without its extension, e.g. "foo.png" -> "foo".
func stem(s string) string {
	base := filepath.Base(s)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
