package dispatch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/scheduler/pkg/queue"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

func (d *Dispatcher) overrideWorkerURL(url string) {
	d.workerURL = func(string) string { return url }
}

func writeTempTaskFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "task.bin")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDispatchOneSuccessAddsRunning(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := registry.New()
	reg.Register(types.Node{GlobalID: "node-a", IPAddress: "127.0.0.1"})
	reg.UpdateStatus("node-a", types.NodeStatus{})

	q := queue.New()
	defer q.Stop()

	d := New(q, reg)
	d.overrideWorkerURL(server.URL)

	task := &types.Task{
		TaskID:           "foo.png",
		FilePath:         writeTempTaskFile(t, "data"),
		TaskType:         types.TaskTypeYoloV5,
		ScheduleStrategy: types.StrategyRoundRobin,
	}
	d.dispatchOne(task)

	assert.Equal(t, http.MethodPost, gotMethod)
	_, running, _ := q.Depths()
	assert.Equal(t, 1, running)
}

func TestDispatchOneRetriesOnNonSchedulable(t *testing.T) {
	reg := registry.New()
	q := queue.New()
	defer q.Stop()

	d := New(q, reg)
	task := &types.Task{TaskID: "foo.png", TaskType: types.TaskTypeYoloV5}

	start := time.Now()
	d.dispatchOne(task)
	assert.GreaterOrEqual(t, time.Since(start), retryBackoff)

	pending, _, _ := q.Depths()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, task.RetryCount)
}

func TestDispatchOneParksAfterMaxRetries(t *testing.T) {
	reg := registry.New()
	q := queue.New()
	defer q.Stop()

	d := New(q, reg)
	task := &types.Task{TaskID: "foo.png", TaskType: types.TaskTypeYoloV5, RetryCount: types.MaxRetries}
	d.dispatchOne(task)

	_, _, failed := q.Depths()
	assert.Equal(t, 1, failed)
}
