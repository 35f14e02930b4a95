package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/scheduler/pkg/engine"
	"github.com/edgefleet/scheduler/pkg/profile"
	"github.com/edgefleet/scheduler/pkg/queue"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

func testGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "static_info.json")
	require.NoError(t, os.WriteFile(profilePath, []byte(`{}`), 0o644))
	profiles, err := profile.Load(profilePath)
	require.NoError(t, err)

	reg := registry.New()
	q := queue.New()
	t.Cleanup(q.Stop)

	taskPath := filepath.Join(dir, "tasks")
	require.NoError(t, os.MkdirAll(taskPath, 0o755))

	eng := engine.New(nil, reg, profiles)
	g := New(Config{TaskPath: taskPath}, reg, q, profiles, eng)
	return g, taskPath
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegisterNodeAccepted(t *testing.T) {
	g, _ := testGateway(t)
	rec := postJSON(t, g.Handler(), "/register_node", map[string]any{
		"type":       "RK3588",
		"global_id":  "node-1",
		"ip_address": "10.0.0.1",
		"agent_port": 8000,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterNodeRejectsUnknownType(t *testing.T) {
	g, _ := testGateway(t)
	rec := postJSON(t, g.Handler(), "/register_node", map[string]any{
		"type":       "BOGUS",
		"global_id":  "node-1",
		"ip_address": "10.0.0.1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnregisterUnknownNodeIs404(t *testing.T) {
	g, _ := testGateway(t)
	rec := postJSON(t, g.Handler(), "/unregister_node", map[string]any{
		"type":       "RK3588",
		"global_id":  "ghost",
		"ip_address": "10.0.0.1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleRejectsMismatchedTotalNum(t *testing.T) {
	g, _ := testGateway(t)
	rec := postJSON(t, g.Handler(), "/schedule", map[string]any{
		"ip":        "10.0.0.5",
		"tasktype":  "YoloV5",
		"filenames": []string{"a.png", "b.png"},
		"total_num": 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleAcceptsAndEnqueues(t *testing.T) {
	g, _ := testGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/schedule?stargety=load", bytes.NewReader(mustJSON(map[string]any{
		"ip":        "10.0.0.5",
		"tasktype":  "YoloV5",
		"filenames": []string{"a.png"},
	})))
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	task := g.queue.Pop()
	assert.Equal(t, "a.png", task.TaskID)
	assert.Equal(t, types.TaskTypeYoloV5, task.TaskType)
}

func TestScheduleRejectsUnknownTaskType(t *testing.T) {
	g, _ := testGateway(t)
	rec := postJSON(t, g.Handler(), "/schedule", map[string]any{
		"ip":        "10.0.0.5",
		"tasktype":  "NotAThing",
		"filenames": []string{"a.png"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskCompletedIdempotent(t *testing.T) {
	g, taskPath := testGateway(t)
	task := &types.Task{TaskID: "img42.png", ClientIP: "10.0.0.5", TaskType: types.TaskTypeYoloV5}
	g.queue.AddRunning("node-1", task)

	clientDir := filepath.Join(taskPath, "10.0.0.5")
	require.NoError(t, os.MkdirAll(clientDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(clientDir, "img42.png"), []byte("x"), 0o644))

	rec1 := postJSON(t, g.Handler(), "/task_completed", map[string]any{
		"task_id":   "img42.png",
		"device_id": "node-1",
		"client_ip": "10.0.0.5",
		"status":    "success",
	})
	assert.Equal(t, http.StatusOK, rec1.Code)
	_, err := os.Stat(filepath.Join(clientDir, "img42.png"))
	assert.True(t, os.IsNotExist(err))

	rec2 := postJSON(t, g.Handler(), "/task_completed", map[string]any{
		"task_id":   "img42.png",
		"device_id": "node-1",
		"client_ip": "10.0.0.5",
		"status":    "success",
	})
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
