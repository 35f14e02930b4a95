package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/scheduler/pkg/profile"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

type fakeEngine struct {
	mu         sync.Mutex
	created    int
	started    int
	removed    int
	failCreate bool
	failStart  bool
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) CreateContainer(ctx context.Context, nodeIP string, spec types.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", assert.AnError
	}
	f.created++
	return uuid.NewString(), nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return assert.AnError
	}
	f.started++
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func testProfiles(t *testing.T) *profile.Store {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/static_info.json"
	contents := `{
		"YoloV5": {
			"RK3588": {
				"spec": {
					"container_port": 8080,
					"host_port": 8080
				},
				"overhead": {
					"cpu_usage": 0.2,
					"mem_usage": 0.3,
					"xpu_usage": 0.4,
					"proc_time": 1.0
				}
			}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	store, err := profile.Load(path)
	require.NoError(t, err)
	return store
}

func TestGetOrCreateBringsUpNewSlot(t *testing.T) {
	reg := registry.New()
	node := types.Node{GlobalID: "node-a", Type: types.DeviceRK3588, IPAddress: "10.0.0.1"}
	reg.Register(node)

	eng := &fakeEngine{}
	c := New(eng, reg, testProfiles(t))

	info, err := c.GetOrCreate(context.Background(), types.TaskTypeYoloV5, node)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", info.IP)
	assert.Equal(t, 8080, info.Port)
	assert.Equal(t, 1, eng.created)
	assert.Equal(t, 1, eng.started)

	slot := reg.Slot(types.TaskTypeYoloV5, node.GlobalID)
	assert.Equal(t, types.SlotRunning, slot.State)
}

func TestGetOrCreateReturnsExistingRunningSlotAndRefreshesDeadline(t *testing.T) {
	reg := registry.New()
	node := types.Node{GlobalID: "node-a", Type: types.DeviceRK3588, IPAddress: "10.0.0.1"}
	reg.Register(node)
	reg.TransitionSlot(types.TaskTypeYoloV5, node.GlobalID, func(s *registry.Slot) {
		s.State = types.SlotRunning
		s.Instances = []types.SrvInfo{{ContainerID: "c1", IP: "10.0.0.1", Port: 8080}}
		s.IdleDeadline = time.Now().Add(-time.Second)
	})

	eng := &fakeEngine{}
	c := New(eng, reg, testProfiles(t))

	info, err := c.GetOrCreate(context.Background(), types.TaskTypeYoloV5, node)
	require.NoError(t, err)
	assert.Equal(t, "c1", info.ContainerID)
	assert.Equal(t, 0, eng.created, "existing running slot must not trigger a new create")

	slot := reg.Slot(types.TaskTypeYoloV5, node.GlobalID)
	assert.True(t, slot.IdleDeadline.After(time.Now()), "idle deadline should have been pushed forward")
}

func TestGetOrCreateReturnsErrorWhileDeleting(t *testing.T) {
	reg := registry.New()
	node := types.Node{GlobalID: "node-a", Type: types.DeviceRK3588, IPAddress: "10.0.0.1"}
	reg.Register(node)
	reg.TransitionSlot(types.TaskTypeYoloV5, node.GlobalID, func(s *registry.Slot) {
		s.State = types.SlotDeleting
	})

	c := New(&fakeEngine{}, reg, testProfiles(t))
	_, err := c.GetOrCreate(context.Background(), types.TaskTypeYoloV5, node)
	assert.ErrorIs(t, err, ErrSlotDeleting)
}

func TestCreateRevertsToNoExistOnUnknownProfile(t *testing.T) {
	reg := registry.New()
	node := types.Node{GlobalID: "node-a", Type: types.DeviceOrin, IPAddress: "10.0.0.1"}
	reg.Register(node)

	eng := &fakeEngine{}
	c := New(eng, reg, testProfiles(t))

	_, err := c.GetOrCreate(context.Background(), types.TaskTypeYoloV5, node)
	assert.Error(t, err)
	assert.Equal(t, 0, eng.created)

	slot := reg.Slot(types.TaskTypeYoloV5, node.GlobalID)
	assert.Equal(t, types.SlotNoExist, slot.State)
}

func TestCreateRevertsToNoExistOnStartFailure(t *testing.T) {
	reg := registry.New()
	node := types.Node{GlobalID: "node-a", Type: types.DeviceRK3588, IPAddress: "10.0.0.1"}
	reg.Register(node)

	eng := &fakeEngine{failStart: true}
	c := New(eng, reg, testProfiles(t))

	_, err := c.GetOrCreate(context.Background(), types.TaskTypeYoloV5, node)
	assert.Error(t, err)

	slot := reg.Slot(types.TaskTypeYoloV5, node.GlobalID)
	assert.Equal(t, types.SlotNoExist, slot.State)
}

func TestGetOrCreateWaitsForReadinessPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)

	dir := t.TempDir()
	path := dir + "/static_info.json"
	contents := `{
		"YoloV5": {
			"RK3588": {
				"spec": {
					"container_port": 8080,
					"host_port": ` + port + `,
					"readiness_path": "/healthz"
				},
				"overhead": {}
			}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	profiles, err := profile.Load(path)
	require.NoError(t, err)

	reg := registry.New()
	node := types.Node{GlobalID: "node-a", Type: types.DeviceRK3588, IPAddress: host}
	reg.Register(node)

	eng := &fakeEngine{}
	c := New(eng, reg, profiles)

	info, err := c.GetOrCreate(context.Background(), types.TaskTypeYoloV5, node)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ContainerID)

	slot := reg.Slot(types.TaskTypeYoloV5, node.GlobalID)
	assert.Equal(t, types.SlotRunning, slot.State)
}

func splitHostPort(t *testing.T, rawURL string) (host, port string) {
	t.Helper()
	withoutScheme := strings.TrimPrefix(strings.TrimPrefix(rawURL, "http://"), "https://")
	parts := strings.SplitN(withoutScheme, ":", 2)
	require.Len(t, parts, 2)
	return parts[0], parts[1]
}

func TestHotStartAllNodesForTaskType(t *testing.T) {
	reg := registry.New()
	nodeA := types.Node{GlobalID: "node-a", Type: types.DeviceRK3588, IPAddress: "10.0.0.1"}
	nodeB := types.Node{GlobalID: "node-b", Type: types.DeviceRK3588, IPAddress: "10.0.0.2"}
	reg.Register(nodeA)
	reg.Register(nodeB)
	reg.EnsureSlot(types.TaskTypeYoloV5, nodeA.GlobalID)
	reg.EnsureSlot(types.TaskTypeYoloV5, nodeB.GlobalID)

	eng := &fakeEngine{}
	c := New(eng, reg, testProfiles(t))

	started, failed := c.HotStartAllNodesForTaskType(context.Background(), types.TaskTypeYoloV5)
	assert.Equal(t, 2, started)
	assert.Equal(t, 0, failed)
}
