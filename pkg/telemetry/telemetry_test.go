package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

func newTestNode(t *testing.T, server *httptest.Server) types.Node {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return types.Node{
		GlobalID:  "node-a",
		Type:      types.DeviceRK3588,
		IPAddress: u.Hostname(),
		AgentPort: port,
	}
}

func TestPollOneUpdatesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"result": map[string]any{
				"mem":            0.4,
				"cpu_used":       0.2,
				"xpu_used":       0.1,
				"net_latency":    5.0,
				"net_bandwidth":  100.0,
				"disconnectTime": 0,
				"reconnectTime":  0,
				"timeWindow":     0,
				"services":       []string{"YoloV5"},
			},
		})
	}))
	defer server.Close()

	reg := registry.New()
	node := newTestNode(t, server)
	reg.Register(node)

	p := New(reg)
	p.pollOne(node.GlobalID, node)

	snap := reg.Snapshot()
	status := snap.Status[node.GlobalID]
	assert.True(t, status.HasData)
	assert.Equal(t, 0.2, status.CPUUsed)
	assert.Equal(t, 0.4, status.MemUsed)
	assert.Contains(t, snap.ActiveServices[node.GlobalID], types.TaskTypeYoloV5)
}

func TestPollOneSwallowsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := registry.New()
	node := newTestNode(t, server)
	reg.Register(node)

	p := New(reg)
	assert.NotPanics(t, func() { p.pollOne(node.GlobalID, node) })

	snap := reg.Snapshot()
	assert.False(t, snap.Status[node.GlobalID].HasData)
}

func TestSweepDoesNotRemoveNodeOnFailure(t *testing.T) {
	reg := registry.New()
	reg.Register(types.Node{GlobalID: "unreachable", IPAddress: "127.0.0.1", AgentPort: 1})

	p := New(reg)
	done := make(chan struct{})
	go func() {
		p.sweep()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not return")
	}

	snap := reg.Snapshot()
	assert.Contains(t, snap.Nodes, types.NodeID("unreachable"))
}
