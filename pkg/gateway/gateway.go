// Package gateway implements the Gateway API: the master's public HTTP
// surface for client submissions, node registration/disconnect, hot-start,
// and task-completion callbacks.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/engine"
	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/metrics"
	"github.com/edgefleet/scheduler/pkg/profile"
	"github.com/edgefleet/scheduler/pkg/queue"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/types"
)

// Config configures the Gateway's filesystem layout and completion policy.
type Config struct {
	// TaskPath is the upload root; an accepted file for client ip X and
	// filename Y lives at TaskPath/X/Y.
	TaskPath string
	// KeepUpload disables deletion of uploaded files on completion.
	KeepUpload bool
}

// Gateway is the Gateway API (C9): HTTP handlers bound to the registry,
// queue, profile store, and container lifecycle controller.
type Gateway struct {
	cfg      Config
	registry *registry.Registry
	queue    *queue.Queue
	profiles *profile.Store
	engine   *engine.Controller
	logger   zerolog.Logger
	mux      *http.ServeMux
}

// New wires a Gateway to its collaborators and registers its routes.
func New(cfg Config, reg *registry.Registry, q *queue.Queue, profiles *profile.Store, eng *engine.Controller) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: reg,
		queue:    q,
		profiles: profiles,
		engine:   eng,
		logger:   log.WithComponent("gateway"),
		mux:      http.NewServeMux(),
	}
	g.routes()
	return g
}

// Handler returns the HTTP handler for the gateway's routes, for embedding
// in a larger mux or serving directly.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("/register_node", g.withMetrics("register_node", g.handleRegisterNode))
	g.mux.HandleFunc("/unregister_node", g.withMetrics("unregister_node", g.handleUnregisterNode))
	g.mux.HandleFunc("/schedule", g.withMetrics("schedule", g.handleSchedule))
	g.mux.HandleFunc("/task_completed", g.withMetrics("task_completed", g.handleTaskCompleted))
	g.mux.HandleFunc("/hot_start", g.withMetrics("hot_start", g.handleHotStart))
	g.mux.HandleFunc("/debug/devices", g.withMetrics("debug_devices", g.handleDebugDevices))
}

// withMetrics wraps a handler with route-labeled request counting and
// latency observation, mirroring the teacher's HealthServer route wiring.
func (g *Gateway) withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type nodeWire struct {
	Type      string   `json:"type"`
	GlobalID  string   `json:"global_id"`
	IPAddress string   `json:"ip_address"`
	AgentPort int      `json:"agent_port"`
	Services  []string `json:"services,omitempty"`
}

func parseNode(r *http.Request) (types.Node, error) {
	var w nodeWire
	if err := json.NewDecoder(r.Body).Decode(&w); err != nil {
		return types.Node{}, fmt.Errorf("decoding node: %w", err)
	}
	dt, ok := types.ParseDeviceType(w.Type)
	if !ok {
		return types.Node{}, fmt.Errorf("unknown device type %q", w.Type)
	}
	if w.GlobalID == "" || w.IPAddress == "" {
		return types.Node{}, fmt.Errorf("missing global_id or ip_address")
	}
	var services []types.TaskType
	for _, s := range w.Services {
		if tt, ok := types.ParseTaskType(s); ok {
			services = append(services, tt)
		}
	}
	return types.Node{
		GlobalID:  types.NodeID(w.GlobalID),
		Type:      dt,
		IPAddress: w.IPAddress,
		AgentPort: w.AgentPort,
		Services:  services,
	}, nil
}

// handleRegisterNode implements POST /register_node.
func (g *Gateway) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	node, err := parseNode(r)
	if err != nil {
		g.logger.Warn().Err(err).Msg("register_node: bad request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": err.Error()})
		return
	}

	g.registry.Register(node)
	for _, tt := range g.profiles.TaskTypesForDevice(node.Type) {
		g.registry.EnsureSlot(tt, node.GlobalID)
	}

	g.logger.Info().Str("node_id", string(node.GlobalID)).Msg("register_node accepted")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleUnregisterNode implements POST /unregister_node.
func (g *Gateway) handleUnregisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	node, err := parseNode(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": err.Error()})
		return
	}

	if _, ok := g.registry.Node(node.GlobalID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "msg": "node not found"})
		return
	}

	g.registry.Remove(node.GlobalID)
	g.queue.Recover(node.GlobalID)

	g.logger.Info().Str("node_id", string(node.GlobalID)).Msg("unregister_node accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "msg": "unregistered"})
}

type scheduleRequest struct {
	IP        string   `json:"ip"`
	TaskType  string   `json:"tasktype"`
	Filename  string   `json:"filename,omitempty"`
	Filenames []string `json:"filenames,omitempty"`
	TotalNum  int      `json:"total_num,omitempty"`
	ReqID     string   `json:"req_id,omitempty"`
}

// handleSchedule implements POST /schedule?stargety={load|roundrobin}.
func (g *Gateway) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": "malformed body"})
		return
	}

	filenames := req.Filenames
	if req.Filename != "" {
		filenames = append(filenames, req.Filename)
	}
	if len(filenames) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": "no filenames provided"})
		return
	}
	if req.TotalNum != 0 && req.TotalNum != len(filenames) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": "total_num does not match filename count"})
		return
	}
	if req.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": "missing ip"})
		return
	}

	taskType, ok := types.ParseTaskType(req.TaskType)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": fmt.Sprintf("unknown tasktype %q", req.TaskType)})
		return
	}

	strategy := types.StrategyLoad
	if s := r.URL.Query().Get("stargety"); s == string(types.StrategyRoundRobin) {
		strategy = types.StrategyRoundRobin
	}

	reqID := req.ReqID
	if reqID == "" {
		reqID = filenames[0]
	}

	cr := &types.ClientRequest{
		ReqID:            reqID,
		ClientIP:         req.IP,
		TaskType:         taskType,
		ScheduleStrategy: strategy,
		TotalNum:         len(filenames),
		EnqueueTimeMS:    time.Now().UnixMilli(),
	}

	taskIDs := make([]string, 0, len(filenames))
	for _, fn := range filenames {
		task := &types.Task{
			TaskID:           fn,
			FilePath:         filepath.Join(g.cfg.TaskPath, req.IP, fn),
			ClientIP:         req.IP,
			ReqID:            reqID,
			TaskType:         taskType,
			ScheduleStrategy: strategy,
			Status:           types.TaskPending,
		}
		cr.Tasks = append(cr.Tasks, task)
		taskIDs = append(taskIDs, fn)
	}

	for _, task := range cr.Tasks {
		g.queue.Push(task, false)
		metrics.TasksEnqueuedTotal.WithLabelValues(string(taskType)).Inc()
	}

	g.logger.Info().Str("req_id", reqID).Int("count", len(cr.Tasks)).Str("task_type", string(taskType)).Msg("schedule accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "msg": "accepted", "task_ids": taskIDs})
}

type taskCompletedRequest struct {
	TaskID   string `json:"task_id"`
	DeviceID string `json:"device_id"`
	ClientIP string `json:"client_ip"`
	Status   string `json:"status"`
}

// handleTaskCompleted implements POST /task_completed.
func (g *Gateway) handleTaskCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req taskCompletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": "malformed body"})
		return
	}

	if req.Status != "success" {
		g.logger.Info().Str("task_id", req.TaskID).Str("status", req.Status).Msg("task_completed: non-success status")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "msg": "acknowledged"})
		return
	}

	task, found := g.queue.Complete(req.TaskID)
	if found {
		metrics.TasksCompletedTotal.WithLabelValues(string(task.TaskType)).Inc()
		if !g.cfg.KeepUpload {
			path := filepath.Join(g.cfg.TaskPath, req.ClientIP, req.TaskID)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				g.logger.Warn().Err(err).Str("path", path).Msg("removing uploaded file")
			}
		}
		g.logger.Info().Str("task_id", req.TaskID).Str("device_id", req.DeviceID).Msg("task completed")
	} else {
		g.logger.Debug().Str("task_id", req.TaskID).Msg("task_completed: no matching running task (late/duplicate)")
	}

	// Idempotent by design: found or not, the caller always gets 200.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "msg": "acknowledged"})
}

// handleHotStart implements POST /hot_start?taskid=<TaskType>.
func (g *Gateway) handleHotStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ttRaw := r.URL.Query().Get("taskid")
	tt, ok := types.ParseTaskType(ttRaw)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown task type %q", ttRaw), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	started, failed := g.engine.HotStartAllNodesForTaskType(ctx, tt)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "started=%d failed=%d", started, failed)
}

// handleDebugDevices implements GET /debug/devices, the carried-forward
// display_dev/display_devinfo introspection surface.
func (g *Gateway) handleDebugDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, g.registry.Snapshot())
}
