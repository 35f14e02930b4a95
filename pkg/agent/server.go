package agent

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/types"
)

// Server is the agent's HTTP surface: the Collector's usage endpoint and
// the Supervisor's service-control endpoint.
type Server struct {
	collector  *Collector
	supervisor *Supervisor
	logger     zerolog.Logger
	mux        *http.ServeMux
}

// NewServer wires an agent HTTP Server to its collector and supervisor.
func NewServer(collector *Collector, supervisor *Supervisor) *Server {
	s := &Server{
		collector:  collector,
		supervisor: supervisor,
		logger:     log.WithComponent("agent.server"),
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the agent's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/usage/device_info", s.handleDeviceInfo)
	s.mux.HandleFunc("/usage/services", s.handleServices)
	s.mux.HandleFunc("/ensure_service", s.handleEnsureService)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.collector.Snapshot()
	serving := s.supervisor.RunningServices()

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": map[string]any{
			"mem":            status.MemUsed,
			"cpu_used":       status.CPUUsed,
			"xpu_used":       status.XPUUsed,
			"net_latency":    status.NetLatencyMS,
			"net_bandwidth":  status.NetBandwidth,
			"disconnectTime": status.DisconnectTime,
			"reconnectTime":  status.ReconnectTime,
			"timeWindow":     status.TimeWindow,
			"services":       serving,
		},
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": map[string]any{
			"running_services": s.supervisor.RunningServices(),
		},
	})
}

type ensureServiceRequest struct {
	Service string `json:"service"`
}

func (s *Server) handleEnsureService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.supervisor.AllowRemoteControl() && !isLoopback(r) {
		http.Error(w, "forbidden: remote control disabled", http.StatusForbidden)
		return
	}

	var req ensureServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "msg": "malformed body"})
		return
	}

	if _, ok := types.ParseTaskType(req.Service); !ok {
		s.logger.Debug().Str("service", req.Service).Msg("ensure_service: non-enumerated service name, trying anyway")
	}

	if err := s.supervisor.EnsureService(req.Service); err != nil {
		s.logger.Warn().Err(err).Str("service", req.Service).Msg("ensure_service failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "msg": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
