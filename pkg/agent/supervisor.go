package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/types"
)

// RegisterOptions configure the Agent Supervisor's registration and
// disconnect/reconnect behavior.
type RegisterOptions struct {
	MasterURL     string
	AgentPort     int
	NodeID        types.NodeID
	DeviceType    types.DeviceType
	IPAddress     string
	Services      []types.TaskType
	DisconnectSec int
	ReconnectSec  int
}

// ErrRegistrationFailed is returned when the initial registration attempt
// at startup fails; callers treat this as fatal per spec §4.11.
type ErrRegistrationFailed struct{ cause error }

func (e *ErrRegistrationFailed) Error() string { return fmt.Sprintf("agent: initial registration failed: %v", e.cause) }
func (e *ErrRegistrationFailed) Unwrap() error  { return e.cause }

// Supervisor is the Agent Supervisor (C11): it registers the node with the
// master, optionally runs a disconnect/reconnect simulation cycle, and
// owns every managed child process (the fixed recv_server/rst_send pair
// plus on-demand inference backends).
type Supervisor struct {
	opts         RegisterOptions
	backendSpecs map[string]BackendSpec
	logDir       string
	client       *http.Client
	logger       zerolog.Logger

	mu        sync.Mutex
	processes map[string]*managedProcess

	allowRemote  bool
	restartDelay time.Duration
	stopCh       chan struct{}
}

// NewSupervisor creates a Supervisor. logDir is where per-service stdout/
// stderr logs are written.
func NewSupervisor(opts RegisterOptions, backendSpecs map[string]BackendSpec, logDir string, restartDelay time.Duration) *Supervisor {
	return &Supervisor{
		opts:         opts,
		backendSpecs: backendSpecs,
		logDir:       logDir,
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       log.WithComponent("agent.supervisor"),
		processes:    make(map[string]*managedProcess),
		allowRemote:  os.Getenv("AGENT_ALLOW_REMOTE_CONTROL") == "1",
		restartDelay: restartDelay,
		stopCh:       make(chan struct{}),
	}
}

// Register performs the initial POST /register_node against the master.
// A failure here is fatal per spec §4.11: the caller should abort startup.
func (s *Supervisor) Register() error {
	if err := s.postNode("/register_node"); err != nil {
		return &ErrRegistrationFailed{cause: err}
	}
	s.logger.Info().Str("node_id", string(s.opts.NodeID)).Msg("registered with master")
	return nil
}

func (s *Supervisor) postNode(path string) error {
	services := make([]string, 0, len(s.opts.Services))
	for _, tt := range s.opts.Services {
		services = append(services, string(tt))
	}
	body, err := json.Marshal(map[string]any{
		"type":       string(s.opts.DeviceType),
		"global_id":  string(s.opts.NodeID),
		"ip_address": s.opts.IPAddress,
		"agent_port": s.opts.AgentPort,
		"services":   services,
	})
	if err != nil {
		return fmt.Errorf("marshalling node payload: %w", err)
	}

	resp, err := s.client.Post(s.opts.MasterURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s responded with status %d", path, resp.StatusCode)
	}
	return nil
}

// RunDisconnectCycle runs the disconnect/reconnect simulation loop. If
// DisconnectSec <= 0 the cycle is disabled and this returns immediately.
// This is a test/simulation knob, not production churn.
func (s *Supervisor) RunDisconnectCycle() {
	if s.opts.DisconnectSec <= 0 {
		return
	}
	reconnect := s.opts.ReconnectSec
	if reconnect <= 0 {
		reconnect = 20
	}

	for {
		select {
		case <-time.After(time.Duration(s.opts.DisconnectSec) * time.Second):
		case <-s.stopCh:
			return
		}

		if err := s.postNode("/unregister_node"); err != nil {
			s.logger.Warn().Err(err).Msg("disconnect cycle: unregister failed")
		}

		select {
		case <-time.After(time.Duration(reconnect) * time.Second):
		case <-s.stopCh:
			return
		}

		if err := s.postNode("/register_node"); err != nil {
			s.logger.Warn().Err(err).Msg("disconnect cycle: re-register failed")
		}
	}
}

// StartManagedServices launches recv_server, rst_send, and every
// autostart-listed backend under supervision. No-op entries (services
// config names a backend this agent doesn't have a spec for) are logged
// and skipped.
func (s *Supervisor) StartManagedServices(fixed map[string][]string, fixedEnv []string, autostart []string) {
	for name, command := range fixed {
		s.startProcess(name, command, fixedEnv, "")
	}
	for _, service := range autostart {
		if err := s.EnsureService(service); err != nil {
			s.logger.Warn().Err(err).Str("service", service).Msg("autostart failed")
		}
	}
}

// EnsureService looks up service in the backend specs, renders its
// placeholders, and launches it under supervision. Idempotent: calling it
// twice for the same service is a no-op on the second call.
func (s *Supervisor) EnsureService(service string) error {
	spec, ok := s.backendSpecs[service]
	if !ok {
		return fmt.Errorf("agent: no backend spec for service %q", service)
	}

	s.mu.Lock()
	if _, exists := s.processes[service]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := os.MkdirAll(spec.InputDir, 0o755); err != nil {
		return fmt.Errorf("agent: creating input dir for %s: %w", service, err)
	}
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return fmt.Errorf("agent: creating output dir for %s: %w", service, err)
	}

	replacer := strings.NewReplacer(
		"${INPUT_DIR}", spec.InputDir,
		"${OUTPUT_DIR}", spec.OutputDir,
		"${SERVICE_NAME}", service,
	)
	command := make([]string, len(spec.Command))
	for i, arg := range spec.Command {
		command[i] = replacer.Replace(arg)
	}
	env := make([]string, len(spec.Env))
	for i, e := range spec.Env {
		env[i] = replacer.Replace(e)
	}

	s.startProcess(service, command, env, spec.WorkDir)
	return nil
}

func (s *Supervisor) startProcess(name string, command, env []string, workDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.processes[name]; exists {
		return
	}

	logPath := filepath.Join(s.logDir, name+".log")
	proc := newManagedProcess(name, command, env, workDir, logPath, s.restartDelay)
	s.processes[name] = proc
	proc.Start()
}

// RunningServices returns the names of every service currently under
// supervision, for GET /usage/services.
func (s *Supervisor) RunningServices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.processes))
	for name := range s.processes {
		names = append(names, name)
	}
	return names
}

// AllowRemoteControl reports whether AGENT_ALLOW_REMOTE_CONTROL=1 is set,
// gating non-loopback callers of /ensure_service.
func (s *Supervisor) AllowRemoteControl() bool {
	return s.allowRemote
}

// Shutdown terminates every managed process group and stops the
// disconnect/reconnect loop.
func (s *Supervisor) Shutdown() {
	close(s.stopCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, proc := range s.processes {
		proc.Stop()
	}
}
