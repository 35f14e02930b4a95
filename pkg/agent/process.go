package agent

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgefleet/scheduler/pkg/log"
)

// managedProcess owns one supervised child process: a fixed name (e.g.
// "recv_server") or an on-demand backend (e.g. "YoloV5"). It restarts the
// child on exit until Stop is called, matching the crash-restart loop the
// teacher mapping notes call for in languages with POSIX process
// primitives.
type managedProcess struct {
	name         string
	command      []string
	env          []string
	workDir      string
	logPath      string
	restartDelay time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	stopCh  chan struct{}

	logger zerolog.Logger
}

func newManagedProcess(name string, command, env []string, workDir, logPath string, restartDelay time.Duration) *managedProcess {
	return &managedProcess{
		name:         name,
		command:      command,
		env:          env,
		workDir:      workDir,
		logPath:      logPath,
		restartDelay: restartDelay,
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("agent.supervisor").With().Str("service", name).Logger(),
	}
}

// Start launches the managed process and its restart-on-exit loop. Calling
// Start twice on the same instance is a no-op.
func (m *managedProcess) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// Stop terminates the managed process's entire process group and prevents
// further restarts.
func (m *managedProcess) Stop() {
	close(m.stopCh)

	m.mu.Lock()
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func (m *managedProcess) run() {
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if err := m.spawnAndWait(); err != nil {
			m.logger.Warn().Err(err).Msg("managed process exited")
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(m.restartDelay):
		}
	}
}

func (m *managedProcess) spawnAndWait() error {
	if len(m.command) == 0 {
		<-m.stopCh
		return nil
	}

	logFile, err := os.OpenFile(m.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.Command(m.command[0], m.command[1:]...)
	cmd.Env = append(os.Environ(), m.env...)
	cmd.Dir = m.workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	m.mu.Lock()
	m.cmd = cmd
	m.mu.Unlock()

	m.logger.Info().Str("command", strings.Join(m.command, " ")).Msg("starting managed process")

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Wait()
}
