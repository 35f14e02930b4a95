// Command gateway runs the master: the scheduling and task-lifecycle
// engine that accepts client submissions, dispatches them to worker
// agents, and tracks them through completion.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgefleet/scheduler/pkg/dispatch"
	"github.com/edgefleet/scheduler/pkg/engine"
	"github.com/edgefleet/scheduler/pkg/gateway"
	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/metrics"
	"github.com/edgefleet/scheduler/pkg/profile"
	"github.com/edgefleet/scheduler/pkg/queue"
	"github.com/edgefleet/scheduler/pkg/recovery"
	"github.com/edgefleet/scheduler/pkg/registry"
	"github.com/edgefleet/scheduler/pkg/telemetry"
)

var (
	configDir  string
	taskDir    string
	keepUpload bool
	bindAddr   string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Edge inference scheduler master",
	Long: `gateway is the master (gateway) process: it accepts client task
submissions, schedules them onto registered worker nodes, tracks them
through execution, and recovers tasks from failed workers.`,
	RunE: runGateway,
}

func init() {
	rootCmd.Flags().StringVarP(&configDir, "config", "c", "./myapp", "directory containing static_info.json")
	rootCmd.Flags().StringVarP(&taskDir, "task", "t", "./tasks", "upload root; files live at <task>/<client_ip>/<filename>")
	rootCmd.Flags().BoolVar(&keepUpload, "keep-upload", false, "do not delete uploaded files on completion")
	rootCmd.Flags().StringVar(&bindAddr, "bind", "0.0.0.0:6666", "gateway HTTP bind address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs in JSON format")

	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	})
}

func runGateway(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	profiles, err := profile.Load(filepath.Join(configDir, "static_info.json"))
	if err != nil {
		return fmt.Errorf("loading static profile store: %w", err)
	}

	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("creating task upload root: %w", err)
	}

	reg := registry.New()
	q := queue.New()
	defer q.Stop()

	dockerEngine, err := engine.NewDockerEngine()
	if err != nil {
		return fmt.Errorf("building container engine client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dockerEngine.Ping(pingCtx); err != nil {
		return fmt.Errorf("container engine unreachable at startup: %w", err)
	}
	controller := engine.New(dockerEngine, reg, profiles)

	poller := telemetry.New(reg)
	poller.Start()
	defer poller.Stop()

	monitor := recovery.New(reg, q)
	monitor.Start()
	defer monitor.Stop()

	dispatcher := dispatch.New(q, reg)
	dispatcher.Start()
	defer dispatcher.Stop()

	collector := metrics.NewCollector(reg, q)
	collector.Start()
	defer collector.Stop()

	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("queue", true, "")
	metrics.RegisterComponent("gateway", true, "")

	gw := gateway.New(gateway.Config{TaskPath: taskDir, KeepUpload: keepUpload}, reg, q, profiles, controller)

	mux := http.NewServeMux()
	mux.Handle("/", gw.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

	server := &http.Server{
		Addr:         bindAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info().Str("addr", bindAddr).Str("config", configDir).Str("task_dir", taskDir).Msg("gateway listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway http server: %w", err)
	}
	return nil
}
