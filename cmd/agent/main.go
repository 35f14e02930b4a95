// Command agent runs the worker-side node telemetry and service-lifecycle
// loop: it samples local resource usage, registers itself with the master,
// and supervises the backend processes that actually execute tasks.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/edgefleet/scheduler/pkg/agent"
	"github.com/edgefleet/scheduler/pkg/log"
	"github.com/edgefleet/scheduler/pkg/metrics"
	"github.com/edgefleet/scheduler/pkg/types"
)

var (
	masterIP           string
	masterPort         int
	agentPort          int
	deviceType         string
	configDir          string
	disconnectSec      int
	reconnectSec       int
	bandwidthFluctuate bool
	noManageServices   bool
	logLevel           string
	logJSON            bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Edge inference scheduler worker agent",
	Long: `agent is the worker-node daemon: it registers with the master
gateway, exposes resource telemetry, and supervises the backend services
that process dispatched tasks.`,
	RunE: runAgent,
}

func init() {
	_ = godotenv.Load()

	rootCmd.Flags().StringVar(&masterIP, "master-ip", envOr("MASTER_IP", "127.0.0.1"), "master gateway IP address")
	rootCmd.Flags().IntVar(&masterPort, "master-port", envOrInt("MASTER_PORT", 6666), "master gateway port")
	rootCmd.Flags().IntVar(&agentPort, "port", 8000, "agent HTTP bind port")
	rootCmd.Flags().StringVar(&deviceType, "device-type", "RK3588", "this node's device type (RK3588, ATLAS_L, ATLAS_H, ORIN)")
	rootCmd.Flags().StringVarP(&configDir, "config", "c", "./myapp", "directory containing agent_services.json and slave_backend.json")
	rootCmd.Flags().IntVar(&disconnectSec, "disconnect", 30, "seconds before simulating a disconnect; <=0 disables the cycle")
	rootCmd.Flags().IntVar(&reconnectSec, "reconnect", 20, "seconds to stay disconnected before re-registering")
	rootCmd.Flags().BoolVar(&bandwidthFluctuate, "bandwidth-fluctuate", false, "simulate bandwidth as a uniform random value in [50,500] Mbps")
	rootCmd.Flags().BoolVar(&noManageServices, "no-manage-services", false, "skip spawning supervised child processes")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs in JSON format")

	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	dt, ok := types.ParseDeviceType(deviceType)
	if !ok {
		return fmt.Errorf("unknown device type %q", deviceType)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	nodeID, err := agent.LoadOrCreateIdentity(filepath.Join(home, ".agent_config.json"))
	if err != nil {
		return fmt.Errorf("loading node identity: %w", err)
	}

	ipAddress, err := localIP()
	if err != nil {
		return fmt.Errorf("determining local IP: %w", err)
	}

	servicesCfg, err := agent.LoadServicesConfig(filepath.Join(configDir, "agent_services.json"))
	if err != nil {
		return fmt.Errorf("loading agent_services.json: %w", err)
	}
	backendSpecs, err := agent.LoadBackendSpecs(filepath.Join(configDir, "slave_backend.json"))
	if err != nil {
		return fmt.Errorf("loading slave_backend.json: %w", err)
	}

	services := make([]types.TaskType, 0, len(servicesCfg.AutostartServices))
	for _, s := range servicesCfg.AutostartServices {
		if tt, ok := types.ParseTaskType(s); ok {
			services = append(services, tt)
		}
	}

	masterURL := fmt.Sprintf("http://%s:%d", masterIP, masterPort)

	supervisor := agent.NewSupervisor(agent.RegisterOptions{
		MasterURL:     masterURL,
		AgentPort:     agentPort,
		NodeID:        nodeID,
		DeviceType:    dt,
		IPAddress:     ipAddress,
		Services:      services,
		DisconnectSec: disconnectSec,
		ReconnectSec:  reconnectSec,
	}, backendSpecs, configDir, time.Duration(servicesCfg.RestartDelaySec)*time.Second)

	// Fatal per spec §4.11: abort start if initial registration fails.
	if err := supervisor.Register(); err != nil {
		return err
	}
	defer supervisor.Shutdown()

	go supervisor.RunDisconnectCycle()

	if !noManageServices {
		fixed := map[string][]string{
			"recv_server": servicesCfg.RecvServerCommand,
			"rst_send":    servicesCfg.RstSendCommand,
		}
		supervisor.StartManagedServices(fixed, nil, servicesCfg.AutostartServices)
	}

	collector := agent.NewCollector(dt, masterURL, bandwidthFluctuate)
	collector.Start()
	defer collector.Stop()

	server := agent.NewServer(collector, supervisor)

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", agentPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info().Str("node_id", string(nodeID)).Str("master", masterURL).Int("port", agentPort).Msg("agent listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("agent http server: %w", err)
	}
	return nil
}

func localIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", nil
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), nil
}
