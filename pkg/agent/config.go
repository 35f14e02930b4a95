package agent

import (
	"fmt"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServicesConfig is the shape of agent_services.json: which fixed
// processes and on-demand backends this agent manages on start.
type ServicesConfig struct {
	AutostartServices []string `koanf:"autostart_services"`
	RestartDelaySec   int      `koanf:"restart_delay_sec"`
	// RecvServerCommand/RstSendCommand launch the two fixed processes that
	// actually implement the worker receive endpoint and the result
	// sender. Both backends are opaque external processes per spec §1;
	// the supervisor only owns their lifecycle.
	RecvServerCommand []string `koanf:"recv_server_command"`
	RstSendCommand    []string `koanf:"rst_send_command"`
}

// BackendSpec is one entry of slave_backend.json: how to launch a single
// inference backend's process.
type BackendSpec struct {
	Command   []string `koanf:"command"`
	Env       []string `koanf:"env"`
	InputDir  string   `koanf:"input_dir"`
	OutputDir string   `koanf:"output_dir"`
	WorkDir   string   `koanf:"workdir"`
}

// LoadServicesConfig reads agent_services.json from path. A missing file is
// not an error; it yields an empty config (no autostart services).
func LoadServicesConfig(path string) (ServicesConfig, error) {
	cfg := ServicesConfig{RestartDelaySec: 5}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return cfg, nil
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("agent: parsing %s: %w", path, err)
	}
	if cfg.RestartDelaySec == 0 {
		cfg.RestartDelaySec = 5
	}
	return cfg, nil
}

// LoadBackendSpecs reads slave_backend.json, keyed by service name.
func LoadBackendSpecs(path string) (map[string]BackendSpec, error) {
	specs := make(map[string]BackendSpec)
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return specs, nil
	}
	if err := k.Unmarshal("", &specs); err != nil {
		return nil, fmt.Errorf("agent: parsing %s: %w", path, err)
	}
	return specs, nil
}
