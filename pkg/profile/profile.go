// Package profile loads and serves the static (TaskType, DeviceType) launch
// profile knowledge file consumed by the scheduler and the container
// lifecycle controller.
package profile

import (
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/edgefleet/scheduler/pkg/types"
)

// ErrUnknownProfile is returned by Profile when no entry exists for the
// requested (TaskType, DeviceType) pair.
var ErrUnknownProfile = errors.New("profile: unknown task type/device type pair")

// wireContainerSpec mirrors the on-disk JSON shape of one profile leaf's
// container launch section.
type wireContainerSpec struct {
	Image         string   `koanf:"image"`
	Cmds          []string `koanf:"cmds"`
	Args          []string `koanf:"args"`
	Env           []string `koanf:"env"`
	Binds         []string `koanf:"host_config_binds"`
	Devices       []string `koanf:"devices"`
	Privileged    bool     `koanf:"host_config_privileged"`
	ContainerPort int      `koanf:"container_port"`
	HostPort      int      `koanf:"host_port"`
	HasTTY        bool     `koanf:"has_tty"`
	ReadinessPath string   `koanf:"readiness_path"`
}

type wireOverhead struct {
	CPUUsage float64 `koanf:"cpu_usage"`
	MemUsage float64 `koanf:"mem_usage"`
	XPUUsage float64 `koanf:"xpu_usage"`
	ProcTime float64 `koanf:"proc_time"`
}

type wireLeaf struct {
	Spec     wireContainerSpec `koanf:"spec"`
	Overhead wireOverhead      `koanf:"overhead"`
}

// Store is the immutable, read-only Static-Profile Store. Safe for
// concurrent reads from any number of goroutines since it is never
// mutated after Load returns.
type Store struct {
	profiles map[types.TaskType]map[types.DeviceType]types.Profile
}

// Load reads the nested TaskType -> DeviceType -> profile mapping out of
// path. Top-level keys that don't parse as a known TaskType, and
// second-level keys that don't parse as a known DeviceType, are skipped.
func Load(path string) (*Store, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("profile: loading %s: %w", path, err)
	}

	raw := k.Raw()
	profiles := make(map[types.TaskType]map[types.DeviceType]types.Profile)

	for taskKey, devicesRaw := range raw {
		taskType, ok := types.ParseTaskType(taskKey)
		if !ok {
			continue
		}

		devicesMap, ok := devicesRaw.(map[string]any)
		if !ok {
			continue
		}

		for deviceKey := range devicesMap {
			deviceType, ok := types.ParseDeviceType(deviceKey)
			if !ok {
				continue
			}

			var leaf wireLeaf
			if err := k.Unmarshal(taskKey+"."+deviceKey, &leaf); err != nil {
				return nil, fmt.Errorf("profile: unmarshalling leaf %s/%s: %w", taskKey, deviceKey, err)
			}

			if profiles[taskType] == nil {
				profiles[taskType] = make(map[types.DeviceType]types.Profile)
			}
			profiles[taskType][deviceType] = types.Profile{
				Spec: types.ContainerSpec{
					Image:         leaf.Spec.Image,
					Cmds:          leaf.Spec.Cmds,
					Args:          leaf.Spec.Args,
					Env:           leaf.Spec.Env,
					Binds:         leaf.Spec.Binds,
					Devices:       leaf.Spec.Devices,
					Privileged:    leaf.Spec.Privileged,
					ContainerPort: leaf.Spec.ContainerPort,
					HostPort:      leaf.Spec.HostPort,
					HasTTY:        leaf.Spec.HasTTY,
					ReadinessPath: leaf.Spec.ReadinessPath,
				},
				Overhead: types.Overhead{
					CPUUsage: leaf.Overhead.CPUUsage,
					MemUsage: leaf.Overhead.MemUsage,
					XPUUsage: leaf.Overhead.XPUUsage,
					ProcTime: leaf.Overhead.ProcTime,
				},
			}
		}
	}

	return &Store{profiles: profiles}, nil
}

// Profile returns the launch spec and expected overhead for (tt, dt).
func (s *Store) Profile(tt types.TaskType, dt types.DeviceType) (types.Profile, error) {
	byDevice, ok := s.profiles[tt]
	if !ok {
		return types.Profile{}, fmt.Errorf("%w: %s/%s", ErrUnknownProfile, tt, dt)
	}
	p, ok := byDevice[dt]
	if !ok {
		return types.Profile{}, fmt.Errorf("%w: %s/%s", ErrUnknownProfile, tt, dt)
	}
	return p, nil
}

// TaskTypesForDevice returns every TaskType that has a profile entry for dt,
// used by the Device Registry to pre-populate ServiceSlots on registration.
func (s *Store) TaskTypesForDevice(dt types.DeviceType) []types.TaskType {
	var out []types.TaskType
	for tt, byDevice := range s.profiles {
		if _, ok := byDevice[dt]; ok {
			out = append(out, tt)
		}
	}
	return out
}
