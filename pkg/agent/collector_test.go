package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/scheduler/pkg/types"
)

func TestLoadOrCreateIdentityGeneratesOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".agent_config.json")

	id, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), string(id))
}

func TestLoadOrCreateIdentityReusesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".agent_config.json")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAcceleratorSamplerForUnknownDeviceIsZero(t *testing.T) {
	s := acceleratorSamplerFor(types.DeviceOrin)
	assert.Equal(t, 0.0, s.XPUUsage())
}

func TestRK3588SamplerMissingSysfsIsZero(t *testing.T) {
	s := rk3588Sampler{}
	assert.Equal(t, 0.0, s.XPUUsage())
}
