package agent

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/edgefleet/scheduler/pkg/types"
)

// acceleratorSamplerFor selects the accelerator usage strategy for dt,
// matching the teacher-mapping note: polymorphism over a single
// capability (xpu usage) resolved per target platform rather than a
// runtime class hierarchy.
func acceleratorSamplerFor(dt types.DeviceType) AcceleratorSampler {
	switch dt {
	case types.DeviceAtlasH, types.DeviceAtlasL:
		return atlasSampler{}
	case types.DeviceRK3588:
		return rk3588Sampler{}
	default:
		return unknownSampler{}
	}
}

// atlasSampler reports Ascend AI-core utilization, clamped to [0,100] and
// scaled to [0,1]. No platform management library binding is present:
// readNpuSmiUtilization always reports "no data", so XPUUsage always
// returns 0.
type atlasSampler struct{}

func (atlasSampler) XPUUsage() float64 {
	v := readNpuSmiUtilization()
	if v < 0 {
		return 0
	}
	if v > 100 {
		v = 100
	}
	return v / 100
}

// readNpuSmiUtilization is a seam for the Ascend npu-smi binding; absent a
// vendor SDK it reports -1 (no data) rather than fabricating a reading.
func readNpuSmiUtilization() float64 {
	return -1
}

// rk3588Sampler parses /sys/kernel/debug/rknpu/load, which reports one
// line per NPU core: "Core0: 12%".
type rk3588Sampler struct{}

func (rk3588Sampler) XPUUsage() float64 {
	f, err := os.Open("/sys/kernel/debug/rknpu/load")
	if err != nil {
		return 0
	}
	defer f.Close()

	var sum float64
	var n int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Core") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			continue
		}
		pctStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "%"))
		pct, err := strconv.ParseFloat(pctStr, 64)
		if err != nil {
			continue
		}
		sum += pct
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 100
}

// unknownSampler reports 0 for any device type without a known accelerator
// path.
type unknownSampler struct{}

func (unknownSampler) XPUUsage() float64 { return 0 }
