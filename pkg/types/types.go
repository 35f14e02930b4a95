// Package types defines the core data structures shared across the
// scheduler, registry, queue, gateway, and agent packages.
package types

import "time"

// TaskType is the closed set of workload families the cluster can run.
type TaskType string

const (
	TaskTypeYoloV5      TaskType = "YoloV5"
	TaskTypeMobileNet   TaskType = "MobileNet"
	TaskTypeBert        TaskType = "Bert"
	TaskTypeResNet50    TaskType = "ResNet50"
	TaskTypeDeeplabv3   TaskType = "deeplabv3"
	TaskTypeTranscoding TaskType = "transcoding"
	TaskTypeDecoding    TaskType = "decoding"
	TaskTypeEncoding    TaskType = "encoding"
	TaskTypeUnknown     TaskType = "Unknown"
)

// ParseTaskType converts a wire string into a TaskType, returning
// TaskTypeUnknown (and ok=false) for anything not in the closed set.
func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(s) {
	case TaskTypeYoloV5, TaskTypeMobileNet, TaskTypeBert, TaskTypeResNet50,
		TaskTypeDeeplabv3, TaskTypeTranscoding, TaskTypeDecoding, TaskTypeEncoding:
		return TaskType(s), true
	default:
		return TaskTypeUnknown, false
	}
}

// DeviceType is the closed set of worker hardware families.
type DeviceType string

const (
	DeviceRK3588 DeviceType = "RK3588"
	DeviceAtlasL DeviceType = "ATLAS_L"
	DeviceAtlasH DeviceType = "ATLAS_H"
	DeviceOrin   DeviceType = "ORIN"
)

// ParseDeviceType converts a wire string into a DeviceType.
func ParseDeviceType(s string) (DeviceType, bool) {
	switch DeviceType(s) {
	case DeviceRK3588, DeviceAtlasL, DeviceAtlasH, DeviceOrin:
		return DeviceType(s), true
	default:
		return "", false
	}
}

// NodeID is the stable 128-bit UUID identifying a worker, in string form.
type NodeID string

// Node is a worker's immutable registration record.
type Node struct {
	GlobalID  NodeID
	Type      DeviceType
	IPAddress string
	AgentPort int
	Services  []TaskType // task types the agent reported it can serve at registration
}

// NodeStatus is the mutable, per-node telemetry snapshot maintained by the
// Device Registry. All usage fields are fractions in [0.0, 1.0].
type NodeStatus struct {
	CPUUsed        float64
	MemUsed        float64
	XPUUsed        float64
	NetLatencyMS   float64
	NetBandwidth   float64 // Mbps
	DisconnectTime float64
	ReconnectTime  float64
	TimeWindow     float64
	// HasData is false until the first successful poll completes; the
	// registry never synthesizes a status for a node it hasn't heard from.
	HasData bool
}

// ContainerSpec describes how to launch the backend container for one
// (TaskType, DeviceType) pair.
type ContainerSpec struct {
	Image         string
	Cmds          []string
	Args          []string
	Env           []string
	Binds         []string
	Devices       []string
	Privileged    bool
	ContainerPort int
	HostPort      int
	HasTTY        bool
	// ReadinessPath, if non-empty, is an HTTP path on HostPort the
	// controller polls after StartContainer before marking the slot
	// Running. Empty means the container is assumed ready as soon as it
	// starts.
	ReadinessPath string
}

// Overhead is the expected resource cost of running one instance of a
// (TaskType, DeviceType) pair. Read-only; not consumed by the live
// load-weighted score (see DESIGN.md Open Question).
type Overhead struct {
	CPUUsage float64
	MemUsage float64
	XPUUsage float64
	ProcTime float64
}

// Profile is one leaf of the static-profile store.
type Profile struct {
	Spec     ContainerSpec
	Overhead Overhead
}

// ScheduleStrategy selects which scheduling policy resolves a task's target.
type ScheduleStrategy string

const (
	StrategyLoad       ScheduleStrategy = "load"
	StrategyRoundRobin ScheduleStrategy = "roundrobin"
)

// TaskStatus is the lifecycle state of a queued/dispatched Task.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
)

// MaxRetries bounds how many times a Task may be recovered or re-dispatched
// before it is parked in the failed history.
const MaxRetries = 3

// Task is a single unit of inference work: one uploaded file, one task type.
type Task struct {
	TaskID           string
	FilePath         string
	ClientIP         string
	ReqID            string
	TaskType         TaskType
	ScheduleStrategy ScheduleStrategy
	RetryCount       int
	Status           TaskStatus
}

// ClientRequest is a batch of Tasks submitted together by one client.
type ClientRequest struct {
	ReqID            string
	ClientIP         string
	TaskType         TaskType
	ScheduleStrategy ScheduleStrategy
	TotalNum         int
	EnqueueTimeMS    int64
	Tasks            []*Task
}

// ServiceSlotState is the per-(TaskType, Node) container state machine.
type ServiceSlotState string

const (
	SlotNoExist  ServiceSlotState = "NoExist"
	SlotCreating ServiceSlotState = "Creating"
	SlotRunning  ServiceSlotState = "Running"
	SlotDeleting ServiceSlotState = "Deleting"
)

// SrvInfo identifies one live backend container instance.
type SrvInfo struct {
	ContainerID string
	IP          string
	Port        int
}

// IdleTimeout is how long a Running slot is kept alive without being
// refreshed before its idle timer fires.
const IdleTimeout = 600 * time.Second

// DrainDelay is how long the idle reaper waits after marking a slot
// Deleting before actually removing the container, to let in-flight
// requests finish.
const DrainDelay = 2 * time.Second
