package types

import "time"

// DeviceKind classifies a compute device by form factor, which bounds the
// work it can take on.
type DeviceKind string

const (
	DeviceServer  DeviceKind = "server"
	DeviceDesktop DeviceKind = "desktop"
	DeviceLaptop  DeviceKind = "laptop"
	DeviceTablet  DeviceKind = "tablet"
	DeviceMobile  DeviceKind = "mobile"
)

// DeviceProfile describes a registered compute device: its capability and
// resource envelope plus the rolling contribution stats the registry
// maintains from heartbeats and recorded results.
type DeviceProfile struct {
	ID            string
	Name          string
	Kind          DeviceKind
	OS            string
	CPUCores      int
	MemoryMB      int
	GPU           bool
	MaxAllocation float64 // fraction of the device the owner allows us to use

	// PerformanceScore is a 0-100 rolling quality score. It orders
	// device selection and gates access to premium work.
	PerformanceScore float64

	TasksCompleted int64
	TasksFailed    int64
	ComputeTime    time.Duration

	Active   bool
	LastSeen time.Time
}

// ResourceSpec states what a task needs from a device. Zero values mean
// "no requirement"; an empty Kinds list matches any device kind.
type ResourceSpec struct {
	MinCPUCores int
	MinMemoryMB int
	RequireGPU  bool
	Kinds       []DeviceKind
}

// Matches reports whether a device satisfies the spec.
func (r ResourceSpec) Matches(d *DeviceProfile) bool {
	if d.CPUCores < r.MinCPUCores {
		return false
	}
	if d.MemoryMB < r.MinMemoryMB {
		return false
	}
	if r.RequireGPU && !d.GPU {
		return false
	}
	if len(r.Kinds) > 0 {
		ok := false
		for _, k := range r.Kinds {
			if d.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
