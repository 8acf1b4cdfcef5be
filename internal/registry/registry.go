// Package registry tracks connected compute devices: their capability
// and resource profiles, availability, and rolling contribution stats.
// The distributor consumes it through the narrow Finder interface; the
// in-memory implementation also maintains heartbeats and a stale sweep.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stratus/internal/logging"
	"stratus/internal/types"
)

// Finder is what the task distributor needs from a device registry. The
// returned list is ordered best-first and empty (never an error) when
// nothing matches.
type Finder interface {
	FindAvailableDevices(spec types.ResourceSpec, priority int) []string
}

// Options tunes the in-memory registry. Zero values fall back to
// defaults.
type Options struct {
	// HeartbeatTTL marks a device inactive when its last heartbeat is
	// older than this. Default 90s.
	HeartbeatTTL time.Duration

	// MaxFanout caps how many devices a single task may claim.
	// Default 8.
	MaxFanout int

	// PremiumScore is the performance score at or above which a device
	// counts as premium. Default 80.
	PremiumScore float64

	// ReservePriority: tasks with priority <= this may claim premium
	// devices outright; lower-priority tasks are matched from the rest
	// first and only overflow into premium devices when nothing else
	// matches. Default 1.
	ReservePriority int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = 90 * time.Second
	}
	if o.MaxFanout <= 0 {
		o.MaxFanout = 8
	}
	if o.PremiumScore <= 0 {
		o.PremiumScore = 80
	}
	if o.ReservePriority < 0 {
		o.ReservePriority = 1
	}
	return o
}

// Registry is the in-memory device registry.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*types.DeviceProfile
	opts    Options
}

// SystemStats summarizes the device fleet.
type SystemStats struct {
	TotalDevices   int
	ActiveDevices  int
	TasksCompleted int64
	TasksFailed    int64
	ComputeTime    time.Duration
	AverageScore   float64
	KindCounts     map[types.DeviceKind]int
}

// New creates an empty registry.
func New(opts Options) *Registry {
	return &Registry{
		devices: make(map[string]*types.DeviceProfile),
		opts:    opts.withDefaults(),
	}
}

// Register adds or refreshes a device. Re-registering an existing id
// updates its profile while preserving accumulated contribution stats.
func (r *Registry) Register(profile types.DeviceProfile) error {
	if profile.ID == "" {
		return fmt.Errorf("device id required")
	}
	if profile.PerformanceScore <= 0 {
		profile.PerformanceScore = 50
	}
	profile.Active = true
	profile.LastSeen = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[profile.ID]; ok {
		profile.TasksCompleted = existing.TasksCompleted
		profile.TasksFailed = existing.TasksFailed
		profile.ComputeTime = existing.ComputeTime
		profile.PerformanceScore = existing.PerformanceScore
		logging.Devices("device %s re-registered (%s, score=%.1f)", profile.ID, profile.Kind, profile.PerformanceScore)
	} else {
		logging.Devices("device %s registered (%s, cores=%d, mem=%dMB, gpu=%v)",
			profile.ID, profile.Kind, profile.CPUCores, profile.MemoryMB, profile.GPU)
	}
	p := profile
	r.devices[profile.ID] = &p
	return nil
}

// Heartbeat refreshes a device's last-seen time and reactivates it.
// Returns false for unknown devices.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.LastSeen = time.Now()
	d.Active = true
	return true
}

// Deactivate marks a device unavailable without forgetting it.
func (r *Registry) Deactivate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.Active = false
	logging.Devices("device %s deactivated", id)
	return true
}

// Snapshot returns a copy of a device profile.
func (r *Registry) Snapshot(id string) (types.DeviceProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return types.DeviceProfile{}, false
	}
	return *d, true
}

// FindAvailableDevices returns ids of active devices satisfying the
// spec, ordered by performance score descending (ties broken by id for
// determinism). Higher-priority tasks (priority <= ReservePriority) may
// claim premium devices; other tasks get non-premium devices first and
// only overflow into premium ones when nothing else matches. The result
// is capped at MaxFanout and empty when nothing matches.
func (r *Registry) FindAvailableDevices(spec types.ResourceSpec, priority int) []string {
	r.mu.RLock()
	var matched []*types.DeviceProfile
	for _, d := range r.devices {
		if !d.Active {
			continue
		}
		if !spec.Matches(d) {
			continue
		}
		matched = append(matched, d)
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		return nil
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].PerformanceScore != matched[j].PerformanceScore {
			return matched[i].PerformanceScore > matched[j].PerformanceScore
		}
		return matched[i].ID < matched[j].ID
	})

	eligible := matched
	if priority > r.opts.ReservePriority {
		var standard []*types.DeviceProfile
		for _, d := range matched {
			if d.PerformanceScore < r.opts.PremiumScore {
				standard = append(standard, d)
			}
		}
		if len(standard) > 0 {
			eligible = standard
		}
	}

	if len(eligible) > r.opts.MaxFanout {
		eligible = eligible[:r.opts.MaxFanout]
	}

	ids := make([]string, len(eligible))
	for i, d := range eligible {
		ids[i] = d.ID
	}
	logging.DevicesDebug("matched %d/%d devices for priority %d", len(ids), len(matched), priority)
	return ids
}

// RecordContribution folds one finished subtask into a device's
// contribution stats and rolls its performance score toward 100 on
// success or 0 on failure (EWMA, 20% weight per sample).
func (r *Registry) RecordContribution(id string, elapsed time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, found := r.devices[id]
	if !found {
		logging.DevicesWarn("contribution for unknown device %s, ignoring", id)
		return
	}
	d.ComputeTime += elapsed
	sample := 0.0
	if ok {
		d.TasksCompleted++
		sample = 100
	} else {
		d.TasksFailed++
	}
	d.PerformanceScore = 0.8*d.PerformanceScore + 0.2*sample
	d.LastSeen = time.Now()
}

// MarkStale deactivates devices whose last heartbeat is older than
// HeartbeatTTL and returns how many were deactivated.
func (r *Registry) MarkStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, d := range r.devices {
		if d.Active && now.Sub(d.LastSeen) > r.opts.HeartbeatTTL {
			d.Active = false
			n++
			logging.Devices("device %s marked stale (last seen %v ago)", d.ID, now.Sub(d.LastSeen).Round(time.Second))
		}
	}
	return n
}

// SweepLoop runs MarkStale on an interval until the context is done.
func (r *Registry) SweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.MarkStale(time.Now())
		}
	}
}

// SystemStats summarizes the fleet for status reporting.
func (r *Registry) SystemStats() SystemStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := SystemStats{KindCounts: make(map[types.DeviceKind]int)}
	var scoreSum float64
	for _, d := range r.devices {
		stats.TotalDevices++
		if d.Active {
			stats.ActiveDevices++
		}
		stats.TasksCompleted += d.TasksCompleted
		stats.TasksFailed += d.TasksFailed
		stats.ComputeTime += d.ComputeTime
		stats.KindCounts[d.Kind]++
		scoreSum += d.PerformanceScore
	}
	if stats.TotalDevices > 0 {
		stats.AverageScore = scoreSum / float64(stats.TotalDevices)
	}
	return stats
}
