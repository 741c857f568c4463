// Package metrics collects host resource usage for a robot's heartbeat
// payload (spec §6.1's heartbeat "metrics" field). Unlike a stub that
// reports zeros, this reads real CPU/memory/disk figures via gopsutil so an
// orchestrator operator can actually see an overloaded robot coming.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one heartbeat's worth of host metrics.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
}

// AsMap converts the snapshot to the map[string]any shape the heartbeat
// wire frame carries.
func (s Snapshot) AsMap() map[string]any {
	return map[string]any{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"memory_used_mb": s.MemoryUsedMB,
		"disk_percent":   s.DiskPercent,
	}
}

// diskPath is the mount point sampled for disk usage. A robot host is
// assumed to have its workspace on the root filesystem; this is not
// configurable because spec's heartbeat metrics are a coarse health signal,
// not a full resource-monitoring surface.
const diskPath = "/"

// Collect samples current CPU, memory, and disk usage. The CPU sample
// blocks for up to the given interval to compute a percentage over that
// window, per gopsutil's own cpu.Percent contract — pass a short interval
// (e.g. 200ms) so heartbeats stay prompt.
func Collect(ctx context.Context, cpuSampleInterval time.Duration) (Snapshot, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false)
	if err != nil {
		return Snapshot{}, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	usage, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		CPUPercent:    cpuPercent,
		MemoryPercent: vmem.UsedPercent,
		MemoryUsedMB:  vmem.Used / (1024 * 1024),
		DiskPercent:   usage.UsedPercent,
	}, nil
}
