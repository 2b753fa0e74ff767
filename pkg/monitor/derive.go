package monitor

import (
	"time"
)

// deriveSample normalizes one raw runtime snapshot into a ResourceMetrics
// sample. The CPU percentage is a delta against the snapshot's embedded
// previous counters; network and disk stay cumulative.
func deriveSample(containerID string, timestamp time.Time, stats *ContainerStats) *ResourceMetrics {
	sample := &ResourceMetrics{
		ContainerID: containerID,
		Timestamp:   timestamp,
		CPU: CPUMetrics{
			UsagePercent:  cpuPercent(stats),
			ThrottledTime: stats.CPUStats.ThrottlingData.ThrottledTime,
			SystemTime:    stats.CPUStats.CPUUsage.UsageInKernelmode,
			UserTime:      stats.CPUStats.CPUUsage.UsageInUsermode,
		},
		Memory: MemoryMetrics{
			Usage:   stats.MemoryStats.Usage,
			Limit:   stats.MemoryStats.Limit,
			Percent: memoryPercent(stats),
			Cache:   stats.MemoryStats.Stats.Cache,
			RSS:     stats.MemoryStats.Stats.RSS,
			Swap:    stats.MemoryStats.Stats.Swap,
		},
		Processes: ProcessMetrics{
			Running: stats.PidsStats.Current,
		},
	}

	for _, iface := range stats.Networks {
		sample.Network.RxBytes += iface.RxBytes
		sample.Network.TxBytes += iface.TxBytes
		sample.Network.RxPackets += iface.RxPackets
		sample.Network.TxPackets += iface.TxPackets
		sample.Network.RxErrors += iface.RxErrors
		sample.Network.TxErrors += iface.TxErrors
	}

	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "Read":
			sample.Disk.ReadBytes += entry.Value
		case "Write":
			sample.Disk.WriteBytes += entry.Value
		}
	}
	for _, entry := range stats.BlkioStats.IoServicedRecursive {
		switch entry.Op {
		case "Read":
			sample.Disk.ReadOps += entry.Value
		case "Write":
			sample.Disk.WriteOps += entry.Value
		}
	}

	return sample
}

// cpuPercent computes clamp((Δcpu_total / Δsystem) * 100, 0, 100) against
// the snapshot's previous-sample counters, 0 when the system delta is not
// positive (first sample after start, or counter reset).
func cpuPercent(stats *ContainerStats) float64 {
	if stats.CPUStats.SystemCPUUsage <= stats.PreCPUStats.SystemCPUUsage {
		return 0
	}
	systemDelta := float64(stats.CPUStats.SystemCPUUsage - stats.PreCPUStats.SystemCPUUsage)

	if stats.CPUStats.CPUUsage.TotalUsage <= stats.PreCPUStats.CPUUsage.TotalUsage {
		return 0
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)

	percent := cpuDelta / systemDelta * 100
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

func memoryPercent(stats *ContainerStats) float64 {
	if stats.MemoryStats.Limit == 0 {
		return 0
	}
	return float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100
}
