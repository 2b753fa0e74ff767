// Package monitor implements the resource monitor half of the control plane:
// per-container telemetry sampling, threshold alerting and short-horizon
// trend forecasting for the agent sandbox fleet.
package monitor

import (
	"context"
)

// ContainerStats is the inbound per-container statistics snapshot from the
// container runtime. Field names and nesting follow the Docker Engine API
// stats payload and must be parsed bit-exact.
type ContainerStats struct {
	Read        string                  `json:"read"`
	CPUStats    CPUStats                `json:"cpu_stats"`
	PreCPUStats CPUStats                `json:"precpu_stats"`
	MemoryStats MemoryStats             `json:"memory_stats"`
	Networks    map[string]NetworkStats `json:"networks"`
	BlkioStats  BlkioStats              `json:"blkio_stats"`
	PidsStats   PidsStats               `json:"pids_stats"`
}

// CPUStats carries cumulative CPU accounting in nanoseconds
type CPUStats struct {
	CPUUsage       CPUUsage       `json:"cpu_usage"`
	SystemCPUUsage uint64         `json:"system_cpu_usage"`
	ThrottlingData ThrottlingData `json:"throttling_data"`
}

// CPUUsage breaks down cumulative container CPU time
type CPUUsage struct {
	TotalUsage        uint64 `json:"total_usage"`
	UsageInKernelmode uint64 `json:"usage_in_kernelmode"`
	UsageInUsermode   uint64 `json:"usage_in_usermode"`
}

// ThrottlingData reports cgroup CPU throttling
type ThrottlingData struct {
	Periods          uint64 `json:"periods"`
	ThrottledPeriods uint64 `json:"throttled_periods"`
	ThrottledTime    uint64 `json:"throttled_time"`
}

// MemoryStats carries the memory usage block
type MemoryStats struct {
	Usage uint64            `json:"usage"`
	Limit uint64            `json:"limit"`
	Stats MemoryDetailStats `json:"stats"`
}

// MemoryDetailStats is the nested stats block inside memory_stats
type MemoryDetailStats struct {
	Cache uint64 `json:"cache"`
	RSS   uint64 `json:"rss"`
	Swap  uint64 `json:"swap"`
}

// NetworkStats is one interface's cumulative counters
type NetworkStats struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
}

// BlkioStats carries cumulative block-IO accounting
type BlkioStats struct {
	IoServiceBytesRecursive []BlkioEntry `json:"io_service_bytes_recursive"`
	IoServicedRecursive     []BlkioEntry `json:"io_serviced_recursive"`
}

// BlkioEntry is one block-IO accounting row, tagged by operation
type BlkioEntry struct {
	Major uint64 `json:"major"`
	Minor uint64 `json:"minor"`
	Op    string `json:"op"`
	Value uint64 `json:"value"`
}

// PidsStats reports the container's process-id count
type PidsStats struct {
	Current uint64 `json:"current"`
	Limit   uint64 `json:"limit"`
}

// StatsProvider fetches one statistics snapshot for a container. The
// implementation must bound its own execution time; the collector imposes no
// additional timeout layer.
type StatsProvider interface {
	Stats(ctx context.Context, containerID string) (*ContainerStats, error)
}

// LimitApplier writes a resource limit through to the container runtime.
// Reporting reads come from the monitor's in-memory record, which is only
// updated when the apply succeeds.
type LimitApplier interface {
	ApplyLimits(ctx context.Context, containerID string, limit ResourceLimit) error
}
