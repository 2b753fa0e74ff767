package monitor

import (
	"time"
)

// MetricType names the resource dimension an alert refers to
type MetricType string

const (
	MetricCPU       MetricType = "cpu"
	MetricMemory    MetricType = "memory"
	MetricNetwork   MetricType = "network"
	MetricDisk      MetricType = "disk"
	MetricProcesses MetricType = "processes"
)

// Severity of a resource alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ResourceMetrics is one immutable derived sample for a container
type ResourceMetrics struct {
	ContainerID string         `json:"container_id"`
	Timestamp   time.Time      `json:"timestamp"`
	CPU         CPUMetrics     `json:"cpu"`
	Memory      MemoryMetrics  `json:"memory"`
	Network     NetworkMetrics `json:"network"`
	Disk        DiskMetrics    `json:"disk"`
	Processes   ProcessMetrics `json:"processes"`
}

// CPUMetrics is the derived CPU view of one sample
type CPUMetrics struct {
	UsagePercent  float64 `json:"usage_percent"`
	ThrottledTime uint64  `json:"throttled_time"`
	SystemTime    uint64  `json:"system_time"`
	UserTime      uint64  `json:"user_time"`
}

// MemoryMetrics is the derived memory view of one sample
type MemoryMetrics struct {
	Usage   uint64  `json:"usage"`
	Limit   uint64  `json:"limit"`
	Percent float64 `json:"percent"`
	Cache   uint64  `json:"cache"`
	RSS     uint64  `json:"rss"`
	Swap    uint64  `json:"swap"`
}

// NetworkMetrics sums cumulative counters across all interfaces
type NetworkMetrics struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
}

// DiskMetrics sums cumulative block-IO counters by operation
type DiskMetrics struct {
	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`
	ReadOps    uint64 `json:"read_ops"`
	WriteOps   uint64 `json:"write_ops"`
}

// ProcessMetrics reports process counts. Only the running count is derivable
// from runtime data; the rest are reported as zero.
type ProcessMetrics struct {
	Running  uint64 `json:"running"`
	Sleeping uint64 `json:"sleeping"`
	Stopped  uint64 `json:"stopped"`
	Zombie   uint64 `json:"zombie"`
}

// ResourceLimit is a declared ceiling for one container, written through to
// the runtime and read back for reporting only.
type ResourceLimit struct {
	CPUCores         float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores"`
	CPUPercent       float64 `json:"cpu_percent,omitempty" yaml:"cpu_percent"`
	MemoryBytes      uint64  `json:"memory_bytes,omitempty" yaml:"memory_bytes"`
	SwapBytes        uint64  `json:"swap_bytes,omitempty" yaml:"swap_bytes"`
	ReservationBytes uint64  `json:"reservation_bytes,omitempty" yaml:"reservation_bytes"`
	DiskReadBps      uint64  `json:"disk_read_bps,omitempty" yaml:"disk_read_bps"`
	DiskWriteBps     uint64  `json:"disk_write_bps,omitempty" yaml:"disk_write_bps"`
	MaxProcesses     int     `json:"max_processes,omitempty" yaml:"max_processes"`
}

// Alert is a threshold violation raised by the evaluator. Mutated only by
// acknowledgement; removed only by the retention sweep.
type Alert struct {
	ID           string     `json:"id"`
	ContainerID  string     `json:"container_id"`
	Type         MetricType `json:"type"`
	Severity     Severity   `json:"severity"`
	Threshold    float64    `json:"threshold"`
	Value        float64    `json:"value"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	Acknowledged bool       `json:"acknowledged"`
}

// Thresholds holds the static warning/critical boundaries, shared
// process-wide and hot-reloadable from configuration.
type Thresholds struct {
	CPUWarning     float64 `json:"cpu_warning" yaml:"cpu_warning"`
	CPUCritical    float64 `json:"cpu_critical" yaml:"cpu_critical"`
	MemoryWarning  float64 `json:"memory_warning" yaml:"memory_warning"`
	MemoryCritical float64 `json:"memory_critical" yaml:"memory_critical"`
}

// DefaultThresholds returns the documented defaults: cpu 70/90, memory 80/95
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:     70,
		CPUCritical:    90,
		MemoryWarning:  80,
		MemoryCritical: 95,
	}
}

// ContainerUtilization is one container's line in the fleet summary
type ContainerUtilization struct {
	ContainerID   string    `json:"container_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsage   uint64    `json:"memory_usage"`
	Processes     uint64    `json:"processes"`
	SampledAt     time.Time `json:"sampled_at"`
}

// UtilizationSummary is the fleet-level rollup for dashboards
type UtilizationSummary struct {
	Containers    []ContainerUtilization `json:"containers"`
	AverageCPU    float64                `json:"average_cpu"`
	AverageMemory float64                `json:"average_memory"`
	ActiveAlerts  int                    `json:"active_alerts"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// TrendDirection summarizes the slope sign of a metric over a window
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// MetricTrend describes one metric over a caller-supplied window
type MetricTrend struct {
	Metric    MetricType     `json:"metric"`
	Direction TrendDirection `json:"direction"`
	Min       float64        `json:"min"`
	Max       float64        `json:"max"`
	Average   float64        `json:"average"`
	Current   float64        `json:"current"`
	Slope     float64        `json:"slope"`
	Samples   int            `json:"samples"`
}

// ResourceTrends groups per-metric trends for one container
type ResourceTrends struct {
	ContainerID string        `json:"container_id"`
	Window      time.Duration `json:"window"`
	CPU         MetricTrend   `json:"cpu"`
	Memory      MetricTrend   `json:"memory"`
}

// MetricForecast is the regression projection for one metric
type MetricForecast struct {
	Predicted  float64 `json:"predicted"`
	Confidence float64 `json:"confidence"`
	Slope      float64 `json:"slope"`
	Message    string  `json:"message,omitempty"`
}

// Forecast is the short-horizon usage projection for one container
type Forecast struct {
	ContainerID    string         `json:"container_id"`
	HorizonMinutes int            `json:"horizon_minutes"`
	CPU            MetricForecast `json:"cpu"`
	Memory         MetricForecast `json:"memory"`
	GeneratedAt    time.Time      `json:"generated_at"`
}
