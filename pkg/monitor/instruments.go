package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// instruments exports per-container gauges and collection counters to
// Prometheus. The sample history remains the API-visible source of truth.
type instruments struct {
	cpuPercent    *prometheus.GaugeVec
	memoryPercent *prometheus.GaugeVec
	processes     *prometheus.GaugeVec
	samplesTotal  *prometheus.CounterVec
	collectErrors *prometheus.CounterVec
	activeAlerts  prometheus.Gauge
}

func newInstruments(registry prometheus.Registerer) *instruments {
	inst := &instruments{
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "monitor",
				Name:      "container_cpu_percent",
				Help:      "Latest sampled CPU usage percentage per container",
			},
			[]string{"container"},
		),
		memoryPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "monitor",
				Name:      "container_memory_percent",
				Help:      "Latest sampled memory usage percentage per container",
			},
			[]string{"container"},
		),
		processes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "monitor",
				Name:      "container_processes",
				Help:      "Latest sampled running process count per container",
			},
			[]string{"container"},
		),
		samplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "monitor",
				Name:      "samples_total",
				Help:      "Total samples collected per container",
			},
			[]string{"container"},
		),
		collectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "monitor",
				Name:      "collect_errors_total",
				Help:      "Total failed sample fetches per container",
			},
			[]string{"container"},
		),
		activeAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "monitor",
				Name:      "active_alerts",
				Help:      "Unacknowledged resource alerts",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			inst.cpuPercent,
			inst.memoryPercent,
			inst.processes,
			inst.samplesTotal,
			inst.collectErrors,
			inst.activeAlerts,
		)
	}
	return inst
}

func (in *instruments) recordSample(sample *ResourceMetrics) {
	in.cpuPercent.WithLabelValues(sample.ContainerID).Set(sample.CPU.UsagePercent)
	in.memoryPercent.WithLabelValues(sample.ContainerID).Set(sample.Memory.Percent)
	in.processes.WithLabelValues(sample.ContainerID).Set(float64(sample.Processes.Running))
	in.samplesTotal.WithLabelValues(sample.ContainerID).Inc()
}

func (in *instruments) recordError(containerID string) {
	in.collectErrors.WithLabelValues(containerID).Inc()
}

func (in *instruments) forgetContainer(containerID string) {
	in.cpuPercent.DeleteLabelValues(containerID)
	in.memoryPercent.DeleteLabelValues(containerID)
	in.processes.DeleteLabelValues(containerID)
	in.samplesTotal.DeleteLabelValues(containerID)
	in.collectErrors.DeleteLabelValues(containerID)
}
