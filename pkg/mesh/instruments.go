package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// instruments exports mesh operational metrics to Prometheus. The
// EndpointMetrics aggregates on the Mesh remain the API-visible source of
// truth; these collectors are the scrape-side view.
type instruments struct {
	routingTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	endpointHealthy *prometheus.GaugeVec
}

// breaker state gauge values
const (
	breakerGaugeClosed   = 0
	breakerGaugeOpen     = 1
	breakerGaugeHalfOpen = 2
)

func newInstruments(registry prometheus.Registerer) *instruments {
	inst := &instruments{
		routingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "mesh",
				Name:      "routing_requests_total",
				Help:      "Total routing decisions by service and outcome",
			},
			[]string{"service", "outcome"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "controlplane",
				Subsystem: "mesh",
				Name:      "request_latency_seconds",
				Help:      "Latency of requests reported back to the mesh",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "mesh",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
			},
			[]string{"endpoint"},
		),
		endpointHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "mesh",
				Name:      "endpoint_healthy",
				Help:      "Endpoint health per the health checker (1=healthy, 0=not)",
			},
			[]string{"service", "endpoint"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			inst.routingTotal,
			inst.requestLatency,
			inst.breakerState,
			inst.endpointHealthy,
		)
	}
	return inst
}

func (in *instruments) recordRouting(service, outcome string) {
	in.routingTotal.WithLabelValues(service, outcome).Inc()
}

func (in *instruments) recordLatency(endpointID string, latencyMs float64) {
	in.requestLatency.WithLabelValues(endpointID).Observe(latencyMs / 1000)
}

func (in *instruments) recordBreakerState(endpointID string, state BreakerState) {
	value := float64(breakerGaugeClosed)
	switch state {
	case BreakerOpen:
		value = breakerGaugeOpen
	case BreakerHalfOpen:
		value = breakerGaugeHalfOpen
	}
	in.breakerState.WithLabelValues(endpointID).Set(value)
}

func (in *instruments) recordHealth(service, endpointID string, health HealthStatus) {
	value := 0.0
	if health == HealthHealthy {
		value = 1.0
	}
	in.endpointHealthy.WithLabelValues(service, endpointID).Set(value)
}

func (in *instruments) forgetEndpoint(service, endpointID string) {
	in.breakerState.DeleteLabelValues(endpointID)
	in.requestLatency.DeleteLabelValues(endpointID)
	in.endpointHealthy.DeleteLabelValues(service, endpointID)
}
