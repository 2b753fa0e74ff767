package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// ProbeFunc checks one endpoint's reachability. A nil error marks the
// endpoint healthy, any error marks it unhealthy. Probe implementations must
// bound their own execution time; the checker imposes no extra timeout.
type ProbeFunc func(ctx context.Context, endpoint Endpoint) error

// DefaultHealthCheckInterval is the default probe cadence
const DefaultHealthCheckInterval = 30 * time.Second

// HealthChecker periodically probes every registered endpoint and updates
// its health flag on the mesh, which feeds the load balancer.
type HealthChecker struct {
	mesh     *Mesh
	probe    ProbeFunc
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewHealthChecker creates a checker for the mesh. The probe is required:
// this core defines the cadence and the event contract, not the probing
// transport.
func NewHealthChecker(m *Mesh, probe ProbeFunc, interval time.Duration) (*HealthChecker, error) {
	if probe == nil {
		return nil, fmt.Errorf("health checker: probe is required")
	}
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	return &HealthChecker{mesh: m, probe: probe, interval: interval}, nil
}

// Start launches the periodic probe loop
func (hc *HealthChecker) Start(ctx context.Context) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.running {
		return fmt.Errorf("health checker is already running")
	}
	hc.running = true
	hc.stopCh = make(chan struct{})
	hc.done = make(chan struct{})

	go hc.loop(ctx, hc.stopCh, hc.done)
	hc.mesh.logger.Info(ctx, "health checker started", "interval", hc.interval)
	return nil
}

// Stop halts the loop. A tick already in progress completes; no new tick
// starts afterwards.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopCh)
	done := hc.done
	hc.mu.Unlock()

	<-done
}

func (hc *HealthChecker) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered endpoint once. Probe errors mark the
// endpoint unhealthy and never abort the sweep for the remaining endpoints.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	for _, endpoint := range hc.mesh.endpointsSnapshot() {
		health := HealthHealthy
		if err := hc.probe(ctx, endpoint); err != nil {
			health = HealthUnhealthy
			hc.mesh.logger.Debug(ctx, "health probe failed",
				"service", endpoint.Service, "endpoint", endpoint.ID, "error", err)
		}
		hc.mesh.updateHealth(endpoint.Service, endpoint.ID, health)
	}
}

// TCPProbe returns a probe that dials the endpoint address and reports
// healthy on connect. The stand-in for environments without an
// application-level health endpoint.
func TCPProbe(timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return func(ctx context.Context, endpoint Endpoint) error {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", endpoint.Address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", endpoint.Address, err)
		}
		return conn.Close()
	}
}
