package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/agentfleet/controlplane/pkg/events"
	"github.com/agentfleet/controlplane/pkg/logging"
)

// Default cadences and retention windows
const (
	DefaultCollectInterval  = 5 * time.Second
	DefaultSweepInterval    = 5 * time.Minute
	DefaultMetricsRetention = time.Hour
)

// Options configures a Monitor
type Options struct {
	// Provider is the container runtime statistics source. Required.
	Provider StatsProvider
	// Limits applies resource limits to the runtime. Optional; when nil,
	// SetResourceLimits only updates the in-memory record.
	Limits LimitApplier

	CollectInterval  time.Duration
	SweepInterval    time.Duration
	MetricsRetention time.Duration
	AlertCooldown    time.Duration
	AlertRetention   time.Duration
	HistorySize      int
	Thresholds       Thresholds

	// Registry receives the Prometheus collectors. Nil skips registration.
	Registry prometheus.Registerer
	Logger   *logging.StructuredLogger
	Bus      *events.Bus
}

// containerState is everything the monitor tracks for one container
type containerState struct {
	history *sampleRing
	limit   *ResourceLimit
}

// Monitor samples container statistics on a fixed interval, retains a
// bounded per-container history, raises threshold alerts and serves trend
// and forecast queries. All exported methods are safe for concurrent use.
type Monitor struct {
	mu         sync.RWMutex
	containers map[string]*containerState
	thresholds Thresholds

	provider     StatsProvider
	fetchBreaker *gobreaker.CircuitBreaker
	limits       LimitApplier
	alerts       *alertStore
	inst         *instruments

	collectInterval  time.Duration
	sweepInterval    time.Duration
	metricsRetention time.Duration
	alertRetention   time.Duration
	historySize      int

	logger *logging.StructuredLogger
	bus    *events.Bus
	now    func() time.Time

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	done        chan struct{}
}

// New creates a monitor. The statistics provider is required; everything
// else gets documented defaults.
func New(opts Options) (*Monitor, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("monitor: stats provider is required")
	}
	if opts.CollectInterval <= 0 {
		opts.CollectInterval = DefaultCollectInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MetricsRetention <= 0 {
		opts.MetricsRetention = DefaultMetricsRetention
	}
	if opts.AlertRetention <= 0 {
		opts.AlertRetention = DefaultAlertRetention
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("monitor")
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(0)
	}

	m := &Monitor{
		containers:       make(map[string]*containerState),
		thresholds:       opts.Thresholds,
		provider:         opts.Provider,
		limits:           opts.Limits,
		alerts:           newAlertStore(opts.AlertCooldown, logger, bus),
		inst:             newInstruments(opts.Registry),
		collectInterval:  opts.CollectInterval,
		sweepInterval:    opts.SweepInterval,
		metricsRetention: opts.MetricsRetention,
		alertRetention:   opts.AlertRetention,
		historySize:      opts.HistorySize,
		logger:           logger,
		bus:              bus,
		now:              time.Now,
	}

	// A flapping runtime daemon trips this breaker so collection ticks skip
	// fetches instead of piling timeouts onto every monitored container.
	m.fetchBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "stats-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn(context.Background(), "stats provider breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return m, nil
}

// AddContainer puts a container under monitoring. Idempotent.
func (m *Monitor) AddContainer(containerID string) {
	m.mu.Lock()
	if _, ok := m.containers[containerID]; !ok {
		m.containers[containerID] = &containerState{history: newSampleRing(m.historySize)}
	}
	m.mu.Unlock()

	m.logger.Info(context.Background(), "container added to monitoring", "container", containerID)
}

// RemoveContainer stops monitoring a container and discards its history.
// Alerts already raised for it survive until the retention sweep.
func (m *Monitor) RemoveContainer(containerID string) {
	m.mu.Lock()
	_, ok := m.containers[containerID]
	delete(m.containers, containerID)
	m.mu.Unlock()

	if ok {
		m.inst.forgetContainer(containerID)
		m.logger.Info(context.Background(), "container removed from monitoring", "container", containerID)
	}
}

// SetResourceLimits writes the limit through to the runtime and records it
// in memory only when the apply succeeds, keeping the declared and applied
// limits consistent. Returns false for unmonitored containers and on apply
// failure.
func (m *Monitor) SetResourceLimits(ctx context.Context, containerID string, limit ResourceLimit) bool {
	m.mu.RLock()
	_, ok := m.containers[containerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if m.limits != nil {
		if err := m.limits.ApplyLimits(ctx, containerID, limit); err != nil {
			m.logger.Error(ctx, "resource limit apply rejected by runtime",
				"container", containerID, "error", err)
			return false
		}
	}

	m.mu.Lock()
	if state, ok := m.containers[containerID]; ok {
		state.limit = &limit
	}
	m.mu.Unlock()

	m.logger.Info(ctx, "resource limits updated", "container", containerID)
	m.bus.Publish(events.TypeLimitsUpdated, map[string]any{
		"container_id": containerID,
		"limit":        limit,
	})
	return true
}

// Limits returns the declared limit for a container, if any
func (m *Monitor) Limits(containerID string) (ResourceLimit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.containers[containerID]
	if !ok || state.limit == nil {
		return ResourceLimit{}, false
	}
	return *state.limit, true
}

// Start launches the collection and retention-sweep loops
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running {
		return fmt.Errorf("monitor is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(ctx, m.stopCh, m.done)
	m.logger.Info(ctx, "monitor started",
		"collect_interval", m.collectInterval, "sweep_interval", m.sweepInterval)
	return nil
}

// Stop halts the loops. Ticks already in progress complete.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	if !m.running {
		m.lifecycleMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.lifecycleMu.Unlock()

	<-done
}

func (m *Monitor) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	collect := time.NewTicker(m.collectInterval)
	defer collect.Stop()
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-collect.C:
			m.CollectOnce(ctx)
		case <-sweep.C:
			m.sweepOnce()
		}
	}
}

// CollectOnce samples every monitored container. A container whose fetch
// fails (vanished between tick and fetch, daemon hiccup) is logged and
// skipped; the tick continues for the rest of the fleet.
func (m *Monitor) CollectOnce(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		stats, err := m.fetchStats(ctx, id)
		if err != nil {
			m.inst.recordError(id)
			m.logger.Warn(ctx, "sample skipped", "container", id, "error", err)
			continue
		}

		sample := deriveSample(id, m.now(), stats)

		m.mu.Lock()
		state, ok := m.containers[id]
		if !ok {
			// Removed while the fetch was in flight; discard the result
			// rather than writing into torn-down state.
			m.mu.Unlock()
			continue
		}
		state.history.push(sample)
		limit := state.limit
		thresholds := m.thresholds
		m.mu.Unlock()

		m.inst.recordSample(sample)
		m.alerts.evaluate(sample, limit, thresholds)
		m.bus.Publish(events.TypeMetricsCollected, map[string]any{
			"container_id":   id,
			"cpu_percent":    sample.CPU.UsagePercent,
			"memory_percent": sample.Memory.Percent,
		})
	}
	m.inst.activeAlerts.Set(float64(m.alerts.activeCount()))
}

func (m *Monitor) fetchStats(ctx context.Context, containerID string) (*ContainerStats, error) {
	result, err := m.fetchBreaker.Execute(func() (any, error) {
		return m.provider.Stats(ctx, containerID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ContainerStats), nil
}

// sweepOnce enforces the retention windows on samples and alerts
func (m *Monitor) sweepOnce() {
	cutoff := m.now().Add(-m.metricsRetention)

	m.mu.Lock()
	pruned := 0
	for _, state := range m.containers {
		pruned += state.history.pruneOlderThan(cutoff)
	}
	m.mu.Unlock()

	deleted := m.alerts.sweep(m.alertRetention)
	if pruned > 0 || deleted > 0 {
		m.logger.Debug(context.Background(), "retention sweep",
			"samples_pruned", pruned, "alerts_deleted", deleted)
	}
}

// Metrics returns copies of a container's retained samples, oldest first
func (m *Monitor) Metrics(containerID string) []ResourceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.containers[containerID]
	if !ok {
		return nil
	}
	out := make([]ResourceMetrics, 0, state.history.len())
	for _, sample := range state.history.snapshot() {
		out = append(out, *sample)
	}
	return out
}

// Alerts lists a container's alerts, newest first
func (m *Monitor) Alerts(containerID string) []Alert {
	return m.alerts.ForContainer(containerID)
}

// AllAlerts lists every retained alert, newest first
func (m *Monitor) AllAlerts() []Alert {
	return m.alerts.All()
}

// AcknowledgeAlert marks an alert acknowledged without removing it
func (m *Monitor) AcknowledgeAlert(id string) bool {
	ok := m.alerts.Acknowledge(id)
	if ok {
		m.inst.activeAlerts.Set(float64(m.alerts.activeCount()))
	}
	return ok
}

// SetThresholds replaces the alert thresholds; used by config hot-reload
func (m *Monitor) SetThresholds(thresholds Thresholds) {
	m.mu.Lock()
	m.thresholds = thresholds
	m.mu.Unlock()
	m.logger.Info(context.Background(), "alert thresholds updated",
		"cpu_warning", thresholds.CPUWarning, "cpu_critical", thresholds.CPUCritical,
		"memory_warning", thresholds.MemoryWarning, "memory_critical", thresholds.MemoryCritical)
}

// Thresholds returns the current alert thresholds
func (m *Monitor) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// UtilizationSummary rolls up the latest sample of every monitored
// container plus fleet averages.
func (m *Monitor) UtilizationSummary() UtilizationSummary {
	m.mu.RLock()
	summary := UtilizationSummary{GeneratedAt: m.now()}
	var cpuSum, memSum float64
	sampled := 0
	for id, state := range m.containers {
		latest := state.history.latest()
		if latest == nil {
			continue
		}
		summary.Containers = append(summary.Containers, ContainerUtilization{
			ContainerID:   id,
			CPUPercent:    latest.CPU.UsagePercent,
			MemoryPercent: latest.Memory.Percent,
			MemoryUsage:   latest.Memory.Usage,
			Processes:     latest.Processes.Running,
			SampledAt:     latest.Timestamp,
		})
		cpuSum += latest.CPU.UsagePercent
		memSum += latest.Memory.Percent
		sampled++
	}
	m.mu.RUnlock()

	if sampled > 0 {
		summary.AverageCPU = cpuSum / float64(sampled)
		summary.AverageMemory = memSum / float64(sampled)
	}
	summary.ActiveAlerts = m.alerts.activeCount()
	sortUtilization(summary.Containers)
	return summary
}

// Trends reports min/max/avg/current and slope direction for CPU and memory
// over the trailing window.
func (m *Monitor) Trends(containerID string, window time.Duration) (*ResourceTrends, error) {
	m.mu.RLock()
	state, ok := m.containers[containerID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("container %s is not monitored", containerID)
	}
	samples := state.history.since(m.now().Add(-window))
	m.mu.RUnlock()

	cpu := make([]float64, 0, len(samples))
	memory := make([]float64, 0, len(samples))
	for _, sample := range samples {
		cpu = append(cpu, sample.CPU.UsagePercent)
		memory = append(memory, sample.Memory.Percent)
	}

	return &ResourceTrends{
		ContainerID: containerID,
		Window:      window,
		CPU:         summarizeTrend(MetricCPU, cpu),
		Memory:      summarizeTrend(MetricMemory, memory),
	}, nil
}

// trendSlopeEpsilon separates "stable" from a real per-sample drift
const trendSlopeEpsilon = 0.01

func summarizeTrend(metric MetricType, values []float64) MetricTrend {
	trend := MetricTrend{Metric: metric, Direction: TrendStable, Samples: len(values)}
	if len(values) == 0 {
		return trend
	}

	trend.Min = values[0]
	trend.Max = values[0]
	sum := 0.0
	for _, v := range values {
		if v < trend.Min {
			trend.Min = v
		}
		if v > trend.Max {
			trend.Max = v
		}
		sum += v
	}
	trend.Average = sum / float64(len(values))
	trend.Current = values[len(values)-1]

	fit := fitLine(values)
	trend.Slope = fit.slope
	switch {
	case fit.slope > trendSlopeEpsilon:
		trend.Direction = TrendIncreasing
	case fit.slope < -trendSlopeEpsilon:
		trend.Direction = TrendDecreasing
	}
	return trend
}

// PredictResourceUsage projects CPU and memory usage forecastMinutes ahead.
// Fewer than forecastMinSamples retained samples yields zero confidence and
// an explanatory message instead of a numeric projection.
func (m *Monitor) PredictResourceUsage(containerID string, forecastMinutes int) (*Forecast, error) {
	m.mu.RLock()
	state, ok := m.containers[containerID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("container %s is not monitored", containerID)
	}
	samples := state.history.tail(forecastWindow)
	count := state.history.len()
	thresholds := m.thresholds
	m.mu.RUnlock()

	forecast := &Forecast{
		ContainerID:    containerID,
		HorizonMinutes: forecastMinutes,
		GeneratedAt:    m.now(),
	}

	if count < forecastMinSamples {
		message := fmt.Sprintf("insufficient history: have %d samples, need %d", count, forecastMinSamples)
		forecast.CPU = MetricForecast{Message: message}
		forecast.Memory = MetricForecast{Message: message}
		return forecast, nil
	}

	cpu := make([]float64, 0, len(samples))
	memory := make([]float64, 0, len(samples))
	for _, sample := range samples {
		cpu = append(cpu, sample.CPU.UsagePercent)
		memory = append(memory, sample.Memory.Percent)
	}

	forecast.CPU = forecastMetric(MetricCPU, cpu, forecastMinutes, m.collectInterval, thresholds.CPUWarning)
	forecast.Memory = forecastMetric(MetricMemory, memory, forecastMinutes, m.collectInterval, thresholds.MemoryWarning)
	return forecast, nil
}

func sortUtilization(containers []ContainerUtilization) {
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].ContainerID < containers[j].ContainerID
	})
}
