package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/controlplane/pkg/events"
	"github.com/agentfleet/controlplane/pkg/logging"
)

// scriptedProvider serves canned stats per container and can be told to fail
type scriptedProvider struct {
	mu      sync.Mutex
	stats   map[string]*ContainerStats
	failing map[string]error
	onStats func(containerID string)
	calls   int
}

func (p *scriptedProvider) Stats(ctx context.Context, containerID string) (*ContainerStats, error) {
	p.mu.Lock()
	p.calls++
	hook := p.onStats
	err := p.failing[containerID]
	stats := p.stats[containerID]
	p.mu.Unlock()

	if hook != nil {
		hook(containerID)
	}
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}
	return stats, nil
}

func (p *scriptedProvider) set(containerID string, stats *ContainerStats) {
	p.mu.Lock()
	if p.stats == nil {
		p.stats = make(map[string]*ContainerStats)
	}
	p.stats[containerID] = stats
	p.mu.Unlock()
}

func (p *scriptedProvider) fail(containerID string, err error) {
	p.mu.Lock()
	if p.failing == nil {
		p.failing = make(map[string]error)
	}
	p.failing[containerID] = err
	p.mu.Unlock()
}

// scriptedApplier records limit writes and can reject them
type scriptedApplier struct {
	mu      sync.Mutex
	applied map[string]ResourceLimit
	err     error
}

func (a *scriptedApplier) ApplyLimits(ctx context.Context, containerID string, limit ResourceLimit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.applied == nil {
		a.applied = make(map[string]ResourceLimit)
	}
	a.applied[containerID] = limit
	return nil
}

func newTestMonitor(t *testing.T, provider StatsProvider, opt ...func(*Options)) *Monitor {
	t.Helper()
	opts := Options{
		Provider: provider,
		Registry: prometheus.NewRegistry(),
		Logger:   logging.NewNopLogger(),
		Bus:      events.NewBus(256),
	}
	for _, fn := range opt {
		fn(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func fixtureStats(t *testing.T) *ContainerStats {
	t.Helper()
	var stats ContainerStats
	require.NoError(t, json.Unmarshal([]byte(statsFixture), &stats))
	return &stats
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCollectOncePushesDerivedSamples(t *testing.T) {
	provider := &scriptedProvider{}
	provider.set("sandbox-1", fixtureStats(t))
	m := newTestMonitor(t, provider)
	m.AddContainer("sandbox-1")

	m.CollectOnce(context.Background())

	samples := m.Metrics("sandbox-1")
	require.Len(t, samples, 1)
	assert.Equal(t, 10.0, samples[0].CPU.UsagePercent)
	assert.Equal(t, 50.0, samples[0].Memory.Percent)
	assert.Equal(t, uint64(42), samples[0].Processes.Running)

	var collected int
	for _, ev := range m.bus.Recent(0) {
		if ev.Type == events.TypeMetricsCollected {
			collected++
		}
	}
	assert.Equal(t, 1, collected)
}

func TestCollectOnceSkipsFailingContainer(t *testing.T) {
	provider := &scriptedProvider{}
	provider.set("sandbox-1", fixtureStats(t))
	provider.set("sandbox-2", fixtureStats(t))
	provider.fail("sandbox-2", errors.New("daemon timeout"))
	m := newTestMonitor(t, provider)
	m.AddContainer("sandbox-1")
	m.AddContainer("sandbox-2")

	m.CollectOnce(context.Background())

	assert.Len(t, m.Metrics("sandbox-1"), 1)
	assert.Empty(t, m.Metrics("sandbox-2"))
}

func TestCollectOnceDiscardsRemovedContainer(t *testing.T) {
	provider := &scriptedProvider{}
	provider.set("sandbox-1", fixtureStats(t))
	m := newTestMonitor(t, provider)
	m.AddContainer("sandbox-1")

	// remove the container while its fetch is in flight
	provider.onStats = func(containerID string) {
		m.RemoveContainer(containerID)
	}
	m.CollectOnce(context.Background())

	assert.Nil(t, m.Metrics("sandbox-1"))
}

func TestCollectOnceRaisesThresholdAlerts(t *testing.T) {
	provider := &scriptedProvider{}
	stats := fixtureStats(t)
	// memory at 97% of limit crosses the critical threshold
	stats.MemoryStats.Usage = stats.MemoryStats.Limit / 100 * 97
	provider.set("sandbox-1", stats)
	m := newTestMonitor(t, provider)
	m.AddContainer("sandbox-1")

	m.CollectOnce(context.Background())
	m.CollectOnce(context.Background())

	alerts := m.Alerts("sandbox-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, MetricMemory, alerts[0].Type)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestFetchBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	provider := &scriptedProvider{}
	provider.fail("sandbox-1", errors.New("daemon down"))
	m := newTestMonitor(t, provider)
	m.AddContainer("sandbox-1")

	for i := 0; i < 6; i++ {
		m.CollectOnce(context.Background())
	}

	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	// the breaker opens after five consecutive failures and short-circuits
	// the sixth tick without reaching the provider
	assert.Equal(t, 5, calls)
}

func TestSetResourceLimitsWritesThrough(t *testing.T) {
	provider := &scriptedProvider{}
	applier := &scriptedApplier{}
	m := newTestMonitor(t, provider, func(o *Options) { o.Limits = applier })
	m.AddContainer("sandbox-1")

	limit := ResourceLimit{CPUCores: 2, MemoryBytes: 1 << 30, MaxProcesses: 100}
	require.True(t, m.SetResourceLimits(context.Background(), "sandbox-1", limit))

	applier.mu.Lock()
	assert.Equal(t, limit, applier.applied["sandbox-1"])
	applier.mu.Unlock()

	stored, ok := m.Limits("sandbox-1")
	require.True(t, ok)
	assert.Equal(t, limit, stored)
}

func TestSetResourceLimitsApplyFailureLeavesRecordUntouched(t *testing.T) {
	provider := &scriptedProvider{}
	applier := &scriptedApplier{err: errors.New("update rejected")}
	m := newTestMonitor(t, provider, func(o *Options) { o.Limits = applier })
	m.AddContainer("sandbox-1")

	assert.False(t, m.SetResourceLimits(context.Background(), "sandbox-1", ResourceLimit{CPUCores: 1}))
	_, ok := m.Limits("sandbox-1")
	assert.False(t, ok)
}

func TestSetResourceLimitsUnknownContainer(t *testing.T) {
	m := newTestMonitor(t, &scriptedProvider{})
	assert.False(t, m.SetResourceLimits(context.Background(), "ghost", ResourceLimit{CPUCores: 1}))
}

func TestUtilizationSummary(t *testing.T) {
	m := newTestMonitor(t, &scriptedProvider{})
	m.AddContainer("sandbox-a")
	m.AddContainer("sandbox-b")
	m.AddContainer("sandbox-empty")

	base := time.Unix(1700000000, 0)
	m.mu.Lock()
	a := sampleAt(base, 20)
	a.Memory.Percent = 30
	m.containers["sandbox-a"].history.push(a)
	b := sampleAt(base, 40)
	b.Memory.Percent = 50
	m.containers["sandbox-b"].history.push(b)
	m.mu.Unlock()

	summary := m.UtilizationSummary()
	require.Len(t, summary.Containers, 2)
	assert.Equal(t, "sandbox-a", summary.Containers[0].ContainerID)
	assert.Equal(t, "sandbox-b", summary.Containers[1].ContainerID)
	assert.InDelta(t, 30.0, summary.AverageCPU, 1e-9)
	assert.InDelta(t, 40.0, summary.AverageMemory, 1e-9)
	assert.Zero(t, summary.ActiveAlerts)
}

func TestTrendsOverWindow(t *testing.T) {
	m := newTestMonitor(t, &scriptedProvider{})
	m.AddContainer("sandbox-1")

	base := time.Unix(1700000000, 0)
	m.now = func() time.Time { return base.Add(time.Minute) }
	m.mu.Lock()
	for i := 0; i < 12; i++ {
		m.containers["sandbox-1"].history.push(sampleAt(base.Add(time.Duration(i)*5*time.Second), 10+float64(i)*2))
	}
	m.mu.Unlock()

	trends, err := m.Trends("sandbox-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TrendIncreasing, trends.CPU.Direction)
	assert.Equal(t, 10.0, trends.CPU.Min)
	assert.Equal(t, 32.0, trends.CPU.Max)
	assert.Equal(t, 32.0, trends.CPU.Current)
	assert.Equal(t, 12, trends.CPU.Samples)
	assert.Equal(t, TrendStable, trends.Memory.Direction)

	_, err = m.Trends("ghost", time.Hour)
	assert.Error(t, err)
}

func TestSetThresholdsHotReload(t *testing.T) {
	provider := &scriptedProvider{}
	stats := fixtureStats(t)
	// fixture memory sits at 50%
	provider.set("sandbox-1", stats)
	m := newTestMonitor(t, provider)
	m.AddContainer("sandbox-1")

	m.CollectOnce(context.Background())
	assert.Empty(t, m.Alerts("sandbox-1"))

	m.SetThresholds(Thresholds{CPUWarning: 70, CPUCritical: 90, MemoryWarning: 40, MemoryCritical: 95})
	m.CollectOnce(context.Background())

	alerts := m.Alerts("sandbox-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
}

func TestStartStopLifecycle(t *testing.T) {
	provider := &scriptedProvider{}
	provider.set("sandbox-1", fixtureStats(t))
	m := newTestMonitor(t, provider, func(o *Options) {
		o.CollectInterval = 5 * time.Millisecond
	})
	m.AddContainer("sandbox-1")

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(m.Metrics("sandbox-1")) > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}

func TestSweepOncePrunesOldSamples(t *testing.T) {
	m := newTestMonitor(t, &scriptedProvider{})
	m.AddContainer("sandbox-1")

	base := time.Unix(1700000000, 0)
	m.mu.Lock()
	m.containers["sandbox-1"].history.push(sampleAt(base.Add(-2*time.Hour), 10))
	m.containers["sandbox-1"].history.push(sampleAt(base, 20))
	m.mu.Unlock()
	m.now = func() time.Time { return base }

	m.sweepOnce()

	samples := m.Metrics("sandbox-1")
	require.Len(t, samples, 1)
	assert.Equal(t, 20.0, samples[0].CPU.UsagePercent)
}
