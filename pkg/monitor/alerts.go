package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/controlplane/pkg/events"
	"github.com/agentfleet/controlplane/pkg/logging"
)

// DefaultAlertCooldown suppresses duplicate alerts of the same
// (container, type, severity) raised within this window.
const DefaultAlertCooldown = 5 * time.Minute

// DefaultAlertRetention bounds how long alerts survive before the retention
// sweep deletes them.
const DefaultAlertRetention = 24 * time.Hour

// processWarningRatio: a warning fires when the running process count
// exceeds this share of the container's declared maximum.
const processWarningRatio = 0.9

// alertStore owns alert lifecycle: creation with cooldown deduplication,
// acknowledgement and age-based retention.
type alertStore struct {
	mu       sync.RWMutex
	alerts   map[string]*Alert
	cooldown time.Duration

	logger *logging.StructuredLogger
	bus    *events.Bus
	now    func() time.Time
}

func newAlertStore(cooldown time.Duration, logger *logging.StructuredLogger, bus *events.Bus) *alertStore {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &alertStore{
		alerts:   make(map[string]*Alert),
		cooldown: cooldown,
		logger:   logger,
		bus:      bus,
		now:      time.Now,
	}
}

// evaluate inspects one new sample against the thresholds and the
// container's declared limit, raising deduplicated alerts. Critical is
// checked first so the higher exceeded severity wins.
func (s *alertStore) evaluate(sample *ResourceMetrics, limit *ResourceLimit, thresholds Thresholds) {
	cpu := sample.CPU.UsagePercent
	switch {
	case cpu >= thresholds.CPUCritical:
		s.raise(sample.ContainerID, MetricCPU, SeverityCritical, thresholds.CPUCritical, cpu,
			fmt.Sprintf("CPU usage %.1f%% exceeds critical threshold %.0f%%", cpu, thresholds.CPUCritical))
	case cpu >= thresholds.CPUWarning:
		s.raise(sample.ContainerID, MetricCPU, SeverityWarning, thresholds.CPUWarning, cpu,
			fmt.Sprintf("CPU usage %.1f%% exceeds warning threshold %.0f%%", cpu, thresholds.CPUWarning))
	}

	memory := sample.Memory.Percent
	switch {
	case memory >= thresholds.MemoryCritical:
		s.raise(sample.ContainerID, MetricMemory, SeverityCritical, thresholds.MemoryCritical, memory,
			fmt.Sprintf("memory usage %.1f%% exceeds critical threshold %.0f%%", memory, thresholds.MemoryCritical))
	case memory >= thresholds.MemoryWarning:
		s.raise(sample.ContainerID, MetricMemory, SeverityWarning, thresholds.MemoryWarning, memory,
			fmt.Sprintf("memory usage %.1f%% exceeds warning threshold %.0f%%", memory, thresholds.MemoryWarning))
	}

	if limit != nil && limit.MaxProcesses > 0 {
		ceiling := float64(limit.MaxProcesses) * processWarningRatio
		running := float64(sample.Processes.Running)
		if running > ceiling {
			s.raise(sample.ContainerID, MetricProcesses, SeverityWarning, ceiling, running,
				fmt.Sprintf("%d processes running, above %.0f%% of the %d process limit",
					sample.Processes.Running, processWarningRatio*100, limit.MaxProcesses))
		}
	}
}

// raise creates an alert unless an unacknowledged one of the same
// (container, type, severity) exists within the cooldown window.
func (s *alertStore) raise(containerID string, metric MetricType, severity Severity, threshold, value float64, message string) {
	now := s.now()

	s.mu.Lock()
	for _, existing := range s.alerts {
		if existing.ContainerID == containerID &&
			existing.Type == metric &&
			existing.Severity == severity &&
			!existing.Acknowledged &&
			now.Sub(existing.Timestamp) < s.cooldown {
			s.mu.Unlock()
			return
		}
	}
	alert := &Alert{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Type:        metric,
		Severity:    severity,
		Threshold:   threshold,
		Value:       value,
		Message:     message,
		Timestamp:   now,
	}
	s.alerts[alert.ID] = alert
	s.mu.Unlock()

	s.logger.Warn(context.Background(), "resource alert raised",
		"container", containerID, "metric", string(metric), "severity", string(severity),
		"value", value, "threshold", threshold)
	s.bus.Publish(events.TypeAlertCreated, *alert)
}

// Acknowledge marks an alert acknowledged without removing it
func (s *alertStore) Acknowledge(id string) bool {
	s.mu.Lock()
	alert, ok := s.alerts[id]
	if !ok || alert.Acknowledged {
		s.mu.Unlock()
		return ok
	}
	updated := *alert
	updated.Acknowledged = true
	s.alerts[id] = &updated
	s.mu.Unlock()

	s.bus.Publish(events.TypeAlertAcknowledged, updated)
	return true
}

// ForContainer lists a container's alerts, newest first
func (s *alertStore) ForContainer(containerID string) []Alert {
	s.mu.RLock()
	out := make([]Alert, 0)
	for _, alert := range s.alerts {
		if alert.ContainerID == containerID {
			out = append(out, *alert)
		}
	}
	s.mu.RUnlock()

	sortAlerts(out)
	return out
}

// All lists every retained alert, newest first
func (s *alertStore) All() []Alert {
	s.mu.RLock()
	out := make([]Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		out = append(out, *alert)
	}
	s.mu.RUnlock()

	sortAlerts(out)
	return out
}

// activeCount counts unacknowledged alerts
func (s *alertStore) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, alert := range s.alerts {
		if !alert.Acknowledged {
			count++
		}
	}
	return count
}

// sweep permanently deletes alerts older than the retention window
func (s *alertStore) sweep(retention time.Duration) int {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, alert := range s.alerts {
		if alert.Timestamp.Before(cutoff) {
			delete(s.alerts, id)
			deleted++
		}
	}
	return deleted
}

func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}
