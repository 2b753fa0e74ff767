package mesh

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentfleet/controlplane/pkg/events"
	"github.com/agentfleet/controlplane/pkg/logging"
)

// p50Alpha is the exponential blend factor for the coarse p50 approximation
const p50Alpha = 0.1

// Config configures a Mesh instance
type Config struct {
	// Registry receives the Prometheus collectors. Nil skips registration.
	Registry prometheus.Registerer
	// RandSource seeds load balancing and fault-injection draws. Nil gets a
	// time-seeded source; tests inject a fixed seed.
	RandSource rand.Source
	Logger     *logging.StructuredLogger
	Bus        *events.Bus
}

// Mesh owns the endpoint registry, routes, traffic policies, per-endpoint
// circuit breakers and per-endpoint request metrics. All exported methods
// are safe for concurrent use; state changes are applied under the registry
// lock as whole-object replacements so concurrent readers never observe a
// partially updated endpoint.
type Mesh struct {
	mu        sync.RWMutex
	endpoints map[string][]*Endpoint // by service, registration order
	routes    []*Route               // creation order
	policies  map[string]*TrafficPolicy
	breakers  map[string]*CircuitBreaker // by endpoint id
	metrics   map[string]*EndpointMetrics

	balancer *LoadBalancer
	policy   *PolicyEngine
	inst     *instruments
	logger   *logging.StructuredLogger
	bus      *events.Bus
	now      func() time.Time
}

// New creates an empty mesh
func New(config Config) *Mesh {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	bus := config.Bus
	if bus == nil {
		bus = events.NewBus(0)
	}

	return &Mesh{
		endpoints: make(map[string][]*Endpoint),
		policies:  make(map[string]*TrafficPolicy),
		breakers:  make(map[string]*CircuitBreaker),
		metrics:   make(map[string]*EndpointMetrics),
		balancer:  NewLoadBalancer(config.RandSource),
		policy:    NewPolicyEngine(config.RandSource),
		inst:      newInstruments(config.Registry),
		logger:    logger.WithComponent("mesh"),
		bus:       bus,
		now:       time.Now,
	}
}

// RegisterService upserts an endpoint by id within its service's endpoint
// list, creating the service on first registration. An empty health is
// recorded as unknown until the health checker reports in.
func (m *Mesh) RegisterService(endpoint Endpoint) error {
	if endpoint.ID == "" || endpoint.Service == "" || endpoint.Address == "" {
		return fmt.Errorf("register service: id, service and address are required")
	}
	if endpoint.Health == "" {
		endpoint.Health = HealthUnknown
	}

	m.mu.Lock()
	list := m.endpoints[endpoint.Service]
	replaced := false
	for i, existing := range list {
		if existing.ID == endpoint.ID {
			list[i] = &endpoint
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, &endpoint)
	}
	m.endpoints[endpoint.Service] = list
	m.mu.Unlock()

	m.inst.recordHealth(endpoint.Service, endpoint.ID, endpoint.Health)
	m.logger.Info(context.Background(), "endpoint registered",
		"service", endpoint.Service, "endpoint", endpoint.ID, "address", endpoint.Address)
	m.bus.Publish(events.TypeServiceRegistered, endpoint)
	return nil
}

// DeregisterService removes the endpoint from its service. The service name
// is forgotten once its endpoint list becomes empty. The endpoint's breaker
// is discarded; its accretive metrics survive until process end.
func (m *Mesh) DeregisterService(service, endpointID string) bool {
	m.mu.Lock()
	list, ok := m.endpoints[service]
	if !ok {
		m.mu.Unlock()
		return false
	}
	removed := false
	for i, existing := range list {
		if existing.ID == endpointID {
			list = append(list[:i], list[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		m.mu.Unlock()
		return false
	}
	if len(list) == 0 {
		delete(m.endpoints, service)
	} else {
		m.endpoints[service] = list
	}
	delete(m.breakers, endpointID)
	m.mu.Unlock()

	m.inst.forgetEndpoint(service, endpointID)
	m.logger.Info(context.Background(), "endpoint deregistered",
		"service", service, "endpoint", endpointID)
	m.bus.Publish(events.TypeServiceDeregistered, map[string]string{
		"service": service, "endpoint_id": endpointID,
	})
	return true
}

// CreateRoute adds a route. A missing id gets a generated one; zero breaker
// parameters get the documented defaults.
func (m *Mesh) CreateRoute(route Route) (Route, error) {
	if route.Service == "" || route.PathPattern == "" {
		return Route{}, fmt.Errorf("create route: service and path pattern are required")
	}
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	if route.Strategy == "" {
		route.Strategy = StrategyWeighted
	}
	route.Breaker = route.Breaker.withDefaults()

	m.mu.Lock()
	m.routes = append(m.routes, &route)
	m.mu.Unlock()

	m.logger.Info(context.Background(), "route created",
		"route", route.ID, "service", route.Service, "path", route.PathPattern)
	m.bus.Publish(events.TypeRouteCreated, route)
	return route, nil
}

// RemoveRoute deletes a route by id
func (m *Mesh) RemoveRoute(id string) bool {
	m.mu.Lock()
	removed := false
	for i, route := range m.routes {
		if route.ID == id {
			m.routes = append(m.routes[:i], m.routes[i+1:]...)
			removed = true
			break
		}
	}
	m.mu.Unlock()

	if removed {
		m.logger.Info(context.Background(), "route removed", "route", id)
		m.bus.Publish(events.TypeRouteRemoved, map[string]string{"route_id": id})
	}
	return removed
}

// SetTrafficPolicy installs (or replaces) the traffic policy for a service
func (m *Mesh) SetTrafficPolicy(policy TrafficPolicy) error {
	if policy.Service == "" {
		return fmt.Errorf("set traffic policy: service is required")
	}

	m.mu.Lock()
	m.policies[policy.Service] = &policy
	m.mu.Unlock()

	m.logger.Info(context.Background(), "traffic policy set",
		"service", policy.Service, "rules", len(policy.Rules))
	m.bus.Publish(events.TypeTrafficPolicySet, policy)
	return nil
}

// RouteRequest answers "where should this request go" for a service:
// route match, then traffic policy, then load balancing, then the selected
// endpoint's circuit breaker. Failures are returned as structured errors
// (ErrNoRouteFound, ErrNoHealthyEndpoints, ErrCircuitOpen, FaultAbortError),
// never panics.
func (m *Mesh) RouteRequest(service string, req Request) (*RouteResult, error) {
	m.mu.RLock()
	route := m.matchRouteLocked(service, req)
	if route == nil {
		m.mu.RUnlock()
		m.inst.recordRouting(service, "no_route")
		return nil, fmt.Errorf("service %s: %w", service, ErrNoRouteFound)
	}
	policy := m.policies[service]
	m.mu.RUnlock()

	decision := m.policy.Evaluate(policy, service, req)
	if decision.Abort != nil {
		m.inst.recordRouting(service, "fault_abort")
		return nil, decision.Abort
	}

	// The per-service slice is mutated in place by writers holding the lock,
	// so the balancer gets its own copy of the pointers. The Endpoint values
	// themselves are replaced whole, never mutated.
	m.mu.RLock()
	list := m.endpoints[decision.Service]
	candidates := make([]*Endpoint, len(list))
	copy(candidates, list)
	m.mu.RUnlock()

	selected := m.balancer.Pick(candidates, route.Strategy)
	if selected == nil {
		m.inst.recordRouting(service, "no_healthy")
		return nil, fmt.Errorf("service %s: %w", decision.Service, ErrNoHealthyEndpoints)
	}

	breaker := m.breakerFor(selected.ID, route.Breaker)
	if err := breaker.Allow(); err != nil {
		m.inst.recordRouting(service, "circuit_open")
		m.inst.recordBreakerState(selected.ID, breaker.State())
		return nil, fmt.Errorf("endpoint %s: %w", selected.ID, err)
	}
	m.inst.recordBreakerState(selected.ID, breaker.State())
	m.inst.recordRouting(service, "routed")

	endpointCopy := *selected
	routeCopy := *route
	return &RouteResult{
		Endpoint: &endpointCopy,
		Route:    &routeCopy,
		Mirror:   decision.Mirror,
		Delay:    decision.Delay,
	}, nil
}

// matchRouteLocked finds the first route owned by service whose method set
// contains the request method (or a wildcard) and whose path pattern matches
// exactly or as a trailing-wildcard prefix. Caller holds at least mu.RLock.
func (m *Mesh) matchRouteLocked(service string, req Request) *Route {
	for _, route := range m.routes {
		if route.Service != service {
			continue
		}
		if !methodAllowed(route.Methods, req.Method) {
			continue
		}
		if pathMatches(route.PathPattern, req.Path) {
			return route
		}
	}
	return nil
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, allowed := range methods {
		if allowed == "*" || strings.EqualFold(allowed, method) {
			return true
		}
	}
	return false
}

func pathMatches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// RecordRequestResult closes the circuit breaker loop for an endpoint and
// accretes the request into its metrics. Callers invoke it once the request
// they routed has completed.
func (m *Mesh) RecordRequestResult(endpointID string, success bool, latencyMs float64) {
	breaker := m.breakerFor(endpointID, m.breakerConfigFor(endpointID))
	if success {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	m.inst.recordBreakerState(endpointID, breaker.State())

	m.mu.Lock()
	stats, ok := m.metrics[endpointID]
	if !ok {
		stats = &EndpointMetrics{}
		m.metrics[endpointID] = stats
	}
	stats.TotalRequests++
	if success {
		stats.SuccessRequests++
	} else {
		stats.ErrorRequests++
	}
	if stats.TotalRequests == 1 {
		stats.P50LatencyMs = latencyMs
	} else {
		stats.P50LatencyMs = stats.P50LatencyMs*(1-p50Alpha) + latencyMs*p50Alpha
	}
	if latencyMs > stats.P95LatencyMs {
		stats.P95LatencyMs = latencyMs
	}
	if latencyMs > stats.P99LatencyMs {
		stats.P99LatencyMs = latencyMs
	}
	m.mu.Unlock()

	m.inst.recordLatency(endpointID, latencyMs)
	m.bus.Publish(events.TypeRequestRecorded, map[string]any{
		"endpoint_id": endpointID,
		"success":     success,
		"latency_ms":  latencyMs,
	})
}

// breakerConfigFor resolves the breaker config declared by the first route
// owned by the endpoint's service, so a result reported before the first
// routing attempt still creates the breaker with its route's parameters.
// Falls back to the defaults when the endpoint has no route (or no service).
func (m *Mesh) breakerConfigFor(endpointID string) BreakerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for service, list := range m.endpoints {
		for _, ep := range list {
			if ep.ID != endpointID {
				continue
			}
			for _, route := range m.routes {
				if route.Service == service {
					return route.Breaker
				}
			}
			return BreakerConfig{}
		}
	}
	return BreakerConfig{}
}

// breakerFor returns the endpoint's breaker, creating it on first use with
// the supplied config (zero fields get defaults).
func (m *Mesh) breakerFor(endpointID string, config BreakerConfig) *CircuitBreaker {
	m.mu.RLock()
	breaker, ok := m.breakers[endpointID]
	m.mu.RUnlock()
	if ok {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if breaker, ok = m.breakers[endpointID]; ok {
		return breaker
	}
	breaker = NewCircuitBreaker(endpointID, config, m.breakerOpened)
	m.breakers[endpointID] = breaker
	return breaker
}

// breakerOpened is the onOpen hook installed on every breaker
func (m *Mesh) breakerOpened(endpointID string) {
	m.inst.recordBreakerState(endpointID, BreakerOpen)
	m.logger.Warn(context.Background(), "circuit breaker opened", "endpoint", endpointID)
	m.bus.Publish(events.TypeCircuitBreakerOpened, map[string]string{"endpoint_id": endpointID})
}

// DiscoverServices lists a single service (when service is non-empty) or
// every registered service with copies of its endpoints.
func (m *Mesh) DiscoverServices(service string) []ServiceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.endpoints))
	if service != "" {
		names = append(names, service)
	} else {
		for name := range m.endpoints {
			names = append(names, name)
		}
	}

	out := make([]ServiceInfo, 0, len(names))
	for _, name := range names {
		list := m.endpoints[name]
		if list == nil && service == "" {
			continue
		}
		info := ServiceInfo{Service: name, Endpoints: make([]Endpoint, 0, len(list))}
		for _, ep := range list {
			info.Endpoints = append(info.Endpoints, *ep)
		}
		out = append(out, info)
	}
	return out
}

// Metrics returns copies of the accreted per-endpoint metrics. A non-empty
// service restricts the result to that service's live endpoints.
func (m *Mesh) Metrics(service string) map[string]EndpointMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]EndpointMetrics)
	if service == "" {
		for id, stats := range m.metrics {
			out[id] = *stats
		}
		return out
	}
	for _, ep := range m.endpoints[service] {
		if stats, ok := m.metrics[ep.ID]; ok {
			out[ep.ID] = *stats
		}
	}
	return out
}

// CircuitBreakerStatus snapshots every known breaker
func (m *Mesh) CircuitBreakerStatus() []BreakerStatus {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	out := make([]BreakerStatus, 0, len(breakers))
	for _, breaker := range breakers {
		out = append(out, breaker.Status())
	}
	return out
}

// SetCircuitBreakerState forces an endpoint's breaker open or closed.
// Returns false when the endpoint is not registered with any service.
func (m *Mesh) SetCircuitBreakerState(endpointID string, open bool) bool {
	m.mu.RLock()
	known := false
	for _, list := range m.endpoints {
		for _, ep := range list {
			if ep.ID == endpointID {
				known = true
				break
			}
		}
		if known {
			break
		}
	}
	m.mu.RUnlock()
	if !known {
		return false
	}

	breaker := m.breakerFor(endpointID, m.breakerConfigFor(endpointID))
	if open {
		breaker.ForceOpen()
	} else {
		breaker.ForceClose()
	}
	m.inst.recordBreakerState(endpointID, breaker.State())
	return true
}

// updateHealth replaces an endpoint's health flag. Used by the health
// checker; emits healthChanged when the state actually changes.
func (m *Mesh) updateHealth(service, endpointID string, health HealthStatus) {
	m.mu.Lock()
	var changed, found bool
	var previous HealthStatus
	for i, ep := range m.endpoints[service] {
		if ep.ID == endpointID {
			found = true
			previous = ep.Health
			if ep.Health != health {
				updated := *ep
				updated.Health = health
				m.endpoints[service][i] = &updated
				changed = true
			}
			break
		}
	}
	m.mu.Unlock()

	if !found || !changed {
		return
	}
	m.inst.recordHealth(service, endpointID, health)
	m.logger.Info(context.Background(), "endpoint health changed",
		"service", service, "endpoint", endpointID, "from", string(previous), "to", string(health))
	m.bus.Publish(events.TypeHealthChanged, map[string]string{
		"service":     service,
		"endpoint_id": endpointID,
		"previous":    string(previous),
		"current":     string(health),
	})
}

// endpointsSnapshot returns copies of every registered endpoint, for the
// health checker's sweep.
func (m *Mesh) endpointsSnapshot() []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Endpoint, 0)
	for _, list := range m.endpoints {
		for _, ep := range list {
			out = append(out, *ep)
		}
	}
	return out
}
