// Package mesh implements the service mesh half of the control plane:
// endpoint registry, request routing, traffic policy, load balancing and
// per-endpoint circuit breaking for the fleet of agent sandbox containers.
package mesh

import (
	"time"
)

// HealthStatus is the probe-maintained health of an endpoint
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Strategy selects how the load balancer picks among healthy endpoints
type Strategy string

const (
	StrategyWeighted Strategy = "weighted"
	// StrategyRoundRobin is a stateless approximation: a uniform random pick
	// among healthy endpoints, not a rotating cursor.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastConnections and StrategyIPHash are accepted but degrade to
	// the first healthy endpoint in list order; this core tracks neither
	// active connections nor client IPs.
	StrategyLeastConnections Strategy = "least_connections"
	StrategyIPHash           Strategy = "ip_hash"
)

// Endpoint is one network-addressable sandbox instance backing a named
// service. Uniquely keyed by (Service, ID). Health is mutated only by the
// health checker.
type Endpoint struct {
	ID       string            `json:"id"`
	Service  string            `json:"service"`
	Address  string            `json:"address"`
	Protocol string            `json:"protocol"`
	Health   HealthStatus      `json:"health"`
	Weight   int               `json:"weight"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// BreakerConfig holds the circuit breaker parameters carried by a route
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	OpenDuration     time.Duration `json:"open_duration"`
	HalfOpenQuota    int           `json:"half_open_quota"`
}

// Default circuit breaker parameters applied when a route leaves them zero.
const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 60 * time.Second
	DefaultHalfOpenQuota    = 3
)

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	if c.HalfOpenQuota <= 0 {
		c.HalfOpenQuota = DefaultHalfOpenQuota
	}
	return c
}

// Route declares how requests for a service are matched and dispatched.
// Immutable once matched against a request. Timeout is carried for the
// calling boundary to enforce; the router itself does not apply it.
type Route struct {
	ID          string        `json:"id"`
	Service     string        `json:"service"`
	PathPattern string        `json:"path_pattern"`
	Methods     []string      `json:"methods"`
	Timeout     time.Duration `json:"timeout"`
	Retries     int           `json:"retries"`
	Strategy    Strategy      `json:"strategy"`
	Breaker     BreakerConfig `json:"breaker"`
}

// TrafficPolicy is an ordered rule set owned by a service name. The first
// rule whose match predicate is satisfied wins; later rules are ignored.
type TrafficPolicy struct {
	Service string       `json:"service"`
	Rules   []PolicyRule `json:"rules"`
}

// PolicyRule pairs a match predicate with redirection, fault injection and
// mirroring behavior.
type PolicyRule struct {
	Name        string          `json:"name,omitempty"`
	Match       RuleMatch       `json:"match"`
	Destination *Destination    `json:"destination,omitempty"`
	Fault       *FaultInjection `json:"fault,omitempty"`
	Mirror      *MirrorTarget   `json:"mirror,omitempty"`
}

// RuleMatch declares header/query pairs that must all be present with exactly
// equal values for the rule to apply.
type RuleMatch struct {
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// Destination redirects matched traffic to a different service
type Destination struct {
	Service string `json:"service"`
	Weight  int    `json:"weight,omitempty"`
}

// FaultInjection configures probabilistic delay and abort faults. The two
// percentages are independent trials, not mutually exclusive.
type FaultInjection struct {
	DelayPercent float64       `json:"delay_percent,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	AbortPercent float64       `json:"abort_percent,omitempty"`
	AbortStatus  int           `json:"abort_status,omitempty"`
}

// MirrorTarget names a service that should receive a copy of matched
// traffic. Mirroring execution is the caller's responsibility; the router
// only surfaces the target.
type MirrorTarget struct {
	Service string  `json:"service"`
	Percent float64 `json:"percent,omitempty"`
}

// Request is the routing-relevant shape of an inbound request
type Request struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// RouteResult is the outcome of a successful routing decision
type RouteResult struct {
	Endpoint *Endpoint     `json:"endpoint"`
	Route    *Route        `json:"route"`
	Mirror   *MirrorTarget `json:"mirror,omitempty"`
	// Delay is a fault-injected latency the caller should apply before
	// dispatching. Zero when no delay fault fired.
	Delay time.Duration `json:"delay,omitempty"`
}

// EndpointMetrics accretes per-endpoint request counters and coarse latency
// percentiles: p50 is an exponential blend toward each new latency, p95/p99
// are running maxima. Reset only by explicit administrative action.
type EndpointMetrics struct {
	TotalRequests   int64   `json:"total_requests"`
	SuccessRequests int64   `json:"success_requests"`
	ErrorRequests   int64   `json:"error_requests"`
	P50LatencyMs    float64 `json:"p50_latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	P99LatencyMs    float64 `json:"p99_latency_ms"`
}

// ServiceInfo is the discovery view of one service and its endpoints
type ServiceInfo struct {
	Service   string     `json:"service"`
	Endpoints []Endpoint `json:"endpoints"`
}

// BreakerStatus is a point-in-time snapshot of one endpoint's breaker
type BreakerStatus struct {
	EndpointID   string       `json:"endpoint_id"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	LastFailure  time.Time    `json:"last_failure,omitempty"`
	NextAttempt  time.Time    `json:"next_attempt,omitempty"`
}
