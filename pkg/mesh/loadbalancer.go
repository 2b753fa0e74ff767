package mesh

import (
	"math/rand"
	"sync"
)

// LoadBalancer selects a healthy endpoint for a service according to the
// route's configured strategy. It holds no per-service state beyond the
// random source; "round robin" is therefore a documented uniform-random
// approximation rather than true sequential rotation.
type LoadBalancer struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// NewLoadBalancer creates a load balancer drawing from the given source.
// A nil source gets a time-seeded one.
func NewLoadBalancer(source rand.Source) *LoadBalancer {
	if source == nil {
		source = rand.NewSource(rand.Int63())
	}
	return &LoadBalancer{rand: rand.New(source)}
}

// Pick returns the selected endpoint, or nil when no healthy endpoint
// exists. The input slice is not mutated.
func (lb *LoadBalancer) Pick(endpoints []*Endpoint, strategy Strategy) *Endpoint {
	healthy := make([]*Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Health == HealthHealthy {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	switch strategy {
	case StrategyWeighted:
		return lb.pickWeighted(healthy)
	case StrategyRoundRobin:
		return healthy[lb.intn(len(healthy))]
	case StrategyLeastConnections, StrategyIPHash:
		// No connection or client-IP tracking in this core; both degrade to
		// first healthy in list order.
		return healthy[0]
	default:
		return lb.pickWeighted(healthy)
	}
}

// pickWeighted draws a uniform value in [0, totalWeight) and walks the list
// subtracting each endpoint's weight until the remainder goes below zero.
// Selection frequency converges to weight/totalWeight; a zero-weight
// endpoint is never selected.
func (lb *LoadBalancer) pickWeighted(healthy []*Endpoint) *Endpoint {
	total := 0
	for _, ep := range healthy {
		if ep.Weight > 0 {
			total += ep.Weight
		}
	}
	if total <= 0 {
		return nil
	}

	remainder := lb.intn(total)
	for _, ep := range healthy {
		if ep.Weight <= 0 {
			continue
		}
		remainder -= ep.Weight
		if remainder < 0 {
			return ep
		}
	}
	// Unreachable while weights sum to total; kept as a safety net.
	return healthy[len(healthy)-1]
}

func (lb *LoadBalancer) intn(n int) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rand.Intn(n)
}
