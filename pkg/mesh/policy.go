package mesh

import (
	"math/rand"
	"sync"
	"time"
)

// PolicyDecision is the outcome of evaluating a traffic policy against one
// request. Zero-value decision means "no rule matched, proceed unchanged".
type PolicyDecision struct {
	// Service is the destination service after any redirection.
	Service string
	// Abort is non-nil when an abort fault fired for this request.
	Abort *FaultAbortError
	// Delay is a fault-injected latency for the caller to apply.
	Delay time.Duration
	// Mirror is the advisory mirror target of the matched rule, if any.
	Mirror *MirrorTarget
	// Matched reports whether any rule applied.
	Matched bool
}

// PolicyEngine evaluates traffic policy rules. Each configured fault kind
// draws one independent random trial per request; delay and abort are not
// mutually exclusive.
type PolicyEngine struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// NewPolicyEngine creates a policy engine drawing fault trials from the
// given source. A nil source gets a time-seeded one.
func NewPolicyEngine(source rand.Source) *PolicyEngine {
	if source == nil {
		source = rand.NewSource(rand.Int63())
	}
	return &PolicyEngine{rand: rand.New(source)}
}

// Evaluate applies the first matching rule of policy to the request. The
// returned decision always carries the effective destination service.
func (pe *PolicyEngine) Evaluate(policy *TrafficPolicy, service string, req Request) PolicyDecision {
	decision := PolicyDecision{Service: service}
	if policy == nil {
		return decision
	}

	for i := range policy.Rules {
		rule := &policy.Rules[i]
		if !matches(rule.Match, req) {
			continue
		}
		decision.Matched = true

		if rule.Destination != nil && rule.Destination.Service != "" {
			decision.Service = rule.Destination.Service
		}
		if rule.Fault != nil {
			if rule.Fault.DelayPercent > 0 && pe.trial(rule.Fault.DelayPercent) {
				decision.Delay = rule.Fault.Delay
			}
			if rule.Fault.AbortPercent > 0 && pe.trial(rule.Fault.AbortPercent) {
				decision.Abort = &FaultAbortError{Service: service, Status: rule.Fault.AbortStatus}
			}
		}
		decision.Mirror = rule.Mirror

		// First matching rule wins; later rules are not evaluated.
		return decision
	}
	return decision
}

// matches reports whether every declared header and query pair is present in
// the request with an exactly equal value. An absent declared key fails the
// match.
func matches(match RuleMatch, req Request) bool {
	for key, want := range match.Headers {
		got, ok := req.Headers[key]
		if !ok || got != want {
			return false
		}
	}
	for key, want := range match.Query {
		got, ok := req.Query[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// trial draws one random trial against a percentage in [0,100]
func (pe *PolicyEngine) trial(percent float64) bool {
	if percent >= 100 {
		return true
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.rand.Float64()*100 < percent
}
