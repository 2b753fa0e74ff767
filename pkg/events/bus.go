// Package events implements the control plane's notification bus. External
// consumers (the cleanup engine, dashboards, WebSocket broadcasters) subscribe
// here; the mesh and the resource monitor publish and never call consumers
// directly.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a notification emitted by the control plane. The names are
// a contract with external consumers and must not be renamed.
type Type string

const (
	TypeServiceRegistered    Type = "serviceRegistered"
	TypeServiceDeregistered  Type = "serviceDeregistered"
	TypeRouteCreated         Type = "routeCreated"
	TypeRouteRemoved         Type = "routeRemoved"
	TypeTrafficPolicySet     Type = "trafficPolicySet"
	TypeHealthChanged        Type = "healthChanged"
	TypeCircuitBreakerOpened Type = "circuitBreakerOpened"
	TypeRequestRecorded      Type = "requestRecorded"
	TypeMetricsCollected     Type = "metricsCollected"
	TypeAlertCreated         Type = "alertCreated"
	TypeAlertAcknowledged    Type = "alertAcknowledged"
	TypeLimitsUpdated        Type = "limitsUpdated"
)

// Event is a single notification with a JSON-serializable payload.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Subscription receives events on C until Unsubscribe is called.
type Subscription struct {
	C   <-chan Event
	bus *Bus
	ch  chan Event

	mu     sync.Mutex
	closed bool
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// send delivers the event without blocking. The closed flag is checked under
// the same mutex that guards close, so a publish racing an unsubscribe never
// sends on the closed channel. Returns false when the buffer was full.
func (s *Subscription) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Bus is a fan-out publish-subscribe hub with a bounded replayable history.
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and the per-bus drop counter is incremented.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	history     []Event
	maxHistory  int
	dropped     uint64
	now         func() time.Time
}

// DefaultHistorySize is how many recent events the bus retains for late
// subscribers (dashboards backfilling after reconnect).
const DefaultHistorySize = 256

// NewBus creates an event bus retaining up to maxHistory recent events.
func NewBus(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistorySize
	}
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		history:     make([]Event, 0, maxHistory),
		maxHistory:  maxHistory,
		now:         time.Now,
	}
}

// Subscribe registers a subscriber with the given channel buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	delete(b.subscribers, sub)
	b.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()
}

// Publish emits an event to all current subscribers and appends it to the
// history. Safe for concurrent use.
func (b *Bus) Publish(eventType Type, payload any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: b.now(),
		Payload:   payload,
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = append(b.history[1:], event)
	} else {
		b.history = append(b.history, event)
	}
	subs := make([]*Subscription, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(event) {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
	return event
}

// Recent returns up to limit of the most recent events, oldest first.
// limit <= 0 returns the full retained history.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(b.history) {
		start = len(b.history) - limit
	}
	out := make([]Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}

// Dropped reports how many events were not delivered because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
