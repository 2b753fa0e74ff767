package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(4)
	defer sub.Unsubscribe()

	published := bus.Publish(TypeServiceRegistered, map[string]string{"service": "agent-session"})

	select {
	case got := <-sub.C:
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, TypeServiceRegistered, got.Type)
		assert.NotEmpty(t, got.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(1)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(TypeMetricsCollected, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(9), bus.Dropped())
}

func TestHistoryBoundedOldestEvicted(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(TypeAlertCreated, i)
	}

	recent := bus.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].Payload)
	assert.Equal(t, 4, recent[2].Payload)

	limited := bus.Recent(2)
	require.Len(t, limited, 2)
	assert.Equal(t, 3, limited[0].Payload)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe(1)
	sub.Unsubscribe()

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(TypeHealthChanged, nil)

	// Double unsubscribe is a no-op.
	sub.Unsubscribe()
}

// A publish racing an unsubscribe must not send on the closed channel.
func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus(16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			bus.Publish(TypeHealthChanged, i)
		}
	}()

	for i := 0; i < 2000; i++ {
		sub := bus.Subscribe(1)
		sub.Unsubscribe()
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publisher did not finish")
	}
}
