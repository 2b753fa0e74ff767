package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance breaker time without sleeping
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time          { return c.current }
func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{current: time.Unix(1700000000, 0)} }

func withClock(cb *CircuitBreaker, c *fakeClock) { cb.now = c.now }

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     time.Second,
		HalfOpenQuota:    3,
	}
}

func TestBreakerFullCycle(t *testing.T) {
	clock := newFakeClock()
	var openedCount int
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), func(string) { openedCount++ })
	withClock(cb, clock)

	// closed -> open after the failure threshold
	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Equal(t, 1, openedCount)

	// rejected while open
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// open -> half-open lazily once the open duration elapses
	clock.advance(1100 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	// half-open -> closed after the success quota, counters reset
	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())

	status := cb.Status()
	assert.Zero(t, status.FailureCount)
	assert.Zero(t, status.SuccessCount)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	assert.Zero(t, cb.Status().FailureCount)

	// the streak starts over, so four more failures do not trip it
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil)
	withClock(cb, clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.advance(2 * time.Second)
	require.NoError(t, cb.Allow())
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())

	// a fresh next-attempt time was recorded
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	clock.advance(1100 * time.Millisecond)
	assert.NoError(t, cb.Allow())
}

func TestBreakerForceStates(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil)

	cb.ForceOpen()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	cb.ForceClose()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Allow())
	assert.Zero(t, cb.Status().FailureCount)
}

func TestBreakerDefaultsApplied(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", BreakerConfig{}, nil)
	assert.Equal(t, DefaultFailureThreshold, cb.config.FailureThreshold)
	assert.Equal(t, DefaultOpenDuration, cb.config.OpenDuration)
	assert.Equal(t, DefaultHalfOpenQuota, cb.config.HalfOpenQuota)
}
