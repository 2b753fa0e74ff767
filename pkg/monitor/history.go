package monitor

import (
	"time"
)

// DefaultHistorySize bounds per-container history: 720 samples is one hour
// at the default 5s collection interval.
const DefaultHistorySize = 720

// sampleRing is a fixed-capacity ring buffer of samples for one container.
// Append-only in insertion order; inserting past capacity evicts the oldest.
// Not safe for concurrent use; the Monitor serializes access.
type sampleRing struct {
	samples []*ResourceMetrics
	head    int // index of the oldest sample
	size    int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &sampleRing{samples: make([]*ResourceMetrics, capacity)}
}

func (r *sampleRing) push(sample *ResourceMetrics) {
	tail := (r.head + r.size) % len(r.samples)
	r.samples[tail] = sample
	if r.size < len(r.samples) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.samples)
	}
}

func (r *sampleRing) len() int { return r.size }

// latest returns the newest sample, or nil when empty
func (r *sampleRing) latest() *ResourceMetrics {
	if r.size == 0 {
		return nil
	}
	return r.samples[(r.head+r.size-1)%len(r.samples)]
}

// snapshot returns the retained samples oldest first
func (r *sampleRing) snapshot() []*ResourceMetrics {
	out := make([]*ResourceMetrics, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.samples[(r.head+i)%len(r.samples)])
	}
	return out
}

// tail returns up to n of the newest samples, oldest first
func (r *sampleRing) tail(n int) []*ResourceMetrics {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]*ResourceMetrics, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.samples[(r.head+i)%len(r.samples)])
	}
	return out
}

// since returns the samples with a timestamp at or after cutoff, oldest first
func (r *sampleRing) since(cutoff time.Time) []*ResourceMetrics {
	out := make([]*ResourceMetrics, 0)
	for i := 0; i < r.size; i++ {
		sample := r.samples[(r.head+i)%len(r.samples)]
		if !sample.Timestamp.Before(cutoff) {
			out = append(out, sample)
		}
	}
	return out
}

// pruneOlderThan drops samples with a timestamp before cutoff. Samples are
// time-ordered, so eviction advances the head until the oldest survivor.
func (r *sampleRing) pruneOlderThan(cutoff time.Time) int {
	pruned := 0
	for r.size > 0 {
		oldest := r.samples[r.head]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		r.samples[r.head] = nil
		r.head = (r.head + 1) % len(r.samples)
		r.size--
		pruned++
	}
	return pruned
}
