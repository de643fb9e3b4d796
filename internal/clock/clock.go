// Package clock provides the time sources used by the sync components.
//
// Wall time drives retry backoff, cache TTLs and snapshot retention. It is
// always read through Clock so tests can substitute a manual clock.
// Sequence is a logical counter used where ordering must not depend on wall time.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Or returns c, or System when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}

// Sequence is a monotonic logical counter.
//
// Safe for concurrent use. Each call to Next returns a unique, increasing value.
type Sequence struct {
	seq atomic.Int64
}

// NewSequenceAt creates a sequence whose next value is start+1.
// Used to resume ordering from persisted state.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued number without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}

// Observe raises the sequence to at least v.
func (s *Sequence) Observe(v int64) {
	for {
		cur := s.seq.Load()
		if v <= cur || s.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}
