package queue

import (
	"context"
	"sync"
	"time"
)

// EventType names a queue lifecycle event.
type EventType string

const (
	EventEnqueued       EventType = "enqueued"
	EventDrainStarted   EventType = "drain-started"
	EventDrained        EventType = "drained"
	EventRetryScheduled EventType = "retry-scheduled"
	EventDeadLettered   EventType = "dead-lettered"
	EventConflicted     EventType = "conflicted"
	EventRevived        EventType = "revived"
	EventDiscarded      EventType = "discarded"
)

// Event is a typed queue notification. Subscribers never call back into the queue.
type Event struct {
	Type        EventType
	OpID        string
	Key         string
	Attempt     int
	NextRetryAt time.Time
	// Revision is the committed revision for EventDrained.
	Revision uint64
	// Pending is set on EventDrained when a newer payload for the key is still queued.
	Pending   bool
	Coalesced bool
	ErrorCode string
	Error     string
	// ConflictID is set on EventConflicted when a pending conflict was opened.
	ConflictID string
}

// Stream is an unbounded FIFO of events for one subscriber.
//
// The queue publishes without blocking; the subscriber dequeues at its own
// pace. Wait returns a channel usable in select for context-aware waiting.
type Stream struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newStream() *Stream {
	return &Stream{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (s *Stream) publish(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events = append(s.events, e)

	// Non-blocking: a buffer of 1 coalesces multiple signals
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// TryNext dequeues without blocking.
func (s *Stream) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return Event{}, false
	}
	e := s.events[0]
	s.events[0] = Event{}
	if len(s.events) == 1 {
		s.events = s.events[:0]
	} else {
		s.events = s.events[1:]
	}
	return e, true
}

// Next blocks until an event is available, the stream is closed, or ctx ends.
// Returns false when the stream is closed and empty or ctx ended.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	for {
		if e, ok := s.TryNext(); ok {
			return e, true
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.signal:
		}
	}
}

// Wait returns a channel that signals when events may be available.
func (s *Stream) Wait() <-chan struct{} {
	return s.signal
}

// Close stops delivery and wakes any waiter.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signal)
}

// broadcaster fans events out to subscribed streams.
type broadcaster struct {
	mu      sync.Mutex
	streams []*Stream
}

func (b *broadcaster) subscribe() *Stream {
	s := newStream()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, s)
	return s
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.streams[:0]
	for _, s := range b.streams {
		if s.publish(e) {
			live = append(live, s)
		}
	}
	b.streams = live
}
