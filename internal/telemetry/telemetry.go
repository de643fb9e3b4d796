// Package telemetry carries fire-and-forget operation events.
//
// Every save, load, conflict, enqueue, drain, dead-letter and snapshot event is
// reported as an Event. Emitting never blocks and never fails the operation
// being reported: Async drops events when its buffer is full and Emit
// recovers from panicking sinks.
package telemetry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the reported operation.
type Kind string

const (
	KindSave       Kind = "save"
	KindLoad       Kind = "load"
	KindConflict   Kind = "conflict"
	KindEnqueue    Kind = "enqueue"
	KindDrain      Kind = "drain"
	KindDeadLetter Kind = "dead_letter"
	KindSnapshot   Kind = "snapshot"
)

// Event is one telemetry record. It never carries document content.
type Event struct {
	Kind      Kind
	Key       string
	Success   bool
	Latency   time.Duration
	ErrorCode string

	Revision uint64
	Attempt  int
	// Outcome is set for conflict events (resolved-merged, resolved-user-choice, abandoned).
	Outcome string
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Event) {}

// Func adapts a function to Sink.
type Func func(Event)

// Emit implements Sink.
func (f Func) Emit(e Event) { f(e) }

// Emit delivers e to s, swallowing any panic raised by the sink.
// A nil sink is allowed.
func Emit(s Sink, e Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Emit(e)
}

// Multi fans each event out to every sink.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		Emit(s, e)
	}
}

// LogSink writes events through slog at debug level, failures at warn.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (l LogSink) Emit(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"kind", string(e.Kind),
		"key", e.Key,
		"success", e.Success,
		"latency_ms", e.Latency.Milliseconds(),
	}
	if e.Revision > 0 {
		attrs = append(attrs, "revision", e.Revision)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Outcome != "" {
		attrs = append(attrs, "outcome", e.Outcome)
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, "error_code", e.ErrorCode)
	}
	if e.Success {
		logger.Debug("telemetry", attrs...)
		return
	}
	logger.Warn("telemetry", attrs...)
}

// Async decouples emitters from a slow sink with a bounded buffer.
// When the buffer is full the event is dropped and counted.
type Async struct {
	next    Sink
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// NewAsync starts a delivery goroutine feeding next. Call Close to stop it.
func NewAsync(next Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:   next,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.events {
		Emit(a.next, e)
	}
}

// Emit implements Sink. Never blocks.
func (a *Async) Emit(e Event) {
	defer func() {
		// Send on a closed channel after Close.
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for buffered ones to be delivered.
func (a *Async) Close() {
	a.once.Do(func() { close(a.events) })
	<-a.done
}

// Recorder keeps every event in memory. Used by tests, the scenario harness
// and the CLI summary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns the recorded events of one kind.
func (r *Recorder) Filter(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// LatencyStats summarizes the latency of a set of events.
type LatencyStats struct {
	Count    int
	Failures int
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	P50      time.Duration
	P95      time.Duration
}

// Stats computes latency statistics for one kind.
func (r *Recorder) Stats(kind Kind) LatencyStats {
	events := r.Filter(kind)
	if len(events) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(events))
	var sum time.Duration
	failures := 0
	for i, e := range events {
		sorted[i] = e.Latency
		sum += e.Latency
		if !e.Success {
			failures++
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyStats{
		Count:    len(sorted),
		Failures: failures,
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Mean:     sum / time.Duration(len(sorted)),
		P50:      sorted[len(sorted)*50/100],
		P95:      sorted[len(sorted)*95/100],
	}
}
