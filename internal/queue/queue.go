// Package queue is the durable offline queue of pending commits.
//
// The whole queue is one JSON state record in the local KV, read and written
// back on every mutation. There is at most one pending operation per key:
// enqueuing for a key that is already pending replaces its payload.
// Operations that exhaust their attempts move to a dead-letter list and are
// only retried on request.
//
// The queue reports its lifecycle as typed events on subscribed Streams and
// never calls back into its consumers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/ids"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/lock"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/telemetry"
)

const (
	DefaultCapacity    = 50
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultMaxAttempts = 5

	stateKey = "queue/state"
)

// ErrNotFound is returned for an unknown operation or dead letter.
var ErrNotFound = errors.New("queue: operation not found")

// FullError rejects an enqueue when the queue is at capacity.
type FullError struct {
	Key      string
	Capacity int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue full: %d pending operations; %s not queued", e.Capacity, e.Key)
}

// CapacityExceeded marks the error as a capacity failure for classification.
func (e *FullError) CapacityExceeded() bool { return true }

// ErrQueueFull matches any *FullError with errors.Is.
var ErrQueueFull = &FullError{}

// Is reports whether target is ErrQueueFull.
func (e *FullError) Is(target error) bool { return target == ErrQueueFull }

// Handler commits one operation and returns the committed revision.
// It runs while the operation's key is held in the lock registry.
type Handler func(ctx context.Context, op Operation) (uint64, error)

// Options configures a Queue. Zero values take the defaults.
type Options struct {
	Capacity    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Locks serializes drained operations with foreground writes. Required.
	Locks *lock.Registry

	// DrainLock, when set, makes Drain exclusive across processes.
	DrainLock *lock.ProcessLock

	IDs       ids.Generator
	Clock     clock.Clock
	Logger    *slog.Logger
	Telemetry telemetry.Sink
}

// Queue is the offline queue.
type Queue struct {
	kv       localstore.KV
	capacity int
	policy   Policy
	locks    *lock.Registry
	plock    *lock.ProcessLock
	ids      ids.Generator
	clock    clock.Clock
	logger   *slog.Logger
	sink     telemetry.Sink

	mu      sync.Mutex // guards state read-modify-write
	drainMu sync.Mutex
	bus     broadcaster
}

// Open creates a queue over kv and checks that any persisted state decodes.
func Open(ctx context.Context, kv localstore.KV, opts Options) (*Queue, error) {
	if opts.Locks == nil {
		return nil, errors.New("queue: lock registry is required")
	}
	q := &Queue{
		kv:       kv,
		capacity: opts.Capacity,
		policy: Policy{
			BaseDelay:   opts.BaseDelay,
			MaxDelay:    opts.MaxDelay,
			MaxAttempts: opts.MaxAttempts,
		},
		locks:  opts.Locks,
		plock:  opts.DrainLock,
		ids:    ids.Or(opts.IDs),
		clock:  clock.Or(opts.Clock),
		logger: opts.Logger,
		sink:   opts.Telemetry,
	}
	if q.capacity <= 0 {
		q.capacity = DefaultCapacity
	}
	if q.policy.BaseDelay <= 0 {
		q.policy.BaseDelay = DefaultBaseDelay
	}
	if q.policy.MaxDelay <= 0 {
		q.policy.MaxDelay = DefaultMaxDelay
	}
	if q.policy.MaxAttempts <= 0 {
		q.policy.MaxAttempts = DefaultMaxAttempts
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if _, err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Subscribe returns a new event stream. Close it to unsubscribe.
func (q *Queue) Subscribe() *Stream {
	return q.bus.subscribe()
}

func (q *Queue) load(ctx context.Context) (State, error) {
	raw, err := q.kv.Get(ctx, stateKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load queue state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, syncerr.New(syncerr.CodeCorrupt, "load queue state", "", err)
	}
	return st, nil
}

func (q *Queue) store(ctx context.Context, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	if err := q.kv.Set(ctx, stateKey, raw); err != nil {
		return fmt.Errorf("store queue state: %w", err)
	}
	return nil
}

// update runs fn on the current state and persists the result.
// Nothing is persisted when fn fails.
func (q *Queue) update(ctx context.Context, fn func(st *State) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	return q.store(ctx, st)
}

// Enqueue queues payload for key, coalescing with a pending operation for the
// same key. Returns ErrQueueFull when a new operation would exceed capacity.
func (q *Queue) Enqueue(ctx context.Context, key string, p Payload) (Operation, error) {
	start := q.clock.Now()
	if err := doc.ValidateKey(key); err != nil {
		return Operation{}, syncerr.New(syncerr.CodeInternal, "enqueue", key, err)
	}
	var (
		op        Operation
		coalesced bool
	)
	err := q.update(ctx, func(st *State) error {
		if _, ok := st.Pending(key); !ok && len(st.Ops) >= q.capacity {
			return &FullError{Key: key, Capacity: q.capacity}
		}
		op, coalesced = st.Upsert(q.ids.Generate(), key, p, q.clock.Now())
		return nil
	})

	ev := telemetry.Event{
		Kind:     telemetry.KindEnqueue,
		Key:      key,
		Success:  err == nil,
		Latency:  q.clock.Now().Sub(start),
		Revision: p.KnownRevision,
	}
	if err != nil {
		ev.ErrorCode = string(syncerr.CodeOf(err))
		telemetry.Emit(q.sink, ev)
		q.logger.Warn("enqueue rejected", "key", key, "code", ev.ErrorCode, "error", err)
		return Operation{}, syncerr.Wrap("enqueue", key, err)
	}
	telemetry.Emit(q.sink, ev)

	q.logger.Debug("operation queued", "key", key, "op", op.ID, "coalesced", coalesced)
	q.bus.publish(Event{Type: EventEnqueued, OpID: op.ID, Key: key, Coalesced: coalesced, NextRetryAt: op.NextRetryAt})
	return op, nil
}

// List returns pending operations in creation order.
func (q *Queue) List(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]Operation(nil), st.Ops...)
	sortBySeq(out)
	return out, nil
}

// Pending returns the pending operation for key, if any.
func (q *Queue) Pending(ctx context.Context, key string) (Operation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load(ctx)
	if err != nil {
		return Operation{}, false, err
	}
	op, ok := st.Pending(key)
	return op, ok, nil
}

// Len returns the number of pending operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(st.Ops), nil
}

// DeadLetters returns dead-lettered operations, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]Operation(nil), st.Dead...), nil
}

// RetryDeadLetter moves a dead letter back to the pending list with its
// attempts reset, subject to the same coalescing as Enqueue.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := q.update(ctx, func(st *State) error {
		if _, exists := st.Pending(deadKey(st, id)); !exists && len(st.Ops) >= q.capacity {
			return &FullError{Key: deadKey(st, id), Capacity: q.capacity}
		}
		var err error
		op, err = st.Revive(id, q.clock.Now())
		return err
	})
	if err != nil {
		return Operation{}, err
	}
	q.logger.Info("dead letter requeued", "key", op.Key, "op", op.ID)
	q.bus.publish(Event{Type: EventRevived, OpID: op.ID, Key: op.Key, NextRetryAt: op.NextRetryAt})
	return op, nil
}

func deadKey(st *State, id string) string {
	if i := st.deadIndexOf(id); i >= 0 {
		return st.Dead[i].Key
	}
	return ""
}

// Discard drops a dead letter permanently.
func (q *Queue) Discard(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := q.update(ctx, func(st *State) error {
		var err error
		op, err = st.Discard(id)
		return err
	})
	if err != nil {
		return Operation{}, err
	}
	q.logger.Info("dead letter discarded", "key", op.Key, "op", op.ID)
	q.bus.publish(Event{Type: EventDiscarded, OpID: op.ID, Key: op.Key})
	return op, nil
}

// Report summarizes one drain pass.
type Report struct {
	// Skipped is set when another drain held the drain lock.
	Skipped      bool
	Attempted    int
	Drained      int
	Retrying     int
	DeadLettered int
	Conflicted   int
	Remaining    int
}

// Drain attempts every due operation in creation order.
func (q *Queue) Drain(ctx context.Context, h Handler) (Report, error) {
	return q.drain(ctx, h, false)
}

// Flush attempts every pending operation regardless of its retry time.
func (q *Queue) Flush(ctx context.Context, h Handler) (Report, error) {
	return q.drain(ctx, h, true)
}

func (q *Queue) drain(ctx context.Context, h Handler, force bool) (Report, error) {
	if !q.drainMu.TryLock() {
		return Report{Skipped: true}, nil
	}
	defer q.drainMu.Unlock()

	if q.plock != nil {
		ok, err := q.plock.TryLock()
		if err != nil {
			return Report{}, fmt.Errorf("drain lock: %w", err)
		}
		if !ok {
			q.logger.Debug("drain skipped, another process holds the drain lock", "path", q.plock.Path())
			return Report{Skipped: true}, nil
		}
		defer func() {
			if err := q.plock.Unlock(); err != nil {
				q.logger.Warn("drain unlock failed", "error", err)
			}
		}()
	}

	q.mu.Lock()
	st, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return Report{}, err
	}
	due := st.Due(q.clock.Now())
	if force {
		due = append([]Operation(nil), st.Ops...)
		sortBySeq(due)
	}

	var rep Report
	for _, candidate := range due {
		if ctx.Err() != nil {
			break
		}
		if err := q.drainOne(ctx, h, candidate.ID, &rep); err != nil {
			return rep, err
		}
	}

	n, err := q.Len(context.WithoutCancel(ctx))
	if err != nil {
		return rep, err
	}
	rep.Remaining = n
	if rep.Attempted > 0 {
		q.logger.Info("queue drained",
			"attempted", rep.Attempted,
			"drained", rep.Drained,
			"retrying", rep.Retrying,
			"dead_lettered", rep.DeadLettered,
			"conflicted", rep.Conflicted,
			"remaining", rep.Remaining)
	}
	return rep, nil
}

// drainOne commits one operation under its key lock. The operation is re-read
// once the lock is held so the latest coalesced payload is sent.
func (q *Queue) drainOne(ctx context.Context, h Handler, id string, rep *Report) error {
	var (
		rev   uint64
		op    Operation
		found bool
	)
	lockErr := q.locks.Do(ctx, q.keyFor(ctx, id), func(ctx context.Context) error {
		q.mu.Lock()
		st, err := q.load(ctx)
		q.mu.Unlock()
		if err != nil {
			return err
		}
		op, found = st.Get(id)
		if !found {
			return nil
		}
		rep.Attempted++
		q.bus.publish(Event{Type: EventDrainStarted, OpID: op.ID, Key: op.Key, Attempt: op.Attempts + 1})
		start := q.clock.Now()
		rev, err = h(ctx, op)
		if err != nil && ctx.Err() != nil {
			// Interrupted, not failed: the attempt is not counted.
			return ctx.Err()
		}
		q.finish(context.WithoutCancel(ctx), op, rev, err, start, rep)
		return nil
	})
	if lockErr != nil && ctx.Err() == nil {
		return lockErr
	}
	return nil
}

// keyFor resolves an operation ID to its key. An unknown ID yields an empty
// key whose lock is uncontended.
func (q *Queue) keyFor(ctx context.Context, id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.load(ctx)
	if err != nil {
		return ""
	}
	if op, ok := st.Get(id); ok {
		return op.Key
	}
	return ""
}

// finish records the outcome of one attempt.
func (q *Queue) finish(ctx context.Context, op Operation, rev uint64, herr error, start time.Time, rep *Report) {
	now := q.clock.Now()
	ev := telemetry.Event{
		Kind:     telemetry.KindDrain,
		Key:      op.Key,
		Success:  herr == nil,
		Latency:  now.Sub(start),
		Revision: rev,
		Attempt:  op.Attempts + 1,
	}

	if herr == nil {
		var superseded bool
		err := q.update(ctx, func(st *State) error {
			superseded = !st.Complete(op)
			return nil
		})
		if err != nil {
			q.logger.Error("failed to record drained operation", "key", op.Key, "op", op.ID, "error", err)
		}
		telemetry.Emit(q.sink, ev)
		rep.Drained++
		q.bus.publish(Event{Type: EventDrained, OpID: op.ID, Key: op.Key, Revision: rev, Pending: superseded, Attempt: ev.Attempt})
		return
	}

	code := syncerr.CodeOf(herr)
	ev.ErrorCode = string(code)
	telemetry.Emit(q.sink, ev)

	if code == syncerr.CodeConflict {
		if err := q.update(ctx, func(st *State) error {
			st.Complete(op)
			return nil
		}); err != nil {
			q.logger.Error("failed to remove conflicted operation", "key", op.Key, "op", op.ID, "error", err)
		}
		rep.Conflicted++
		var pending interface{ ConflictID() string }
		conflictID := ""
		if errors.As(herr, &pending) {
			conflictID = pending.ConflictID()
		}
		q.logger.Info("queued operation conflicted", "key", op.Key, "op", op.ID, "conflict", conflictID)
		q.bus.publish(Event{Type: EventConflicted, OpID: op.ID, Key: op.Key, ConflictID: conflictID, ErrorCode: string(code), Attempt: ev.Attempt})
		return
	}

	terminal := code == syncerr.CodeUnauthorized || code == syncerr.CodeCorrupt || code == syncerr.CodeUnknownState
	var (
		cur  Operation
		dead bool
	)
	if err := q.update(ctx, func(st *State) error {
		if c, ok := st.Get(op.ID); ok && c.Version != op.Version {
			// Replaced while in flight; the new payload starts fresh.
			cur = c
			return nil
		}
		cur, dead = st.Fail(op, q.policy, string(code), herr.Error(), terminal, now)
		return nil
	}); err != nil {
		q.logger.Error("failed to record drain failure", "key", op.Key, "op", op.ID, "error", err)
		return
	}

	if dead {
		rep.DeadLettered++
		telemetry.Emit(q.sink, telemetry.Event{
			Kind:      telemetry.KindDeadLetter,
			Key:       op.Key,
			Attempt:   cur.Attempts,
			ErrorCode: string(code),
		})
		q.logger.Warn("operation dead-lettered",
			"key", op.Key, "op", op.ID, "attempt", cur.Attempts, "code", code, "error", herr)
		q.bus.publish(Event{Type: EventDeadLettered, OpID: op.ID, Key: op.Key, Attempt: cur.Attempts, ErrorCode: string(code), Error: herr.Error()})
		return
	}

	rep.Retrying++
	q.logger.Info("queued operation failed, retry scheduled",
		"key", op.Key, "op", op.ID, "attempt", cur.Attempts, "next_retry_at", cur.NextRetryAt, "code", code)
	q.bus.publish(Event{Type: EventRetryScheduled, OpID: op.ID, Key: op.Key, Attempt: cur.Attempts, NextRetryAt: cur.NextRetryAt, ErrorCode: string(code), Error: herr.Error()})
}
