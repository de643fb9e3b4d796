// Package status tracks the sync state of every document.
//
// Status records are mutated only through Apply, which enforces the
// transition table, and are persisted in the local KV so a reload never shows
// a stale synced state for a write that was actually in flight. Queue
// activity arrives as typed events (Pump, Follow); the queue never calls into
// this package.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/queue"
	"github.com/roach88/docsync/internal/syncerr"
)

const prefix = "status/"

// ErrorInfo describes the last failure for a key. It never carries content.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}

// Status is the persisted sync status of one key.
type Status struct {
	Key          string     `json:"key"`
	State        State      `json:"state"`
	Revision     uint64     `json:"revision,omitempty"`
	LastError    *ErrorInfo `json:"last_error,omitempty"`
	LastSyncedAt time.Time  `json:"last_synced_at,omitzero"`
	ConflictID   string     `json:"conflict_id,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Transition is one input to Apply.
type Transition struct {
	Trigger Trigger
	// Revision is the committed revision for TriggerCommitted.
	Revision   uint64
	Err        error
	Attempt    int
	ConflictID string
}

// Change is delivered to watchers after every applied transition.
type Change struct {
	From   State
	Status Status
}

// Options configures a Manager.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns every status record.
type Manager struct {
	kv     localstore.KV
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	pumpMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[int]chan Change
	nextID   int
}

// New creates a manager over kv.
func New(kv localstore.KV, opts Options) *Manager {
	m := &Manager{
		kv:       kv,
		clock:    clock.Or(opts.Clock),
		logger:   opts.Logger,
		watchers: make(map[int]chan Change),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func recordKey(key string) string { return prefix + key }

func (m *Manager) get(ctx context.Context, key string) (Status, bool, error) {
	raw, err := m.kv.Get(ctx, recordKey(key))
	if errors.Is(err, localstore.ErrNotFound) {
		return Status{Key: key}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("load status %s: %w", key, err)
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return Status{}, false, syncerr.New(syncerr.CodeCorrupt, "load status", key, err)
	}
	return s, true, nil
}

func (m *Manager) put(ctx context.Context, s Status) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status %s: %w", s.Key, err)
	}
	if err := m.kv.Set(ctx, recordKey(s.Key), raw); err != nil {
		return fmt.Errorf("store status %s: %w", s.Key, err)
	}
	return nil
}

// Get returns the status of key. The bool is false for an untracked key.
func (m *Manager) Get(ctx context.Context, key string) (Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(ctx, key)
}

// List returns every tracked status ordered by key.
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list status: %w", err)
	}
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		var s Status
		if err := json.Unmarshal(e.Value, &s); err != nil {
			m.logger.Warn("skipping unreadable status record", "key", strings.TrimPrefix(e.Key, prefix), "error", err)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Apply runs one transition for key and persists the result.
// Returns ErrInvalidTransition, leaving the record untouched, when the
// trigger does not apply to the current state.
func (m *Manager) Apply(ctx context.Context, key string, tr Transition) (Status, error) {
	m.mu.Lock()
	cur, _, err := m.get(ctx, key)
	if err != nil {
		m.mu.Unlock()
		return Status{}, err
	}
	to, err := next(cur.State, tr.Trigger)
	if err != nil {
		m.mu.Unlock()
		return cur, fmt.Errorf("status %s: %w", key, err)
	}

	now := m.clock.Now()
	upd := cur
	upd.Key = key
	upd.State = to
	upd.UpdatedAt = now
	switch tr.Trigger {
	case TriggerCommitted:
		upd.Revision = tr.Revision
		upd.LastSyncedAt = now
		upd.LastError = nil
		upd.ConflictID = ""
	case TriggerCleared:
		upd.LastError = nil
	case TriggerConflict:
		upd.ConflictID = tr.ConflictID
	case TriggerResolved:
		upd.ConflictID = ""
	}
	if tr.Err != nil {
		upd.LastError = &ErrorInfo{
			Code:    string(syncerr.CodeOf(tr.Err)),
			Message: tr.Err.Error(),
			Attempt: tr.Attempt,
		}
	}
	if err := m.put(ctx, upd); err != nil {
		m.mu.Unlock()
		return cur, err
	}
	m.mu.Unlock()

	if cur.State != to {
		m.logger.Debug("status changed", "key", key, "from", displayState(cur.State), "to", to, "trigger", tr.Trigger)
	}
	m.notify(Change{From: cur.State, Status: upd})
	return upd, nil
}

// Watch returns a channel of changes and a function that stops the watch.
// Changes are dropped, not queued, when the channel buffer is full.
func (m *Manager) Watch(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.watchMu.Lock()
			delete(m.watchers, id)
			m.watchMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) notify(c Change) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- c:
		default:
			m.logger.Debug("status watcher full, change dropped", "key", c.Status.Key)
		}
	}
}

// transitionFor maps a queue event onto the state machine.
func transitionFor(e queue.Event) (Transition, bool) {
	var evErr error
	if e.ErrorCode != "" {
		evErr = syncerr.New(syncerr.Code(e.ErrorCode), string(e.Type), e.Key, errors.New(e.Error))
	}
	switch e.Type {
	case queue.EventEnqueued, queue.EventRevived:
		return Transition{Trigger: TriggerQueued}, true
	case queue.EventDrainStarted:
		return Transition{Trigger: TriggerAttempt, Attempt: e.Attempt}, true
	case queue.EventDrained:
		if e.Pending {
			return Transition{Trigger: TriggerQueued}, true
		}
		return Transition{Trigger: TriggerCommitted, Revision: e.Revision}, true
	case queue.EventRetryScheduled:
		return Transition{Trigger: TriggerQueued, Err: evErr, Attempt: e.Attempt}, true
	case queue.EventDeadLettered:
		return Transition{Trigger: TriggerFailed, Err: evErr, Attempt: e.Attempt}, true
	case queue.EventConflicted:
		return Transition{Trigger: TriggerConflict, ConflictID: e.ConflictID}, true
	case queue.EventDiscarded:
		return Transition{Trigger: TriggerCleared}, true
	default:
		return Transition{}, false
	}
}

// Handle applies one queue event. Events that do not fit the current state
// are logged and ignored.
func (m *Manager) Handle(ctx context.Context, e queue.Event) {
	tr, ok := transitionFor(e)
	if !ok {
		return
	}
	if _, err := m.Apply(ctx, e.Key, tr); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			m.logger.Debug("queue event ignored", "key", e.Key, "event", e.Type, "error", err)
			return
		}
		m.logger.Warn("failed to apply queue event", "key", e.Key, "event", e.Type, "error", err)
	}
}

// Pump applies every event currently buffered on s and returns how many were
// handled. Concurrent pumps are serialized so events apply in order.
func (m *Manager) Pump(ctx context.Context, s *queue.Stream) int {
	m.pumpMu.Lock()
	defer m.pumpMu.Unlock()
	n := 0
	for {
		e, ok := s.TryNext()
		if !ok {
			return n
		}
		m.Handle(ctx, e)
		n++
	}
}

// Follow pumps s until ctx ends or the stream is closed.
func (m *Manager) Follow(ctx context.Context, s *queue.Stream) error {
	for {
		m.Pump(ctx, s)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.Wait():
			if !ok {
				m.Pump(ctx, s)
				return nil
			}
		}
	}
}

// PendingLookup reports whether the offline queue holds an operation for a key.
type PendingLookup interface {
	Pending(ctx context.Context, key string) (queue.Operation, bool, error)
}

// ErrInterrupted is recorded for a write that was in flight when the process stopped.
var ErrInterrupted = syncerr.New(syncerr.CodeUnknownState, "recover", "", errors.New("interrupted while syncing"))

// Recover repairs records left in syncing by a previous process. A key with a
// queued operation becomes queued-offline; any other becomes error with
// UNKNOWN_STATE. Returns the repaired records.
func (m *Manager) Recover(ctx context.Context, pending PendingLookup) ([]Status, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var repaired []Status
	for _, s := range all {
		if s.State != StateSyncing {
			continue
		}
		_, queued, err := pending.Pending(ctx, s.Key)
		if err != nil {
			return repaired, err
		}
		tr := Transition{Trigger: TriggerFailed, Err: ErrInterrupted}
		if queued {
			tr = Transition{Trigger: TriggerQueued}
		}
		upd, err := m.Apply(ctx, s.Key, tr)
		if err != nil {
			return repaired, err
		}
		m.logger.Info("recovered interrupted sync", "key", s.Key, "state", upd.State)
		repaired = append(repaired, upd)
	}
	return repaired, nil
}
