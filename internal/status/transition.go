package status

import (
	"errors"
	"fmt"
)

// State is the sync state of one document.
type State string

const (
	StateSynced        State = "synced"
	StateSyncing       State = "syncing"
	StateQueuedOffline State = "queued-offline"
	StateError         State = "error"
	StateConflict      State = "conflict"
)

// Trigger is an input to the state machine.
type Trigger string

const (
	// TriggerAttempt: a write (foreground or drained) starts.
	TriggerAttempt Trigger = "attempt"
	// TriggerCommitted: the write committed.
	TriggerCommitted Trigger = "committed"
	// TriggerQueued: the write was handed to the offline queue.
	TriggerQueued Trigger = "queued"
	// TriggerFailed: non-recoverable failure.
	TriggerFailed Trigger = "failed"
	// TriggerConflict: the resolver reported an unresolved conflict.
	TriggerConflict Trigger = "conflict"
	// TriggerResolved: a resolution choice is being applied.
	TriggerResolved Trigger = "resolved"
	// TriggerCleared: a failed write was discarded by the user.
	TriggerCleared Trigger = "cleared"
)

// ErrInvalidTransition is returned when a trigger does not apply to the current state.
var ErrInvalidTransition = errors.New("status: invalid transition")

// none is the state of a key that has never been tracked.
const none State = ""

type rule struct {
	from []State // nil means any state
	to   State
}

var transitions = map[Trigger]rule{
	TriggerAttempt:   {from: []State{none, StateSynced, StateQueuedOffline, StateError, StateSyncing}, to: StateSyncing},
	TriggerCommitted: {from: []State{StateSyncing}, to: StateSynced},
	TriggerQueued:    {from: []State{none, StateSyncing, StateSynced, StateQueuedOffline, StateError}, to: StateQueuedOffline},
	TriggerFailed:    {from: []State{StateSyncing, StateQueuedOffline}, to: StateError},
	TriggerConflict:  {from: nil, to: StateConflict},
	TriggerResolved:  {from: []State{StateConflict}, to: StateSyncing},
	TriggerCleared:   {from: []State{StateError}, to: StateSynced},
}

// next returns the state reached from cur on t.
func next(cur State, t Trigger) (State, error) {
	r, ok := transitions[t]
	if !ok {
		return cur, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTransition, t)
	}
	if r.from == nil {
		return r.to, nil
	}
	for _, s := range r.from {
		if s == cur {
			return r.to, nil
		}
	}
	return cur, fmt.Errorf("%w: %s on %q", ErrInvalidTransition, t, displayState(cur))
}

func displayState(s State) string {
	if s == none {
		return "untracked"
	}
	return string(s)
}
