package queue

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Payload is a pending write. Content and Base are canonical JSON objects.
type Payload struct {
	Content       json.RawMessage `json:"content"`
	KnownRevision uint64          `json:"known_revision"`
	Base          json.RawMessage `json:"base,omitempty"`
}

// Operation is one pending or dead-lettered write.
type Operation struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Payload     Payload   `json:"payload"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	CreatedAt   time.Time `json:"created_at"`
	// Seq orders operations by creation; coalescing keeps it.
	Seq int64 `json:"seq"`
	// Version changes whenever the payload is replaced.
	Version   int       `json:"version"`
	LastError string    `json:"last_error,omitempty"`
	LastCode  string    `json:"last_code,omitempty"`
	DeadAt    time.Time `json:"dead_at,omitzero"`
}

// State is the entire queue as persisted.
type State struct {
	Seq  int64       `json:"seq"`
	Ops  []Operation `json:"ops"`
	Dead []Operation `json:"dead"`
}

// Policy bounds retries.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay returns the wait after the given number of failed attempts:
// BaseDelay doubling per attempt, capped at MaxDelay.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := p.BaseDelay
	for range attempts - 1 {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

func (s *State) indexOf(id string) int {
	for i := range s.Ops {
		if s.Ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) indexOfKey(key string) int {
	for i := range s.Ops {
		if s.Ops[i].Key == key {
			return i
		}
	}
	return -1
}

func (s *State) deadIndexOf(id string) int {
	for i := range s.Dead {
		if s.Dead[i].ID == id {
			return i
		}
	}
	return -1
}

// Upsert enqueues payload for key. If an operation for key is pending its
// payload is replaced, its attempts reset and it becomes due now; ID and
// creation order are kept. Returns the operation and whether it coalesced.
func (s *State) Upsert(id, key string, p Payload, now time.Time) (Operation, bool) {
	if i := s.indexOfKey(key); i >= 0 {
		op := &s.Ops[i]
		op.Payload = p
		op.Attempts = 0
		op.NextRetryAt = now
		op.Version++
		op.LastError, op.LastCode = "", ""
		return *op, true
	}
	s.Seq++
	op := Operation{
		ID:          id,
		Key:         key,
		Payload:     p,
		NextRetryAt: now,
		CreatedAt:   now,
		Seq:         s.Seq,
		Version:     1,
	}
	s.Ops = append(s.Ops, op)
	return op, false
}

// Pending returns the pending operation for key.
func (s *State) Pending(key string) (Operation, bool) {
	if i := s.indexOfKey(key); i >= 0 {
		return s.Ops[i], true
	}
	return Operation{}, false
}

// Get returns the pending operation with id.
func (s *State) Get(id string) (Operation, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Ops[i], true
	}
	return Operation{}, false
}

// Due returns pending operations whose retry time has elapsed, in creation order.
func (s *State) Due(now time.Time) []Operation {
	var out []Operation
	for _, op := range s.Ops {
		if !op.NextRetryAt.After(now) {
			out = append(out, op)
		}
	}
	sortBySeq(out)
	return out
}

// Complete removes op if its payload has not been replaced since it was read.
// Returns false if a newer payload is pending for the key.
func (s *State) Complete(op Operation) bool {
	i := s.indexOf(op.ID)
	if i < 0 {
		return true
	}
	if s.Ops[i].Version != op.Version {
		return false
	}
	s.Ops = append(s.Ops[:i], s.Ops[i+1:]...)
	return true
}

// Fail records a failed attempt. The operation is dead-lettered when it has
// used up the policy's attempts or when terminal is set. A payload replaced
// since op was read is left untouched.
func (s *State) Fail(op Operation, p Policy, code, msg string, terminal bool, now time.Time) (Operation, bool) {
	i := s.indexOf(op.ID)
	if i < 0 || s.Ops[i].Version != op.Version {
		return op, false
	}
	cur := &s.Ops[i]
	cur.Attempts++
	cur.LastCode = code
	cur.LastError = msg
	if terminal || cur.Attempts >= p.MaxAttempts {
		dead := *cur
		dead.DeadAt = now
		dead.NextRetryAt = time.Time{}
		s.Ops = append(s.Ops[:i], s.Ops[i+1:]...)
		s.Dead = append(s.Dead, dead)
		return dead, true
	}
	cur.NextRetryAt = now.Add(p.Delay(cur.Attempts))
	return *cur, false
}

// Revive moves a dead letter back to pending with attempts reset. If an
// operation for the same key is already pending it carries a newer payload,
// so the dead letter is dropped and the pending one is returned.
func (s *State) Revive(id string, now time.Time) (Operation, error) {
	i := s.deadIndexOf(id)
	if i < 0 {
		return Operation{}, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	dead := s.Dead[i]
	s.Dead = append(s.Dead[:i], s.Dead[i+1:]...)

	if j := s.indexOfKey(dead.Key); j >= 0 {
		s.Ops[j].NextRetryAt = now
		return s.Ops[j], nil
	}
	dead.Attempts = 0
	dead.NextRetryAt = now
	dead.DeadAt = time.Time{}
	dead.LastCode, dead.LastError = "", ""
	dead.Version++
	s.Ops = append(s.Ops, dead)
	return dead, nil
}

// Discard drops a dead letter.
func (s *State) Discard(id string) (Operation, error) {
	i := s.deadIndexOf(id)
	if i < 0 {
		return Operation{}, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	op := s.Dead[i]
	s.Dead = append(s.Dead[:i], s.Dead[i+1:]...)
	return op, nil
}

func sortBySeq(ops []Operation) {
	slices.SortStableFunc(ops, func(a, b Operation) int { return cmp.Compare(a.Seq, b.Seq) })
}
