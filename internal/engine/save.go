package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/objstore"
	"github.com/roach88/docsync/internal/queue"
	"github.com/roach88/docsync/internal/status"
	"github.com/roach88/docsync/internal/syncerr"
)

// SaveResult describes what happened to a write.
type SaveResult struct {
	Key   string
	State status.State
	// Revision is the committed revision; zero when queued.
	Revision uint64
	// Queued is set when the write was handed to the offline queue.
	Queued bool
	// OpID identifies the queued operation.
	OpID             string
	Merges           int
	AlreadyCommitted bool
	// SnapshotErr reports a skipped local snapshot. The commit itself succeeded.
	SnapshotErr error
}

// Save commits req, or queues it when the remote is unreachable.
//
// A transient failure is not an error: the result reports Queued. A pending
// conflict on the key, or an overlapping concurrent edit, returns a
// *conflict.PendingError. Other failures are returned with their syncerr code
// and leave the key in the error state.
func (e *Engine) Save(ctx context.Context, req WriteRequest) (SaveResult, error) {
	if err := doc.ValidateKey(req.Key); err != nil {
		return SaveResult{}, syncerr.Wrap("save", req.Key, err)
	}
	if req.Content == nil {
		return SaveResult{}, syncerr.Wrap("save", req.Key, fmt.Errorf("%w: content is nil", doc.ErrInvalid))
	}

	var out SaveResult
	err := e.withKey(ctx, req.Key, func(ctx context.Context) error {
		e.settle(ctx)

		c, err := e.conflicts.ForKey(ctx, req.Key)
		if err == nil {
			return &conflict.PendingError{Conflict: c}
		}
		if !errors.Is(err, conflict.ErrNotFound) {
			return err
		}

		e.transition(ctx, req.Key, status.Transition{Trigger: status.TriggerAttempt})

		_, pending, err := e.queue.Pending(ctx, req.Key)
		if err != nil {
			return err
		}
		if pending || !e.presence.Online() {
			// Going straight to the queue keeps a newer write from
			// overtaking an older queued one for the same key.
			out, err = e.enqueue(ctx, req, nil)
			return err
		}

		res, err := e.store.SaveLocked(ctx, req)
		out, err = e.afterCommit(ctx, req, res, err)
		return err
	})
	e.settle(ctx)
	return out, err
}

// afterCommit records the outcome of a foreground commit. Caller holds the key lock.
func (e *Engine) afterCommit(ctx context.Context, req WriteRequest, res objstore.Result, err error) (SaveResult, error) {
	if err == nil {
		snapErr := e.recordCommit(ctx, req, res)
		s := e.transition(ctx, req.Key, status.Transition{Trigger: status.TriggerCommitted, Revision: res.Revision})
		return SaveResult{
			Key:              req.Key,
			State:            s.State,
			Revision:         res.Revision,
			Merges:           res.Merges,
			AlreadyCommitted: res.AlreadyCommitted,
			SnapshotErr:      snapErr,
		}, nil
	}

	switch code := syncerr.CodeOf(err); code {
	case syncerr.CodeTransient:
		e.logger.Info("remote unavailable, write queued", "key", req.Key, "known_revision", req.KnownRevision, "error", err)
		return e.enqueue(ctx, req, err)

	case syncerr.CodeConflict:
		var pending *conflict.PendingError
		if errors.As(err, &pending) {
			s := e.transition(ctx, req.Key, status.Transition{Trigger: status.TriggerConflict, ConflictID: pending.ConflictID()})
			return SaveResult{Key: req.Key, State: s.State}, err
		}
		fallthrough

	default:
		e.logger.Warn("save failed", "key", req.Key, "known_revision", req.KnownRevision, "code", code, "error", err)
		s := e.transition(ctx, req.Key, status.Transition{Trigger: status.TriggerFailed, Err: err})
		return SaveResult{Key: req.Key, State: s.State}, err
	}
}

// enqueue hands req to the offline queue. cause is the failure that sent it
// there, if any. Caller holds the key lock.
func (e *Engine) enqueue(ctx context.Context, req WriteRequest, cause error) (SaveResult, error) {
	p, err := encodePayload(req)
	if err != nil {
		e.transition(ctx, req.Key, status.Transition{Trigger: status.TriggerFailed, Err: err})
		return SaveResult{Key: req.Key, State: status.StateError}, err
	}
	op, err := e.queue.Enqueue(ctx, req.Key, p)
	if err != nil {
		s := e.transition(ctx, req.Key, status.Transition{Trigger: status.TriggerFailed, Err: err})
		return SaveResult{Key: req.Key, State: s.State}, err
	}
	s := e.transition(ctx, req.Key, status.Transition{Trigger: status.TriggerQueued, Err: cause})
	if cause == nil && e.presence.Online() {
		e.requestDrain()
	}
	return SaveResult{Key: req.Key, State: s.State, Queued: true, OpID: op.ID}, nil
}

// recordCommit stores the committed content as a snapshot and reports an
// auto-merge. A skipped snapshot is returned, not treated as a failure.
func (e *Engine) recordCommit(ctx context.Context, req WriteRequest, res objstore.Result) error {
	if res.Merges > 0 {
		e.resolver.RecordMerged(req.Key, req.KnownRevision, res.Revision, res.ConflictAt)
	}
	content := res.Content
	if content == nil {
		content = req.Content
	}
	data, err := content.Encode()
	if err != nil {
		return err
	}
	if err := e.snapshots.Put(context.WithoutCancel(ctx), req.Key, res.Revision, data); err != nil {
		e.logger.Warn("snapshot skipped", "key", req.Key, "revision", res.Revision, "code", syncerr.CodeOf(err), "error", err)
		return err
	}
	return nil
}

// commitQueued is the queue drain handler. The queue holds the key lock.
func (e *Engine) commitQueued(ctx context.Context, op queue.Operation) (uint64, error) {
	req, err := decodePayload(op)
	if err != nil {
		return 0, err
	}
	res, err := e.store.SaveLocked(ctx, req)
	if err != nil {
		return 0, err
	}
	_ = e.recordCommit(ctx, req, res)
	return res.Revision, nil
}

// Drain attempts every due queued write.
func (e *Engine) Drain(ctx context.Context) (queue.Report, error) {
	rep, err := e.queue.Drain(ctx, e.commitQueued)
	e.settle(ctx)
	return rep, err
}

// Flush attempts every queued write regardless of backoff.
func (e *Engine) Flush(ctx context.Context) (queue.Report, error) {
	rep, err := e.queue.Flush(ctx, e.commitQueued)
	e.settle(ctx)
	return rep, err
}

// RetryDeadLetter requeues a dead-lettered write and requests a drain.
func (e *Engine) RetryDeadLetter(ctx context.Context, id string) (queue.Operation, error) {
	op, err := e.queue.RetryDeadLetter(ctx, id)
	if err != nil {
		return queue.Operation{}, err
	}
	e.settle(ctx)
	if e.presence.Online() {
		e.requestDrain()
	}
	return op, nil
}

// DiscardDeadLetter drops a dead-lettered write.
func (e *Engine) DiscardDeadLetter(ctx context.Context, id string) (queue.Operation, error) {
	op, err := e.queue.Discard(ctx, id)
	if err != nil {
		return queue.Operation{}, err
	}
	e.settle(ctx)
	return op, nil
}
