package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/objstore"
	"github.com/roach88/docsync/internal/status"
	"github.com/roach88/docsync/internal/syncerr"
)

// Conflicts lists pending conflicts, oldest first.
func (e *Engine) Conflicts(ctx context.Context) ([]conflict.Conflict, error) {
	return e.conflicts.List(ctx)
}

// Conflict returns one pending conflict.
func (e *Engine) Conflict(ctx context.Context, id string) (conflict.Conflict, error) {
	return e.conflicts.Get(ctx, id)
}

// ResolveConflict applies a user's choice to a pending conflict.
//
// KeepRemote commits nothing and leaves the key synced at the remote
// revision. KeepLocal and Manual commit against the remote revision the
// conflict was detected at; if the remote has moved again, a new conflict is
// opened.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice conflict.Choice) (SaveResult, error) {
	if err := choice.Validate(); err != nil {
		return SaveResult{}, err
	}
	c, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}
	remoteContent, err := doc.ParseContent(c.Remote)
	if err != nil {
		return SaveResult{}, syncerr.New(syncerr.CodeCorrupt, "resolve conflict", c.Key, err)
	}

	var out SaveResult
	err = e.withKey(ctx, c.Key, func(ctx context.Context) error {
		e.settle(ctx)
		e.transition(ctx, c.Key, status.Transition{Trigger: status.TriggerResolved})

		if choice.Kind == conflict.KeepRemote {
			if _, err := e.resolver.Close(ctx, c, conflict.OutcomeUserChoice); err != nil {
				return err
			}
			e.rememberBase(ctx, c.Key, c.RemoteRevision, remoteContent)
			s := e.transition(ctx, c.Key, status.Transition{Trigger: status.TriggerCommitted, Revision: c.RemoteRevision})
			out = SaveResult{Key: c.Key, State: s.State, Revision: c.RemoteRevision}
			return nil
		}

		content := choice.Content
		if choice.Kind == conflict.KeepLocal {
			local, err := doc.ParseContent(c.Local)
			if err != nil {
				return syncerr.New(syncerr.CodeCorrupt, "resolve conflict", c.Key, err)
			}
			content = local
		}
		req := WriteRequest{Key: c.Key, Content: content, KnownRevision: c.RemoteRevision, Base: remoteContent}
		var err error
		if e.presence.Online() {
			var res objstore.Result
			res, err = e.store.SaveLocked(ctx, req)
			out, err = e.afterCommit(ctx, req, res, err)
		} else {
			out, err = e.enqueue(ctx, req, nil)
		}

		// The conflict holds the only copy of the edit until it is
		// committed or queued.
		var pending *conflict.PendingError
		switch {
		case err == nil:
			_, err = e.resolver.Close(ctx, c, conflict.OutcomeUserChoice)
			return err
		case errors.As(err, &pending):
			// Superseded by the new conflict.
			return err
		default:
			e.logger.Warn("resolution not applied, conflict kept", "key", c.Key, "conflict", c.ID, "code", syncerr.CodeOf(err), "error", err)
			s := e.transition(ctx, c.Key, status.Transition{Trigger: status.TriggerConflict, ConflictID: c.ID, Err: err})
			out = SaveResult{Key: c.Key, State: s.State}
			return err
		}
	})
	e.settle(ctx)
	return out, err
}

// AbandonConflict drops the local side of a conflict. The local edit is kept
// only as an abandoned snapshot and is never committed; the key returns to
// synced at the remote revision.
func (e *Engine) AbandonConflict(ctx context.Context, id string) error {
	c, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return err
	}
	remoteContent, err := doc.ParseContent(c.Remote)
	if err != nil {
		return syncerr.New(syncerr.CodeCorrupt, "abandon conflict", c.Key, err)
	}

	err = e.withKey(ctx, c.Key, func(ctx context.Context) error {
		e.settle(ctx)
		if err := e.snapshots.PutAbandoned(ctx, c.Key, c.KnownRevision, c.Local); err != nil {
			// Without the snapshot the edit would be lost entirely.
			return fmt.Errorf("keep abandoned edit for %s: %w", c.Key, err)
		}
		if _, err := e.resolver.Close(ctx, c, conflict.OutcomeAbandoned); err != nil {
			return err
		}
		e.rememberBase(ctx, c.Key, c.RemoteRevision, remoteContent)
		e.transition(ctx, c.Key, status.Transition{Trigger: status.TriggerResolved})
		e.transition(ctx, c.Key, status.Transition{Trigger: status.TriggerCommitted, Revision: c.RemoteRevision})
		return nil
	})
	e.settle(ctx)
	if err != nil && !errors.Is(err, conflict.ErrNotFound) {
		return syncerr.Wrap("abandon conflict", c.Key, err)
	}
	return err
}
