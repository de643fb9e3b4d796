package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/snapshot"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/telemetry"
)

// LoadResult is loaded content and where it came from.
type LoadResult struct {
	Key      string
	Content  doc.Content
	Revision uint64
	Source   snapshot.Source
	// Cached is set when the remote metadata was read but the content came
	// from the in-memory load cache.
	Cached bool
	// SnapshotAt is when a stale snapshot was taken.
	SnapshotAt time.Time
	// RemoteErr is the failure that forced the snapshot fallback.
	RemoteErr error
}

// Stale reports whether the content came from a local snapshot.
func (r LoadResult) Stale() bool { return r.Source == snapshot.SourceLocal }

// Load reads the latest committed content. When the remote cannot be read,
// the most recent valid snapshot is returned marked snapshot.SourceLocal.
// A document that was never committed, or a denied read, is an error.
func (e *Engine) Load(ctx context.Context, key string) (LoadResult, error) {
	if err := doc.ValidateKey(key); err != nil {
		return LoadResult{}, syncerr.Wrap("load", key, err)
	}
	res, err := e.store.Load(ctx, key)
	if err == nil {
		e.rememberBase(ctx, key, res.Document.Revision, res.Content)
		return LoadResult{
			Key:      key,
			Content:  res.Content,
			Revision: res.Document.Revision,
			Source:   snapshot.SourceRemote,
			Cached:   res.Cached,
		}, nil
	}

	switch syncerr.CodeOf(err) {
	case syncerr.CodeNotFound, syncerr.CodeUnauthorized, syncerr.CodeInternal:
		return LoadResult{}, err
	}

	snap, serr := e.snapshots.Latest(ctx, key)
	if serr != nil {
		if !errors.Is(serr, snapshot.ErrNotFound) {
			e.logger.Warn("snapshot fallback failed", "key", key, "error", serr)
		}
		return LoadResult{}, err
	}
	content, perr := doc.ParseContent(snap.Data)
	if perr != nil {
		e.logger.Warn("snapshot unreadable", "key", key, "revision", snap.Revision, "error", perr)
		return LoadResult{}, err
	}
	e.logger.Warn("serving stale local snapshot",
		"key", key,
		"revision", snap.Revision,
		"snapshot_at", snap.CreatedAt,
		"code", syncerr.CodeOf(err))
	telemetry.Emit(e.sink, telemetry.Event{
		Kind:      telemetry.KindLoad,
		Key:       key,
		Success:   true,
		Revision:  snap.Revision,
		ErrorCode: string(syncerr.CodeOf(err)),
		Outcome:   string(snapshot.SourceLocal),
	})
	return LoadResult{
		Key:        key,
		Content:    content,
		Revision:   snap.Revision,
		Source:     snapshot.SourceLocal,
		SnapshotAt: snap.CreatedAt,
		RemoteErr:  err,
	}, nil
}

// rememberBase keeps a snapshot of content read at revision so a later
// conflict against it has a common ancestor.
func (e *Engine) rememberBase(ctx context.Context, key string, revision uint64, content doc.Content) {
	if _, err := e.snapshots.Get(ctx, key, revision); err == nil {
		return
	}
	data, err := content.Encode()
	if err != nil {
		return
	}
	if err := e.snapshots.Put(context.WithoutCancel(ctx), key, revision, data); err != nil {
		e.logger.Debug("base snapshot skipped", "key", key, "revision", revision, "error", err)
	}
}
