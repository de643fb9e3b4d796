package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/ids"
	"github.com/roach88/docsync/internal/snapshot"
	"github.com/roach88/docsync/internal/telemetry"
)

// Outcome is the terminal state of a conflict.
type Outcome string

const (
	OutcomeMerged     Outcome = "resolved-merged"
	OutcomeUserChoice Outcome = "resolved-user-choice"
	OutcomeAbandoned  Outcome = "abandoned"
)

// ChoiceKind selects how a user resolves a conflict.
type ChoiceKind string

const (
	KeepLocal  ChoiceKind = "keep-local"
	KeepRemote ChoiceKind = "keep-remote"
	Manual     ChoiceKind = "manual"
)

// Choice is an explicit user decision. Content is required for Manual only.
type Choice struct {
	Kind    ChoiceKind
	Content doc.Content
}

// Validate checks that the choice is complete.
func (c Choice) Validate() error {
	switch c.Kind {
	case KeepLocal, KeepRemote:
		return nil
	case Manual:
		if c.Content == nil {
			return errors.New("manual choice requires content")
		}
		return nil
	default:
		return fmt.Errorf("unknown choice %q", c.Kind)
	}
}

// Input describes a detected conflict.
type Input struct {
	Key            string
	KnownRevision  uint64
	Base           doc.Content // may be nil
	Local          doc.Content
	RemoteRevision uint64
	Remote         doc.Content
	// ForceUser skips auto-merge, e.g. after merge attempts are exhausted.
	ForceUser bool
}

// PendingError reports that a conflict needs a user decision.
type PendingError struct {
	Conflict Conflict
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("conflict %s on %s: local revision %d, remote revision %d, fields %v need a decision",
		e.Conflict.ID, e.Conflict.Key, e.Conflict.KnownRevision, e.Conflict.RemoteRevision, e.Conflict.Fields)
}

// ConflictID returns the pending conflict's ID.
func (e *PendingError) ConflictID() string { return e.Conflict.ID }

// BaseSource provides common ancestors from committed snapshots.
type BaseSource interface {
	Get(ctx context.Context, key string, revision uint64) (snapshot.Snapshot, error)
}

// Options configures a Resolver.
type Options struct {
	Bases     BaseSource
	IDs       ids.Generator
	Clock     clock.Clock
	Logger    *slog.Logger
	Telemetry telemetry.Sink
}

// Resolver decides between auto-merge and user resolution and records outcomes.
type Resolver struct {
	registry *Registry
	bases    BaseSource
	ids      ids.Generator
	clock    clock.Clock
	logger   *slog.Logger
	sink     telemetry.Sink
}

// NewResolver creates a resolver persisting pending conflicts in registry.
func NewResolver(registry *Registry, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: registry,
		bases:    opts.Bases,
		ids:      ids.Or(opts.IDs),
		clock:    clock.Or(opts.Clock),
		logger:   logger,
		sink:     opts.Telemetry,
	}
}

// Registry returns the pending-conflict registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Resolve returns merged content to re-attempt the commit with, or a
// *PendingError after persisting a conflict that needs a user decision.
func (r *Resolver) Resolve(ctx context.Context, in Input) (doc.Content, error) {
	base := in.Base
	if base == nil {
		base = r.lookupBase(ctx, in.Key, in.KnownRevision)
	}

	a := Analyze(base, in.Local, in.Remote)
	if a.Disjoint() && !in.ForceUser {
		r.logger.Info("conflict auto-merged",
			"key", in.Key,
			"known_revision", in.KnownRevision,
			"remote_revision", in.RemoteRevision,
			"local_fields", len(a.LocalChanged),
			"remote_fields", len(a.RemoteChanged))
		return Merge(a, in.Local, in.Remote), nil
	}
	if len(a.Overlap) == 0 {
		// Forced to the user with nothing overlapping: show every local change.
		a.Overlap = a.LocalChanged
	}

	c, err := r.open(ctx, in, base, a)
	if err != nil {
		return nil, err
	}
	return nil, &PendingError{Conflict: c}
}

func (r *Resolver) lookupBase(ctx context.Context, key string, revision uint64) doc.Content {
	if r.bases == nil || revision == 0 {
		return nil
	}
	s, err := r.bases.Get(ctx, key, revision)
	if err != nil {
		return nil
	}
	c, err := doc.ParseContent(s.Data)
	if err != nil {
		r.logger.Warn("ignoring unreadable base snapshot", "key", key, "revision", revision, "error", err)
		return nil
	}
	return c
}

func (r *Resolver) open(ctx context.Context, in Input, base doc.Content, a Analysis) (Conflict, error) {
	local, err := in.Local.Encode()
	if err != nil {
		return Conflict{}, fmt.Errorf("conflict %s: encode local: %w", in.Key, err)
	}
	remote, err := in.Remote.Encode()
	if err != nil {
		return Conflict{}, fmt.Errorf("conflict %s: encode remote: %w", in.Key, err)
	}
	c := Conflict{
		ID:             r.ids.Generate(),
		Key:            in.Key,
		KnownRevision:  in.KnownRevision,
		RemoteRevision: in.RemoteRevision,
		Local:          local,
		Remote:         remote,
		Fields:         a.Overlap,
		Diff:           Summarize(a, base, in.Local, in.Remote),
		DetectedAt:     r.clock.Now(),
	}
	if base != nil {
		if c.Base, err = base.Encode(); err != nil {
			return Conflict{}, fmt.Errorf("conflict %s: encode base: %w", in.Key, err)
		}
	}

	replaced, err := r.registry.Put(ctx, c)
	if err != nil {
		return Conflict{}, err
	}
	if replaced != "" {
		r.logger.Info("conflict superseded", "key", in.Key, "previous", replaced, "conflict", c.ID)
	}
	r.logger.Warn("conflict needs user decision",
		"key", in.Key,
		"conflict", c.ID,
		"known_revision", in.KnownRevision,
		"remote_revision", in.RemoteRevision,
		"fields", c.Fields)
	telemetry.Emit(r.sink, telemetry.Event{
		Kind:      telemetry.KindConflict,
		Key:       in.Key,
		Success:   false,
		Revision:  in.RemoteRevision,
		ErrorCode: "CONFLICT",
	})
	return c, nil
}

// Record is the outcome of one conflict resolution.
type Record struct {
	ConflictID     string
	Key            string
	Outcome        Outcome
	Latency        time.Duration
	LocalRevision  uint64
	RemoteRevision uint64
}

// RecordMerged reports a successful auto-merge commit. detectedAt is when the
// conflict was first seen.
func (r *Resolver) RecordMerged(key string, localRev, remoteRev uint64, detectedAt time.Time) Record {
	rec := Record{
		Key:            key,
		Outcome:        OutcomeMerged,
		Latency:        r.clock.Now().Sub(detectedAt),
		LocalRevision:  localRev,
		RemoteRevision: remoteRev,
	}
	r.emit(rec)
	return rec
}

// Close removes a pending conflict and records its outcome.
func (r *Resolver) Close(ctx context.Context, c Conflict, outcome Outcome) (Record, error) {
	if err := r.registry.Remove(ctx, c.ID); err != nil {
		return Record{}, err
	}
	rec := Record{
		ConflictID:     c.ID,
		Key:            c.Key,
		Outcome:        outcome,
		Latency:        r.clock.Now().Sub(c.DetectedAt),
		LocalRevision:  c.KnownRevision,
		RemoteRevision: c.RemoteRevision,
	}
	r.emit(rec)
	return rec, nil
}

func (r *Resolver) emit(rec Record) {
	r.logger.Info("conflict resolved",
		"key", rec.Key,
		"conflict", rec.ConflictID,
		"outcome", string(rec.Outcome),
		"latency_ms", rec.Latency.Milliseconds())
	telemetry.Emit(r.sink, telemetry.Event{
		Kind:     telemetry.KindConflict,
		Key:      rec.Key,
		Success:  true,
		Latency:  rec.Latency,
		Revision: rec.RemoteRevision,
		Outcome:  string(rec.Outcome),
	})
}
