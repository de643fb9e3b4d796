package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/ids"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/lock"
	"github.com/roach88/docsync/internal/objstore"
	"github.com/roach88/docsync/internal/presence"
	"github.com/roach88/docsync/internal/queue"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/snapshot"
	"github.com/roach88/docsync/internal/status"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/telemetry"
)

const (
	// DefaultDrainInterval is the periodic drain period.
	DefaultDrainInterval = 30 * time.Second

	// DefaultPurgeInterval is how often expired snapshots are purged.
	DefaultPurgeInterval = time.Hour

	// flushTimeout bounds the drain attempted on shutdown.
	flushTimeout = 10 * time.Second

	// contentionWarnDepth is the per-key wait depth that gets logged.
	contentionWarnDepth = 4
)

// WriteRequest is one save.
type WriteRequest = objstore.WriteRequest

// Options configures an Engine.
type Options struct {
	// Remote is the authoritative blob and metadata store. Required.
	Remote remote.Store

	// KV holds the queue, statuses, conflicts and snapshots. Required.
	KV localstore.KV

	// Config supplies limits and intervals. Zero fields take defaults.
	Config config.Config

	// Presence reports reachability. Nil means always online.
	Presence presence.Signal

	// DrainLock makes queue drains exclusive across processes.
	DrainLock *lock.ProcessLock

	Clock     clock.Clock
	IDs       ids.Generator
	Logger    *slog.Logger
	Telemetry telemetry.Sink
}

// Engine is the sync service.
//
// Thread-safety: every method may be called from any goroutine. Operations on
// the same key are serialized; different keys proceed concurrently.
type Engine struct {
	locks     *lock.Registry
	store     *objstore.Store
	resolver  *conflict.Resolver
	conflicts *conflict.Registry
	queue     *queue.Queue
	status    *status.Manager
	snapshots *snapshot.Cache
	presence  presence.Signal
	events    *queue.Stream

	drainInterval time.Duration
	purgeInterval time.Duration

	clock  clock.Clock
	logger *slog.Logger
	sink   telemetry.Sink

	// kick requests a drain from the Run loop.
	kick chan struct{}
}

// New constructs every component and repairs statuses left mid-flight by a
// previous process.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errors.New("engine: remote is required")
	}
	if opts.KV == nil {
		return nil, errors.New("engine: local store is required")
	}
	cfg := opts.Config
	clk := clock.Or(opts.Clock)
	gen := ids.Or(opts.IDs)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sig := opts.Presence
	if sig == nil {
		sig = presence.Always{}
	}

	locks := lock.NewRegistry()
	snapshots := snapshot.New(opts.KV, snapshot.Options{
		MaxBytes:      cfg.Snapshot.MaxBytes,
		Retention:     cfg.Snapshot.Retention.Std(),
		KeepRevisions: cfg.Snapshot.KeepRevisions,
		Clock:         clk,
		Logger:        logger,
		Telemetry:     opts.Telemetry,
	})
	conflicts := conflict.NewRegistry(opts.KV)
	resolver := conflict.NewResolver(conflicts, conflict.Options{
		Bases:     snapshots,
		IDs:       gen,
		Clock:     clk,
		Logger:    logger,
		Telemetry: opts.Telemetry,
	})
	store := objstore.New(opts.Remote, objstore.Options{
		Locks:            locks,
		Resolver:         resolver,
		MaxMergeAttempts: cfg.Store.MaxMergeAttempts,
		CacheTTL:         cfg.Store.CacheTTL.Std(),
		Timeout:          cfg.Store.Timeout.Std(),
		Clock:            clk,
		Logger:           logger,
		Telemetry:        opts.Telemetry,
	})
	q, err := queue.Open(ctx, opts.KV, queue.Options{
		Capacity:    cfg.Queue.Capacity,
		BaseDelay:   cfg.Queue.BaseDelay.Std(),
		MaxDelay:    cfg.Queue.MaxDelay.Std(),
		MaxAttempts: cfg.Queue.MaxAttempts,
		Locks:       locks,
		DrainLock:   opts.DrainLock,
		IDs:         gen,
		Clock:       clk,
		Logger:      logger,
		Telemetry:   opts.Telemetry,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	st := status.New(opts.KV, status.Options{Clock: clk, Logger: logger})

	e := &Engine{
		locks:         locks,
		store:         store,
		resolver:      resolver,
		conflicts:     conflicts,
		queue:         q,
		status:        st,
		snapshots:     snapshots,
		presence:      sig,
		events:        q.Subscribe(),
		drainInterval: cfg.Sync.DrainInterval.Std(),
		purgeInterval: cfg.Sync.PurgeInterval.Std(),
		clock:         clk,
		logger:        logger,
		sink:          opts.Telemetry,
		kick:          make(chan struct{}, 1),
	}
	if e.drainInterval <= 0 {
		e.drainInterval = DefaultDrainInterval
	}
	if e.purgeInterval <= 0 {
		e.purgeInterval = DefaultPurgeInterval
	}

	if _, err := st.Recover(ctx, q); err != nil {
		return nil, fmt.Errorf("recover status: %w", err)
	}
	return e, nil
}

// Close stops event delivery. The remote and KV are owned by the caller.
func (e *Engine) Close() {
	e.events.Close()
}

// Queue returns the offline queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Snapshots returns the local snapshot cache.
func (e *Engine) Snapshots() *snapshot.Cache { return e.snapshots }

// Statuses returns the status manager.
func (e *Engine) Statuses() *status.Manager { return e.status }

// Locks returns the per-key lock registry.
func (e *Engine) Locks() *lock.Registry { return e.locks }

// Online reports the presence signal.
func (e *Engine) Online() bool { return e.presence.Online() }

// Status returns the status of key after applying buffered queue events.
func (e *Engine) Status(ctx context.Context, key string) (status.Status, error) {
	e.settle(ctx)
	s, _, err := e.status.Get(ctx, key)
	return s, err
}

// ListStatus returns every tracked status.
func (e *Engine) ListStatus(ctx context.Context) ([]status.Status, error) {
	e.settle(ctx)
	return e.status.List(ctx)
}

// settle applies buffered queue events to the status manager.
func (e *Engine) settle(ctx context.Context) {
	e.status.Pump(context.WithoutCancel(ctx), e.events)
}

// transition applies a direct status change. Status bookkeeping never fails
// the write it describes; problems are logged.
func (e *Engine) transition(ctx context.Context, key string, tr status.Transition) status.Status {
	s, err := e.status.Apply(context.WithoutCancel(ctx), key, tr)
	if err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			e.logger.Debug("status transition skipped", "key", key, "trigger", tr.Trigger, "error", err)
		} else {
			e.logger.Warn("status update failed", "key", key, "trigger", tr.Trigger, "error", err)
		}
	}
	return s
}

// withKey runs fn holding the lock for key.
func (e *Engine) withKey(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if depth := e.locks.Depth(key); depth >= contentionWarnDepth {
		e.logger.Warn("key lock contended", "key", key, "waiters", depth)
	}
	return e.locks.Do(ctx, key, fn)
}

// requestDrain asks the Run loop for a drain without blocking.
func (e *Engine) requestDrain() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func encodePayload(req WriteRequest) (queue.Payload, error) {
	content, err := req.Content.Encode()
	if err != nil {
		return queue.Payload{}, syncerr.Wrap("encode payload", req.Key, err)
	}
	p := queue.Payload{Content: content, KnownRevision: req.KnownRevision}
	if req.Base != nil {
		base, err := req.Base.Encode()
		if err != nil {
			return queue.Payload{}, syncerr.Wrap("encode payload", req.Key, err)
		}
		p.Base = base
	}
	return p, nil
}

func decodePayload(op queue.Operation) (WriteRequest, error) {
	content, err := doc.ParseContent(op.Payload.Content)
	if err != nil {
		return WriteRequest{}, syncerr.New(syncerr.CodeCorrupt, "decode queued payload", op.Key, err)
	}
	req := WriteRequest{Key: op.Key, Content: content, KnownRevision: op.Payload.KnownRevision}
	if len(op.Payload.Base) > 0 {
		base, err := doc.ParseContent(op.Payload.Base)
		if err != nil {
			return WriteRequest{}, syncerr.New(syncerr.CodeCorrupt, "decode queued base", op.Key, err)
		}
		req.Base = base
	}
	return req, nil
}
