// Package objstore implements the atomic versioned commit protocol.
//
// A save uploads the content to a revision-unique, immutable blob path and
// then swaps the metadata pointer with compare-and-set on the revision that
// was read. Readers follow the pointer, so they never observe a partially
// written blob, and revision-unique paths make cache invalidation unnecessary.
//
// Saves on the same key are serialized through a lock.Registry; saves on
// different keys run in parallel. Loads do not take the key lock.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/lock"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/telemetry"
)

const (
	// DefaultCacheTTL bounds how long a loaded revision is served from memory.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultTimeout bounds each remote call.
	DefaultTimeout = 20 * time.Second

	// DefaultMaxMergeAttempts bounds auto-merge retries within one save.
	DefaultMaxMergeAttempts = 3
)

// WriteRequest is one save.
type WriteRequest struct {
	Key     string
	Content doc.Content
	// KnownRevision is the remote revision the content was based on (0 for a new document).
	KnownRevision uint64
	// Base is the content at KnownRevision, the common ancestor for merges. Optional.
	Base doc.Content
}

// Result describes a successful commit.
type Result struct {
	Key      string
	Revision uint64
	BlobPath string
	Size     int64
	Digest   string
	// Merges counts auto-merges applied before the commit succeeded.
	Merges int
	// ConflictAt is when the first conflict was detected; zero if none.
	ConflictAt time.Time
	// AlreadyCommitted is set when the remote already held this exact content,
	// e.g. a retry of a commit whose response was lost.
	AlreadyCommitted bool
	// Content is what was committed (differs from the request after a merge).
	Content doc.Content
}

// LoadResult is a loaded revision.
type LoadResult struct {
	Content  doc.Content
	Document doc.Document
	Cached   bool
}

// Resolver handles a detected conflict: it returns merged content to retry
// with, or an error (typically *conflict.PendingError).
type Resolver interface {
	Resolve(ctx context.Context, in conflict.Input) (doc.Content, error)
}

// Options configures a Store. Zero values take the defaults.
type Options struct {
	Locks            *lock.Registry
	Resolver         Resolver
	MaxMergeAttempts int
	CacheTTL         time.Duration
	Timeout          time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
	Telemetry        telemetry.Sink
}

// Store is the versioned object store.
type Store struct {
	remote   remote.Store
	locks    *lock.Registry
	resolver Resolver
	maxMerge int
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	sink     telemetry.Sink

	cache  *loadCache
	flight singleflight.Group
}

// New creates a Store over r.
func New(r remote.Store, opts Options) *Store {
	s := &Store{
		remote:   r,
		locks:    opts.Locks,
		resolver: opts.Resolver,
		maxMerge: opts.MaxMergeAttempts,
		timeout:  opts.Timeout,
		clock:    clock.Or(opts.Clock),
		logger:   opts.Logger,
		sink:     opts.Telemetry,
	}
	if s.locks == nil {
		s.locks = lock.NewRegistry()
	}
	if s.maxMerge <= 0 {
		s.maxMerge = DefaultMaxMergeAttempts
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s.cache = newLoadCache(ttl, s.clock)
	return s
}

// Locks returns the key lock registry shared with other writers.
func (s *Store) Locks() *lock.Registry {
	return s.locks
}

// Save commits req under the key's lock.
func (s *Store) Save(ctx context.Context, req WriteRequest) (Result, error) {
	start := s.clock.Now()
	var res Result
	err := s.validate(req)
	if err == nil {
		err = s.locks.Do(ctx, req.Key, func(ctx context.Context) error {
			var err error
			res, err = s.commit(ctx, req)
			return err
		})
	}
	s.report(req.Key, start, res, err)
	return res, err
}

// SaveLocked commits req; the caller must already hold the key's lock.
// Used by the offline queue so a drained write and a foreground write never race.
func (s *Store) SaveLocked(ctx context.Context, req WriteRequest) (Result, error) {
	start := s.clock.Now()
	var res Result
	err := s.validate(req)
	if err == nil {
		res, err = s.commit(ctx, req)
	}
	s.report(req.Key, start, res, err)
	return res, err
}

func (s *Store) report(key string, start time.Time, res Result, err error) {
	ev := telemetry.Event{
		Kind:     telemetry.KindSave,
		Key:      key,
		Success:  err == nil,
		Latency:  s.clock.Now().Sub(start),
		Revision: res.Revision,
	}
	if err != nil {
		ev.ErrorCode = string(syncerr.CodeOf(err))
	}
	telemetry.Emit(s.sink, ev)
}

func (s *Store) validate(req WriteRequest) error {
	if err := doc.ValidateKey(req.Key); err != nil {
		return syncerr.Wrap("save", req.Key, err)
	}
	if req.Content == nil {
		return syncerr.Wrap("save", req.Key, fmt.Errorf("%w: content is nil", doc.ErrInvalid))
	}
	return nil
}

// commit runs the protocol. Caller holds the key lock.
func (s *Store) commit(ctx context.Context, req WriteRequest) (Result, error) {
	var (
		merges     int
		conflictAt time.Time
	)
	// Each pass either commits, returns, or observes a newer remote revision,
	// so the loop is bounded by the merge budget plus lost CAS races.
	for pass := 0; pass <= 2*s.maxMerge+1; pass++ {
		meta, current, err := s.fetchMeta(ctx, req.Key)
		if err != nil {
			return Result{}, err
		}

		data, err := req.Content.Encode()
		if err != nil {
			return Result{}, syncerr.Wrap("encode", req.Key, err)
		}
		digest := doc.Digest(data)

		if req.KnownRevision != current {
			if req.KnownRevision > current {
				return Result{}, &syncerr.Error{
					Code: syncerr.CodeUnknownState, Op: "save", Key: req.Key, Revision: current,
					Err: fmt.Errorf("known revision %d is ahead of remote revision %d", req.KnownRevision, current),
				}
			}
			if meta.Digest == digest {
				// The remote already holds exactly this content.
				s.cache.put(meta, req.Content)
				return Result{
					Key: req.Key, Revision: current, BlobPath: meta.BlobPath, Size: meta.Size,
					Digest: digest, Merges: merges, ConflictAt: conflictAt,
					AlreadyCommitted: true, Content: req.Content,
				}, nil
			}
			if conflictAt.IsZero() {
				conflictAt = s.clock.Now()
			}
			if s.resolver == nil {
				return Result{}, &syncerr.Error{
					Code: syncerr.CodeConflict, Op: "save", Key: req.Key, Revision: current,
					Err: fmt.Errorf("known revision %d, remote revision %d: %w", req.KnownRevision, current, remote.ErrConflict),
				}
			}
			remoteContent, err := s.readContent(ctx, meta)
			if err != nil {
				return Result{}, err
			}
			merged, err := s.resolver.Resolve(ctx, conflict.Input{
				Key:            req.Key,
				KnownRevision:  req.KnownRevision,
				Base:           req.Base,
				Local:          req.Content,
				RemoteRevision: current,
				Remote:         remoteContent,
				ForceUser:      merges >= s.maxMerge,
			})
			if err != nil {
				return Result{}, err
			}
			merges++
			req.Content = merged
			req.Base = remoteContent
			req.KnownRevision = current
			continue
		}

		res, err := s.publish(ctx, req.Key, meta, current, data, digest)
		if errors.Is(err, errLostRace) {
			s.logger.Info("commit lost race; re-reading metadata", "key", req.Key, "revision", current+1)
			continue
		}
		if err != nil {
			return Result{}, err
		}
		s.cache.put(doc.Document{Key: res.Key, Revision: res.Revision, BlobPath: res.BlobPath, Size: res.Size, Digest: res.Digest}, req.Content)
		res.Merges = merges
		res.ConflictAt = conflictAt
		res.Content = req.Content
		return res, nil
	}
	return Result{}, &syncerr.Error{
		Code: syncerr.CodeConflict, Op: "save", Key: req.Key,
		Err: fmt.Errorf("remote kept moving after %d merge attempts: %w", s.maxMerge, remote.ErrConflict),
	}
}

var errLostRace = errors.New("compare-and-set lost to another writer")

// publish uploads the blob and swaps the pointer. prev is the record read at
// revision current (zero value if none).
func (s *Store) publish(ctx context.Context, key string, prev doc.Document, current uint64, data []byte, digest string) (Result, error) {
	next := current + 1

	// An upload that has started is not revoked by caller cancellation; the
	// revision-unique path makes an orphaned response harmless.
	ctx = context.WithoutCancel(ctx)

	path := doc.BlobPath(key, next)
	err := s.put(ctx, path, data)
	if errors.Is(err, remote.ErrConflict) {
		// An uncommitted blob from an earlier failed attempt holds the canonical path.
		alt := doc.AltBlobPath(key, next, digest)
		s.logger.Warn("canonical blob path occupied; using alternate", "key", key, "revision", next, "path", alt)
		path = alt
		err = s.put(ctx, path, data)
	}
	if err != nil {
		return Result{}, &syncerr.Error{Code: syncerr.CodeOf(err), Op: "upload", Key: key, Revision: next, Err: err}
	}

	rec := doc.Document{
		Key:       key,
		Revision:  next,
		BlobPath:  path,
		Size:      int64(len(data)),
		Digest:    digest,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if err := s.compareAndSet(ctx, current, rec); err != nil {
		if errors.Is(err, remote.ErrConflict) {
			return Result{}, errLostRace
		}
		// The uploaded blob is orphaned but never referenced.
		return Result{}, &syncerr.Error{Code: syncerr.CodeOf(err), Op: "commit", Key: key, Revision: next, Err: err}
	}

	if current > 0 && prev.BlobPath != "" && prev.BlobPath != path {
		if err := s.delete(ctx, prev.BlobPath); err != nil {
			s.logger.Warn("failed to delete superseded blob", "key", key, "revision", current, "path", prev.BlobPath, "error", err)
		}
	}

	s.logger.Info("committed", "key", key, "revision", next, "path", path, "size", len(data))
	return Result{Key: key, Revision: next, BlobPath: path, Size: rec.Size, Digest: digest}, nil
}

// Load reads the current revision of key. Blob bytes are always fetched
// fresh from the remote unless the (key, revision) pair is in the TTL cache.
func (s *Store) Load(ctx context.Context, key string) (LoadResult, error) {
	start := s.clock.Now()
	res, err := s.load(ctx, key)

	ev := telemetry.Event{
		Kind:     telemetry.KindLoad,
		Key:      key,
		Success:  err == nil,
		Latency:  s.clock.Now().Sub(start),
		Revision: res.Document.Revision,
	}
	if err != nil {
		ev.ErrorCode = string(syncerr.CodeOf(err))
	}
	telemetry.Emit(s.sink, ev)
	return res, err
}

func (s *Store) load(ctx context.Context, key string) (LoadResult, error) {
	if err := doc.ValidateKey(key); err != nil {
		return LoadResult{}, syncerr.Wrap("load", key, err)
	}
	meta, current, err := s.fetchMeta(ctx, key)
	if err != nil {
		return LoadResult{}, err
	}
	if current == 0 {
		return LoadResult{}, &syncerr.Error{Code: syncerr.CodeNotFound, Op: "load", Key: key, Err: remote.ErrNotFound}
	}
	if c, ok := s.cache.get(key, current); ok {
		return LoadResult{Content: c, Document: meta, Cached: true}, nil
	}
	c, err := s.readContent(ctx, meta)
	if err != nil {
		return LoadResult{}, err
	}
	return LoadResult{Content: c, Document: meta}, nil
}

// Metadata returns the current pointer for key, or a zero Document if none.
func (s *Store) Metadata(ctx context.Context, key string) (doc.Document, error) {
	meta, _, err := s.fetchMeta(ctx, key)
	return meta, err
}

// fetchMeta reads the pointer. A missing document is revision 0. Any other
// failure leaves the state unknown and the caller must not commit; an
// unreachable remote is still classified as transient so the write is retried.
func (s *Store) fetchMeta(ctx context.Context, key string) (doc.Document, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	meta, err := s.remote.GetMetadata(ctx, key)
	if errors.Is(err, remote.ErrNotFound) {
		return doc.Document{}, 0, nil
	}
	if err != nil {
		code := syncerr.CodeOf(err)
		if code == syncerr.CodeInternal {
			code = syncerr.CodeUnknownState
		}
		return doc.Document{}, 0, &syncerr.Error{Code: code, Op: "fetch metadata", Key: key, Err: err}
	}
	if meta.Key != key {
		return doc.Document{}, 0, &syncerr.Error{
			Code: syncerr.CodeCorrupt, Op: "fetch metadata", Key: key,
			Err: fmt.Errorf("record is for key %q: %w", meta.Key, remote.ErrCorrupt),
		}
	}
	return meta, meta.Revision, nil
}

// readContent fetches, verifies and decodes the blob meta points at.
// Concurrent reads of the same revision share one fetch.
func (s *Store) readContent(ctx context.Context, meta doc.Document) (doc.Content, error) {
	if c, ok := s.cache.get(meta.Key, meta.Revision); ok {
		return c, nil
	}
	flightKey := fmt.Sprintf("%s@%d", meta.Key, meta.Revision)
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		data, err := s.remote.Get(fetchCtx, meta.BlobPath)
		if err != nil {
			code := syncerr.CodeOf(err)
			if errors.Is(err, remote.ErrNotFound) {
				// The pointer references a blob that does not exist.
				code = syncerr.CodeCorrupt
			}
			return nil, &syncerr.Error{Code: code, Op: "fetch blob", Key: meta.Key, Revision: meta.Revision, Err: err}
		}
		if int64(len(data)) != meta.Size || doc.Digest(data) != meta.Digest {
			return nil, &syncerr.Error{
				Code: syncerr.CodeCorrupt, Op: "verify blob", Key: meta.Key, Revision: meta.Revision,
				Err: fmt.Errorf("blob %s does not match its metadata: %w", meta.BlobPath, remote.ErrCorrupt),
			}
		}
		c, err := doc.ParseContent(data)
		if err != nil {
			return nil, &syncerr.Error{Code: syncerr.CodeCorrupt, Op: "decode blob", Key: meta.Key, Revision: meta.Revision, Err: err}
		}
		s.cache.put(meta, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(doc.Content).Clone(), nil
}

func (s *Store) put(ctx context.Context, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.Put(ctx, path, data)
}

func (s *Store) delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.Delete(ctx, path)
}

func (s *Store) compareAndSet(ctx context.Context, expected uint64, next doc.Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.CompareAndSet(ctx, expected, next)
}

// loadCache holds decoded revisions keyed by (key, revision). A new commit
// changes the revision and therefore the cache key, so entries never go stale.
type loadCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	key      string
	revision uint64
}

type cacheEntry struct {
	content doc.Content
	expires time.Time
}

func newLoadCache(ttl time.Duration, c clock.Clock) *loadCache {
	return &loadCache{ttl: ttl, clock: c, entries: make(map[cacheKey]cacheEntry)}
}

func (lc *loadCache) get(key string, revision uint64) (doc.Content, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	e, ok := lc.entries[cacheKey{key, revision}]
	if !ok {
		return nil, false
	}
	if !lc.clock.Now().Before(e.expires) {
		delete(lc.entries, cacheKey{key, revision})
		return nil, false
	}
	return e.content.Clone(), true
}

func (lc *loadCache) put(meta doc.Document, c doc.Content) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	now := lc.clock.Now()
	for k, e := range lc.entries {
		if !now.Before(e.expires) {
			delete(lc.entries, k)
		}
	}
	lc.entries[cacheKey{meta.Key, meta.Revision}] = cacheEntry{content: c.Clone(), expires: now.Add(lc.ttl)}
}
