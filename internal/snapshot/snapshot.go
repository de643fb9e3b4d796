// Package snapshot is the compressed local fallback cache.
//
// A snapshot of the content is stored after every successful commit. Snapshots
// are gzip-compressed and capped; content whose compressed form exceeds the cap
// is skipped whole (ErrTooLarge), never truncated. Snapshots expire after a
// retention window and are purged opportunistically on write and by Purge.
//
// Snapshots are read-optimizations only. They are never consulted to decide
// whether a commit may proceed.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/telemetry"
)

const (
	// DefaultMaxBytes is the compressed size cap.
	DefaultMaxBytes = 300 << 10

	// DefaultRetention is how long a snapshot stays valid.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultKeepRevisions bounds committed snapshots kept per key.
	DefaultKeepRevisions = 5

	// maxInflated bounds decompression of a stored snapshot.
	maxInflated = 64 << 20

	prefixCommitted = "snapshot/"
	prefixAbandoned = "abandoned/"
)

// ErrNotFound is returned when no valid snapshot exists.
var ErrNotFound = errors.New("snapshot: not found")

// TooLargeError reports content whose compressed form exceeds the cap.
type TooLargeError struct {
	Key        string
	Compressed int
	Limit      int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("snapshot %s: compressed size %d exceeds cap %d; snapshot skipped", e.Key, e.Compressed, e.Limit)
}

// CapacityExceeded marks the error as a capacity failure for classification.
func (e *TooLargeError) CapacityExceeded() bool { return true }

// ErrTooLarge matches any *TooLargeError with errors.Is.
var ErrTooLarge = &TooLargeError{}

// Is reports whether target is ErrTooLarge.
func (e *TooLargeError) Is(target error) bool { return target == ErrTooLarge }

// Source says where returned content came from.
type Source string

const (
	// SourceRemote marks content read from the authoritative remote.
	SourceRemote Source = "remote"
	// SourceLocal marks content served from a local snapshot; it may be stale.
	SourceLocal Source = "stale/local"
)

// Snapshot is a decoded snapshot.
type Snapshot struct {
	Key       string
	Revision  uint64
	CreatedAt time.Time
	Abandoned bool
	Data      []byte
	Source    Source
}

// record is the persisted form. Data holds the gzip stream.
type record struct {
	Key       string    `json:"key"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	Abandoned bool      `json:"abandoned,omitempty"`
	Data      []byte    `json:"data"`
}

// Options configures a Cache. Zero values take the defaults.
type Options struct {
	MaxBytes      int
	Retention     time.Duration
	KeepRevisions int
	Clock         clock.Clock
	Logger        *slog.Logger
	Telemetry     telemetry.Sink
}

// Cache stores snapshots in a local KV.
type Cache struct {
	kv        localstore.KV
	maxBytes  int
	retention time.Duration
	keep      int
	clock     clock.Clock
	logger    *slog.Logger
	sink      telemetry.Sink
}

// New creates a cache over kv.
func New(kv localstore.KV, opts Options) *Cache {
	c := &Cache{
		kv:        kv,
		maxBytes:  opts.MaxBytes,
		retention: opts.Retention,
		keep:      opts.KeepRevisions,
		clock:     clock.Or(opts.Clock),
		logger:    opts.Logger,
		sink:      opts.Telemetry,
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	if c.keep <= 0 {
		c.keep = DefaultKeepRevisions
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func committedKey(key string, revision uint64) string {
	// Zero padding keeps KV listing order equal to revision order.
	return fmt.Sprintf("%s%s/%020d", prefixCommitted, key, revision)
}

func abandonedKey(key string, at time.Time) string {
	return fmt.Sprintf("%s%s/%020d", prefixAbandoned, key, at.UnixNano())
}

// Put stores a snapshot of data for (key, revision).
// Returns ErrTooLarge, and stores nothing, if the compressed form exceeds the cap.
func (c *Cache) Put(ctx context.Context, key string, revision uint64, data []byte) error {
	start := c.clock.Now()
	err := c.put(ctx, committedKey(key, revision), record{Key: key, Revision: revision, CreatedAt: start}, data)
	c.report(key, revision, start, err)
	if err != nil {
		return err
	}
	if err := c.prune(ctx, key); err != nil {
		c.logger.Warn("snapshot prune failed", "key", key, "error", err)
	}
	return nil
}

// PutAbandoned keeps a local edit that was never committed.
// baseRevision is the remote revision the edit was made against.
func (c *Cache) PutAbandoned(ctx context.Context, key string, baseRevision uint64, data []byte) error {
	now := c.clock.Now()
	err := c.put(ctx, abandonedKey(key, now), record{Key: key, Revision: baseRevision, CreatedAt: now, Abandoned: true}, data)
	c.report(key, baseRevision, now, err)
	return err
}

func (c *Cache) put(ctx context.Context, kvKey string, rec record, data []byte) error {
	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("snapshot %s: compress: %w", rec.Key, err)
	}
	if len(compressed) > c.maxBytes {
		return &TooLargeError{Key: rec.Key, Compressed: len(compressed), Limit: c.maxBytes}
	}
	rec.Data = compressed
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("snapshot %s: encode: %w", rec.Key, err)
	}
	if err := c.kv.Set(ctx, kvKey, value); err != nil {
		return fmt.Errorf("snapshot %s: store: %w", rec.Key, err)
	}
	return nil
}

func (c *Cache) report(key string, revision uint64, start time.Time, err error) {
	ev := telemetry.Event{
		Kind:     telemetry.KindSnapshot,
		Key:      key,
		Success:  err == nil,
		Latency:  c.clock.Now().Sub(start),
		Revision: revision,
	}
	var tooLarge *TooLargeError
	switch {
	case errors.As(err, &tooLarge):
		ev.ErrorCode = string(syncerr.CodeCapacity)
		c.logger.Warn("snapshot skipped", "key", key, "revision", revision,
			"compressed_bytes", tooLarge.Compressed, "limit_bytes", tooLarge.Limit)
	case err != nil:
		ev.ErrorCode = string(syncerr.CodeOf(err))
		c.logger.Warn("snapshot failed", "key", key, "revision", revision, "error", err)
	}
	telemetry.Emit(c.sink, ev)
}

// Get returns the snapshot for exactly (key, revision) if present and unexpired.
func (c *Cache) Get(ctx context.Context, key string, revision uint64) (Snapshot, error) {
	value, err := c.kv.Get(ctx, committedKey(key, revision))
	if errors.Is(err, localstore.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("snapshot %s@%d: %w", key, revision, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s@%d: %w", key, revision, err)
	}
	s, err := c.decode(value)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s@%d: %w", key, revision, err)
	}
	if c.expired(s.CreatedAt) {
		return Snapshot{}, fmt.Errorf("snapshot %s@%d: expired: %w", key, revision, ErrNotFound)
	}
	return s, nil
}

// Latest returns the most recent valid committed snapshot for key, marked as
// SourceLocal. Expired or undecodable snapshots are skipped.
func (c *Cache) Latest(ctx context.Context, key string) (Snapshot, error) {
	entries, err := c.kv.List(ctx, prefixCommitted+key+"/")
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: list: %w", key, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		s, err := c.decode(entries[i].Value)
		if err != nil {
			c.logger.Warn("skipping unreadable snapshot", "key", key, "entry", entries[i].Key, "error", err)
			continue
		}
		if c.expired(s.CreatedAt) {
			continue
		}
		return s, nil
	}
	return Snapshot{}, fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
}

// Abandoned lists the abandoned edits kept for key, oldest first.
func (c *Cache) Abandoned(ctx context.Context, key string) ([]Snapshot, error) {
	entries, err := c.kv.List(ctx, prefixAbandoned+key+"/")
	if err != nil {
		return nil, fmt.Errorf("abandoned %s: list: %w", key, err)
	}
	var out []Snapshot
	for _, e := range entries {
		s, err := c.decode(e.Value)
		if err != nil || c.expired(s.CreatedAt) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Purge removes every expired or unreadable snapshot and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	removed := 0
	for _, prefix := range []string{prefixCommitted, prefixAbandoned} {
		entries, err := c.kv.List(ctx, prefix)
		if err != nil {
			return removed, fmt.Errorf("purge: list: %w", err)
		}
		for _, e := range entries {
			s, err := c.decode(e.Value)
			if err == nil && !c.expired(s.CreatedAt) {
				continue
			}
			if err := c.kv.Remove(ctx, e.Key); err != nil {
				return removed, fmt.Errorf("purge: remove %s: %w", e.Key, err)
			}
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("purged snapshots", "count", removed)
	}
	return removed, nil
}

// prune drops expired snapshots of key and all but the newest c.keep revisions.
func (c *Cache) prune(ctx context.Context, key string) error {
	entries, err := c.kv.List(ctx, prefixCommitted+key+"/")
	if err != nil {
		return err
	}
	excess := len(entries) - c.keep
	for i, e := range entries {
		drop := i < excess
		if !drop {
			s, err := c.decode(e.Value)
			drop = err != nil || c.expired(s.CreatedAt)
		}
		if drop {
			if err := c.kv.Remove(ctx, e.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cache) expired(createdAt time.Time) bool {
	return c.clock.Now().Sub(createdAt) > c.retention
}

func (c *Cache) decode(value []byte) (Snapshot, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("decode record: %w", err)
	}
	data, err := decompress(rec.Data)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Key:       rec.Key,
		Revision:  rec.Revision,
		CreatedAt: rec.CreatedAt,
		Abandoned: rec.Abandoned,
		Data:      data,
		Source:    SourceLocal,
	}, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflated+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(out) > maxInflated {
		return nil, errors.New("decompress: snapshot exceeds inflate limit")
	}
	return out, nil
}

// Keys lists the document keys that have at least one committed snapshot.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	entries, err := c.kv.List(ctx, prefixCommitted)
	if err != nil {
		return nil, err
	}
	var keys []string
	seen := make(map[string]bool)
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, prefixCommitted)
		i := strings.LastIndexByte(rest, '/')
		if i <= 0 {
			continue
		}
		if k := rest[:i]; !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys, nil
}
