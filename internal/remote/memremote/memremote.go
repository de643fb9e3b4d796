// Package memremote provides an in-memory remote.Store with fault injection.
//
// It backs tests and the scenario harness: it can be switched offline, made to
// deny access, made to fail the next N calls, and can run a hook between the
// blob upload and the metadata swap to simulate a concurrent writer.
package memremote

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/remote"
)

// Op names the remote operation a fault applies to.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpDelete Op = "delete"
	OpMeta   Op = "meta"
	OpCAS    Op = "cas"
)

// Store is a goroutine-safe in-memory remote.Store.
type Store struct {
	mu    sync.Mutex
	blobs map[string][]byte
	meta  map[string]doc.Document

	offline      bool
	unauthorized bool
	failNext     map[Op]int
	calls        map[Op]int

	// beforeCAS runs (without the lock held) before each CompareAndSet.
	beforeCAS func(key string)
}

// New creates an empty store.
func New() *Store {
	return &Store{
		blobs:    make(map[string][]byte),
		meta:     make(map[string]doc.Document),
		failNext: make(map[Op]int),
		calls:    make(map[Op]int),
	}
}

// SetOffline makes every call fail with remote.ErrUnavailable while true.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetUnauthorized makes every call fail with remote.ErrUnauthorized while true.
func (s *Store) SetUnauthorized(denied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthorized = denied
}

// FailNext makes the next n calls of op fail with remote.ErrUnavailable.
func (s *Store) FailNext(op Op, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] += n
}

// BeforeCAS installs a hook that runs before every CompareAndSet.
func (s *Store) BeforeCAS(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeCAS = fn
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// BlobCount returns the number of stored blobs.
func (s *Store) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// HasBlob reports whether path holds a blob.
func (s *Store) HasBlob(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[path]
	return ok
}

// Ping implements remote.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return remote.ErrUnavailable
	}
	return ctx.Err()
}

// enter records the call and applies injected faults. Caller holds s.mu.
func (s *Store) enter(ctx context.Context, op Op) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.offline {
		return fmt.Errorf("%s: %w", op, remote.ErrUnavailable)
	}
	if s.unauthorized {
		return fmt.Errorf("%s: %w", op, remote.ErrUnauthorized)
	}
	if s.failNext[op] > 0 {
		s.failNext[op]--
		return fmt.Errorf("%s: injected failure: %w", op, remote.ErrUnavailable)
	}
	return nil
}

// Put implements remote.BlobStore.
func (s *Store) Put(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpPut); err != nil {
		return err
	}
	if existing, ok := s.blobs[path]; ok {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("put %s: %w", path, remote.ErrConflict)
	}
	s.blobs[path] = bytes.Clone(data)
	return nil
}

// Get implements remote.BlobStore.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpGet); err != nil {
		return nil, err
	}
	data, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, remote.ErrNotFound)
	}
	return bytes.Clone(data), nil
}

// Delete implements remote.BlobStore.
func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpDelete); err != nil {
		return err
	}
	delete(s.blobs, path)
	return nil
}

// GetMetadata implements remote.MetadataStore.
func (s *Store) GetMetadata(ctx context.Context, key string) (doc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpMeta); err != nil {
		return doc.Document{}, err
	}
	d, ok := s.meta[key]
	if !ok {
		return doc.Document{}, fmt.Errorf("metadata %s: %w", key, remote.ErrNotFound)
	}
	return d, nil
}

// CompareAndSet implements remote.MetadataStore.
func (s *Store) CompareAndSet(ctx context.Context, expected uint64, next doc.Document) error {
	s.mu.Lock()
	hook := s.beforeCAS
	s.mu.Unlock()
	if hook != nil {
		hook(next.Key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpCAS); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("cas %s: %w", next.Key, err)
	}
	current := s.meta[next.Key].Revision
	if current != expected {
		return fmt.Errorf("cas %s: expected revision %d, found %d: %w", next.Key, expected, current, remote.ErrConflict)
	}
	s.meta[next.Key] = next
	return nil
}

// Commit writes a document directly, bypassing fault injection.
// Used to simulate another client committing a revision.
func (s *Store) Commit(d doc.Document, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[d.BlobPath] = bytes.Clone(data)
	s.meta[d.Key] = d
}

// Peek returns the current record for key, bypassing fault injection.
func (s *Store) Peek(key string) (doc.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.meta[key]
	return d, ok
}

// Records returns every current record, ordered by key.
func (s *Store) Records() []doc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]doc.Document, 0, len(s.meta))
	for _, d := range s.meta {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b doc.Document) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Blob returns the blob at path, bypassing fault injection.
func (s *Store) Blob(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	return bytes.Clone(data), ok
}

// CorruptBlob overwrites the blob at path, bypassing immutability.
func (s *Store) CorruptBlob(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = bytes.Clone(data)
}
