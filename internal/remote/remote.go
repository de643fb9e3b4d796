// Package remote defines the contracts for the authoritative remote stores.
//
// Two physically separate stores hold a document:
//
//   - BlobStore holds immutable content at revision-unique paths.
//   - MetadataStore holds the small per-document pointer record and supports
//     compare-and-set on the revision.
//
// A commit uploads the blob first and swaps the pointer second, so a reader
// following the pointer never observes a partially written blob.
package remote

import (
	"context"
	"errors"

	"github.com/roach88/docsync/internal/doc"
)

var (
	// ErrNotFound is returned when the requested blob or metadata record does not exist.
	ErrNotFound = errors.New("docsync: not found")

	// ErrConflict is returned when a compare-and-set finds a different revision,
	// or when a blob path already holds different bytes.
	ErrConflict = errors.New("docsync: revision conflict")

	// ErrUnauthorized is returned when the remote denies access. Never retried.
	ErrUnauthorized = errors.New("docsync: unauthorized")

	// ErrUnavailable is returned when the remote cannot be reached.
	ErrUnavailable = errors.New("docsync: remote unavailable")

	// ErrCorrupt is returned when a stored record or blob fails validation.
	ErrCorrupt = errors.New("docsync: corrupt remote state")
)

// BlobStore stores immutable blobs at caller-chosen paths.
type BlobStore interface {
	// Put stores data at path. Writing identical bytes to an existing path is a
	// no-op; writing different bytes returns ErrConflict, so a committed blob
	// can never be mutated.
	Put(ctx context.Context, path string, data []byte) error

	// Get returns the bytes at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
}

// MetadataStore holds the per-document pointer record.
type MetadataStore interface {
	// GetMetadata returns the current record for key, or ErrNotFound if the
	// document has never been committed.
	GetMetadata(ctx context.Context, key string) (doc.Document, error)

	// CompareAndSet replaces the record for next.Key only if the stored revision
	// equals expected (0 means "does not exist yet"). Returns ErrConflict on mismatch.
	CompareAndSet(ctx context.Context, expected uint64, next doc.Document) error
}

// Store combines both halves of the remote.
type Store interface {
	BlobStore
	MetadataStore
}

// Pinger is implemented by remotes that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Combined joins separate blob and metadata implementations into a Store.
type Combined struct {
	BlobStore
	MetadataStore
}
