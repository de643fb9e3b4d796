// Package remotetest provides a reusable test suite that validates any
// remote.Store implementation against the interface contract.
package remotetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/remote"
)

// Factory creates a fresh Store for each test.
type Factory func(t *testing.T) remote.Store

// Document builds a valid metadata record for key at revision.
func Document(key string, revision uint64, data []byte) doc.Document {
	return doc.Document{
		Key:       key,
		Revision:  revision,
		BlobPath:  doc.BlobPath(key, revision),
		Size:      int64(len(data)),
		Digest:    doc.Digest(data),
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Run executes the full contract suite against the given factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GetMissingBlob", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(context.Background(), "nothing-1")
		assert.ErrorIs(t, err, remote.ErrNotFound)
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "doc1-1", []byte(`{"a":1}`)))

		got, err := s.Get(ctx, "doc1-1")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got))
	})

	t.Run("PutSameBytesIsIdempotent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "doc1-1", []byte("v1")))
		require.NoError(t, s.Put(ctx, "doc1-1", []byte("v1")))

		got, err := s.Get(ctx, "doc1-1")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))
	})

	t.Run("PutDifferentBytesConflicts", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "doc1-1", []byte("v1")))

		err := s.Put(ctx, "doc1-1", []byte("v2"))
		assert.ErrorIs(t, err, remote.ErrConflict)

		got, err := s.Get(ctx, "doc1-1")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got), "committed blob must not change")
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "doc1-1", []byte("v1")))
		require.NoError(t, s.Delete(ctx, "doc1-1"))
		require.NoError(t, s.Delete(ctx, "doc1-1"))

		_, err := s.Get(ctx, "doc1-1")
		assert.ErrorIs(t, err, remote.ErrNotFound)
	})

	t.Run("MetadataMissing", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetMetadata(context.Background(), "doc1")
		assert.ErrorIs(t, err, remote.ErrNotFound)
	})

	t.Run("CreateWithExpectedZero", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := Document("doc1", 1, []byte("v1"))
		require.NoError(t, s.CompareAndSet(ctx, 0, d))

		got, err := s.GetMetadata(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Revision)
		assert.Equal(t, "doc1-1", got.BlobPath)
		assert.Equal(t, d.Digest, got.Digest)
		assert.True(t, d.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("CreateConflictsWhenExists", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CompareAndSet(ctx, 0, Document("doc1", 1, []byte("v1"))))

		err := s.CompareAndSet(ctx, 0, Document("doc1", 1, []byte("other")))
		assert.ErrorIs(t, err, remote.ErrConflict)
	})

	t.Run("UpdateWithMatchingRevision", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CompareAndSet(ctx, 0, Document("doc1", 1, []byte("v1"))))
		require.NoError(t, s.CompareAndSet(ctx, 1, Document("doc1", 2, []byte("v2"))))

		got, err := s.GetMetadata(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Revision)
	})

	t.Run("UpdateWithStaleRevisionConflicts", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CompareAndSet(ctx, 0, Document("doc1", 1, []byte("v1"))))
		require.NoError(t, s.CompareAndSet(ctx, 1, Document("doc1", 2, []byte("v2"))))

		err := s.CompareAndSet(ctx, 1, Document("doc1", 2, []byte("v2b")))
		assert.ErrorIs(t, err, remote.ErrConflict)

		got, err := s.GetMetadata(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, doc.Digest([]byte("v2")), got.Digest, "loser must not overwrite")
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		require.NoError(t, s.CompareAndSet(ctx, 0, Document("doc1", 1, []byte("a"))))
		require.NoError(t, s.CompareAndSet(ctx, 0, Document("doc2", 1, []byte("b"))))

		d1, err := s.GetMetadata(ctx, "doc1")
		require.NoError(t, err)
		d2, err := s.GetMetadata(ctx, "doc2")
		require.NoError(t, err)
		assert.Equal(t, "doc1-1", d1.BlobPath)
		assert.Equal(t, "doc2-1", d2.BlobPath)
	})

	t.Run("RejectsInvalidDocument", func(t *testing.T) {
		s := factory(t)
		d := Document("doc1", 1, []byte("v1"))
		d.BlobPath = "elsewhere"
		err := s.CompareAndSet(context.Background(), 0, d)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "blob path") || strings.Contains(err.Error(), "invalid"),
			"unexpected error: %v", err)
	})
}
