package sqlmeta

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/remote/memremote"
	"github.com/roach88/docsync/internal/remote/remotetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContract(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Store {
		return remote.Combined{BlobStore: memremote.New(), MetadataStore: openTestStore(t)}
	})
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.CompareAndSet(context.Background(), 0, remotetest.Document("doc1", 1, []byte("v1"))))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	d, err := s2.GetMetadata(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.Revision)
}

func TestHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSet(ctx, 0, remotetest.Document("doc1", 1, []byte("v1"))))
	require.NoError(t, s.CompareAndSet(ctx, 1, remotetest.Document("doc1", 2, []byte("v2"))))
	require.Error(t, s.CompareAndSet(ctx, 1, remotetest.Document("doc1", 2, []byte("lost"))))

	history, err := s.History(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Revision)
	assert.Equal(t, uint64(2), history[1].Revision)
	assert.Equal(t, "doc1-2", history[1].BlobPath)
}

func TestGetMetadata_CorruptRow(t *testing.T) {
	s := openTestStore(t)
	_, err := s.db.Exec(`
		INSERT INTO documents (key, revision, blob_path, size, digest, updated_at)
		VALUES ('doc1', 1, 'doc9-9', 1, 'short', '2026-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	_, err = s.GetMetadata(context.Background(), "doc1")
	assert.ErrorIs(t, err, remote.ErrCorrupt)
}
