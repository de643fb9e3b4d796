package objstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/remote/memremote"
	"github.com/roach88/docsync/internal/remote/remotetest"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/telemetry"
	"github.com/roach88/docsync/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func content(t *testing.T, s string) doc.Content {
	t.Helper()
	c, err := doc.ParseContent([]byte(s))
	require.NoError(t, err)
	return c
}

type fixture struct {
	remote *memremote.Store
	clock  *testutil.ManualClock
	rec    *telemetry.Recorder
	store  *Store
}

func newFixture(t *testing.T, r Resolver) *fixture {
	t.Helper()
	f := &fixture{
		remote: memremote.New(),
		clock:  testutil.NewManualClock(time.Time{}),
		rec:    &telemetry.Recorder{},
	}
	f.store = New(f.remote, Options{
		Resolver:  r,
		Clock:     f.clock,
		Logger:    quietLogger(),
		Telemetry: f.rec,
		Timeout:   time.Second,
	})
	return f
}

// seed commits content as revision rev from "another client".
func (f *fixture) seed(t *testing.T, key string, rev uint64, c doc.Content) {
	t.Helper()
	data, err := c.Encode()
	require.NoError(t, err)
	f.remote.Commit(remotetest.Document(key, rev, data), data)
}

func newResolver(t *testing.T) *conflict.Resolver {
	t.Helper()
	return conflict.NewResolver(conflict.NewRegistry(localstore.NewMemory(0)), conflict.Options{
		IDs:    testutil.NewSequentialIDs("c"),
		Logger: quietLogger(),
	})
}

// Scenario A.
func TestSave_FirstRevisionThenLoad(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v1 := content(t, `{"title":"v1"}`)

	res, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: v1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)
	assert.Equal(t, "doc1-1", res.BlobPath)
	assert.False(t, res.AlreadyCommitted)

	loaded, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, doc.Equal(v1, loaded.Content))
	assert.Equal(t, uint64(1), loaded.Document.Revision)

	saves := f.rec.Filter(telemetry.KindSave)
	require.Len(t, saves, 1)
	assert.True(t, saves[0].Success)
	assert.Equal(t, uint64(1), saves[0].Revision)
}

func TestSave_RevisionsIncreaseByOne(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var known uint64
	for i := 1; i <= 5; i++ {
		res, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: doc.Content{"n": i}, KnownRevision: known})
		require.NoError(t, err)
		assert.Equal(t, known+1, res.Revision)
		known = res.Revision
	}
	assert.Equal(t, 1, f.remote.BlobCount(), "superseded blobs are deleted")
	assert.True(t, f.remote.HasBlob("doc1-5"))
}

func TestSave_StaleRevisionWithoutResolverIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "doc1", 2, content(t, `{"title":"remote"}`))

	_, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: content(t, `{"title":"local"}`), KnownRevision: 1})
	require.Error(t, err)
	assert.True(t, syncerr.IsConflict(err))
	assert.Equal(t, 0, f.remote.Calls(memremote.OpPut), "a conflict must never upload")
	assert.Equal(t, 0, f.remote.Calls(memremote.OpCAS))

	meta, err := f.store.Metadata(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.Revision)
}

func TestSave_KnownAheadOfRemoteIsUnknownState(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Save(context.Background(), WriteRequest{Key: "doc1", Content: doc.Content{}, KnownRevision: 3})
	assert.Equal(t, syncerr.CodeUnknownState, syncerr.CodeOf(err))
}

func TestSave_MetadataFailureRefusesCommit(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.FailNext(memremote.OpMeta, 1)

	_, err := f.store.Save(context.Background(), WriteRequest{Key: "doc1", Content: doc.Content{}})
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	assert.Equal(t, 0, f.remote.Calls(memremote.OpPut))
	assert.Equal(t, 0, f.remote.Calls(memremote.OpCAS))
}

func TestSave_Unauthorized(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.SetUnauthorized(true)
	_, err := f.store.Save(context.Background(), WriteRequest{Key: "doc1", Content: doc.Content{}})
	assert.True(t, syncerr.IsUnauthorized(err))

	saves := f.rec.Filter(telemetry.KindSave)
	require.Len(t, saves, 1)
	assert.Equal(t, "UNAUTHORIZED", saves[0].ErrorCode)
}

func TestSave_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.Save(context.Background(), WriteRequest{Key: "../etc", Content: doc.Content{}})
	assert.Equal(t, syncerr.CodeCorrupt, syncerr.CodeOf(err))
	_, err = f.store.Save(context.Background(), WriteRequest{Key: "doc1"})
	assert.ErrorIs(t, err, doc.ErrInvalid)
}

func TestSave_UploadFailureLeavesPointerUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.FailNext(memremote.OpPut, 1)

	_, err := f.store.Save(context.Background(), WriteRequest{Key: "doc1", Content: doc.Content{"a": 1}})
	assert.True(t, syncerr.IsTransient(err))
	_, err = f.store.Load(context.Background(), "doc1")
	assert.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(err))
}

func TestSave_RetryAfterCASFailureReusesPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := WriteRequest{Key: "doc1", Content: doc.Content{"a": 1}}

	f.remote.FailNext(memremote.OpCAS, 1)
	_, err := f.store.Save(ctx, req)
	require.True(t, syncerr.IsTransient(err))
	assert.True(t, f.remote.HasBlob("doc1-1"), "orphaned upload stays but is never referenced")

	// The retry re-uploads identical bytes to the same path: a no-op to readers.
	res, err := f.store.Save(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "doc1-1", res.BlobPath)
	assert.Equal(t, 2, f.remote.Calls(memremote.OpPut))
}

func TestSave_OrphanWithDifferentBytesUsesAltPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.remote.FailNext(memremote.OpCAS, 1)
	_, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: doc.Content{"a": 1}})
	require.Error(t, err)

	res, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: doc.Content{"a": 2}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)
	assert.NotEqual(t, "doc1-1", res.BlobPath)
	assert.True(t, doc.OwnsPath("doc1", 1, res.BlobPath))

	loaded, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, doc.FieldEqual(doc.Content{"a": 2}, loaded.Content, "a"))
}

func TestSave_LostResponseIsAlreadyCommitted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := content(t, `{"a":1}`)
	f.seed(t, "doc1", 1, c)

	// Retried write of content the remote already holds.
	res, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: c, KnownRevision: 0})
	require.NoError(t, err)
	assert.True(t, res.AlreadyCommitted)
	assert.Equal(t, uint64(1), res.Revision)
	assert.Equal(t, 0, f.remote.Calls(memremote.OpPut))
}

// Scenario B: two tabs both based on revision 1.
func TestSave_ConcurrentTabsOneWinsOtherConflicts(t *testing.T) {
	f := newFixture(t, newResolver(t))
	ctx := context.Background()
	base := content(t, `{"title":"v1"}`)
	f.seed(t, "doc1", 1, base)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, title := range []string{"vA", "vB"} {
		wg.Add(1)
		go func(i int, title string) {
			defer wg.Done()
			results[i], errs[i] = f.store.Save(ctx, WriteRequest{
				Key: "doc1", Content: doc.Content{"title": title}, KnownRevision: 1, Base: base,
			})
		}(i, title)
	}
	wg.Wait()

	var wins, conflicts int
	for i := range errs {
		if errs[i] == nil {
			wins++
			assert.Equal(t, uint64(2), results[i].Revision)
			continue
		}
		var pe *conflict.PendingError
		require.ErrorAs(t, errs[i], &pe)
		assert.Equal(t, uint64(2), pe.Conflict.RemoteRevision)
		assert.Equal(t, uint64(1), pe.Conflict.KnownRevision)
		assert.True(t, syncerr.IsConflict(errs[i]))
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	meta, err := f.store.Metadata(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.Revision)
}

func TestSave_DisjointEditsAutoMerge(t *testing.T) {
	f := newFixture(t, newResolver(t))
	ctx := context.Background()
	base := content(t, `{"title":"t","body":"b"}`)
	f.seed(t, "doc1", 1, base)
	f.seed(t, "doc1", 2, content(t, `{"title":"t","body":"remote"}`))

	f.clock.Advance(time.Second)
	res, err := f.store.Save(ctx, WriteRequest{
		Key: "doc1", Content: content(t, `{"title":"local","body":"b"}`), KnownRevision: 1, Base: base,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Revision)
	assert.Equal(t, 1, res.Merges)
	assert.False(t, res.ConflictAt.IsZero())

	loaded, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, doc.Equal(content(t, `{"title":"local","body":"remote"}`), loaded.Content))
}

// A CAS that loses to another device re-reads and goes through the resolver.
func TestSave_LostCASRaceGoesThroughResolver(t *testing.T) {
	f := newFixture(t, newResolver(t))
	ctx := context.Background()
	base := content(t, `{"a":1,"b":1}`)
	f.seed(t, "doc1", 1, base)

	var once sync.Once
	f.remote.BeforeCAS(func(key string) {
		once.Do(func() { f.seed(t, "doc1", 2, content(t, `{"a":1,"b":2}`)) })
	})

	res, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: content(t, `{"a":2,"b":1}`), KnownRevision: 1, Base: base})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Revision)
	assert.Equal(t, 1, res.Merges)
	assert.True(t, doc.Equal(content(t, `{"a":2,"b":2}`), res.Content))
}

// mergeAlways returns the local content, pretending every conflict is disjoint.
type mergeAlways struct{ calls atomic.Int32 }

func (m *mergeAlways) Resolve(_ context.Context, in conflict.Input) (doc.Content, error) {
	m.calls.Add(1)
	if in.ForceUser {
		return nil, errors.New("user decision required")
	}
	return in.Local, nil
}

func TestSave_MergeAttemptsBounded(t *testing.T) {
	r := &mergeAlways{}
	f := newFixture(t, r)
	ctx := context.Background()
	f.seed(t, "doc1", 1, doc.Content{"n": 0})

	// Another device commits before every CAS.
	next := uint64(2)
	f.remote.BeforeCAS(func(key string) {
		f.seed(t, "doc1", next, doc.Content{"n": int(next)})
		next++
	})

	_, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: doc.Content{"mine": true}, KnownRevision: 1})
	require.Error(t, err)
	assert.EqualError(t, err, "user decision required")
	assert.Equal(t, int32(DefaultMaxMergeAttempts+1), r.calls.Load())
}

// countingRemote tracks concurrent commits per key between upload and CAS.
type countingRemote struct {
	*memremote.Store
	mu       sync.Mutex
	inFlight map[string]int
	max      int
}

func (c *countingRemote) Put(ctx context.Context, path string, data []byte) error {
	c.mu.Lock()
	c.inFlight["doc1"]++
	if c.inFlight["doc1"] > c.max {
		c.max = c.inFlight["doc1"]
	}
	c.mu.Unlock()
	time.Sleep(time.Millisecond)
	return c.Store.Put(ctx, path, data)
}

func (c *countingRemote) CompareAndSet(ctx context.Context, expected uint64, next doc.Document) error {
	defer func() {
		c.mu.Lock()
		c.inFlight["doc1"]--
		c.mu.Unlock()
	}()
	return c.Store.CompareAndSet(ctx, expected, next)
}

var _ remote.Store = (*countingRemote)(nil)

func TestSave_SameKeySerializedRevisionsContiguous(t *testing.T) {
	cr := &countingRemote{Store: memremote.New(), inFlight: map[string]int{}}
	s := New(cr, Options{Resolver: &mergeAlways{}, Logger: quietLogger(), MaxMergeAttempts: 100})
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	revs := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Save(ctx, WriteRequest{Key: "doc1", Content: doc.Content{"writer": i}})
			if assert.NoError(t, err) {
				revs <- res.Revision
			}
		}(i)
	}
	wg.Wait()
	close(revs)

	var got []uint64
	for r := range revs {
		got = append(got, r)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, writers)
	for i, r := range got {
		assert.Equal(t, uint64(i+1), r, "revisions must be unique and contiguous")
	}
	assert.Equal(t, 1, cr.max, "at most one commit per key in flight")
}

func TestLoad_CachedByRevision(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "doc1", 1, doc.Content{"a": 1})

	first, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	second, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, f.remote.Calls(memremote.OpGet))

	// A new revision is a new cache key.
	f.seed(t, "doc1", 2, doc.Content{"a": 2})
	third, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.True(t, doc.FieldEqual(doc.Content{"a": 2}, third.Content, "a"))

	// Entries expire after the TTL.
	f.clock.Advance(DefaultCacheTTL)
	fourth, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.False(t, fourth.Cached)
	assert.Equal(t, 3, f.remote.Calls(memremote.OpGet))
}

func TestLoad_CallerMutationDoesNotLeakIntoCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "doc1", 1, doc.Content{"a": 1})

	first, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	first.Content["a"] = 99

	second, err := f.store.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, doc.FieldEqual(doc.Content{"a": 1}, second.Content, "a"))
}

func TestLoad_CorruptBlob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, "doc1", 1, doc.Content{"a": 1})
	f.remote.CorruptBlob("doc1-1", []byte(`{"a":2}`))

	_, err := f.store.Load(ctx, "doc1")
	assert.Equal(t, syncerr.CodeCorrupt, syncerr.CodeOf(err))
}

func TestLoad_MissingBlobIsCorrupt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := []byte(`{"a":1}`)
	d := remotetest.Document("doc1", 1, data)
	d.BlobPath = "doc1-1.deadbeef"
	f.remote.Commit(d, data)
	require.NoError(t, f.remote.Delete(ctx, d.BlobPath))

	_, err := f.store.Load(ctx, "doc1")
	assert.Equal(t, syncerr.CodeCorrupt, syncerr.CodeOf(err))
}

func TestLoad_Offline(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.SetOffline(true)
	_, err := f.store.Load(context.Background(), "doc1")
	assert.True(t, syncerr.IsTransient(err))

	loads := f.rec.Filter(telemetry.KindLoad)
	require.Len(t, loads, 1)
	assert.Equal(t, "TRANSIENT", loads[0].ErrorCode)
}

func TestSave_PriorBlobDeleteFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: doc.Content{"a": 1}})
	require.NoError(t, err)

	f.remote.FailNext(memremote.OpDelete, 1)
	res, err := f.store.Save(ctx, WriteRequest{Key: "doc1", Content: doc.Content{"a": 2}, KnownRevision: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Revision)
	assert.True(t, f.remote.HasBlob("doc1-1"))
}

func TestSaveLocked_RequiresCallerToHoldLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	h := f.store.Locks().Acquire("doc1")
	defer h.Release()

	res, err := f.store.SaveLocked(ctx, WriteRequest{Key: "doc1", Content: doc.Content{}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)
}
