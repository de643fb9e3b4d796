package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/presence"
	"github.com/roach88/docsync/internal/remote/memremote"
	"github.com/roach88/docsync/internal/snapshot"
	"github.com/roach88/docsync/internal/status"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/telemetry"
	"github.com/roach88/docsync/internal/testutil"
)

type fixture struct {
	remote *memremote.Store
	clock  *testutil.ManualClock
	net    *presence.Manual
	rec    *telemetry.Recorder
	cfg    config.Config
	kv     *localstore.Memory
	eng    *Engine
	logger *slog.Logger
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote: memremote.New(),
		clock:  testutil.NewManualClock(testutil.Epoch),
		net:    presence.NewManual(true),
		rec:    &telemetry.Recorder{},
		cfg:    config.Default(),
	}
	f.kv = localstore.NewMemory(0)
	f.eng = f.open(t, f.kv)
	return f
}

// open starts an engine over kv sharing the fixture's remote, clock and network.
func (f *fixture) open(t *testing.T, kv localstore.KV) *Engine {
	t.Helper()
	e, err := New(context.Background(), Options{
		Remote:    f.remote,
		KV:        kv,
		Config:    f.cfg,
		Presence:  f.net,
		Clock:     f.clock,
		IDs:       testutil.NewSequentialIDs("id"),
		Logger:    f.logOrQuiet(),
		Telemetry: f.rec,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func (f *fixture) logOrQuiet() *slog.Logger {
	if f.logger != nil {
		return f.logger
	}
	return quietLogger()
}

// tab opens a second client with its own local state against the same remote.
func (f *fixture) tab(t *testing.T) *Engine {
	return f.open(t, localstore.NewMemory(0))
}

func content(t *testing.T, s string) doc.Content {
	t.Helper()
	c, err := doc.ParseContent([]byte(s))
	require.NoError(t, err)
	return c
}

func encoded(t *testing.T, c doc.Content) string {
	t.Helper()
	b, err := c.Encode()
	require.NoError(t, err)
	return string(b)
}

func mustSave(t *testing.T, e *Engine, key string, known uint64, body string) SaveResult {
	t.Helper()
	res, err := e.Save(context.Background(), WriteRequest{Key: key, Content: content(t, body), KnownRevision: known})
	require.NoError(t, err)
	return res
}

func statusOf(t *testing.T, e *Engine, key string) status.Status {
	t.Helper()
	s, err := e.Status(context.Background(), key)
	require.NoError(t, err)
	return s
}

// Scenario A.
func TestSaveThenLoad_NewDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := mustSave(t, f.eng, "doc1", 0, `{"title":"v1"}`)
	assert.Equal(t, uint64(1), res.Revision)
	assert.Equal(t, status.StateSynced, res.State)
	assert.False(t, res.Queued)
	assert.True(t, f.remote.HasBlob("doc1-1"))

	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Revision)
	assert.Equal(t, snapshot.SourceRemote, got.Source)
	assert.False(t, got.Stale())
	assert.JSONEq(t, `{"title":"v1"}`, encoded(t, got.Content))

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateSynced, s.State)
	assert.Equal(t, uint64(1), s.Revision)
	assert.Equal(t, testutil.Epoch, s.LastSyncedAt)
}

func TestSave_RevisionsAdvanceByOne(t *testing.T) {
	f := newFixture(t)
	for i := uint64(1); i <= 4; i++ {
		res := mustSave(t, f.eng, "doc1", i-1, fmt.Sprintf(`{"n":%d}`, i))
		assert.Equal(t, i, res.Revision)
	}
}

func TestSave_StoresSnapshot(t *testing.T) {
	f := newFixture(t)
	mustSave(t, f.eng, "doc1", 0, `{"title":"v1"}`)

	snap, err := f.eng.Snapshots().Get(context.Background(), "doc1", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"v1"}`, string(snap.Data))
}

func TestSave_InvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Save(context.Background(), WriteRequest{Key: "", Content: doc.Content{}})
	assert.Error(t, err)
	_, err = f.eng.Save(context.Background(), WriteRequest{Key: "doc1"})
	assert.ErrorIs(t, err, doc.ErrInvalid)
}

// Scenario B.
func TestConcurrentTabs_OneWinsOtherConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tabA, tabB := f.eng, f.tab(t)

	mustSave(t, tabA, "doc1", 0, `{"title":"base"}`)
	_, err := tabB.Load(ctx, "doc1")
	require.NoError(t, err)

	type outcome struct {
		res SaveResult
		err error
	}
	results := make([]outcome, 2)
	var wg sync.WaitGroup
	for i, tab := range []*Engine{tabA, tabB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := `{"title":"from-A"}`
			if i == 1 {
				body = `{"title":"from-B"}`
			}
			res, err := tab.Save(ctx, WriteRequest{Key: "doc1", Content: content(t, body), KnownRevision: 1})
			results[i] = outcome{res, err}
		}()
	}
	wg.Wait()

	var winners, conflicts int
	for _, r := range results {
		if r.err == nil {
			winners++
			assert.Equal(t, uint64(2), r.res.Revision)
			continue
		}
		var pending *conflict.PendingError
		require.ErrorAs(t, r.err, &pending)
		assert.Equal(t, uint64(2), pending.Conflict.RemoteRevision)
		assert.Equal(t, uint64(1), pending.Conflict.KnownRevision)
		assert.Equal(t, []string{"title"}, pending.Conflict.Fields)
		conflicts++
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, conflicts)

	meta, err := f.remote.GetMetadata(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.Revision)
}

func TestConcurrentTabs_DisjointEditsMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tabA, tabB := f.eng, f.tab(t)

	mustSave(t, tabA, "doc1", 0, `{"title":"t","body":"b"}`)
	_, err := tabB.Load(ctx, "doc1")
	require.NoError(t, err)

	mustSave(t, tabA, "doc1", 1, `{"title":"T2","body":"b"}`)
	res := mustSave(t, tabB, "doc1", 1, `{"title":"t","body":"B2"}`)
	assert.Equal(t, uint64(3), res.Revision)
	assert.Equal(t, 1, res.Merges)

	got, err := tabA.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"T2","body":"B2"}`, encoded(t, got.Content))

	merged := f.rec.Filter(telemetry.KindConflict)
	require.Len(t, merged, 1)
	assert.Equal(t, string(conflict.OutcomeMerged), merged[0].Outcome)
}

// Scenario C.
func TestOfflineSave_QueuedThenDrained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustSave(t, f.eng, "doc1", 0, `{"v":1}`)
	casBefore := f.remote.Calls(memremote.OpCAS)

	f.net.Set(false)
	res := mustSave(t, f.eng, "doc1", 1, `{"v":2}`)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.OpID)
	assert.Equal(t, status.StateQueuedOffline, res.State)
	assert.Equal(t, status.StateQueuedOffline, statusOf(t, f.eng, "doc1").State)
	assert.Equal(t, casBefore, f.remote.Calls(memremote.OpCAS))

	f.net.Set(true)
	rep, err := f.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drained)

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateSynced, s.State)
	assert.Equal(t, uint64(2), s.Revision)

	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Revision)
	assert.JSONEq(t, `{"v":2}`, encoded(t, got.Content))
}

func TestTransientFailure_QueuesWithReason(t *testing.T) {
	f := newFixture(t)
	f.remote.FailNext(memremote.OpPut, 1)

	res := mustSave(t, f.eng, "doc1", 0, `{"v":1}`)
	assert.True(t, res.Queued)

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateQueuedOffline, s.State)
	require.NotNil(t, s.LastError)
	assert.Equal(t, string(syncerr.CodeTransient), s.LastError.Code)

	rep, err := f.eng.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drained)
	assert.Equal(t, status.StateSynced, statusOf(t, f.eng, "doc1").State)
}

func TestSave_CoalescesWithQueuedWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustSave(t, f.eng, "doc1", 0, `{"v":1}`)

	f.net.Set(false)
	first := mustSave(t, f.eng, "doc1", 1, `{"v":2}`)
	f.net.Set(true)
	// Online, but an older write is still queued: the new one joins it.
	second := mustSave(t, f.eng, "doc1", 1, `{"v":3}`)
	assert.True(t, second.Queued)
	assert.Equal(t, first.OpID, second.OpID)

	casBefore := f.remote.Calls(memremote.OpCAS)
	rep, err := f.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drained)
	assert.Equal(t, casBefore+1, f.remote.Calls(memremote.OpCAS))

	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Revision)
	assert.JSONEq(t, `{"v":3}`, encoded(t, got.Content))
}

// Scenario D.
func TestQueuedWrite_DeadLetteredAfterFifthFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.SetOffline(true)
	res := mustSave(t, f.eng, "doc1", 0, `{"v":1}`)
	require.True(t, res.Queued)

	for attempt := 1; attempt <= 5; attempt++ {
		rep, err := f.eng.Drain(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Attempted, "attempt %d", attempt)
		if attempt < 5 {
			assert.Equal(t, status.StateQueuedOffline, statusOf(t, f.eng, "doc1").State)
		}
		f.clock.Advance(2 * time.Minute)
	}

	dead, err := f.eng.Queue().DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 5, dead[0].Attempts)

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateError, s.State)
	require.NotNil(t, s.LastError)
	assert.Equal(t, string(syncerr.CodeTransient), s.LastError.Code)

	// A sixth failure never happens: nothing is attempted automatically.
	metaCalls := f.remote.Calls(memremote.OpMeta)
	rep, err := f.eng.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
	assert.Equal(t, metaCalls, f.remote.Calls(memremote.OpMeta))

	// Manual retry once the remote is back.
	f.remote.SetOffline(false)
	_, err = f.eng.RetryDeadLetter(ctx, dead[0].ID)
	require.NoError(t, err)
	assert.Equal(t, status.StateQueuedOffline, statusOf(t, f.eng, "doc1").State)
	rep, err = f.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drained)
	assert.Equal(t, status.StateSynced, statusOf(t, f.eng, "doc1").State)
}

func TestDiscardDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.Queue.MaxAttempts = 1
	e := f.open(t, localstore.NewMemory(0))

	f.remote.SetOffline(true)
	mustSave(t, e, "doc1", 0, `{"v":1}`)
	_, err := e.Drain(ctx)
	require.NoError(t, err)
	dead, err := e.Queue().DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	_, err = e.DiscardDeadLetter(ctx, dead[0].ID)
	require.NoError(t, err)
	assert.Equal(t, status.StateSynced, statusOf(t, e, "doc1").State)
}

// incompressible returns JSON content whose canonical form is about n bytes
// and does not shrink under gzip.
func incompressible(t *testing.T, n int) doc.Content {
	t.Helper()
	r := rand.New(rand.NewPCG(1, 2))
	raw := make([]byte, n*3/4)
	for i := range raw {
		raw[i] = byte(r.UintN(256))
	}
	return doc.Content{"blob": base64.StdEncoding.EncodeToString(raw)}
}

// Scenario E.
func TestLargeDocument_SnapshotSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.eng.Save(ctx, WriteRequest{Key: "big", Content: incompressible(t, 1<<20)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)
	assert.Equal(t, status.StateSynced, res.State)
	require.Error(t, res.SnapshotErr)
	assert.ErrorIs(t, res.SnapshotErr, snapshot.ErrTooLarge)

	_, err = f.eng.Snapshots().Latest(ctx, "big")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	var failed []telemetry.Event
	for _, e := range f.rec.Filter(telemetry.KindSnapshot) {
		if !e.Success {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, string(syncerr.CodeCapacity), failed[0].ErrorCode)
}

func TestLoad_FallsBackToSnapshotWhenOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustSave(t, f.eng, "doc1", 0, `{"v":1}`)

	f.remote.SetOffline(true)
	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, got.Stale())
	assert.Equal(t, snapshot.SourceLocal, got.Source)
	assert.Equal(t, uint64(1), got.Revision)
	assert.JSONEq(t, `{"v":1}`, encoded(t, got.Content))
	assert.Equal(t, syncerr.CodeTransient, syncerr.CodeOf(got.RemoteErr))

	// No snapshot: the remote failure is returned.
	_, err = f.eng.Load(ctx, "other")
	assert.True(t, syncerr.IsTransient(err))
}

func TestLoad_NoFallbackForMissingOrDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustSave(t, f.eng, "doc1", 0, `{"v":1}`)

	_, err := f.eng.Load(ctx, "never-saved")
	assert.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(err))

	f.remote.SetUnauthorized(true)
	f.clock.Advance(10 * time.Minute)
	_, err = f.eng.Load(ctx, "doc1")
	assert.True(t, syncerr.IsUnauthorized(err))
}

func TestUnauthorized_ErrorNotQueued(t *testing.T) {
	f := newFixture(t)
	f.remote.SetUnauthorized(true)

	_, err := f.eng.Save(context.Background(), WriteRequest{Key: "doc1", Content: content(t, `{"v":1}`)})
	require.Error(t, err)
	assert.True(t, syncerr.IsUnauthorized(err))

	n, err := f.eng.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateError, s.State)
	assert.Equal(t, string(syncerr.CodeUnauthorized), s.LastError.Code)
}

func TestQueueFull_Surfaced(t *testing.T) {
	f := newFixture(t)
	f.cfg.Queue.Capacity = 1
	e := f.open(t, localstore.NewMemory(0))
	f.net.Set(false)

	mustSave(t, e, "a", 0, `{}`)
	_, err := e.Save(context.Background(), WriteRequest{Key: "b", Content: content(t, `{}`)})
	require.Error(t, err)
	assert.True(t, syncerr.IsCapacity(err))
	assert.Equal(t, status.StateError, statusOf(t, e, "b").State)
}

// openConflict drives doc1 into a pending conflict: remote at revision 2
// with title "remote", local edit at revision 1 with title "local".
func openConflict(t *testing.T, f *fixture) conflict.Conflict {
	t.Helper()
	ctx := context.Background()
	other := f.tab(t)
	mustSave(t, f.eng, "doc1", 0, `{"title":"base","body":"x"}`)
	mustSave(t, other, "doc1", 1, `{"title":"remote","body":"x"}`)

	_, err := f.eng.Save(ctx, WriteRequest{Key: "doc1", Content: content(t, `{"title":"local","body":"x"}`), KnownRevision: 1})
	var pending *conflict.PendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, status.StateConflict, statusOf(t, f.eng, "doc1").State)
	assert.Equal(t, pending.ConflictID(), statusOf(t, f.eng, "doc1").ConflictID)
	return pending.Conflict
}

func TestSave_BlockedWhileConflictPending(t *testing.T) {
	f := newFixture(t)
	c := openConflict(t, f)

	_, err := f.eng.Save(context.Background(), WriteRequest{Key: "doc1", Content: content(t, `{"title":"again"}`), KnownRevision: 2})
	var pending *conflict.PendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, c.ID, pending.ConflictID())
}

func TestResolveConflict_KeepLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := openConflict(t, f)

	res, err := f.eng.ResolveConflict(ctx, c.ID, conflict.Choice{Kind: conflict.KeepLocal})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Revision)
	assert.Equal(t, status.StateSynced, res.State)

	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local","body":"x"}`, encoded(t, got.Content))

	pending, err := f.eng.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var outcomes []string
	for _, e := range f.rec.Filter(telemetry.KindConflict) {
		if e.Outcome != "" {
			outcomes = append(outcomes, e.Outcome)
		}
	}
	assert.Contains(t, outcomes, string(conflict.OutcomeUserChoice))
}

func TestResolveConflict_KeepRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := openConflict(t, f)
	casBefore := f.remote.Calls(memremote.OpCAS)

	res, err := f.eng.ResolveConflict(ctx, c.ID, conflict.Choice{Kind: conflict.KeepRemote})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Revision)
	assert.Equal(t, casBefore, f.remote.Calls(memremote.OpCAS))

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateSynced, s.State)
	assert.Equal(t, uint64(2), s.Revision)
}

func TestResolveConflict_Manual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := openConflict(t, f)

	res, err := f.eng.ResolveConflict(ctx, c.ID, conflict.Choice{
		Kind:    conflict.Manual,
		Content: content(t, `{"title":"both","body":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Revision)

	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"both","body":"x"}`, encoded(t, got.Content))
}

func TestResolveConflict_RemoteMovedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := openConflict(t, f)

	other := f.tab(t)
	_, err := other.Load(ctx, "doc1")
	require.NoError(t, err)
	mustSave(t, other, "doc1", 2, `{"title":"remote-again","body":"x"}`)

	_, err = f.eng.ResolveConflict(ctx, c.ID, conflict.Choice{Kind: conflict.KeepLocal})
	var pending *conflict.PendingError
	require.ErrorAs(t, err, &pending)
	assert.NotEqual(t, c.ID, pending.ConflictID())
	assert.Equal(t, uint64(3), pending.Conflict.RemoteRevision)
	assert.Equal(t, status.StateConflict, statusOf(t, f.eng, "doc1").State)
}

func TestResolveConflict_FailedCommitKeepsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := openConflict(t, f)

	f.remote.SetUnauthorized(true)
	res, err := f.eng.ResolveConflict(ctx, c.ID, conflict.Choice{Kind: conflict.KeepLocal})
	require.Error(t, err)
	assert.True(t, syncerr.IsUnauthorized(err))
	assert.Equal(t, status.StateConflict, res.State)

	kept, err := f.eng.Conflict(ctx, c.ID)
	require.NoError(t, err, "local edit must stay recoverable")
	assert.JSONEq(t, `{"title":"local","body":"x"}`, string(kept.Local))

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateConflict, s.State)
	assert.Equal(t, c.ID, s.ConflictID)
	require.NotNil(t, s.LastError)
	assert.Equal(t, string(syncerr.CodeUnauthorized), s.LastError.Code)

	f.remote.SetUnauthorized(false)
	res, err = f.eng.ResolveConflict(ctx, c.ID, conflict.Choice{Kind: conflict.KeepLocal})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Revision)

	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local","body":"x"}`, encoded(t, got.Content))
}

func TestResolveConflict_OfflineQueuesThenCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := openConflict(t, f)

	f.net.Set(false)
	res, err := f.eng.ResolveConflict(ctx, c.ID, conflict.Choice{Kind: conflict.KeepLocal})
	require.NoError(t, err)
	assert.True(t, res.Queued)

	pending, err := f.eng.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := f.eng.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// lockedBuffer is an io.Writer safe for concurrent log output.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSave_LogsLockContention(t *testing.T) {
	f := newFixture(t)
	logs := &lockedBuffer{}
	f.logger = slog.New(slog.NewTextHandler(logs, nil))
	eng := f.tab(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	held := eng.Locks().Acquire("doc1")
	var wg sync.WaitGroup
	for range contentionWarnDepth {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := eng.Locks().AcquireContext(ctx, "doc1"); err == nil {
				h.Release()
			}
		}()
	}
	require.Eventually(t, func() bool {
		return eng.Locks().Depth("doc1") == contentionWarnDepth
	}, time.Second, time.Millisecond)

	body := content(t, `{"v":1}`)
	done := make(chan error, 1)
	go func() {
		_, err := eng.Save(ctx, WriteRequest{Key: "doc1", Content: body})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "key lock contended")
	}, time.Second, time.Millisecond)
	assert.Contains(t, logs.String(), "waiters=4")

	eng.reportContention()

	held.Release()
	require.NoError(t, <-done)
	wg.Wait()
	assert.Zero(t, eng.Locks().Depth("doc1"))
}

func TestResolveConflict_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.ResolveConflict(context.Background(), "missing", conflict.Choice{Kind: conflict.KeepRemote})
	assert.ErrorIs(t, err, conflict.ErrNotFound)

	_, err = f.eng.ResolveConflict(context.Background(), "missing", conflict.Choice{Kind: conflict.Manual})
	assert.Error(t, err)
}

func TestAbandonConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := openConflict(t, f)

	require.NoError(t, f.eng.AbandonConflict(ctx, c.ID))

	abandoned, err := f.eng.Snapshots().Abandoned(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.JSONEq(t, `{"title":"local","body":"x"}`, string(abandoned[0].Data))
	assert.Equal(t, uint64(1), abandoned[0].Revision)

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateSynced, s.State)
	assert.Equal(t, uint64(2), s.Revision)

	meta, err := f.remote.GetMetadata(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.Revision)

	var abandonedEvents int
	for _, e := range f.rec.Filter(telemetry.KindConflict) {
		if e.Outcome == string(conflict.OutcomeAbandoned) {
			abandonedEvents++
		}
	}
	assert.Equal(t, 1, abandonedEvents)
}

func TestQueuedWrite_ConflictDuringDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.tab(t)
	mustSave(t, f.eng, "doc1", 0, `{"title":"base"}`)

	f.net.Set(false)
	mustSave(t, f.eng, "doc1", 1, `{"title":"offline edit"}`)
	f.net.Set(true)

	mustSave(t, other, "doc1", 1, `{"title":"other tab"}`)

	rep, err := f.eng.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conflicted)
	assert.Equal(t, 0, rep.Remaining)

	s := statusOf(t, f.eng, "doc1")
	assert.Equal(t, status.StateConflict, s.State)
	require.NotEmpty(t, s.ConflictID)

	c, err := f.eng.Conflict(ctx, s.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.RemoteRevision)
}

func TestRestart_RecoversInterruptedSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A previous process died mid-commit on "lost" and after queueing "kept".
	_, err := f.eng.Statuses().Apply(ctx, "lost", status.Transition{Trigger: status.TriggerAttempt})
	require.NoError(t, err)
	f.net.Set(false)
	mustSave(t, f.eng, "kept", 0, `{}`)
	_, err = f.eng.Statuses().Apply(ctx, "kept", status.Transition{Trigger: status.TriggerAttempt})
	require.NoError(t, err)

	restarted := f.open(t, f.kv)
	lost := statusOf(t, restarted, "lost")
	assert.Equal(t, status.StateError, lost.State)
	assert.Equal(t, string(syncerr.CodeUnknownState), lost.LastError.Code)
	assert.Equal(t, status.StateQueuedOffline, statusOf(t, restarted, "kept").State)

	// The queue survived too.
	f.net.Set(true)
	rep, err := restarted.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drained)
}

func TestRun_DrainsOnReconnect(t *testing.T) {
	f := newFixture(t)
	f.net.Set(false)
	mustSave(t, f.eng, "doc1", 0, `{"v":1}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	f.net.Set(true)
	require.Eventually(t, func() bool {
		s, err := f.eng.Status(context.Background(), "doc1")
		return err == nil && s.State == status.StateSynced
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_FlushesOnShutdown(t *testing.T) {
	f := newFixture(t)
	f.remote.FailNext(memremote.OpMeta, 1)
	res := mustSave(t, f.eng, "doc1", 0, `{"v":1}`)
	require.True(t, res.Queued)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.eng.Run(ctx))

	n, err := f.eng.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(context.Background(), Options{KV: localstore.NewMemory(0)})
	assert.Error(t, err)
	_, err = New(context.Background(), Options{Remote: memremote.New()})
	assert.Error(t, err)
}

func TestLoad_CorruptRemoteFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustSave(t, f.eng, "doc1", 0, `{"v":1}`)

	f.remote.CorruptBlob("doc1-1", []byte(`{"v":"tampered"}`))
	f.clock.Advance(10 * time.Minute) // past the in-memory load cache

	got, err := f.eng.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, got.Stale())
	assert.Equal(t, syncerr.CodeCorrupt, syncerr.CodeOf(got.RemoteErr))
	assert.JSONEq(t, `{"v":1}`, encoded(t, got.Content))
}
