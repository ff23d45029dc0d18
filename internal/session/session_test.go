package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resync/internal/backup"
	"github.com/roach88/resync/internal/dispatch"
	"github.com/roach88/resync/internal/progress"
	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/registry"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/replicator"
	"github.com/roach88/resync/internal/store"
	"github.com/roach88/resync/internal/syncengine"
)

var alice = replica.Identity{ID: "alice", Token: "tok-alice", Provider: "test"}

type fixture struct {
	dir      string
	server   *syncengine.Server
	engine   *syncengine.Engine
	registry *registry.Registry
	backups  *backup.Store
	opener   *Opener
}

func startLoop(t *testing.T) *dispatch.Loop {
	t.Helper()
	loop := dispatch.NewLoop()
	go loop.Run(context.Background())
	t.Cleanup(loop.Stop)
	return loop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	srv, err := syncengine.NewServer(filepath.Join(dir, "server"), nil)
	require.NoError(t, err)
	eng := syncengine.New(filepath.Join(dir, "replicas"), srv,
		syncengine.WithSyncInterval(20*time.Millisecond), syncengine.WithChunkSize(50))

	f := &fixture{
		dir:      dir,
		server:   srv,
		engine:   eng,
		registry: registry.NewMemory(),
		backups:  backup.New(),
	}
	merger := replicator.New(eng, f.backups, replicator.DefaultPolicy)
	f.opener = NewOpener(eng, f.registry, merger, startLoop(t), WithDeleteDelay(10*time.Millisecond))
	t.Cleanup(func() {
		f.opener.Close()
		eng.Close()
		srv.Close()
	})
	return f
}

// recorder collects listener callbacks.
type recorder struct {
	mu       sync.Mutex
	progress []progress.Notification
	changes  []replica.ChangeSet
}

func (r *recorder) listener() Listener {
	return Listener{
		Progress: func(n progress.Notification) {
			r.mu.Lock()
			r.progress = append(r.progress, n)
			r.mu.Unlock()
		},
		Changes: func(cs replica.ChangeSet) {
			r.mu.Lock()
			r.changes = append(r.changes, cs)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) Progress() []progress.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Notification(nil), r.progress...)
}

func (r *recorder) Changes() []replica.ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]replica.ChangeSet(nil), r.changes...)
}

func seed(t *testing.T, srv *syncengine.Server, scope replica.Scope, recs ...record.Record) {
	t.Helper()
	ctx := context.Background()
	epoch, err := srv.Epoch(ctx, scope)
	require.NoError(t, err)
	require.NoError(t, srv.Upload(ctx, "seed", scope, epoch, recs, nil))
}

func insertSamples(t *testing.T, s *Session) {
	t.Helper()
	ids := record.NewSequenceGenerator("sample")
	err := s.Update(context.Background(), func(tx replica.Tx) error {
		for i := 0; i < record.SampleBatchSize; i++ {
			r := record.Record{ID: ids.Generate(), Partition: string(s.Scope()), LongInt: record.Int(int64(i))}
			if err := tx.Upsert(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_ColdThenWarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc := f.opener.Location(alice, "P")

	assert.Equal(t, replica.StrategyCold, f.opener.SelectStrategy(loc))

	res, err := f.opener.Open(ctx, alice, "P", Listener{})
	require.NoError(t, err)
	assert.Equal(t, replica.StrategyCold, res.Strategy)
	assert.True(t, f.registry.HasCompletedOpen(loc))
	assert.Equal(t, StateLive, res.Session.State())

	insertSamples(t, res.Session)
	require.NoError(t, res.Session.Close())
	assert.Equal(t, StateClosed, res.Session.State())

	var rec recorder
	res, err = f.opener.Open(ctx, alice, "P", rec.listener())
	require.NoError(t, err)
	defer res.Session.Close()
	assert.Equal(t, replica.StrategyWarm, res.Strategy)

	require.Eventually(t, func() bool { return len(rec.Changes()) > 0 }, time.Second, 5*time.Millisecond)
	first := rec.Changes()[0]
	assert.True(t, first.Initial)
	assert.Equal(t, 500, first.Count)

	n, err := res.Session.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, n)
}

func TestSelectStrategy_ClearsStaleEntry(t *testing.T) {
	f := newFixture(t)
	loc := f.opener.Location(alice, "P")
	require.NoError(t, f.registry.MarkOpened(loc))

	assert.Equal(t, replica.StrategyCold, f.opener.SelectStrategy(loc))
	assert.False(t, f.registry.HasCompletedOpen(loc), "entry without a file is stale")
}

func TestSelectStrategy_FileWithoutEntryIsCold(t *testing.T) {
	f := newFixture(t)
	loc := f.opener.Location(alice, "P")
	require.NoError(t, os.MkdirAll(filepath.Dir(string(loc)), 0o755))
	require.NoError(t, os.WriteFile(string(loc), nil, 0o644))

	assert.Equal(t, replica.StrategyCold, f.opener.SelectStrategy(loc))
}

func TestOpen_ColdReportsProgress(t *testing.T) {
	f := newFixture(t)
	var recs []record.Record
	ids := record.NewSequenceGenerator("srv")
	for i := 0; i < 220; i++ {
		recs = append(recs, record.Record{ID: ids.Generate(), Partition: "P", LongInt: record.Int(int64(i))})
	}
	seed(t, f.server, "P", recs...)

	var rec recorder
	res, err := f.opener.Open(context.Background(), alice, "P", rec.listener())
	require.NoError(t, err)
	defer res.Session.Close()

	require.Eventually(t, func() bool {
		p := rec.Progress()
		return len(p) > 0 && p[len(p)-1].Final
	}, time.Second, 5*time.Millisecond)

	finals := 0
	var last int64
	for _, n := range rec.Progress() {
		if n.Final {
			finals++
			assert.Equal(t, "Transfer finished", n.Message)
			continue
		}
		assert.Greater(t, n.Sample.Transferred, last)
		last = n.Sample.Transferred
	}
	assert.Equal(t, 1, finals)

	n, err := res.Session.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 220, n)
}

func writeBackup(t *testing.T, f *fixture, loc replica.Location, recs ...record.Record) {
	t.Helper()
	src := filepath.Join(f.dir, "discarded.replica")
	st, err := store.Open(src)
	require.NoError(t, err)
	_, err = st.Update(context.Background(), func(tx *store.Tx) error {
		for _, r := range recs {
			if err := tx.Upsert(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())
	_, err = f.backups.Backup(src, loc)
	require.NoError(t, err)
}

func TestOpen_MergesPendingBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc := f.opener.Location(alice, "P")
	seed(t, f.server, "P", record.Record{ID: "1", Partition: "P", LongInt: record.Int(3)})
	writeBackup(t, f, loc,
		record.Record{ID: "1", Partition: "P", LongInt: record.Int(5)},
		record.Record{ID: "2", Partition: "P", LongInt: record.Int(7)},
	)

	res, err := f.opener.Open(ctx, alice, "P", Listener{})
	require.NoError(t, err)
	defer res.Session.Close()
	require.NoError(t, res.MergeErr)
	assert.Equal(t, 2, res.Merged)
	assert.False(t, f.backups.Exists(loc))

	recs, err := res.Session.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(5), *recs[0].LongInt)
	assert.Equal(t, int64(7), *recs[1].LongInt)
}

func TestOpen_MergeFailureKeepsSessionAndBackup(t *testing.T) {
	f := newFixture(t)
	loc := f.opener.Location(alice, "P")
	require.NoError(t, os.MkdirAll(filepath.Dir(string(loc)), 0o755))
	require.NoError(t, os.WriteFile(backup.PathFor(loc), []byte("not a database"), 0o644))

	res, err := f.opener.Open(context.Background(), alice, "P", Listener{})
	require.NoError(t, err)
	defer res.Session.Close()

	assert.True(t, replica.IsKind(res.MergeErr, replica.KindMerge))
	assert.True(t, f.backups.Exists(loc))
	_, err = res.Session.Count(context.Background())
	assert.NoError(t, err)
}

// observeFailEngine opens real replicas whose observers cannot be
// registered.
type observeFailEngine struct {
	*syncengine.Engine
}

func (e observeFailEngine) OpenAsync(ctx context.Context, cfg replica.Config, sink replica.ProgressSink) (replica.Handle, error) {
	h, err := e.Engine.OpenAsync(ctx, cfg, sink)
	if err != nil {
		return nil, err
	}
	return observeFailHandle{h}, nil
}

type observeFailHandle struct {
	replica.Handle
}

func (observeFailHandle) Observe(query.Query, replica.ChangeSink) (replica.Token, error) {
	return nil, errors.New("observer registration failed")
}

func TestOpen_ObserveFailureKeepsBackup(t *testing.T) {
	f := newFixture(t)
	loc := f.opener.Location(alice, "P")
	writeBackup(t, f, loc, record.Record{ID: "1", Partition: "P", LongInt: record.Int(5)})

	merger := replicator.New(f.engine, f.backups, replicator.DefaultPolicy)
	o := NewOpener(observeFailEngine{f.engine}, f.registry, merger, startLoop(t), WithDeleteDelay(10*time.Millisecond))
	t.Cleanup(o.Close)

	_, err := o.Open(context.Background(), alice, "P", Listener{})
	require.Error(t, err)
	assert.True(t, replica.IsKind(err, replica.KindOpen))

	o.Wait()
	assert.True(t, f.backups.Exists(loc), "unsynced edits must survive a failed open")
	assert.False(t, f.registry.HasCompletedOpen(loc))

	res, err := f.opener.Open(context.Background(), alice, "P", Listener{})
	require.NoError(t, err)
	defer res.Session.Close()
	assert.Equal(t, 1, res.Merged)
	assert.False(t, f.backups.Exists(loc))
}

func TestSession_ClosedRejectsUse(t *testing.T) {
	f := newFixture(t)
	res, err := f.opener.Open(context.Background(), alice, "P", Listener{})
	require.NoError(t, err)
	require.NoError(t, res.Session.Close())
	require.NoError(t, res.Session.Close())

	_, err = res.Session.Count(context.Background())
	assert.ErrorIs(t, err, replica.ErrClosed)
	err = res.Session.Update(context.Background(), func(replica.Tx) error { return nil })
	assert.ErrorIs(t, err, replica.ErrClosed)
}

func TestInsertOrUpdateSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.opener.Open(ctx, alice, "P", Listener{})
	require.NoError(t, err)
	defer res.Session.Close()

	ids := record.NewSequenceGenerator("s")
	rng := rand.New(rand.NewPCG(1, 2))

	inserted, updated, err := res.Session.InsertOrUpdateSample(ctx, ids, rng)
	require.NoError(t, err)
	assert.Equal(t, record.SampleBatchSize, inserted)
	assert.Zero(t, updated)

	before, err := res.Session.Records(ctx)
	require.NoError(t, err)

	inserted, updated, err = res.Session.InsertOrUpdateSample(ctx, ids, rng)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Equal(t, record.SampleBatchSize, updated)

	after, err := res.Session.Records(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, *before[i].LongInt-1, *after[i].LongInt)
		assert.Equal(t, *before[i].MediumInt+1, *after[i].MediumInt)
	}
}

// failingEngine creates a file on open and then fails.
type failingEngine struct {
	dir     string
	deletes int
	mu      sync.Mutex
}

func (e *failingEngine) Location(id replica.Identity, scope replica.Scope) replica.Location {
	return replica.Location(filepath.Join(e.dir, id.ID+"-"+string(scope)+".replica"))
}

func (e *failingEngine) Exists(loc replica.Location) bool {
	_, err := os.Stat(string(loc))
	return err == nil
}

func (e *failingEngine) OpenSync(ctx context.Context, cfg replica.Config) (replica.Handle, error) {
	return nil, errors.New("local file corrupt")
}

func (e *failingEngine) OpenAsync(ctx context.Context, cfg replica.Config, sink replica.ProgressSink) (replica.Handle, error) {
	if err := os.WriteFile(string(cfg.Location), []byte("partial"), 0o644); err != nil {
		return nil, err
	}
	return nil, replica.ErrUnauthorized
}

func (e *failingEngine) DeleteFiles(loc replica.Location) error {
	e.mu.Lock()
	e.deletes++
	e.mu.Unlock()
	return os.Remove(string(loc))
}

func newFailingOpener(t *testing.T, delay time.Duration) (*Opener, *failingEngine, *registry.Registry) {
	t.Helper()
	eng := &failingEngine{dir: t.TempDir()}
	reg := registry.NewMemory()
	merger := replicator.New(nil, backup.New(), "")
	o := NewOpener(eng, reg, merger, startLoop(t), WithDeleteDelay(delay))
	t.Cleanup(o.Close)
	return o, eng, reg
}

func TestOpen_ColdFailureDeletesPartialFile(t *testing.T) {
	o, eng, reg := newFailingOpener(t, 10*time.Millisecond)
	loc := o.Location(alice, "P")

	_, err := o.Open(context.Background(), alice, "P", Listener{})
	require.Error(t, err)
	assert.True(t, replica.IsKind(err, replica.KindOpen))
	assert.ErrorIs(t, err, replica.ErrUnauthorized)

	o.Wait()
	assert.False(t, eng.Exists(loc))
	assert.False(t, reg.HasCompletedOpen(loc))
	assert.Equal(t, 1, eng.deletes)
}

func TestOpen_WarmFailureKeepsFiles(t *testing.T) {
	o, eng, reg := newFailingOpener(t, 10*time.Millisecond)
	loc := o.Location(alice, "P")
	require.NoError(t, os.WriteFile(string(loc), []byte("data"), 0o644))
	require.NoError(t, reg.MarkOpened(loc))

	_, err := o.Open(context.Background(), alice, "P", Listener{})
	require.Error(t, err)
	assert.True(t, replica.IsKind(err, replica.KindOpen))

	o.Wait()
	assert.True(t, eng.Exists(loc))
	assert.True(t, reg.HasCompletedOpen(loc))
	assert.Zero(t, eng.deletes)
}

func TestClose_CancelsPendingDelete(t *testing.T) {
	o, eng, _ := newFailingOpener(t, time.Hour)
	loc := o.Location(alice, "P")

	_, err := o.Open(context.Background(), alice, "P", Listener{})
	require.Error(t, err)

	o.Close()
	assert.True(t, eng.Exists(loc))
	assert.Zero(t, eng.deletes)
}
