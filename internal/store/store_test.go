package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.replica")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
	assert.Equal(t, path, s.Path())
	assert.False(t, s.ReadOnly())
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.replica")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"records", "tombstones", "meta"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found after idempotent opens", table)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.replica")
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestClose_MultipleCalls(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.replica"))
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	// NORMAL = 1
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestUpdate_CountsNetChanges(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	changes, err := s.Update(ctx, func(tx *Tx) error {
		for _, r := range []record.Record{testRecord("a", 1), testRecord("b", 2), testRecord("c", 3)} {
			if err := tx.Upsert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Changes{Insertions: 3}, changes)

	changes, err = s.Update(ctx, func(tx *Tx) error {
		if err := tx.Upsert(ctx, testRecord("a", 10)); err != nil {
			return err
		}
		// Unchanged digest is not a modification.
		if err := tx.Upsert(ctx, testRecord("b", 2)); err != nil {
			return err
		}
		if _, err := tx.Delete(ctx, "c"); err != nil {
			return err
		}
		// Inserted then deleted inside one transaction nets to nothing.
		if err := tx.Upsert(ctx, testRecord("d", 4)); err != nil {
			return err
		}
		_, err := tx.Delete(ctx, "d")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, Changes{Modifications: 1, Deletions: 1}, changes)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Upsert(ctx, testRecord("a", 1)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.Count(ctx, query.Primary("P"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdate_RejectsInvalidRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, func(tx *Tx) error {
		return tx.Upsert(ctx, record.Record{Partition: "P"})
	})
	assert.Error(t, err)
}

func TestPending_TracksLocalWritesOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Apply(ctx, testRecord("server", 1)); err != nil {
			return err
		}
		if err := tx.Apply(ctx, testRecord("doomed", 2)); err != nil {
			return err
		}
		if err := tx.Upsert(ctx, testRecord("local", 3)); err != nil {
			return err
		}
		_, err := tx.Delete(ctx, "doomed")
		return err
	})
	require.NoError(t, err)

	pending, err := s.Pending(ctx, "P")
	require.NoError(t, err)
	require.Len(t, pending.Upserts, 1)
	assert.Equal(t, "local", pending.Upserts[0].ID)
	assert.Equal(t, []string{"doomed"}, pending.Deletes)

	_, err = s.Update(ctx, func(tx *Tx) error {
		return tx.MarkClean(ctx, pending.Upserts, pending.Deletes)
	})
	require.NoError(t, err)

	pending, err = s.Pending(ctx, "P")
	require.NoError(t, err)
	assert.True(t, pending.Empty())
}

func TestMarkClean_KeepsNewerLocalWrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, func(tx *Tx) error { return tx.Upsert(ctx, testRecord("a", 1)) })
	require.NoError(t, err)
	uploaded, err := s.Pending(ctx, "P")
	require.NoError(t, err)

	// A local write lands between upload and acknowledgement.
	_, err = s.Update(ctx, func(tx *Tx) error { return tx.Upsert(ctx, testRecord("a", 2)) })
	require.NoError(t, err)

	var pendingAfter bool
	_, err = s.Update(ctx, func(tx *Tx) error {
		if err := tx.MarkClean(ctx, uploaded.Upserts, nil); err != nil {
			return err
		}
		var err error
		pendingAfter, err = tx.IsPending(ctx, "a")
		return err
	})
	require.NoError(t, err)
	assert.True(t, pendingAfter)

	var ids []string
	_, err = s.Update(ctx, func(tx *Tx) error {
		var err error
		ids, err = tx.IDs(ctx, "P")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestRemove_LeavesNoTombstone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, func(tx *Tx) error { return tx.Apply(ctx, testRecord("a", 1)) })
	require.NoError(t, err)

	var existed bool
	changes, err := s.Update(ctx, func(tx *Tx) error {
		var err error
		existed, err = tx.Remove(ctx, "a")
		return err
	})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, Changes{Deletions: 1}, changes)

	pending, err := s.Pending(ctx, "P")
	require.NoError(t, err)
	assert.True(t, pending.Empty())
}

func TestTruncate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, func(tx *Tx) error {
		for _, id := range []string{"a", "b"} {
			if err := tx.Upsert(ctx, testRecord(id, 1)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	changes, err := s.Update(ctx, func(tx *Tx) error { return tx.Truncate(ctx) })
	require.NoError(t, err)
	assert.Equal(t, Changes{Deletions: 2}, changes)

	n, err := s.Count(ctx, query.All())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQuery_DeterministicOrderAndNulls(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sparse := record.Record{ID: "b", Partition: "P", LongInt: record.Int(7)}
	_, err := s.Update(ctx, func(tx *Tx) error {
		for _, r := range []record.Record{testRecord("c", 3), sparse, testRecord("a", 1),
			{ID: "z", Partition: "Q"}} {
			if err := tx.Upsert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	got, err := s.Query(ctx, query.Primary("P"))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.True(t, record.Equal(sparse, got[1]))
	assert.Nil(t, got[1].DoubleValue)

	one, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, record.Equal(testRecord("a", 1), one))

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Count(ctx, query.All())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMeta(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Meta(ctx, "epoch")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, v := range []string{"1", "2"} {
		_, err := s.Update(ctx, func(tx *Tx) error { return tx.SetMeta(ctx, "epoch", v) })
		require.NoError(t, err)
	}

	v, ok, err := s.Meta(ctx, "epoch")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.replica")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Update(ctx, func(tx *Tx) error { return tx.Upsert(ctx, testRecord("a", 1)) })
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()

	assert.True(t, ro.ReadOnly())
	got, err := ro.Query(ctx, query.All())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = ro.Update(ctx, func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestOpenReadOnly_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.replica")

	_, err := OpenReadOnly(path)
	assert.Error(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "read-only open must not create the file")
}
