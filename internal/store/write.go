package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/resync/internal/record"
)

// Changes is the net effect of one Update on the records table, relative
// to the state before the transaction began.
type Changes struct {
	Insertions    int
	Modifications int
	Deletions     int
}

// Empty reports whether the transaction changed no records.
func (c Changes) Empty() bool {
	return c.Insertions == 0 && c.Modifications == 0 && c.Deletions == 0
}

type change int

const (
	changeInserted change = iota + 1
	changeModified
	changeDeleted
)

// Tx is a write transaction opened by Update.
type Tx struct {
	tx      *sql.Tx
	touched map[string]change
}

// Update runs fn in a single transaction. If fn returns an error nothing
// is committed and the error is returned unchanged.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) (Changes, error) {
	if s.readOnly {
		return Changes{}, ErrReadOnly
	}
	if s.db == nil {
		return Changes{}, fmt.Errorf("update: store closed")
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Changes{}, fmt.Errorf("update: begin tx: %w", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	tx := &Tx{tx: sqlTx, touched: make(map[string]change)}
	if err := fn(tx); err != nil {
		return Changes{}, err
	}

	if err := sqlTx.Commit(); err != nil {
		return Changes{}, fmt.Errorf("update: commit: %w", err)
	}
	return tx.changes(), nil
}

// Get returns the record with id as seen inside the transaction.
func (t *Tx) Get(ctx context.Context, id string) (record.Record, bool, error) {
	return getRecord(ctx, t.tx, id)
}

// Upsert inserts or overwrites r as a local write. The record is marked
// dirty and any pending tombstone for it is dropped.
func (t *Tx) Upsert(ctx context.Context, r record.Record) error {
	if err := t.write(ctx, r, true); err != nil {
		return fmt.Errorf("upsert %s: %w", r.ID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM tombstones WHERE id = ?`, r.ID); err != nil {
		return fmt.Errorf("upsert %s: clear tombstone: %w", r.ID, err)
	}
	return nil
}

// Apply inserts or overwrites r with a server-sourced value. The record
// is left clean.
func (t *Tx) Apply(ctx context.Context, r record.Record) error {
	if err := t.write(ctx, r, false); err != nil {
		return fmt.Errorf("apply %s: %w", r.ID, err)
	}
	return nil
}

// Delete removes the record as a local write and leaves a tombstone for
// upload. Reports whether a record existed.
func (t *Tx) Delete(ctx context.Context, id string) (bool, error) {
	partition, ok, err := t.remove(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO tombstones (id, partition) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, partition)
	if err != nil {
		return false, fmt.Errorf("delete %s: tombstone: %w", id, err)
	}
	return true, nil
}

// Remove deletes the record as a server-sourced write. No tombstone is
// left. Reports whether a record existed.
func (t *Tx) Remove(ctx context.Context, id string) (bool, error) {
	_, ok, err := t.remove(ctx, id)
	return ok, err
}

// MarkClean clears pending state the server acknowledged. A record is
// only marked clean if it still holds the uploaded value; a newer local
// write stays dirty.
func (t *Tx) MarkClean(ctx context.Context, uploaded []record.Record, deleted []string) error {
	for _, r := range uploaded {
		digest, err := record.Digest(r)
		if err != nil {
			return fmt.Errorf("mark clean %s: %w", r.ID, err)
		}
		if _, err := t.tx.ExecContext(ctx, `UPDATE records SET dirty = 0 WHERE id = ? AND digest = ?`, r.ID, digest); err != nil {
			return fmt.Errorf("mark clean %s: %w", r.ID, err)
		}
	}
	for _, id := range deleted {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM tombstones WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark clean %s: %w", id, err)
		}
	}
	return nil
}

// IsPending reports whether id has a local write not yet acknowledged.
func (t *Tx) IsPending(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM records WHERE id = ? AND dirty = 1)
		     + (SELECT COUNT(*) FROM tombstones WHERE id = ?)
	`, id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pending %s: %w", id, err)
	}
	return n > 0, nil
}

// IDs returns the ids of every record in partition.
func (t *Tx) IDs(ctx context.Context, partition string) ([]string, error) {
	ids, err := listIDs(ctx, t.tx, `SELECT id FROM records WHERE partition = ? ORDER BY id COLLATE BINARY ASC`, partition)
	if err != nil {
		return nil, fmt.Errorf("ids: %w", err)
	}
	return ids, nil
}

// SetMeta stores a key/value fact about the replica.
func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Truncate deletes every record and tombstone. Deleted records are
// counted in the transaction's Changes.
func (t *Tx) Truncate(ctx context.Context) error {
	ids, err := listIDs(ctx, t.tx, `SELECT id FROM records ORDER BY id COLLATE BINARY ASC`)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM tombstones`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	for _, id := range ids {
		t.track(id, changeDeleted)
	}
	return nil
}

func (t *Tx) write(ctx context.Context, r record.Record, dirty bool) error {
	if err := r.Validate(); err != nil {
		return err
	}
	digest, err := record.Digest(r)
	if err != nil {
		return err
	}

	var existing string
	err = t.tx.QueryRowContext(ctx, `SELECT digest FROM records WHERE id = ?`, r.ID).Scan(&existing)
	exists := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return err
	case existing == digest:
		return nil
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO records (id, partition, double_value, long_int, medium_int, digest, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partition = excluded.partition,
			double_value = excluded.double_value,
			long_int = excluded.long_int,
			medium_int = excluded.medium_int,
			digest = excluded.digest,
			dirty = excluded.dirty
	`, r.ID, r.Partition, nullFloat(r.DoubleValue), nullInt(r.LongInt), nullInt(r.MediumInt), digest, dirty)
	if err != nil {
		return err
	}

	if exists {
		t.track(r.ID, changeModified)
	} else {
		t.track(r.ID, changeInserted)
	}
	return nil
}

func (t *Tx) remove(ctx context.Context, id string) (partition string, ok bool, err error) {
	err = t.tx.QueryRowContext(ctx, `SELECT partition FROM records WHERE id = ?`, id).Scan(&partition)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("delete %s: %w", id, err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return "", false, fmt.Errorf("delete %s: %w", id, err)
	}
	t.track(id, changeDeleted)
	return partition, true, nil
}

// track folds c into the net change recorded for id.
func (t *Tx) track(id string, c change) {
	prev, seen := t.touched[id]
	switch {
	case !seen:
		t.touched[id] = c
	case prev == changeInserted && c == changeDeleted:
		delete(t.touched, id)
	case prev == changeInserted:
		// still an insertion relative to the pre-transaction state
	case prev == changeDeleted && c == changeInserted:
		t.touched[id] = changeModified
	default:
		t.touched[id] = c
	}
}

func (t *Tx) changes() Changes {
	var c Changes
	for _, ch := range t.touched {
		switch ch {
		case changeInserted:
			c.Insertions++
		case changeModified:
			c.Modifications++
		case changeDeleted:
			c.Deletions++
		}
	}
	return c
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
