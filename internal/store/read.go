package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
)

// Pending is the local work the sync loop has not uploaded yet.
type Pending struct {
	Upserts []record.Record
	Deletes []string
}

// Empty reports whether nothing is pending.
func (p Pending) Empty() bool {
	return len(p.Upserts) == 0 && len(p.Deletes) == 0
}

// Query returns the records q selects, ordered per the compiled ORDER BY.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Query(ctx context.Context, q query.Query) ([]record.Record, error) {
	sqlText, params, err := s.compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return queryRecords(ctx, s.db, sqlText, params...)
}

// Count returns the number of records q selects.
func (s *Store) Count(ctx context.Context, q query.Query) (int, error) {
	sqlText, params, err := s.compiler.CompileCount(q)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlText, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (record.Record, bool, error) {
	return getRecord(ctx, s.db, id)
}

// Pending returns dirty records and tombstones of partition.
func (s *Store) Pending(ctx context.Context, partition string) (Pending, error) {
	upserts, err := queryRecords(ctx, s.db, `
		SELECT id, partition, double_value, long_int, medium_int
		FROM records
		WHERE dirty = 1 AND partition = ?
		ORDER BY id COLLATE BINARY ASC
	`, partition)
	if err != nil {
		return Pending{}, fmt.Errorf("pending: %w", err)
	}

	deletes, err := listIDs(ctx, s.db, `
		SELECT id FROM tombstones WHERE partition = ?
		ORDER BY id COLLATE BINARY ASC
	`, partition)
	if err != nil {
		return Pending{}, fmt.Errorf("pending: tombstones: %w", err)
	}
	return Pending{Upserts: upserts, Deletes: deletes}, nil
}

// Meta returns a key/value fact stored with SetMeta.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("meta %s: %w", key, err)
	}
	return value, true, nil
}

func getRecord(ctx context.Context, q queryer, id string) (record.Record, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, partition, double_value, long_int, medium_int
		FROM records WHERE id = ?
	`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, fmt.Errorf("get %s: %w", id, err)
	}
	return r, true, nil
}

func queryRecords(ctx context.Context, q queryer, sqlText string, params ...any) ([]record.Record, error) {
	rows, err := q.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []record.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// listIDs runs a single-column id query. The rows are fully read and
// closed before it returns, so the caller may write on the same tx.
func listIDs(ctx context.Context, q queryer, sqlText string, params ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (record.Record, error) {
	var (
		r         record.Record
		double    sql.NullFloat64
		longInt   sql.NullInt64
		mediumInt sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.Partition, &double, &longInt, &mediumInt); err != nil {
		return record.Record{}, err
	}
	if double.Valid {
		r.DoubleValue = record.Float(double.Float64)
	}
	if longInt.Valid {
		r.LongInt = record.Int(longInt.Int64)
	}
	if mediumInt.Valid {
		r.MediumInt = record.Int(mediumInt.Int64)
	}
	return r, nil
}
