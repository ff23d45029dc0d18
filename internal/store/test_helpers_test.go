package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/resync/internal/record"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.replica")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testRecord creates a record in partition "P" with every field set.
func testRecord(id string, v int64) record.Record {
	return record.Record{
		ID:          id,
		Partition:   "P",
		DoubleValue: record.Float(float64(v) / 2),
		LongInt:     record.Int(v),
		MediumInt:   record.Int(v * 10),
	}
}
