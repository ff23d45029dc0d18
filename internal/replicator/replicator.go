// Package replicator replays a pending backup into a live replica.
package replicator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/resync/internal/backup"
	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/replica"
)

// Policy decides how a backup record is applied when the live replica
// already holds a record with the same id.
type Policy string

const (
	// PolicyMergeFields overwrites the fields present in the backup
	// record and keeps the others (last writer wins per field).
	PolicyMergeFields Policy = "merge-fields"
	// PolicyOverwrite replaces the live record with the backup record.
	PolicyOverwrite Policy = "overwrite"
	// PolicyKeepLive only inserts records the live replica lacks.
	PolicyKeepLive Policy = "keep-live"
)

// DefaultPolicy is used when none is configured.
const DefaultPolicy = PolicyMergeFields

// ParsePolicy parses a policy name. The empty string is DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return DefaultPolicy, nil
	case PolicyMergeFields, PolicyOverwrite, PolicyKeepLive:
		return p, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", s)
	}
}

// SnapshotOpener opens backup files strictly read-only.
type SnapshotOpener interface {
	OpenReadOnly(path string) (replica.Snapshot, error)
}

// Writer is the write path of a live replica.
type Writer interface {
	Write(ctx context.Context, fn func(replica.Tx) error) error
}

// Replicator merges pending backups into live replicas.
type Replicator struct {
	opener  SnapshotOpener
	backups *backup.Store
	policy  Policy
}

// New creates a Replicator.
func New(opener SnapshotOpener, backups *backup.Store, policy Policy) *Replicator {
	if policy == "" {
		policy = DefaultPolicy
	}
	return &Replicator{opener: opener, backups: backups, policy: policy}
}

// Policy returns the conflict policy in use.
func (r *Replicator) Policy() Policy {
	return r.policy
}

// ApplyPendingBackup merges loc's backup, if any, into live in one
// transaction and deletes the backup on success. It returns the number
// of records written. On failure nothing is merged, the backup is kept
// for the next attempt and the error is a MergeError.
func (r *Replicator) ApplyPendingBackup(ctx context.Context, loc replica.Location, live Writer) (int, error) {
	h, ok := r.backups.Restore(loc)
	if !ok {
		return 0, nil
	}

	records, err := r.readBackup(h.Path)
	if err != nil {
		return 0, replica.NewError(replica.KindMerge, "read backup", loc, err)
	}

	merged := 0
	err = live.Write(ctx, func(tx replica.Tx) error {
		merged = 0
		for _, rec := range records {
			applied, err := r.apply(ctx, tx, rec)
			if err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
			if applied {
				merged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, replica.NewError(replica.KindMerge, "merge backup", loc, err)
	}

	r.backups.Remove(h)
	slog.Info("backup merged", "location", loc, "records", merged, "policy", r.policy)
	return merged, nil
}

func (r *Replicator) readBackup(path string) ([]record.Record, error) {
	snap, err := r.opener.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return snap.QueryAll(context.Background(), query.All())
}

func (r *Replicator) apply(ctx context.Context, tx replica.Tx, rec record.Record) (bool, error) {
	if r.policy == PolicyOverwrite {
		return true, tx.Upsert(ctx, rec)
	}

	existing, ok, err := tx.Get(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	switch {
	case !ok:
		return true, tx.Upsert(ctx, rec)
	case r.policy == PolicyKeepLive:
		return false, nil
	default:
		return true, tx.Upsert(ctx, record.MergeFields(existing, rec))
	}
}
