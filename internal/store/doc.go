// Package store provides the SQLite file behind one replica.
//
// A replica file holds:
//   - records: the tracked entity, keyed by id, with a content digest and
//     a dirty flag for local writes not yet uploaded
//   - tombstones: local deletions not yet uploaded
//   - meta: small key/value facts about the replica (sync epoch, owner)
//
// # Writes
//
// All mutations go through Update, which runs one transaction and returns
// the net Changes it made. A record whose digest is unchanged is not
// rewritten and does not count as a modification.
//
// Upsert and Delete are local writes and leave pending work for the sync
// loop. Apply and Remove are server-sourced writes and leave the record
// clean.
//
// # Reads
//
// Query and Count compile query.Query values through query.SQLCompiler,
// so every result set is ordered deterministically by id.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// OpenReadOnly opens a file with mode=ro&immutable=1 and never writes to
// it; that is how backups are read during replay.
package store
