// Package record defines the replicated entity tracked by resync.
//
// A Record is identified by its ID (a UUIDv7 string). All other fields are
// optional so that a partial record can be merged field by field into a
// live replica.
//
// # Identity and change detection
//
// Digest computes a content hash over the canonical JSON form of a record
// (sorted keys, NFC-normalized strings, floats carried as IEEE-754 bit
// patterns). Two records with the same digest are indistinguishable to the
// replica, which is how the store decides whether an upsert modified a row.
package record
