// Package replica holds the vocabulary shared by the session lifecycle
// components and the storage/sync engine they drive: replica locations,
// identities, progress samples, change sets, reset events, the narrow
// engine handle contract, and the error taxonomy applied at the
// coordinator boundary.
package replica
