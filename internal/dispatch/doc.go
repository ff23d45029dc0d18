// Package dispatch provides the single callback context every state
// transition of the coordinator runs on.
//
// A Loop is a single-goroutine FIFO task runner. Completions of blocking
// work (opens, logins, recovery I/O) and progress notifications from
// background goroutines are posted to the loop, so transitions never race
// each other.
//
// Thread-safety model:
//   - Post(), After(), Stop(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// KeyedMutex provides per-location mutual exclusion for work that runs
// off the loop.
package dispatch
