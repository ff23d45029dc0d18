// Package syncengine is an in-process replicated storage engine.
//
// A Server holds the authoritative copy of every scope and plays the
// remote service: it authorizes tokens, accepts uploads, serves
// downloads, and can declare every replica of a scope divergent (Reset)
// or invalidate a credential (Revoke).
//
// An Engine manages replica files on the client side. Handles it opens
// run a background sync loop:
//
//	authorize → epoch check → upload pending → download
//
// An epoch mismatch means the server no longer recognizes the replica's
// history; the handle stops syncing and reports a client reset carrying a
// one-shot recovery token. A rejected token is reported as an auth
// error. Both are delivered to the handler registered with
// RegisterErrorHandler, once per handle.
//
// Progress samples and change sets are delivered on a per-handle
// notification goroutine, never on the caller's goroutine.
package syncengine
