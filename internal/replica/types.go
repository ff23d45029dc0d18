package replica

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
)

// Location identifies a replica's on-disk state (its storage file path).
// At most one live session exists per Location.
type Location string

// Scope is the partition key a session synchronizes.
type Scope string

// Identity is an authenticated principal of the remote identity provider.
type Identity struct {
	ID       string
	Token    string
	Provider string
}

// IsZero reports whether no identity is set.
func (i Identity) IsZero() bool { return i.ID == "" }

// Config selects the replica an engine opens.
type Config struct {
	Identity Identity
	Scope    Scope
	Location Location
}

// Strategy is the way a session is opened.
type Strategy int

const (
	// StrategyCold opens network-first: nothing is exposed until the
	// initial download completes.
	StrategyCold Strategy = iota + 1
	// StrategyWarm opens local state immediately and synchronizes in the
	// background.
	StrategyWarm
)

func (s Strategy) String() string {
	switch s {
	case StrategyCold:
		return "cold"
	case StrategyWarm:
		return "warm"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ProgressSample is one transfer-progress report of an open attempt.
type ProgressSample struct {
	Transferred  int64
	Transferable int64
	Complete     bool
}

// ProgressSink receives progress samples, possibly from a background
// goroutine.
type ProgressSink func(ProgressSample)

// ChangeSet describes one notification of an observed query.
type ChangeSet struct {
	Initial       bool
	Count         int
	Deletions     int
	Insertions    int
	Modifications int
	Err           error
}

// ChangeSink receives change sets, possibly from a background goroutine.
type ChangeSink func(ChangeSet)

// Token cancels a subscription. Invalidate is idempotent.
type Token interface {
	Invalidate()
}

// TokenFunc adapts a function to Token, running it at most once.
type TokenFunc struct {
	once atomic.Bool
	fn   func()
}

// NewToken returns a Token that runs fn on first Invalidate.
func NewToken(fn func()) *TokenFunc {
	return &TokenFunc{fn: fn}
}

// Invalidate runs the cancel function the first time it is called.
func (t *TokenFunc) Invalidate() {
	if t == nil || !t.once.CompareAndSwap(false, true) {
		return
	}
	if t.fn != nil {
		t.fn()
	}
}

// Tx is the write transaction of a live replica.
type Tx interface {
	Get(ctx context.Context, id string) (record.Record, bool, error)
	Upsert(ctx context.Context, r record.Record) error
	Delete(ctx context.Context, id string) (bool, error)
}

// Handle is an engine-level open replica.
type Handle interface {
	Location() Location
	Write(ctx context.Context, fn func(Tx) error) error
	QueryAll(ctx context.Context, q query.Query) ([]record.Record, error)
	Count(ctx context.Context, q query.Query) (int, error)
	AddProgressObserver(sink ProgressSink) Token
	Observe(q query.Query, sink ChangeSink) (Token, error)
	Close() error
}

// Snapshot is a replica opened strictly read-only.
type Snapshot interface {
	QueryAll(ctx context.Context, q query.Query) ([]record.Record, error)
	Close() error
}

// RecoveryResult is the outcome of an engine forced recovery.
type RecoveryResult struct {
	FreshPath     Location
	DiscardedPath string
}

// ResetKind classifies a ResetEvent.
type ResetKind int

const (
	// ResetKindOther is any engine error that needs no recovery.
	ResetKindOther ResetKind = iota
	// ResetKindClientReset means the server declared the replica divergent.
	ResetKindClientReset
	// ResetKindAuth means the session's credential was rejected.
	ResetKindAuth
)

func (k ResetKind) String() string {
	switch k {
	case ResetKindClientReset:
		return "clientReset"
	case ResetKindAuth:
		return "authError"
	default:
		return "other"
	}
}

// ResetEvent is an engine error report delivered to the registered handler.
// It is consumed at most once; see Consume.
type ResetEvent struct {
	Kind     ResetKind
	Location Location
	Scope    Scope
	Identity Identity
	// Token is the one-shot recovery token of a client reset.
	Token string
	Err   error
	At    time.Time

	consumed atomic.Bool
}

// ErrorHandler receives reset events. It is called on an engine
// goroutine and must not block or close the failing handle synchronously.
type ErrorHandler func(*ResetEvent)

// Consume marks the event handled and reports whether this call did so.
func (e *ResetEvent) Consume() bool {
	return e.consumed.CompareAndSwap(false, true)
}

// Consumed reports whether the event has been handled.
func (e *ResetEvent) Consumed() bool {
	return e.consumed.Load()
}
