package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/replica"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateLive State = iota + 1
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a live replica of one identity and scope. It is owned by
// the code that opened it; Close releases the engine handle and cancels
// its progress and observer subscriptions.
type Session struct {
	identity replica.Identity
	scope    replica.Scope
	loc      replica.Location
	strategy replica.Strategy
	openedAt time.Time
	handle   replica.Handle

	mu       sync.Mutex
	state    State
	progress replica.Token
	synced   bool
	observer replica.Token
}

func newSession(cfg replica.Config, strategy replica.Strategy, h replica.Handle, at time.Time) *Session {
	return &Session{
		identity: cfg.Identity,
		scope:    cfg.Scope,
		loc:      cfg.Location,
		strategy: strategy,
		openedAt: at,
		handle:   h,
		state:    StateLive,
	}
}

func (s *Session) Identity() replica.Identity { return s.identity }
func (s *Session) Scope() replica.Scope       { return s.scope }
func (s *Session) Location() replica.Location { return s.loc }
func (s *Session) Strategy() replica.Strategy { return s.strategy }

// OpenedAt is when the open attempt that produced s began. Engine events
// stamped earlier belong to a previous handle.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Count returns the number of records in the session's scope.
func (s *Session) Count(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.handle.Count(ctx, query.Primary(string(s.scope)))
}

// Records returns the records of the session's scope ordered by id.
func (s *Session) Records(ctx context.Context) ([]record.Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.handle.QueryAll(ctx, query.Primary(string(s.scope)))
}

// Update runs fn in one write transaction of the replica.
func (s *Session) Update(ctx context.Context, fn func(replica.Tx) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.handle.Write(ctx, fn)
}

// Write implements replicator.Writer.
func (s *Session) Write(ctx context.Context, fn func(replica.Tx) error) error {
	return s.Update(ctx, fn)
}

// Close cancels the session's subscriptions and closes the engine
// handle. Files are never deleted. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	progress, observer := s.progress, s.observer
	s.progress, s.observer = nil, nil
	s.mu.Unlock()

	if progress != nil {
		progress.Invalidate()
	}
	if observer != nil {
		observer.Invalidate()
	}
	return s.handle.Close()
}

func (s *Session) check() error {
	if s.State() == StateClosed {
		return fmt.Errorf("session %s: %w", s.loc, replica.ErrClosed)
	}
	return nil
}

func (s *Session) setProgress(t replica.Token) {
	s.mu.Lock()
	if s.synced || s.state == StateClosed {
		s.mu.Unlock()
		t.Invalidate()
		return
	}
	s.progress = t
	s.mu.Unlock()
}

// stopProgress cancels the progress subscription, keeping the session.
func (s *Session) stopProgress() {
	s.mu.Lock()
	t := s.progress
	s.progress = nil
	s.synced = true
	s.mu.Unlock()
	if t != nil {
		t.Invalidate()
	}
}

func (s *Session) setObserver(t replica.Token) {
	s.mu.Lock()
	s.observer = t
	s.mu.Unlock()
}
