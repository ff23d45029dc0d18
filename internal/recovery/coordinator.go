// Package recovery is the session lifecycle state machine. It opens
// sessions, consumes engine reset events and drives the client-reset
// (backup, rebuild, replay, reopen) and re-authentication sequences.
// In ModeDiscardLocal a client reset drops unsynced changes instead and
// only runs the before and after reset hooks around the reopen.
//
// Every transition runs on one dispatch loop. Blocking work (opens,
// logins, recovery I/O) runs on its own goroutine and posts its
// completion back to the loop. Per location, events run in arrival
// order and each one, including a recovery's reopen, completes before
// the next starts.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/resync/internal/backup"
	"github.com/roach88/resync/internal/dispatch"
	"github.com/roach88/resync/internal/eventlog"
	"github.com/roach88/resync/internal/progress"
	"github.com/roach88/resync/internal/registry"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/session"
	"github.com/roach88/resync/internal/telemetry"
)

// DefaultReopenDelay lets engine-side cleanup settle before a recovered
// replica is reopened.
const DefaultReopenDelay = time.Second

var (
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("coordinator closed")
	// ErrLocationBusy is returned when a re-authenticated identity maps to
	// a location another session already manages.
	ErrLocationBusy = errors.New("location managed by another session")
)

// Engine is the part of the sync engine the coordinator uses directly.
type Engine interface {
	RegisterErrorHandler(h replica.ErrorHandler)
	ForcedRecovery(ctx context.Context, token string) (replica.RecoveryResult, error)
}

// Opener opens sessions. *session.Opener implements it.
type Opener interface {
	Location(id replica.Identity, scope replica.Scope) replica.Location
	Open(ctx context.Context, id replica.Identity, scope replica.Scope, l session.Listener) (*session.Result, error)
}

// Authenticator logs the process in and out. *auth.Coordinator
// implements it.
type Authenticator interface {
	EnsureLoggedIn(ctx context.Context) (replica.Identity, error)
	Logout(ctx context.Context)
	LoggedIn() bool
}

// Deps are the collaborators of a Coordinator. Loop must be the poster
// the Opener delivers notifications on, and Locks the mutex it holds
// while opening; both are created if nil.
type Deps struct {
	Engine   Engine
	Opener   Opener
	Auth     Authenticator
	Registry *registry.Registry
	Backups  *backup.Store
	Locks    *dispatch.KeyedMutex
	Loop     *dispatch.Loop
	Events   eventlog.Sink
	Metrics  *telemetry.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReopenDelay sets the wait between a completed backup and the
// reopen of the recovered location.
func WithReopenDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.delay = d
	}
}

// WithMode sets the client reset mode. The default is ModeManual.
func WithMode(m Mode) Option {
	return func(c *Coordinator) {
		c.mode = m
	}
}

// Status describes one managed location.
type Status struct {
	Location replica.Location
	Scope    replica.Scope
	State    State
	Queued   int
}

// Coordinator owns every session it opens.
type Coordinator struct {
	engine   Engine
	opener   Opener
	auth     Authenticator
	registry *registry.Registry
	backups  *backup.Store
	locks    *dispatch.KeyedMutex
	loop     *dispatch.Loop
	events   eventlog.Sink
	metrics  *telemetry.Metrics
	delay    time.Duration
	mode     Mode

	ctx       context.Context
	cancel    context.CancelFunc
	work      sync.WaitGroup
	closeOnce sync.Once

	// Owned by the loop.
	slots    map[replica.Location]*slot
	consumed map[string]struct{}
	closed   bool
}

// slot is the per-location state. Only the loop touches it.
type slot struct {
	loc      replica.Location
	scope    replica.Scope
	identity replica.Identity
	listener session.Listener
	state    State
	sess     *session.Session

	busy    bool
	queue   []func()
	waiters []chan<- openResult

	recovering   bool
	cancelReopen func() bool
	// resetFrom is the location a discard-local reset left, pending its
	// after hook.
	resetFrom replica.Location
}

type openResult struct {
	sess *session.Session
	err  error
}

// New creates a Coordinator, registers it as the engine's error handler
// and starts its loop.
func New(d Deps, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		engine:   d.Engine,
		opener:   d.Opener,
		auth:     d.Auth,
		registry: d.Registry,
		backups:  d.Backups,
		locks:    d.Locks,
		loop:     d.Loop,
		events:   d.Events,
		metrics:  d.Metrics,
		delay:    DefaultReopenDelay,
		mode:     ModeManual,
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[replica.Location]*slot),
		consumed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loop == nil {
		c.loop = dispatch.NewLoop()
	}
	if c.locks == nil {
		c.locks = dispatch.NewKeyedMutex()
	}
	if c.events == nil {
		c.events = eventlog.Discard{}
	}

	go c.loop.Run(ctx)
	c.engine.RegisterErrorHandler(c.HandleReset)
	return c
}

// Connect logs in, or reuses the current identity, and opens scope.
func (c *Coordinator) Connect(ctx context.Context, scope replica.Scope, l session.Listener) (*session.Session, error) {
	reused := c.auth.LoggedIn()
	id, err := c.auth.EnsureLoggedIn(ctx)
	if err != nil {
		e := replica.Classify(replica.KindAuth, "login", "", err)
		c.report(e, fmt.Sprintf("Login error: %v", err))
		return nil, e
	}
	if reused {
		c.events.Emit(slog.LevelInfo, fmt.Sprintf("Skipped login, using %s, syncing…", id.ID))
	} else {
		c.events.Emit(slog.LevelInfo, fmt.Sprintf("Logged in %s, syncing…", id.ID))
	}
	return c.Open(ctx, id, scope, l)
}

// Open opens scope for id, or returns the location's live session. It
// waits behind any in-flight operation on the same location.
func (c *Coordinator) Open(ctx context.Context, id replica.Identity, scope replica.Scope, l session.Listener) (*session.Session, error) {
	reply := make(chan openResult, 1)
	loc := c.opener.Location(id, scope)
	if !c.loop.Post(func() { c.requestOpen(loc, id, scope, l, reply) }) {
		return nil, ErrClosed
	}

	select {
	case r := <-reply:
		return r.sess, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.loop.Done():
		select {
		case r := <-reply:
			return r.sess, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// HandleReset is the engine error handler. It never blocks.
func (c *Coordinator) HandleReset(ev *replica.ResetEvent) {
	if !c.loop.Post(func() { c.onReset(ev) }) {
		slog.Warn("reset event dropped, coordinator closed", "kind", ev.Kind, "location", ev.Location)
	}
}

// State returns the state of loc. Unknown locations are idle.
func (c *Coordinator) State(loc replica.Location) State {
	st := StateIdle
	_ = c.loop.Call(context.Background(), func() {
		if s, ok := c.slots[loc]; ok {
			st = s.state
		}
	})
	return st
}

// Session returns the live session of loc.
func (c *Coordinator) Session(loc replica.Location) (*session.Session, bool) {
	var sess *session.Session
	_ = c.loop.Call(context.Background(), func() {
		if s, ok := c.slots[loc]; ok {
			sess = s.sess
		}
	})
	return sess, sess != nil
}

// Statuses describes every location the coordinator has managed.
func (c *Coordinator) Statuses() []Status {
	var out []Status
	_ = c.loop.Call(context.Background(), func() {
		for _, s := range c.slots {
			out = append(out, Status{Location: s.loc, Scope: s.scope, State: s.state, Queued: len(s.queue)})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// Close cancels pending reopens and in-flight work, closes every session
// and stops the loop. It is idempotent.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		var sessions []*session.Session
		_ = c.loop.Call(context.Background(), func() {
			c.closed = true
			for _, s := range c.slots {
				if s.cancelReopen != nil {
					s.cancelReopen()
					s.cancelReopen = nil
				}
				if s.sess != nil {
					sessions = append(sessions, s.sess)
					s.sess = nil
				}
				for _, w := range s.waiters {
					w <- openResult{err: ErrClosed}
				}
				s.waiters = nil
				s.queue = nil
				c.transition(s, StateIdle)
			}
		})
		c.cancel()
		c.loop.Stop()
		<-c.loop.Done()
		c.work.Wait()
		for _, sess := range sessions {
			if err := sess.Close(); err != nil {
				slog.Warn("close session", "location", sess.Location(), "error", err)
			}
		}
	})
}

// Runs on the loop from here on.

func (c *Coordinator) requestOpen(loc replica.Location, id replica.Identity, scope replica.Scope, l session.Listener, reply chan<- openResult) {
	if c.closed {
		reply <- openResult{err: ErrClosed}
		return
	}
	s, ok := c.slots[loc]
	if !ok {
		s = &slot{loc: loc, scope: scope, state: StateIdle}
		c.slots[loc] = s
	}
	c.submit(s, func() {
		if s.state == StateLive && s.sess != nil {
			reply <- openResult{sess: s.sess}
			c.finish(s)
			return
		}
		s.identity, s.scope, s.listener = id, scope, l
		c.startOpen(s, reply)
	})
}

// submit runs op now if the location is free, else queues it.
func (c *Coordinator) submit(s *slot, op func()) {
	if s.busy {
		s.queue = append(s.queue, op)
		return
	}
	s.busy = true
	op()
}

// finish ends the current operation of s and schedules the next one.
func (c *Coordinator) finish(s *slot) {
	if len(s.queue) == 0 {
		s.busy = false
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	if !c.loop.Post(next) {
		s.busy = false
	}
}

// goWork runs fn off the loop. Close waits for it.
func (c *Coordinator) goWork(fn func()) {
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		fn()
	}()
}

func (c *Coordinator) transition(s *slot, st State) {
	if s.state == st {
		return
	}
	slog.Debug("state transition", "location", s.loc, "from", s.state, "to", st)
	s.state = st
	c.metrics.SetState(string(s.loc), st.String())
}

// report emits the one event of a classified error.
func (c *Coordinator) report(e *replica.Error, msg string) {
	c.metrics.ObserveError(string(e.Kind))
	c.events.Emit(slog.LevelError, msg, "kind", e.Kind, "op", e.Op, "location", e.Location, "error", e.Err)
}

// fail ends a recovery with its terminal event.
func (c *Coordinator) fail(s *slot) {
	if s.recovering {
		s.recovering = false
		c.events.Emit(slog.LevelError, fmt.Sprintf("Recovery of %s failed, session closed", s.scope), "location", s.loc)
	}
	s.resetFrom = ""
	c.transition(s, StateIdle)
	c.finish(s)
}

func (c *Coordinator) startOpen(s *slot, reply chan<- openResult) {
	c.transition(s, StateOpening)
	if reply != nil {
		s.waiters = append(s.waiters, reply)
	}

	id, scope, l := s.identity, s.scope, c.listen(s.listener)
	c.goWork(func() {
		res, err := c.opener.Open(c.ctx, id, scope, l)
		if !c.loop.Post(func() { c.opened(s, res, err) }) && err == nil {
			_ = res.Session.Close()
		}
	})
}

func (c *Coordinator) opened(s *slot, res *session.Result, err error) {
	waiters := s.waiters
	s.waiters = nil
	answer := func(r openResult) {
		for _, w := range waiters {
			w <- r
		}
	}

	if err != nil {
		e := replica.Classify(replica.KindOpen, "open", s.loc, err)
		c.report(e, fmt.Sprintf("Open error: %v", err))
		c.metrics.ObserveOpen("unknown", err)
		answer(openResult{err: e})
		c.fail(s)
		return
	}
	if c.closed {
		_ = res.Session.Close()
		answer(openResult{err: ErrClosed})
		c.finish(s)
		return
	}

	s.sess = res.Session
	c.transition(s, StateLive)
	c.metrics.ObserveOpen(res.Strategy.String(), nil)
	mode := "async"
	if res.Strategy == replica.StrategyWarm {
		mode = "sync"
	}
	c.events.Emit(slog.LevelInfo, fmt.Sprintf("Opened %s replica (%s)", s.scope, mode), "location", s.loc)
	if s.resetFrom != "" {
		c.afterClientReset(s.resetFrom, s.loc)
		s.resetFrom = ""
	}

	if res.MergeErr != nil {
		c.report(replica.Classify(replica.KindMerge, "merge backup", s.loc, res.MergeErr),
			fmt.Sprintf("Restore failed: %v", res.MergeErr))
	} else if res.Merged > 0 {
		c.metrics.AddMerged(res.Merged)
		c.events.Emit(slog.LevelInfo, fmt.Sprintf("Restore successfully applied: %d records", res.Merged), "location", s.loc)
	}
	if s.recovering {
		s.recovering = false
		c.events.Emit(slog.LevelInfo, fmt.Sprintf("%s is live again", s.scope), "location", s.loc)
	}

	answer(openResult{sess: s.sess})
	c.finish(s)
}

// listen logs session notifications and forwards them to l.
func (c *Coordinator) listen(l session.Listener) session.Listener {
	return session.Listener{
		Progress: func(n progress.Notification) {
			c.events.Emit(slog.LevelInfo, n.Message)
			if l.Progress != nil {
				l.Progress(n)
			}
		},
		Changes: func(cs replica.ChangeSet) {
			switch {
			case cs.Err != nil:
				c.events.Emit(slog.LevelError, fmt.Sprintf("Observe error: %v", cs.Err))
			case cs.Initial:
				c.events.Emit(slog.LevelInfo, fmt.Sprintf("Initial load: %d records", cs.Count))
			default:
				c.events.Emit(slog.LevelInfo, fmt.Sprintf("Received %d deleted, %d inserted, %d updates",
					cs.Deletions, cs.Insertions, cs.Modifications))
			}
			if l.Changes != nil {
				l.Changes(cs)
			}
		},
	}
}
