// Package session opens replicas. It picks the cold or warm strategy
// from the local registry, reports transfer progress, replays pending
// backups and installs the change observer before handing a Session out.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/text/language"

	"github.com/roach88/resync/internal/dispatch"
	"github.com/roach88/resync/internal/progress"
	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/registry"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/replicator"
)

const (
	// DefaultDeleteDelay is the wait before the files of a failed cold
	// open are removed, letting the engine release them.
	DefaultDeleteDelay = time.Second

	deleteTries = 5
)

// Engine is the part of the sync engine the opener drives.
type Engine interface {
	Location(id replica.Identity, scope replica.Scope) replica.Location
	Exists(loc replica.Location) bool
	OpenSync(ctx context.Context, cfg replica.Config) (replica.Handle, error)
	OpenAsync(ctx context.Context, cfg replica.Config, sink replica.ProgressSink) (replica.Handle, error)
	DeleteFiles(loc replica.Location) error
}

// Merger replays a location's pending backup into a live replica.
type Merger interface {
	ApplyPendingBackup(ctx context.Context, loc replica.Location, live replicator.Writer) (int, error)
}

// Listener receives the notifications of an opened session on the
// opener's poster. Either field may be nil.
type Listener struct {
	Progress func(progress.Notification)
	Changes  func(replica.ChangeSet)
}

// Result is the outcome of a successful Open.
type Result struct {
	Session  *Session
	Strategy replica.Strategy
	// Merged is the number of backup records replayed.
	Merged int
	// MergeErr is the MergeError of a failed replay. The backup is kept
	// and the session is still usable.
	MergeErr error
}

// Opener opens sessions. It is safe for concurrent use; opens of one
// location are serialized.
type Opener struct {
	engine   Engine
	registry *registry.Registry
	merger   Merger
	poster   dispatch.Poster
	locks    *dispatch.KeyedMutex
	lang     language.Tag
	delay    time.Duration
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	wg      sync.WaitGroup
}

// Option configures an Opener.
type Option func(*Opener)

// WithLocks shares a per-location mutex with other components that
// touch replica files.
func WithLocks(k *dispatch.KeyedMutex) Option {
	return func(o *Opener) {
		o.locks = k
	}
}

// WithDeleteDelay sets the wait before a failed cold open's files are
// deleted.
func WithDeleteDelay(d time.Duration) Option {
	return func(o *Opener) {
		o.delay = d
	}
}

// WithLanguage sets the locale of progress messages.
func WithLanguage(tag language.Tag) Option {
	return func(o *Opener) {
		o.lang = tag
	}
}

// WithNow sets the clock used to stamp sessions.
func WithNow(now func() time.Time) Option {
	return func(o *Opener) {
		o.now = now
	}
}

// NewOpener creates an Opener. Notifications are delivered through poster.
func NewOpener(engine Engine, reg *registry.Registry, merger Merger, poster dispatch.Poster, opts ...Option) *Opener {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Opener{
		engine:   engine,
		registry: reg,
		merger:   merger,
		poster:   poster,
		lang:     language.English,
		delay:    DefaultDeleteDelay,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.locks == nil {
		o.locks = dispatch.NewKeyedMutex()
	}
	return o
}

// Location returns the replica location of identity and scope.
func (o *Opener) Location(id replica.Identity, scope replica.Scope) replica.Location {
	return o.engine.Location(id, scope)
}

// SelectStrategy picks warm when loc's file exists and the registry
// records a completed open, cold otherwise. A registry entry whose file
// is gone is cleared.
func (o *Opener) SelectStrategy(loc replica.Location) replica.Strategy {
	exists := o.engine.Exists(loc)
	opened := o.registry.HasCompletedOpen(loc)
	switch {
	case exists && opened:
		return replica.StrategyWarm
	case opened:
		if err := o.registry.Clear(loc); err != nil {
			slog.Warn("clear stale registry entry", "location", loc, "error", err)
		}
	}
	return replica.StrategyCold
}

// Open opens the replica of id and scope. Errors are OpenErrors.
func (o *Opener) Open(ctx context.Context, id replica.Identity, scope replica.Scope, l Listener) (*Result, error) {
	loc := o.engine.Location(id, scope)
	unlock := o.locks.Lock(string(loc))
	defer unlock()

	cfg := replica.Config{Identity: id, Scope: scope, Location: loc}
	started := o.now()
	strategy := o.SelectStrategy(loc)
	slog.Debug("opening replica", "location", loc, "strategy", strategy)

	var (
		h   replica.Handle
		err error
	)
	switch strategy {
	case replica.StrategyWarm:
		h, err = o.engine.OpenSync(ctx, cfg)
	default:
		if cerr := o.registry.Clear(loc); cerr != nil {
			slog.Warn("clear registry entry", "location", loc, "error", cerr)
		}
		handshake := progress.NewTracker(o.poster, l.Progress, progress.WithLanguage(o.lang))
		h, err = o.engine.OpenAsync(ctx, cfg, handshake.Sink())
		handshake.Disarm()
	}
	if err != nil {
		o.fail(loc, strategy, h)
		return nil, replica.NewError(replica.KindOpen, "open "+strategy.String(), loc, err)
	}

	sess := newSession(cfg, strategy, h, started)
	if strategy == replica.StrategyWarm {
		tracker := progress.NewTracker(o.poster, l.Progress,
			progress.WithLanguage(o.lang),
			progress.WithCompletion(sess.stopProgress),
		)
		sess.setProgress(h.AddProgressObserver(tracker.Sink()))
	} else if err := o.registry.MarkOpened(loc); err != nil {
		slog.Warn("record completed open", "location", loc, "error", err)
	}

	// The observer goes in before the merge: a failed open may delete a
	// cold replica, which must never hold the only copy of merged edits.
	tok, err := h.Observe(query.Primary(string(scope)), o.forward(l.Changes))
	if err != nil {
		_ = sess.Close()
		o.fail(loc, strategy, nil)
		return nil, replica.NewError(replica.KindOpen, "observe", loc, err)
	}
	sess.setObserver(tok)

	res := &Result{Session: sess, Strategy: strategy}
	res.Merged, res.MergeErr = o.merger.ApplyPendingBackup(ctx, loc, sess)
	if res.MergeErr != nil {
		slog.Error("pending backup not merged", "location", loc, "error", res.MergeErr)
	}

	slog.Info("replica open", "location", loc, "strategy", strategy, "merged", res.Merged)
	return res, nil
}

// Close cancels pending file deletions and waits for running ones.
func (o *Opener) Close() {
	o.cancel()
	o.mu.Lock()
	for t := range o.pending {
		if t.Stop() {
			o.wg.Done()
		}
	}
	clear(o.pending)
	o.mu.Unlock()
	o.wg.Wait()
}

// Wait blocks until scheduled deletions have run.
func (o *Opener) Wait() {
	o.wg.Wait()
}

func (o *Opener) forward(sink func(replica.ChangeSet)) replica.ChangeSink {
	return func(cs replica.ChangeSet) {
		if sink == nil {
			return
		}
		o.poster.Post(func() { sink(cs) })
	}
}

// fail cleans up after a failed open. A warm replica's files are kept;
// a cold one never reached a valid state, so its files are removed.
func (o *Opener) fail(loc replica.Location, strategy replica.Strategy, h replica.Handle) {
	if h != nil {
		if err := h.Close(); err != nil {
			slog.Warn("close partial replica", "location", loc, "error", err)
		}
	}
	if strategy == replica.StrategyWarm {
		return
	}
	if err := o.registry.Clear(loc); err != nil {
		slog.Warn("clear registry entry", "location", loc, "error", err)
	}
	o.scheduleDelete(loc)
}

func (o *Opener) scheduleDelete(loc replica.Location) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		return
	}

	o.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(o.delay, func() {
		defer o.wg.Done()
		o.mu.Lock()
		delete(o.pending, t)
		o.mu.Unlock()
		o.deleteFiles(loc)
	})
	o.pending[t] = struct{}{}
}

func (o *Opener) deleteFiles(loc replica.Location) {
	unlock := o.locks.Lock(string(loc))
	defer unlock()

	// A later open of the location succeeded in the meantime.
	if o.registry.HasCompletedOpen(loc) {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(o.ctx, func() (struct{}, error) {
		return struct{}{}, o.engine.DeleteFiles(loc)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(deleteTries))
	switch {
	case err == nil:
		slog.Info("deleted partial replica", "location", loc)
	case errors.Is(err, context.Canceled):
	default:
		slog.Warn("delete partial replica", "location", loc, "error", err)
	}
}
