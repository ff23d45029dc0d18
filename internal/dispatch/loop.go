package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call when the loop no longer accepts tasks.
var ErrStopped = errors.New("dispatch loop stopped")

// Poster schedules functions on a serial callback context.
type Poster interface {
	Post(fn func()) bool
}

// Loop runs posted tasks one at a time, in posting order, on the
// goroutine that called Run.
type Loop struct {
	queue *taskQueue
	done  chan struct{}

	mu     sync.Mutex
	timers map[*timer]struct{}
}

// timer is a task scheduled with After.
type timer struct {
	t        *time.Timer
	canceled atomic.Bool
}

// NewLoop creates a loop. Tasks posted before Run are kept and run once
// Run starts.
func NewLoop() *Loop {
	return &Loop{
		queue:  newTaskQueue(),
		done:   make(chan struct{}),
		timers: make(map[*timer]struct{}),
	}
}

// Post submits fn to run on the loop.
// Returns false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	return l.queue.Enqueue(fn)
}

// After posts fn once d has elapsed. The returned cancel function
// prevents fn from running if it has not started yet and reports whether
// it did so. Stop cancels every pending timer.
func (l *Loop) After(d time.Duration, fn func()) (cancel func() bool) {
	tm := &timer{}

	l.mu.Lock()
	l.timers[tm] = struct{}{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			l.forget(tm)
			if tm.canceled.Load() {
				return
			}
			fn()
		})
	})
	l.mu.Unlock()

	return func() bool {
		if !tm.canceled.CompareAndSwap(false, true) {
			return false
		}
		l.mu.Lock()
		tm.t.Stop()
		delete(l.timers, tm)
		l.mu.Unlock()
		return true
	}
}

// Pending returns the number of timers that have neither fired nor been
// canceled.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) forget(tm *timer) {
	l.mu.Lock()
	delete(l.timers, tm)
	l.mu.Unlock()
}

// Call runs fn on the loop and waits for it to return.
// Must not be called from a task running on the same loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// Run drains queued tasks before closing done.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is canceled or Stop is called.
// Tasks already queued when Stop is called still run.
//
// Must be called from exactly ONE goroutine.
func (l *Loop) Run(ctx context.Context) error {
	slog.Debug("dispatch loop starting")
	defer close(l.done)

	for {
		if fn, ok := l.queue.TryDequeue(); ok {
			fn()
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("dispatch loop stopping: context cancelled")
			l.Stop()
			l.drain()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel closes when the queue is closed.
			if l.queue.Len() == 0 && l.stopped() {
				slog.Debug("dispatch loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the loop to new tasks and cancels pending timers.
// Run returns once queued tasks have drained.
func (l *Loop) Stop() {
	l.mu.Lock()
	for tm := range l.timers {
		tm.canceled.Store(true)
		tm.t.Stop()
		delete(l.timers, tm)
	}
	l.mu.Unlock()

	l.queue.Close()
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stopped() bool {
	l.queue.mu.Lock()
	defer l.queue.mu.Unlock()
	return l.queue.closed
}

func (l *Loop) drain() {
	for {
		fn, ok := l.queue.TryDequeue()
		if !ok {
			return
		}
		fn()
	}
}
