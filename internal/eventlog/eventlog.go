// Package eventlog records user-visible lifecycle events and mirrors each
// one to log/slog.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/resync/internal/dispatch"
)

// DefaultCapacity is the number of events a Log retains.
const DefaultCapacity = 1024

// Event is one timestamped message.
type Event struct {
	Seq     int64
	Time    time.Time
	Level   slog.Level
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Time.Format(time.RFC3339Nano), e.Message)
}

// Sink accepts events. args are slog key/value pairs that go to the
// structured log only; Message is what users see.
type Sink interface {
	Emit(level slog.Level, msg string, args ...any) Event
}

// Log is a bounded in-memory Sink. Subscribers are called synchronously,
// in emit order, outside the log's lock.
type Log struct {
	capacity int
	logger   *slog.Logger
	now      func() time.Time
	clock    *dispatch.Clock

	mu     sync.Mutex
	emitMu sync.Mutex
	events []Event
	subs   map[int]func(Event)
	nextID int
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity bounds the number of retained events.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithLogger sets the slog logger events are mirrored to.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithNow sets the clock used to stamp events.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		capacity: DefaultCapacity,
		now:      time.Now,
		clock:    dispatch.NewClock(),
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emit appends an event, logs it and notifies subscribers.
func (l *Log) Emit(level slog.Level, msg string, args ...any) Event {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	ev := Event{Seq: l.clock.Next(), Time: l.now(), Level: level, Message: msg}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	subs := make([]func(Event), 0, len(l.subs))
	for id := 0; id < l.nextID; id++ {
		if fn, ok := l.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	l.mu.Unlock()

	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), level, msg, append([]any{"seq", ev.Seq}, args...)...)

	for _, fn := range subs {
		fn(ev)
	}
	return ev
}

// Info emits an info-level event.
func (l *Log) Info(msg string, args ...any) Event {
	return l.Emit(slog.LevelInfo, msg, args...)
}

// Error emits an error-level event.
func (l *Log) Error(msg string, args ...any) Event {
	return l.Emit(slog.LevelError, msg, args...)
}

// Subscribe calls fn for every later event until cancel is called.
// cancel waits for an in-flight delivery and must not be called from fn.
func (l *Log) Subscribe(fn func(Event)) (cancel func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.emitMu.Lock()
		defer l.emitMu.Unlock()
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Events returns the retained events, oldest first.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Messages returns the retained messages, oldest first.
func (l *Log) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Message
	}
	return out
}

// Discard is a Sink that only mirrors to slog.
type Discard struct{}

func (Discard) Emit(level slog.Level, msg string, args ...any) Event {
	slog.Log(context.Background(), level, msg, args...)
	return Event{Time: time.Now(), Level: level, Message: msg}
}
