// Package progress turns raw transfer samples of one open attempt into
// deduplicated, serialized notifications.
package progress

import (
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/resync/internal/dispatch"
	"github.com/roach88/resync/internal/replica"
)

// Notification is one delivered progress report.
type Notification struct {
	Sample  replica.ProgressSample
	Final   bool
	Message string
}

// Tracker deduplicates progress samples and delivers them through a
// Poster, so no two notifications of one tracker run concurrently.
//
// A sample is delivered only if its Transferred count is strictly greater
// than the last delivered one. The first completion sample delivers the
// terminal notification, resets the tracker and leaves it inert until
// Arm is called.
type Tracker struct {
	poster  dispatch.Poster
	deliver func(Notification)
	printer *message.Printer

	mu         sync.Mutex
	armed      bool
	last       int64
	onComplete func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLanguage sets the locale used to format byte counts.
func WithLanguage(tag language.Tag) Option {
	return func(t *Tracker) {
		t.printer = message.NewPrinter(tag)
	}
}

// WithCompletion sets a hook run on the poster after the terminal
// notification.
func WithCompletion(fn func()) Option {
	return func(t *Tracker) {
		t.onComplete = fn
	}
}

// NewTracker creates an armed tracker.
func NewTracker(poster dispatch.Poster, deliver func(Notification), opts ...Option) *Tracker {
	t := &Tracker{
		poster:  poster,
		deliver: deliver,
		printer: message.NewPrinter(language.English),
		armed:   true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnSample handles one sample. Safe to call from any goroutine.
func (t *Tracker) OnSample(s replica.ProgressSample) {
	t.mu.Lock()
	if !t.armed {
		t.mu.Unlock()
		return
	}

	var n Notification
	var hook func()
	switch {
	case s.Complete:
		t.armed = false
		t.last = 0
		hook = t.onComplete
		n = Notification{Sample: s, Final: true, Message: t.printer.Sprintf("Transfer finished")}
	case s.Transferred > t.last:
		t.last = s.Transferred
		n = Notification{Sample: s, Message: t.printer.Sprintf("Transferred %d of %d…", s.Transferred, s.Transferable)}
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.poster.Post(func() {
		if t.deliver != nil {
			t.deliver(n)
		}
		if hook != nil {
			hook()
		}
	})
}

// Sink returns OnSample as an engine progress sink.
func (t *Tracker) Sink() replica.ProgressSink {
	return t.OnSample
}

// Arm resets the tracker for a new open attempt.
func (t *Tracker) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = true
	t.last = 0
}

// Disarm makes the tracker inert without a terminal notification.
func (t *Tracker) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	t.last = 0
}

// Armed reports whether the tracker still accepts samples.
func (t *Tracker) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
