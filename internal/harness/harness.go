package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/resync/internal/app"
	"github.com/roach88/resync/internal/backup"
	"github.com/roach88/resync/internal/config"
	"github.com/roach88/resync/internal/eventlog"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/session"
	"github.com/roach88/resync/internal/testutil"
)

// errDiskFull is the failure injected by Faults.BackupFails.
var errDiskFull = errors.New("no space left on device")

// Harness runs one scenario against a real client in a scratch
// directory.
type Harness struct {
	scenario *Scenario
	root     string
	cfg      *config.Config
	events   *eventlog.Log
	app      *app.App
	ids      record.IDGenerator
	rng      *rand.Rand
	logger   *slog.Logger

	mu   sync.Mutex
	seen []eventlog.Event
}

type options struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures Run.
type Option func(*options)

// WithDir runs in dir instead of a temporary directory. dir is kept.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithNow sets the event clock. The default is a testutil.SteppingClock
// so event timestamps are reproducible.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the structured logger events are mirrored to. The
// default discards them.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Create a scratch directory holding the server and client data
//  2. Start a client with short recovery delays
//  3. Execute each step, collecting its events and observations
//  4. Check the step's expectations
//
// A step that fails to execute stops the run; the result records it.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	o := options{
		now:    testutil.NewSteppingClock(testutil.Epoch, time.Millisecond).Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	root := o.dir
	if root == "" {
		tmp, err := os.MkdirTemp("", "resync-scenario-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scenario dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		root = tmp
	}

	h := &Harness{
		scenario: sc,
		root:     root,
		cfg:      scenarioConfig(sc, root),
		ids:      testutil.FixedIDs("rec"),
		rng:      testutil.NewRand(sc.Seed),
		logger:   o.logger,
	}
	h.events = eventlog.New(eventlog.WithCapacity(1<<16), eventlog.WithLogger(o.logger), eventlog.WithNow(o.now))
	cancel := h.events.Subscribe(func(ev eventlog.Event) {
		h.mu.Lock()
		h.seen = append(h.seen, ev)
		h.mu.Unlock()
	})
	defer cancel()

	if err := h.start(); err != nil {
		return nil, err
	}
	defer func() { h.stop() }()

	result := NewResult()
	for i, step := range sc.Steps {
		n := i + 1
		result.AddStep(n, step.Action)
		mark := h.mark()

		obs, err := h.execute(ctx, step)
		h.addEvents(result, n, mark)
		if err != nil {
			result.AddObservations(n, []Observation{{Key: "error", Value: errorLabel(err)}})
			result.AddError(fmt.Sprintf("step %d (%s): %v", n, step.Action, err))
			break
		}

		if step.Action == ActionExpect || wantsState(step.Expect) {
			obs = merge(obs, h.observeState(ctx))
		}
		if len(obs) > 0 {
			result.AddObservations(n, obs)
		}
		for _, msg := range checkExpect(step.Expect, obs) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", n, step.Action, msg))
		}

		h.logger.Info("scenario step completed", "scenario", sc.Name, "step", n, "action", step.Action)
	}

	result.Events = h.events.Events()
	return result, nil
}

// scenarioConfig is the default configuration under root with delays
// short enough for tests.
func scenarioConfig(sc *Scenario, root string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "client")
	cfg.ServerDir = filepath.Join(root, "server")
	if sc.Scope != "" {
		cfg.Scope = sc.Scope
	}
	cfg.Recovery.ReopenDelay = 20 * time.Millisecond
	cfg.Recovery.DeleteDelay = 10 * time.Millisecond
	cfg.Recovery.SyncInterval = 20 * time.Millisecond
	if sc.Mode != "" {
		cfg.Recovery.Mode = sc.Mode
	}
	return cfg
}

func (h *Harness) start() error {
	opts := []app.Option{
		app.WithEvents(h.events),
		app.WithSampleSource(h.ids, h.rng),
	}
	if h.scenario.Faults.BackupFails {
		opts = append(opts, app.WithBackupOptions(backup.WithRename(func(string, string) error {
			return errDiskFull
		})))
	}
	a, err := app.New(h.cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	h.app = a
	return nil
}

func (h *Harness) stop() {
	if h.app == nil {
		return
	}
	if err := h.app.Close(); err != nil {
		h.logger.Warn("closing client", "error", err)
	}
	h.app = nil
}

func (h *Harness) execute(ctx context.Context, step Step) ([]Observation, error) {
	switch step.Action {
	case ActionConnect:
		sess, err := h.app.Connect(ctx, session.Listener{})
		if err != nil {
			return nil, err
		}
		n, err := sess.Count(ctx)
		if err != nil {
			return nil, err
		}
		return []Observation{
			{Key: "strategy", Value: sess.Strategy().String()},
			{Key: "count", Value: strconv.Itoa(n)},
		}, nil

	case ActionInsert:
		inserted, updated, err := h.app.InsertOrUpdateSample(ctx)
		if err != nil {
			return nil, err
		}
		return []Observation{
			{Key: "inserted", Value: strconv.Itoa(inserted)},
			{Key: "updated", Value: strconv.Itoa(updated)},
		}, nil

	case ActionRestart:
		h.stop()
		return nil, h.start()

	case ActionReset:
		mark := h.mark()
		if _, err := h.app.ResetScope(ctx, h.app.Scope()); err != nil {
			return nil, err
		}
		return h.awaitRecovery(ctx, mark)

	case ActionRevoke:
		mark := h.mark()
		if !h.app.RevokeSession() {
			return nil, errors.New("not logged in")
		}
		return h.awaitRecovery(ctx, mark)

	case ActionExpect:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown action %q", step.Action)
}

// awaitRecovery waits for the terminal event of the recovery started
// after mark.
func (h *Harness) awaitRecovery(ctx context.Context, mark int) ([]Observation, error) {
	scope := h.cfg.Scope
	live := scope + " is live again"
	failed := "Recovery of " + scope + " failed"

	ctx, cancel := context.WithTimeout(ctx, h.scenario.timeout())
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, ev := range h.since(mark) {
			switch {
			case ev.Message == live:
				return []Observation{{Key: "outcome", Value: OutcomeLive}}, nil
			case strings.HasPrefix(ev.Message, failed):
				return []Observation{{Key: "outcome", Value: OutcomeFailed}}, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for recovery of %s: %w", scope, ctx.Err())
		case <-ticker.C:
		}
	}
}

// observeState reports the configured scope's current location.
func (h *Harness) observeState(ctx context.Context) []Observation {
	count, state, hasBackup, registered := "none", "idle", false, false
	if id, ok := h.app.Auth.Current(); ok {
		loc := h.app.Engine.Location(id, h.app.Scope())
		state = h.app.Coordinator.State(loc).String()
		hasBackup = h.app.Backups.Exists(loc)
		registered = h.app.Registry.HasCompletedOpen(loc)
		if sess, ok := h.app.Coordinator.Session(loc); ok {
			if n, err := sess.Count(ctx); err == nil {
				count = strconv.Itoa(n)
			}
		}
	}
	return []Observation{
		{Key: "state", Value: state},
		{Key: "count", Value: count},
		{Key: "backup_exists", Value: strconv.FormatBool(hasBackup)},
		{Key: "registered", Value: strconv.FormatBool(registered)},
	}
}

func (h *Harness) mark() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func (h *Harness) since(mark int) []eventlog.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]eventlog.Event(nil), h.seen[mark:]...)
}

func (h *Harness) addEvents(r *Result, step, mark int) {
	for _, ev := range h.since(mark) {
		if text, ok := normalize(ev, h.root); ok {
			r.AddEvent(step, text)
		}
	}
}

// merge appends the observations of extra whose key obs lacks.
func merge(obs, extra []Observation) []Observation {
	have := make(map[string]bool, len(obs))
	for _, o := range obs {
		have[o.Key] = true
	}
	for _, o := range extra {
		if !have[o.Key] {
			obs = append(obs, o)
		}
	}
	return obs
}

// errorLabel is the taxonomy kind of err, or "error" if unclassified.
func errorLabel(err error) string {
	if kind := replica.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
