package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/store"
)

const (
	// DefaultSyncInterval is how often a handle syncs without a server
	// notification.
	DefaultSyncInterval = 500 * time.Millisecond

	// DefaultChunkSize is the number of records applied per download
	// transaction and progress sample.
	DefaultChunkSize = 100

	replicaExt   = ".replica"
	recoveredDir = "recovered"
)

// sidecars are the SQLite files that travel with a replica file.
var sidecars = []string{"-wal", "-shm"}

// ErrAlreadyOpen is returned when a location already has a live handle.
var ErrAlreadyOpen = errors.New("replica already open")

// ErrorHandler receives reset events on a handle's sync goroutine.
type ErrorHandler = replica.ErrorHandler

// Engine opens and manages replica files under one root directory.
type Engine struct {
	root     string
	server   *Server
	interval time.Duration
	chunk    int
	now      func() time.Time

	mu         sync.Mutex
	handler    ErrorHandler
	handles    map[replica.Location]*Handle
	recoveries map[string]replica.Location
}

// Option configures an Engine.
type Option func(*Engine)

// WithSyncInterval sets the background sync period.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.interval = d
	}
}

// WithChunkSize sets the number of records per download step.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunk = n
		}
	}
}

// WithNow sets the wall clock used to stamp events.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine storing replicas under root.
func New(root string, server *Server, opts ...Option) *Engine {
	e := &Engine{
		root:       root,
		server:     server,
		interval:   DefaultSyncInterval,
		chunk:      DefaultChunkSize,
		now:        time.Now,
		handles:    make(map[replica.Location]*Handle),
		recoveries: make(map[string]replica.Location),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Server returns the server the engine syncs with.
func (e *Engine) Server() *Server {
	return e.server
}

// Root returns the directory replicas are stored under.
func (e *Engine) Root() string {
	return e.root
}

// Location returns the replica path of identity's copy of scope.
func (e *Engine) Location(id replica.Identity, scope replica.Scope) replica.Location {
	return replica.Location(filepath.Join(e.root, url.PathEscape(id.ID), url.PathEscape(string(scope))+replicaExt))
}

// RegisterErrorHandler sets the sink for reset events. A later call
// replaces the earlier handler.
func (e *Engine) RegisterErrorHandler(h ErrorHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Exists reports whether a replica file is present at loc.
func (e *Engine) Exists(loc replica.Location) bool {
	_, err := os.Stat(string(loc))
	return err == nil
}

// OpenSync opens local state immediately and synchronizes in the
// background.
func (e *Engine) OpenSync(ctx context.Context, cfg replica.Config) (replica.Handle, error) {
	h, err := e.openHandle(cfg)
	if err != nil {
		return nil, err
	}
	h.start()
	return h, nil
}

// OpenAsync performs the initial download before returning, reporting
// progress to sink. Nothing is exposed until the download completes.
func (e *Engine) OpenAsync(ctx context.Context, cfg replica.Config, sink replica.ProgressSink) (replica.Handle, error) {
	h, err := e.openHandle(cfg)
	if err != nil {
		return nil, err
	}
	if err := h.initialDownload(ctx, sink); err != nil {
		h.Close()
		return nil, err
	}
	h.start()
	return h, nil
}

// OpenReadOnly opens a replica file without ever writing to it.
func (e *Engine) OpenReadOnly(path string) (replica.Snapshot, error) {
	st, err := store.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return snapshot{st}, nil
}

// ForcedRecovery consumes a client-reset token: the replica it names is
// moved under the engine's recovered/ directory and an empty replica is
// created in its place. The replica must be closed. A token can be used
// once; reuse fails with replica.ErrInvalidRecoveryToken.
func (e *Engine) ForcedRecovery(ctx context.Context, token string) (replica.RecoveryResult, error) {
	e.mu.Lock()
	loc, ok := e.recoveries[token]
	if ok {
		if _, open := e.handles[loc]; open {
			e.mu.Unlock()
			return replica.RecoveryResult{}, fmt.Errorf("forced recovery %s: %w", loc, ErrAlreadyOpen)
		}
		delete(e.recoveries, token)
	}
	e.mu.Unlock()
	if !ok {
		return replica.RecoveryResult{}, fmt.Errorf("forced recovery: %w", replica.ErrInvalidRecoveryToken)
	}

	src := string(loc)
	rel, err := filepath.Rel(e.root, src)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(src)
	}
	stem := strings.TrimSuffix(rel, filepath.Ext(rel))
	discarded := filepath.Join(e.root, recoveredDir,
		fmt.Sprintf("%s-%d%s", stem, e.now().UnixNano(), replicaExt))
	if err := os.MkdirAll(filepath.Dir(discarded), 0o755); err != nil {
		return replica.RecoveryResult{}, fmt.Errorf("forced recovery: %w", err)
	}

	if err := os.Rename(src, discarded); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return replica.RecoveryResult{}, fmt.Errorf("forced recovery: %w", err)
	}
	for _, ext := range sidecars {
		if err := os.Rename(src+ext, discarded+ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return replica.RecoveryResult{}, fmt.Errorf("forced recovery: %w", err)
		}
	}

	fresh, err := store.Open(src)
	if err != nil {
		return replica.RecoveryResult{}, fmt.Errorf("forced recovery: fresh replica: %w", err)
	}
	if err := fresh.Close(); err != nil {
		return replica.RecoveryResult{}, fmt.Errorf("forced recovery: fresh replica: %w", err)
	}

	slog.Info("forced recovery complete", "location", loc, "discarded", discarded)
	return replica.RecoveryResult{FreshPath: loc, DiscardedPath: discarded}, nil
}

// DeleteFiles removes the replica file at loc and its sidecars. Absent
// files are not an error; an open replica cannot be deleted.
func (e *Engine) DeleteFiles(loc replica.Location) error {
	e.mu.Lock()
	_, open := e.handles[loc]
	e.mu.Unlock()
	if open {
		return fmt.Errorf("delete %s: %w", loc, ErrAlreadyOpen)
	}

	for _, p := range append([]string{string(loc)}, sidecarPaths(string(loc))...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", loc, err)
		}
	}
	return nil
}

// Close closes every open handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) openHandle(cfg replica.Config) (*Handle, error) {
	if cfg.Location == "" {
		cfg.Location = e.Location(cfg.Identity, cfg.Scope)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, open := e.handles[cfg.Location]; open {
		return nil, fmt.Errorf("open %s: %w", cfg.Location, ErrAlreadyOpen)
	}

	if err := os.MkdirAll(filepath.Dir(string(cfg.Location)), 0o755); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Location, err)
	}
	st, err := store.Open(string(cfg.Location))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Location, err)
	}

	h := newHandle(e, cfg, st)
	e.handles[cfg.Location] = h
	return h, nil
}

func (e *Engine) forget(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles[h.cfg.Location] == h {
		delete(e.handles, h.cfg.Location)
	}
}

// report delivers an event to the registered handler. A client reset
// registers its recovery token first.
func (e *Engine) report(ev *replica.ResetEvent) {
	e.mu.Lock()
	if ev.Kind == replica.ResetKindClientReset {
		ev.Token = uuid.NewString()
		e.recoveries[ev.Token] = ev.Location
	}
	h := e.handler
	e.mu.Unlock()

	slog.Warn("sync error", "kind", ev.Kind, "location", ev.Location, "error", ev.Err)
	if h != nil {
		h(ev)
	}
}

func sidecarPaths(path string) []string {
	out := make([]string, 0, len(sidecars))
	for _, ext := range sidecars {
		out = append(out, path+ext)
	}
	return out
}

// snapshot adapts a read-only store to replica.Snapshot.
type snapshot struct {
	st *store.Store
}

func (s snapshot) QueryAll(ctx context.Context, q query.Query) ([]record.Record, error) {
	return s.st.Query(ctx, q)
}

func (s snapshot) Close() error {
	return s.st.Close()
}
