// Package app wires a configuration into a running resync client: the
// simulated sync service, the engine, the identity provider and the
// recovery coordinator. The CLI and the scenario harness both build on
// it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/resync/internal/auth"
	"github.com/roach88/resync/internal/backup"
	"github.com/roach88/resync/internal/config"
	"github.com/roach88/resync/internal/dispatch"
	"github.com/roach88/resync/internal/eventlog"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/recovery"
	"github.com/roach88/resync/internal/registry"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/replicator"
	"github.com/roach88/resync/internal/session"
	"github.com/roach88/resync/internal/syncengine"
	"github.com/roach88/resync/internal/telemetry"
)

// App is one client process.
type App struct {
	Config      *config.Config
	Server      *syncengine.Server
	Engine      *syncengine.Engine
	Provider    *auth.LocalProvider
	Auth        *auth.Coordinator
	Registry    *registry.Registry
	Backups     *backup.Store
	Opener      *session.Opener
	Coordinator *recovery.Coordinator
	Events      *eventlog.Log
	Metrics     *telemetry.Metrics

	ids record.IDGenerator
	rng *rand.Rand
}

type options struct {
	events  *eventlog.Log
	backups []backup.Option
	ids     record.IDGenerator
	rng     *rand.Rand
	now     func() time.Time
}

// Option configures New.
type Option func(*options)

// WithEvents sets the event log.
func WithEvents(l *eventlog.Log) Option {
	return func(o *options) { o.events = l }
}

// WithBackupOptions passes options to the backup store.
func WithBackupOptions(opts ...backup.Option) Option {
	return func(o *options) { o.backups = append(o.backups, opts...) }
}

// WithSampleSource sets the id generator and random source used by
// InsertOrUpdateSample.
func WithSampleSource(ids record.IDGenerator, rng *rand.Rand) Option {
	return func(o *options) {
		o.ids = ids
		o.rng = rng
	}
}

// WithNow sets the engine's wall clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds an App from cfg. Close releases it.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{
		ids: record.UUIDv7Generator{},
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.events == nil {
		o.events = eventlog.New()
	}

	policy, err := replicator.ParsePolicy(cfg.Recovery.MergePolicy)
	if err != nil {
		return nil, err
	}
	mode, err := recovery.ParseMode(cfg.Recovery.Mode)
	if err != nil {
		return nil, err
	}

	provider := newProvider(cfg)
	srv, err := syncengine.NewServer(cfg.ServerPath(), provider)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(filepath.Join(cfg.DataDir, registry.FileName))
	if err != nil {
		srv.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Server:   srv,
		Provider: provider,
		Auth:     auth.NewCoordinator(provider, cfg.Credentials),
		Registry: reg,
		Backups:  backup.New(o.backups...),
		Events:   o.events,
		Metrics:  telemetry.New(),
		ids:      o.ids,
		rng:      o.rng,
	}
	a.Engine = syncengine.New(cfg.ReplicaDir(), srv,
		syncengine.WithSyncInterval(cfg.Recovery.SyncInterval),
		syncengine.WithNow(o.now))

	locks := dispatch.NewKeyedMutex()
	loop := dispatch.NewLoop()
	merger := replicator.New(a.Engine, a.Backups, policy)
	a.Opener = session.NewOpener(a.Engine, reg, merger, loop,
		session.WithLocks(locks),
		session.WithDeleteDelay(cfg.Recovery.DeleteDelay),
		session.WithNow(o.now))

	a.Coordinator = recovery.New(recovery.Deps{
		Engine:   a.Engine,
		Opener:   a.Opener,
		Auth:     a.Auth,
		Registry: reg,
		Backups:  a.Backups,
		Locks:    locks,
		Loop:     loop,
		Events:   a.Events,
		Metrics:  a.Metrics,
	}, recovery.WithReopenDelay(cfg.Recovery.ReopenDelay), recovery.WithMode(mode))

	slog.Debug("app ready", "data_dir", cfg.DataDir, "server_dir", cfg.ServerPath(), "policy", policy, "mode", mode)
	return a, nil
}

// newProvider builds the local identity provider. Without a configured
// secret tokens are signed with a per-process key.
func newProvider(cfg *config.Config) *auth.LocalProvider {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
	}
	opts := []auth.ProviderOption{auth.WithAnonymous(cfg.Auth.AllowAnonymous)}
	if cfg.Auth.TokenTTL > 0 {
		opts = append(opts, auth.WithTokenTTL(cfg.Auth.TokenTTL))
	}
	for _, u := range cfg.Auth.Users {
		opts = append(opts, auth.WithUser(u.Username, u.PasswordHash))
	}
	for key, subject := range cfg.Auth.APIKeys {
		opts = append(opts, auth.WithAPIKey(key, subject))
	}
	return auth.NewLocalProvider([]byte(secret), opts...)
}

// Scope returns the configured scope.
func (a *App) Scope() replica.Scope {
	return replica.Scope(a.Config.Scope)
}

// Connect logs in and opens the configured scope.
func (a *App) Connect(ctx context.Context, l session.Listener) (*session.Session, error) {
	return a.Coordinator.Connect(ctx, a.Scope(), l)
}

// InsertOrUpdateSample connects if needed and runs the sample operation
// on the configured scope.
func (a *App) InsertOrUpdateSample(ctx context.Context) (inserted, updated int, err error) {
	sess, err := a.Connect(ctx, session.Listener{})
	if err != nil {
		return 0, 0, err
	}
	inserted, updated, err = sess.InsertOrUpdateSample(ctx, a.ids, a.rng)
	if err != nil {
		a.Events.Emit(slog.LevelError, fmt.Sprintf("Sample error: %v", err))
		return 0, 0, err
	}
	if inserted > 0 {
		a.Events.Info(fmt.Sprintf("Inserted: %d documents", inserted))
	} else {
		a.Events.Info(fmt.Sprintf("Updated: %d documents", updated))
	}
	return inserted, updated, nil
}

// ResetScope simulates a server-side divergence of scope: every client
// holding it gets a client reset on its next sync.
func (a *App) ResetScope(ctx context.Context, scope replica.Scope) (int64, error) {
	epoch, err := a.Server.Reset(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", scope, err)
	}
	slog.Info("scope reset", "scope", scope, "epoch", epoch)
	return epoch, nil
}

// RevokeSession revokes the current access token on the server, so the
// next sync fails with an auth error.
func (a *App) RevokeSession() bool {
	id, ok := a.Auth.Current()
	if !ok {
		return false
	}
	a.Server.Revoke(id.Token)
	return true
}

// PendingBackups returns the backup files under the replica directory
// that are waiting to be replayed, in lexical order.
func (a *App) PendingBackups() ([]string, error) {
	var out []string
	err := filepath.WalkDir(a.Config.ReplicaDir(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, backup.Ext) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan backups: %w", err)
	}
	return out, nil
}

// Close stops the coordinator and releases every handle.
func (a *App) Close() error {
	a.Coordinator.Close()
	a.Opener.Close()
	err := a.Engine.Close()
	if cerr := a.Server.Close(); err == nil {
		err = cerr
	}
	return err
}
