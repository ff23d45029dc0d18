// Package backup keeps a single rotating backup file per replica
// location.
//
// The backup of a replica lives next to it, at the replica path with its
// extension replaced by Ext. Creating a backup removes any existing one
// first; there is no history.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/resync/internal/replica"
)

// Ext marks backup files.
const Ext = ".~replica"

// sidecars are the SQLite files moved together with a backup.
var sidecars = []string{"-wal", "-shm"}

// Handle identifies an existing backup.
type Handle struct {
	Source    replica.Location
	Path      string
	CreatedAt time.Time
}

// Store creates, finds and removes backups.
type Store struct {
	now    func() time.Time
	rename func(oldpath, newpath string) error
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the clock stamping new handles.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRename replaces os.Rename; tests use it to inject failures.
func WithRename(rename func(oldpath, newpath string) error) Option {
	return func(s *Store) { s.rename = rename }
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now, rename: os.Rename}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PathFor returns the canonical backup path of loc.
func PathFor(loc replica.Location) string {
	p := string(loc)
	return strings.TrimSuffix(p, filepath.Ext(p)) + Ext
}

// Backup moves source to loc's backup path, replacing any previous
// backup, and syncs the directory so the move is durable. On failure the
// error is an IOError and source is left where it was.
func (s *Store) Backup(source string, loc replica.Location) (*Handle, error) {
	dst := PathFor(loc)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, replica.NewError(replica.KindIO, "backup", loc, err)
	}
	if err := removeAll(dst); err != nil {
		return nil, replica.NewError(replica.KindIO, "backup", loc, fmt.Errorf("remove previous backup: %w", err))
	}

	if err := s.rename(source, dst); err != nil {
		return nil, replica.NewError(replica.KindIO, "backup", loc, err)
	}
	moved := []string{""}
	for _, ext := range sidecars {
		err := s.rename(source+ext, dst+ext)
		switch {
		case err == nil:
			moved = append(moved, ext)
		case !errors.Is(err, fs.ErrNotExist):
			s.rollback(source, dst, moved)
			return nil, replica.NewError(replica.KindIO, "backup", loc, err)
		}
	}

	if err := syncDir(filepath.Dir(dst)); err != nil {
		return nil, replica.NewError(replica.KindIO, "backup", loc, fmt.Errorf("sync directory: %w", err))
	}

	slog.Info("backup created", "location", loc, "path", dst)
	return &Handle{Source: loc, Path: dst, CreatedAt: s.now()}, nil
}

// rollback moves the already moved files of a failed backup back to
// source, last first.
func (s *Store) rollback(source, dst string, moved []string) {
	for i := len(moved) - 1; i >= 0; i-- {
		ext := moved[i]
		if err := s.rename(dst+ext, source+ext); err != nil {
			slog.Error("failed to restore backup source", "source", source+ext, "error", err)
		}
	}
}

// Restore returns the backup of loc if one exists. It never mutates
// anything.
func (s *Store) Restore(loc replica.Location) (*Handle, bool) {
	p := PathFor(loc)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	return &Handle{Source: loc, Path: p, CreatedAt: info.ModTime()}, true
}

// Exists reports whether loc has a backup.
func (s *Store) Exists(loc replica.Location) bool {
	_, ok := s.Restore(loc)
	return ok
}

// Remove deletes the backup. An absent file is not an error; other
// failures are logged and swallowed.
func (s *Store) Remove(h *Handle) {
	if h == nil {
		return
	}
	if err := removeAll(h.Path); err != nil {
		slog.Warn("failed to remove backup", "path", h.Path, "error", err)
	}
}

// Discard deletes a discarded replica file and its sidecars without
// keeping a backup. Failures are IOErrors.
func (s *Store) Discard(path string, loc replica.Location) error {
	if err := removeAll(path); err != nil {
		return replica.NewError(replica.KindIO, "discard", loc, err)
	}
	slog.Info("discarded local changes", "location", loc, "path", path)
	return nil
}

func removeAll(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, ext := range sidecars {
		if err := os.Remove(p + ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
