// Package registry records which replica paths have completed at least
// one successful open. The opener uses it to choose between a warm and
// a cold start.
//
// The registry is a YAML document shared by every process using the same
// data directory. Mutations take an exclusive file lock, re-read the
// document, apply the change and replace the file atomically.
//
// Only the session opener and the recovery coordinator mutate the
// registry; anything else may read it.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/roach88/resync/internal/replica"
)

// FileName is the registry's file name inside a data directory.
const FileName = "registry.yaml"

const documentVersion = 1

// document is the on-disk form.
type document struct {
	Version int             `yaml:"version"`
	Opened  map[string]bool `yaml:"opened"`
}

// Entry is one registered location.
type Entry struct {
	Location replica.Location `json:"location"`
	Opened   bool             `json:"opened"`
}

// Registry is the persistent map of location to opened-at-least-once.
//
// Thread-safety: safe for concurrent use within and across processes.
type Registry struct {
	path string
	lock *flock.Flock
	// opMu serializes use of lock; a Flock is not reentrant across
	// goroutines.
	opMu sync.Mutex

	mu      sync.Mutex
	entries map[replica.Location]bool
}

// Open loads the registry at path. A missing file is an empty registry.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r := &Registry{
		path:    path,
		lock:    flock.New(path + ".lock"),
		entries: make(map[replica.Location]bool),
	}
	if err := r.withLock(false, func() error { return r.load() }); err != nil {
		return nil, err
	}
	return r, nil
}

// NewMemory returns a registry that is never persisted.
func NewMemory() *Registry {
	return &Registry{entries: make(map[replica.Location]bool)}
}

// Path returns the registry file, or "" for a memory registry.
func (r *Registry) Path() string {
	return r.path
}

// HasCompletedOpen reports whether loc completed a successful open.
func (r *Registry) HasCompletedOpen(loc replica.Location) bool {
	if err := r.withLock(false, r.load); err != nil {
		slog.Warn("registry reload failed; using cached entries", "path", r.path, "error", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[loc]
}

// MarkOpened records a successful open of loc.
func (r *Registry) MarkOpened(loc replica.Location) error {
	return r.mutate(func(m map[replica.Location]bool) {
		m[loc] = true
	})
}

// Clear removes loc's entry. Clearing an absent entry is not an error.
func (r *Registry) Clear(loc replica.Location) error {
	return r.mutate(func(m map[replica.Location]bool) {
		delete(m, loc)
	})
}

// Entries returns every entry ordered by location.
func (r *Registry) Entries() []Entry {
	if err := r.withLock(false, r.load); err != nil {
		slog.Warn("registry reload failed; using cached entries", "path", r.path, "error", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for loc, opened := range r.entries {
		out = append(out, Entry{Location: loc, Opened: opened})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Location < b.Location:
			return -1
		case a.Location > b.Location:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) mutate(fn func(map[replica.Location]bool)) error {
	return r.withLock(true, func() error {
		if err := r.load(); err != nil {
			return err
		}
		r.mu.Lock()
		fn(r.entries)
		doc := document{Version: documentVersion, Opened: make(map[string]bool, len(r.entries))}
		for loc, opened := range r.entries {
			doc.Opened[string(loc)] = opened
		}
		r.mu.Unlock()

		if r.path == "" {
			return nil
		}
		data, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("registry: encode: %w", err)
		}
		return writeFileAtomic(r.path, data, 0o644)
	})
}

// load replaces the cache with the file's contents. Caller holds the
// file lock.
func (r *Registry) load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.mu.Lock()
		clear(r.entries)
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: decode %s: %w", r.path, err)
	}
	r.mu.Lock()
	clear(r.entries)
	for loc, opened := range doc.Opened {
		r.entries[replica.Location(loc)] = opened
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) withLock(exclusive bool, fn func() error) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.lock == nil {
		return fn()
	}
	var err error
	if exclusive {
		err = r.lock.Lock()
	} else {
		err = r.lock.RLock()
	}
	if err != nil {
		return fmt.Errorf("registry: lock: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			slog.Warn("registry unlock failed", "path", r.path, "error", err)
		}
	}()
	return fn()
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-registry-*")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("registry: chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("registry: replace %s: %w", path, err)
	}
	success = true
	return nil
}
