package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/store"
)

const metaEpoch = "epoch"

// Authorizer validates access tokens presented to the server.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (subject string, err error)
}

// Download is the server's view of one scope.
type Download struct {
	Epoch   int64
	Records []record.Record
}

// Server is the authoritative side of every scope.
//
// All operations are serialized by one mutex; the server is a test and
// demo stand-in, not a concurrent database.
type Server struct {
	dir   string
	authz Authorizer

	mu      sync.Mutex
	scopes  map[replica.Scope]*store.Store
	revoked map[string]struct{}
	nextW   int
	watches map[int]chan struct{}
}

// NewServer creates a server keeping one SQLite file per scope in dir.
// A nil Authorizer accepts every non-empty token.
func NewServer(dir string, authz Authorizer) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("server dir: %w", err)
	}
	return &Server{
		dir:     dir,
		authz:   authz,
		scopes:  make(map[replica.Scope]*store.Store),
		revoked: make(map[string]struct{}),
		watches: make(map[int]chan struct{}),
	}, nil
}

// Authorize checks token. Failures wrap replica.ErrUnauthorized.
func (s *Server) Authorize(ctx context.Context, token string) error {
	s.mu.Lock()
	_, revoked := s.revoked[token]
	s.mu.Unlock()
	return s.authorize(ctx, token, revoked)
}

func (s *Server) authorize(ctx context.Context, token string, revoked bool) error {
	if token == "" {
		return fmt.Errorf("authorize: empty token: %w", replica.ErrUnauthorized)
	}
	if revoked {
		return fmt.Errorf("authorize: token revoked: %w", replica.ErrUnauthorized)
	}
	if s.authz == nil {
		return nil
	}
	if _, err := s.authz.Authorize(ctx, token); err != nil {
		return fmt.Errorf("authorize: %v: %w", err, replica.ErrUnauthorized)
	}
	return nil
}

// Epoch returns the current epoch of scope.
func (s *Server) Epoch(ctx context.Context, scope replica.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.scopeStore(ctx, scope)
	if err != nil {
		return 0, err
	}
	return readEpoch(ctx, st)
}

// Download returns every record of scope together with its epoch.
func (s *Server) Download(ctx context.Context, token string, scope replica.Scope) (Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, token, s.isRevoked(token)); err != nil {
		return Download{}, err
	}
	st, err := s.scopeStore(ctx, scope)
	if err != nil {
		return Download{}, err
	}
	epoch, err := readEpoch(ctx, st)
	if err != nil {
		return Download{}, err
	}
	records, err := st.Query(ctx, query.Primary(string(scope)))
	if err != nil {
		return Download{}, fmt.Errorf("download %s: %w", scope, err)
	}
	return Download{Epoch: epoch, Records: records}, nil
}

// Upload applies a replica's pending writes. It fails with
// replica.ErrClientReset when epoch is not the scope's current epoch.
func (s *Server) Upload(ctx context.Context, token string, scope replica.Scope, epoch int64, upserts []record.Record, deletes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.authorize(ctx, token, s.isRevoked(token)); err != nil {
		return err
	}
	st, err := s.scopeStore(ctx, scope)
	if err != nil {
		return err
	}
	current, err := readEpoch(ctx, st)
	if err != nil {
		return err
	}
	if current != epoch {
		return fmt.Errorf("upload %s: epoch %d, server at %d: %w", scope, epoch, current, replica.ErrClientReset)
	}

	changes, err := st.Update(ctx, func(tx *store.Tx) error {
		for _, r := range upserts {
			if r.Partition != string(scope) {
				return fmt.Errorf("record %s belongs to partition %q", r.ID, r.Partition)
			}
			if err := tx.Apply(ctx, r); err != nil {
				return err
			}
		}
		for _, id := range deletes {
			if _, err := tx.Remove(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", scope, err)
	}
	if !changes.Empty() {
		s.notifyLocked()
	}
	return nil
}

// Reset declares every replica of scope divergent: the scope's data is
// discarded and its epoch advanced. Connected replicas observe the new
// epoch on their next sync and receive a client reset.
func (s *Server) Reset(ctx context.Context, scope replica.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.scopeStore(ctx, scope)
	if err != nil {
		return 0, err
	}
	epoch, err := readEpoch(ctx, st)
	if err != nil {
		return 0, err
	}
	epoch++
	_, err = st.Update(ctx, func(tx *store.Tx) error {
		if err := tx.Truncate(ctx); err != nil {
			return err
		}
		return tx.SetMeta(ctx, metaEpoch, strconv.FormatInt(epoch, 10))
	})
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", scope, err)
	}
	slog.Info("server reset scope", "scope", scope, "epoch", epoch)
	s.notifyLocked()
	return epoch, nil
}

// Revoke invalidates token for every scope.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = struct{}{}
	s.notifyLocked()
}

// Records returns the server's copy of scope.
func (s *Server) Records(ctx context.Context, scope replica.Scope) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.scopeStore(ctx, scope)
	if err != nil {
		return nil, err
	}
	return st.Query(ctx, query.Primary(string(scope)))
}

// Watch returns a channel that receives a value whenever any scope
// changes on the server, and a function that stops the watch.
func (s *Server) Watch() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextW
	s.nextW++
	ch := make(chan struct{}, 1)
	s.watches[id] = ch
	return ch, func() {
		s.mu.Lock()
		delete(s.watches, id)
		s.mu.Unlock()
	}
}

// Close closes every scope file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for scope, st := range s.scopes {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.scopes, scope)
	}
	return firstErr
}

func (s *Server) isRevoked(token string) bool {
	_, ok := s.revoked[token]
	return ok
}

func (s *Server) notifyLocked() {
	for _, ch := range s.watches {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// scopeStore returns the open store of scope, creating it at epoch 1.
// Caller must hold s.mu.
func (s *Server) scopeStore(ctx context.Context, scope replica.Scope) (*store.Store, error) {
	if st, ok := s.scopes[scope]; ok {
		return st, nil
	}
	path := filepath.Join(s.dir, url.PathEscape(string(scope))+".server")
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scope %s: %w", scope, err)
	}
	if _, ok, err := st.Meta(ctx, metaEpoch); err != nil {
		st.Close()
		return nil, err
	} else if !ok {
		if _, err := st.Update(ctx, func(tx *store.Tx) error {
			return tx.SetMeta(ctx, metaEpoch, "1")
		}); err != nil {
			st.Close()
			return nil, fmt.Errorf("init scope %s: %w", scope, err)
		}
	}
	s.scopes[scope] = st
	return st, nil
}

func readEpoch(ctx context.Context, st *store.Store) (int64, error) {
	v, ok, err := st.Meta(ctx, metaEpoch)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad epoch %q: %w", v, err)
	}
	return epoch, nil
}
