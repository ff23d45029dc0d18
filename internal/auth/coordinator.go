// Package auth obtains and releases identities from the identity
// provider.
//
// Coordinator collapses concurrent logins into a single provider call.
// LocalProvider is an in-process provider issuing HS256 access tokens.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/resync/internal/replica"
)

// Provider is the remote identity provider.
type Provider interface {
	Login(ctx context.Context, cred Credential) (replica.Identity, error)
	Logout(ctx context.Context, id replica.Identity) error
}

// Coordinator owns the current identity.
//
// Thread-safety: safe for concurrent use.
type Coordinator struct {
	provider Provider
	group    singleflight.Group

	mu      sync.Mutex
	creds   Credentials
	current replica.Identity
}

// NewCoordinator creates a coordinator that logs in with creds.
func NewCoordinator(p Provider, creds Credentials) *Coordinator {
	return &Coordinator{provider: p, creds: creds}
}

// SetCredentials replaces the credentials used by the next login.
func (c *Coordinator) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// EnsureLoggedIn returns the current identity, logging in first if there
// is none. Callers arriving while a login is in flight wait for and share
// its result; the provider is called once. The login runs detached from
// the cancellation of whichever caller started it, and each caller stops
// waiting when its own ctx ends.
func (c *Coordinator) EnsureLoggedIn(ctx context.Context) (replica.Identity, error) {
	if id, ok := c.Current(); ok {
		return id, nil
	}

	loginCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("login", func() (any, error) {
		return c.login(loginCtx)
	})

	select {
	case <-ctx.Done():
		return replica.Identity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return replica.Identity{}, res.Err
		}
		if res.Shared {
			slog.Debug("joined in-flight login")
		}
		return res.Val.(replica.Identity), nil
	}
}

func (c *Coordinator) login(ctx context.Context) (replica.Identity, error) {
	if id, ok := c.Current(); ok {
		return id, nil
	}
	c.mu.Lock()
	cred := c.creds.Select()
	c.mu.Unlock()

	slog.Debug("logging in", "method", cred.Method)
	id, err := c.provider.Login(ctx, cred)
	if err != nil {
		return replica.Identity{}, fmt.Errorf("login (%s): %w", cred.Method, err)
	}

	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
	slog.Info("logged in", "identity", id.ID, "method", cred.Method)
	return id, nil
}

// Logout invalidates the current identity on the provider and clears it
// locally. A provider failure is logged and the identity is cleared
// anyway.
func (c *Coordinator) Logout(ctx context.Context) {
	c.mu.Lock()
	id := c.current
	c.current = replica.Identity{}
	c.mu.Unlock()

	if id.IsZero() {
		return
	}
	if err := c.provider.Logout(ctx, id); err != nil {
		slog.Warn("logout failed on provider; cleared locally", "identity", id.ID, "error", err)
		return
	}
	slog.Info("logged out", "identity", id.ID)
}

// Current returns the current identity.
func (c *Coordinator) Current() (replica.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, !c.current.IsZero()
}

// LoggedIn reports whether an identity is held.
func (c *Coordinator) LoggedIn() bool {
	_, ok := c.Current()
	return ok
}
