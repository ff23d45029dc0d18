package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/resync/internal/backup"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/session"
)

func (c *Coordinator) onReset(ev *replica.ResetEvent) {
	if c.closed {
		return
	}
	if ev.Kind == replica.ResetKindOther {
		ev.Consume()
		c.report(replica.Classify(replica.KindOpen, "sync", ev.Location, ev.Err), fmt.Sprintf("Sync error: %v", ev.Err))
		return
	}

	s, ok := c.slots[ev.Location]
	if !ok {
		c.events.Emit(slog.LevelWarn, fmt.Sprintf("Ignoring %s for unmanaged replica", ev.Kind), "location", ev.Location)
		return
	}
	c.submit(s, func() { c.handleReset(s, ev) })
}

func (c *Coordinator) handleReset(s *slot, ev *replica.ResetEvent) {
	if s.state != StateLive || s.sess == nil || (!ev.At.IsZero() && ev.At.Before(s.sess.OpenedAt())) {
		c.events.Emit(slog.LevelWarn, fmt.Sprintf("Ignoring stale %s for %s", ev.Kind, s.scope),
			"location", s.loc, "state", s.state)
		c.finish(s)
		return
	}

	switch ev.Kind {
	case replica.ResetKindClientReset:
		c.clientReset(s, ev)
	case replica.ResetKindAuth:
		c.reauthenticate(s, ev)
	default:
		c.finish(s)
	}
}

// clientReset discards the live replica through the engine's forced
// recovery, moves the discarded file into the backup slot and reopens
// through the opener so the backup is replayed. The forced recovery runs
// at most once per event and per token.
func (c *Coordinator) clientReset(s *slot, ev *replica.ResetEvent) {
	_, seen := c.consumed[ev.Token]
	if seen || !ev.Consume() {
		c.events.Emit(slog.LevelWarn, fmt.Sprintf("Recovery token for %s already consumed", s.scope), "location", s.loc)
		c.finish(s)
		return
	}
	if ev.Token != "" {
		c.consumed[ev.Token] = struct{}{}
	}
	if c.mode == ModeDiscardLocal {
		c.discardLocal(s, ev)
		return
	}

	c.report(replica.Classify(replica.KindClientReset, "sync", s.loc, ev.Err),
		"The database is out of sync, resetting client…")
	c.metrics.ObserveReset(ev.Kind.String())
	c.events.Emit(slog.LevelInfo, fmt.Sprintf("Recovery in progress for %s", s.scope), "location", s.loc)

	s.recovering = true
	c.transition(s, StateRecovering)
	sess, loc, token := s.sess, s.loc, ev.Token
	s.sess = nil

	c.goWork(func() {
		h, err := c.discard(loc, sess, token)
		if !c.loop.Post(func() { c.backedUp(s, h, err) }) {
			slog.Warn("recovery finished after close", "location", loc, "error", err)
		}
	})
}

// discard runs off the loop under the location lock. The fresh replica
// is not opened here; the backup must exist first.
func (c *Coordinator) discard(loc replica.Location, sess *session.Session, token string) (*backup.Handle, error) {
	unlock := c.locks.Lock(string(loc))
	defer unlock()

	if err := c.registry.Clear(loc); err != nil {
		slog.Warn("clear registry entry", "location", loc, "error", err)
	}
	if err := sess.Close(); err != nil {
		slog.Warn("close session", "location", loc, "error", err)
	}

	res, err := c.engine.ForcedRecovery(c.ctx, token)
	if err != nil {
		return nil, replica.Classify(replica.KindClientReset, "forced recovery", loc, err)
	}

	start := time.Now()
	h, err := c.backups.Backup(res.DiscardedPath, loc)
	c.metrics.ObserveBackup(time.Since(start), err)
	if err != nil {
		return nil, replica.Classify(replica.KindIO, "backup", loc, err)
	}
	return h, nil
}

func (c *Coordinator) backedUp(s *slot, h *backup.Handle, err error) {
	if err != nil {
		e := replica.Classify(replica.KindIO, "backup", s.loc, err)
		if e.Kind == replica.KindIO {
			c.report(e, fmt.Sprintf("Backup failed: %v", err))
		} else {
			// Reported once already, as the reset that started this recovery.
			c.events.Emit(slog.LevelWarn, fmt.Sprintf("Client reset failed: %v", err), "location", s.loc)
		}
		c.fail(s)
		return
	}

	c.events.Emit(slog.LevelInfo, "Backup successful", "location", s.loc, "path", h.Path)
	if c.closed {
		c.finish(s)
		return
	}
	c.events.Emit(slog.LevelInfo, "Trying to re-open replica…", "location", s.loc)
	s.cancelReopen = c.loop.After(c.delay, func() {
		s.cancelReopen = nil
		if c.closed {
			c.finish(s)
			return
		}
		c.startOpen(s, nil)
	})
}

// reauthenticate closes the session, logs out if logged in, logs in
// again and reopens for the resulting identity. A login failure is
// terminal.
func (c *Coordinator) reauthenticate(s *slot, ev *replica.ResetEvent) {
	ev.Consume()
	c.report(replica.Classify(replica.KindAuth, "sync", s.loc, ev.Err),
		fmt.Sprintf("Authentication error: %v", ev.Err))
	c.metrics.ObserveReset(ev.Kind.String())
	c.events.Emit(slog.LevelInfo, fmt.Sprintf("Recovery in progress for %s", s.scope), "location", s.loc)

	s.recovering = true
	c.transition(s, StateReauthenticating)
	sess := s.sess
	s.sess = nil

	logout := c.auth.LoggedIn()
	if logout {
		c.events.Emit(slog.LevelInfo, "Logging out…")
	}
	c.events.Emit(slog.LevelInfo, "Trying to login again…")

	c.goWork(func() {
		if err := sess.Close(); err != nil {
			slog.Warn("close session", "location", sess.Location(), "error", err)
		}
		if logout {
			c.auth.Logout(c.ctx)
		}
		id, err := c.auth.EnsureLoggedIn(c.ctx)
		c.loop.Post(func() { c.reauthenticated(s, id, err) })
	})
}

func (c *Coordinator) reauthenticated(s *slot, id replica.Identity, err error) {
	if err != nil {
		c.report(replica.Classify(replica.KindAuth, "login", s.loc, err), fmt.Sprintf("Login error: %v", err))
		c.fail(s)
		return
	}
	c.events.Emit(slog.LevelInfo, fmt.Sprintf("Logged in %s, syncing…", id.ID))
	if c.closed {
		c.finish(s)
		return
	}

	if loc := c.opener.Location(id, s.scope); loc != s.loc {
		if other, taken := c.slots[loc]; taken && other != s {
			c.report(replica.NewError(replica.KindOpen, "reopen", loc, ErrLocationBusy),
				fmt.Sprintf("Open error: %v", ErrLocationBusy))
			c.fail(s)
			return
		}
		delete(c.slots, s.loc)
		s.loc = loc
		c.slots[loc] = s
	}
	s.identity = id
	c.startOpen(s, nil)
}

// discardLocal handles a client reset by dropping the replica's unsynced
// changes: the discarded file is deleted rather than backed up and the
// fresh replica is reopened at once.
func (c *Coordinator) discardLocal(s *slot, ev *replica.ResetEvent) {
	c.metrics.ObserveReset(ev.Kind.String())
	c.beforeClientReset(s.loc)

	s.recovering = true
	s.resetFrom = s.loc
	c.transition(s, StateRecovering)
	sess, loc, token := s.sess, s.loc, ev.Token
	s.sess = nil

	c.goWork(func() {
		err := c.dropLocal(loc, sess, token)
		if !c.loop.Post(func() { c.droppedLocal(s, err) }) {
			slog.Warn("reset finished after close", "location", loc, "error", err)
		}
	})
}

func (c *Coordinator) dropLocal(loc replica.Location, sess *session.Session, token string) error {
	unlock := c.locks.Lock(string(loc))
	defer unlock()

	if err := c.registry.Clear(loc); err != nil {
		slog.Warn("clear registry entry", "location", loc, "error", err)
	}
	if err := sess.Close(); err != nil {
		slog.Warn("close session", "location", loc, "error", err)
	}
	res, err := c.engine.ForcedRecovery(c.ctx, token)
	if err != nil {
		return replica.Classify(replica.KindClientReset, "forced recovery", loc, err)
	}
	return c.backups.Discard(res.DiscardedPath, loc)
}

func (c *Coordinator) droppedLocal(s *slot, err error) {
	if err != nil {
		c.report(replica.Classify(replica.KindClientReset, "discard local", s.loc, err),
			fmt.Sprintf("Client reset failed: %v", err))
		c.fail(s)
		return
	}
	if c.closed {
		c.finish(s)
		return
	}
	c.startOpen(s, nil)
}

func (c *Coordinator) beforeClientReset(loc replica.Location) {
	c.events.Emit(slog.LevelInfo, fmt.Sprintf("Before a Client Reset for %s", loc), "location", loc)
}

func (c *Coordinator) afterClientReset(before, after replica.Location) {
	c.events.Emit(slog.LevelInfo, fmt.Sprintf("After a Client Reset for %s => %s", before, after), "location", after)
}
