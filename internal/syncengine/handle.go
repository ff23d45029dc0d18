package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/resync/internal/dispatch"
	"github.com/roach88/resync/internal/query"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/store"
)

// Handle is an open replica.
//
// Thread-safety: all methods are safe for concurrent use. Progress and
// change notifications are delivered serially on the handle's
// notification goroutine.
type Handle struct {
	engine *Engine
	cfg    replica.Config
	st     *store.Store
	notify *dispatch.Loop

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
	started atomic.Bool

	mu        sync.Mutex
	closed    bool
	raised    bool
	synced    bool
	nextID    int
	progress  map[int]replica.ProgressSink
	observers map[int]*observer
}

type observer struct {
	q        query.Query
	sink     replica.ChangeSink
	canceled atomic.Bool
}

func newHandle(e *Engine, cfg replica.Config, st *store.Store) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		engine:    e,
		cfg:       cfg,
		st:        st,
		notify:    dispatch.NewLoop(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		kick:      make(chan struct{}, 1),
		progress:  make(map[int]replica.ProgressSink),
		observers: make(map[int]*observer),
	}
	go h.notify.Run(context.Background())
	return h
}

// Location returns the replica path.
func (h *Handle) Location() replica.Location {
	return h.cfg.Location
}

// Config returns the configuration the handle was opened with.
func (h *Handle) Config() replica.Config {
	return h.cfg
}

// Write runs fn in one transaction. Observers are notified of the net
// changes and the sync loop is woken to upload them.
func (h *Handle) Write(ctx context.Context, fn func(replica.Tx) error) error {
	if h.isClosed() {
		return replica.ErrClosed
	}
	changes, err := h.st.Update(ctx, func(tx *store.Tx) error {
		return fn(tx)
	})
	if err != nil {
		return err
	}
	h.notifyChanges(ctx, changes)
	h.poke()
	return nil
}

// QueryAll returns the records q selects.
func (h *Handle) QueryAll(ctx context.Context, q query.Query) ([]record.Record, error) {
	if h.isClosed() {
		return nil, replica.ErrClosed
	}
	return h.st.Query(ctx, q)
}

// Count returns the number of records q selects.
func (h *Handle) Count(ctx context.Context, q query.Query) (int, error) {
	if h.isClosed() {
		return 0, replica.ErrClosed
	}
	return h.st.Count(ctx, q)
}

// AddProgressObserver subscribes sink to the background sync's transfer
// progress.
func (h *Handle) AddProgressObserver(sink replica.ProgressSink) replica.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return replica.NewToken(nil)
	}
	id := h.nextID
	h.nextID++
	h.progress[id] = sink
	return replica.NewToken(func() {
		h.mu.Lock()
		delete(h.progress, id)
		h.mu.Unlock()
	})
}

// Observe subscribes sink to changes of the records q selects. The first
// change set is the initial load.
func (h *Handle) Observe(q query.Query, sink replica.ChangeSink) (replica.Token, error) {
	count, err := h.Count(h.ctx, q)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}

	obs := &observer{q: q, sink: sink}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, replica.ErrClosed
	}
	id := h.nextID
	h.nextID++
	h.observers[id] = obs
	h.mu.Unlock()

	h.deliver(obs, replica.ChangeSet{Initial: true, Count: count})
	return replica.NewToken(func() {
		obs.canceled.Store(true)
		h.mu.Lock()
		delete(h.observers, id)
		h.mu.Unlock()
	}), nil
}

// Close stops syncing, drops subscriptions and closes the file. It is
// idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, obs := range h.observers {
		obs.canceled.Store(true)
		delete(h.observers, id)
	}
	clear(h.progress)
	h.mu.Unlock()

	h.cancel()
	if h.started.Load() {
		<-h.done
	}
	h.notify.Stop()
	err := h.st.Close()
	h.engine.forget(h)
	return err
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) start() {
	if h.started.CompareAndSwap(false, true) {
		go h.syncLoop()
	}
}

func (h *Handle) poke() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

func (h *Handle) syncLoop() {
	defer close(h.done)

	watch, stop := h.engine.server.Watch()
	defer stop()
	ticker := time.NewTicker(h.engine.interval)
	defer ticker.Stop()

	for {
		if !h.syncOnce(h.ctx) {
			return
		}
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		case <-watch:
		case <-h.kick:
		}
	}
}

// syncOnce runs one authorize/epoch/upload/download cycle. It returns
// false once the handle must stop syncing.
func (h *Handle) syncOnce(ctx context.Context) bool {
	srv := h.engine.server
	token := h.cfg.Identity.Token
	scope := h.cfg.Scope

	if err := srv.Authorize(ctx, token); err != nil {
		return h.handleSyncError(err)
	}

	epoch, err := srv.Epoch(ctx, scope)
	if err != nil {
		return h.handleSyncError(err)
	}
	local, err := h.adoptEpoch(ctx, epoch)
	if err != nil {
		return h.handleSyncError(err)
	}
	if local != epoch {
		return h.handleSyncError(fmt.Errorf("replica at epoch %d, server at %d: %w", local, epoch, replica.ErrClientReset))
	}

	pending, err := h.st.Pending(ctx, string(scope))
	if err != nil {
		return h.handleSyncError(err)
	}
	var uploaded int64
	if !pending.Empty() {
		if err := srv.Upload(ctx, token, scope, local, pending.Upserts, pending.Deletes); err != nil {
			return h.handleSyncError(err)
		}
		if _, err := h.st.Update(ctx, func(tx *store.Tx) error {
			return tx.MarkClean(ctx, pending.Upserts, pending.Deletes)
		}); err != nil {
			return h.handleSyncError(err)
		}
		uploaded = recordsSize(pending.Upserts) + int64(len(pending.Deletes))
	}

	dl, err := srv.Download(ctx, token, scope)
	if err != nil {
		return h.handleSyncError(err)
	}
	if dl.Epoch != local {
		return h.handleSyncError(fmt.Errorf("replica at epoch %d, server at %d: %w", local, dl.Epoch, replica.ErrClientReset))
	}

	h.mu.Lock()
	first := !h.synced
	h.synced = true
	h.mu.Unlock()

	changes, err := h.applyDownload(ctx, dl.Records, uploaded, first, h.broadcastProgress)
	if err != nil {
		return h.handleSyncError(err)
	}
	h.notifyChanges(ctx, changes)
	return true
}

// initialDownload is the network-first handshake of OpenAsync. Samples
// are delivered to sink before it returns.
func (h *Handle) initialDownload(ctx context.Context, sink replica.ProgressSink) error {
	srv := h.engine.server
	dl, err := srv.Download(ctx, h.cfg.Identity.Token, h.cfg.Scope)
	if err != nil {
		return err
	}
	local, err := h.adoptEpoch(ctx, dl.Epoch)
	if err != nil {
		return err
	}
	if local != dl.Epoch {
		return fmt.Errorf("replica at epoch %d, server at %d: %w", local, dl.Epoch, replica.ErrClientReset)
	}

	h.mu.Lock()
	h.synced = true
	h.mu.Unlock()

	emit := func(s replica.ProgressSample) {
		if sink != nil {
			h.notify.Post(func() { sink(s) })
		}
	}
	if _, err := h.applyDownload(ctx, dl.Records, 0, true, emit); err != nil {
		return err
	}
	return h.notify.Call(ctx, func() {})
}

// adoptEpoch returns the replica's epoch, recording epoch first if the
// replica has never synced.
func (h *Handle) adoptEpoch(ctx context.Context, epoch int64) (int64, error) {
	v, ok, err := h.st.Meta(ctx, metaEpoch)
	if err != nil {
		return 0, err
	}
	if ok {
		return strconv.ParseInt(v, 10, 64)
	}
	_, err = h.st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetMeta(ctx, metaEpoch, strconv.FormatInt(epoch, 10))
	})
	return epoch, err
}

// applyDownload brings the replica in line with the server's records,
// leaving pending local writes alone. Progress is reported when anything
// is transferred, or always when report is set.
func (h *Handle) applyDownload(ctx context.Context, records []record.Record, uploaded int64, report bool, emit func(replica.ProgressSample)) (store.Changes, error) {
	var changed []record.Record
	onServer := make(map[string]struct{}, len(records))
	for _, r := range records {
		onServer[r.ID] = struct{}{}
		local, ok, err := h.st.Get(ctx, r.ID)
		if err != nil {
			return store.Changes{}, err
		}
		if !ok || !record.Equal(local, r) {
			changed = append(changed, r)
		}
	}

	total := uploaded + recordsSize(changed)
	report = report || total > 0
	transferred := uploaded
	if report {
		emit(replica.ProgressSample{Transferred: transferred, Transferable: total})
	}

	var net store.Changes
	for start := 0; start < len(changed); start += h.engine.chunk {
		chunk := changed[start:min(start+h.engine.chunk, len(changed))]
		c, err := h.st.Update(ctx, func(tx *store.Tx) error {
			for _, r := range chunk {
				pending, err := tx.IsPending(ctx, r.ID)
				if err != nil {
					return err
				}
				if pending {
					continue
				}
				if err := tx.Apply(ctx, r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return store.Changes{}, fmt.Errorf("download: %w", err)
		}
		net = addChanges(net, c)
		transferred += recordsSize(chunk)
		if report && transferred < total {
			emit(replica.ProgressSample{Transferred: transferred, Transferable: total})
		}
	}

	c, err := h.st.Update(ctx, func(tx *store.Tx) error {
		ids, err := tx.IDs(ctx, string(h.cfg.Scope))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := onServer[id]; ok {
				continue
			}
			pending, err := tx.IsPending(ctx, id)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
			if _, err := tx.Remove(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Changes{}, fmt.Errorf("download: %w", err)
	}
	net = addChanges(net, c)

	if report {
		emit(replica.ProgressSample{Transferred: total, Transferable: total, Complete: true})
	}
	return net, nil
}

// handleSyncError reports resets and auth failures once and stops the
// loop for them; other errors are logged and retried next cycle.
func (h *Handle) handleSyncError(err error) bool {
	if h.ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, replica.ErrClientReset):
		h.raise(replica.ResetKindClientReset, err)
		return false
	case errors.Is(err, replica.ErrUnauthorized):
		h.raise(replica.ResetKindAuth, err)
		return false
	default:
		slog.Debug("sync cycle failed", "location", h.cfg.Location, "error", err)
		return true
	}
}

func (h *Handle) raise(kind replica.ResetKind, err error) {
	h.mu.Lock()
	if h.raised || h.closed {
		h.mu.Unlock()
		return
	}
	h.raised = true
	h.mu.Unlock()

	h.engine.report(&replica.ResetEvent{
		Kind:     kind,
		Location: h.cfg.Location,
		Scope:    h.cfg.Scope,
		Identity: h.cfg.Identity,
		Err:      err,
		At:       h.engine.now(),
	})
}

func (h *Handle) broadcastProgress(s replica.ProgressSample) {
	h.mu.Lock()
	sinks := make([]replica.ProgressSink, 0, len(h.progress))
	for _, sink := range h.progress {
		sinks = append(sinks, sink)
	}
	h.mu.Unlock()

	for _, sink := range sinks {
		sink := sink
		h.notify.Post(func() { sink(s) })
	}
}

func (h *Handle) notifyChanges(ctx context.Context, c store.Changes) {
	if c.Empty() {
		return
	}
	h.mu.Lock()
	observers := make([]*observer, 0, len(h.observers))
	for _, obs := range h.observers {
		observers = append(observers, obs)
	}
	h.mu.Unlock()

	for _, obs := range observers {
		set := replica.ChangeSet{
			Deletions:     c.Deletions,
			Insertions:    c.Insertions,
			Modifications: c.Modifications,
		}
		count, err := h.st.Count(ctx, obs.q)
		if err != nil {
			set.Err = err
		}
		set.Count = count
		h.deliver(obs, set)
	}
}

func (h *Handle) deliver(obs *observer, set replica.ChangeSet) {
	h.notify.Post(func() {
		if !obs.canceled.Load() {
			obs.sink(set)
		}
	})
}

func addChanges(a, b store.Changes) store.Changes {
	return store.Changes{
		Insertions:    a.Insertions + b.Insertions,
		Modifications: a.Modifications + b.Modifications,
		Deletions:     a.Deletions + b.Deletions,
	}
}

// recordsSize approximates transfer volume by canonical encoding length.
func recordsSize(records []record.Record) int64 {
	var n int64
	for _, r := range records {
		b, err := record.MarshalCanonical(r)
		if err != nil {
			continue
		}
		n += int64(len(b))
	}
	return n
}
