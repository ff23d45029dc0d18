package app

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/resync/internal/config"
	"github.com/roach88/resync/internal/eventlog"
	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/recovery"
	"github.com/roach88/resync/internal/replica"
	"github.com/roach88/resync/internal/session"
	"github.com/roach88/resync/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Recovery.ReopenDelay = 20 * time.Millisecond
	cfg.Recovery.DeleteDelay = 10 * time.Millisecond
	cfg.Recovery.SyncInterval = 20 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	events := eventlog.New(eventlog.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	a, err := New(cfg,
		WithEvents(events),
		WithSampleSource(testutil.FixedIDs("s"), testutil.NewRand(1)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestApp_ConnectAndSample(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	inserted, updated, err := a.InsertOrUpdateSample(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.SampleBatchSize, inserted)
	assert.Zero(t, updated)

	inserted, updated, err = a.InsertOrUpdateSample(ctx)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Equal(t, record.SampleBatchSize, updated)

	msgs := a.Events.Messages()
	assert.Contains(t, msgs, "Inserted: 500 documents")
	assert.Contains(t, msgs, "Updated: 500 documents")
	assert.Equal(t, 1, countPrefix(msgs, "Logged in"))
	assert.Equal(t, 1, countPrefix(msgs, "Skipped login"))
}

func TestApp_ResetScopeRecovers(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	_, _, err := a.InsertOrUpdateSample(ctx)
	require.NoError(t, err)
	sess, ok := a.Coordinator.Session(a.Engine.Location(mustCurrent(t, a), a.Scope()))
	require.True(t, ok)

	_, err = a.ResetScope(ctx, a.Scope())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countPrefix(a.Events.Messages(), "P is live again") == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, session.StateClosed, sess.State())
	assert.Equal(t, recovery.StateLive, a.Coordinator.State(sess.Location()))

	pending, err := a.PendingBackups()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Contains(t, a.Events.Messages(), "Restore successfully applied: 500 records")
}

func TestApp_RestartIsWarm(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := New(cfg, WithEvents(eventlog.New(eventlog.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))))
	require.NoError(t, err)
	_, _, err = first.InsertOrUpdateSample(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestApp(t, cfg)
	_, err = second.Connect(ctx, session.Listener{})
	require.NoError(t, err)
	assert.True(t, slices.Contains(second.Events.Messages(), "Opened P replica (sync)"))
}

func mustCurrent(t *testing.T, a *App) replica.Identity {
	t.Helper()
	id, ok := a.Auth.Current()
	require.True(t, ok)
	return id
}

func countPrefix(msgs []string, prefix string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}
