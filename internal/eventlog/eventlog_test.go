package eventlog

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_EmitAndBound(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l := New(
		WithCapacity(2),
		WithNow(func() time.Time { return at }),
		WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)

	l.Info("one")
	l.Info("two", "location", "P")
	ev := l.Error("three")

	assert.Equal(t, int64(3), ev.Seq)
	assert.Equal(t, []string{"two", "three"}, l.Messages())
	assert.Equal(t, at, l.Events()[0].Time)
	assert.Contains(t, buf.String(), "location=P")
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Equal(t, "2024-01-02T03:04:05Z three", ev.String())
}

func TestLog_Subscribe(t *testing.T) {
	l := New(WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	var got []string
	cancel := l.Subscribe(func(ev Event) { got = append(got, ev.Message) })

	l.Info("a")
	l.Info("b")
	cancel()
	l.Info("c")

	require.Len(t, got, 2)
	assert.Equal(t, []string{"a", "b"}, got)
}
