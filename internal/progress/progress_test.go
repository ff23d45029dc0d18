package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/roach88/resync/internal/replica"
)

// inline runs posted functions immediately.
type inline struct{ posts int }

func (p *inline) Post(fn func()) bool {
	p.posts++
	fn()
	return true
}

func sample(transferred, transferable int64) replica.ProgressSample {
	return replica.ProgressSample{Transferred: transferred, Transferable: transferable}
}

func TestTracker_SuppressesNonIncreasingSamples(t *testing.T) {
	var got []Notification
	tr := NewTracker(&inline{}, func(n Notification) { got = append(got, n) })

	for _, s := range []replica.ProgressSample{
		sample(0, 100), // nothing transferred yet
		sample(10, 100),
		sample(10, 100),
		sample(5, 100),
		sample(40, 100),
	} {
		tr.OnSample(s)
	}

	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].Sample.Transferred)
	assert.Equal(t, int64(40), got[1].Sample.Transferred)
	assert.False(t, got[1].Final)
}

func TestTracker_CompletionIsTerminalAndIdempotent(t *testing.T) {
	var got []Notification
	completions := 0
	tr := NewTracker(&inline{}, func(n Notification) { got = append(got, n) },
		WithCompletion(func() { completions++ }))

	tr.OnSample(sample(50, 100))
	tr.OnSample(replica.ProgressSample{Transferred: 100, Transferable: 100, Complete: true})
	tr.OnSample(replica.ProgressSample{Transferred: 100, Transferable: 100, Complete: true})
	tr.OnSample(sample(200, 300))

	require.Len(t, got, 2)
	assert.True(t, got[1].Final)
	assert.Equal(t, "Transfer finished", got[1].Message)
	assert.Equal(t, 1, completions)
	assert.False(t, tr.Armed())
}

func TestTracker_ArmStartsNewAttempt(t *testing.T) {
	var got []Notification
	tr := NewTracker(&inline{}, func(n Notification) { got = append(got, n) })

	tr.OnSample(sample(80, 100))
	tr.OnSample(replica.ProgressSample{Transferred: 100, Transferable: 100, Complete: true})
	tr.Arm()
	// Lower than the previous attempt's last sample, but a new attempt.
	tr.OnSample(sample(20, 50))

	require.Len(t, got, 3)
	assert.Equal(t, int64(20), got[2].Sample.Transferred)

	tr.Disarm()
	tr.OnSample(sample(30, 50))
	assert.Len(t, got, 3)
}

func TestTracker_FormatsWithDigitGrouping(t *testing.T) {
	var got []Notification
	tr := NewTracker(&inline{}, func(n Notification) { got = append(got, n) })
	tr.OnSample(sample(1234, 5678901))

	require.Len(t, got, 1)
	assert.Equal(t, "Transferred 1,234 of 5,678,901…", got[0].Message)

	got = nil
	de := NewTracker(&inline{}, func(n Notification) { got = append(got, n) }, WithLanguage(language.German))
	de.OnSample(sample(1234, 5678))
	require.Len(t, got, 1)
	assert.Equal(t, "Transferred 1.234 of 5.678…", got[0].Message)
}

func TestTracker_DeliversThroughPoster(t *testing.T) {
	p := &inline{}
	tr := NewTracker(p, nil)
	tr.OnSample(sample(1, 2))
	tr.OnSample(sample(1, 2))
	assert.Equal(t, 1, p.posts)
}
