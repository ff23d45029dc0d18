package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestTaskQueue_FIFO(t *testing.T) {
	q := newTaskQueue()
	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		require.True(t, q.Enqueue(func() { got = append(got, i) }))
	}
	for {
		fn, ok := q.TryDequeue()
		if !ok {
			break
		}
		fn()
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestTaskQueue_ClosedRejects(t *testing.T) {
	q := newTaskQueue()
	q.Close()
	q.Close()
	assert.False(t, q.Enqueue(func() {}))
	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestLoop_RunsTasksInOrderOnOneGoroutine(t *testing.T) {
	l := startLoop(t)

	var mu sync.Mutex
	var got []int
	active := 0
	overlap := false
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		l.Post(func() {
			defer wg.Done()
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			got = append(got, i)
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.False(t, overlap)
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_Call(t *testing.T) {
	l := startLoop(t)

	x := 0
	require.NoError(t, l.Call(context.Background(), func() { x = 42 }))
	assert.Equal(t, 42, x)
}

func TestLoop_AfterFiresOnLoop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Eventually(t, func() bool { return l.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLoop_AfterCancel(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	cancel := l.After(20*time.Millisecond, func() { fired <- struct{}{} })
	assert.True(t, cancel())
	assert.False(t, cancel())
	assert.Zero(t, l.Pending())

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestLoop_StopCancelsTimersAndDrains(t *testing.T) {
	l := NewLoop()
	ran := 0
	l.Post(func() { ran++ })
	l.After(time.Hour, func() { ran += 100 })
	require.Equal(t, 1, l.Pending())

	l.Stop()
	assert.Zero(t, l.Pending())
	assert.False(t, l.Post(func() {}))

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 1, ran)

	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrStopped)
}

func TestClock(t *testing.T) {
	c := NewClockAt(10)
	assert.Equal(t, int64(11), c.Next())
	assert.Equal(t, int64(11), c.Current())
	assert.Equal(t, int64(1), NewClock().Next())
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()

	unlockA := k.Lock("a")
	// A different key is independent.
	unlockB, ok := k.TryLock("b")
	require.True(t, ok)
	_, ok = k.TryLock("a")
	assert.False(t, ok)

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}

	unlockA()
	unlockA()
	<-acquired
	unlockB()

	assert.Eventually(t, func() bool { return k.Held() == 0 }, time.Second, 5*time.Millisecond)
}
