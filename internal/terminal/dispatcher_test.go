package terminal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsInPostOrder(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 128)
	defer d.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, d.Post(context.Background(), func(context.Context) { got = append(got, i) }))
	}
	require.NoError(t, d.Call(context.Background(), func(context.Context) error { return nil }))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
	assert.Equal(t, int64(101), d.Stats().Posted)
}

func TestDispatcher_NoConcurrentExecution(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 16)
	defer d.Close()

	var (
		wg      sync.WaitGroup
		running int
		overlap bool
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = d.Call(context.Background(), func(context.Context) error {
					running++
					if running > 1 {
						overlap = true
					}
					time.Sleep(10 * time.Microsecond)
					running--
					return nil
				})
			}
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
}

func TestDispatcher_InlineOnOwner(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 1)
	defer d.Close()

	var order []string
	err := d.Call(context.Background(), func(ctx context.Context) error {
		assert.True(t, d.IsOwner(ctx))
		order = append(order, "outer")
		// would deadlock if queued behind the running call
		require.NoError(t, d.Call(ctx, func(context.Context) error {
			order = append(order, "nested call")
			return nil
		}))
		require.NoError(t, d.Post(ctx, func(context.Context) { order = append(order, "nested post") }))
		order = append(order, "outer done")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "nested call", "nested post", "outer done"}, order)
	assert.False(t, d.IsOwner(context.Background()))
}

func TestDispatcher_CallReturnsError(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 1)
	defer d.Close()

	boom := errors.New("boom")
	assert.ErrorIs(t, d.Call(context.Background(), func(context.Context) error { return boom }), boom)
}

func TestDispatcher_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 1)
	defer d.Close()

	err := d.Call(context.Background(), func(context.Context) error { panic("bad stage") })
	assert.ErrorIs(t, err, ErrPanicked)
	assert.NoError(t, d.Call(context.Background(), func(context.Context) error { return nil }), "owner survives")
	assert.Equal(t, int64(1), d.Stats().Panics)
}

func TestDispatcher_TryPostRejectsWhenFull(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 1)
	defer d.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.TryPost(func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, d.TryPost(func(context.Context) {}))
	assert.ErrorIs(t, d.TryPost(func(context.Context) {}), ErrQueueFull)
	close(release)

	assert.Equal(t, int64(1), d.Stats().Rejected)
}

func TestDispatcher_PostHonoursContext(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 1)
	defer d.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Post(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, d.Post(context.Background(), func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Post(ctx, func(context.Context) {}), context.DeadlineExceeded)
	close(release)
}

func TestDispatcher_CloseDropsPendingAndRejectsLater(t *testing.T) {
	t.Parallel()

	d := NewDispatcher("test", 8)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Post(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	ran := false
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Post(context.Background(), func(context.Context) { ran = true }))
	}
	pending := make(chan error, 1)
	go func() {
		pending <- d.Call(context.Background(), func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return d.Stats().QueueDepth == 4 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	// the owner is still busy, so Close has to wait for it
	require.Eventually(t, d.closed, time.Second, time.Millisecond)
	close(release)
	<-closed

	assert.False(t, ran)
	assert.ErrorIs(t, <-pending, ErrClosed)
	assert.Equal(t, int64(4), d.Stats().Dropped)

	assert.ErrorIs(t, d.Post(context.Background(), func(context.Context) {}), ErrClosed)
	assert.ErrorIs(t, d.TryPost(func(context.Context) {}), ErrClosed)
	assert.ErrorIs(t, d.Call(context.Background(), func(context.Context) error { return nil }), ErrClosed)
	d.Close()
}
