package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesSubmittedWork(t *testing.T) {
	var mu sync.Mutex
	var got []int

	pool := NewPool(2, 10, func(_ context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 5)

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestPool_DropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue.
	require.NoError(t, pool.Submit(1))
	// The worker may not have picked up the first item yet; keep submitting
	// until the queue rejects.
	var dropErr error
	for i := 0; i < 3; i++ {
		dropErr = pool.Submit(i)
		if dropErr != nil {
			break
		}
	}
	assert.ErrorIs(t, dropErr, ErrQueueFull)
	assert.Greater(t, pool.Stats().Dropped, int64(0))

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var processed sync.WaitGroup
	processed.Add(3)
	pool := NewPool(1, 10, func(_ context.Context, _ int) error {
		time.Sleep(5 * time.Millisecond)
		processed.Done()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.NoError(t, pool.Stop(time.Second))
	processed.Wait()
	assert.Equal(t, int64(3), pool.Stats().Processed)
}

func TestPool_FailedItemsCounted(t *testing.T) {
	pool := NewPool(1, 10, func(_ context.Context, n int) error {
		if n%2 == 1 {
			return errors.New("sink unavailable")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(4), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestPool_DoubleStartAndStop(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestNewPool_NilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}
