// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tripwire/internal/flow"
)

func rec(i int) flow.Record {
	return flow.Record{SrcIP: fmt.Sprintf("192.0.2.%d", i), Count: i}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(8)
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(rec(i)))
	}

	for i := 0; i < 5; i++ {
		got, err := q.Pop(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, i, got.Count)
	}
}

func TestQueue_DropOldestOnOverflow(t *testing.T) {
	q := New(3)
	drops := 0
	q.OnDrop(func() { drops++ })

	for i := 0; i < 5; i++ {
		require.True(t, q.Push(rec(i)))
	}

	assert.Equal(t, 3, q.Len())
	pushed, dropped := q.Stats()
	assert.Equal(t, uint64(5), pushed)
	assert.Equal(t, uint64(2), dropped)
	assert.Equal(t, 2, drops)

	// The two oldest records were discarded.
	for _, want := range []int{2, 3, 4} {
		got, err := q.Pop(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, got.Count)
	}
}

func TestQueue_PushNeverBlocks(t *testing.T) {
	q := New(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Push(rec(i % 250))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a full queue")
	}
}

func TestQueue_PopTimeout(t *testing.T) {
	q := New(1)
	start := time.Now()
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_PopCancellation(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx, time.Minute)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pop did not observe cancellation")
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := New(4)
	q.Push(rec(1))
	q.Close()

	assert.False(t, q.Push(rec(2)))

	got, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)

	_, err = q.Pop(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	q.Close() // idempotent
}

func TestQueue_MultipleConsumers(t *testing.T) {
	q := New(1000)
	for i := 0; i < 500; i++ {
		q.Push(rec(i))
	}

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := q.Pop(context.Background(), 20*time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				seen[r.Count] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 500)
}

func TestQueue_PushWaitBlocksUntilRoom(t *testing.T) {
	q := New(1)
	require.True(t, q.Push(rec(0)))

	done := make(chan bool, 1)
	go func() { done <- q.PushWait(context.Background(), rec(1)) }()

	select {
	case <-done:
		t.Fatal("PushWait returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Count)
	assert.True(t, <-done)

	got, err = q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)

	pushed, dropped := q.Stats()
	assert.Equal(t, uint64(2), pushed)
	assert.Equal(t, uint64(0), dropped)
}

func TestQueue_PushWaitGivesUp(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		q := New(1)
		require.True(t, q.Push(rec(0)))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.False(t, q.PushWait(ctx, rec(1)))
	})

	t.Run("closed", func(t *testing.T) {
		q := New(1)
		require.True(t, q.Push(rec(0)))
		go func() {
			time.Sleep(20 * time.Millisecond)
			q.Close()
		}()
		assert.False(t, q.PushWait(context.Background(), rec(1)))
		assert.False(t, q.PushWait(context.Background(), rec(2)))
	})
}
