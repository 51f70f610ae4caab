// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/psychehost/psyche/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueue_FIFO(t *testing.T) {
	q := queue.New[int]()
	for i := range 200 {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 200, q.Len())

	for i := range 200 {
		got, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_InterleavedPushPopKeepsOrder(t *testing.T) {
	q := queue.New[int]()
	next := 0
	want := 0
	for round := range 50 {
		for range round % 7 {
			q.Push(next)
			next++
		}
		for range round % 3 {
			got, ok := q.TryPop()
			if !ok {
				break
			}
			assert.Equal(t, want, got)
			want++
		}
	}
	for {
		got, ok := q.TryPop()
		if !ok {
			break
		}
		assert.Equal(t, want, got)
		want++
	}
	assert.Equal(t, next, want)
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := queue.New[string]()
	done := make(chan string)
	go func() {
		v, _ := q.Pop(context.Background())
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("hello")

	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := queue.New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestQueue_CloseRejectsPushButKeepsItems(t *testing.T) {
	q := queue.New[int]()
	q.Push(1)
	q.Close()

	assert.False(t, q.Push(2))
	v, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.Pop(context.Background())
	assert.False(t, ok, "closed and empty queue must not block")
}

func TestQueue_DrainReturnsRemaining(t *testing.T) {
	q := queue.New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	_, _ = q.TryPop()

	assert.Equal(t, []int{2, 3}, q.Drain())
	assert.False(t, q.Push(4))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ConcurrentProducersPreservePerProducerOrder(t *testing.T) {
	const producers, perProducer = 8, 500
	type item struct{ producer, seq int }

	q := queue.New[item]()
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range perProducer {
				q.Push(item{p, s})
			}
		}()
	}
	wg.Wait()

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	count := 0
	for {
		it, ok := q.TryPop()
		if !ok {
			break
		}
		assert.Greater(t, it.seq, last[it.producer])
		last[it.producer] = it.seq
		count++
	}
	assert.Equal(t, producers*perProducer, count)
}
