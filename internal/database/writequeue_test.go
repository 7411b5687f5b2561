// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcOperation struct {
	fn func()
}

func (op *funcOperation) Run(_ context.Context) {
	op.fn()
}

func TestWriteQueueRunsInOrder(t *testing.T) {
	t.Parallel()

	q := NewWriteQueue()
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := range 100 {
		q.Enqueue(&funcOperation{fn: func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}})
	}

	q.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}

	executed, drains := q.Stats()
	assert.Equal(t, uint64(100), executed)
	assert.Equal(t, uint64(1), drains)
}

func TestWriteQueueWaitObservesPriorOperations(t *testing.T) {
	t.Parallel()

	q := NewWriteQueue()
	defer q.Close()

	slow := make(chan struct{})
	var done bool

	q.Enqueue(&funcOperation{fn: func() {
		<-slow
		done = true
	}})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(slow)
	}()

	q.Wait()
	assert.True(t, done)
}

func TestWriteQueueBuffersDuringWait(t *testing.T) {
	t.Parallel()

	q := NewWriteQueue()
	defer q.Close()

	var mu sync.Mutex
	var order []string

	record := func(tag string) *funcOperation {
		return &funcOperation{fn: func() {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}}
	}

	blocked := make(chan struct{})
	q.Enqueue(&funcOperation{fn: func() {
		<-blocked
	}})
	q.Enqueue(record("before"))

	// while the wait is pending, a concurrent producer submits more work;
	// those operations must land after the observation point
	waitStarted := make(chan struct{})
	waitDone := make(chan struct{})
	go func() {
		close(waitStarted)
		q.Wait()
		close(waitDone)
	}()

	<-waitStarted
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(record("during-1"))
	q.Enqueue(record("during-2"))

	mu.Lock()
	assert.NotContains(t, order, "during-1")
	mu.Unlock()

	close(blocked)
	<-waitDone

	// the barrier observed "before"; the intercepted operations flush in
	// arrival order afterwards
	mu.Lock()
	assert.Equal(t, []string{"before"}, order[:1])
	mu.Unlock()

	q.Wait()
	mu.Lock()
	assert.Equal(t, []string{"before", "during-1", "during-2"}, order)
	mu.Unlock()
}

func TestWriteQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewWriteQueue()

	var count int
	for range 10 {
		q.Enqueue(&funcOperation{fn: func() { count++ }})
	}

	q.Close()
	assert.Equal(t, 10, count)
	assert.Equal(t, 0, q.Len())

	// enqueue after close is dropped, not deadlocked
	q.Enqueue(&funcOperation{fn: func() { count++ }})
	assert.Equal(t, 10, count)
}

func TestReadAfterWriteCoherency(t *testing.T) {
	t.Parallel()

	h := openTestHandle(t)
	ctx := t.Context()

	require.True(t, h.Update(ctx, "CREATE TABLE items (uuid VARCHAR PRIMARY KEY, n INTEGER)"))
	st := h.Prepare("INSERT INTO items (uuid, n) VALUES (?, ?)")

	for i := range 50 {
		h.Queue().Enqueue(NewSQLOperation(st, i, i))
	}

	// the drain barrier makes every enqueued write visible to this read
	h.Queue().Wait()
	n, ok := h.Int64For(ctx, "SELECT COUNT(*) FROM items")
	require.True(t, ok)
	assert.Equal(t, int64(50), n)
}
