// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package entity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAllocatesSequentially(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ctx := t.Context()

	var last int64
	for i := int64(1); i <= 5; i++ {
		id, err := eng.Counters().NextModelID(ctx, "test_table")
		require.NoError(t, err)
		assert.Equal(t, i, id)
		last = id
	}
	assert.Equal(t, int64(5), last)

	// exactly one row backs the counter
	n, err := eng.Counters().Entity().CountOfModels(ctx, "tablename = ?", "test_table")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCounterPerTableIndependence(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ctx := t.Context()

	id, err := eng.Counters().NextModelID(ctx, "table1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, eng.Counters().SetNextModelID(ctx, 2, "table2"))
	id, err = eng.Counters().NextModelID(ctx, "table2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	recs, err := eng.Counters().Entity().Models(ctx, "uuid != ''")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCounterSetThenNextRoundTrip(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ctx := t.Context()

	require.NoError(t, eng.Counters().SetNextModelID(ctx, 41, "things"))
	id, err := eng.Counters().NextModelID(ctx, "things")
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)

	id, err = eng.Counters().NextModelID(ctx, "things")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestCounterSurvivesReopen(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ctx := t.Context()
	path := eng.Handle().Path()

	for range 3 {
		_, err := eng.Counters().NextModelID(ctx, "persistent")
		require.NoError(t, err)
	}
	require.NoError(t, eng.Close(ctx))

	eng2, err := New(ctx, Options{Path: path})
	require.NoError(t, err)
	defer eng2.Close(ctx)

	id, err := eng2.Counters().NextModelID(ctx, "persistent")
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
}

func TestCounterConcurrentFirstUse(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	ids := make(chan int64, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := eng.Counters().NextModelID(ctx, "contended")
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{})
	for id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "identifier %d allocated twice", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 8)

	// simultaneous first uses still produced a single row
	n, err := eng.Counters().Entity().CountOfModels(ctx, "tablename = ?", "contended")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
