// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package entity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/quicksilver/internal/database"
)

// JobModel is the demonstration model used across these tests: a job posting
// with a title and a salary band.
type JobModel struct {
	Model

	Title string
	Min   int64
	Max   int64
}

func (j *JobModel) Base() *Model {
	return &j.Model
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	eng, err := New(t.Context(), Options{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = eng.Close(t.Context())
	})
	return eng
}

func newJobEntity(t *testing.T, eng *Engine) *Entity {
	t.Helper()

	columns := []Column{
		{Name: ColumnUUID, Type: VarcharPk},
		{Name: ColumnCreated, Type: Timestamp},
		{Name: ColumnModified, Type: Timestamp},
		{Name: "title", Type: Varchar, Options: OptionCreateIndex},
		{Name: "min", Type: Integer},
		{Name: "max", Type: Integer},
	}

	ent, err := eng.NewEntity(t.Context(), "jobs", columns,
		func(rs *database.ResultSet) (Record, error) {
			return &JobModel{
				Model: BaseFromRow(rs),
				Title: rs.String("title"),
				Min:   rs.Int64("min"),
				Max:   rs.Int64("max"),
			}, nil
		},
		func(rec Record) []any {
			j := rec.(*JobModel)
			return []any{j.UUID(), j.Created(), j.Modified(), j.Title, j.Min, j.Max}
		},
	)
	require.NoError(t, err)
	return ent
}

func TestEntityRequiresReservedColumns(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)

	decode := func(rs *database.ResultSet) (Record, error) { return nil, nil }
	encode := func(rec Record) []any { return nil }

	_, err := eng.NewEntity(t.Context(), "bad", []Column{
		{Name: ColumnUUID, Type: VarcharPk},
		{Name: "title", Type: Varchar},
	}, decode, encode)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestEntityCreateTableIsIdempotent(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)

	// declaring the same schema on a second engine over the same file is a
	// no-op
	require.NoError(t, eng.Close(t.Context()))

	eng2, err := New(t.Context(), Options{Path: eng.Handle().Path()})
	require.NoError(t, err)
	defer eng2.Close(t.Context())

	jobs2 := newJobEntity(t, eng2)
	assert.Equal(t, jobs.Table(), jobs2.Table())
}

func TestPersistAndQueryRoundTrip(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	job := &JobModel{Title: "managing director", Min: 100000, Max: 1000000}
	require.NoError(t, jobs.Persist(ctx, job))

	assert.True(t, job.IsPersisted())
	assert.NotEmpty(t, job.UUID())
	assert.False(t, job.Created().IsZero())

	recs, err := jobs.Models(ctx, "uuid != ''")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "managing director", recs[0].(*JobModel).Title)

	// mutate in memory and through the queue; the next read reflects it
	job.Title = "CEO"
	job.Touch()
	jobs.Write(ctx, job.Title, "title", job.UUID(), job.Modified())

	recs, err = jobs.Models(ctx, "uuid != ''")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "CEO", recs[0].(*JobModel).Title)

	title, ok := eng.Handle().StringFor(ctx, "SELECT title FROM jobs WHERE uuid = ?", job.UUID())
	require.True(t, ok)
	assert.Equal(t, "CEO", title)
}

func TestRoundTripThroughFreshCache(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	at := time.Now()
	job := &JobModel{Title: "engineer", Min: 50000, Max: 90000}
	require.NoError(t, jobs.Persist(ctx, job))
	id := job.UUID()

	// drop the identity map so the next read decodes from storage
	jobs.UncacheAll()

	rec, err := jobs.ModelWith(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)

	loaded := rec.(*JobModel)
	assert.NotSame(t, job, loaded)
	assert.Equal(t, id, loaded.UUID())
	assert.Equal(t, "engineer", loaded.Title)
	assert.Equal(t, int64(50000), loaded.Min)
	assert.Equal(t, int64(90000), loaded.Max)
	assert.WithinDuration(t, at, loaded.Created(), time.Second)
	assert.True(t, loaded.IsPersisted())
}

func TestIdentityMapReturnsSameObject(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	job := &JobModel{Title: "analyst"}
	require.NoError(t, jobs.Persist(ctx, job))

	rec, err := jobs.ModelWith(ctx, job.UUID())
	require.NoError(t, err)
	assert.Same(t, job, rec)

	// whole-row queries reuse the cached object too
	recs, err := jobs.Models(ctx, "uuid = ?", job.UUID())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Same(t, job, recs[0])

	// until explicitly evicted
	jobs.Uncache(job)
	rec, err = jobs.ModelWith(ctx, job.UUID())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotSame(t, job, rec)
}

func TestModelsWithPartitionsCacheHitsAndMisses(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	var ids []string
	for _, title := range []string{"a", "b", "c", "d"} {
		job := &JobModel{Title: title}
		require.NoError(t, jobs.Persist(ctx, job))
		ids = append(ids, job.UUID())
	}

	// evict all four and reload one; the lookup serves that one from the cache
	// and reloads the other three through one multi-bind query
	jobs.UncacheAll()
	first, err := jobs.ModelWith(ctx, ids[0])
	require.NoError(t, err)

	recs, err := jobs.ModelsWith(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	assert.Contains(t, recs, first)
	assert.Equal(t, 4, jobs.CachedCount())
}

func TestCountExistsAndProjections(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	for i, title := range []string{"dev", "dev", "ops"} {
		require.NoError(t, jobs.Persist(ctx, &JobModel{Title: title, Min: int64(i)}))
	}

	count, err := jobs.CountOfModels(ctx, "uuid != ''")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	recs, err := jobs.Models(ctx, "uuid != ''")
	require.NoError(t, err)
	assert.Equal(t, int(count), len(recs))

	exists, err := jobs.ModelExists(ctx, "title = ?", "ops")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = jobs.ModelExists(ctx, "title = ?", "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	uuids, err := jobs.ModelUUIDs(ctx, "title = ?", "dev")
	require.NoError(t, err)
	assert.Len(t, uuids, 2)

	titles, err := jobs.SelectDistinct(ctx, "title", "uuid != ''")
	require.NoError(t, err)
	assert.Len(t, titles, 2)

	any1, err := jobs.AnyModel(ctx, "title = ?", "ops")
	require.NoError(t, err)
	require.NotNil(t, any1)
	assert.Equal(t, "ops", any1.(*JobModel).Title)

	missing, err := jobs.AnyModel(ctx, "title = ?", "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateHelper(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	require.NoError(t, jobs.Persist(ctx, &JobModel{Title: "junior", Min: 10}))
	require.NoError(t, jobs.Persist(ctx, &JobModel{Title: "junior", Min: 20}))

	jobs.Update(ctx, "min", 0, "title = ?", "junior")

	// reads drain the queue first, so the update is already applied
	n, err := jobs.CountOfModels(ctx, "min = 0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteVariants(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	var all []*JobModel
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		job := &JobModel{Title: title}
		require.NoError(t, jobs.Persist(ctx, job))
		all = append(all, job)
	}

	jobs.Delete(ctx, all[0])
	assert.True(t, all[0].IsDeleted())

	jobs.DeleteUUIDs(ctx, []string{all[1].UUID(), all[2].UUID()})
	require.NoError(t, jobs.DeleteWhere(ctx, "title = ?", "d"))

	count, err := jobs.CountOfModels(ctx, "uuid != ''")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, jobs.CachedCount())

	// a deleted model cannot be persisted again
	assert.Error(t, jobs.Persist(ctx, all[0]))
}

func TestFlushSweepsClockStyle(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	stale := &JobModel{Title: "stale"}
	fresh := &JobModel{Title: "fresh"}
	require.NoError(t, jobs.Persist(ctx, stale))
	require.NoError(t, jobs.Persist(ctx, fresh))

	// first sweep clears the recently-used flags
	jobs.Flush()
	assert.Equal(t, 2, jobs.CachedCount())

	// touching one model through a lookup protects it from the next sweep
	_, err := jobs.ModelWith(ctx, fresh.UUID())
	require.NoError(t, err)

	jobs.Flush()
	assert.Equal(t, 1, jobs.CachedCount())

	rec, err := jobs.ModelWith(ctx, fresh.UUID())
	require.NoError(t, err)
	assert.Same(t, fresh, rec)
}

func TestCacheAccounting(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	var jobsList []*JobModel
	for range 5 {
		j := &JobModel{Title: "x"}
		require.NoError(t, jobs.Persist(ctx, j))
		jobsList = append(jobsList, j)
	}
	assert.Equal(t, 5, jobs.CachedCount())

	jobs.Uncache(jobsList[0])
	assert.Equal(t, 4, jobs.CachedCount())

	jobs.Delete(ctx, jobsList[1])
	assert.Equal(t, 3, jobs.CachedCount())

	jobs.UncacheAll()
	assert.Equal(t, 0, jobs.CachedCount())
}

func TestConcurrentLookupsCollapse(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	jobs := newJobEntity(t, eng)
	ctx := t.Context()

	job := &JobModel{Title: "shared"}
	require.NoError(t, jobs.Persist(ctx, job))
	id := job.UUID()
	jobs.UncacheAll()

	results := make(chan Record, 8)
	for range 8 {
		go func() {
			rec, err := jobs.ModelWith(context.WithoutCancel(ctx), id)
			if err != nil {
				results <- nil
				return
			}
			results <- rec
		}()
	}

	first := <-results
	require.NotNil(t, first)
	for range 7 {
		assert.Same(t, first, <-results)
	}
}
