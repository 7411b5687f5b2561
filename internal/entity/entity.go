// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package entity maps tables to typed in-memory models. Each entity owns one
// table, an identity-map cache keyed by UUID, and the decode/encode callbacks
// that move rows in and out of its model type. Reads drain the background
// write queue first so every query observes the writes enqueued before it.
package entity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/quicksilver/internal/database"
	"github.com/autobrr/quicksilver/internal/dbinterface"
)

// DecodeFunc rebuilds a model from the current row of a result set.
type DecodeFunc func(rs *database.ResultSet) (Record, error)

// EncodeFunc flattens a model into its column values, in declared column
// order.
type EncodeFunc func(rec Record) []any

// Entity is the handler for one table: schema owner, model factory and
// identity-map cache.
type Entity struct {
	engine *Engine
	db     dbinterface.Querier

	table   string
	columns []Column
	byName  map[string]int

	decode DecodeFunc
	encode EncodeFunc

	cacheMu sync.RWMutex
	cache   map[string]Record
	loads   singleflight.Group

	insert *database.Statement
	active bool
}

// NewEntity declares a table, creates it if missing, creates any requested
// column indexes and registers the entity with the engine. The reserved
// columns uuid, created and modified must be declared or the entity is
// malformed.
func (eng *Engine) NewEntity(ctx context.Context, table string, columns []Column, decode DecodeFunc, encode EncodeFunc) (*Entity, error) {
	if decode == nil || encode == nil {
		return nil, errors.New("entity requires decode and encode callbacks")
	}

	e := &Entity{
		engine:  eng,
		db:      eng.handle,
		table:   strings.ToLower(table),
		columns: make([]Column, len(columns)),
		byName:  make(map[string]int, len(columns)),
		decode:  decode,
		encode:  encode,
		cache:   make(map[string]Record),
	}

	for i, col := range columns {
		col.Name = strings.ToLower(col.Name)
		e.columns[i] = col
		e.byName[col.Name] = i
	}
	for _, reserved := range []string{ColumnUUID, ColumnCreated, ColumnModified} {
		if _, ok := e.byName[reserved]; !ok {
			return nil, errors.Errorf("entity %s is malformed: missing reserved column %s", table, reserved)
		}
	}

	if !eng.handle.ReadOnly() {
		if err := eng.createTable(ctx, tableDDL(e.table, e.columns)); err != nil {
			return nil, errors.Wrapf(err, "failed to create table %s", table)
		}
		for _, col := range e.columns {
			if col.Options&OptionCreateIndex != 0 {
				eng.handle.CreateIndex(ctx, e.table, []string{col.Name}, "")
			}
		}
	}

	e.insert = e.db.Prepare(e.insertSQL())
	e.active = true

	if err := eng.register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Table returns the entity's table name.
func (e *Entity) Table() string {
	return e.table
}

// Columns returns the declared columns in order.
func (e *Entity) Columns() []Column {
	return e.columns
}

// Column resolves a column by name, accepting either case.
func (e *Entity) Column(name string) (Column, bool) {
	idx, ok := e.byName[strings.ToLower(name)]
	if !ok {
		return Column{}, false
	}
	return e.columns[idx], true
}

func (e *Entity) columnNames() []string {
	names := make([]string, len(e.columns))
	for i, col := range e.columns {
		names[i] = col.Name
	}
	return names
}

func (e *Entity) insertSQL() string {
	names := e.columnNames()
	return "INSERT INTO " + e.table + " (" + strings.Join(names, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"
}

func (e *Entity) selectSQL(projection, where string) string {
	q := "SELECT " + projection + " FROM " + e.table
	if where != "" {
		q += " WHERE " + where
	}
	return q
}

// drain is the coherency barrier: every read helper waits for the writes
// enqueued before it.
func (e *Entity) drain() {
	e.db.Queue().Wait()
}

// cachedModel returns the cached model for a UUID, marking it recently used.
func (e *Entity) cachedModel(id string) Record {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	rec, ok := e.cache[id]
	if !ok {
		return nil
	}
	rec.Base().usedRecently = true
	return rec
}

func (e *Entity) cacheStore(rec Record) {
	b := rec.Base()
	b.entity = e
	b.usedRecently = true
	e.cacheMu.Lock()
	e.cache[b.UUID()] = rec
	e.cacheMu.Unlock()
}

// CachedCount returns the number of models currently in the identity map.
func (e *Entity) CachedCount() int {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	return len(e.cache)
}

// loadModelsFrom projects whole-row query results into models. Rows whose
// UUID is already cached reuse the cached model, preserving object identity.
func (e *Entity) loadModelsFrom(rs *database.ResultSet) ([]Record, error) {
	var out []Record
	for rs.Next() {
		id := rs.String(ColumnUUID)
		if rec := e.cachedModel(id); rec != nil {
			out = append(out, rec)
			continue
		}

		rec, err := e.decode(rs)
		if err != nil {
			return out, errors.Wrapf(err, "failed to decode row for %s", e.table)
		}
		e.cacheStore(rec)
		out = append(out, rec)
	}
	return out, nil
}

// ModelWith returns the model for a UUID, from the cache when present,
// loading and caching it otherwise. Concurrent misses for the same UUID
// collapse into one load. Returns nil when no such row exists.
func (e *Entity) ModelWith(ctx context.Context, id string) (Record, error) {
	if rec := e.cachedModel(id); rec != nil {
		return rec, nil
	}

	v, err, _ := e.loads.Do(id, func() (any, error) {
		if rec := e.cachedModel(id); rec != nil {
			return rec, nil
		}

		e.drain()
		rs, err := e.db.Query(ctx, e.selectSQL(strings.Join(e.columnNames(), ", "), "uuid = ?"), id)
		if err != nil {
			return nil, err
		}
		defer rs.Close()

		recs, err := e.loadModelsFrom(rs)
		if err != nil || len(recs) == 0 {
			return nil, err
		}
		return recs[0], nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(Record), nil
}

// ModelsWith returns the models for a set of UUIDs, partitioning into cache
// hits and one multi-bind load for the misses.
func (e *Entity) ModelsWith(ctx context.Context, ids []string) ([]Record, error) {
	var out []Record
	var missing []string
	for _, id := range ids {
		if rec := e.cachedModel(id); rec != nil {
			out = append(out, rec)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	e.drain()
	rs, err := e.db.Query(ctx, e.selectSQL(strings.Join(e.columnNames(), ", "), "uuid IN (#?)"), missing)
	if err != nil {
		return out, err
	}
	defer rs.Close()

	loaded, err := e.loadModelsFrom(rs)
	return append(out, loaded...), err
}

// Models returns every model matching the WHERE fragment.
func (e *Entity) Models(ctx context.Context, where string, args ...any) ([]Record, error) {
	e.drain()
	rs, err := e.db.Query(ctx, e.selectSQL(strings.Join(e.columnNames(), ", "), where), args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return e.loadModelsFrom(rs)
}

// AnyModel returns one model matching the WHERE fragment, nil if none match.
func (e *Entity) AnyModel(ctx context.Context, where string, args ...any) (Record, error) {
	e.drain()
	rs, err := e.db.Query(ctx, e.selectSQL(strings.Join(e.columnNames(), ", "), where)+" LIMIT 1", args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	recs, err := e.loadModelsFrom(rs)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// ModelUUIDs returns the distinct UUIDs matching the WHERE fragment.
func (e *Entity) ModelUUIDs(ctx context.Context, where string, args ...any) ([]string, error) {
	e.drain()
	rs, err := e.db.Query(ctx, e.selectSQL("DISTINCT uuid", where), args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []string
	for rs.Next() {
		if id := rs.StringAt(0); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

// CountOfModels returns the number of rows matching the WHERE fragment.
func (e *Entity) CountOfModels(ctx context.Context, where string, args ...any) (int64, error) {
	e.drain()
	n, ok := e.db.Int64For(ctx, e.selectSQL("COUNT(*)", where), args...)
	if !ok {
		return 0, errors.Errorf("count query failed for %s", e.table)
	}
	return n, nil
}

// ModelExists reports whether any row matches the WHERE fragment.
func (e *Entity) ModelExists(ctx context.Context, where string, args ...any) (bool, error) {
	e.drain()
	_, ok := e.db.Int64For(ctx, e.selectSQL("rowid", where)+" LIMIT 1", args...)
	return ok, nil
}

// SelectDistinct returns the distinct values of one column for rows matching
// the WHERE fragment.
func (e *Entity) SelectDistinct(ctx context.Context, column, where string, args ...any) ([]any, error) {
	e.drain()
	rs, err := e.db.Query(ctx, e.selectSQL("DISTINCT "+strings.ToLower(column), where), args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []any
	for rs.Next() {
		out = append(out, rs.ValueAt(0))
	}
	return out, nil
}

// IsActive reports whether the entity is still attached to a live engine.
func (e *Entity) IsActive() bool {
	return e.active
}

// Persist schedules the model's insert behind any pending writes and caches
// it. The model gains a UUID and a creation timestamp if it lacks them; its
// modification timestamp is always set to the current time.
func (e *Entity) Persist(ctx context.Context, rec Record) error {
	if !e.active {
		return errors.Errorf("entity %s is no longer active", e.table)
	}

	b := rec.Base()
	if b.deleted {
		return errors.Errorf("cannot persist deleted model %s", b.UUID())
	}

	now := time.Now()
	if b.uuid == "" {
		b.uuid = b.UUID()
	}
	if b.created.IsZero() {
		b.created = now
	}
	b.modified = now

	args := e.encode(rec)
	e.db.Queue().Enqueue(database.NewSQLOperation(e.insert, args...))

	b.persisted = true
	e.cacheStore(rec)
	return nil
}

// Update schedules a single-column update over a WHERE fragment.
func (e *Entity) Update(ctx context.Context, column string, value any, where string, args ...any) {
	q := "UPDATE " + e.table + " SET " + strings.ToLower(column) + " = ?"
	if where != "" {
		q += " WHERE " + where
	}
	e.db.Queue().Enqueue(database.NewRawSQLOperation(e.engine.handle, q, append([]any{value}, args...)...))
}

// Write schedules a single-column write for one row, optionally advancing
// its modification timestamp.
func (e *Entity) Write(ctx context.Context, value any, column, id string, modified ...time.Time) {
	col := strings.ToLower(column)
	if len(modified) > 0 {
		q := "UPDATE " + e.table + " SET " + col + " = ?, modified = ? WHERE uuid = ?"
		e.db.Queue().Enqueue(database.NewRawSQLOperation(e.engine.handle, q, value, modified[0], id))
		return
	}
	q := "UPDATE " + e.table + " SET " + col + " = ? WHERE uuid = ?"
	e.db.Queue().Enqueue(database.NewRawSQLOperation(e.engine.handle, q, value, id))
}

// Delete marks the model deleted, evicts it and schedules the row delete.
func (e *Entity) Delete(ctx context.Context, rec Record) {
	b := rec.Base()
	b.deleted = true
	e.Uncache(rec)
	e.db.Queue().Enqueue(database.NewRawSQLOperation(e.engine.handle,
		"DELETE FROM "+e.table+" WHERE uuid = ?", b.UUID()))
}

// DeleteUUIDs evicts and deletes a set of rows in one statement.
func (e *Entity) DeleteUUIDs(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}

	e.cacheMu.Lock()
	for _, id := range ids {
		if rec, ok := e.cache[id]; ok {
			rec.Base().deleted = true
			delete(e.cache, id)
		}
	}
	e.cacheMu.Unlock()

	e.db.Queue().Enqueue(database.NewRawSQLOperation(e.engine.handle,
		"DELETE FROM "+e.table+" WHERE uuid IN (#?)", ids))
}

// DeleteWhere resolves the matching UUIDs, then deletes them.
func (e *Entity) DeleteWhere(ctx context.Context, where string, args ...any) error {
	ids, err := e.ModelUUIDs(ctx, where, args...)
	if err != nil {
		return err
	}
	e.DeleteUUIDs(ctx, ids)
	return nil
}

// Uncache removes one model from the identity map.
func (e *Entity) Uncache(rec Record) {
	e.cacheMu.Lock()
	delete(e.cache, rec.Base().UUID())
	e.cacheMu.Unlock()
}

// UncacheAll empties the identity map.
func (e *Entity) UncacheAll() {
	e.cacheMu.Lock()
	e.cache = make(map[string]Record)
	e.cacheMu.Unlock()
}

// Flush sweeps the cache clock-style: models touched since the last sweep
// survive with their flag cleared, untouched persisted models are evicted,
// unpersisted models are kept regardless.
func (e *Entity) Flush() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	for id, rec := range e.cache {
		b := rec.Base()
		if b.usedRecently {
			b.usedRecently = false
			continue
		}
		if b.persisted {
			delete(e.cache, id)
		}
	}
}
