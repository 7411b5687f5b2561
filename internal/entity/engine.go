// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package entity

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/quicksilver/internal/database"
)

// Options configures an engine.
type Options struct {
	Path        string
	ReadOnly    bool
	BusyRetries int
	Synchronous database.Synchronous
}

// Engine owns the database handle and the entity registry. A writable engine
// opens the handle at the durability level from Options (normal when unset)
// with a transaction already running, so writes batch until the next commit.
type Engine struct {
	handle *database.Handle

	mu       sync.RWMutex
	entities map[string]*Entity
	counters *CounterEntity
}

// New opens the database and builds the engine with its built-in counter
// entity.
func New(ctx context.Context, opts Options) (*Engine, error) {
	h, err := database.Open(ctx, database.OpenOptions{
		Path:        opts.Path,
		ReadOnly:    opts.ReadOnly,
		BusyRetries: opts.BusyRetries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	eng := &Engine{
		handle:   h,
		entities: make(map[string]*Entity),
	}

	if !opts.ReadOnly {
		if err := h.SetSynchronous(ctx, opts.Synchronous); err != nil {
			h.Close(ctx)
			return nil, err
		}
		if err := h.BeginTransaction(ctx, false); err != nil {
			h.Close(ctx)
			return nil, err
		}
	}

	eng.counters, err = newCounterEntity(ctx, eng)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}

	log.Debug().Str("path", opts.Path).Msg("engine ready")
	return eng, nil
}

// Handle returns the underlying database handle.
func (eng *Engine) Handle() *database.Handle {
	return eng.handle
}

// Counters returns the built-in counter entity.
func (eng *Engine) Counters() *CounterEntity {
	return eng.counters
}

// Entity looks up a registered entity by table name, nil when unknown.
func (eng *Engine) Entity(table string) *Entity {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	return eng.entities[strings.ToLower(table)]
}

// Entities returns the registered entities.
func (eng *Engine) Entities() []*Entity {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	out := make([]*Entity, 0, len(eng.entities))
	for _, e := range eng.entities {
		out = append(out, e)
	}
	return out
}

func (eng *Engine) register(e *Entity) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if _, exists := eng.entities[e.table]; exists {
		return errors.Errorf("entity for table %s is already registered", e.table)
	}
	eng.entities[e.table] = e
	return nil
}

// createTable runs DDL. Cached statements do not survive schema changes, so
// everything registered is finalized first.
func (eng *Engine) createTable(ctx context.Context, ddl string) error {
	eng.handle.FinalizeStatements()
	if !eng.handle.Update(ctx, ddl) {
		return errors.New("create table failed")
	}
	return nil
}

// CacheSizes reports the identity-map size of every registered entity,
// keyed by table name.
func (eng *Engine) CacheSizes() map[string]int {
	eng.mu.RLock()
	defer eng.mu.RUnlock()

	sizes := make(map[string]int, len(eng.entities))
	for table, e := range eng.entities {
		sizes[table] = e.CachedCount()
	}
	return sizes
}

// MetricsCollector builds a Prometheus collector over this engine's handle,
// queue and entity caches.
func (eng *Engine) MetricsCollector() *database.MetricsCollector {
	return database.NewMetricsCollector(eng.handle, eng)
}

// Commit enqueues a commit behind pending writes, optionally reopening the
// transaction.
func (eng *Engine) Commit(renew bool) {
	eng.handle.BackgroundCommit(renew)
}

// Flush sweeps every entity cache.
func (eng *Engine) Flush() {
	for _, e := range eng.Entities() {
		e.Flush()
	}
}

// SetSynchronous adjusts durability on the live handle, even mid-transaction.
func (eng *Engine) SetSynchronous(ctx context.Context, level database.Synchronous) error {
	return eng.handle.SetSynchronous(ctx, level)
}

// Close drains outstanding writes, commits and releases the handle. Entities
// are deactivated and their caches dropped.
func (eng *Engine) Close(ctx context.Context) error {
	eng.mu.Lock()
	for _, e := range eng.entities {
		e.active = false
		e.UncacheAll()
	}
	eng.mu.Unlock()

	return eng.handle.Close(ctx)
}
