// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package entity

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/autobrr/quicksilver/internal/database"
)

const counterTable = "counters"

// CounterModel is one row of the built-in counters table: a named,
// monotonically increasing 64-bit counter per logical table.
type CounterModel struct {
	Model

	TableName string
	Counter   int64
}

func (m *CounterModel) Base() *Model {
	return &m.Model
}

// CounterEntity hands out per-table model identifiers. Allocation is
// serialized so two simultaneous first uses of a table name produce a single
// row and never share an identifier.
type CounterEntity struct {
	entity *Entity
	mu     sync.Mutex
}

func newCounterEntity(ctx context.Context, eng *Engine) (*CounterEntity, error) {
	columns := []Column{
		{Name: ColumnUUID, Type: VarcharPk},
		{Name: ColumnCreated, Type: Timestamp},
		{Name: ColumnModified, Type: Timestamp},
		{Name: "tablename", Type: Varchar, Options: OptionCreateIndex},
		{Name: "counter", Type: Integer},
	}

	ent, err := eng.NewEntity(ctx, counterTable, columns,
		func(rs *database.ResultSet) (Record, error) {
			return &CounterModel{
				Model:     BaseFromRow(rs),
				TableName: rs.String("tablename"),
				Counter:   rs.Int64("counter"),
			}, nil
		},
		func(rec Record) []any {
			m := rec.(*CounterModel)
			return []any{m.UUID(), m.Created(), m.Modified(), m.TableName, m.Counter}
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build counter entity")
	}

	return &CounterEntity{entity: ent}, nil
}

// Entity exposes the underlying entity, mainly for queries over the counter
// rows themselves.
func (c *CounterEntity) Entity() *Entity {
	return c.entity
}

func (c *CounterEntity) modelFor(ctx context.Context, table string) (*CounterModel, error) {
	rec, err := c.entity.AnyModel(ctx, "tablename = ?", table)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.(*CounterModel), nil
}

// NextModelID returns the current counter for a table and advances it. The
// first use of a table name creates its row with counter 1 and returns 1.
func (c *CounterEntity) NextModelID(ctx context.Context, table string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.modelFor(ctx, table)
	if err != nil {
		return 0, err
	}
	if m == nil {
		m = &CounterModel{Model: NewModel(), TableName: table, Counter: 1}
		if err := c.entity.Persist(ctx, m); err != nil {
			return 0, err
		}
	}

	current := m.Counter
	m.Counter = current + 1
	m.Touch()
	c.entity.Write(ctx, m.Counter, "counter", m.UUID(), m.Modified())
	return current, nil
}

// SetNextModelID assigns the value NextModelID will hand out next for a
// table, creating the row when missing.
func (c *CounterEntity) SetNextModelID(ctx context.Context, value int64, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.modelFor(ctx, table)
	if err != nil {
		return err
	}
	if m == nil {
		m = &CounterModel{Model: NewModel(), TableName: table, Counter: value}
		return c.entity.Persist(ctx, m)
	}

	m.Counter = value
	m.Touch()
	c.entity.Write(ctx, value, "counter", m.UUID(), m.Modified())
	return nil
}
