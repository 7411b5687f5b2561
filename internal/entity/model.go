// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/autobrr/quicksilver/internal/database"
)

// Model is the in-memory state every row representation embeds. A model is
// persisted exclusively through its entity; it never writes itself.
type Model struct {
	uuid     string
	created  time.Time
	modified time.Time

	persisted      bool
	deleted        bool
	usedRecently   bool
	notifyOnChange bool

	// entity is a non-owning back-reference; the entity owns the model
	// through its cache and outlives it.
	entity *Entity
}

// Record is implemented by concrete model types: a struct embedding Model
// and exposing it through Base.
type Record interface {
	Base() *Model
}

// NewModel returns a model with a fresh UUID and creation timestamps.
func NewModel() Model {
	now := time.Now()
	return Model{
		uuid:     uuid.New().String(),
		created:  now,
		modified: now,
	}
}

// BaseFromRow rebuilds the model state from the reserved columns of the
// current row. Decoders call this first, then read their own columns.
func BaseFromRow(rs *database.ResultSet) Model {
	m := Model{
		uuid:      rs.String(ColumnUUID),
		persisted: true,
	}
	if t, ok := rs.Time(ColumnCreated); ok {
		m.created = t
	}
	if t, ok := rs.Time(ColumnModified); ok {
		m.modified = t
	}
	return m
}

// UUID returns the stable row identity, generating one on first access if
// the model was zero-constructed.
func (m *Model) UUID() string {
	if m.uuid == "" {
		m.uuid = uuid.New().String()
	}
	return m.uuid
}

// SetUUID overrides the identity. Only meaningful before the model is
// persisted.
func (m *Model) SetUUID(id string) {
	if !m.persisted {
		m.uuid = id
	}
}

// Created returns the creation timestamp.
func (m *Model) Created() time.Time {
	return m.created
}

// Modified returns the last-mutation timestamp.
func (m *Model) Modified() time.Time {
	return m.modified
}

// Touch advances the modification timestamp.
func (m *Model) Touch() {
	m.modified = time.Now()
}

// IsPersisted reports whether the model has been written through its entity.
func (m *Model) IsPersisted() bool {
	return m.persisted
}

// IsDeleted reports whether the model has been scheduled for deletion.
func (m *Model) IsDeleted() bool {
	return m.deleted
}

// UsedRecently reports whether the model was touched since the last cache
// sweep.
func (m *Model) UsedRecently() bool {
	return m.usedRecently
}

// SetNotifyOnChange toggles change notification for this model.
func (m *Model) SetNotifyOnChange(notify bool) {
	m.notifyOnChange = notify
}

// NotifyOnChange reports whether change notification is enabled.
func (m *Model) NotifyOnChange() bool {
	return m.notifyOnChange
}

// Entity returns the entity that owns this model, nil for orphaned models.
func (m *Model) Entity() *Entity {
	return m.entity
}
