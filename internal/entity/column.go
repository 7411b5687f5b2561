// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package entity

import (
	"fmt"
	"strings"
)

// ColumnType is the closed set of logical column types an entity can declare.
type ColumnType int

const (
	IntegerPk ColumnType = iota
	Integer
	Bool
	Decimal
	Varchar
	VarcharPk
	Timestamp
	TimestampAsSeconds
	Blob
)

func (t ColumnType) ddl() string {
	switch t {
	case IntegerPk:
		return "INTEGER PRIMARY KEY"
	case Integer, Bool:
		return "INTEGER"
	case Decimal:
		return "REAL"
	case Varchar:
		return "VARCHAR"
	case VarcharPk:
		return "VARCHAR PRIMARY KEY"
	case Timestamp, TimestampAsSeconds:
		return "TIMESTAMP"
	case Blob:
		return "BLOB"
	default:
		return "VARCHAR"
	}
}

// ColumnOption flags behavior attached to a column.
type ColumnOption uint8

const OptionNone ColumnOption = 0

const (
	OptionCreateIndex ColumnOption = 1 << iota
	OptionLazyLoad
)

// Column describes one table column. Names are folded to lower case at
// registration; lookups accept either case.
type Column struct {
	Name    string
	Type    ColumnType
	Options ColumnOption
}

// Reserved columns every entity must declare.
const (
	ColumnUUID     = "uuid"
	ColumnCreated  = "created"
	ColumnModified = "modified"
)

func tableDDL(table string, columns []Column) string {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", strings.ToLower(col.Name), col.Type.ddl())
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}
