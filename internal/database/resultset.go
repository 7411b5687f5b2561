// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ResultSet is a forward-only cursor over one statement execution. At most
// one exists per handle; it owns the database lock from the query that opened
// it until Close.
type ResultSet struct {
	h            *Handle
	st           *Statement
	rows         *sql.Rows
	ownStatement bool

	cols   []string
	byName map[string]int
	vals   []any
	closed bool
}

// Next advances to the next row, returning false when the rows are exhausted
// or the step failed. Step failures increment the handle's error counter.
func (rs *ResultSet) Next() bool {
	if rs.closed {
		return false
	}

	if !rs.rows.Next() {
		if err := rs.rows.Err(); err != nil {
			rs.h.recordError(err, rs.st.sql)
		}
		return false
	}

	if rs.cols == nil {
		cols, err := rs.rows.Columns()
		if err != nil {
			rs.h.recordError(err, rs.st.sql)
			return false
		}
		rs.cols = cols
		rs.vals = make([]any, len(cols))
	}

	ptrs := make([]any, len(rs.vals))
	for i := range rs.vals {
		ptrs[i] = &rs.vals[i]
	}
	if err := rs.rows.Scan(ptrs...); err != nil {
		rs.h.recordError(err, rs.st.sql)
		return false
	}
	return true
}

// Close releases the cursor, the statement resources it pinned and the
// database lock.
func (rs *ResultSet) Close() {
	if rs.closed {
		return
	}
	rs.closed = true

	if err := rs.rows.Close(); err != nil {
		log.Warn().Err(err).Str("sql", rs.st.sql).Msg("failed to close result set")
	}
	if rs.ownStatement {
		rs.st.finalize()
	}

	rs.h.active = nil
	rs.h.mu.Unlock()
}

// ColumnCount returns the number of columns in the current row set. Valid
// after the first Next.
func (rs *ResultSet) ColumnCount() int {
	return len(rs.cols)
}

// ColumnIndex resolves a column name, case-insensitively, to its position.
// Returns -1 when the column does not exist.
func (rs *ResultSet) ColumnIndex(name string) int {
	if rs.byName == nil {
		rs.byName = make(map[string]int, len(rs.cols))
		for i, col := range rs.cols {
			rs.byName[strings.ToLower(col)] = i
		}
	}
	idx, ok := rs.byName[strings.ToLower(name)]
	if !ok {
		return -1
	}
	return idx
}

func (rs *ResultSet) valueAt(idx int) any {
	if idx < 0 || idx >= len(rs.vals) {
		return nil
	}
	return rs.vals[idx]
}

// ValueAt returns the raw driver value at the given column position.
func (rs *ResultSet) ValueAt(idx int) any {
	return rs.valueAt(idx)
}

// Value returns the raw driver value for the named column.
func (rs *ResultSet) Value(name string) any {
	return rs.valueAt(rs.ColumnIndex(name))
}

// StringAt returns the column at idx as text.
func (rs *ResultSet) StringAt(idx int) string {
	switch v := rs.valueAt(idx).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return asString(v)
	}
}

// String returns the named column as text.
func (rs *ResultSet) String(name string) string {
	return rs.StringAt(rs.ColumnIndex(name))
}

// Int64At returns the column at idx as a 64-bit integer.
func (rs *ResultSet) Int64At(idx int) int64 {
	switch v := rs.valueAt(idx).(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// Int64 returns the named column as a 64-bit integer.
func (rs *ResultSet) Int64(name string) int64 {
	return rs.Int64At(rs.ColumnIndex(name))
}

// IntAt returns the column at idx as an int.
func (rs *ResultSet) IntAt(idx int) int {
	return int(rs.Int64At(idx))
}

// Int returns the named column as an int.
func (rs *ResultSet) Int(name string) int {
	return int(rs.Int64(name))
}

// BoolAt returns the column at idx as a boolean.
func (rs *ResultSet) BoolAt(idx int) bool {
	return rs.Int64At(idx) != 0
}

// Bool returns the named column as a boolean.
func (rs *ResultSet) Bool(name string) bool {
	return rs.BoolAt(rs.ColumnIndex(name))
}

// FloatAt returns the column at idx as a float64.
func (rs *ResultSet) FloatAt(idx int) float64 {
	switch v := rs.valueAt(idx).(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Float returns the named column as a float64.
func (rs *ResultSet) Float(name string) float64 {
	return rs.FloatAt(rs.ColumnIndex(name))
}

// BytesAt returns the column at idx as a blob.
func (rs *ResultSet) BytesAt(idx int) []byte {
	switch v := rs.valueAt(idx).(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// Bytes returns the named column as a blob.
func (rs *ResultSet) Bytes(name string) []byte {
	return rs.BytesAt(rs.ColumnIndex(name))
}

// TimeAt decodes the column at idx as an epoch-seconds timestamp. A stored
// value within a millisecond of zero is only reported as a real time when
// the column is genuinely non-null, so a null timestamp and the epoch itself
// stay distinguishable.
func (rs *ResultSet) TimeAt(idx int) (time.Time, bool) {
	raw := rs.valueAt(idx)
	if raw == nil {
		return time.Time{}, false
	}

	var secs float64
	switch v := raw.(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	default:
		return time.Time{}, false
	}

	return secondsToTime(secs), true
}

// Time decodes the named column as an epoch-seconds timestamp.
func (rs *ResultSet) Time(name string) (time.Time, bool) {
	return rs.TimeAt(rs.ColumnIndex(name))
}

// NumberAt returns the column at idx as whatever numeric type the row
// actually carries: int64 for integral storage, float64 for real storage.
func (rs *ResultSet) NumberAt(idx int) any {
	switch v := rs.valueAt(idx).(type) {
	case int64:
		return v
	case float64:
		return v
	default:
		return nil
	}
}

// Number returns the named column as its runtime numeric type.
func (rs *ResultSet) Number(name string) any {
	return rs.NumberAt(rs.ColumnIndex(name))
}
