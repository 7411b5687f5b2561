// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var (
	// ErrNoDatabase is returned when an operation is attempted before open
	// or after close.
	ErrNoDatabase = errors.New("database is not open")

	// ErrUnknownSQLObject is returned when an argument cannot be coerced
	// into any supported bind variant.
	ErrUnknownSQLObject = errors.New("unsupported sql value")

	// ErrInvalidMultiBind is returned when the value supplied for a #? site
	// is neither a sequence, a set, nor nil.
	ErrInvalidMultiBind = errors.New("multi-bind argument must be a sequence or set")

	// ErrTransactionOpen is returned by BeginTransaction when a transaction
	// is already active on the handle.
	ErrTransactionOpen = errors.New("transaction already open")

	// ErrNoTransaction is returned by Commit and Rollback when no
	// transaction is active.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrCursorOpen is returned by Query when, once the database lock is
	// held, the handle still records an active result set. A Query issued
	// while another result set is open blocks on the lock that result set
	// holds until it is closed.
	ErrCursorOpen = errors.New("a result set is already open on this handle")
)

func isBusyError(err error) bool {
	if err == nil {
		return false
	}

	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code()
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}

	// The driver sometimes surfaces busy states as plain strings, e.g. when
	// the error crosses a database/sql retry boundary.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}

	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
			sqlErr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}
