// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rs/zerolog/log"
)

// Statement is a SQL template bound to a handle. Templates containing the
// multi-bind token #? have their final text computed per execution from the
// cardinality of the sequence arguments, so they are never cached-prepared.
// Plain templates are prepared once, registered with the handle and reused
// until the handle finalizes them.
type Statement struct {
	h   *Handle
	sql string

	stmt     *sql.Stmt
	prepared bool

	multi      bool
	fragments  []string
	fixedBinds int
}

const multiBindToken = "#?"

func newStatement(h *Handle, sqlText string) *Statement {
	frags := strings.Split(sqlText, multiBindToken)
	st := &Statement{
		h:         h,
		sql:       sqlText,
		fragments: frags,
		multi:     len(frags) > 1,
	}
	for _, frag := range frags {
		st.fixedBinds += strings.Count(frag, "?")
	}
	return st
}

// SQL returns the raw template text.
func (st *Statement) SQL() string {
	return st.sql
}

// BindPoints returns the number of arguments one execution expects: every ?
// is one, and every #? site consumes exactly one sequence argument.
func (st *Statement) BindPoints() int {
	if st.multi {
		return st.fixedBinds + len(st.fragments) - 1
	}
	return st.fixedBinds
}

// IsMultiBind reports whether the template contains a #? site.
func (st *Statement) IsMultiBind() bool {
	return st.multi
}

func (st *Statement) checkArity(argc int) {
	if argc != st.BindPoints() {
		log.Error().
			Str("sql", st.sql).
			Int("expected", st.BindPoints()).
			Int("got", argc).
			Msg("bind argument count mismatch, attempting execution anyway")
	}
}

// expand computes the final SQL text and the flattened, normalized argument
// list for one execution of a multi-bind template. Arguments are consumed in
// textual order: each ? in a fragment takes one scalar, each #? site takes
// one sequence whose cardinality N widens the site to N comma-separated
// markers. An empty sequence widens to the empty string.
func (st *Statement) expand(args []any) (string, []any, error) {
	var b strings.Builder
	flat := make([]any, 0, len(args))
	ai := 0

	for i, frag := range st.fragments {
		if i > 0 {
			if ai >= len(args) {
				return "", nil, ErrInvalidMultiBind
			}
			seq, err := sequenceValues(args[ai])
			ai++
			if err != nil {
				return "", nil, err
			}
			b.WriteString(placeholders(len(seq)))
			flat = append(flat, seq...)
		}

		b.WriteString(frag)
		for range strings.Count(frag, "?") {
			if ai < len(args) {
				flat = append(flat, normalizeValue(args[ai]))
				ai++
			}
		}
	}

	return b.String(), flat, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(2*n - 1)
	for i := range n {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	return b.String()
}

func (st *Statement) prepareLocked(ctx context.Context) error {
	if st.prepared {
		return nil
	}
	stmt, err := st.h.db.PrepareContext(ctx, st.sql)
	if err != nil {
		return err
	}
	st.stmt = stmt
	st.prepared = true
	st.h.registerStatement(st)
	return nil
}

// finalize releases the native statement. The next execution re-prepares.
func (st *Statement) finalize() {
	if !st.prepared {
		return
	}
	if st.stmt != nil {
		if err := st.stmt.Close(); err != nil {
			log.Warn().Err(err).Str("sql", st.sql).Msg("failed to finalize prepared statement")
		}
		st.stmt = nil
	}
	st.prepared = false
	st.h.deregisterStatement(st)
}

// Update executes the statement once as a mutation. Failures are reported
// through the return value and the handle's error counter rather than an
// error, so enqueued writes never abort the queue.
func (st *Statement) Update(ctx context.Context, args ...any) bool {
	h := st.h
	if !h.IsActive() {
		h.recordError(ErrNoDatabase, st.sql)
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return st.updateLocked(ctx, args)
}

func (st *Statement) updateLocked(ctx context.Context, args []any) bool {
	h := st.h
	st.checkArity(len(args))

	var err error
	if st.multi {
		var expanded string
		var flat []any
		expanded, flat, err = st.expand(args)
		if err != nil {
			h.recordError(err, st.sql)
			return false
		}
		err = h.stepRetry(ctx, func() error {
			_, execErr := h.db.ExecContext(ctx, expanded, flat...)
			return execErr
		})
	} else {
		if err = st.prepareLocked(ctx); err != nil {
			h.recordError(err, st.sql)
			return false
		}
		flat := normalizeValues(args)
		err = h.stepRetry(ctx, func() error {
			_, execErr := st.stmt.ExecContext(ctx, flat...)
			return execErr
		})
	}

	if err != nil {
		h.recordError(err, st.sql)
		return false
	}

	if h.inTx {
		h.uncommitted++
	}
	return true
}

// Query executes the statement and returns a forward-only cursor over its
// rows. The database lock is held from here until ResultSet.Close; failing to
// close the cursor blocks every subsequent operation on the handle.
func (st *Statement) Query(ctx context.Context, args ...any) (*ResultSet, error) {
	h := st.h
	if !h.IsActive() {
		h.recordError(ErrNoDatabase, st.sql)
		return nil, ErrNoDatabase
	}

	h.mu.Lock()
	rs, err := st.queryLocked(ctx, args, false)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	return rs, nil
}

func (st *Statement) queryLocked(ctx context.Context, args []any, ownStatement bool) (*ResultSet, error) {
	h := st.h
	if h.active != nil {
		return nil, ErrCursorOpen
	}
	st.checkArity(len(args))

	var rows *sql.Rows
	err := h.stepRetry(ctx, func() error {
		var queryErr error
		if st.multi {
			expanded, flat, expandErr := st.expand(args)
			if expandErr != nil {
				return expandErr
			}
			rows, queryErr = h.db.QueryContext(ctx, expanded, flat...)
		} else {
			if prepErr := st.prepareLocked(ctx); prepErr != nil {
				return prepErr
			}
			rows, queryErr = st.stmt.QueryContext(ctx, normalizeValues(args)...)
		}
		return queryErr
	})
	if err != nil {
		h.recordError(err, st.sql)
		return nil, err
	}

	rs := &ResultSet{
		h:            h,
		st:           st,
		rows:         rows,
		ownStatement: ownStatement,
	}
	h.active = rs
	return rs, nil
}
