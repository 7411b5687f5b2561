// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database implements the storage runtime: a single serialized
// SQLite handle, cached prepared statements with multi-bind expansion, a
// forward-only cursor that owns the database lock, and a background write
// queue with a drain barrier for read-your-writes coherency.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Synchronous is the durability level applied to commits. The zero value is
// the normal level.
type Synchronous int

const (
	SynchronousNormal Synchronous = iota
	SynchronousOff
	SynchronousFull
	SynchronousExtra
)

func (s Synchronous) String() string {
	switch s {
	case SynchronousOff:
		return "off"
	case SynchronousNormal:
		return "normal"
	case SynchronousFull:
		return "full"
	case SynchronousExtra:
		return "extra"
	default:
		return fmt.Sprintf("synchronous(%d)", int(s))
	}
}

// ParseSynchronous maps a configuration string onto a durability level.
func ParseSynchronous(raw string) (Synchronous, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off":
		return SynchronousOff, nil
	case "", "normal":
		return SynchronousNormal, nil
	case "full":
		return SynchronousFull, nil
	case "extra":
		return SynchronousExtra, nil
	default:
		return SynchronousNormal, fmt.Errorf("unknown synchronous level %q", raw)
	}
}

const (
	defaultBusyRetries = 10
	stepRetryDelay     = 20 * time.Millisecond
	closeRetryDelay    = 200 * time.Millisecond
)

// OpenOptions configures a handle. One handle owns one database file.
type OpenOptions struct {
	Path        string
	ReadOnly    bool
	BusyRetries int
}

// Handle owns the single connection to one database file. Every native
// operation runs under its mutex; a ResultSet keeps the mutex held for its
// whole lifetime, so the lock is the serialization point for readers and the
// queue worker alike.
type Handle struct {
	path     string
	readOnly bool

	mu     sync.Mutex
	pool   *sql.DB
	db     *sql.Conn
	active *ResultSet

	inTx        bool
	uncommitted int64
	synchronous Synchronous
	busyRetries int

	stmtMu sync.Mutex
	stmts  map[*Statement]struct{}

	begin         *Statement
	beginDeferred *Statement
	commit        *Statement

	queue *WriteQueue

	errorCount atomic.Int64
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

var openPragmas = []string{
	"PRAGMA auto_vacuum = incremental",
	"PRAGMA cache_size = 2000",
	"PRAGMA fullfsync = NO",
	"PRAGMA journal_mode = persist",
	"PRAGMA journal_size_limit = 5000000",
}

// Open opens (creating when writable) the database file and starts the
// background write queue.
func Open(ctx context.Context, opts OpenOptions) (*Handle, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := opts.Path
	if opts.ReadOnly {
		dsn = "file:" + opts.Path + "?mode=ro"
	}

	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", opts.Path, err)
	}

	// One connection per file. The pinned connection below is the only way
	// this process talks to the database.
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)

	conn, err := pool.Conn(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire connection for %s: %w", opts.Path, err)
	}

	busyRetries := opts.BusyRetries
	if busyRetries < 0 {
		busyRetries = defaultBusyRetries
	}

	h := &Handle{
		path:        opts.Path,
		readOnly:    opts.ReadOnly,
		pool:        pool,
		db:          conn,
		busyRetries: busyRetries,
		synchronous: SynchronousNormal,
		stmts:       make(map[*Statement]struct{}),
	}

	if !opts.ReadOnly {
		for _, pragma := range openPragmas {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				pool.Close()
				return nil, fmt.Errorf("apply open pragma %q: %w", pragma, err)
			}
		}
	}

	h.begin = newStatement(h, "BEGIN")
	h.beginDeferred = newStatement(h, "BEGIN DEFERRED")
	h.commit = newStatement(h, "COMMIT")
	h.queue = NewWriteQueue()

	log.Debug().Str("path", opts.Path).Bool("readOnly", opts.ReadOnly).Msg("database opened")
	return h, nil
}

// IsActive reports whether the handle is open.
func (h *Handle) IsActive() bool {
	return h != nil && !h.closed.Load()
}

// Path returns the database file path the handle is bound to.
func (h *Handle) Path() string {
	return h.path
}

// ReadOnly reports whether the handle was opened read-only.
func (h *Handle) ReadOnly() bool {
	return h.readOnly
}

// Queue returns the background write queue owned by this handle.
func (h *Handle) Queue() *WriteQueue {
	return h.queue
}

// BusyRetries returns the busy-retry budget applied to steps and close.
func (h *Handle) BusyRetries() int {
	return h.busyRetries
}

// ErrorCount returns the number of native-level errors recorded since open.
func (h *Handle) ErrorCount() int64 {
	return h.errorCount.Load()
}

func (h *Handle) recordError(err error, sqlText string) {
	h.errorCount.Add(1)
	if isUniqueConstraintError(err) {
		log.Warn().Err(err).Str("sql", sqlText).Msg("uniqueness constraint violated")
		return
	}
	log.Error().Err(err).Str("sql", sqlText).Msg("database operation failed")
}

// stepRetry runs fn, retrying busy states with fixed sleeps until the retry
// budget is exhausted. Non-busy errors abort immediately.
func (h *Handle) stepRetry(ctx context.Context, fn func() error) error {
	return h.retryBusy(fn, stepRetryDelay)
}

func (h *Handle) retryBusy(fn func() error, delay time.Duration) error {
	return retry.Do(fn,
		retry.Attempts(uint(h.busyRetries)+1),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusyError),
		retry.OnRetry(func(attempt uint, err error) {
			log.Debug().Uint("attempt", attempt).Err(err).Msg("database busy, retrying")
		}),
	)
}

func (h *Handle) registerStatement(st *Statement) {
	h.stmtMu.Lock()
	defer h.stmtMu.Unlock()
	h.stmts[st] = struct{}{}
}

func (h *Handle) deregisterStatement(st *Statement) {
	h.stmtMu.Lock()
	defer h.stmtMu.Unlock()
	delete(h.stmts, st)
}

// StatementCount returns the number of live prepared statements registered
// with the handle.
func (h *Handle) StatementCount() int {
	h.stmtMu.Lock()
	defer h.stmtMu.Unlock()
	return len(h.stmts)
}

// Prepare builds a statement over this handle. The native statement is
// prepared lazily on first execution and cached for non-multi-bind templates.
func (h *Handle) Prepare(query string) *Statement {
	return newStatement(h, query)
}

// FinalizeStatements closes every registered prepared statement. They
// re-prepare transparently on their next execution. Must be called before
// any schema change, VACUUM or ANALYZE.
func (h *Handle) FinalizeStatements() {
	h.mu.Lock()
	h.finalizeAllLocked()
	h.mu.Unlock()
}

func (h *Handle) finalizeAllLocked() {
	h.stmtMu.Lock()
	snapshot := make([]*Statement, 0, len(h.stmts))
	for st := range h.stmts {
		snapshot = append(snapshot, st)
	}
	h.stmtMu.Unlock()

	for _, st := range snapshot {
		st.finalize()
	}
}

// execLocked runs a side-effect statement outside the Statement machinery.
// Caller holds the database lock.
func (h *Handle) execLocked(ctx context.Context, sqlText string) error {
	err := h.stepRetry(ctx, func() error {
		_, execErr := h.db.ExecContext(ctx, sqlText)
		return execErr
	})
	if err != nil {
		h.recordError(err, sqlText)
	}
	return err
}

// Update executes raw SQL as a mutation, returning true on success.
func (h *Handle) Update(ctx context.Context, query string, args ...any) bool {
	if !h.IsActive() {
		h.recordError(ErrNoDatabase, query)
		return false
	}

	st := newStatement(h, query)
	h.mu.Lock()
	defer h.mu.Unlock()

	ok := st.updateLocked(ctx, args)
	st.finalize()
	return ok
}

// Query executes raw SQL and returns a cursor. The database lock is held
// until the cursor is closed.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	if !h.IsActive() {
		h.recordError(ErrNoDatabase, query)
		return nil, ErrNoDatabase
	}

	st := newStatement(h, query)
	h.mu.Lock()
	rs, err := st.queryLocked(ctx, args, true)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	return rs, nil
}

// one-row typed getters. Each runs the query, reads the first row's first
// column and closes the cursor. The second return is false when no row
// matched or the value was null.

func (h *Handle) StringFor(ctx context.Context, query string, args ...any) (string, bool) {
	rs, err := h.Query(ctx, query, args...)
	if err != nil {
		return "", false
	}
	defer rs.Close()
	if !rs.Next() || rs.valueAt(0) == nil {
		return "", false
	}
	return rs.StringAt(0), true
}

func (h *Handle) Int64For(ctx context.Context, query string, args ...any) (int64, bool) {
	rs, err := h.Query(ctx, query, args...)
	if err != nil {
		return 0, false
	}
	defer rs.Close()
	if !rs.Next() || rs.valueAt(0) == nil {
		return 0, false
	}
	return rs.Int64At(0), true
}

func (h *Handle) BoolFor(ctx context.Context, query string, args ...any) (bool, bool) {
	v, ok := h.Int64For(ctx, query, args...)
	return v != 0, ok
}

func (h *Handle) FloatFor(ctx context.Context, query string, args ...any) (float64, bool) {
	rs, err := h.Query(ctx, query, args...)
	if err != nil {
		return 0, false
	}
	defer rs.Close()
	if !rs.Next() || rs.valueAt(0) == nil {
		return 0, false
	}
	return rs.FloatAt(0), true
}

func (h *Handle) TimeFor(ctx context.Context, query string, args ...any) (time.Time, bool) {
	rs, err := h.Query(ctx, query, args...)
	if err != nil {
		return time.Time{}, false
	}
	defer rs.Close()
	if !rs.Next() {
		return time.Time{}, false
	}
	return rs.TimeAt(0)
}

func (h *Handle) BytesFor(ctx context.Context, query string, args ...any) ([]byte, bool) {
	rs, err := h.Query(ctx, query, args...)
	if err != nil {
		return nil, false
	}
	defer rs.Close()
	if !rs.Next() || rs.valueAt(0) == nil {
		return nil, false
	}
	return rs.BytesAt(0), true
}

// BeginTransaction opens a transaction, deferred or immediate.
func (h *Handle) BeginTransaction(ctx context.Context, deferred bool) error {
	if !h.IsActive() {
		return ErrNoDatabase
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beginLocked(ctx, deferred)
}

func (h *Handle) beginLocked(ctx context.Context, deferred bool) error {
	if h.inTx {
		return ErrTransactionOpen
	}

	st := h.begin
	if deferred {
		st = h.beginDeferred
	}
	if !st.updateLocked(ctx, nil) {
		return fmt.Errorf("failed to begin transaction")
	}

	h.inTx = true
	h.uncommitted = 0
	return nil
}

// Commit commits the open transaction, optionally reopening one so callers
// can keep batching.
func (h *Handle) Commit(ctx context.Context, renew bool) error {
	if !h.IsActive() {
		return ErrNoDatabase
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commitLocked(ctx, renew)
}

func (h *Handle) commitLocked(ctx context.Context, renew bool) error {
	if !h.inTx {
		return ErrNoTransaction
	}

	h.inTx = false
	if !h.commit.updateLocked(ctx, nil) {
		return fmt.Errorf("failed to commit transaction")
	}
	h.uncommitted = 0

	if renew {
		return h.beginLocked(ctx, false)
	}
	return nil
}

// Rollback abandons the open transaction.
func (h *Handle) Rollback(ctx context.Context) error {
	if !h.IsActive() {
		return ErrNoDatabase
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.inTx {
		return ErrNoTransaction
	}

	err := h.execLocked(ctx, "ROLLBACK")
	h.inTx = false
	h.uncommitted = 0
	return err
}

// BackgroundCommit enqueues a commit behind any pending writes.
func (h *Handle) BackgroundCommit(renew bool) {
	h.queue.Enqueue(NewCommitOperation(h, renew))
}

// InTransaction reports whether a transaction is open.
func (h *Handle) InTransaction() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inTx
}

// UncommittedUpdates returns the number of successful mutation steps since
// the last commit.
func (h *Handle) UncommittedUpdates() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uncommitted
}

// Synchronous returns the current durability level.
func (h *Handle) Synchronous() Synchronous {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.synchronous
}

// SetSynchronous applies a durability level. Mid-transaction it commits,
// applies the pragma and reopens the transaction as one step under the lock.
func (h *Handle) SetSynchronous(ctx context.Context, level Synchronous) error {
	if !h.IsActive() {
		return ErrNoDatabase
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	reopen := h.inTx
	if reopen {
		if err := h.commitLocked(ctx, false); err != nil {
			return err
		}
	}

	if err := h.execLocked(ctx, "PRAGMA synchronous = "+strings.ToUpper(level.String())); err != nil {
		return err
	}
	h.synchronous = level

	if reopen {
		return h.beginLocked(ctx, false)
	}
	return nil
}

// SetLockingMode switches between exclusive and normal file locking.
func (h *Handle) SetLockingMode(ctx context.Context, exclusive bool) error {
	if !h.IsActive() {
		return ErrNoDatabase
	}

	mode := "NORMAL"
	if exclusive {
		mode = "EXCLUSIVE"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execLocked(ctx, "PRAGMA locking_mode = "+mode)
}

// Vacuum rebuilds the database file. Prepared statements do not survive it,
// so everything registered is finalized first; any statement prepared while
// the vacuum ran is finalized again afterwards.
func (h *Handle) Vacuum(ctx context.Context) error {
	return h.maintenance(ctx, "VACUUM")
}

// Analyse refreshes the query planner statistics.
func (h *Handle) Analyse(ctx context.Context) error {
	return h.maintenance(ctx, "ANALYZE")
}

func (h *Handle) maintenance(ctx context.Context, sqlText string) error {
	if !h.IsActive() {
		return ErrNoDatabase
	}

	h.FinalizeStatements()

	h.mu.Lock()
	if h.inTx {
		if err := h.commitLocked(ctx, false); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	err := h.execLocked(ctx, sqlText)
	h.mu.Unlock()

	h.FinalizeStatements()
	return err
}

// CreateIndex creates an index over the given columns, naming it
// idx_<table>_<col>_... when no name is supplied. Idempotent.
func (h *Handle) CreateIndex(ctx context.Context, table string, columns []string, name string) bool {
	if len(columns) == 0 {
		return false
	}
	if name == "" {
		name = "idx_" + table + "_" + strings.Join(columns, "_")
	}

	query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		name, table, strings.Join(columns, ", "))
	return h.Update(ctx, query)
}

// Close drains the write queue, terminates any open transaction, finalizes
// all statements, compacts the journal and releases the connection with
// bounded busy retries. Idempotent.
func (h *Handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.queue.Close()

		if !h.mu.TryLock() {
			// A cursor still owns the lock. Closing it releases the lock and
			// lets shutdown proceed.
			log.Warn().Str("path", h.path).Msg("result set still open at close")
			if rs := h.active; rs != nil {
				rs.Close()
			}
			h.mu.Lock()
		}

		if h.inTx {
			if err := h.commitLocked(ctx, false); err != nil {
				log.Warn().Err(err).Msg("terminal commit failed during close")
			}
		}

		h.finalizeAllLocked()

		if !h.readOnly {
			for _, sqlText := range []string{
				"PRAGMA journal_mode = delete",
				"BEGIN",
				"COMMIT",
				"PRAGMA incremental_vacuum(1000)",
			} {
				if err := h.execLocked(ctx, sqlText); err != nil {
					log.Warn().Err(err).Str("sql", sqlText).Msg("close-time maintenance failed")
				}
			}
		}

		h.closed.Store(true)

		err := h.retryBusy(func() error {
			return h.db.Close()
		}, closeRetryDelay)
		if err != nil {
			h.recordError(err, "close")
			h.closeErr = err
		}

		if err := h.pool.Close(); err != nil && h.closeErr == nil {
			h.closeErr = err
		}

		h.mu.Unlock()
		log.Debug().Str("path", h.path).Msg("database closed")
	})

	return h.closeErr
}
