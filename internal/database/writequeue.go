// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Operation is one unit of background work. Operations run sequentially on
// the queue worker, each under the database lock taken by the handle call it
// wraps.
type Operation interface {
	Run(ctx context.Context)
}

// SQLOperation executes a mutation, either through a cached statement or from
// raw SQL text. Arguments are normalized at enqueue time so the producing
// goroutine pays the coercion cost, not the worker.
type SQLOperation struct {
	handle *Handle
	stmt   *Statement
	query  string
	args   []any
}

// NewSQLOperation builds an operation over a cached statement.
func NewSQLOperation(stmt *Statement, args ...any) *SQLOperation {
	return &SQLOperation{handle: stmt.h, stmt: stmt, args: normalizeValues(args)}
}

// NewRawSQLOperation builds an operation over raw SQL text.
func NewRawSQLOperation(h *Handle, query string, args ...any) *SQLOperation {
	return &SQLOperation{handle: h, query: query, args: normalizeValues(args)}
}

func (op *SQLOperation) Run(ctx context.Context) {
	if op.stmt != nil {
		op.stmt.Update(ctx, op.args...)
		return
	}
	op.handle.Update(ctx, op.query, op.args...)
}

// CommitOperation commits the open transaction from the worker, optionally
// reopening one immediately. Commits enqueue like any other operation, so
// they stay ordered with the writes that preceded them.
type CommitOperation struct {
	handle *Handle
	renew  bool
}

// NewCommitOperation builds a background commit.
func NewCommitOperation(h *Handle, renew bool) *CommitOperation {
	return &CommitOperation{handle: h, renew: renew}
}

func (op *CommitOperation) Run(ctx context.Context) {
	if err := op.handle.Commit(ctx, op.renew); err != nil {
		log.Warn().Err(err).Msg("background commit failed")
	}
}

// WriteQueue serializes mutations on a single worker goroutine while
// foreground goroutines read. Wait gives readers the coherency barrier: every
// operation enqueued before the call completes before Wait returns, and
// operations submitted while the wait is in progress are buffered so they
// order after the observation point.
type WriteQueue struct {
	mu        sync.Mutex
	work      *sync.Cond
	idle      *sync.Cond
	ops       []Operation
	intercept []Operation
	buffering bool
	running   bool
	closed    bool

	// waitMu serializes waiters so two concurrent drains cannot interleave
	// their intercept windows.
	waitMu sync.Mutex

	drains   uint64
	executed uint64

	done chan struct{}
}

// NewWriteQueue starts the worker.
func NewWriteQueue() *WriteQueue {
	q := &WriteQueue{done: make(chan struct{})}
	q.work = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Enqueue appends an operation. FIFO order is preserved per producer; during
// an active Wait the operation lands in the intercept buffer and is flushed
// behind the barrier.
func (q *WriteQueue) Enqueue(op Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		log.Error().Msg("operation enqueued on a closed write queue, dropping")
		return
	}

	if q.buffering {
		q.intercept = append(q.intercept, op)
		return
	}

	q.ops = append(q.ops, op)
	q.work.Signal()
}

func (q *WriteQueue) worker() {
	ctx := context.Background()
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && !q.closed {
			q.idle.Broadcast()
			q.work.Wait()
		}
		if len(q.ops) == 0 && q.closed {
			q.idle.Broadcast()
			q.mu.Unlock()
			close(q.done)
			return
		}

		op := q.ops[0]
		q.ops = q.ops[1:]
		q.running = true
		q.mu.Unlock()

		op.Run(ctx)

		q.mu.Lock()
		q.running = false
		q.executed++
		if len(q.ops) == 0 {
			q.idle.Broadcast()
		}
		q.mu.Unlock()
	}
}

// Wait blocks until every operation enqueued before the call has completed.
// Operations submitted concurrently are intercepted, then flushed into the
// queue in arrival order once the observation point has passed.
func (q *WriteQueue) Wait() {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()

	q.mu.Lock()
	q.buffering = true

	for len(q.ops) > 0 || q.running {
		q.idle.Wait()
	}

	q.drains++
	q.ops = append(q.ops, q.intercept...)
	q.intercept = nil
	q.buffering = false
	if len(q.ops) > 0 {
		q.work.Signal()
	}
	q.mu.Unlock()
}

// Len returns the number of queued operations, including intercepted ones.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops) + len(q.intercept)
}

// Stats returns cumulative executed-operation and drain counts.
func (q *WriteQueue) Stats() (executed, drains uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executed, q.drains
}

// Close drains the queue and stops the worker. Idempotent.
func (q *WriteQueue) Close() {
	q.Wait()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.work.Signal()
	q.mu.Unlock()

	<-q.done
}
