// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface narrows the storage runtime down to the operations the
// entity layer needs, so entities can be exercised against fakes in tests.
package dbinterface

import (
	"context"

	"github.com/autobrr/quicksilver/internal/database"
)

// Querier is the read/write surface entities run against. Implemented by
// *database.Handle.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*database.ResultSet, error)
	Update(ctx context.Context, query string, args ...any) bool
	Prepare(query string) *database.Statement
	Int64For(ctx context.Context, query string, args ...any) (int64, bool)
	CreateIndex(ctx context.Context, table string, columns []string, name string) bool
	Queue() *database.WriteQueue
}
