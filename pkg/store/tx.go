// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
)

// Tx is a transaction handle passed to mutations and queries.
//
// A Tx is only valid for the duration of the Mutate or View call that
// created it; holding one past that point is a bug.
type Tx struct {
	tx          *sql.Tx
	ctx         context.Context
	readOnly    bool
	afterCommit []func()
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// AfterCommit registers fn to run after the transaction commits
// successfully. Hooks run in registration order. On rollback they are
// discarded. No-op hooks on read-only transactions never fire.
func (t *Tx) AfterCommit(fn func()) {
	if t.readOnly {
		return
	}
	t.afterCommit = append(t.afterCommit, fn)
}

// Exec executes a statement within the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

// Query executes a query within the transaction.
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

// QueryRow executes a single-row query within the transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}
