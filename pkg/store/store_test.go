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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMutateCommits(t *testing.T) {
	st := openStore(t)

	require.NoError(t, st.Mutate(context.Background(), "test/insert", func(tx *Tx) error {
		_, err := tx.Exec(`INSERT INTO pool_globals (pool, max_parallelism, log_level) VALUES (?, ?, ?)`,
			"p", 4, "INFO")
		return err
	}))

	var n int
	require.NoError(t, st.View(context.Background(), func(tx *Tx) error {
		return tx.QueryRow(`SELECT max_parallelism FROM pool_globals WHERE pool = ?`, "p").Scan(&n)
	}))
	assert.Equal(t, 4, n)
}

func TestMutateRollsBackOnError(t *testing.T) {
	st := openStore(t)

	err := st.Mutate(context.Background(), "test/fail", func(tx *Tx) error {
		if _, err := tx.Exec(`INSERT INTO pool_globals (pool, max_parallelism, log_level) VALUES (?, ?, ?)`,
			"doomed", 1, "INFO"); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, st.View(context.Background(), func(tx *Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM pool_globals WHERE pool = ?`, "doomed").Scan(&count)
	}))
	assert.Zero(t, count)
}

func TestAfterCommitRunsOnlyOnCommit(t *testing.T) {
	st := openStore(t)

	var fired int
	require.NoError(t, st.Mutate(context.Background(), "test/hook", func(tx *Tx) error {
		tx.AfterCommit(func() { fired++ })
		return nil
	}))
	assert.Equal(t, 1, fired)

	err := st.Mutate(context.Background(), "test/hookFail", func(tx *Tx) error {
		tx.AfterCommit(func() { fired++ })
		return fmt.Errorf("rolled back")
	})
	require.Error(t, err)
	assert.Equal(t, 1, fired)
}

func TestAfterCommitOrdering(t *testing.T) {
	st := openStore(t)

	var order []int
	require.NoError(t, st.Mutate(context.Background(), "test/order", func(tx *Tx) error {
		tx.AfterCommit(func() { order = append(order, 1) })
		tx.AfterCommit(func() { order = append(order, 2) })
		return nil
	}))
	assert.Equal(t, []int{1, 2}, order)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	st := openStore(t)
	// A second migration pass over the same schema must be a no-op.
	require.NoError(t, st.migrate(context.Background()))
}
