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

// Package store provides the transactional document store the durable
// execution primitives run against.
//
// The store is SQLite-backed and single-writer: every mutation runs in its
// own transaction on a connection pool capped at one connection, which
// gives the serializable read-modify-write semantics the workpool and
// workflow engines rely on. Mutations that need to wake an in-process
// component once their writes are durable register AfterCommit hooks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/durable/internal/log"
)

// Store is a SQLite-backed transactional document store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Config contains store connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an in-memory
	// store (tests, examples).
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// Logger receives mutation-level debug logging. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// Open opens (creating if necessary) a store at the configured path and
// runs migrations.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection. This is also what
	// makes Mutate serializable: transactions never interleave.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}

	s := &Store{db: db, logger: logger}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Mutate runs fn inside a serializable write transaction. The name is
// used for debug logging and tracing only. If fn returns an error the
// transaction is rolled back and the error returned; otherwise the
// transaction commits and any AfterCommit hooks registered on the Tx run,
// in order, after the commit is durable.
//
// Busy errors from concurrent writers are retried with a short linear
// backoff; with the connection pool capped at one this only happens when
// an external process holds the file.
func (s *Store) Mutate(ctx context.Context, name string, fn func(tx *Tx) error) error {
	var hooks []func()

	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		hooks, err = s.runMutation(ctx, name, fn)
		if err == nil {
			break
		}
		if !isBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		return err
	}

	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (s *Store) runMutation(ctx context.Context, name string, fn func(tx *Tx) error) ([]func(), error) {
	start := time.Now()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{tx: sqlTx, ctx: ctx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", name, err)
	}

	s.logger.Debug("mutation committed",
		"mutation", name,
		log.DurationKey, time.Since(start).Milliseconds())

	return tx.afterCommit, nil
}

// View runs fn inside a transaction that is always rolled back, giving
// a consistent read snapshot. Writes made through it are discarded and
// AfterCommit hooks never fire.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&Tx{tx: sqlTx, ctx: ctx, readOnly: true})
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
